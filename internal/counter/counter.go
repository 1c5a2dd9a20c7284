// Package counter implements spend accounting: a narrow store
// interface with an atomic Redis-backed implementation and a
// best-effort implementation over a TTL cache. Counters, idempotency
// records and grace records are all namespaced by tenant.
package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound is returned by Cache lookups for absent or expired keys.
var ErrNotFound = fmt.Errorf("counter: not found")

// Key identifies one counter. Its serialized form is bit-stable:
// external debug tooling and migration code parse it.
type Key struct {
	ProjectID string
	IssuerPk  string
	Origin    string
	Epoch     int64
	PolicyID  string
	WindowID  int64
	Nullifier string
}

// String renders the pipe-separated counter identifier. The project:
// prefix is mandatory; it is what keeps tenants out of each other's
// namespace.
func (k Key) String() string {
	return "project:" + k.ProjectID +
		"|" + k.IssuerPk +
		"|" + k.Origin +
		"|" + strconv.FormatInt(k.Epoch, 10) +
		"|" + k.PolicyID +
		"|" + strconv.FormatInt(k.WindowID, 10) +
		"|" + k.Nullifier
}

// Response is a spend decision. Idempotent replays return the stored
// decision byte-for-byte with Idempotent set.
type Response struct {
	OK         bool   `json:"ok"`
	Remaining  int    `json:"remaining"`
	Err        string `json:"error,omitempty"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

// SpendRequest carries one spend attempt into a Store.
type SpendRequest struct {
	Key        Key
	IK         string
	Limit      int
	TTLSeconds int64
}

// Store is the spend-accounting capability. Only the atomic
// implementation is safe for strict enforcement: it serializes all
// operations addressed to the same key. The best-effort implementation
// is eventually consistent and may under-count under concurrency.
type Store interface {
	// Spend applies the idempotent counter protocol: replay the stored
	// decision for a known IK, otherwise compare-and-increment against
	// the limit, persisting the counter and the decision with the same
	// TTL.
	Spend(ctx context.Context, req SpendRequest) (Response, error)

	// GuardGrace looks up a cached grace decision. A nil response is a
	// miss.
	GuardGrace(ctx context.Context, projectID, graceKey string, ttlSeconds int64) (*Response, error)

	// CacheGraceResponse stores a grace decision. Only the first
	// writer for a key wins; later writes are no-ops.
	CacheGraceResponse(ctx context.Context, projectID, graceKey string, ttlSeconds int64, resp Response) error
}

func countKey(k Key) string {
	return "count:" + k.String()
}

func ikKey(projectID, ik string) string {
	return "ik:project:" + projectID + ":" + ik
}

func graceKeyName(projectID, graceKey string) string {
	return "grace:project:" + projectID + ":" + graceKey
}

// encodeDecision renders a decision in the compact <ok>|<error>|<remaining>
// form stored against ik: and grace: keys. The Lua spend script builds
// the same encoding, so both sides must stay in sync.
func encodeDecision(r Response) string {
	ok := "0"
	if r.OK {
		ok = "1"
	}
	return ok + "|" + r.Err + "|" + strconv.Itoa(r.Remaining)
}

func decodeDecision(s string) (Response, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return Response{}, fmt.Errorf("counter: malformed decision %q", s)
	}
	remaining, err := strconv.Atoi(parts[2])
	if err != nil {
		return Response{}, fmt.Errorf("counter: malformed decision %q", s)
	}
	return Response{
		OK:        parts[0] == "1",
		Err:       parts[1],
		Remaining: remaining,
	}, nil
}
