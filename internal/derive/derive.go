// Package derive computes every server-chosen value in the spend
// pipeline: the canonical origin, the window, the per-window salt, the
// nullifier and its window-agnostic grace variant, the idempotency key
// and the context digests. All inputs are public; the server is the
// authoritative source of salt and nullifier.
package derive

import (
	"crypto/hmac"
	"crypto/sha256"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"

	"github.com/brass-rl/brass-go/internal/codec"
	"github.com/brass-rl/brass-go/internal/dleq"
)

const (
	// Suite identifies the group/hash pair in grace derivations and
	// proof bindings.
	Suite = "P256_SHA256"
	// Version is the protocol version bound into every client proof.
	Version = "BRASS_v2.0"

	// DefaultPolicyID is used when AADr carries no policy token.
	DefaultPolicyID = "default"

	saltLabel  = "BRASS_SALT_v1"
	nullLabel  = "BRASS_NULLIFIER_v1"
	graceLabel = "BRASS_GRACE_v1"
)

// ParsePolicyID extracts the first policy=VALUE token from the
// |-separated AADr. AADr is opaque client data; the policy id is the
// only part the verifier interprets, and only for routing.
func ParsePolicyID(aadr string) string {
	for _, part := range strings.Split(aadr, "|") {
		if v, ok := strings.CutPrefix(part, "policy="); ok && v != "" {
			return v
		}
	}
	return DefaultPolicyID
}

// Salt derives the per-window salt η. It changes every window and is
// identical for canonical-equivalent origins, which is what isolates
// counters across origins and windows.
func Salt(issuerPk []byte, origin string, epochDays, windowID int64, policyID string) []byte {
	return dleq.H3(
		[]byte(saltLabel),
		issuerPk,
		[]byte(origin),
		[]byte(strconv.FormatInt(epochDays, 10)),
		[]byte(policyID),
		[]byte(strconv.FormatInt(windowID, 10)),
	)
}

// Nullifier derives the single-use spend tag y from the unblinded token
// and the per-window salt.
func Nullifier(zPrimeEnc []byte, kid, aadr string, salt []byte) []byte {
	return dleq.H3(
		[]byte(nullLabel),
		zPrimeEnc,
		[]byte(kid),
		[]byte(aadr),
		salt,
	)
}

// GraceNullifier derives the window-agnostic nullifier y_g. It omits
// the window id so the same token presented on either side of a UTC
// midnight boundary collides.
func GraceNullifier(zPrimeEnc, issuerPk []byte, kid, origin, policyID, aadr string) []byte {
	return dleq.H3(
		[]byte(graceLabel),
		zPrimeEnc,
		[]byte(kid),
		issuerPk,
		[]byte(origin),
		[]byte(policyID),
		[]byte(Suite),
		[]byte(Version),
		[]byte(aadr),
	)
}

// IdempotencyKey computes IK = base64url(HMAC-SHA-256(kvSecret,
// len(y)||y||len(c)||c)) with 4-byte big-endian lengths. The HMAC key
// is a process secret, so clients cannot enumerate the IK space.
func IdempotencyKey(kvSecret, y, clientNonce []byte) string {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(y)
	})
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(clientNonce)
	})
	mac := hmac.New(sha256.New, kvSecret)
	mac.Write(b.BytesOrPanic())
	return codec.EncodeBase64(mac.Sum(nil))
}

// TLSBinding digests the RFC 5705 exporter output when present. The
// two modes are domain-separated so an absent exporter can never
// collide with a present one.
func TLSBinding(exporter []byte) []byte {
	if len(exporter) == 0 {
		return dleq.H3([]byte("no_exporter"))
	}
	return dleq.H3([]byte("tls_exporter"), exporter)
}

// BodyHash digests raw request-body bytes for the HTTP context.
func BodyHash(body []byte) []byte {
	h := sha256.Sum256(body)
	return h[:]
}

// HTTPContextDigest computes d over the method, path and body hash.
// The method is uppercased; the path is hashed exactly as presented.
func HTTPContextDigest(method, path string, bodyHash []byte) []byte {
	return dleq.H3(
		[]byte("BRASS:HTTP_CTX_v1:"),
		[]byte(strings.ToUpper(method)),
		[]byte(path),
		bodyHash,
	)
}

// ClientBinding assembles the π_C binding tuple. Every input is either
// server-derived or cross-checked; only AADr and KID originate from the
// client and neither is security-critical in this position.
func ClientBinding(y, clientNonce, httpDigest, tlsBinding []byte, windowID int64, policyID, aadr, kid string, salt []byte) []byte {
	return dleq.H3(
		[]byte("BIND"),
		y,
		clientNonce,
		httpDigest,
		tlsBinding,
		[]byte(strconv.FormatInt(windowID, 10)),
		[]byte(Suite),
		[]byte(Version),
		[]byte(policyID),
		[]byte(aadr),
		[]byte(kid),
		salt,
	)
}
