// Package verifier drives the spend-verification pipeline: caller
// authentication, presentation validation, the two DLEQ checks, the
// deterministic derivations, grace handling and the counter-store
// call.
package verifier

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudflare/circl/group"

	"github.com/brass-rl/brass-go/internal/auth"
	"github.com/brass-rl/brass-go/internal/codec"
	"github.com/brass-rl/brass-go/internal/counter"
	"github.com/brass-rl/brass-go/internal/derive"
	"github.com/brass-rl/brass-go/internal/dleq"
	"github.com/brass-rl/brass-go/internal/telemetry"
)

// Config is the validated slice of startup configuration the pipeline
// needs. It is constructed once and passed in; the verifier never
// reads the environment.
type Config struct {
	IssuerPubKey []byte
	KVSecret     []byte
	GraceSeconds int
	Mode         string
	Build        string
}

// Request is one spend attempt: the parsed API key, the raw
// presentation payload, and the live HTTP context used when the
// presentation carries no overrides.
type Request struct {
	APIKey  string
	Payload []byte

	Method string
	Path   string
	Body   []byte

	// TLSExporter is RFC 5705 exporter output from the transport, when
	// the frontend provides channel binding.
	TLSExporter []byte
}

// Result is a terminal pipeline state.
type Result struct {
	Status     int
	OK         bool
	Remaining  int
	Idempotent bool
	WindowUsed string
	ErrKind    string
}

type Verifier struct {
	cfg     Config
	issuerY group.Element
	keys    auth.KeyStore
	store   counter.Store
	emitter *telemetry.Emitter

	// nowMs is swappable so the grace boundary is testable.
	nowMs func() int64
}

func New(cfg Config, keys auth.KeyStore, store counter.Store, emitter *telemetry.Emitter) (*Verifier, error) {
	y, err := codec.UnmarshalPoint(cfg.IssuerPubKey)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		cfg:     cfg,
		issuerY: y,
		keys:    keys,
		store:   store,
		emitter: emitter,
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Spend runs the full pipeline and always returns a terminal Result.
// Nothing is retried; any failure surfaces as a single error kind.
func (v *Verifier) Spend(ctx context.Context, req *Request) *Result {
	start := time.Now()
	res, grace, protected := v.spend(ctx, req)

	ev := telemetry.Event{
		Result:         res.ErrKind,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		InGracePeriod:  grace,
		GraceProtected: protected,
		Idempotent:     res.Idempotent,
		WindowUsed:     res.WindowUsed,
	}
	if res.OK {
		ev.Result = "ok"
		remaining := res.Remaining
		ev.Remaining = &remaining
	}
	if v.emitter != nil {
		v.emitter.Emit(ev)
	}
	return res
}

func (v *Verifier) spend(ctx context.Context, req *Request) (res *Result, grace, protected bool) {
	// S0: the API key is the only source of tenancy and limits.
	project, err := v.keys.Lookup(ctx, req.APIKey)
	if err != nil {
		return errorResult(err), false, false
	}

	// S1: parse and decode; every point is re-validated here.
	parsed, err := parsePresentation(req.Payload)
	if err != nil {
		return errorResult(err), false, false
	}
	pres := parsed.pres

	// S2: the issuer proof shows Z = k*M under the issuer key Y = k*G.
	if !dleq.Verify(dleq.Label, group.P256.Generator(), v.issuerY, parsed.m, parsed.z, parsed.piI, []byte{}) {
		return errorResult(failKind(KindInvalidPiI, "issuer proof rejected")), false, false
	}

	// S3: HTTP-context digest from overrides or the live request.
	method := pres.HTTPMethod
	if method == "" {
		method = req.Method
	}
	path := pres.HTTPPath
	if path == "" {
		path = req.Path
	}
	bodyHash := parsed.bodyHash
	if bodyHash == nil {
		bodyHash = derive.BodyHash(req.Body)
	}
	d := derive.HTTPContextDigest(method, path, bodyHash)
	if parsed.dClient != nil && !codec.ConstantTimeEqual(d, parsed.dClient) {
		return errorResult(failKind(KindDMismatch, "client context digest disagrees")), false, false
	}

	// S4: canonicalize and derive. The server's epoch is authoritative;
	// the presentation's epoch field is advisory only.
	origin, err := derive.CanonicalOrigin(pres.Origin)
	if err != nil {
		return errorResult(err), false, false
	}
	nowMs := v.nowMs()
	epochDays := derive.EpochDays(nowMs)
	windowID := derive.WindowID(epochDays)
	policyID := derive.ParsePolicyID(pres.AADr)
	salt := derive.Salt(v.cfg.IssuerPubKey, origin, epochDays, windowID, policyID)
	y := derive.Nullifier(parsed.zPrimeEnc, pres.KID, pres.AADr, salt)

	// S5: the client proof binds the spend to (y, c, d) and the tenant
	// context; it shows knowledge of the blinding via M = r*P and
	// Z = r*Z'.
	exporter := parsed.tlsExporter
	if exporter == nil {
		exporter = req.TLSExporter
	}
	tlsBinding := derive.TLSBinding(exporter)
	bind := derive.ClientBinding(y, parsed.nonce, d, tlsBinding, windowID, policyID, pres.AADr, pres.KID, salt)
	if !dleq.Verify(dleq.Label, parsed.p, parsed.m, parsed.zPrime, parsed.z, parsed.piC, bind) {
		return errorResult(failKind(KindInvalidPiC, "client proof rejected")), false, false
	}

	// S6: idempotency key and grace path.
	ik := derive.IdempotencyKey(v.cfg.KVSecret, y, parsed.nonce)
	grace = derive.InGracePeriod(nowMs, v.cfg.GraceSeconds)
	issuerPkB64 := codec.EncodeBase64(v.cfg.IssuerPubKey)

	var graceKey string
	if grace {
		yg := derive.GraceNullifier(parsed.zPrimeEnc, v.cfg.IssuerPubKey, pres.KID, origin, policyID, pres.AADr)
		graceKey = codec.EncodeBase64(yg)
		hit, err := v.store.GuardGrace(ctx, project.ID, graceKey, int64(v.cfg.GraceSeconds))
		if err != nil {
			return errorResult(failKind(KindServerError, "grace guard: %w", err)), grace, false
		}
		if hit != nil && hit.OK {
			// Successful spends bridge the boundary; denials are
			// re-evaluated so a new window's capacity applies.
			return &Result{
				Status:     http.StatusOK,
				OK:         true,
				Remaining:  hit.Remaining,
				WindowUsed: "grace_cached",
			}, grace, true
		}
	}

	// S7: the counter store decides.
	key := counter.Key{
		ProjectID: project.ID,
		IssuerPk:  issuerPkB64,
		Origin:    origin,
		Epoch:     epochDays,
		PolicyID:  policyID,
		WindowID:  windowID,
		Nullifier: codec.EncodeBase64(y),
	}
	ttl := derive.SecondsUntilWindowEnd(nowMs)
	resp, err := v.store.Spend(ctx, counter.SpendRequest{
		Key:        key,
		IK:         ik,
		Limit:      project.Limit,
		TTLSeconds: ttl,
	})
	if err != nil {
		return errorResult(failKind(KindServerError, "spend: %w", err)), grace, false
	}

	windowUsed := strconv.FormatInt(windowID, 10)
	if !resp.OK {
		return &Result{
			Status:     http.StatusTooManyRequests,
			Remaining:  0,
			Idempotent: resp.Idempotent,
			WindowUsed: windowUsed,
			ErrKind:    KindLimitExceeded,
		}, grace, false
	}

	if grace {
		// Fire-and-forget: the response must not wait on the grace
		// cache, and cancellation of the request must not abort it.
		v.cacheGraceAsync(ctx, project.ID, graceKey, resp)
	}

	return &Result{
		Status:     http.StatusOK,
		OK:         true,
		Remaining:  resp.Remaining,
		Idempotent: resp.Idempotent,
		WindowUsed: windowUsed,
	}, grace, false
}

func (v *Verifier) cacheGraceAsync(ctx context.Context, projectID, graceKey string, resp counter.Response) {
	detached := context.WithoutCancel(ctx)
	go func() {
		cctx, cancel := context.WithTimeout(detached, 5*time.Second)
		defer cancel()
		stored := counter.Response{OK: resp.OK, Remaining: resp.Remaining}
		_ = v.store.CacheGraceResponse(cctx, projectID, graceKey, int64(v.cfg.GraceSeconds), stored)
	}()
}

func errorResult(err error) *Result {
	kind := KindServerError
	var ke *kindError
	if errors.As(err, &ke) {
		kind = ke.kind
	} else {
		switch {
		case errors.Is(err, auth.ErrMissingAPIKey):
			kind = KindMissingAPIKey
		case errors.Is(err, auth.ErrInvalidAPIKey):
			kind = KindInvalidAPIKey
		}
	}
	// derive errors arrive as bare sentinels whose text is the kind.
	switch err.Error() {
	case KindInvalidOrigin, KindOriginScheme, KindOriginHasPath, KindInvalidHostname:
		kind = err.Error()
	}
	return &Result{Status: statusFor(kind), ErrKind: kind}
}

func statusFor(kind string) int {
	switch kind {
	case KindServerError:
		return http.StatusInternalServerError
	case KindLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}
