package verifier

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudflare/circl/group"
	"github.com/redis/go-redis/v9"

	"github.com/brass-rl/brass-go/internal/auth"
	"github.com/brass-rl/brass-go/internal/codec"
	"github.com/brass-rl/brass-go/internal/counter"
	"github.com/brass-rl/brass-go/internal/derive"
	"github.com/brass-rl/brass-go/internal/dleq"
	"github.com/brass-rl/brass-go/util"
)

const (
	testAPIKey = "test-api-key"
	testKID    = "kid-2025-11"
	testAADr   = "policy=comments|window=W"
	testOrigin = "https://example.com"
	testLimit  = 3

	msPerDay = int64(86_400_000)
)

// Noon of an arbitrary fixed day, away from any grace band.
var testNowMs = 20_000*msPerDay + 12*3_600_000

func testScalar(v uint64) group.Scalar {
	s := group.P256.NewScalar()
	s.SetUint64(v)
	return s
}

func issuerSecret() group.Scalar { return testScalar(0xA1) }
func clientBlind() group.Scalar  { return testScalar(0x2B) }

func issuerPubKey() []byte {
	y := group.P256.NewElement().MulGen(issuerSecret())
	return codec.MarshalPoint(y)
}

func testNonce(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 16)
}

type tokenParams struct {
	origin string
	kid    string
	aadr   string
	nonce  []byte
	nowMs  int64
	// mintMs, when set, is when the token was minted: P derives from
	// its day while the spend context still follows nowMs.
	mintMs int64

	method string
	path   string
	body   []byte

	withDClient bool
}

func defaultParams() tokenParams {
	return tokenParams{
		origin: testOrigin,
		kid:    testKID,
		aadr:   testAADr,
		nonce:  testNonce(0x99),
		nowMs:  testNowMs,
		method: "POST",
		path:   "/api/comment",
		body:   []byte(`{"comment":"hello"}`),
	}
}

// buildPresentation constructs a fully valid presentation the way a
// client would: hash-to-curve P, blind it, apply the issuer secret,
// unblind, and prove both DLEQ statements.
func buildPresentation(t *testing.T, p tokenParams) Presentation {
	t.Helper()
	g := group.P256
	k := issuerSecret()
	r := clientBlind()
	pkI := issuerPubKey()

	canon, err := derive.CanonicalOrigin(p.origin)
	if err != nil {
		t.Fatalf("canonical origin: %v", err)
	}
	epochDays := derive.EpochDays(p.nowMs)
	windowID := derive.WindowID(epochDays)
	policyID := derive.ParsePolicyID(p.aadr)

	mintDays := epochDays
	if p.mintMs != 0 {
		mintDays = derive.EpochDays(p.mintMs)
	}
	seed := fmt.Sprintf("%s|%d|%s", canon, mintDays, policyID)
	P := g.HashToElement([]byte(seed), []byte("BRASS-V2-P256_XMD:SHA-256_SSWU_RO_"))
	M := g.NewElement().Mul(P, r)
	Z := g.NewElement().Mul(M, k)
	ZPrime := g.NewElement().Mul(P, k)

	// Issuer proof over (G, Y, M, Z): same secret applied to G and M.
	piI, err := dleq.Prove(dleq.Label, g.Generator(), M, k, []byte{}, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	bodyHash := derive.BodyHash(p.body)
	d := derive.HTTPContextDigest(p.method, p.path, bodyHash)

	salt := derive.Salt(pkI, canon, epochDays, windowID, policyID)
	zpEnc := codec.MarshalPoint(ZPrime)
	y := derive.Nullifier(zpEnc, p.kid, p.aadr, salt)
	tlsBinding := derive.TLSBinding(nil)
	bind := derive.ClientBinding(y, p.nonce, d, tlsBinding, windowID, policyID, p.aadr, p.kid, salt)

	// Client proof over (P, M, Z', Z): knowledge of the blinding r.
	piC, err := dleq.Prove(dleq.Label, P, ZPrime, r, bind, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	pres := Presentation{
		KID:             p.kid,
		AADr:            p.aadr,
		Origin:          p.origin,
		Epoch:           mintDays,
		P:               codec.EncodeBase64(codec.MarshalPoint(P)),
		M:               codec.EncodeBase64(codec.MarshalPoint(M)),
		Z:               codec.EncodeBase64(codec.MarshalPoint(Z)),
		ZPrime:          codec.EncodeBase64(zpEnc),
		C:               codec.EncodeBase64(p.nonce),
		PiI:             wireProof(piI),
		PiC:             wireProof(piC),
		HTTPMethod:      p.method,
		HTTPPath:        p.path,
		HTTPBodyHashB64: codec.EncodeBase64(bodyHash),
	}
	if p.withDClient {
		pres.DClient = codec.EncodeBase64(d)
	}
	return pres
}

func wireProof(p dleq.Proof) ProofWire {
	return ProofWire{
		C: codec.EncodeBase64(codec.MarshalScalar(p.C)),
		R: codec.EncodeBase64(codec.MarshalScalar(p.R)),
	}
}

func marshalPresentation(t *testing.T, pres Presentation) []byte {
	t.Helper()
	payload, err := json.Marshal(pres)
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func newTestVerifier(t *testing.T) (*Verifier, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	v, err := New(Config{
		IssuerPubKey: issuerPubKey(),
		KVSecret:     bytes.Repeat([]byte{0x42}, 32),
		GraceSeconds: 60,
		Mode:         "atomic",
		Build:        "test",
	}, &auth.StaticKeys{
		Secret:  testAPIKey,
		Project: auth.Project{ID: "default", Limit: testLimit},
	}, counter.NewAtomic(client), nil)
	if err != nil {
		t.Fatal(err)
	}
	v.nowMs = func() int64 { return testNowMs }
	return v, mr
}

func spendRequest(payload []byte) *Request {
	return &Request{
		APIKey:  testAPIKey,
		Payload: payload,
		Method:  "POST",
		Path:    "/verify",
		Body:    payload,
	}
}

func TestFirstSpend(t *testing.T) {
	v, _ := newTestVerifier(t)
	payload := marshalPresentation(t, buildPresentation(t, defaultParams()))

	res := v.Spend(context.Background(), spendRequest(payload))
	if res.Status != http.StatusOK || !res.OK {
		t.Fatalf("first spend rejected: %+v", res)
	}
	if res.Remaining != testLimit-1 {
		t.Fatalf("remaining = %d, want %d", res.Remaining, testLimit-1)
	}
	if res.Idempotent {
		t.Fatal("first spend must not be idempotent")
	}
	if res.WindowUsed != "20000" {
		t.Fatalf("windowUsed = %q", res.WindowUsed)
	}
}

func TestIdempotentReplay(t *testing.T) {
	v, mr := newTestVerifier(t)
	payload := marshalPresentation(t, buildPresentation(t, defaultParams()))

	first := v.Spend(context.Background(), spendRequest(payload))
	if !first.OK || first.Remaining != 2 {
		t.Fatalf("first spend: %+v", first)
	}
	second := v.Spend(context.Background(), spendRequest(payload))
	if !second.OK || second.Remaining != 2 || !second.Idempotent {
		t.Fatalf("byte-for-byte replay: %+v", second)
	}

	// Exactly one increment across both calls.
	keys := mr.Keys()
	count := 0
	for _, k := range keys {
		if len(k) > 6 && k[:6] == "count:" {
			count++
			if got, _ := mr.Get(k); got != "1" {
				t.Fatalf("counter %s = %s, want 1", k, got)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected one counter key, got %d", count)
	}
}

func TestBudgetExhausted(t *testing.T) {
	v, _ := newTestVerifier(t)

	for i := 0; i < testLimit; i++ {
		p := defaultParams()
		p.nonce = testNonce(byte(0x10 + i))
		res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, buildPresentation(t, p))))
		if !res.OK || res.Remaining != testLimit-1-i {
			t.Fatalf("spend %d: %+v", i, res)
		}
	}

	p := defaultParams()
	p.nonce = testNonce(0x77)
	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, buildPresentation(t, p))))
	if res.Status != http.StatusTooManyRequests || res.ErrKind != KindLimitExceeded || res.Remaining != 0 {
		t.Fatalf("expected limit_exceeded, got %+v", res)
	}
}

func TestCrossOriginReplayIsolated(t *testing.T) {
	v, _ := newTestVerifier(t)

	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, buildPresentation(t, defaultParams()))))
	if !res.OK || res.Remaining != 2 {
		t.Fatalf("origin A: %+v", res)
	}

	// A replay against a different origin routes to a fresh counter.
	p := defaultParams()
	p.origin = "https://attacker.com"
	p.nonce = testNonce(0x55)
	res = v.Spend(context.Background(), spendRequest(marshalPresentation(t, buildPresentation(t, p))))
	if !res.OK || res.Remaining != 2 {
		t.Fatalf("origin B must start its own budget: %+v", res)
	}

	// The original origin's budget is unaffected.
	p = defaultParams()
	p.nonce = testNonce(0x56)
	res = v.Spend(context.Background(), spendRequest(marshalPresentation(t, buildPresentation(t, p))))
	if !res.OK || res.Remaining != 1 {
		t.Fatalf("origin A second spend: %+v", res)
	}
}

func TestCanonicalOriginVariantsShareCounter(t *testing.T) {
	v, _ := newTestVerifier(t)

	p := defaultParams()
	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, buildPresentation(t, p))))
	if !res.OK || res.Remaining != 2 {
		t.Fatalf("canonical spelling: %+v", res)
	}

	p = defaultParams()
	p.origin = "https://EXAMPLE.com.:443"
	p.nonce = testNonce(0x66)
	res = v.Spend(context.Background(), spendRequest(marshalPresentation(t, buildPresentation(t, p))))
	if !res.OK || res.Remaining != 1 {
		t.Fatalf("equivalent spelling must hit the same counter: %+v", res)
	}
}

func TestGraceBridgesMidnight(t *testing.T) {
	v, mr := newTestVerifier(t)

	// 23:59:50 on day 20000.
	beforeMidnight := 20_001*msPerDay - 10_000
	v.nowMs = func() int64 { return beforeMidnight }

	p := defaultParams()
	p.nowMs = beforeMidnight
	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, buildPresentation(t, p))))
	if !res.OK || res.Remaining != 2 {
		t.Fatalf("pre-midnight spend: %+v", res)
	}

	// The grace record is written fire-and-forget; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if found := graceKeyCount(mr); found > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("grace record never cached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 00:00:10 on day 20001: same token, new window. The client proof
	// is re-made for the new window's binding.
	afterMidnight := 20_001*msPerDay + 10_000
	v.nowMs = func() int64 { return afterMidnight }

	p = defaultParams()
	p.mintMs = beforeMidnight
	p.nowMs = afterMidnight
	res = v.Spend(context.Background(), spendRequest(marshalPresentation(t, buildPresentation(t, p))))
	if !res.OK || res.Status != http.StatusOK {
		t.Fatalf("post-midnight spend: %+v", res)
	}
	if res.WindowUsed != "grace_cached" {
		t.Fatalf("expected grace replay, got windowUsed=%q", res.WindowUsed)
	}
	if res.Remaining != 2 {
		t.Fatalf("grace replay must return the original remaining, got %d", res.Remaining)
	}
}

func graceKeyCount(mr *miniredis.Miniredis) int {
	n := 0
	for _, k := range mr.Keys() {
		if len(k) > 6 && k[:6] == "grace:" {
			n++
		}
	}
	return n
}

func TestTamperedBodyRejected(t *testing.T) {
	v, _ := newTestVerifier(t)

	pres := buildPresentation(t, defaultParams())
	// The proof was bound to the original body; altering the body hash
	// changes d and breaks the client proof.
	pres.HTTPBodyHashB64 = codec.EncodeBase64(derive.BodyHash([]byte(`{"comment":"hellp"}`)))
	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, pres)))
	if res.Status != http.StatusUnauthorized || res.ErrKind != KindInvalidPiC {
		t.Fatalf("expected invalid_piC, got %+v", res)
	}
}

func TestDClientMismatch(t *testing.T) {
	v, _ := newTestVerifier(t)

	p := defaultParams()
	p.withDClient = true
	pres := buildPresentation(t, p)
	pres.DClient = codec.EncodeBase64(derive.BodyHash([]byte("not the digest")))
	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, pres)))
	if res.Status != http.StatusUnauthorized || res.ErrKind != KindDMismatch {
		t.Fatalf("expected d_mismatch, got %+v", res)
	}
}

func TestDClientMatchAccepted(t *testing.T) {
	v, _ := newTestVerifier(t)

	p := defaultParams()
	p.withDClient = true
	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, buildPresentation(t, p))))
	if !res.OK {
		t.Fatalf("matching d_client must verify: %+v", res)
	}
}

func TestTamperedIssuerProof(t *testing.T) {
	v, _ := newTestVerifier(t)

	pres := buildPresentation(t, defaultParams())
	pres.PiI.R = pres.PiI.C
	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, pres)))
	if res.Status != http.StatusUnauthorized || res.ErrKind != KindInvalidPiI {
		t.Fatalf("expected invalid_piI, got %+v", res)
	}
}

func TestWrongIssuerKeyRejected(t *testing.T) {
	v, _ := newTestVerifier(t)

	// Token minted under a different issuer secret fails π_I against
	// the configured Y.
	pres := buildPresentation(t, defaultParams())
	g := group.P256
	otherK := testScalar(0xB7)
	M, err := codec.UnmarshalPoint(util.MustUnb64(t, pres.M))
	if err != nil {
		t.Fatal(err)
	}
	Z := g.NewElement().Mul(M, otherK)
	pres.Z = codec.EncodeBase64(codec.MarshalPoint(Z))
	piI, err := dleq.Prove(dleq.Label, g.Generator(), M, otherK, []byte{}, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pres.PiI = wireProof(piI)

	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, pres)))
	if res.ErrKind != KindInvalidPiI {
		t.Fatalf("expected invalid_piI, got %+v", res)
	}
}

func TestAuthFailures(t *testing.T) {
	v, _ := newTestVerifier(t)
	payload := marshalPresentation(t, buildPresentation(t, defaultParams()))

	req := spendRequest(payload)
	req.APIKey = ""
	res := v.Spend(context.Background(), req)
	if res.Status != http.StatusUnauthorized || res.ErrKind != KindMissingAPIKey {
		t.Fatalf("expected missing_api_key, got %+v", res)
	}

	req = spendRequest(payload)
	req.APIKey = "nope"
	res = v.Spend(context.Background(), req)
	if res.Status != http.StatusUnauthorized || res.ErrKind != KindInvalidAPIKey {
		t.Fatalf("expected invalid_api_key, got %+v", res)
	}
}

func TestNonHTTPSOriginRejected(t *testing.T) {
	v, _ := newTestVerifier(t)

	pres := buildPresentation(t, defaultParams())
	pres.Origin = "http://example.com"
	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, pres)))
	if res.Status != http.StatusUnauthorized || res.ErrKind != KindOriginScheme {
		t.Fatalf("expected origin_must_be_https, got %+v", res)
	}
}

func TestMalformedPointRejected(t *testing.T) {
	v, _ := newTestVerifier(t)

	pres := buildPresentation(t, defaultParams())
	pres.M = codec.EncodeBase64(make([]byte, 33))
	res := v.Spend(context.Background(), spendRequest(marshalPresentation(t, pres)))
	if res.Status != http.StatusUnauthorized || res.ErrKind != KindInvalidPoint {
		t.Fatalf("expected invalid_point_encoding, got %+v", res)
	}
}

func TestMissingFieldsAreServerError(t *testing.T) {
	v, _ := newTestVerifier(t)

	res := v.Spend(context.Background(), spendRequest([]byte(`{"kid":"only"}`)))
	if res.Status != http.StatusInternalServerError || res.ErrKind != KindServerError {
		t.Fatalf("expected server_error, got %+v", res)
	}
	res = v.Spend(context.Background(), spendRequest([]byte(`not json`)))
	if res.ErrKind != KindServerError {
		t.Fatalf("expected server_error, got %+v", res)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	v, _ := newTestVerifier(t)

	pres := buildPresentation(t, defaultParams())
	raw := marshalPresentation(t, pres)
	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		t.Fatal(err)
	}
	loose["future_field"] = "ignored"
	payload, err := json.Marshal(loose)
	if err != nil {
		t.Fatal(err)
	}
	res := v.Spend(context.Background(), spendRequest(payload))
	if !res.OK {
		t.Fatalf("unknown fields must be ignored: %+v", res)
	}
}
