// Package dleq implements the discrete-log-equality proofs that gate a
// spend: a Chaum-Pedersen sigma protocol over P-256, made non-interactive
// with a Fiat-Shamir challenge derived from a length-prefixed,
// domain-separated transcript hash.
package dleq

import (
	"crypto/sha256"
	"io"

	"github.com/cloudflare/circl/group"
	"golang.org/x/crypto/cryptobyte"

	"github.com/brass-rl/brass-go/internal/codec"
)

// Label is the shared transcript label for the issuer and client proofs.
const Label = "OPRF_METERING_DLEQ_v1"

// H3 hashes parts under SHA-256 with each part preceded by a 4-byte
// big-endian length. The prefix defeats boundary-shift collisions: the
// number of parts and every boundary position are committed. Empty
// parts are allowed and carry a zero-length prefix.
func H3(parts ...[]byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	for _, p := range parts {
		part := p
		b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(part)
		})
	}
	digest := sha256.Sum256(b.BytesOrPanic())
	return digest[:]
}

// Proof is a DLEQ proof in challenge-response form: the verifier
// reconstructs both commitments from (c, r) and recomputes the
// challenge.
type Proof struct {
	C group.Scalar
	R group.Scalar
}

// NewProof builds a proof from raw 32-byte scalar encodings.
func NewProof(cEnc, rEnc []byte) (Proof, error) {
	c, err := codec.UnmarshalScalar(cEnc)
	if err != nil {
		return Proof{}, err
	}
	r, err := codec.UnmarshalScalar(rEnc)
	if err != nil {
		return Proof{}, err
	}
	return Proof{C: c, R: r}, nil
}

// Challenge derives the Fiat-Shamir challenge for the transcript
// (g1, h1, g2, h2, A1, A2) under label and binding context:
//
//	c = H3("BRASS:"+label+":", enc(g1), enc(h1), enc(g2), enc(h2), enc(A1), enc(A2), bind) mod n
func Challenge(label string, g1, h1, g2, h2, a1, a2 group.Element, bind []byte) group.Scalar {
	digest := H3(
		[]byte("BRASS:"+label+":"),
		codec.MarshalPoint(g1),
		codec.MarshalPoint(h1),
		codec.MarshalPoint(g2),
		codec.MarshalPoint(h2),
		codec.MarshalPoint(a1),
		codec.MarshalPoint(a2),
		bind,
	)
	return codec.ReduceToScalar(digest)
}

// Verify checks a DLEQ proof for log_{g1}(h1) = log_{g2}(h2). It
// reconstructs A1' = r*g1 + c*h1 and A2' = r*g2 + c*h2 and accepts iff
// the recomputed challenge equals proof.C.
func Verify(label string, g1, h1, g2, h2 group.Element, proof Proof, bind []byte) bool {
	if proof.C == nil || proof.R == nil {
		return false
	}

	t1 := group.P256.NewElement().Mul(g1, proof.R)
	t2 := group.P256.NewElement().Mul(h1, proof.C)
	a1 := group.P256.NewElement().Add(t1, t2)

	t3 := group.P256.NewElement().Mul(g2, proof.R)
	t4 := group.P256.NewElement().Mul(h2, proof.C)
	a2 := group.P256.NewElement().Add(t3, t4)

	expected := Challenge(label, g1, h1, g2, h2, a1, a2, bind)
	return codec.ConstantTimeEqual(codec.MarshalScalar(expected), codec.MarshalScalar(proof.C))
}

// Prove generates a DLEQ proof of knowledge of secret k with h1 = k*g1
// and h2 = k*g2. The client side of the protocol; the verifier never
// calls it during a spend.
func Prove(label string, g1, g2 group.Element, secret group.Scalar, bind []byte, rnd io.Reader) (Proof, error) {
	h1 := group.P256.NewElement().Mul(g1, secret)
	h2 := group.P256.NewElement().Mul(g2, secret)

	nonce := group.P256.RandomNonZeroScalar(rnd)
	a1 := group.P256.NewElement().Mul(g1, nonce)
	a2 := group.P256.NewElement().Mul(g2, nonce)

	c := Challenge(label, g1, h1, g2, h2, a1, a2, bind)

	// r = nonce - c*secret, so r*g + c*h reconstructs the commitment.
	r := group.P256.NewScalar().Mul(c, secret)
	r = group.P256.NewScalar().Sub(nonce, r)

	return Proof{C: c, R: r}, nil
}
