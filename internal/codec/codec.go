// Package codec holds the byte-level primitives shared by the spend
// verifier: the unpadded base64url alphabet used by every wire carrier,
// the compressed P-256 point codec, and scalar (de)serialization.
package codec

import (
	"crypto/elliptic"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/cloudflare/circl/group"
)

var (
	ErrInvalidPointEncoding = fmt.Errorf("invalid_point_encoding")
	ErrPointInfinity        = fmt.Errorf("invalid_point_infinity")
	ErrInvalidScalar        = fmt.Errorf("invalid scalar encoding")
)

const (
	// CompressedPointLength is the SEC1 compressed size for P-256.
	CompressedPointLength = 33
	// ScalarLength is the big-endian scalar size for P-256.
	ScalarLength = 32
)

var b64 = base64.RawURLEncoding

// EncodeBase64 encodes raw bytes as unpadded base64url.
func EncodeBase64(data []byte) string {
	return b64.EncodeToString(data)
}

// DecodeBase64 decodes unpadded base64url.
func DecodeBase64(s string) ([]byte, error) {
	return b64.DecodeString(s)
}

// UnmarshalPoint decodes a 33-byte compressed P-256 point. The decode
// enforces canonical form, on-curve membership and non-identity; any
// failure is a verification failure for the whole presentation.
func UnmarshalPoint(data []byte) (group.Element, error) {
	if len(data) != CompressedPointLength {
		return nil, ErrInvalidPointEncoding
	}
	if data[0] != 0x02 && data[0] != 0x03 {
		return nil, ErrInvalidPointEncoding
	}
	e := group.P256.NewElement()
	if err := e.UnmarshalBinary(data); err != nil {
		return nil, ErrInvalidPointEncoding
	}
	if e.IsIdentity() {
		return nil, ErrPointInfinity
	}
	return e, nil
}

// MarshalPoint encodes a point in compressed SEC1 form.
func MarshalPoint(e group.Element) []byte {
	enc, err := e.MarshalBinaryCompress()
	if err != nil {
		panic(err)
	}
	return enc
}

// UnmarshalScalar decodes a 32-byte big-endian integer and reduces it
// mod the P-256 group order. Presentations carry proof scalars in this
// form.
func UnmarshalScalar(data []byte) (group.Scalar, error) {
	if len(data) != ScalarLength {
		return nil, ErrInvalidScalar
	}
	v := new(big.Int).SetBytes(data)
	v.Mod(v, elliptic.P256().Params().N)

	var buf [ScalarLength]byte
	v.FillBytes(buf[:])
	s := group.P256.NewScalar()
	if err := s.UnmarshalBinary(buf[:]); err != nil {
		return nil, ErrInvalidScalar
	}
	return s, nil
}

// MarshalScalar encodes a scalar as 32 big-endian bytes.
func MarshalScalar(s group.Scalar) []byte {
	enc, err := s.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return enc
}

// ReduceToScalar interprets a digest as a big-endian integer mod the
// P-256 group order. Used for Fiat-Shamir challenges.
func ReduceToScalar(digest []byte) group.Scalar {
	v := new(big.Int).SetBytes(digest)
	v.Mod(v, elliptic.P256().Params().N)

	var buf [ScalarLength]byte
	v.FillBytes(buf[:])
	s := group.P256.NewScalar()
	if err := s.UnmarshalBinary(buf[:]); err != nil {
		panic(err)
	}
	return s
}

// ConstantTimeEqual reports whether a and b are equal without leaking
// the position of a mismatch.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
