package verifier

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/group"

	"github.com/brass-rl/brass-go/internal/codec"
	"github.com/brass-rl/brass-go/internal/dleq"
)

// ProofWire carries one DLEQ proof on the wire as the base64url pair
// (c, r) of 32-byte big-endian integers mod n.
type ProofWire struct {
	C string `json:"c"`
	R string `json:"r"`
}

// Presentation is the client payload for a spend. Byte-string carriers
// are unpadded base64url; unknown fields are ignored.
type Presentation struct {
	KID    string `json:"kid"`
	AADr   string `json:"aadr"`
	Origin string `json:"origin"`
	Epoch  int64  `json:"epoch"`

	P      string `json:"p"`
	M      string `json:"m"`
	Z      string `json:"z"`
	ZPrime string `json:"z_prime"`

	C   string    `json:"c"`
	PiI ProofWire `json:"pi_i"`
	PiC ProofWire `json:"pi_c"`

	DClient         string `json:"d_client,omitempty"`
	HTTPMethod      string `json:"http_method,omitempty"`
	HTTPPath        string `json:"http_path,omitempty"`
	HTTPBodyHashB64 string `json:"http_body_hash_b64,omitempty"`
	TLSExporterB64  string `json:"tls_exporter_b64,omitempty"`
}

// parsedPresentation holds the decoded, validated presentation. The
// point fields are re-validated on every decode; zPrimeEnc is the
// canonical compressed re-encoding used in derivations.
type parsedPresentation struct {
	pres *Presentation

	p, m, z, zPrime group.Element
	zPrimeEnc       []byte

	nonce []byte

	piI dleq.Proof
	piC dleq.Proof

	dClient     []byte
	bodyHash    []byte
	tlsExporter []byte
}

// kindError tags an error with its surface kind.
type kindError struct {
	kind string
	err  error
}

func (e *kindError) Error() string { return e.kind + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

func failKind(kind string, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

func parsePresentation(payload []byte) (*parsedPresentation, error) {
	var pres Presentation
	if err := json.Unmarshal(payload, &pres); err != nil {
		return nil, failKind(KindServerError, "malformed presentation: %w", err)
	}
	if pres.KID == "" || pres.Origin == "" || pres.C == "" ||
		pres.P == "" || pres.M == "" || pres.Z == "" || pres.ZPrime == "" ||
		pres.PiI.C == "" || pres.PiI.R == "" || pres.PiC.C == "" || pres.PiC.R == "" {
		return nil, failKind(KindServerError, "presentation missing required fields")
	}

	out := &parsedPresentation{pres: &pres}

	var err error
	if out.p, err = decodePoint(pres.P); err != nil {
		return nil, err
	}
	if out.m, err = decodePoint(pres.M); err != nil {
		return nil, err
	}
	if out.z, err = decodePoint(pres.Z); err != nil {
		return nil, err
	}
	if out.zPrime, err = decodePoint(pres.ZPrime); err != nil {
		return nil, err
	}
	out.zPrimeEnc = codec.MarshalPoint(out.zPrime)

	if out.nonce, err = codec.DecodeBase64(pres.C); err != nil || len(out.nonce) == 0 {
		return nil, failKind(KindServerError, "malformed client nonce")
	}

	if out.piI, err = decodeProof(pres.PiI); err != nil {
		return nil, err
	}
	if out.piC, err = decodeProof(pres.PiC); err != nil {
		return nil, err
	}

	if pres.DClient != "" {
		if out.dClient, err = codec.DecodeBase64(pres.DClient); err != nil {
			return nil, failKind(KindServerError, "malformed d_client")
		}
	}
	if pres.HTTPBodyHashB64 != "" {
		if out.bodyHash, err = codec.DecodeBase64(pres.HTTPBodyHashB64); err != nil {
			return nil, failKind(KindServerError, "malformed http_body_hash_b64")
		}
	}
	if pres.TLSExporterB64 != "" {
		if out.tlsExporter, err = codec.DecodeBase64(pres.TLSExporterB64); err != nil {
			return nil, failKind(KindServerError, "malformed tls_exporter_b64")
		}
	}

	return out, nil
}

func decodePoint(enc string) (group.Element, error) {
	raw, err := codec.DecodeBase64(enc)
	if err != nil {
		return nil, failKind(KindInvalidPoint, "point: %w", err)
	}
	e, err := codec.UnmarshalPoint(raw)
	if err != nil {
		if errors.Is(err, codec.ErrPointInfinity) {
			return nil, failKind(KindPointInfinity, "point: %w", err)
		}
		return nil, failKind(KindInvalidPoint, "point: %w", err)
	}
	return e, nil
}

func decodeProof(w ProofWire) (dleq.Proof, error) {
	cRaw, err := codec.DecodeBase64(w.C)
	if err != nil {
		return dleq.Proof{}, failKind(KindServerError, "proof challenge: %w", err)
	}
	rRaw, err := codec.DecodeBase64(w.R)
	if err != nil {
		return dleq.Proof{}, failKind(KindServerError, "proof response: %w", err)
	}
	proof, err := dleq.NewProof(cRaw, rRaw)
	if err != nil {
		return dleq.Proof{}, failKind(KindServerError, "proof scalars: %w", err)
	}
	return proof, nil
}
