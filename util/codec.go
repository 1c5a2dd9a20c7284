package util

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
)

// /////
// Infallible Serialize / Deserialize
func fatalOnError(t *testing.T, err error, msg string) {
	realMsg := fmt.Sprintf("%s: %v", msg, err)
	if err != nil {
		if t != nil {
			t.Fatal(realMsg)
		} else {
			panic(realMsg)
		}
	}
}

func MustUnhex(t *testing.T, h string) []byte {
	out, err := hex.DecodeString(h)
	fatalOnError(t, err, "Unhex failed")
	return out
}

func MustHex(d []byte) string {
	return hex.EncodeToString(d)
}

func MustUnb64(t *testing.T, s string) []byte {
	out, err := base64.RawURLEncoding.DecodeString(s)
	fatalOnError(t, err, "Unb64 failed")
	return out
}

func MustB64(d []byte) string {
	return base64.RawURLEncoding.EncodeToString(d)
}
