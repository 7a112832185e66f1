// Package signature signs and verifies webhook payloads with HMAC-SHA256.
//
// The signature is the hex-encoded MAC of the raw request body. Senders may
// prefix it with "sha256=". Verification never reports which part of the
// check failed.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mealplan/credit-engine/credits"
)

const prefix = "sha256="

// Sign returns the header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against body. Any failure, including an empty secret,
// is credits.ErrInvalidSignature.
func Verify(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return credits.ErrInvalidSignature
	}
	sig := strings.TrimSpace(header)
	sig = strings.TrimPrefix(strings.ToLower(sig), prefix)
	if sig == "" {
		return credits.ErrInvalidSignature
	}
	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return credits.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), decoded) {
		return credits.ErrInvalidSignature
	}
	return nil
}
