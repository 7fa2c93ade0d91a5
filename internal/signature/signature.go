// Package signature signs and verifies webhook bodies with HMAC-SHA256.
package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Header carries the signature on every callback.
const Header = "X-Webhook-Signature"

const prefix = "sha256="

var (
	ErrMissing  = errors.New("signature: header missing")
	ErrMismatch = errors.New("signature: mismatch")
	ErrNoSecret = errors.New("signature: secret not configured")
)

// Sign returns the header value for body: "sha256=<hex>".
func Sign(secret string, body []byte) string {
	return prefix + hex.EncodeToString(mac(secret, body))
}

// Verify checks a received header against HMAC-SHA256(secret, body).
// The "sha256=" prefix is optional. Comparison is constant time.
func Verify(body []byte, header, secret string) error {
	if secret == "" {
		return ErrNoSecret
	}
	received := strings.TrimSpace(header)
	if received == "" {
		return ErrMissing
	}
	received = strings.TrimPrefix(received, prefix)
	expected := hex.EncodeToString(mac(secret, body))
	if len(received) != len(expected) {
		return ErrMismatch
	}
	if !hmac.Equal([]byte(received), []byte(expected)) {
		return ErrMismatch
	}
	return nil
}

// NewSecret returns 32 random bytes, hex encoded.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func mac(secret string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return h.Sum(nil)
}
