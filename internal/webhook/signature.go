package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Signature headers, checked in order.
const (
	SignatureHeader       = "X-Webhook-Signature"
	HeliusSignatureHeader = "X-Helius-Signature"
)

// ErrInvalidSignature is returned when the body signature does not match the secret.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 of body, optionally prefixed "sha256=",
// in constant time.
func VerifySignature(secret string, body []byte, provided string) error {
	provided = strings.TrimSpace(provided)
	provided = strings.TrimPrefix(provided, "sha256=")
	if provided == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(provided)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
