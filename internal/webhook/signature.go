// Package webhook provides the broker's inbound HTTP surface: operator
// command endpoints, the CI deployment notifier endpoint, and the
// source-control event receiver.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Signature computes the hex HMAC-SHA256 event signature for a payload,
// in the "sha256=<hex>" form the event source sends.
func Signature(body, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// ValidateSignature verifies the signature header against the payload.
// Comparison is constant time.
func ValidateSignature(header string, body, secret []byte) error {
	if header == "" {
		return fmt.Errorf("missing signature header")
	}
	if !strings.HasPrefix(header, "sha256=") {
		return fmt.Errorf("unsupported signature scheme")
	}
	if !hmac.Equal([]byte(header), []byte(Signature(body, secret))) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
