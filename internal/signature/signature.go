// Package signature signs outbound webhook bodies with HMAC-SHA256.
//
// The signature always covers the exact bytes put on the wire, so receivers
// must verify against the raw request body rather than a re-encoded copy.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HeaderName carries the signature on outbound requests.
const HeaderName = "X-Webhook-Signature"

const prefix = "sha256="

// Sign returns "sha256=" followed by the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	return prefix + computeHMAC(payload, secret)
}

// Verify reports whether signature matches payload under secret. Malformed
// input yields false, never a panic.
func Verify(payload []byte, signature, secret string) bool {
	expected := Sign(payload, secret)
	if len(signature) != len(expected) {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(expected))
}

func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
