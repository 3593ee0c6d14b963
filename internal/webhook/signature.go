// Package webhook authenticates and applies carrier tracking push notifications.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// SignatureHeaders are checked in order for the body signature.
var SignatureHeaders = []string{"X-Webhook-Signature", "X-MFB-Signature", "X-Signature"}

// SignatureFrom returns the first signature header present on h.
func SignatureFrom(h http.Header) string {
	for _, name := range SignatureHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks header against the HMAC-SHA256 of body. An empty
// secret accepts everything. A scheme prefix such as "sha256=" is ignored.
func ValidateSignature(body []byte, header, secret string) bool {
	if secret == "" {
		return true
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if _, sig, found := strings.Cut(header, "="); found {
		header = sig
	}
	return hmac.Equal([]byte(strings.ToLower(header)), []byte(Sign(body, secret)))
}
