package webhook_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tournevent/shipsync/internal/webhook"
)

func TestValidateSignature(t *testing.T) {
	body := []byte(`{"order_id":"ord-1","status":"in_transit"}`)
	secret := "s3cret"
	sig := webhook.Sign(body, secret)

	tests := []struct {
		name   string
		header string
		secret string
		want   bool
	}{
		{"no secret accepts anything", "", "", true},
		{"bare hex", sig, secret, true},
		{"scheme prefix", "sha256=" + sig, secret, true},
		{"upper case hex", "SHA256=" + upper(sig), secret, true},
		{"missing header", "", secret, false},
		{"wrong secret", webhook.Sign(body, "other"), secret, false},
		{"garbage", "not-a-signature", secret, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, webhook.ValidateSignature(body, tt.header, tt.secret))
		})
	}
}

func TestValidateSignature_TamperedBody(t *testing.T) {
	sig := webhook.Sign([]byte(`{"status":"in_transit"}`), "k")
	assert.False(t, webhook.ValidateSignature([]byte(`{"status":"delivered"}`), sig, "k"))
}

func TestSignatureFrom_HeaderPrecedence(t *testing.T) {
	h := http.Header{}
	assert.Empty(t, webhook.SignatureFrom(h))

	h.Set("X-Signature", "third")
	assert.Equal(t, "third", webhook.SignatureFrom(h))

	h.Set("X-MFB-Signature", "second")
	assert.Equal(t, "second", webhook.SignatureFrom(h))

	h.Set("X-Webhook-Signature", "first")
	assert.Equal(t, "first", webhook.SignatureFrom(h))
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 32
		}
	}
	return string(b)
}
