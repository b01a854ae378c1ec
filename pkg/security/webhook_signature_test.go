package security

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestVerifySignature(t *testing.T) {
	v := NewWebhookVerifier(map[string]string{"acme": "s3cret"}, 0, zap.NewNop())
	body := []byte(`{"event_id":"evt_1","reference":"ext_1","status":"paid"}`)
	sig := Sign("s3cret", body)

	tests := []struct {
		name      string
		provider  string
		signature string
		want      error
	}{
		{"bare hex", "acme", sig, nil},
		{"sha256 prefix", "acme", "sha256=" + sig, nil},
		{"v1 prefix", "acme", "v1=" + sig, nil},
		{"missing", "acme", "", ErrMissingSignature},
		{"tampered", "acme", Sign("s3cret", []byte("{}")), ErrSignatureMismatch},
		{"wrong secret", "acme", Sign("other", body), ErrSignatureMismatch},
		{"unknown provider", "other", sig, ErrUnknownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.VerifySignature(tt.provider, body, tt.signature)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestVerifyTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewWebhookVerifier(nil, 5*time.Minute, zap.NewNop())
	v.now = func() time.Time { return now }

	assert.NoError(t, v.VerifyTimestamp(now.Add(-4*time.Minute)))
	assert.NoError(t, v.VerifyTimestamp(time.Time{}))
	assert.ErrorIs(t, v.VerifyTimestamp(now.Add(-6*time.Minute)), ErrStaleTimestamp)
	assert.ErrorIs(t, v.VerifyTimestamp(now.Add(6*time.Minute)), ErrStaleTimestamp)

	disabled := NewWebhookVerifier(nil, 0, zap.NewNop())
	assert.NoError(t, disabled.VerifyTimestamp(now.Add(-24*time.Hour)))
}

func TestExtractSignature(t *testing.T) {
	h := http.Header{}
	assert.Empty(t, ExtractSignature(h))

	h.Set("X-Hub-Signature-256", "sha256=abc")
	assert.Equal(t, "sha256=abc", ExtractSignature(h))

	h.Set("X-Signature", "def")
	assert.Equal(t, "def", ExtractSignature(h))
}
