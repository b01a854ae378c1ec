package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMissingSignature is returned when no signature header was sent
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrSignatureMismatch is returned when the HMAC does not match the body
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
	// ErrUnknownProvider is returned when no secret is configured for the provider
	ErrUnknownProvider = errors.New("unknown webhook provider")
	// ErrStaleTimestamp is returned when the event timestamp is outside the tolerance window
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
)

// SignatureHeaders are checked in order for the webhook signature
var SignatureHeaders = []string{
	"X-Signature",
	"X-Webhook-Signature",
	"X-Hub-Signature-256",
	"X-Pix-Signature",
}

// WebhookVerifier checks HMAC-SHA256 signatures and event timestamps of inbound webhooks
type WebhookVerifier struct {
	secrets   map[string]string // provider -> secret
	tolerance time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewWebhookVerifier creates a verifier. A zero tolerance disables the timestamp check.
func NewWebhookVerifier(secrets map[string]string, tolerance time.Duration, logger *zap.Logger) *WebhookVerifier {
	return &WebhookVerifier{
		secrets:   secrets,
		tolerance: tolerance,
		logger:    logger,
		now:       time.Now,
	}
}

// HasProvider reports whether a secret is configured for provider
func (w *WebhookVerifier) HasProvider(provider string) bool {
	_, ok := w.secrets[provider]
	return ok
}

// VerifySignature checks signature against the HMAC-SHA256 of payload
func (w *WebhookVerifier) VerifySignature(provider string, payload []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	secret, ok := w.secrets[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	expected := Sign(secret, payload)

	// Handle common signature prefixes
	sig := signature
	for _, prefix := range []string{"sha256=", "hmac-sha256=", "v1="} {
		if strings.HasPrefix(sig, prefix) && len(sig) > len(prefix) {
			sig = sig[len(prefix):]
			break
		}
	}

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		w.logger.Warn("Webhook signature verification failed", zap.String("provider", provider))
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyTimestamp rejects events older or further in the future than the tolerance
func (w *WebhookVerifier) VerifyTimestamp(ts time.Time) error {
	if w.tolerance <= 0 || ts.IsZero() {
		return nil
	}
	skew := w.now().Sub(ts)
	if skew > w.tolerance || -skew > w.tolerance {
		return fmt.Errorf("%w: %s (tolerance %s)", ErrStaleTimestamp, ts.UTC().Format(time.RFC3339), w.tolerance)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ExtractSignature returns the first signature header present
func ExtractSignature(h http.Header) string {
	for _, name := range SignatureHeaders {
		if sig := h.Get(name); sig != "" {
			return sig
		}
	}
	return ""
}
