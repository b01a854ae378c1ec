package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pix-service/pix_service/pkg/security"
)

// WebhookSecurityConfig holds webhook security configuration
type WebhookSecurityConfig struct {
	// Skip verification in development
	SkipVerification bool
	MaxBodyBytes     int64
}

// WebhookSignature verifies the HMAC signature of /webhooks/pix/:provider requests
// and restores the body for the handler.
func WebhookSignature(verifier *security.WebhookVerifier, cfg WebhookSecurityConfig, logger *zap.Logger) gin.HandlerFunc {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	return func(c *gin.Context) {
		provider := c.Param("provider")

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes))
		if err != nil {
			abortWithError(c, http.StatusRequestEntityTooLarge, "INVALID_BODY", "Failed to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if cfg.SkipVerification {
			c.Next()
			return
		}

		if !verifier.HasProvider(provider) {
			abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Unknown webhook provider")
			return
		}

		if err := verifier.VerifySignature(provider, body, security.ExtractSignature(c.Request.Header)); err != nil {
			logger.Warn("Webhook rejected",
				zap.String("provider", provider),
				zap.String("client_ip", c.ClientIP()),
				zap.Bool("missing_signature", errors.Is(err, security.ErrMissingSignature)))
			abortWithError(c, http.StatusUnauthorized, "WEBHOOK_VALIDATION_FAILED", "Webhook signature validation failed")
			return
		}

		c.Next()
	}
}
