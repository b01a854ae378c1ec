package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultRequestTimeout bounds a request when none is configured
const DefaultRequestTimeout = 25 * time.Second

// Timeout attaches a deadline to the request context. Handlers observe it through
// ctx; if the deadline passed and nothing was written, a 504 is returned.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if !c.Writer.Written() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			abortWithError(c, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "Request processing timeout")
		}
	}
}

// WithTimeoutIfNeeded adds a timeout only if the context doesn't already have a shorter deadline
func WithTimeoutIfNeeded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) < timeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, timeout)
}
