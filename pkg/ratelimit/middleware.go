package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/pkg/metrics"
)

// Checker is satisfied by *WindowLimiter
type Checker interface {
	Check(ctx context.Context, key string) (*Result, error)
}

// KeyFunc derives the rate limit key of a request
type KeyFunc func(c *gin.Context) string

// DistributedRateLimiter enforces a shared limit across instances
type DistributedRateLimiter struct {
	limiter  Checker
	key      KeyFunc
	failOpen bool
	logger   *zap.Logger
}

// NewDistributedRateLimiter creates the middleware factory. With failOpen a
// limiter error lets the request through, otherwise it answers 503.
func NewDistributedRateLimiter(limiter Checker, key KeyFunc, failOpen bool, logger *zap.Logger) *DistributedRateLimiter {
	return &DistributedRateLimiter{limiter: limiter, key: key, failOpen: failOpen, logger: logger}
}

// Middleware returns the gin handler
func (rl *DistributedRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rl.key(c)
		result, err := rl.limiter.Check(c.Request.Context(), key)
		if err != nil {
			rl.logger.Error("Rate limit check failed", zap.Error(err), zap.String("key", key))
			if !rl.failOpen {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, entities.ErrorResponse{
					Code:    "SERVICE_UNAVAILABLE",
					Message: "Rate limiting service is temporarily unavailable",
					Details: map[string]interface{}{"request_id": c.GetString("request_id")},
				})
				return
			}
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))

		if !result.Allowed {
			retryAfter := int64(math.Ceil(result.RetryAfter.Seconds()))
			metrics.RateLimitHitsTotal.WithLabelValues("distributed").Inc()
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.FullPath()),
				zap.Duration("retry_after", result.RetryAfter))

			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, entities.ErrorResponse{
				Code:    "RATE_LIMIT_EXCEEDED",
				Message: "Too many requests. Please try again later.",
				Details: map[string]interface{}{
					"retry_after": retryAfter,
					"request_id":  c.GetString("request_id"),
				},
			})
			return
		}

		c.Next()
	}
}
