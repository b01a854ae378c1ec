package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/pkg/metrics"
)

// ClientRateLimiter applies a token bucket per authenticated user, or per IP before authentication
type ClientRateLimiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientRateLimiter creates a limiter allowing requestsPerMinute per client
func NewClientRateLimiter(requestsPerMinute int) *ClientRateLimiter {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	return &ClientRateLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:    requestsPerMinute,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

func (rl *ClientRateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastGC) > rl.idleTTL {
		for k, e := range rl.limiters {
			if now.Sub(e.lastSeen) > rl.idleTTL {
				delete(rl.limiters, k)
			}
		}
		rl.lastGC = now
	}

	e, ok := rl.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Limit returns middleware that rate limits by client
func (rl *ClientRateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getLimiter(ClientKey(c)).Allow() {
			metrics.RateLimitHitsTotal.WithLabelValues("local").Inc()
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, entities.ErrorResponse{
				Code:    "RATE_LIMIT_EXCEEDED",
				Message: "Too many requests. Please try again later.",
				Details: map[string]interface{}{
					"retry_after": 60,
					"request_id":  c.GetString("request_id"),
				},
			})
			return
		}
		c.Next()
	}
}

// ClientKey identifies the caller: the authenticated user, else the client IP
func ClientKey(c *gin.Context) string {
	if v, ok := c.Get("user_id"); ok {
		if s, ok := v.(interface{ String() string }); ok {
			return "user:" + s.String()
		}
	}
	return "ip:" + c.ClientIP()
}
