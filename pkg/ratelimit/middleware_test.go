package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type countingChecker struct {
	mu     sync.Mutex
	limit  int64
	counts map[string]int64
	err    error
}

func (c *countingChecker) Check(_ context.Context, key string) (*Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	n := c.counts[key]
	res := &Result{Allowed: n <= c.limit, Limit: c.limit, Remaining: c.limit - n}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = 1500 * time.Millisecond
	}
	return res, nil
}

func newRouter(checker Checker, failOpen bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	rl := NewDistributedRateLimiter(checker, func(c *gin.Context) string { return c.ClientIP() }, failOpen, zap.NewNop())
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func get(r *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDistributedRateLimiter_LimitsPerKey(t *testing.T) {
	r := newRouter(&countingChecker{limit: 2, counts: map[string]int64{}}, false)

	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1").Code)
	w := get(r, "10.0.0.1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = get(r, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	assert.Equal(t, http.StatusOK, get(r, "10.0.0.2").Code)
}

func TestDistributedRateLimiter_LimiterErrors(t *testing.T) {
	failing := &countingChecker{err: errors.New("redis down")}

	assert.Equal(t, http.StatusServiceUnavailable, get(newRouter(failing, false), "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, get(newRouter(failing, true), "10.0.0.1").Code)
}
