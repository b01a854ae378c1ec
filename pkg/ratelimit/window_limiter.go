// Package ratelimit provides a Redis fixed-window limiter shared by every
// instance behind the load balancer.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result is the outcome of one check
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// WindowLimiter counts requests per key in fixed windows
type WindowLimiter struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewWindowLimiter allows limit requests per window for every key
func NewWindowLimiter(client redis.Cmdable, limit int64, window time.Duration) *WindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &WindowLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "pix:ratelimit:",
		now:    time.Now,
	}
}

// Check counts one request against key
func (l *WindowLimiter) Check(ctx context.Context, key string) (*Result, error) {
	now := l.now()
	bucket := now.UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, key, bucket)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit check for %s: %w", key, err)
	}

	count := incr.Val()
	windowEnd := time.Unix(0, (bucket+1)*int64(l.window))
	result := &Result{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: l.limit - count,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.RetryAfter = windowEnd.Sub(now)
	}
	return result, nil
}
