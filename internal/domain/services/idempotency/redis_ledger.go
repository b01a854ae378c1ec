package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLedger shares admitted keys across instances using SET NX with a TTL
type RedisLedger struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLedger creates a Redis-backed ledger
func NewRedisLedger(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLedger{client: client, ttl: ttl, logger: logger}
}

// Admit implements Ledger
func (l *RedisLedger) Admit(ctx context.Context, key Key) (Admission, error) {
	stored, err := l.client.SetNX(ctx, key.String(), time.Now().UTC().Format(time.RFC3339Nano), l.ttl).Result()
	if err != nil {
		return Fresh, fmt.Errorf("failed to admit idempotency key: %w", err)
	}
	if !stored {
		l.logger.Debug("Duplicate reconciliation event",
			zap.String("transaction_id", key.TransactionID.String()),
			zap.String("event_key", key.EventKey))
		return Duplicate, nil
	}
	return Fresh, nil
}

// Release implements Ledger
func (l *RedisLedger) Release(ctx context.Context, key Key) error {
	if err := l.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
