package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

// OutboxRepository reads and settles deferred intents written by ApplyTransition
type OutboxRepository struct {
	db *sqlx.DB
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// ClaimPendingIntents leases up to limit pending intents for lease. A lease that
// expires without being settled makes the intent claimable again.
func (r *OutboxRepository) ClaimPendingIntents(ctx context.Context, limit int, lease time.Duration) ([]*entities.OutboxIntent, error) {
	query := `
		UPDATE transaction_intents
		SET locked_until = NOW() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM transaction_intents
			WHERE status = 'pending' AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, transaction_id, kind, intent_type, payload, status, attempts, last_error, created_at, dispatched_at`
	var intents []*entities.OutboxIntent
	if err := r.db.SelectContext(ctx, &intents, query, limit, lease.Seconds()); err != nil {
		return nil, fmt.Errorf("failed to claim intents: %w", err)
	}
	return intents, nil
}

// MarkIntentDispatched settles a delivered intent
func (r *OutboxRepository) MarkIntentDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE transaction_intents
		SET status = 'dispatched', dispatched_at = $2, locked_until = NULL
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark intent dispatched: %w", err)
	}
	return expectOneRow(res, fmt.Errorf("intent %s not found", id))
}

// MarkIntentFailed records a failed delivery and dead-letters the intent once
// maxAttempts is reached. It returns the resulting status.
func (r *OutboxRepository) MarkIntentFailed(ctx context.Context, id uuid.UUID, cause string, maxAttempts int) (entities.OutboxStatus, error) {
	query := `
		UPDATE transaction_intents
		SET attempts = attempts + 1,
			last_error = $2,
			locked_until = NULL,
			status = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'pending' END
		WHERE id = $1
		RETURNING status`
	var status entities.OutboxStatus
	if err := r.db.QueryRowxContext(ctx, query, id, cause, maxAttempts).Scan(&status); err != nil {
		return "", fmt.Errorf("failed to mark intent failed: %w", err)
	}
	return status, nil
}
