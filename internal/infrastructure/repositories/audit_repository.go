package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

// AuditRepository stores the hash-chained audit trail
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create appends an audit log row
func (r *AuditRepository) Create(ctx context.Context, log *entities.AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, actor_id, action, transaction_id, metadata, previous_hash, current_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query,
		log.ID, log.ActorID, log.Action, log.TransactionID, log.Metadata, log.PreviousHash, log.CurrentHash, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// LastHash returns the hash at the head of the chain, empty when the trail is empty
func (r *AuditRepository) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := r.db.GetContext(ctx, &hash, `SELECT current_hash FROM audit_logs ORDER BY seq DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read audit chain head: %w", err)
	}
	return hash, nil
}

// ListBetween returns audit rows in chain order
func (r *AuditRepository) ListBetween(ctx context.Context, start, end time.Time) ([]*entities.AuditLog, error) {
	query := `
		SELECT id, actor_id, action, transaction_id, metadata, previous_hash, current_hash, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY seq ASC`
	var logs []*entities.AuditLog
	if err := r.db.SelectContext(ctx, &logs, query, start, end); err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return logs, nil
}
