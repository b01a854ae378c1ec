package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

const uniqueViolation = "23505"

const transactionColumns = `id, user_id, facilitator_id, kind, amount, currency, description, pix_key, pix_key_type,
	external_reference, status, error_detail, qr_code, expires_at, paid_at, processed_at, failed_at,
	bank_transaction_id, metadata, check_attempts, next_check_at, version, created_at, updated_at`

// TransactionRepository persists PIX transactions, their history, event keys and outbox intents
type TransactionRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *sqlx.DB) *TransactionRepository {
	return &TransactionRepository{db: db, now: time.Now}
}

// Create inserts a transaction together with its initial history
func (r *TransactionRepository) Create(ctx context.Context, t *entities.Transaction) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO transactions (id, user_id, facilitator_id, kind, amount, currency, description, pix_key, pix_key_type,
			status, expires_at, metadata, check_attempts, next_check_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	if _, err := tx.ExecContext(ctx, query,
		t.ID, t.UserID, t.FacilitatorID, t.Kind, t.Amount, t.Currency, t.Description, t.PixKey, t.PixKeyType,
		t.Status, t.ExpiresAt, t.Metadata, t.CheckAttempts, t.NextCheckAt, t.Version, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	for _, h := range t.History {
		if err := insertHistory(ctx, tx, t.ID, h.Status, h.Source, h.Timestamp); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetByID loads a transaction with its status history
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByIDForUser loads a transaction only if it belongs to the user and has the given kind
func (r *TransactionRepository) GetByIDForUser(ctx context.Context, id, userID uuid.UUID, kind entities.TransactionKind) (*entities.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 AND user_id = $2 AND kind = $3`
	return r.getOne(ctx, query, id, userID, kind)
}

// GetByExternalReference resolves a gateway reference to the transaction
func (r *TransactionRepository) GetByExternalReference(ctx context.Context, ref string) (*entities.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE external_reference = $1`
	return r.getOne(ctx, query, ref)
}

func (r *TransactionRepository) getOne(ctx context.Context, query string, args ...interface{}) (*entities.Transaction, error) {
	var t entities.Transaction
	if err := r.db.GetContext(ctx, &t, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entities.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	history, err := r.history(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.History = history
	return &t, nil
}

func (r *TransactionRepository) history(ctx context.Context, id uuid.UUID) ([]entities.StatusHistoryEntry, error) {
	query := `
		SELECT id, transaction_id, status, source, recorded_at
		FROM transaction_status_history
		WHERE transaction_id = $1
		ORDER BY id ASC`
	var history []entities.StatusHistoryEntry
	if err := r.db.SelectContext(ctx, &history, query, id); err != nil {
		return nil, fmt.Errorf("failed to get status history: %w", err)
	}
	return history, nil
}

// List returns a page of transactions matching the filter and the total count
func (r *TransactionRepository) List(ctx context.Context, filter entities.TransactionFilter) ([]*entities.Transaction, int, error) {
	filter.Normalize()

	var (
		conditions []string
		args       []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != nil {
		add("user_id = $%d", *filter.UserID)
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.FromDate != nil {
		add("created_at >= $%d", *filter.FromDate)
	}
	if filter.ToDate != nil {
		add("created_at <= $%d", *filter.ToDate)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM transactions`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM transactions%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, len(args)+1, len(args)+2)
	var txs []*entities.Transaction
	if err := r.db.SelectContext(ctx, &txs, query, append(args, filter.Limit, filter.Offset)...); err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, total, nil
}

// SetGatewayAck stores the gateway's identifiers and schedules the first status check
func (r *TransactionRepository) SetGatewayAck(ctx context.Context, id uuid.UUID, ack entities.GatewayAck) error {
	query := `
		UPDATE transactions
		SET external_reference = $2,
			qr_code = COALESCE($3, qr_code),
			bank_transaction_id = COALESCE($4, bank_transaction_id),
			expires_at = COALESCE($5, expires_at),
			next_check_at = $6
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, ack.ExternalReference, ack.QRCode, ack.BankTransactionID, ack.ExpiresAt, ack.NextCheckAt)
	if err != nil {
		return fmt.Errorf("failed to store gateway acknowledgement: %w", err)
	}
	return expectOneRow(res, entities.ErrTransactionNotFound)
}

// ApplyTransition persists a computed transition atomically: the event key, the
// version-checked status write with its stamps, one history row and the deferred intents.
func (r *TransactionRepository) ApplyTransition(ctx context.Context, t *entities.StatusTransition) error {
	// OccurredAt is the gateway's clock; staleness is measured on ours
	writtenAt := r.now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	eventQuery := `
		INSERT INTO transaction_events (transaction_id, idempotency_key, event_kind, external_status,
			from_status, to_status, source, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.ExecContext(ctx, eventQuery,
		t.TransactionID, t.IdempotencyKey, t.EventKind, nullString(t.ExternalStatus),
		t.From, t.To, t.Source, t.OccurredAt,
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return entities.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to record event: %w", err)
	}

	var paidAt, processedAt, failedAt *time.Time
	for _, intent := range t.Intents {
		if intent.Type != entities.IntentStampTimestamp {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, intent.Payload["at"])
		if err != nil {
			return fmt.Errorf("invalid stamp time %q: %w", intent.Payload["at"], err)
		}
		switch intent.Payload["field"] {
		case "paid_at":
			paidAt = &at
		case "processed_at":
			processedAt = &at
		case "failed_at":
			failedAt = &at
		}
	}

	updateQuery := `
		UPDATE transactions
		SET status = $3,
			error_detail = COALESCE($4, error_detail),
			paid_at = COALESCE(paid_at, $5),
			processed_at = COALESCE(processed_at, $6),
			failed_at = COALESCE(failed_at, $7),
			check_attempts = CASE WHEN $8 THEN 0 ELSE check_attempts END,
			next_check_at = CASE WHEN $8 THEN NULL ELSE next_check_at END,
			version = version + 1,
			updated_at = $9
		WHERE id = $1 AND version = $2
		RETURNING kind`
	settled := t.To != entities.StatusPending && t.To != entities.StatusProcessing
	var kind entities.TransactionKind
	err = tx.QueryRowxContext(ctx, updateQuery,
		t.TransactionID, t.ExpectedVersion, t.To, t.ErrorDetail,
		paidAt, processedAt, failedAt, settled, writtenAt,
	).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, t.TransactionID); err != nil {
			return fmt.Errorf("failed to check transaction: %w", err)
		}
		if !exists {
			return entities.ErrTransactionNotFound
		}
		return entities.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	if err := insertHistory(ctx, tx, t.TransactionID, t.To, t.Source, t.OccurredAt); err != nil {
		return err
	}

	intentQuery := `
		INSERT INTO transaction_intents (id, transaction_id, kind, intent_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, intent := range t.Intents {
		if intent.Inline() {
			continue
		}
		if _, err := tx.ExecContext(ctx, intentQuery,
			uuid.New(), t.TransactionID, kind, intent.Type, intent.Payload, entities.OutboxPending, writtenAt,
		); err != nil {
			return fmt.Errorf("failed to enqueue %s intent: %w", intent.Type, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

// ListDueForCheck returns non-terminal transactions of a kind that have not moved
// since staleBefore and whose next check is due.
func (r *TransactionRepository) ListDueForCheck(ctx context.Context, kind entities.TransactionKind, staleBefore, now time.Time, limit int) ([]*entities.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE kind = $1
			AND status IN ('pending', 'processing')
			AND updated_at <= $2
			AND (next_check_at IS NULL OR next_check_at <= $3)
		ORDER BY next_check_at ASC NULLS FIRST, updated_at ASC
		LIMIT $4`
	var txs []*entities.Transaction
	if err := r.db.SelectContext(ctx, &txs, query, kind, staleBefore, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due transactions: %w", err)
	}
	return txs, nil
}

// RecordCheckAttempt stores the poller's attempt counter and next check time
func (r *TransactionRepository) RecordCheckAttempt(ctx context.Context, id uuid.UUID, attempts int, nextCheckAt time.Time) error {
	query := `
		UPDATE transactions
		SET check_attempts = $2, next_check_at = $3
		WHERE id = $1 AND status IN ('pending', 'processing')`
	if _, err := r.db.ExecContext(ctx, query, id, attempts, nextCheckAt); err != nil {
		return fmt.Errorf("failed to record check attempt: %w", err)
	}
	return nil
}

// ListManualReview returns the operator queue, oldest first
func (r *TransactionRepository) ListManualReview(ctx context.Context, limit, offset int) ([]*entities.Transaction, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM transactions WHERE status = 'manual_review'`); err != nil {
		return nil, 0, fmt.Errorf("failed to count manual review queue: %w", err)
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'manual_review'
		ORDER BY updated_at ASC
		LIMIT $1 OFFSET $2`
	var txs []*entities.Transaction
	if err := r.db.SelectContext(ctx, &txs, query, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list manual review queue: %w", err)
	}
	return txs, total, nil
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status entities.TransactionStatus, source entities.StatusSource, at time.Time) error {
	query := `
		INSERT INTO transaction_status_history (transaction_id, status, source, recorded_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, query, id, status, source, at); err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
