package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

const facilitatorColumns = `id, name, provider, config, is_active, is_default, created_at, updated_at`

// FacilitatorRepository persists payment facilitators
type FacilitatorRepository struct {
	db *sqlx.DB
}

// NewFacilitatorRepository creates a new facilitator repository
func NewFacilitatorRepository(db *sqlx.DB) *FacilitatorRepository {
	return &FacilitatorRepository{db: db}
}

// GetByID returns a facilitator, active or not
func (r *FacilitatorRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Facilitator, error) {
	query := `SELECT ` + facilitatorColumns + ` FROM payment_facilitators WHERE id = $1 AND deleted_at IS NULL`
	return r.getOne(ctx, query, id)
}

// GetDefault returns the default active facilitator
func (r *FacilitatorRepository) GetDefault(ctx context.Context) (*entities.Facilitator, error) {
	query := `SELECT ` + facilitatorColumns + ` FROM payment_facilitators
		WHERE is_default AND is_active AND deleted_at IS NULL
		LIMIT 1`
	return r.getOne(ctx, query)
}

// ListActive returns the facilitators new transactions may use, default first
func (r *FacilitatorRepository) ListActive(ctx context.Context) ([]*entities.Facilitator, error) {
	query := `SELECT ` + facilitatorColumns + ` FROM payment_facilitators
		WHERE is_active AND deleted_at IS NULL
		ORDER BY is_default DESC, name ASC`
	var out []*entities.Facilitator
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to list facilitators: %w", err)
	}
	return out, nil
}

// Upsert inserts or updates the facilitator with f.Provider and stores the row id in f.ID.
// Marking f as default clears the flag on every other facilitator.
func (r *FacilitatorRepository) Upsert(ctx context.Context, f *entities.Facilitator) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if f.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE payment_facilitators SET is_default = FALSE, updated_at = NOW()
			WHERE is_default AND provider <> $1 AND deleted_at IS NULL`, f.Provider,
		); err != nil {
			return fmt.Errorf("failed to clear default facilitator: %w", err)
		}
	}

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	query := `
		INSERT INTO payment_facilitators (id, name, provider, config, is_active, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (provider) WHERE deleted_at IS NULL DO UPDATE
		SET name = EXCLUDED.name,
			config = EXCLUDED.config,
			is_active = EXCLUDED.is_active,
			is_default = EXCLUDED.is_default,
			updated_at = NOW()
		RETURNING id`
	if err := tx.QueryRowxContext(ctx, query,
		f.ID, f.Name, f.Provider, f.Config, f.IsActive, f.IsDefault,
	).Scan(&f.ID); err != nil {
		return fmt.Errorf("failed to upsert facilitator %s: %w", f.Provider, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit facilitator: %w", err)
	}
	return nil
}

func (r *FacilitatorRepository) getOne(ctx context.Context, query string, args ...interface{}) (*entities.Facilitator, error) {
	var f entities.Facilitator
	if err := r.db.GetContext(ctx, &f, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entities.ErrFacilitatorNotFound
		}
		return nil, fmt.Errorf("failed to get facilitator: %w", err)
	}
	return &f, nil
}
