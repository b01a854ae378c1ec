package entities

import (
	"time"

	"github.com/google/uuid"
)

// Facilitator is a named payment provider that creates and settles transactions.
// Provider names the gateway client and the webhook route that serve it.
type Facilitator struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Provider  string    `json:"provider" db:"provider"`
	Config    JSONMap   `json:"-" db:"config"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	IsDefault bool      `json:"is_default" db:"is_default"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
