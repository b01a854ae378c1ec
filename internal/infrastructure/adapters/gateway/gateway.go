// Package gateway holds the payment gateway clients. The engine only sees the
// Client interface, so the simulated gateway and the HTTP adapter are interchangeable.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

// Client is the outbound gateway capability
type Client interface {
	CheckStatus(ctx context.Context, kind entities.TransactionKind, externalReference string) (*StatusReport, error)
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error)
	CreateWithdrawal(ctx context.Context, req *CreateWithdrawalRequest) (*CreateWithdrawalResponse, error)
}

// Resolver returns the client of the facilitator that owns a transaction.
// A nil facilitator id selects the default facilitator.
type Resolver interface {
	ClientFor(ctx context.Context, facilitatorID *uuid.UUID) (Client, error)
}

// Single serves every facilitator with one client
type Single struct {
	Client
}

// ClientFor implements Resolver
func (s Single) ClientFor(context.Context, *uuid.UUID) (Client, error) {
	return s.Client, nil
}

// StatusReport is the gateway's view of a transaction
type StatusReport struct {
	ExternalReference string    `json:"external_id"`
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	EventID           string    `json:"event_id,omitempty"`
	Detail            string    `json:"detail,omitempty"`
}

// CreatePaymentRequest asks the gateway for a PIX charge
type CreatePaymentRequest struct {
	Reference   string              `json:"reference"`
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency"`
	PixKey      string              `json:"pix_key"`
	PixKeyType  entities.PixKeyType `json:"pix_key_type"`
	Description string              `json:"description,omitempty"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
}

// CreatePaymentResponse is the gateway acknowledgement of a charge
type CreatePaymentResponse struct {
	ExternalReference string     `json:"external_id"`
	Status            string     `json:"status"`
	QRCode            string     `json:"qr_code"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// CreateWithdrawalRequest asks the gateway to send a PIX transfer
type CreateWithdrawalRequest struct {
	Reference   string              `json:"reference"`
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency"`
	PixKey      string              `json:"pix_key"`
	PixKeyType  entities.PixKeyType `json:"pix_key_type"`
	Description string              `json:"description,omitempty"`
}

// CreateWithdrawalResponse is the gateway acknowledgement of a transfer
type CreateWithdrawalResponse struct {
	ExternalReference string    `json:"external_id"`
	Status            string    `json:"status"`
	BankTransactionID string    `json:"bank_transaction_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
