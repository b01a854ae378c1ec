package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionKind distinguishes payments from withdrawals
type TransactionKind string

const (
	TransactionKindPayment    TransactionKind = "payment"
	TransactionKindWithdrawal TransactionKind = "withdrawal"
)

// IsValid checks the kind against the known set
func (k TransactionKind) IsValid() bool {
	return k == TransactionKindPayment || k == TransactionKindWithdrawal
}

// PixKeyType is the type of the PIX key identifying the counterparty
type PixKeyType string

const (
	PixKeyTypeCPF    PixKeyType = "CPF"
	PixKeyTypeCNPJ   PixKeyType = "CNPJ"
	PixKeyTypeEmail  PixKeyType = "EMAIL"
	PixKeyTypePhone  PixKeyType = "PHONE"
	PixKeyTypeRandom PixKeyType = "RANDOM"
)

// StatusSource records who caused a status change
type StatusSource string

const (
	SourceWebhook  StatusSource = "webhook"
	SourcePoller   StatusSource = "poller"
	SourceAPI      StatusSource = "api"
	SourceOperator StatusSource = "operator"
	SourceSystem   StatusSource = "system"
)

// Transaction constants
const (
	DefaultCurrency        = "BRL"
	AmountScale      int32 = 2
	PaymentExpiryHours     = 24
)

// Transaction is a PIX payment or withdrawal
type Transaction struct {
	ID                uuid.UUID            `json:"id" db:"id"`
	UserID            uuid.UUID            `json:"user_id" db:"user_id"`
	FacilitatorID     *uuid.UUID           `json:"payment_facilitator_id,omitempty" db:"facilitator_id"`
	Kind              TransactionKind      `json:"kind" db:"kind"`
	Amount            decimal.Decimal      `json:"amount" db:"amount"`
	Currency          string               `json:"currency" db:"currency"`
	Description       *string              `json:"description,omitempty" db:"description"`
	PixKey            string               `json:"pix_key" db:"pix_key"`
	PixKeyType        PixKeyType           `json:"pix_key_type" db:"pix_key_type"`
	ExternalReference *string              `json:"external_reference,omitempty" db:"external_reference"`
	Status            TransactionStatus    `json:"status" db:"status"`
	ErrorDetail       *string              `json:"error_detail,omitempty" db:"error_detail"`
	QRCode            *string              `json:"qr_code,omitempty" db:"qr_code"`
	ExpiresAt         *time.Time           `json:"expires_at,omitempty" db:"expires_at"`
	PaidAt            *time.Time           `json:"paid_at,omitempty" db:"paid_at"`
	ProcessedAt       *time.Time           `json:"processed_at,omitempty" db:"processed_at"`
	FailedAt          *time.Time           `json:"failed_at,omitempty" db:"failed_at"`
	BankTransactionID *string              `json:"bank_transaction_id,omitempty" db:"bank_transaction_id"`
	Metadata          JSONMap              `json:"metadata,omitempty" db:"metadata"`
	CheckAttempts     int                  `json:"check_attempts" db:"check_attempts"`
	NextCheckAt       *time.Time           `json:"next_check_at,omitempty" db:"next_check_at"`
	Version           int64                `json:"version" db:"version"`
	CreatedAt         time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at" db:"updated_at"`
	History           []StatusHistoryEntry `json:"history,omitempty" db:"-"`
}

// StatusHistoryEntry is one append-only row of a transaction's status history
type StatusHistoryEntry struct {
	ID            int64             `json:"-" db:"id"`
	TransactionID uuid.UUID         `json:"-" db:"transaction_id"`
	Status        TransactionStatus `json:"status" db:"status"`
	Source        StatusSource      `json:"source" db:"source"`
	Timestamp     time.Time         `json:"timestamp" db:"recorded_at"`
}

// StatusInfo returns the status table row for the transaction's current status
func (t *Transaction) StatusInfo() StatusInfo {
	info, _ := LookupStatus(t.Kind, t.Status)
	return info
}

// NewTransaction builds a pending transaction with its first history entry
func NewTransaction(kind TransactionKind, userID uuid.UUID, amount decimal.Decimal, currency string, now time.Time) *Transaction {
	if currency == "" {
		currency = DefaultCurrency
	}
	tx := &Transaction{
		ID:         uuid.New(),
		UserID:     userID,
		Kind:       kind,
		Amount:     amount.Round(AmountScale),
		Currency:   currency,
		PixKeyType: PixKeyTypeRandom,
		Status:     StatusPending,
		Metadata:   JSONMap{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx.History = []StatusHistoryEntry{{TransactionID: tx.ID, Status: StatusPending, Source: SourceAPI, Timestamp: now}}
	if kind == TransactionKindPayment {
		expires := now.Add(PaymentExpiryHours * time.Hour)
		tx.ExpiresAt = &expires
	}
	return tx
}

// GatewayAck is what the gateway returned when a transaction was created
type GatewayAck struct {
	ExternalReference string
	QRCode            *string
	BankTransactionID *string
	ExpiresAt         *time.Time
	NextCheckAt       time.Time
}

// TransactionFilter narrows List queries
type TransactionFilter struct {
	UserID   *uuid.UUID
	Kind     TransactionKind
	Status   TransactionStatus
	FromDate *time.Time
	ToDate   *time.Time
	Limit    int
	Offset   int
}

// Pagination defaults
const (
	DefaultPageSize = 15
	MaxPageSize     = 100
)

// Normalize applies paging defaults
func (f *TransactionFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// JSONMap is a JSONB-backed map
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// StringMap is a JSONB-backed string map used for intent payloads
type StringMap map[string]string

// Value implements driver.Valuer
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *StringMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
