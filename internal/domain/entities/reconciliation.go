package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind distinguishes why a reconciliation event was raised
type EventKind string

const (
	EventGatewayReport  EventKind = "gateway_report"
	EventCancelRequest  EventKind = "cancel_request"
	EventStaleExhausted EventKind = "stale_exhausted"
	EventResolution     EventKind = "operator_resolution"
)

// ReconciliationEvent is an inbound status report for one transaction
type ReconciliationEvent struct {
	TransactionID     uuid.UUID
	Kind              EventKind
	ExternalStatus    string
	ExternalTimestamp time.Time
	IdempotencyKey    string
	Source            StatusSource
	ErrorDetail       string
}

// DeriveIdempotencyKey builds a key from status and gateway timestamp for gateways that send none
func DeriveIdempotencyKey(externalStatus string, externalTimestamp time.Time) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(externalStatus)) + "|" +
		externalTimestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// Outcome is the result class of processing one reconciliation event
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeNoopTerminal Outcome = "noop_terminal"
	OutcomeNoopSame     Outcome = "noop_same"
	OutcomeNoopStale    Outcome = "noop_stale"
	OutcomeUnmapped     Outcome = "unmapped"
)

// IntentType names a side effect computed by a transition
type IntentType string

const (
	IntentStampTimestamp IntentType = "stamp_timestamp"
	IntentCreditLedger   IntentType = "credit_ledger"
	IntentReleaseHold    IntentType = "release_hold"
	IntentNotifyUser     IntentType = "notify_user"
	IntentAlertOperator  IntentType = "alert_operator"
)

// Ledger entries carried by credit_ledger intents
const (
	LedgerEntryPaymentReceived   = "payment_received"
	LedgerEntryWithdrawalSettled = "withdrawal_settled"
)

// SideEffectIntent is an instruction the caller applies together with the status write
type SideEffectIntent struct {
	Type    IntentType `json:"type"`
	Payload StringMap  `json:"payload"`
}

// Inline reports whether the intent is applied inside the status write itself
// rather than relayed from the outbox.
func (i SideEffectIntent) Inline() bool {
	return i.Type == IntentStampTimestamp
}

// StatusTransition is the durable write computed by the engine
type StatusTransition struct {
	TransactionID   uuid.UUID
	ExpectedVersion int64
	From            TransactionStatus
	To              TransactionStatus
	Source          StatusSource
	EventKind       EventKind
	IdempotencyKey  string
	ExternalStatus  string
	OccurredAt      time.Time
	ErrorDetail     *string
	Intents         []SideEffectIntent
}

// OutboxStatus tracks relay progress of a deferred intent
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxDead       OutboxStatus = "dead"
)

// OutboxIntent is a persisted deferred side effect
type OutboxIntent struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	TransactionID uuid.UUID       `json:"transaction_id" db:"transaction_id"`
	Kind          TransactionKind `json:"kind" db:"kind"`
	Type          IntentType      `json:"type" db:"intent_type"`
	Payload       StringMap       `json:"payload" db:"payload"`
	Status        OutboxStatus    `json:"status" db:"status"`
	Attempts      int             `json:"attempts" db:"attempts"`
	LastError     *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	DispatchedAt  *time.Time      `json:"dispatched_at,omitempty" db:"dispatched_at"`
}

// ReconcileResult is what callers of the engine observe
type ReconcileResult struct {
	TransactionID uuid.UUID          `json:"transaction_id"`
	Outcome       Outcome            `json:"outcome"`
	Previous      TransactionStatus  `json:"previous_status"`
	Status        TransactionStatus  `json:"status"`
	Intents       []SideEffectIntent `json:"intents,omitempty"`
}
