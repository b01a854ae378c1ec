package entities

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnmappedStatus matches any *UnmappedStatusError
	ErrUnmappedStatus = errors.New("unmapped gateway status")
	// ErrDuplicateEvent is reported by persistence when an idempotency key was already applied
	ErrDuplicateEvent = errors.New("duplicate reconciliation event")
	// ErrTransactionNotFound is returned when no transaction matches
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrVersionConflict is returned when the stored version moved under an apply
	ErrVersionConflict = errors.New("transaction version conflict")
	// ErrCannotCancel is returned when a cancel request reaches a terminal transaction
	ErrCannotCancel = errors.New("transaction cannot be cancelled in its current status")
	// ErrInvalidResolution is returned for operator resolutions outside manual review or to non-terminal targets
	ErrInvalidResolution = errors.New("invalid manual review resolution")
	// ErrTransientGateway matches any *TransientGatewayError
	ErrTransientGateway = errors.New("transient gateway failure")
	// ErrFacilitatorNotFound is returned when a requested payment facilitator does not exist
	ErrFacilitatorNotFound = errors.New("payment facilitator not found")
	// ErrFacilitatorInactive is returned when a new transaction asks for a disabled facilitator
	ErrFacilitatorInactive = errors.New("payment facilitator is not active")
	// ErrFacilitatorUnavailable is returned when no default facilitator or no gateway client can serve a request
	ErrFacilitatorUnavailable = errors.New("no payment facilitator available")
)

// UnmappedStatusError carries the gateway status that has no internal mapping
type UnmappedStatusError struct {
	Kind           TransactionKind
	ExternalStatus string
}

func (e *UnmappedStatusError) Error() string {
	return fmt.Sprintf("unmapped %s gateway status %q", e.Kind, e.ExternalStatus)
}

func (e *UnmappedStatusError) Is(target error) bool {
	return target == ErrUnmappedStatus
}

// TransientGatewayError wraps network, timeout and 5xx failures that may be retried
type TransientGatewayError struct {
	Op  string
	Err error
}

func (e *TransientGatewayError) Error() string {
	return fmt.Sprintf("gateway %s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientGatewayError) Unwrap() error {
	return e.Err
}

func (e *TransientGatewayError) Is(target error) bool {
	return target == ErrTransientGateway
}

// IsTransientGatewayError reports whether err should be retried under backoff
func IsTransientGatewayError(err error) bool {
	return errors.Is(err, ErrTransientGateway)
}

// IntentApplicationError is returned when a computed transition could not be persisted
type IntentApplicationError struct {
	TransactionID uuid.UUID
	To            TransactionStatus
	Err           error
}

func (e *IntentApplicationError) Error() string {
	return fmt.Sprintf("apply transition of %s to %s: %v", e.TransactionID, e.To, e.Err)
}

func (e *IntentApplicationError) Unwrap() error {
	return e.Err
}

// StaleExhaustedError describes a transaction the poller gave up on
type StaleExhaustedError struct {
	TransactionID uuid.UUID
	Kind          TransactionKind
	Attempts      int
	StuckSince    time.Time
}

func (e *StaleExhaustedError) Error() string {
	return fmt.Sprintf("%s %s exhausted %d status checks (stuck since %s)",
		e.Kind, e.TransactionID, e.Attempts, e.StuckSince.UTC().Format(time.RFC3339))
}

// ErrorResponse is the JSON error envelope returned by the API
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
