// Package statemachine computes status transitions and their side-effect intents.
// Everything here is pure: no I/O, no clock, no shared state beyond the read-only tables.
package statemachine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

// ValidPaymentTransitions defines the automated moves allowed for payments
var ValidPaymentTransitions = map[entities.TransactionStatus][]entities.TransactionStatus{
	entities.StatusPending: {
		entities.StatusProcessing, entities.StatusPaid, entities.StatusFailed,
		entities.StatusExpired, entities.StatusCancelled, entities.StatusManualReview,
	},
	entities.StatusProcessing: {
		entities.StatusPaid, entities.StatusFailed, entities.StatusExpired,
		entities.StatusRefunded, entities.StatusCancelled, entities.StatusManualReview,
	},
	entities.StatusPaid:         {}, // Terminal
	entities.StatusFailed:       {}, // Terminal
	entities.StatusCancelled:    {}, // Terminal
	entities.StatusExpired:      {}, // Terminal
	entities.StatusRefunded:     {}, // Terminal
	entities.StatusManualReview: {}, // Operator resolution only
}

// ValidWithdrawalTransitions defines the automated moves allowed for withdrawals
var ValidWithdrawalTransitions = map[entities.TransactionStatus][]entities.TransactionStatus{
	entities.StatusPending: {
		entities.StatusProcessing, entities.StatusProcessed, entities.StatusFailed,
		entities.StatusRejected, entities.StatusCancelled, entities.StatusManualReview,
	},
	entities.StatusProcessing: {
		entities.StatusProcessed, entities.StatusFailed, entities.StatusRejected,
		entities.StatusCancelled, entities.StatusManualReview,
	},
	entities.StatusProcessed:    {}, // Terminal
	entities.StatusFailed:       {}, // Terminal
	entities.StatusCancelled:    {}, // Terminal
	entities.StatusRejected:     {}, // Terminal
	entities.StatusManualReview: {}, // Operator resolution only
}

func transitionsFor(kind entities.TransactionKind) map[entities.TransactionStatus][]entities.TransactionStatus {
	if kind == entities.TransactionKindWithdrawal {
		return ValidWithdrawalTransitions
	}
	return ValidPaymentTransitions
}

// CanTransition checks the automated transition table of kind
func CanTransition(kind entities.TransactionKind, from, to entities.TransactionStatus) bool {
	for _, allowed := range transitionsFor(kind)[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// State is the part of a transaction the machine needs
type State struct {
	Kind     entities.TransactionKind
	Status   entities.TransactionStatus
	Amount   decimal.Decimal
	Currency string
}

// StateOf extracts the machine state from a transaction
func StateOf(tx *entities.Transaction) State {
	return State{Kind: tx.Kind, Status: tx.Status, Amount: tx.Amount, Currency: tx.Currency}
}

// Result is the outcome of one transition
type Result struct {
	NewStatus entities.TransactionStatus
	Intents   []entities.SideEffectIntent
	Outcome   entities.Outcome
}

// Changed reports whether the result must be persisted
func (r Result) Changed() bool {
	return r.Outcome == entities.OutcomeApplied
}

func noop(current entities.TransactionStatus, outcome entities.Outcome) Result {
	return Result{NewStatus: current, Outcome: outcome}
}

// Transition computes the next status and intents for event. A terminal status
// absorbs every event as a no-op. An external status with no mapping yields an
// *entities.UnmappedStatusError and leaves the status unchanged.
func Transition(state State, event entities.ReconciliationEvent, mapping Mapping) (Result, error) {
	if !state.Kind.IsValid() {
		return Result{}, fmt.Errorf("unknown transaction kind %q", state.Kind)
	}
	info, ok := entities.LookupStatus(state.Kind, state.Status)
	if !ok {
		return Result{}, fmt.Errorf("unknown %s status %q", state.Kind, state.Status)
	}
	if info.IsFinal {
		return noop(state.Status, entities.OutcomeNoopTerminal), nil
	}

	var target entities.TransactionStatus
	switch event.Kind {
	case entities.EventCancelRequest:
		target = entities.StatusCancelled
	case entities.EventStaleExhausted:
		target = entities.StatusManualReview
	case entities.EventGatewayReport, "":
		mapped, ok := mapping.Lookup(state.Kind, event.ExternalStatus)
		if !ok {
			return noop(state.Status, entities.OutcomeUnmapped), &entities.UnmappedStatusError{
				Kind:           state.Kind,
				ExternalStatus: event.ExternalStatus,
			}
		}
		target = mapped
	default:
		return Result{}, fmt.Errorf("unknown event kind %q", event.Kind)
	}

	if target == state.Status {
		return noop(state.Status, entities.OutcomeNoopSame), nil
	}
	if !CanTransition(state.Kind, state.Status, target) {
		// Out-of-order report: the record already moved past it
		return noop(state.Status, entities.OutcomeNoopStale), nil
	}

	return Result{
		NewStatus: target,
		Intents:   intentsFor(state, state.Status, target, event),
		Outcome:   entities.OutcomeApplied,
	}, nil
}

// Escalate forces a non-terminal transaction into manual review
func Escalate(state State, at time.Time, reason string) (Result, error) {
	return Transition(state, entities.ReconciliationEvent{
		Kind:              entities.EventStaleExhausted,
		ExternalTimestamp: at,
		ErrorDetail:       reason,
	}, nil)
}

// Resolve moves a transaction out of manual review to the terminal status an
// operator chose, emitting that status's normal intents.
func Resolve(state State, target entities.TransactionStatus, at time.Time) (Result, error) {
	if state.Status != entities.StatusManualReview {
		return Result{}, fmt.Errorf("%w: transaction is %s, not in manual review", entities.ErrInvalidResolution, state.Status)
	}
	info, ok := entities.LookupStatus(state.Kind, target)
	if !ok || !(info.IsSuccess || info.IsFailure) {
		return Result{}, fmt.Errorf("%w: %q is not a terminal %s status", entities.ErrInvalidResolution, target, state.Kind)
	}
	event := entities.ReconciliationEvent{ExternalTimestamp: at, Source: entities.SourceOperator}
	return Result{
		NewStatus: target,
		Intents:   intentsFor(state, state.Status, target, event),
		Outcome:   entities.OutcomeApplied,
	}, nil
}

func intentsFor(state State, from, to entities.TransactionStatus, event entities.ReconciliationEvent) []entities.SideEffectIntent {
	info, _ := entities.LookupStatus(state.Kind, to)
	at := event.ExternalTimestamp.UTC().Format(time.RFC3339Nano)
	amount := state.Amount.StringFixed(entities.AmountScale)

	var intents []entities.SideEffectIntent
	switch info.Class {
	case entities.StatusClassSuccess:
		field, entry := "paid_at", entities.LedgerEntryPaymentReceived
		if state.Kind == entities.TransactionKindWithdrawal {
			field, entry = "processed_at", entities.LedgerEntryWithdrawalSettled
		}
		intents = append(intents,
			stamp(field, at),
			entities.SideEffectIntent{Type: entities.IntentCreditLedger, Payload: entities.StringMap{
				"entry":    entry,
				"amount":   amount,
				"currency": state.Currency,
			}},
			notify(state.Kind, to),
		)

	case entities.StatusClassFailure:
		if to != entities.StatusCancelled {
			intents = append(intents, stamp("failed_at", at))
		}
		if state.Kind == entities.TransactionKindWithdrawal {
			intents = append(intents, entities.SideEffectIntent{Type: entities.IntentReleaseHold, Payload: entities.StringMap{
				"amount":   amount,
				"currency": state.Currency,
				"reason":   string(to),
			}})
		}
		intents = append(intents, notify(state.Kind, to))

	case entities.StatusClassReview:
		reason := event.ErrorDetail
		if reason == "" {
			reason = "status checks exhausted"
		}
		intents = append(intents, entities.SideEffectIntent{Type: entities.IntentAlertOperator, Payload: entities.StringMap{
			"reason":      reason,
			"from_status": string(from),
			"kind":        string(state.Kind),
		}})
	}
	return intents
}

func stamp(field, at string) entities.SideEffectIntent {
	return entities.SideEffectIntent{Type: entities.IntentStampTimestamp, Payload: entities.StringMap{
		"field": field,
		"at":    at,
	}}
}

func notify(kind entities.TransactionKind, status entities.TransactionStatus) entities.SideEffectIntent {
	return entities.SideEffectIntent{Type: entities.IntentNotifyUser, Payload: entities.StringMap{
		"kind":   string(kind),
		"status": string(status),
	}}
}

// CountIntents returns how many intents of type t are in intents
func CountIntents(intents []entities.SideEffectIntent, t entities.IntentType) int {
	n := 0
	for _, i := range intents {
		if i.Type == t {
			n++
		}
	}
	return n
}
