// Package reconciliation applies gateway status reports to transactions.
//
// Every event for a transaction runs under that transaction's lock:
// admit the idempotency key, load the record, compute the transition with the
// pure state machine, then persist status, history and intents in one write.
// A duplicate key short-circuits before the state machine runs. A write that
// keeps failing releases the key so a redelivery can retry.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/domain/services/idempotency"
	"github.com/pix-service/pix_service/internal/domain/services/statemachine"
	"github.com/pix-service/pix_service/pkg/logger"
	"github.com/pix-service/pix_service/pkg/metrics"
	"github.com/pix-service/pix_service/pkg/tracing"
)

// TransactionRepository is the persistence the engine needs
type TransactionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Transaction, error)
	ApplyTransition(ctx context.Context, t *entities.StatusTransition) error
}

// MappingSource provides the active gateway status mapping
type MappingSource interface {
	Current() statemachine.Mapping
}

// Alerter is the operator channel
type Alerter interface {
	Alert(ctx context.Context, alert entities.OperatorAlert) error
}

// AuditLogger records applied transitions
type AuditLogger interface {
	LogStatusTransition(ctx context.Context, entry *entities.StatusTransitionLog) error
}

const cancelKey = "cancel"

// Config tunes the durable write retry
type Config struct {
	ApplyRetries         int
	ApplyInitialInterval time.Duration
	ApplyMaxInterval     time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		ApplyRetries:         3,
		ApplyInitialInterval: 100 * time.Millisecond,
		ApplyMaxInterval:     2 * time.Second,
	}
}

// Engine is the status reconciliation engine
type Engine struct {
	repo    TransactionRepository
	ledger  idempotency.Ledger
	mapping MappingSource
	alerter Alerter
	audit   AuditLogger
	locks   *KeyedMutex
	logger  *logger.Logger
	cfg     Config
	now     func() time.Time
}

// NewEngine creates an engine
func NewEngine(
	repo TransactionRepository,
	ledger idempotency.Ledger,
	mapping MappingSource,
	alerter Alerter,
	logger *logger.Logger,
	cfg Config,
) *Engine {
	if cfg.ApplyRetries < 1 {
		cfg.ApplyRetries = 1
	}
	if cfg.ApplyInitialInterval <= 0 {
		cfg.ApplyInitialInterval = DefaultConfig().ApplyInitialInterval
	}
	if cfg.ApplyMaxInterval < cfg.ApplyInitialInterval {
		cfg.ApplyMaxInterval = cfg.ApplyInitialInterval
	}
	return &Engine{
		repo:    repo,
		ledger:  ledger,
		mapping: mapping,
		alerter: alerter,
		locks:   NewKeyedMutex(),
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetAuditLogger sets the audit trail (optional)
func (e *Engine) SetAuditLogger(a AuditLogger) {
	e.audit = a
}

// ReportStatus feeds one gateway status report through the engine. An empty
// idempotency key is derived from the status and gateway timestamp.
func (e *Engine) ReportStatus(
	ctx context.Context,
	transactionID uuid.UUID,
	externalStatus string,
	externalTimestamp time.Time,
	idempotencyKey string,
	source entities.StatusSource,
) (*entities.ReconcileResult, error) {
	return e.Process(ctx, entities.ReconciliationEvent{
		TransactionID:     transactionID,
		Kind:              entities.EventGatewayReport,
		ExternalStatus:    externalStatus,
		ExternalTimestamp: externalTimestamp,
		IdempotencyKey:    idempotencyKey,
		Source:            source,
	})
}

// Cancel applies an explicit cancel request. Terminal transactions return ErrCannotCancel.
func (e *Engine) Cancel(ctx context.Context, transactionID uuid.UUID, source entities.StatusSource) (*entities.ReconcileResult, error) {
	result, err := e.Process(ctx, entities.ReconciliationEvent{
		TransactionID:     transactionID,
		Kind:              entities.EventCancelRequest,
		ExternalTimestamp: e.now().UTC(),
		IdempotencyKey:    cancelKey,
		Source:            source,
	})
	if err != nil {
		return result, err
	}
	if result.Outcome == entities.OutcomeNoopTerminal {
		return result, fmt.Errorf("%w: status is %s", entities.ErrCannotCancel, result.Status)
	}
	return result, nil
}

// EscalateStale forces a transaction whose status checks were exhausted into manual review
// and reports it to the operator channel.
func (e *Engine) EscalateStale(ctx context.Context, transactionID uuid.UUID, attempts int, stuckSince time.Time) (*entities.ReconcileResult, error) {
	event := entities.ReconciliationEvent{
		TransactionID:     transactionID,
		Kind:              entities.EventStaleExhausted,
		ExternalTimestamp: e.now().UTC(),
		IdempotencyKey:    "stale-exhausted",
		Source:            entities.SourcePoller,
		ErrorDetail:       fmt.Sprintf("%d status checks exhausted", attempts),
	}
	return e.process(ctx, event, func(ctx context.Context, tx *entities.Transaction) {
		if stuckSince.IsZero() {
			stuckSince = tx.UpdatedAt
		}
		exhausted := &entities.StaleExhaustedError{
			TransactionID: tx.ID,
			Kind:          tx.Kind,
			Attempts:      attempts,
			StuckSince:    stuckSince,
		}
		metrics.ManualReviewEscalationsTotal.WithLabelValues(string(tx.Kind)).Inc()
		e.logger.Warn("Transaction escalated to manual review",
			"transaction_id", tx.ID,
			"kind", tx.Kind,
			"previous_status", tx.Status,
			"attempts", attempts)
		e.sendAlert(ctx, entities.OperatorAlert{
			Severity:      entities.AlertSeverityCritical,
			Title:         "Transaction needs manual review",
			TransactionID: tx.ID,
			Kind:          tx.Kind,
			Detail:        exhausted.Error(),
			Fields: map[string]interface{}{
				"previous_status": string(tx.Status),
				"attempts":        attempts,
				"amount":          tx.Amount.StringFixed(entities.AmountScale),
				"currency":        tx.Currency,
			},
			RaisedAt: e.now().UTC(),
		})
	})
}

// Resolve moves a transaction out of manual review on an operator's decision
func (e *Engine) Resolve(ctx context.Context, transactionID uuid.UUID, target entities.TransactionStatus, operatorID uuid.UUID, note string) (*entities.ReconcileResult, error) {
	unlock := e.locks.Lock(transactionID)
	defer unlock()

	tx, err := e.repo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	result, err := statemachine.Resolve(statemachine.StateOf(tx), target, now)
	if err != nil {
		return nil, err
	}

	var detail *string
	if note != "" {
		detail = &note
	}
	transition := &entities.StatusTransition{
		TransactionID:   tx.ID,
		ExpectedVersion: tx.Version,
		From:            tx.Status,
		To:              result.NewStatus,
		Source:          entities.SourceOperator,
		EventKind:       entities.EventResolution,
		IdempotencyKey:  "resolve:" + uuid.NewString(),
		ExternalStatus:  string(target),
		OccurredAt:      now,
		ErrorDetail:     detail,
		Intents:         result.Intents,
	}
	if err := e.apply(ctx, tx, transition); err != nil {
		return nil, err
	}
	e.afterApply(ctx, tx, transition, &operatorID)

	return &entities.ReconcileResult{
		TransactionID: tx.ID,
		Outcome:       entities.OutcomeApplied,
		Previous:      tx.Status,
		Status:        result.NewStatus,
		Intents:       result.Intents,
	}, nil
}

// Process runs one event through lock, ledger, state machine and durable write
func (e *Engine) Process(ctx context.Context, event entities.ReconciliationEvent) (*entities.ReconcileResult, error) {
	return e.process(ctx, event, nil)
}

// process runs onApplied under the transaction lock after a successful write
func (e *Engine) process(
	ctx context.Context,
	event entities.ReconciliationEvent,
	onApplied func(context.Context, *entities.Transaction),
) (res *entities.ReconcileResult, err error) {
	if event.IdempotencyKey == "" {
		event.IdempotencyKey = entities.DeriveIdempotencyKey(event.ExternalStatus, event.ExternalTimestamp)
	}
	if event.ExternalTimestamp.IsZero() {
		event.ExternalTimestamp = e.now().UTC()
	}

	ctx, span := tracing.StartSpan(ctx, "reconciliation.process",
		attribute.String("transaction_id", event.TransactionID.String()),
		attribute.String("event_kind", string(event.Kind)),
		attribute.String("source", string(event.Source)),
	)
	defer func() {
		if res != nil {
			span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock := e.locks.Lock(event.TransactionID)
	defer unlock()

	key := idempotency.Key{TransactionID: event.TransactionID, EventKey: event.IdempotencyKey}
	admission, err := e.ledger.Admit(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency admission failed: %w", err)
	}

	tx, err := e.repo.GetByID(ctx, event.TransactionID)
	if err != nil {
		if admission == idempotency.Fresh {
			e.release(ctx, key)
		}
		return nil, err
	}

	if admission == idempotency.Duplicate {
		return e.finish(tx, event, entities.OutcomeDuplicate, tx.Status, nil), nil
	}

	result, err := statemachine.Transition(statemachine.StateOf(tx), event, e.mapping.Current())
	if err != nil {
		// nothing was applied, a corrected mapping may accept a redelivery
		e.release(ctx, key)
		var unmapped *entities.UnmappedStatusError
		if errors.As(err, &unmapped) {
			e.alertUnmapped(ctx, tx, event, unmapped)
			return e.finish(tx, event, entities.OutcomeUnmapped, tx.Status, nil), err
		}
		return nil, err
	}

	if !result.Changed() {
		if event.Kind == entities.EventCancelRequest && result.Outcome == entities.OutcomeNoopTerminal {
			// a rejected cancel is not remembered, so repeating it is rejected again
			e.release(ctx, key)
		}
		return e.finish(tx, event, result.Outcome, tx.Status, nil), nil
	}

	var detail *string
	if event.ErrorDetail != "" {
		d := event.ErrorDetail
		detail = &d
	}
	transition := &entities.StatusTransition{
		TransactionID:   tx.ID,
		ExpectedVersion: tx.Version,
		From:            tx.Status,
		To:              result.NewStatus,
		Source:          event.Source,
		EventKind:       event.Kind,
		IdempotencyKey:  event.IdempotencyKey,
		ExternalStatus:  event.ExternalStatus,
		OccurredAt:      event.ExternalTimestamp,
		ErrorDetail:     detail,
		Intents:         result.Intents,
	}

	if err := e.apply(ctx, tx, transition); err != nil {
		if errors.Is(err, entities.ErrDuplicateEvent) {
			return e.finish(tx, event, entities.OutcomeDuplicate, tx.Status, nil), nil
		}
		e.release(ctx, key)
		return nil, err
	}

	e.afterApply(ctx, tx, transition, nil)
	if onApplied != nil {
		onApplied(ctx, tx)
	}
	return e.finish(tx, event, entities.OutcomeApplied, result.NewStatus, result.Intents), nil
}

// apply persists the computed transition, retrying the same write under backoff
func (e *Engine) apply(ctx context.Context, tx *entities.Transaction, transition *entities.StatusTransition) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.ApplyInitialInterval
	b.MaxInterval = e.cfg.ApplyMaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := e.repo.ApplyTransition(ctx, transition)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, entities.ErrDuplicateEvent) ||
			errors.Is(err, entities.ErrVersionConflict) ||
			errors.Is(err, entities.ErrTransactionNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		metrics.IntentApplyFailuresTotal.WithLabelValues(string(tx.Kind)).Inc()
		e.logger.Warn("Failed to apply transition, retrying",
			"transaction_id", tx.ID,
			"to_status", transition.To,
			"attempt", attempt,
			"error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(e.cfg.ApplyRetries)))

	if err == nil {
		return nil
	}
	if errors.Is(err, entities.ErrDuplicateEvent) {
		return err
	}
	e.logger.Error("Transition could not be applied",
		"transaction_id", tx.ID,
		"from_status", transition.From,
		"to_status", transition.To,
		"attempts", attempt,
		"error", err)
	return &entities.IntentApplicationError{TransactionID: tx.ID, To: transition.To, Err: err}
}

func (e *Engine) afterApply(ctx context.Context, tx *entities.Transaction, transition *entities.StatusTransition, actorID *uuid.UUID) {
	metrics.StatusTransitionsTotal.WithLabelValues(
		string(tx.Kind), string(transition.From), string(transition.To), string(transition.Source),
	).Inc()

	e.logger.Info("Transaction status changed",
		"transaction_id", tx.ID,
		"kind", tx.Kind,
		"from_status", transition.From,
		"to_status", transition.To,
		"source", transition.Source,
		"intents", len(transition.Intents))

	if e.audit == nil {
		return
	}
	entry := &entities.StatusTransitionLog{
		TransactionID: tx.ID,
		Kind:          tx.Kind,
		FromStatus:    transition.From,
		ToStatus:      transition.To,
		TriggeredBy:   transition.Source,
		ActorID:       actorID,
		Timestamp:     transition.OccurredAt,
	}
	if transition.ErrorDetail != nil {
		entry.Metadata = map[string]interface{}{"detail": *transition.ErrorDetail}
	}
	if err := e.audit.LogStatusTransition(ctx, entry); err != nil {
		e.logger.Warn("Failed to audit status transition", "transaction_id", tx.ID, "error", err)
	}
}

func (e *Engine) finish(
	tx *entities.Transaction,
	event entities.ReconciliationEvent,
	outcome entities.Outcome,
	status entities.TransactionStatus,
	intents []entities.SideEffectIntent,
) *entities.ReconcileResult {
	metrics.ReconciliationOutcomesTotal.WithLabelValues(string(tx.Kind), string(outcome), string(event.Source)).Inc()
	if outcome != entities.OutcomeApplied {
		e.logger.Debug("Reconciliation event produced no change",
			"transaction_id", tx.ID,
			"outcome", outcome,
			"status", tx.Status,
			"external_status", event.ExternalStatus,
			"source", event.Source)
	}
	return &entities.ReconcileResult{
		TransactionID: tx.ID,
		Outcome:       outcome,
		Previous:      tx.Status,
		Status:        status,
		Intents:       intents,
	}
}

func (e *Engine) release(ctx context.Context, key idempotency.Key) {
	// the caller's context may already be done
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.ledger.Release(releaseCtx, key); err != nil {
		e.logger.Error("Failed to release idempotency key",
			"transaction_id", key.TransactionID,
			"event_key", key.EventKey,
			"error", err)
	}
}

func (e *Engine) alertUnmapped(ctx context.Context, tx *entities.Transaction, event entities.ReconciliationEvent, unmapped *entities.UnmappedStatusError) {
	e.logger.Error("Unmapped gateway status",
		"transaction_id", tx.ID,
		"kind", tx.Kind,
		"external_status", unmapped.ExternalStatus,
		"source", event.Source)
	e.sendAlert(ctx, entities.OperatorAlert{
		Severity:      entities.AlertSeverityWarning,
		Title:         "Unmapped gateway status",
		TransactionID: tx.ID,
		Kind:          tx.Kind,
		Detail:        unmapped.Error(),
		Fields: map[string]interface{}{
			"external_status": unmapped.ExternalStatus,
			"current_status":  string(tx.Status),
			"source":          string(event.Source),
		},
		RaisedAt: e.now().UTC(),
	})
}

func (e *Engine) sendAlert(ctx context.Context, alert entities.OperatorAlert) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Alert(ctx, alert); err != nil {
		e.logger.Error("Failed to deliver operator alert",
			"transaction_id", alert.TransactionID,
			"title", alert.Title,
			"error", err)
	}
}
