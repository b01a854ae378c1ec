package reconciliation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

type memoryRepo struct {
	mu        sync.Mutex
	txs       map[uuid.UUID]*entities.Transaction
	events    map[string]bool
	intents   []entities.SideEffectIntent
	applied   []*entities.StatusTransition
	failTimes int
	failErr   error
	applyErr  error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		txs:    make(map[uuid.UUID]*entities.Transaction),
		events: make(map[string]bool),
	}
}

func (r *memoryRepo) add(kind entities.TransactionKind, amount string) *entities.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := entities.NewTransaction(kind, uuid.New(), decimal.RequireFromString(amount), "BRL", time.Now().Add(-time.Hour))
	r.txs[tx.ID] = tx
	cp := *tx
	return &cp
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*entities.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, entities.ErrTransactionNotFound
	}
	cp := *tx
	cp.History = append([]entities.StatusHistoryEntry(nil), tx.History...)
	return &cp, nil
}

func (r *memoryRepo) ApplyTransition(_ context.Context, t *entities.StatusTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.applyErr != nil {
		return r.applyErr
	}
	if r.failTimes > 0 {
		r.failTimes--
		return r.failErr
	}

	tx, ok := r.txs[t.TransactionID]
	if !ok {
		return entities.ErrTransactionNotFound
	}
	eventKey := t.TransactionID.String() + "|" + t.IdempotencyKey
	if r.events[eventKey] {
		return entities.ErrDuplicateEvent
	}
	if tx.Version != t.ExpectedVersion {
		return entities.ErrVersionConflict
	}
	r.events[eventKey] = true

	tx.Status = t.To
	tx.Version++
	tx.UpdatedAt = t.OccurredAt
	tx.ErrorDetail = t.ErrorDetail
	tx.History = append(tx.History, entities.StatusHistoryEntry{
		TransactionID: tx.ID,
		Status:        t.To,
		Source:        t.Source,
		Timestamp:     t.OccurredAt,
	})
	for _, intent := range t.Intents {
		if intent.Type == entities.IntentStampTimestamp {
			at, _ := time.Parse(time.RFC3339Nano, intent.Payload["at"])
			switch intent.Payload["field"] {
			case "paid_at":
				tx.PaidAt = &at
			case "processed_at":
				tx.ProcessedAt = &at
			case "failed_at":
				tx.FailedAt = &at
			}
		}
		r.intents = append(r.intents, intent)
	}
	r.applied = append(r.applied, t)
	return nil
}

func (r *memoryRepo) countIntents(t entities.IntentType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, i := range r.intents {
		if i.Type == t {
			n++
		}
	}
	return n
}

func (r *memoryRepo) appliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []entities.OperatorAlert
}

func (a *recordingAlerter) Alert(_ context.Context, alert entities.OperatorAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []*entities.StatusTransitionLog
}

func (a *recordingAudit) LogStatusTransition(_ context.Context, entry *entities.StatusTransitionLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}
