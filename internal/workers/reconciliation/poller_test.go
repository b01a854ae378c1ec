package reconciliation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/domain/services/idempotency"
	engine "github.com/pix-service/pix_service/internal/domain/services/reconciliation"
	"github.com/pix-service/pix_service/internal/domain/services/statemachine"
	"github.com/pix-service/pix_service/internal/infrastructure/adapters/gateway"
	"github.com/pix-service/pix_service/internal/workers/dispatcher"
	"github.com/pix-service/pix_service/pkg/logger"
)

type memoryStore struct {
	mu      sync.Mutex
	txs     map[uuid.UUID]*entities.Transaction
	intents []entities.SideEffectIntent
}

func newMemoryStore() *memoryStore {
	return &memoryStore{txs: make(map[uuid.UUID]*entities.Transaction)}
}

func (s *memoryStore) add(kind entities.TransactionKind, ref string, updatedAt time.Time) *entities.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := entities.NewTransaction(kind, uuid.New(), decimal.NewFromInt(100), "BRL", updatedAt)
	if ref != "" {
		tx.ExternalReference = &ref
	}
	s.txs[tx.ID] = tx
	return tx
}

func (s *memoryStore) get(id uuid.UUID) entities.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.txs[id]
}

func (s *memoryStore) GetByID(_ context.Context, id uuid.UUID) (*entities.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, entities.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *memoryStore) ApplyTransition(_ context.Context, t *entities.StatusTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[t.TransactionID]
	if !ok {
		return entities.ErrTransactionNotFound
	}
	if tx.Version != t.ExpectedVersion {
		return entities.ErrVersionConflict
	}
	tx.Status = t.To
	tx.Version++
	tx.UpdatedAt = t.OccurredAt
	if entities.IsTerminalStatus(tx.Kind, t.To) {
		tx.CheckAttempts = 0
		tx.NextCheckAt = nil
	}
	for _, intent := range t.Intents {
		if !intent.Inline() {
			s.intents = append(s.intents, intent)
		}
	}
	return nil
}

func (s *memoryStore) ListDueForCheck(_ context.Context, kind entities.TransactionKind, staleBefore, now time.Time, limit int) ([]*entities.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*entities.Transaction
	for _, tx := range s.txs {
		if tx.Kind != kind || !entities.IsPendingLike(tx.Kind, tx.Status) || tx.UpdatedAt.After(staleBefore) {
			continue
		}
		if tx.NextCheckAt != nil && tx.NextCheckAt.After(now) {
			continue
		}
		cp := *tx
		due = append(due, &cp)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *memoryStore) RecordCheckAttempt(_ context.Context, id uuid.UUID, attempts int, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.txs[id]
	tx.CheckAttempts = attempts
	tx.NextCheckAt = &next
	return nil
}

func (s *memoryStore) countIntents(t entities.IntentType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, i := range s.intents {
		if i.Type == t {
			n++
		}
	}
	return n
}

type alertSink struct {
	mu     sync.Mutex
	alerts []entities.OperatorAlert
}

func (a *alertSink) Alert(_ context.Context, alert entities.OperatorAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

type pollerFixture struct {
	poller  *Poller
	store   *memoryStore
	gateway *gateway.Simulated
	alerts  *alertSink
	clock   time.Time
}

func newPollerFixture(t *testing.T, cfg Config) *pollerFixture {
	t.Helper()
	store := newMemoryStore()
	sim := gateway.NewSimulated(zap.NewNop())
	alerts := &alertSink{}
	eng := engine.NewEngine(store, idempotency.NewMemoryLedger(time.Hour),
		statemachine.NewMappingStore(statemachine.DefaultMapping()), alerts, logger.NewNop(), engine.DefaultConfig())

	pool := dispatcher.New(4, 16, zap.NewNop())
	t.Cleanup(pool.Stop)

	p, err := NewPoller(cfg, store, gateway.Single{Client: sim}, eng, pool, logger.NewNop())
	require.NoError(t, err)

	f := &pollerFixture{poller: p, store: store, gateway: sim, alerts: alerts, clock: time.Now().Add(24 * time.Hour)}
	p.now = func() time.Time { return f.clock }
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CheckTimeout = 5 * time.Millisecond
	cfg.Jitter = 0
	return cfg
}

func TestPoller_ConsecutiveTimeoutsEscalateToManualReview(t *testing.T) {
	f := newPollerFixture(t, testConfig())
	f.gateway.SetLatency(200 * time.Millisecond)
	tx := f.store.add(entities.TransactionKindPayment, "ext_slow", time.Now().Add(-time.Hour))
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		res, err := f.poller.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Retried, "sweep %d", i)

		got := f.store.get(tx.ID)
		assert.Equal(t, entities.StatusPending, got.Status)
		assert.Equal(t, i, got.CheckAttempts)
		f.clock = f.clock.Add(time.Hour)
	}

	res, err := f.poller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)

	got := f.store.get(tx.ID)
	assert.Equal(t, entities.StatusManualReview, got.Status)
	assert.NotEqual(t, entities.StatusFailed, got.Status)
	assert.Equal(t, 1, f.store.countIntents(entities.IntentAlertOperator))
	assert.Zero(t, f.store.countIntents(entities.IntentCreditLedger))

	f.alerts.mu.Lock()
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, entities.AlertSeverityCritical, f.alerts.alerts[0].Severity)
	f.alerts.mu.Unlock()

	f.clock = f.clock.Add(time.Hour)
	res, err = f.poller.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
}

func TestPoller_SettlesFromPolledStatus(t *testing.T) {
	f := newPollerFixture(t, testConfig())
	tx := f.store.add(entities.TransactionKindPayment, "ext_1", time.Now().Add(-time.Hour))
	f.gateway.Script("ext_1", "processing", "paid")
	ctx := context.Background()

	res, err := f.poller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	got := f.store.get(tx.ID)
	assert.Equal(t, entities.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.CheckAttempts)

	f.clock = f.clock.Add(time.Hour)
	res, err = f.poller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	got = f.store.get(tx.ID)
	assert.Equal(t, entities.StatusPaid, got.Status)
	assert.Zero(t, got.CheckAttempts)
	assert.Equal(t, 1, f.store.countIntents(entities.IntentCreditLedger))
}

func TestPoller_SkipsFreshAndScheduledTransactions(t *testing.T) {
	f := newPollerFixture(t, testConfig())
	f.store.add(entities.TransactionKindPayment, "ext_fresh", f.clock.Add(-time.Minute))
	scheduled := f.store.add(entities.TransactionKindWithdrawal, "ext_later", time.Now().Add(-time.Hour))
	require.NoError(t, f.store.RecordCheckAttempt(context.Background(), scheduled.ID, 1, f.clock.Add(time.Minute)))

	res, err := f.poller.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
}

func TestPoller_MissingReferenceEventuallyEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChecks = 2
	f := newPollerFixture(t, cfg)
	tx := f.store.add(entities.TransactionKindWithdrawal, "", time.Now().Add(-time.Hour))

	_, err := f.poller.Sweep(context.Background())
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Hour)
	_, err = f.poller.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, entities.StatusManualReview, f.store.get(tx.ID).Status)
}

func TestPoller_BackoffGrowsAndCaps(t *testing.T) {
	cfg := testConfig()
	cfg.BaseBackoff = time.Second
	cfg.MaxBackoff = 5 * time.Second
	f := newPollerFixture(t, cfg)

	assert.Equal(t, time.Second, f.poller.backoffDelay(1))
	assert.Equal(t, 2*time.Second, f.poller.backoffDelay(2))
	assert.Equal(t, 4*time.Second, f.poller.backoffDelay(3))
	assert.Equal(t, 5*time.Second, f.poller.backoffDelay(6))
}

func TestPoller_BackoffJitterStaysInBounds(t *testing.T) {
	cfg := testConfig()
	cfg.BaseBackoff = 10 * time.Second
	cfg.Jitter = 0.5
	f := newPollerFixture(t, cfg)

	for i := 0; i < 50; i++ {
		d := f.poller.backoffDelay(1)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}

func TestNewPoller_RejectsInvalidSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule = "every now and then"
	_, err := NewPoller(cfg, newMemoryStore(), gateway.Single{Client: gateway.NewSimulated(zap.NewNop())}, nil, nil, logger.NewNop())
	assert.Error(t, err)
}

type failingReconciler struct {
	mu        sync.Mutex
	reports   int
	escalated []int
	reportErr error
}

func (r *failingReconciler) ReportStatus(_ context.Context, id uuid.UUID, _ string, _ time.Time, _ string, _ entities.StatusSource) (*entities.ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports++
	return nil, r.reportErr
}

func (r *failingReconciler) EscalateStale(_ context.Context, id uuid.UUID, attempts int, _ time.Time) (*entities.ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalated = append(r.escalated, attempts)
	return &entities.ReconcileResult{TransactionID: id, Outcome: entities.OutcomeApplied, Status: entities.StatusManualReview}, nil
}

func TestPoller_ApplyFailuresBackOffAndEscalate(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChecks = 3
	store := newMemoryStore()
	sim := gateway.NewSimulated(zap.NewNop())
	sim.Script("ext_paid", "paid")
	rec := &failingReconciler{reportErr: &entities.IntentApplicationError{
		TransactionID: uuid.New(),
		To:            entities.StatusPaid,
		Err:           entities.ErrVersionConflict,
	}}
	pool := dispatcher.New(2, 8, zap.NewNop())
	t.Cleanup(pool.Stop)

	p, err := NewPoller(cfg, store, gateway.Single{Client: sim}, rec, pool, logger.NewNop())
	require.NoError(t, err)
	clock := time.Now().Add(24 * time.Hour)
	p.now = func() time.Time { return clock }

	tx := store.add(entities.TransactionKindPayment, "ext_paid", time.Now().Add(-time.Hour))
	ctx := context.Background()

	for i := 1; i < cfg.MaxChecks; i++ {
		res, err := p.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Retried, "sweep %d", i)
		assert.Zero(t, res.Failed)

		got := store.get(tx.ID)
		assert.Equal(t, i, got.CheckAttempts)
		require.NotNil(t, got.NextCheckAt)
		assert.True(t, got.NextCheckAt.After(clock))

		res, err = p.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Checked, "backoff must hold the next check")

		clock = clock.Add(time.Hour)
	}

	res, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, cfg.MaxChecks, rec.reports)
	assert.Equal(t, []int{cfg.MaxChecks}, rec.escalated)
}

type facilitatorClients map[uuid.UUID]gateway.Client

func (m facilitatorClients) ClientFor(_ context.Context, id *uuid.UUID) (gateway.Client, error) {
	if id == nil {
		return nil, entities.ErrFacilitatorUnavailable
	}
	client, ok := m[*id]
	if !ok {
		return nil, entities.ErrFacilitatorNotFound
	}
	return client, nil
}

func TestPoller_ChecksWithOwningFacilitator(t *testing.T) {
	store := newMemoryStore()
	acme := gateway.NewSimulated(zap.NewNop())
	backup := gateway.NewSimulated(zap.NewNop())
	backup.Script("ext_backup", "paid")
	acmeID, backupID := uuid.New(), uuid.New()

	eng := engine.NewEngine(store, idempotency.NewMemoryLedger(time.Hour),
		statemachine.NewMappingStore(statemachine.DefaultMapping()), &alertSink{}, logger.NewNop(), engine.DefaultConfig())
	pool := dispatcher.New(2, 8, zap.NewNop())
	t.Cleanup(pool.Stop)

	p, err := NewPoller(testConfig(), store, facilitatorClients{acmeID: acme, backupID: backup}, eng, pool, logger.NewNop())
	require.NoError(t, err)
	p.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	routed := store.add(entities.TransactionKindPayment, "ext_backup", time.Now().Add(-time.Hour))
	routed.FacilitatorID = &backupID
	orphan := store.add(entities.TransactionKindPayment, "ext_orphan", time.Now().Add(-time.Hour))
	unknown := uuid.New()
	orphan.FacilitatorID = &unknown

	res, err := p.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 1, res.Retried)

	assert.Equal(t, entities.StatusPaid, store.get(routed.ID).Status)
	got := store.get(orphan.ID)
	assert.Equal(t, entities.StatusPending, got.Status)
	assert.Equal(t, 1, got.CheckAttempts)
}
