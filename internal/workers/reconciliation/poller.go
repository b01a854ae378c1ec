// Package reconciliation holds the poller that actively checks transactions the
// gateway has gone quiet about. Each check feeds the engine like a webhook
// would; checks that keep failing back off and finally escalate to manual review.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/infrastructure/adapters/gateway"
	"github.com/pix-service/pix_service/internal/workers/dispatcher"
	"github.com/pix-service/pix_service/pkg/logger"
	"github.com/pix-service/pix_service/pkg/metrics"
	"github.com/pix-service/pix_service/pkg/tracing"
)

// Repository is the persistence the poller needs
type Repository interface {
	ListDueForCheck(ctx context.Context, kind entities.TransactionKind, staleBefore, now time.Time, limit int) ([]*entities.Transaction, error)
	RecordCheckAttempt(ctx context.Context, id uuid.UUID, attempts int, nextCheckAt time.Time) error
}

// Reconciler is the engine surface the poller drives
type Reconciler interface {
	ReportStatus(ctx context.Context, id uuid.UUID, externalStatus string, externalTimestamp time.Time, idempotencyKey string, source entities.StatusSource) (*entities.ReconcileResult, error)
	EscalateStale(ctx context.Context, id uuid.UUID, attempts int, stuckSince time.Time) (*entities.ReconcileResult, error)
}

// Submitter runs check jobs concurrently
type Submitter interface {
	Submit(ctx context.Context, job dispatcher.Job) <-chan error
}

// Config tunes the poller
type Config struct {
	Schedule             string
	PaymentStaleAfter    time.Duration
	WithdrawalStaleAfter time.Duration
	MaxChecks            int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	Jitter               float64
	CheckTimeout         time.Duration
	BatchSize            int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Schedule:             "@every 30s",
		PaymentStaleAfter:    10 * time.Minute,
		WithdrawalStaleAfter: 30 * time.Minute,
		MaxChecks:            5,
		BaseBackoff:          30 * time.Second,
		MaxBackoff:           30 * time.Minute,
		Jitter:               0.5,
		CheckTimeout:         10 * time.Second,
		BatchSize:            100,
	}
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Checked   int `json:"checked"`
	Settled   int `json:"settled"`
	Retried   int `json:"retried"`
	Escalated int `json:"escalated"`
	Failed    int `json:"failed"`
}

type checkOutcome int

const (
	checkSettled checkOutcome = iota
	checkRetried
	checkEscalated
)

// Poller periodically checks stale non-terminal transactions
type Poller struct {
	cfg      Config
	repo     Repository
	gateways gateway.Resolver
	engine   Reconciler
	pool     Submitter
	logger   *logger.Logger
	now      func() time.Time

	cron     *cron.Cron
	sweeping atomic.Bool

	wg             sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewPoller creates a poller. gateways resolves the client of the facilitator
// that created each transaction.
func NewPoller(cfg Config, repo Repository, gateways gateway.Resolver, engine Reconciler, pool Submitter, log *logger.Logger) (*Poller, error) {
	if cfg.MaxChecks <= 0 {
		return nil, fmt.Errorf("max checks must be positive, got %d", cfg.MaxChecks)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid reconciliation schedule %q: %w", cfg.Schedule, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		cfg:            cfg,
		repo:           repo,
		gateways:       gateways,
		engine:         engine,
		pool:           pool,
		logger:         log,
		now:            time.Now,
		cron:           cron.New(),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}, nil
}

// Start schedules sweeps
func (p *Poller) Start() error {
	_, err := p.cron.AddFunc(p.cfg.Schedule, func() {
		p.wg.Add(1)
		defer p.wg.Done()
		if _, err := p.Sweep(p.shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("Reconciliation sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciliation sweep: %w", err)
	}
	p.cron.Start()
	p.logger.Info("Reconciliation poller started", "schedule", p.cfg.Schedule, "max_checks", p.cfg.MaxChecks)
	return nil
}

// Shutdown stops scheduling and waits for a running sweep
func (p *Poller) Shutdown(timeout time.Duration) error {
	cronDone := p.cron.Stop()
	p.shutdownCancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// Sweep checks every due transaction once. Overlapping sweeps are skipped.
func (p *Poller) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	if !p.sweeping.CompareAndSwap(false, true) {
		p.logger.Debug("Reconciliation sweep already running, skipping")
		return result, nil
	}
	defer p.sweeping.Store(false)

	now := p.now()
	var due []*entities.Transaction
	for _, kind := range []entities.TransactionKind{entities.TransactionKindPayment, entities.TransactionKindWithdrawal} {
		txs, err := p.repo.ListDueForCheck(ctx, kind, now.Add(-p.staleAfter(kind)), now, p.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list due %s transactions: %w", kind, err)
		}
		due = append(due, txs...)
	}
	if len(due) == 0 {
		return result, nil
	}

	var (
		mu      sync.Mutex
		results = make([]<-chan error, 0, len(due))
	)
	for _, tx := range due {
		tx := tx
		results = append(results, p.pool.Submit(ctx, func(jobCtx context.Context) error {
			outcome, err := p.check(jobCtx, tx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
			case outcome == checkSettled:
				result.Settled++
			case outcome == checkRetried:
				result.Retried++
			case outcome == checkEscalated:
				result.Escalated++
			}
			return err
		}))
	}

	for i, r := range results {
		if err := <-r; err != nil {
			p.logger.Warn("Status check failed", "transaction_id", due[i].ID, "error", err)
		}
	}
	result.Checked = len(due)

	p.logger.Info("Reconciliation sweep finished",
		"checked", result.Checked,
		"settled", result.Settled,
		"retried", result.Retried,
		"escalated", result.Escalated,
		"failed", result.Failed,
	)
	return result, nil
}

func (p *Poller) check(ctx context.Context, tx *entities.Transaction) (checkOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "reconciliation.poller.check",
		attribute.String("transaction.id", tx.ID.String()),
		attribute.String("transaction.kind", string(tx.Kind)),
		attribute.Int("check.attempts", tx.CheckAttempts),
	)
	defer span.End()

	if tx.CheckAttempts >= p.cfg.MaxChecks {
		return p.escalate(ctx, tx, tx.CheckAttempts)
	}
	if tx.ExternalReference == nil || *tx.ExternalReference == "" {
		metrics.GatewayChecksTotal.WithLabelValues(string(tx.Kind), "no_reference").Inc()
		return p.retry(ctx, tx, errors.New("transaction has no gateway reference"))
	}

	client, err := p.gateways.ClientFor(ctx, tx.FacilitatorID)
	if err != nil {
		metrics.GatewayChecksTotal.WithLabelValues(string(tx.Kind), "no_facilitator").Inc()
		return p.retry(ctx, tx, err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	report, err := client.CheckStatus(checkCtx, tx.Kind, *tx.ExternalReference)
	cancel()
	if err != nil {
		label := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			label = "timeout"
		}
		metrics.GatewayChecksTotal.WithLabelValues(string(tx.Kind), label).Inc()
		span.RecordError(err)
		if ctx.Err() != nil {
			return checkRetried, ctx.Err()
		}
		return p.retry(ctx, tx, err)
	}
	metrics.GatewayChecksTotal.WithLabelValues(string(tx.Kind), "ok").Inc()

	res, err := p.engine.ReportStatus(ctx, tx.ID, report.Status, report.Timestamp, report.EventID, entities.SourcePoller)
	if err != nil {
		if !errors.Is(err, entities.ErrUnmappedStatus) {
			span.SetStatus(codes.Error, err.Error())
		}
		if ctx.Err() != nil {
			return checkRetried, ctx.Err()
		}
		return p.retry(ctx, tx, fmt.Errorf("failed to apply polled status: %w", err))
	}
	span.SetAttributes(attribute.String("reconcile.outcome", string(res.Outcome)))

	if entities.IsTerminalStatus(tx.Kind, res.Status) {
		return checkSettled, nil
	}
	return p.retry(ctx, tx, nil)
}

// retry counts a check that did not settle the transaction. It never drops the
// transaction: it is either rescheduled or escalated.
func (p *Poller) retry(ctx context.Context, tx *entities.Transaction, cause error) (checkOutcome, error) {
	attempts := tx.CheckAttempts + 1
	if attempts >= p.cfg.MaxChecks {
		return p.escalate(ctx, tx, attempts)
	}

	next := p.now().Add(p.backoffDelay(attempts))
	if err := p.repo.RecordCheckAttempt(ctx, tx.ID, attempts, next); err != nil {
		return checkRetried, err
	}
	fields := []interface{}{"transaction_id", tx.ID, "attempt", attempts, "next_check_at", next}
	if cause != nil {
		fields = append(fields, "cause", cause)
	}
	p.logger.Info("Status check rescheduled", fields...)
	return checkRetried, nil
}

func (p *Poller) escalate(ctx context.Context, tx *entities.Transaction, attempts int) (checkOutcome, error) {
	if _, err := p.engine.EscalateStale(ctx, tx.ID, attempts, tx.UpdatedAt); err != nil {
		return checkEscalated, fmt.Errorf("failed to escalate stale transaction: %w", err)
	}
	return checkEscalated, nil
}

// backoffDelay returns the jittered exponential delay before check attempt n+1
func (p *Poller) backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = p.cfg.Jitter
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *Poller) staleAfter(kind entities.TransactionKind) time.Duration {
	if kind == entities.TransactionKindWithdrawal {
		return p.cfg.WithdrawalStaleAfter
	}
	return p.cfg.PaymentStaleAfter
}
