package gateway

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/pkg/circuitbreaker"
	"github.com/pix-service/pix_service/pkg/metrics"
)

// GuardConfig configures the breaker and the outbound limiter
type GuardConfig struct {
	Name              string
	RequestsPerSecond float64
	Burst             int
	FailureThreshold  uint32
	OpenTimeout       time.Duration
}

// Guarded wraps a Client with a circuit breaker and a rate limiter and
// classifies failures into *entities.TransientGatewayError or permanent errors.
type Guarded struct {
	next    Client
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewGuarded wraps next
func NewGuarded(next Client, cfg GuardConfig, logger *zap.Logger) *Guarded {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "pix-gateway"
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             cfg.Name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          cfg.OpenTimeout,
		FailureThreshold: cfg.FailureThreshold,
		IsFailure:        isTransient,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("Gateway circuit breaker state changed",
				zap.String("breaker", cfg.Name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Guarded{
		next:    next,
		breaker: breaker,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// CheckStatus implements Client
func (g *Guarded) CheckStatus(ctx context.Context, kind entities.TransactionKind, externalReference string) (*StatusReport, error) {
	var report *StatusReport
	err := g.call(ctx, "check_status", func() error {
		var err error
		report, err = g.next.CheckStatus(ctx, kind, externalReference)
		return err
	})
	return report, err
}

// CreatePayment implements Client
func (g *Guarded) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error) {
	var resp *CreatePaymentResponse
	err := g.call(ctx, "create_payment", func() error {
		var err error
		resp, err = g.next.CreatePayment(ctx, req)
		return err
	})
	return resp, err
}

// CreateWithdrawal implements Client
func (g *Guarded) CreateWithdrawal(ctx context.Context, req *CreateWithdrawalRequest) (*CreateWithdrawalResponse, error) {
	var resp *CreateWithdrawalResponse
	err := g.call(ctx, "create_withdrawal", func() error {
		var err error
		resp, err = g.next.CreateWithdrawal(ctx, req)
		return err
	})
	return resp, err
}

// BreakerState exposes the breaker state for health reporting
func (g *Guarded) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}

func (g *Guarded) call(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	if err := g.limiter.Wait(ctx); err != nil {
		return &entities.TransientGatewayError{Op: op, Err: err}
	}

	err := g.breaker.Execute(ctx, fn)
	if err == nil {
		return nil
	}
	if circuitbreaker.IsRejected(err) || isTransient(err) {
		return &entities.TransientGatewayError{Op: op, Err: err}
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return entities.IsTransientGatewayError(err)
}
