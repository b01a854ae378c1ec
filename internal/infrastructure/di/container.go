// Package di assembles the service graph from configuration.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/domain/services/audit"
	"github.com/pix-service/pix_service/internal/domain/services/facilitator"
	"github.com/pix-service/pix_service/internal/domain/services/idempotency"
	"github.com/pix-service/pix_service/internal/domain/services/reconciliation"
	"github.com/pix-service/pix_service/internal/domain/services/statemachine"
	"github.com/pix-service/pix_service/internal/domain/services/transaction"
	"github.com/pix-service/pix_service/internal/infrastructure/adapters/alerting"
	"github.com/pix-service/pix_service/internal/infrastructure/adapters/gateway"
	"github.com/pix-service/pix_service/internal/infrastructure/config"
	"github.com/pix-service/pix_service/internal/infrastructure/repositories"
	"github.com/pix-service/pix_service/internal/workers/dispatcher"
	"github.com/pix-service/pix_service/internal/workers/intent_relay"
	poller "github.com/pix-service/pix_service/internal/workers/reconciliation"
	"github.com/pix-service/pix_service/pkg/logger"
	"github.com/pix-service/pix_service/pkg/security"
	"github.com/pix-service/pix_service/pkg/validation"
)

// Container holds every long-lived dependency of the service
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Logger *logger.Logger
	ZapLog *zap.Logger

	Redis *redis.Client

	TransactionRepo *repositories.TransactionRepository
	OutboxRepo      *repositories.OutboxRepository
	AuditRepo       *repositories.AuditRepository
	FacilitatorRepo *repositories.FacilitatorRepository

	Mapping       *statemachine.MappingStore
	MappingLoader *config.MappingLoader
	Ledger        idempotency.Ledger
	Gateway       *gateway.Guarded
	Gateways      map[string]*gateway.Guarded
	Facilitators  *facilitator.Directory
	Alerter       alerting.Alerter
	AuditService  *audit.Service
	Engine        *reconciliation.Engine

	Pool               *dispatcher.Pool
	Poller             *poller.Poller
	Relay              *intent_relay.Relay
	TransactionService *transaction.Service

	Validator       *validation.Validator
	WebhookVerifier *security.WebhookVerifier

	closers []func() error
}

// NewContainer wires the service graph. Nothing is started here.
func NewContainer(ctx context.Context, cfg *config.Config, db *sqlx.DB, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		DB:     db,
		Logger: log,
		ZapLog: log.Zap(),
	}

	c.TransactionRepo = repositories.NewTransactionRepository(db)
	c.OutboxRepo = repositories.NewOutboxRepository(db)
	c.AuditRepo = repositories.NewAuditRepository(db)
	c.FacilitatorRepo = repositories.NewFacilitatorRepository(db)

	if err := c.initMapping(); err != nil {
		return nil, err
	}
	if err := c.initLedger(ctx); err != nil {
		return nil, err
	}
	c.initGateways()
	c.initAlerter()

	c.AuditService = audit.NewService(c.AuditRepo, c.ZapLog)

	c.Engine = reconciliation.NewEngine(c.TransactionRepo, c.Ledger, c.Mapping, c.Alerter, log, reconciliation.Config{
		ApplyRetries:         cfg.Reconciliation.ApplyRetries,
		ApplyInitialInterval: reconciliation.DefaultConfig().ApplyInitialInterval,
		ApplyMaxInterval:     reconciliation.DefaultConfig().ApplyMaxInterval,
	})
	c.Engine.SetAuditLogger(c.AuditService)

	c.Pool = dispatcher.New(cfg.Reconciliation.Workers, cfg.Reconciliation.QueueDepth, c.ZapLog)
	c.closers = append(c.closers, func() error { c.Pool.Stop(); return nil })

	p, err := poller.NewPoller(PollerConfig(cfg), c.TransactionRepo, c.Facilitators, c.Engine, c.Pool, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciliation poller: %w", err)
	}
	c.Poller = p

	c.initRelay()

	c.TransactionService = transaction.NewService(c.TransactionRepo, c.Facilitators, c.Engine, log, transaction.Config{
		FirstCheckAfter: transaction.DefaultConfig().FirstCheckAfter,
		GatewayTimeout:  cfg.Gateway.Timeout,
	})
	c.TransactionService.SetAuditService(c.AuditService)

	c.Validator = validation.NewValidator()
	c.WebhookVerifier = security.NewWebhookVerifier(cfg.Webhook.Secrets, cfg.Webhook.Tolerance, c.ZapLog)

	return c, nil
}

// PollerConfig maps the reconciliation section onto the poller settings
func PollerConfig(cfg *config.Config) poller.Config {
	r := cfg.Reconciliation
	return poller.Config{
		Schedule:             r.Schedule,
		PaymentStaleAfter:    r.PaymentStaleAfter,
		WithdrawalStaleAfter: r.WithdrawalStaleAfter,
		MaxChecks:            r.MaxChecks,
		BaseBackoff:          r.BaseBackoff,
		MaxBackoff:           r.MaxBackoff,
		Jitter:               r.Jitter,
		CheckTimeout:         r.CheckTimeout,
		BatchSize:            r.BatchSize,
	}
}

func (c *Container) initMapping() error {
	c.Mapping = statemachine.NewMappingStore(statemachine.DefaultMapping())
	if c.Config.Gateway.StatusMappingFile == "" {
		return nil
	}
	loader, err := config.NewMappingLoader(c.Config.Gateway.StatusMappingFile, c.Mapping, c.ZapLog)
	if err != nil {
		return fmt.Errorf("failed to load status mapping: %w", err)
	}
	c.MappingLoader = loader
	return nil
}

func (c *Container) initLedger(ctx context.Context) error {
	ttl := c.Config.Redis.IdempotencyTTL
	if c.Config.Redis.Addr == "" {
		c.Logger.Warn("Redis not configured, using in-memory idempotency ledger")
		c.Ledger = idempotency.NewMemoryLedger(ttl)
		return nil
	}

	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Addr,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Redis.Ping(pingCtx).Err(); err != nil {
		_ = c.Redis.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.closers = append(c.closers, c.Redis.Close)
	c.Ledger = idempotency.NewRedisLedger(c.Redis, ttl, c.ZapLog)
	return nil
}

// initGateways builds one guarded client per facilitator. Gateway is the
// default facilitator's client and backs the health check.
func (c *Container) initGateways() {
	gw := c.Config.Gateway
	c.Gateways = make(map[string]*gateway.Guarded)
	clients := make(map[string]gateway.Client)
	for _, f := range c.Config.EffectiveFacilitators() {
		var client gateway.Client
		switch f.Client {
		case "http":
			client = gateway.NewHTTPClient(gateway.HTTPConfig{
				BaseURL: f.BaseURL,
				APIKey:  f.APIKey,
				Timeout: gw.Timeout,
			}, c.ZapLog.With(zap.String("facilitator", f.Provider)))
		default:
			client = gateway.NewSimulated(c.ZapLog.With(zap.String("facilitator", f.Provider)))
		}
		guarded := gateway.NewGuarded(client, gateway.GuardConfig{
			Name:              "pix-gateway-" + f.Provider,
			RequestsPerSecond: gw.RequestsPerSecond,
			Burst:             gw.Burst,
			FailureThreshold:  gw.BreakerFailures,
			OpenTimeout:       gw.BreakerOpenTimeout,
		}, c.ZapLog)
		c.Gateways[f.Provider] = guarded
		clients[f.Provider] = guarded
		if f.Default || c.Gateway == nil {
			c.Gateway = guarded
		}
	}
	c.Facilitators = facilitator.NewDirectory(c.FacilitatorRepo, clients, c.Logger)
}

// SyncFacilitators stores the configured facilitators. It runs after migrations.
func (c *Container) SyncFacilitators(ctx context.Context) error {
	cfgs := c.Config.EffectiveFacilitators()
	fs := make([]*entities.Facilitator, 0, len(cfgs))
	for _, f := range cfgs {
		fs = append(fs, &entities.Facilitator{
			Name:      f.Name,
			Provider:  f.Provider,
			Config:    entities.JSONMap{"client": f.Client, "base_url": f.BaseURL},
			IsActive:  !f.Disabled,
			IsDefault: f.Default,
		})
	}
	if err := c.Facilitators.Sync(ctx, fs); err != nil {
		return fmt.Errorf("failed to sync payment facilitators: %w", err)
	}
	return nil
}

func (c *Container) initAlerter() {
	alerters := alerting.Multi{alerting.NewLogAlerter(c.ZapLog)}
	a := c.Config.Alerts
	if a.SendgridAPIKey != "" {
		email, err := alerting.NewEmailAlerter(alerting.EmailConfig{
			APIKey:    a.SendgridAPIKey,
			FromEmail: a.FromEmail,
			FromName:  a.FromName,
			To:        a.OpsEmail,
		}, c.ZapLog)
		if err != nil {
			c.Logger.Warn("Email alerts disabled", "error", err)
		} else {
			alerters = append(alerters, email)
		}
	}
	c.Alerter = alerters
}

func (c *Container) initRelay() {
	o := c.Config.Outbox
	k := c.Config.Kafka
	if !o.Enabled {
		return
	}
	if len(k.Brokers) == 0 {
		c.Logger.Warn("Kafka brokers not configured, deferred intents stay in the outbox")
		return
	}
	writer := intent_relay.NewKafkaWriter(k.Brokers)
	c.closers = append(c.closers, writer.Close)
	c.Relay = intent_relay.NewRelay(intent_relay.Config{
		PollInterval: o.PollInterval,
		BatchSize:    o.BatchSize,
		MaxAttempts:  o.MaxAttempts,
		Topics: intent_relay.Topics{
			Ledger:       k.LedgerTopic,
			Notification: k.NotificationTopic,
			Alert:        k.AlertTopic,
		},
	}, c.OutboxRepo, writer, c.Logger)
}

// Close releases pooled resources in reverse order of creation
func (c *Container) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closers = nil
	return firstErr
}
