// Package intent_relay publishes deferred side-effect intents from the
// transaction outbox to Kafka. Delivery is at-least-once; consumers dedupe on
// the intent id carried in every message.
package intent_relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/pkg/logger"
	"github.com/pix-service/pix_service/pkg/metrics"
)

// Outbox is the intent store the relay drains
type Outbox interface {
	ClaimPendingIntents(ctx context.Context, limit int, lease time.Duration) ([]*entities.OutboxIntent, error)
	MarkIntentDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkIntentFailed(ctx context.Context, id uuid.UUID, cause string, maxAttempts int) (entities.OutboxStatus, error)
}

// MessageWriter is satisfied by *kafka.Writer
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Topics routes intents by type
type Topics struct {
	Ledger       string
	Notification string
	Alert        string
}

// Config tunes the relay
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Lease        time.Duration
	Topics       Topics
}

// Message is the JSON envelope published for every intent
type Message struct {
	IntentID      uuid.UUID                `json:"intent_id"`
	TransactionID uuid.UUID                `json:"transaction_id"`
	Kind          entities.TransactionKind `json:"kind"`
	Type          entities.IntentType      `json:"type"`
	Payload       entities.StringMap       `json:"payload"`
	CreatedAt     time.Time                `json:"created_at"`
}

// NewKafkaWriter builds a synchronous writer that routes by message topic and
// partitions by transaction id
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
}

// Relay polls the outbox and publishes intents
type Relay struct {
	cfg    Config
	outbox Outbox
	writer MessageWriter
	logger *logger.Logger
	now    func() time.Time

	wg             sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewRelay creates an intent relay
func NewRelay(cfg Config, outbox Outbox, writer MessageWriter, log *logger.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:            cfg,
		outbox:         outbox,
		writer:         writer,
		logger:         log,
		now:            time.Now,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// Start begins relaying
func (r *Relay) Start(ctx context.Context) {
	r.logger.Info("Starting intent relay", "poll_interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)
	r.wg.Add(1)
	go r.worker(ctx)
}

// Shutdown stops the relay
func (r *Relay) Shutdown(timeout time.Duration) error {
	r.shutdownCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (r *Relay) worker(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdownCtx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				r.logger.Error("Intent relay batch failed", "error", err)
			}
		}
	}
}

// RelayOnce claims one batch and publishes it, returning how many were delivered
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	intents, err := r.outbox.ClaimPendingIntents(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim intents: %w", err)
	}

	delivered := 0
	for _, intent := range intents {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if r.publish(ctx, intent) {
			delivered++
		}
	}
	return delivered, nil
}

func (r *Relay) publish(ctx context.Context, intent *entities.OutboxIntent) bool {
	msg, err := r.message(intent)
	if err == nil {
		err = r.writer.WriteMessages(ctx, msg)
	}
	if err != nil {
		status, markErr := r.outbox.MarkIntentFailed(ctx, intent.ID, err.Error(), r.cfg.MaxAttempts)
		if markErr != nil {
			r.logger.Error("Failed to record intent failure", "intent_id", intent.ID, "error", markErr)
			return false
		}
		if status == entities.OutboxDead {
			metrics.OutboxDispatchTotal.WithLabelValues(string(intent.Type), "dead").Inc()
			r.logger.Error("Intent dead-lettered",
				"intent_id", intent.ID,
				"transaction_id", intent.TransactionID,
				"type", intent.Type,
				"attempts", intent.Attempts+1,
				"error", err,
			)
			return false
		}
		metrics.OutboxDispatchTotal.WithLabelValues(string(intent.Type), "retry").Inc()
		r.logger.Warn("Intent publish failed, will retry",
			"intent_id", intent.ID,
			"type", intent.Type,
			"attempt", intent.Attempts+1,
			"error", err,
		)
		return false
	}

	if err := r.outbox.MarkIntentDispatched(ctx, intent.ID, r.now()); err != nil {
		r.logger.Error("Failed to mark intent dispatched", "intent_id", intent.ID, "error", err)
		return false
	}
	metrics.OutboxDispatchTotal.WithLabelValues(string(intent.Type), "dispatched").Inc()
	return true
}

func (r *Relay) message(intent *entities.OutboxIntent) (kafka.Message, error) {
	topic := r.topicFor(intent.Type)
	if topic == "" {
		return kafka.Message{}, fmt.Errorf("no topic configured for intent type %q", intent.Type)
	}
	value, err := json.Marshal(Message{
		IntentID:      intent.ID,
		TransactionID: intent.TransactionID,
		Kind:          intent.Kind,
		Type:          intent.Type,
		Payload:       intent.Payload,
		CreatedAt:     intent.CreatedAt,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode intent: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(intent.TransactionID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "intent-id", Value: []byte(intent.ID.String())},
			{Key: "intent-type", Value: []byte(intent.Type)},
		},
	}, nil
}

func (r *Relay) topicFor(t entities.IntentType) string {
	switch t {
	case entities.IntentCreditLedger, entities.IntentReleaseHold:
		return r.cfg.Topics.Ledger
	case entities.IntentNotifyUser:
		return r.cfg.Topics.Notification
	case entities.IntentAlertOperator:
		return r.cfg.Topics.Alert
	default:
		return ""
	}
}
