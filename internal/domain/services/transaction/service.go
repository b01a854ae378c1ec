// Package transaction implements the user-facing PIX payment and withdrawal flows.
// Every status change goes through the reconciliation engine, including the
// gateway's acknowledgement at creation time.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/infrastructure/adapters/gateway"
	"github.com/pix-service/pix_service/pkg/logger"
)

// Repository is the persistence the service needs
type Repository interface {
	Create(ctx context.Context, tx *entities.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Transaction, error)
	GetByIDForUser(ctx context.Context, id, userID uuid.UUID, kind entities.TransactionKind) (*entities.Transaction, error)
	List(ctx context.Context, filter entities.TransactionFilter) ([]*entities.Transaction, int, error)
	SetGatewayAck(ctx context.Context, id uuid.UUID, ack entities.GatewayAck) error
	ListManualReview(ctx context.Context, limit, offset int) ([]*entities.Transaction, int, error)
}

// Reconciler is the subset of the reconciliation engine used here
type Reconciler interface {
	Process(ctx context.Context, event entities.ReconciliationEvent) (*entities.ReconcileResult, error)
	ReportStatus(ctx context.Context, id uuid.UUID, externalStatus string, externalTimestamp time.Time, idempotencyKey string, source entities.StatusSource) (*entities.ReconcileResult, error)
	Cancel(ctx context.Context, id uuid.UUID, source entities.StatusSource) (*entities.ReconcileResult, error)
	Resolve(ctx context.Context, id uuid.UUID, target entities.TransactionStatus, operatorID uuid.UUID, note string) (*entities.ReconcileResult, error)
}

// Facilitators selects the gateway client for new and existing transactions
type Facilitators interface {
	gateway.Resolver
	Select(ctx context.Context, requested *uuid.UUID) (*entities.Facilitator, gateway.Client, error)
	Active(ctx context.Context) ([]*entities.Facilitator, error)
}

// AuditService records transaction creation
type AuditService interface {
	LogCreate(ctx context.Context, tx *entities.Transaction) error
}

// Config tunes the creation flow
type Config struct {
	FirstCheckAfter time.Duration
	GatewayTimeout  time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		FirstCheckAfter: 30 * time.Second,
		GatewayTimeout:  15 * time.Second,
	}
}

// CreatePaymentInput is a validated payment request. A nil FacilitatorID selects the default facilitator.
type CreatePaymentInput struct {
	UserID        uuid.UUID
	FacilitatorID *uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	Description   string
	PixKey        string
	PixKeyType    entities.PixKeyType
	ExpiresAt     *time.Time
	Metadata      map[string]interface{}
}

// CreateWithdrawalInput is a validated withdrawal request
type CreateWithdrawalInput struct {
	UserID        uuid.UUID
	FacilitatorID *uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	Description   string
	PixKey        string
	PixKeyType    entities.PixKeyType
	Metadata      map[string]interface{}
}

// ListResult is one page of transactions
type ListResult struct {
	Items  []*entities.Transaction `json:"data"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// Service handles PIX payments and withdrawals for users and operators
type Service struct {
	repo         Repository
	facilitators Facilitators
	engine       Reconciler
	audit        AuditService
	logger       *logger.Logger
	cfg          Config
	now          func() time.Time
}

// NewService creates a transaction service
func NewService(repo Repository, facilitators Facilitators, engine Reconciler, logger *logger.Logger, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.FirstCheckAfter <= 0 {
		cfg.FirstCheckAfter = def.FirstCheckAfter
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = def.GatewayTimeout
	}
	return &Service{
		repo:         repo,
		facilitators: facilitators,
		engine:       engine,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
	}
}

// SetAuditService sets the audit trail (optional)
func (s *Service) SetAuditService(a AuditService) {
	s.audit = a
}

// CreatePayment records a pending payment and requests a PIX charge from the gateway
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*entities.Transaction, error) {
	facilitator, client, err := s.facilitators.Select(ctx, in.FacilitatorID)
	if err != nil {
		return nil, err
	}

	tx := s.newTransaction(facilitator, entities.TransactionKindPayment, in.UserID, in.Amount, in.Currency, in.Description, in.PixKey, in.PixKeyType, in.Metadata)
	if in.ExpiresAt != nil {
		expires := in.ExpiresAt.UTC()
		tx.ExpiresAt = &expires
	}
	if err := s.record(ctx, tx); err != nil {
		return nil, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	resp, err := client.CreatePayment(gwCtx, &gateway.CreatePaymentRequest{
		Reference:   tx.ID.String(),
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		PixKey:      tx.PixKey,
		PixKeyType:  tx.PixKeyType,
		Description: in.Description,
		ExpiresAt:   tx.ExpiresAt,
	})
	cancel()
	if err != nil {
		return s.failCreation(ctx, tx, err)
	}

	ack := entities.GatewayAck{
		ExternalReference: resp.ExternalReference,
		QRCode:            optional(resp.QRCode),
		ExpiresAt:         resp.ExpiresAt,
		NextCheckAt:       s.now().UTC().Add(s.cfg.FirstCheckAfter),
	}
	return s.acknowledge(ctx, tx, ack, resp.Status, resp.Timestamp)
}

// CreateWithdrawal records a pending withdrawal and asks the gateway to send the transfer
func (s *Service) CreateWithdrawal(ctx context.Context, in CreateWithdrawalInput) (*entities.Transaction, error) {
	facilitator, client, err := s.facilitators.Select(ctx, in.FacilitatorID)
	if err != nil {
		return nil, err
	}

	tx := s.newTransaction(facilitator, entities.TransactionKindWithdrawal, in.UserID, in.Amount, in.Currency, in.Description, in.PixKey, in.PixKeyType, in.Metadata)
	if err := s.record(ctx, tx); err != nil {
		return nil, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	resp, err := client.CreateWithdrawal(gwCtx, &gateway.CreateWithdrawalRequest{
		Reference:   tx.ID.String(),
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		PixKey:      tx.PixKey,
		PixKeyType:  tx.PixKeyType,
		Description: in.Description,
	})
	cancel()
	if err != nil {
		return s.failCreation(ctx, tx, err)
	}

	ack := entities.GatewayAck{
		ExternalReference: resp.ExternalReference,
		BankTransactionID: optional(resp.BankTransactionID),
		NextCheckAt:       s.now().UTC().Add(s.cfg.FirstCheckAfter),
	}
	return s.acknowledge(ctx, tx, ack, resp.Status, resp.Timestamp)
}

// Get returns one of the user's transactions with its history
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID, kind entities.TransactionKind) (*entities.Transaction, error) {
	return s.repo.GetByIDForUser(ctx, id, userID, kind)
}

// List returns a page of the user's transactions of kind
func (s *Service) List(ctx context.Context, userID uuid.UUID, kind entities.TransactionKind, filter entities.TransactionFilter) (*ListResult, error) {
	filter.UserID = &userID
	filter.Kind = kind
	filter.Normalize()
	if filter.Status != "" && !entities.IsKnownStatus(kind, filter.Status) {
		return &ListResult{Items: []*entities.Transaction{}, Limit: filter.Limit, Offset: filter.Offset}, nil
	}

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if items == nil {
		items = []*entities.Transaction{}
	}
	return &ListResult{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// CheckStatus asks the gateway for the current status and feeds the answer through the engine
func (s *Service) CheckStatus(ctx context.Context, userID, id uuid.UUID, kind entities.TransactionKind) (*entities.Transaction, *entities.ReconcileResult, error) {
	tx, err := s.repo.GetByIDForUser(ctx, id, userID, kind)
	if err != nil {
		return nil, nil, err
	}
	if tx.ExternalReference == nil || entities.IsTerminalStatus(tx.Kind, tx.Status) {
		return tx, &entities.ReconcileResult{
			TransactionID: tx.ID,
			Outcome:       entities.OutcomeNoopTerminal,
			Previous:      tx.Status,
			Status:        tx.Status,
		}, nil
	}

	client, err := s.facilitators.ClientFor(ctx, tx.FacilitatorID)
	if err != nil {
		return nil, nil, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	report, err := client.CheckStatus(gwCtx, tx.Kind, *tx.ExternalReference)
	cancel()
	if err != nil {
		s.logger.Warn("User-triggered status check failed",
			"transaction_id", tx.ID,
			"kind", tx.Kind,
			"error", err)
		return nil, nil, fmt.Errorf("status check failed: %w", err)
	}

	result, err := s.engine.ReportStatus(ctx, tx.ID, report.Status, report.Timestamp, report.EventID, entities.SourceAPI)
	if err != nil {
		return nil, result, err
	}
	updated, err := s.repo.GetByID(ctx, tx.ID)
	if err != nil {
		return nil, result, err
	}
	return updated, result, nil
}

// Cancel cancels one of the user's pending transactions
func (s *Service) Cancel(ctx context.Context, userID, id uuid.UUID, kind entities.TransactionKind) (*entities.Transaction, error) {
	tx, err := s.repo.GetByIDForUser(ctx, id, userID, kind)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.Cancel(ctx, tx.ID, entities.SourceAPI); err != nil {
		return nil, err
	}
	s.logger.Info("Transaction cancelled by user", "transaction_id", tx.ID, "kind", tx.Kind, "user_id", userID)
	return s.repo.GetByID(ctx, tx.ID)
}

// Facilitators lists the payment facilitators new transactions may use
func (s *Service) Facilitators(ctx context.Context) ([]*entities.Facilitator, error) {
	return s.facilitators.Active(ctx)
}

// Statuses returns the status table of kind
func (s *Service) Statuses(kind entities.TransactionKind) []entities.StatusInfo {
	return entities.Statuses(kind)
}

// ManualReviewQueue lists transactions waiting for an operator
func (s *Service) ManualReviewQueue(ctx context.Context, limit, offset int) (*ListResult, error) {
	filter := entities.TransactionFilter{Limit: limit, Offset: offset}
	filter.Normalize()
	items, total, err := s.repo.ListManualReview(ctx, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list manual review queue: %w", err)
	}
	if items == nil {
		items = []*entities.Transaction{}
	}
	return &ListResult{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Resolve applies an operator's decision to a transaction in manual review
func (s *Service) Resolve(ctx context.Context, operatorID, id uuid.UUID, target entities.TransactionStatus, note string) (*entities.Transaction, error) {
	if _, err := s.engine.Resolve(ctx, id, target, operatorID, strings.TrimSpace(note)); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) newTransaction(
	facilitator *entities.Facilitator,
	kind entities.TransactionKind,
	userID uuid.UUID,
	amount decimal.Decimal,
	currency, description, pixKey string,
	pixKeyType entities.PixKeyType,
	metadata map[string]interface{},
) *entities.Transaction {
	tx := entities.NewTransaction(kind, userID, amount, strings.ToUpper(currency), s.now().UTC())
	tx.FacilitatorID = &facilitator.ID
	tx.PixKey = strings.TrimSpace(pixKey)
	tx.PixKeyType = pixKeyType
	if d := strings.TrimSpace(description); d != "" {
		tx.Description = &d
	}
	for k, v := range metadata {
		tx.Metadata[k] = v
	}
	return tx
}

func (s *Service) record(ctx context.Context, tx *entities.Transaction) error {
	if err := s.repo.Create(ctx, tx); err != nil {
		return fmt.Errorf("failed to create %s: %w", tx.Kind, err)
	}
	if s.audit != nil {
		if err := s.audit.LogCreate(ctx, tx); err != nil {
			s.logger.Warn("Failed to audit transaction creation", "transaction_id", tx.ID, "error", err)
		}
	}
	s.logger.Info("Transaction created",
		"transaction_id", tx.ID,
		"kind", tx.Kind,
		"user_id", tx.UserID,
		"facilitator_id", tx.FacilitatorID,
		"amount", tx.Amount.StringFixed(entities.AmountScale),
		"currency", tx.Currency)
	return nil
}

// acknowledge stores the gateway identifiers and feeds the initial status through the engine
func (s *Service) acknowledge(ctx context.Context, tx *entities.Transaction, ack entities.GatewayAck, status string, at time.Time) (*entities.Transaction, error) {
	if err := s.repo.SetGatewayAck(ctx, tx.ID, ack); err != nil {
		return nil, fmt.Errorf("failed to store gateway acknowledgement: %w", err)
	}

	_, err := s.engine.ReportStatus(ctx, tx.ID, status, at, "create:"+ack.ExternalReference, entities.SourceAPI)
	if err != nil {
		var unmapped *entities.UnmappedStatusError
		if !errors.As(err, &unmapped) {
			return nil, err
		}
		// the poller settles it once the mapping knows the status
		s.logger.Warn("Gateway acknowledged with an unmapped status",
			"transaction_id", tx.ID,
			"external_status", status)
	}
	return s.repo.GetByID(ctx, tx.ID)
}

// failCreation records a rejected gateway request as failed with the gateway's error.
// When the gateway may still have executed the request the transaction stays pending
// without a reference, and the poller escalates it to manual review.
func (s *Service) failCreation(ctx context.Context, tx *entities.Transaction, cause error) (*entities.Transaction, error) {
	if entities.IsTransientGatewayError(cause) || errors.Is(cause, context.DeadlineExceeded) {
		s.logger.Warn("Gateway outcome unknown, transaction left pending",
			"transaction_id", tx.ID,
			"kind", tx.Kind,
			"error", cause)
		return s.repo.GetByID(ctx, tx.ID)
	}

	s.logger.Error("Gateway rejected transaction",
		"transaction_id", tx.ID,
		"kind", tx.Kind,
		"error", cause)

	_, err := s.engine.Process(ctx, entities.ReconciliationEvent{
		TransactionID:     tx.ID,
		Kind:              entities.EventGatewayReport,
		ExternalStatus:    "failed",
		ExternalTimestamp: s.now().UTC(),
		IdempotencyKey:    "create-failed",
		Source:            entities.SourceAPI,
		ErrorDetail:       cause.Error(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record gateway failure: %w", err)
	}
	return s.repo.GetByID(ctx, tx.ID)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
