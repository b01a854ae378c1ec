package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

// Repository persists audit rows
type Repository interface {
	Create(ctx context.Context, log *entities.AuditLog) error
	LastHash(ctx context.Context) (string, error)
	ListBetween(ctx context.Context, start, end time.Time) ([]*entities.AuditLog, error)
}

type Service struct {
	repo          Repository
	logger        *zap.Logger
	lastHash      string
	lastHashKnown bool
	lastHashMutex sync.Mutex
}

func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Log appends a hash-chained audit row. Rows are chained in write order,
// so the chain head is held for the whole append.
func (s *Service) Log(ctx context.Context, actorID *uuid.UUID, action entities.AuditAction, transactionID uuid.UUID, metadata map[string]interface{}) error {
	s.lastHashMutex.Lock()
	defer s.lastHashMutex.Unlock()

	if !s.lastHashKnown {
		hash, err := s.repo.LastHash(ctx)
		if err != nil {
			return fmt.Errorf("failed to load audit chain head: %w", err)
		}
		s.lastHash = hash
		s.lastHashKnown = true
	}

	log := &entities.AuditLog{
		ID:            uuid.New(),
		ActorID:       actorID,
		Action:        action,
		TransactionID: transactionID,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}
	log.SetIntegrityFields(s.lastHash)

	if err := s.repo.Create(ctx, log); err != nil {
		s.logger.Error("failed to create audit log",
			zap.Error(err),
			zap.String("action", string(action)),
			zap.String("transaction_id", transactionID.String()),
		)
		// another instance may have advanced the chain
		s.lastHashKnown = false
		return err
	}
	s.lastHash = log.CurrentHash
	return nil
}

// LogStatusTransition records an applied status change
func (s *Service) LogStatusTransition(ctx context.Context, entry *entities.StatusTransitionLog) error {
	s.logger.Info("Status transition",
		zap.String("transaction_id", entry.TransactionID.String()),
		zap.String("kind", string(entry.Kind)),
		zap.String("from_status", string(entry.FromStatus)),
		zap.String("to_status", string(entry.ToStatus)),
		zap.String("triggered_by", string(entry.TriggeredBy)),
	)

	action := entities.AuditActionStatusTransition
	switch {
	case entry.TriggeredBy == entities.SourceOperator:
		action = entities.AuditActionResolution
	case entry.ToStatus == entities.StatusManualReview:
		action = entities.AuditActionEscalation
	case entry.ToStatus == entities.StatusCancelled && entry.TriggeredBy == entities.SourceAPI:
		action = entities.AuditActionCancel
	}

	metadata := map[string]interface{}{
		"kind":         string(entry.Kind),
		"from_status":  string(entry.FromStatus),
		"to_status":    string(entry.ToStatus),
		"triggered_by": string(entry.TriggeredBy),
	}
	for k, v := range entry.Metadata {
		metadata[k] = v
	}
	return s.Log(ctx, entry.ActorID, action, entry.TransactionID, metadata)
}

// LogCreate records a new transaction request
func (s *Service) LogCreate(ctx context.Context, tx *entities.Transaction) error {
	return s.Log(ctx, &tx.UserID, entities.AuditActionCreate, tx.ID, map[string]interface{}{
		"kind":     string(tx.Kind),
		"amount":   tx.Amount.StringFixed(entities.AmountScale),
		"currency": tx.Currency,
	})
}

// IntegrityVerificationResult reports on a verified slice of the chain
type IntegrityVerificationResult struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	TotalLogs       int       `json:"total_logs"`
	VerifiedLogs    int       `json:"verified_logs"`
	TamperedLogs    int       `json:"tampered_logs"`
	BrokenLinks     int       `json:"broken_links"`
	IntegrityStatus string    `json:"integrity_status"`
}

// VerifyIntegrity recomputes hashes and links of the rows in [start, end]
func (s *Service) VerifyIntegrity(ctx context.Context, startTime, endTime time.Time) (*IntegrityVerificationResult, error) {
	logs, err := s.repo.ListBetween(ctx, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}

	result := &IntegrityVerificationResult{
		StartTime: startTime,
		EndTime:   endTime,
		TotalLogs: len(logs),
	}

	var previousHash string
	for i, log := range logs {
		if log.CurrentHash != log.CalculateHash() {
			result.TamperedLogs++
			s.logger.Warn("Audit log hash mismatch", zap.String("log_id", log.ID.String()))
		} else {
			result.VerifiedLogs++
		}
		// the first row of a window links to a row outside it
		if i > 0 && log.PreviousHash != previousHash {
			result.BrokenLinks++
		}
		previousHash = log.CurrentHash
	}

	result.IntegrityStatus = "verified"
	if result.TamperedLogs > 0 || result.BrokenLinks > 0 {
		result.IntegrityStatus = "compromised"
	}
	return result, nil
}
