package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

// SimulatedQRCode is the static BR Code payload returned by the simulated gateway
const SimulatedQRCode = "00020126360014BR.GOV.BCB.PIX0114+5561999999999520400005303986540510.005802BR5909PIX MOCK6008BRASILIA62070503***6304ABCD"

// Simulated acknowledges every request with status "processing" and answers
// status checks from a per-reference script, defaulting to "processing".
type Simulated struct {
	mu      sync.Mutex
	scripts map[string][]string
	failing map[string]error
	latency time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewSimulated creates a simulated gateway
func NewSimulated(logger *zap.Logger) *Simulated {
	return &Simulated{
		scripts: make(map[string][]string),
		failing: make(map[string]error),
		logger:  logger,
		now:     time.Now,
	}
}

// Script queues statuses returned by successive checks of ref. The last one repeats.
func (s *Simulated) Script(ref string, statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[ref] = append(s.scripts[ref], statuses...)
}

// Fail makes every operation on ref return err until cleared with a nil err
func (s *Simulated) Fail(ref string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failing, ref)
		return
	}
	s.failing[ref] = err
}

// SetLatency delays every call; calls honour context cancellation while waiting
func (s *Simulated) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// CheckStatus implements Client
func (s *Simulated) CheckStatus(ctx context.Context, _ entities.TransactionKind, externalReference string) (*StatusReport, error) {
	if err := s.wait(ctx, externalReference); err != nil {
		return nil, err
	}

	s.mu.Lock()
	status := "processing"
	if script := s.scripts[externalReference]; len(script) > 0 {
		status = script[0]
		if len(script) > 1 {
			s.scripts[externalReference] = script[1:]
		}
	}
	s.mu.Unlock()

	return &StatusReport{
		ExternalReference: externalReference,
		Status:            status,
		Timestamp:         s.now().UTC(),
	}, nil
}

// CreatePayment implements Client
func (s *Simulated) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error) {
	if err := s.wait(ctx, req.Reference); err != nil {
		return nil, err
	}
	ext := newExternalID()
	s.logger.Info("Simulated PIX payment created",
		zap.String("reference", req.Reference),
		zap.String("external_id", ext))
	return &CreatePaymentResponse{
		ExternalReference: ext,
		Status:            "processing",
		QRCode:            SimulatedQRCode,
		ExpiresAt:         req.ExpiresAt,
		Timestamp:         s.now().UTC(),
	}, nil
}

// CreateWithdrawal implements Client
func (s *Simulated) CreateWithdrawal(ctx context.Context, req *CreateWithdrawalRequest) (*CreateWithdrawalResponse, error) {
	if err := s.wait(ctx, req.Reference); err != nil {
		return nil, err
	}
	ext := newExternalID()
	s.logger.Info("Simulated withdrawal created",
		zap.String("reference", req.Reference),
		zap.String("external_id", ext))
	return &CreateWithdrawalResponse{
		ExternalReference: ext,
		Status:            "processing",
		BankTransactionID: "E" + ext[4:],
		Timestamp:         s.now().UTC(),
	}, nil
}

func (s *Simulated) wait(ctx context.Context, ref string) error {
	s.mu.Lock()
	latency := s.latency
	failure := s.failing[ref]
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return failure
}

func newExternalID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("ext_%x", time.Now().UnixNano())
	}
	return "ext_" + hex.EncodeToString(b)
}
