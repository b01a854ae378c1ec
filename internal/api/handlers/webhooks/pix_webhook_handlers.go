package webhooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pix-service/pix_service/internal/api/handlers/common"
	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/workers/dispatcher"
	"github.com/pix-service/pix_service/pkg/metrics"
)

// TransactionLookup resolves the gateway's reference to our transaction
type TransactionLookup interface {
	GetByExternalReference(ctx context.Context, ref string) (*entities.Transaction, error)
}

// Reconciler feeds reports through the reconciliation engine
type Reconciler interface {
	ReportStatus(ctx context.Context, id uuid.UUID, externalStatus string, externalTimestamp time.Time, idempotencyKey string, source entities.StatusSource) (*entities.ReconcileResult, error)
}

// Dispatcher runs a job on the shared worker pool and waits for it
type Dispatcher interface {
	Do(ctx context.Context, job dispatcher.Job) error
}

// TimestampVerifier rejects events outside the replay window
type TimestampVerifier interface {
	VerifyTimestamp(ts time.Time) error
}

// StatusWebhookPayload is the body gateways post to /webhooks/pix/:provider
type StatusWebhookPayload struct {
	EventID   string    `json:"event_id"`
	Reference string    `json:"reference" binding:"required"`
	Status    string    `json:"status" binding:"required"`
	Timestamp time.Time `json:"timestamp"`
}

// PixWebhookHandler applies gateway status callbacks
type PixWebhookHandler struct {
	lookup     TransactionLookup
	reconciler Reconciler
	pool       Dispatcher
	verifier   TimestampVerifier
	logger     *zap.Logger
}

// NewPixWebhookHandler creates the webhook handler
func NewPixWebhookHandler(lookup TransactionLookup, reconciler Reconciler, pool Dispatcher, verifier TimestampVerifier, logger *zap.Logger) *PixWebhookHandler {
	return &PixWebhookHandler{
		lookup:     lookup,
		reconciler: reconciler,
		pool:       pool,
		verifier:   verifier,
		logger:     logger,
	}
}

// HandleStatus handles POST /webhooks/pix/:provider
func (h *PixWebhookHandler) HandleStatus(c *gin.Context) {
	provider := c.Param("provider")

	var payload StatusWebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		common.RespondBadRequest(c, "Invalid webhook payload", nil)
		return
	}

	if h.verifier != nil {
		if err := h.verifier.VerifyTimestamp(payload.Timestamp); err != nil {
			h.logger.Warn("Webhook outside replay window",
				zap.String("provider", provider),
				zap.String("event_id", payload.EventID),
				zap.Error(err))
			common.RespondError(c, http.StatusBadRequest, "STALE_EVENT", "Webhook timestamp outside the accepted window", nil)
			return
		}
	}

	ctx := c.Request.Context()
	tx, err := h.lookup.GetByExternalReference(ctx, payload.Reference)
	if err != nil {
		if errors.Is(err, entities.ErrTransactionNotFound) {
			h.logger.Warn("Webhook for unknown reference",
				zap.String("provider", provider),
				zap.String("reference", payload.Reference))
		}
		common.HandleServiceError(c, err, "Transaction")
		return
	}

	var result *entities.ReconcileResult
	err = h.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = h.reconciler.ReportStatus(ctx, tx.ID, payload.Status, payload.Timestamp, payload.EventID, entities.SourceWebhook)
		return err
	})
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(provider, webhookResult(err)).Inc()
		if errors.Is(err, dispatcher.ErrPoolClosed) || errors.Is(err, context.DeadlineExceeded) {
			common.RespondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "Webhook could not be processed, retry later", nil)
			return
		}
		h.logger.Error("Webhook processing failed",
			zap.String("provider", provider),
			zap.String("transaction_id", tx.ID.String()),
			zap.String("status", payload.Status),
			zap.Error(err))
		common.HandleServiceError(c, err, "Transaction")
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(provider, string(result.Outcome)).Inc()
	h.logger.Info("Webhook processed",
		zap.String("provider", provider),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("outcome", string(result.Outcome)),
		zap.String("status", string(result.Status)))

	common.RespondSuccess(c, gin.H{
		"transaction_id": tx.ID,
		"outcome":        result.Outcome,
		"status":         result.Status,
	})
}

func webhookResult(err error) string {
	if errors.Is(err, entities.ErrUnmappedStatus) {
		return string(entities.OutcomeUnmapped)
	}
	return "error"
}
