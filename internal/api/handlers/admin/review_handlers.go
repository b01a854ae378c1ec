package admin

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pix-service/pix_service/internal/api/handlers/common"
	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/domain/services/transaction"
	"github.com/pix-service/pix_service/pkg/logger"
	"github.com/pix-service/pix_service/pkg/validation"
)

// ReviewService is the operator side of the transaction service
type ReviewService interface {
	ManualReviewQueue(ctx context.Context, limit, offset int) (*transaction.ListResult, error)
	Resolve(ctx context.Context, operatorID, id uuid.UUID, target entities.TransactionStatus, note string) (*entities.Transaction, error)
}

// ResolveRequest is the body of POST /admin/transactions/:id/resolve
type ResolveRequest struct {
	Status string `json:"status" validate:"required,max=32"`
	Note   string `json:"note" validate:"max=1000"`
}

// ReviewHandlers serves the manual review queue
type ReviewHandlers struct {
	service   ReviewService
	validator *validation.Validator
	logger    *logger.Logger
}

// NewReviewHandlers creates review handlers
func NewReviewHandlers(service ReviewService, v *validation.Validator, logger *logger.Logger) *ReviewHandlers {
	return &ReviewHandlers{service: service, validator: v, logger: logger}
}

// Register mounts the handlers on group
func (h *ReviewHandlers) Register(group *gin.RouterGroup) {
	group.GET("/review", h.Queue)
	group.POST("/:id/resolve", h.Resolve)
}

// Queue handles GET /admin/transactions/review
func (h *ReviewHandlers) Queue(c *gin.Context) {
	if common.RequireAdminContext(c) == nil {
		return
	}
	page := common.ExtractPagination(c, entities.DefaultPageSize, entities.MaxPageSize)

	result, err := h.service.ManualReviewQueue(c.Request.Context(), page.Limit, page.Offset)
	if err != nil {
		h.logger.Error("Failed to load manual review queue", "error", err)
		common.HandleServiceError(c, err, "Transaction")
		return
	}
	common.RespondSuccess(c, gin.H{
		"data": result.Items,
		"meta": gin.H{"total": result.Total, "limit": result.Limit, "offset": result.Offset},
	})
}

// Resolve handles POST /admin/transactions/:id/resolve
func (h *ReviewHandlers) Resolve(c *gin.Context) {
	operator := common.RequireAdminContext(c)
	if operator == nil {
		return
	}
	id, ok := common.ParsePathUUID(c, "id")
	if !ok {
		return
	}
	var req ResolveRequest
	if !h.validator.ValidateJSON(c, &req) {
		return
	}

	tx, err := h.service.Resolve(c.Request.Context(), operator.UserID, id, entities.TransactionStatus(req.Status), req.Note)
	if err != nil {
		common.HandleServiceError(c, err, "Transaction")
		return
	}

	h.logger.Info("Manual review resolved",
		"transaction_id", tx.ID,
		"operator_id", operator.UserID,
		"status", tx.Status)
	common.RespondSuccess(c, gin.H{"data": tx})
}
