package pix

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pix-service/pix_service/internal/api/handlers/common"
	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/domain/services/transaction"
	"github.com/pix-service/pix_service/pkg/logger"
	"github.com/pix-service/pix_service/pkg/validation"
)

// TransactionService defines the operations the handlers need
type TransactionService interface {
	CreatePayment(ctx context.Context, in transaction.CreatePaymentInput) (*entities.Transaction, error)
	CreateWithdrawal(ctx context.Context, in transaction.CreateWithdrawalInput) (*entities.Transaction, error)
	Get(ctx context.Context, userID, id uuid.UUID, kind entities.TransactionKind) (*entities.Transaction, error)
	List(ctx context.Context, userID uuid.UUID, kind entities.TransactionKind, filter entities.TransactionFilter) (*transaction.ListResult, error)
	CheckStatus(ctx context.Context, userID, id uuid.UUID, kind entities.TransactionKind) (*entities.Transaction, *entities.ReconcileResult, error)
	Cancel(ctx context.Context, userID, id uuid.UUID, kind entities.TransactionKind) (*entities.Transaction, error)
	Statuses(kind entities.TransactionKind) []entities.StatusInfo
}

// CreateRequest is the body of POST /pix-payments and POST /withdrawals
type CreateRequest struct {
	Amount      decimal.Decimal        `json:"amount" validate:"required,amount"`
	Currency    string                 `json:"currency" validate:"omitempty,currency_code"`
	Description string                 `json:"description" validate:"max=255"`
	PixKey      string                 `json:"pix_key" validate:"required,max=140"`
	PixKeyType  string                 `json:"pix_key_type" validate:"required,pix_key_type"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	PaymentFacilitatorID *uuid.UUID `json:"payment_facilitator_id,omitempty"`
}

// ListQuery holds the list filters
type ListQuery struct {
	Status   string `form:"status" validate:"omitempty,max=32"`
	FromDate string `form:"from_date"`
	ToDate   string `form:"to_date"`
}

// TransactionResponse adds the status table row to a transaction
type TransactionResponse struct {
	*entities.Transaction
	StatusInfo entities.StatusInfo `json:"status_info"`
}

func newResponse(tx *entities.Transaction) TransactionResponse {
	return TransactionResponse{Transaction: tx, StatusInfo: tx.StatusInfo()}
}

// TransactionHandlers serves one transaction kind under its own route group
type TransactionHandlers struct {
	service   TransactionService
	validator *validation.Validator
	kind      entities.TransactionKind
	resource  string
	logger    *logger.Logger
}

// NewPaymentHandlers creates handlers for /api/v1/pix-payments
func NewPaymentHandlers(service TransactionService, v *validation.Validator, logger *logger.Logger) *TransactionHandlers {
	return &TransactionHandlers{service: service, validator: v, kind: entities.TransactionKindPayment, resource: "Payment", logger: logger}
}

// NewWithdrawalHandlers creates handlers for /api/v1/withdrawals
func NewWithdrawalHandlers(service TransactionService, v *validation.Validator, logger *logger.Logger) *TransactionHandlers {
	return &TransactionHandlers{service: service, validator: v, kind: entities.TransactionKindWithdrawal, resource: "Withdrawal", logger: logger}
}

// Register mounts the handlers on group
func (h *TransactionHandlers) Register(group *gin.RouterGroup) {
	group.GET("/statuses", h.Statuses)
	group.GET("", h.List)
	group.POST("", h.Create)
	group.GET("/:id", h.Get)
	group.POST("/:id/check-status", h.CheckStatus)
	group.POST("/:id/cancel", h.Cancel)
}

// Statuses handles GET /statuses
func (h *TransactionHandlers) Statuses(c *gin.Context) {
	common.RespondSuccess(c, gin.H{"data": h.service.Statuses(h.kind)})
}

// List handles GET /
func (h *TransactionHandlers) List(c *gin.Context) {
	user := common.RequireUserContext(c)
	if user == nil {
		return
	}

	var q ListQuery
	if !h.validator.ValidateQuery(c, &q) {
		return
	}

	page := common.ExtractPagination(c, entities.DefaultPageSize, entities.MaxPageSize)
	filter := entities.TransactionFilter{
		Status: entities.TransactionStatus(q.Status),
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	if q.FromDate != "" {
		from, err := common.ParseDate(q.FromDate)
		if err != nil {
			common.SendValidationError(c, "Invalid from_date", map[string]interface{}{"from_date": "date"})
			return
		}
		filter.FromDate = &from
	}
	if q.ToDate != "" {
		to, err := common.ParseDate(q.ToDate)
		if err != nil {
			common.SendValidationError(c, "Invalid to_date", map[string]interface{}{"to_date": "date"})
			return
		}
		if len(q.ToDate) == len("2006-01-02") {
			// a bare date includes the whole day
			to = to.Add(24*time.Hour - time.Nanosecond)
		}
		filter.ToDate = &to
	}
	if filter.FromDate != nil && filter.ToDate != nil && filter.ToDate.Before(*filter.FromDate) {
		common.SendValidationError(c, "to_date must not be before from_date", map[string]interface{}{"to_date": "after_or_equal"})
		return
	}

	result, err := h.service.List(c.Request.Context(), user.UserID, h.kind, filter)
	if err != nil {
		h.logger.Error("Failed to list transactions", "error", err, "user_id", user.UserID, "kind", h.kind)
		common.HandleServiceError(c, err, h.resource)
		return
	}

	data := make([]TransactionResponse, 0, len(result.Items))
	for _, tx := range result.Items {
		data = append(data, newResponse(tx))
	}
	common.RespondSuccess(c, gin.H{
		"data": data,
		"meta": gin.H{"total": result.Total, "limit": result.Limit, "offset": result.Offset},
	})
}

// Create handles POST /
func (h *TransactionHandlers) Create(c *gin.Context) {
	user := common.RequireUserContext(c)
	if user == nil {
		return
	}

	var req CreateRequest
	if !h.validator.ValidateJSON(c, &req) {
		return
	}

	keyType := entities.PixKeyType(req.PixKeyType)
	if err := validation.ValidatePixKey(keyType, req.PixKey); err != nil {
		common.SendValidationError(c, "The given data was invalid", map[string]interface{}{"pix_key": "pix_key_format"})
		return
	}

	var (
		tx  *entities.Transaction
		err error
	)
	switch h.kind {
	case entities.TransactionKindPayment:
		if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
			common.SendValidationError(c, "The given data was invalid", map[string]interface{}{"expires_at": "after_now"})
			return
		}
		tx, err = h.service.CreatePayment(c.Request.Context(), transaction.CreatePaymentInput{
			UserID:        user.UserID,
			FacilitatorID: req.PaymentFacilitatorID,
			Amount:        req.Amount,
			Currency:      req.Currency,
			Description:   req.Description,
			PixKey:        req.PixKey,
			PixKeyType:    keyType,
			ExpiresAt:     req.ExpiresAt,
			Metadata:      req.Metadata,
		})
	default:
		tx, err = h.service.CreateWithdrawal(c.Request.Context(), transaction.CreateWithdrawalInput{
			UserID:        user.UserID,
			FacilitatorID: req.PaymentFacilitatorID,
			Amount:        req.Amount,
			Currency:      req.Currency,
			Description:   req.Description,
			PixKey:        req.PixKey,
			PixKeyType:    keyType,
			Metadata:      req.Metadata,
		})
	}
	if err != nil {
		h.logger.Error("Failed to create transaction",
			"error", err,
			"user_id", user.UserID,
			"kind", h.kind,
			"pix_key_hash", common.RedactPII(req.PixKey))
		common.HandleServiceError(c, err, h.resource)
		return
	}

	common.RespondCreated(c, gin.H{"data": newResponse(tx)})
}

// Get handles GET /:id
func (h *TransactionHandlers) Get(c *gin.Context) {
	user := common.RequireUserContext(c)
	if user == nil {
		return
	}
	id, ok := common.ParsePathUUID(c, "id")
	if !ok {
		return
	}

	tx, err := h.service.Get(c.Request.Context(), user.UserID, id, h.kind)
	if err != nil {
		common.HandleServiceError(c, err, h.resource)
		return
	}
	common.RespondSuccess(c, gin.H{"data": newResponse(tx)})
}

// CheckStatus handles POST /:id/check-status
func (h *TransactionHandlers) CheckStatus(c *gin.Context) {
	user := common.RequireUserContext(c)
	if user == nil {
		return
	}
	id, ok := common.ParsePathUUID(c, "id")
	if !ok {
		return
	}

	tx, result, err := h.service.CheckStatus(c.Request.Context(), user.UserID, id, h.kind)
	if err != nil {
		common.HandleServiceError(c, err, h.resource)
		return
	}
	common.RespondSuccess(c, gin.H{
		"data":    newResponse(tx),
		"outcome": result.Outcome,
		"changed": result.Outcome == entities.OutcomeApplied,
	})
}

// Cancel handles POST /:id/cancel
func (h *TransactionHandlers) Cancel(c *gin.Context) {
	user := common.RequireUserContext(c)
	if user == nil {
		return
	}
	id, ok := common.ParsePathUUID(c, "id")
	if !ok {
		return
	}

	tx, err := h.service.Cancel(c.Request.Context(), user.UserID, id, h.kind)
	if err != nil {
		common.HandleServiceError(c, err, h.resource)
		return
	}
	common.RespondSuccess(c, gin.H{"data": newResponse(tx)})
}
