package pix

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/pix-service/pix_service/internal/api/handlers/common"
	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/pkg/logger"
)

// FacilitatorLister lists the facilitators a client may pick on create
type FacilitatorLister interface {
	Facilitators(ctx context.Context) ([]*entities.Facilitator, error)
}

// FacilitatorHandlers serves /api/v1/payment-facilitators
type FacilitatorHandlers struct {
	service FacilitatorLister
	logger  *logger.Logger
}

// NewFacilitatorHandlers creates the facilitator handlers
func NewFacilitatorHandlers(service FacilitatorLister, logger *logger.Logger) *FacilitatorHandlers {
	return &FacilitatorHandlers{service: service, logger: logger}
}

// Register mounts the handlers on group
func (h *FacilitatorHandlers) Register(group *gin.RouterGroup) {
	group.GET("", h.List)
}

// List handles GET /
func (h *FacilitatorHandlers) List(c *gin.Context) {
	if common.RequireUserContext(c) == nil {
		return
	}

	fs, err := h.service.Facilitators(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list payment facilitators", "error", err)
		common.HandleServiceError(c, err, "Payment facilitator")
		return
	}
	common.RespondSuccess(c, gin.H{"data": fs})
}
