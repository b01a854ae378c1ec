package common

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

// Error codes used in ErrorResponse
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeCannotCancel       = "CANNOT_CANCEL"
	CodeInvalidResolution  = "INVALID_RESOLUTION"
	CodeUnmappedStatus     = "UNMAPPED_STATUS"
	CodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	CodeInvalidFacilitator = "INVALID_FACILITATOR"
	CodeRateLimited        = "RATE_LIMITED"
	CodeTimeout            = "TIMEOUT"
	CodeInternal           = "INTERNAL_ERROR"
)

// GetUserID extracts and validates user ID from context
func GetUserID(c *gin.Context) (uuid.UUID, error) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, fmt.Errorf("user ID not found in context")
	}

	switch v := userIDVal.(type) {
	case uuid.UUID:
		return v, nil
	case string:
		return uuid.Parse(v)
	default:
		return uuid.Nil, fmt.Errorf("invalid user ID type in context")
	}
}

// GetRequestID extracts request ID from context
func GetRequestID(c *gin.Context) string {
	if reqID, exists := c.Get("request_id"); exists {
		if id, ok := reqID.(string); ok {
			return id
		}
	}
	return ""
}

// RespondError sends a standardized error response
func RespondError(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.JSON(status, entities.ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// RespondUnauthorized sends an unauthorized error
func RespondUnauthorized(c *gin.Context, message string) {
	RespondError(c, http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

// RespondBadRequest sends a bad request error
func RespondBadRequest(c *gin.Context, message string, details ...map[string]interface{}) {
	var det map[string]interface{}
	if len(details) > 0 {
		det = details[0]
	}
	RespondError(c, http.StatusBadRequest, CodeInvalidRequest, message, det)
}

// SendValidationError sends a 422 with per-field details
func SendValidationError(c *gin.Context, message string, details map[string]interface{}) {
	RespondError(c, http.StatusUnprocessableEntity, CodeValidationFailed, message, details)
}

// RespondInternalError sends an internal server error
func RespondInternalError(c *gin.Context, message string) {
	RespondError(c, http.StatusInternalServerError, CodeInternal, message, nil)
}

// RespondNotFound sends a not found error
func RespondNotFound(c *gin.Context, message string) {
	RespondError(c, http.StatusNotFound, CodeNotFound, message, nil)
}

// RespondForbidden sends a forbidden error
func RespondForbidden(c *gin.Context, message string) {
	RespondError(c, http.StatusForbidden, CodeForbidden, message, nil)
}

// RespondConflict sends a conflict error
func RespondConflict(c *gin.Context, message string) {
	RespondError(c, http.StatusConflict, CodeConflict, message, nil)
}

// RespondSuccess sends a success response with data
func RespondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// RespondCreated sends a created response with data
func RespondCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// ParseDate parses a YYYY-MM-DD or RFC3339 query value
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date string")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// ParseIntParam parses a query parameter to int with default value
func ParseIntParam(c *gin.Context, param string, defaultVal int) int {
	if val := c.Query(param); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

// UserContext holds extracted user information from the request context
type UserContext struct {
	UserID uuid.UUID
	Role   string
}

// ExtractUserContext extracts user context from gin context, returns error if unauthorized
func ExtractUserContext(c *gin.Context) (*UserContext, error) {
	userID, err := GetUserID(c)
	if err != nil {
		return nil, fmt.Errorf("unauthorized: %w", err)
	}

	return &UserContext{
		UserID: userID,
		Role:   c.GetString("user_role"),
	}, nil
}

// RequireUserContext extracts user context or sends unauthorized error
func RequireUserContext(c *gin.Context) *UserContext {
	ctx, err := ExtractUserContext(c)
	if err != nil {
		RespondUnauthorized(c, "User not authenticated")
		return nil
	}
	return ctx
}

// RequireAdminContext extracts user context and verifies the operator role
func RequireAdminContext(c *gin.Context) *UserContext {
	ctx := RequireUserContext(c)
	if ctx == nil {
		return nil
	}

	if ctx.Role != "admin" && ctx.Role != "super_admin" {
		RespondForbidden(c, "Admin privileges required")
		return nil
	}

	return ctx
}

// PaginationParams holds pagination parameters
type PaginationParams struct {
	Limit  int
	Offset int
}

// ExtractPagination reads limit/offset, accepting per_page and page as aliases
func ExtractPagination(c *gin.Context, defaultLimit, maxLimit int) PaginationParams {
	limit := ParseIntParam(c, "limit", ParseIntParam(c, "per_page", defaultLimit))
	if limit > maxLimit {
		limit = maxLimit
	}
	if limit < 1 {
		limit = defaultLimit
	}

	offset := ParseIntParam(c, "offset", -1)
	if offset < 0 {
		offset = 0
		if page := ParseIntParam(c, "page", 1); page > 1 {
			offset = (page - 1) * limit
		}
	}

	return PaginationParams{
		Limit:  limit,
		Offset: offset,
	}
}

// ParsePathUUID parses a UUID from path parameter
// Returns true if successful, false if error was sent
func ParsePathUUID(c *gin.Context, param string) (uuid.UUID, bool) {
	str := c.Param(param)
	if str == "" {
		RespondBadRequest(c, fmt.Sprintf("Missing %s parameter", param), nil)
		return uuid.Nil, false
	}

	id, err := uuid.Parse(str)
	if err != nil {
		RespondBadRequest(c, fmt.Sprintf("Invalid %s format", param), map[string]interface{}{"value": str})
		return uuid.Nil, false
	}

	return id, true
}

// HandleServiceError maps domain errors onto HTTP responses
// Returns true if error was handled, false if no error
func HandleServiceError(c *gin.Context, err error, resourceName string) bool {
	if err == nil {
		return false
	}

	var (
		unmapped  *entities.UnmappedStatusError
		applyErr  *entities.IntentApplicationError
		transient *entities.TransientGatewayError
	)
	switch {
	case errors.Is(err, entities.ErrTransactionNotFound):
		RespondNotFound(c, fmt.Sprintf("%s not found", resourceName))
	case errors.Is(err, entities.ErrCannotCancel):
		RespondError(c, http.StatusConflict, CodeCannotCancel, err.Error(), nil)
	case errors.Is(err, entities.ErrFacilitatorNotFound), errors.Is(err, entities.ErrFacilitatorInactive):
		RespondError(c, http.StatusUnprocessableEntity, CodeInvalidFacilitator, err.Error(), nil)
	case errors.Is(err, entities.ErrFacilitatorUnavailable):
		RespondError(c, http.StatusServiceUnavailable, CodeGatewayUnavailable, err.Error(), nil)
	case errors.Is(err, entities.ErrInvalidResolution):
		RespondError(c, http.StatusUnprocessableEntity, CodeInvalidResolution, err.Error(), nil)
	case errors.As(err, &unmapped):
		RespondError(c, http.StatusUnprocessableEntity, CodeUnmappedStatus, "Unrecognized gateway status", map[string]interface{}{
			"status": unmapped.ExternalStatus,
			"kind":   unmapped.Kind,
		})
	case errors.Is(err, entities.ErrVersionConflict), errors.As(err, &applyErr):
		RespondError(c, http.StatusConflict, CodeConflict, "The transaction changed concurrently, retry the request", nil)
	case errors.As(err, &transient):
		RespondError(c, http.StatusServiceUnavailable, CodeGatewayUnavailable, "Payment gateway is temporarily unavailable", nil)
	default:
		RespondInternalError(c, "An unexpected error occurred")
	}

	return true
}
