package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/pkg/circuitbreaker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRedactPII(t *testing.T) {
	hashed := RedactPII("test@example.com")
	assert.Len(t, hashed, 64)
	assert.Equal(t, hashed, RedactPII("test@example.com"))
	assert.Empty(t, RedactPII(""))
}

func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("load: %w", entities.ErrTransactionNotFound), http.StatusNotFound, CodeNotFound},
		{"cannot cancel", entities.ErrCannotCancel, http.StatusConflict, CodeCannotCancel},
		{"invalid resolution", entities.ErrInvalidResolution, http.StatusUnprocessableEntity, CodeInvalidResolution},
		{"unmapped", &entities.UnmappedStatusError{Kind: entities.TransactionKindPayment, ExternalStatus: "weird"}, http.StatusUnprocessableEntity, CodeUnmappedStatus},
		{"apply failure", &entities.IntentApplicationError{TransactionID: uuid.New(), Err: errors.New("db")}, http.StatusConflict, CodeConflict},
		{"gateway down", &entities.TransientGatewayError{Op: "create_payment", Err: errors.New("503")}, http.StatusServiceUnavailable, CodeGatewayUnavailable},
		{"unknown facilitator", fmt.Errorf("select: %w", entities.ErrFacilitatorNotFound), http.StatusUnprocessableEntity, CodeInvalidFacilitator},
		{"inactive facilitator", entities.ErrFacilitatorInactive, http.StatusUnprocessableEntity, CodeInvalidFacilitator},
		{"no facilitator", entities.ErrFacilitatorUnavailable, http.StatusServiceUnavailable, CodeGatewayUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			require.True(t, HandleServiceError(c, tt.err, "Transaction"))
			assert.Equal(t, tt.status, w.Code)

			var body entities.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
		})
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.False(t, HandleServiceError(c, nil, "Transaction"))
}

func TestExtractPagination(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", 15, 0},
		{"?limit=500", 100, 0},
		{"?per_page=20&page=3", 20, 40},
		{"?limit=10&offset=5", 10, 5},
		{"?limit=-1&offset=-4", 15, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)

			p := ExtractPagination(c, 15, 100)
			assert.Equal(t, tt.limit, p.Limit)
			assert.Equal(t, tt.offset, p.Offset)
		})
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2026-01-31")
	require.NoError(t, err)
	assert.Equal(t, 31, d.Day())

	_, err = ParseDate("2026-01-31T10:00:00Z")
	assert.NoError(t, err)

	_, err = ParseDate("yesterday")
	assert.Error(t, err)
}

type pingStub struct{ err error }

func (p pingStub) PingContext(context.Context) error { return p.err }

type breakerStub circuitbreaker.State

func (b breakerStub) BreakerState() circuitbreaker.State { return circuitbreaker.State(b) }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name    string
		db      error
		breaker circuitbreaker.State
		code    int
		status  string
	}{
		{"healthy", nil, circuitbreaker.StateClosed, http.StatusOK, "ok"},
		{"breaker open", nil, circuitbreaker.StateOpen, http.StatusOK, "degraded"},
		{"database down", errors.New("dial tcp"), circuitbreaker.StateClosed, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(pingStub{err: tt.db}, breakerStub(tt.breaker), nil)
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

			h.Health(c)

			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), `"status":"`+tt.status+`"`)
		})
	}
}
