package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/domain/services/transaction"
	"github.com/pix-service/pix_service/pkg/logger"
	"github.com/pix-service/pix_service/pkg/validation"
)

type mockReviewService struct {
	mock.Mock
}

func (m *mockReviewService) ManualReviewQueue(ctx context.Context, limit, offset int) (*transaction.ListResult, error) {
	args := m.Called(ctx, limit, offset)
	res, _ := args.Get(0).(*transaction.ListResult)
	return res, args.Error(1)
}

func (m *mockReviewService) Resolve(ctx context.Context, operatorID, id uuid.UUID, target entities.TransactionStatus, note string) (*entities.Transaction, error) {
	args := m.Called(ctx, operatorID, id, target, note)
	tx, _ := args.Get(0).(*entities.Transaction)
	return tx, args.Error(1)
}

func setup(t *testing.T, role string) (*gin.Engine, *mockReviewService, uuid.UUID) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := &mockReviewService{}
	t.Cleanup(func() { svc.AssertExpectations(t) })
	operatorID := uuid.New()

	router := gin.New()
	group := router.Group("/admin/transactions", func(c *gin.Context) {
		c.Set("user_id", operatorID)
		c.Set("user_role", role)
		c.Next()
	})
	NewReviewHandlers(svc, validation.NewValidator(), logger.NewNop()).Register(group)
	return router, svc, operatorID
}

func TestQueue(t *testing.T) {
	router, svc, _ := setup(t, "admin")
	tx := entities.NewTransaction(entities.TransactionKindPayment, uuid.New(), decimal.NewFromInt(10), "BRL", time.Now())
	tx.Status = entities.StatusManualReview
	svc.On("ManualReviewQueue", mock.Anything, 15, 0).
		Return(&transaction.ListResult{Items: []*entities.Transaction{tx}, Total: 1, Limit: 15}, nil).Once()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/transactions/review", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), tx.ID.String())
	assert.Contains(t, w.Body.String(), `"manual_review"`)
}

func TestQueue_ForbiddenForUsers(t *testing.T) {
	router, _, _ := setup(t, "user")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/transactions/review", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"resolved", nil, http.StatusOK},
		{"not in review", fmt.Errorf("%w: transaction is paid", entities.ErrInvalidResolution), http.StatusUnprocessableEntity},
		{"unknown", entities.ErrTransactionNotFound, http.StatusNotFound},
		{"concurrent change", &entities.IntentApplicationError{Err: entities.ErrVersionConflict}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, svc, operatorID := setup(t, "super_admin")
			id := uuid.New()
			var tx *entities.Transaction
			if tt.err == nil {
				tx = entities.NewTransaction(entities.TransactionKindWithdrawal, uuid.New(), decimal.NewFromInt(10), "BRL", time.Now())
				tx.ID = id
				tx.Status = entities.StatusProcessed
			}
			svc.On("Resolve", mock.Anything, operatorID, id, entities.StatusProcessed, "bank confirmed").Return(tx, tt.err).Once()

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/admin/transactions/"+id.String()+"/resolve",
				strings.NewReader(`{"status":"processed","note":"bank confirmed"}`))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestResolve_RequiresStatus(t *testing.T) {
	router, _, _ := setup(t, "admin")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/transactions/"+uuid.NewString()+"/resolve", strings.NewReader(`{"note":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
