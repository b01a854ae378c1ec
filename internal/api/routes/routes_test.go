package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pix-service/pix_service/internal/api/middleware"
	"github.com/pix-service/pix_service/internal/infrastructure/config"
	"github.com/pix-service/pix_service/internal/infrastructure/di"
	"github.com/pix-service/pix_service/pkg/logger"
	"github.com/pix-service/pix_service/pkg/security"
)

const testSecret = "test-secret"

type fixture struct {
	router *gin.Engine
	mock   sqlmock.Sqlmock
	jwt    middleware.JWTConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{RequestTimeout: 5 * time.Second},
		Gateway:     config.GatewayConfig{Provider: "simulated", Timeout: time.Second, BreakerFailures: 5},
		Reconciliation: config.ReconciliationConfig{
			Schedule:  "@every 30s",
			MaxChecks: 3,
			Workers:   1,
		},
		Webhook:   config.WebhookConfig{Secrets: map[string]string{"acme": "whsec"}, Tolerance: 5 * time.Minute},
		JWT:       config.JWTConfig{Secret: testSecret, Issuer: "pix_service"},
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 600},
	}

	container, err := di.NewContainer(context.Background(), cfg, sqlx.NewDb(db, "postgres"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close() })

	return &fixture{
		router: SetupRoutes(container),
		mock:   mock,
		jwt:    middleware.JWTConfig{Secret: testSecret, Issuer: "pix_service"},
	}
}

func (f *fixture) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := middleware.IssueToken(f.jwt, uuid.New(), role, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectPing()

	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIRequiresBearerToken(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/v1/pix-payments", "/api/v1/withdrawals/statuses", "/api/v1/admin/transactions/review", "/api/v1/payment-facilitators"} {
		w := f.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestStatusesWithToken(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/pix-payments/statuses", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "user"))

	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "paid")
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/transactions/review", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "user"))

	w := f.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookSignatureEnforced(t *testing.T) {
	f := newFixture(t)
	body := `{"event_id":"evt_1","reference":"ext_1","status":"paid"}`

	t.Run("unknown provider", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/pix/other", strings.NewReader(body))
		req.Header.Set("X-Signature", security.Sign("whsec", []byte(body)))
		assert.Equal(t, http.StatusNotFound, f.do(req).Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/pix/acme", strings.NewReader(body))
		req.Header.Set("X-Signature", security.Sign("wrong", []byte(body)))
		assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
	})

	t.Run("valid signature reaches lookup", func(t *testing.T) {
		f.mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))
		req := httptest.NewRequest(http.MethodPost, "/webhooks/pix/acme", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Signature", security.Sign("whsec", []byte(body)))
		assert.Equal(t, http.StatusInternalServerError, f.do(req).Code)
	})
}
