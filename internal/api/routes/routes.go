package routes

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pix-service/pix_service/internal/api/handlers/admin"
	"github.com/pix-service/pix_service/internal/api/handlers/common"
	"github.com/pix-service/pix_service/internal/api/handlers/pix"
	"github.com/pix-service/pix_service/internal/api/handlers/webhooks"
	"github.com/pix-service/pix_service/internal/api/middleware"
	"github.com/pix-service/pix_service/internal/infrastructure/di"
	"github.com/pix-service/pix_service/pkg/ratelimit"
)

// SetupRoutes builds the HTTP router
func SetupRoutes(container *di.Container) *gin.Engine {
	cfg := container.Config
	zapLog := container.ZapLog

	router := gin.New()
	router.Use(middleware.Recovery(zapLog))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(zapLog))
	router.Use(middleware.Metrics())
	router.Use(common.MaxRequestBodySizeMiddleware(common.DefaultMaxBodySize))
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	health := common.NewHealthHandler(container.DB, container.Gateway, container.Pool)
	router.GET("/health", health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	webhookHandler := webhooks.NewPixWebhookHandler(
		container.TransactionRepo,
		container.Engine,
		container.Pool,
		container.WebhookVerifier,
		zapLog,
	)
	hooks := router.Group("/webhooks/pix")
	hooks.Use(middleware.WebhookSignature(container.WebhookVerifier, middleware.WebhookSecurityConfig{
		SkipVerification: cfg.Webhook.SkipVerification,
		MaxBodyBytes:     cfg.Webhook.MaxBodyBytes,
	}, zapLog))
	hooks.POST("/:provider", webhookHandler.HandleStatus)

	jwtCfg := middleware.JWTConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer}
	v1 := router.Group("/api/v1")
	v1.Use(middleware.Authentication(jwtCfg))
	if cfg.RateLimit.Enabled {
		v1.Use(rateLimiter(container))
	}

	pix.NewPaymentHandlers(container.TransactionService, container.Validator, container.Logger).
		Register(v1.Group("/pix-payments"))
	pix.NewWithdrawalHandlers(container.TransactionService, container.Validator, container.Logger).
		Register(v1.Group("/withdrawals"))
	pix.NewFacilitatorHandlers(container.TransactionService, container.Logger).
		Register(v1.Group("/payment-facilitators"))

	adminGroup := v1.Group("/admin/transactions")
	adminGroup.Use(middleware.AdminOnly())
	admin.NewReviewHandlers(container.TransactionService, container.Validator, container.Logger).
		Register(adminGroup)

	return router
}

func rateLimiter(container *di.Container) gin.HandlerFunc {
	rl := container.Config.RateLimit
	if container.Redis == nil {
		return middleware.NewClientRateLimiter(rl.RequestsPerMinute).Limit()
	}
	limiter := ratelimit.NewWindowLimiter(container.Redis, int64(rl.RequestsPerMinute), time.Minute)
	return ratelimit.NewDistributedRateLimiter(limiter, middleware.ClientKey, rl.FailOpen, container.ZapLog).Middleware()
}
