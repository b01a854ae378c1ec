package common

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pix-service/pix_service/pkg/circuitbreaker"
)

// Pinger is satisfied by *sqlx.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// BreakerReporter exposes the gateway breaker state
type BreakerReporter interface {
	BreakerState() circuitbreaker.State
}

// QueueReporter exposes the worker pool backlog
type QueueReporter interface {
	QueueLen() int
}

// HealthHandler answers GET /health
type HealthHandler struct {
	db      Pinger
	breaker BreakerReporter
	queue   QueueReporter
	started time.Time
}

// NewHealthHandler creates a health handler; breaker and queue may be nil
func NewHealthHandler(db Pinger, breaker BreakerReporter, queue QueueReporter) *HealthHandler {
	return &HealthHandler{db: db, breaker: breaker, queue: queue, started: time.Now()}
}

// Health reports 503 when the database is unreachable. An open gateway
// breaker degrades the status without failing the health check.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	checks := gin.H{}

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["database"] = "unreachable"
			status = "unavailable"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if h.breaker != nil {
		state := h.breaker.BreakerState()
		checks["gateway"] = state.String()
		if state == circuitbreaker.StateOpen && code == http.StatusOK {
			status = "degraded"
		}
	}
	if h.queue != nil {
		checks["worker_queue"] = h.queue.QueueLen()
	}

	c.JSON(code, gin.H{
		"status":         status,
		"checks":         checks,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}
