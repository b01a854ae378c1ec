// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StatusTransitionsTotal counts applied status transitions
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_status_transitions_total",
			Help: "Applied transaction status transitions",
		},
		[]string{"kind", "from", "to", "source"},
	)

	// ReconciliationOutcomesTotal counts every processed reconciliation event by outcome
	ReconciliationOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_reconciliation_outcomes_total",
			Help: "Reconciliation events by outcome (applied, duplicate, noop_terminal, noop_same, noop_stale, unmapped)",
		},
		[]string{"kind", "outcome", "source"},
	)

	// IntentApplyFailuresTotal counts failed durable writes of a computed transition
	IntentApplyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_intent_apply_failures_total",
			Help: "Failed attempts to persist a computed transition and its intents",
		},
		[]string{"kind"},
	)

	// GatewayChecksTotal counts active status checks against the gateway
	GatewayChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_gateway_checks_total",
			Help: "Gateway status checks issued by the reconciliation poller",
		},
		[]string{"kind", "result"},
	)

	// GatewayRequestDuration tracks outbound gateway latency
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pix_gateway_request_duration_seconds",
			Help:    "Gateway request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// ManualReviewEscalationsTotal counts transactions forced to manual review
	ManualReviewEscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_manual_review_escalations_total",
			Help: "Transactions forced into manual review after exhausting status checks",
		},
		[]string{"kind"},
	)

	// OutboxDispatchTotal counts intent relay publications
	OutboxDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_outbox_dispatch_total",
			Help: "Side-effect intents relayed from the outbox",
		},
		[]string{"intent_type", "result"},
	)

	// WorkerQueueDepth reports pending jobs in the dispatcher queue
	WorkerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pix_worker_queue_depth",
			Help: "Jobs waiting in the reconciliation worker pool",
		},
	)

	// HTTPRequestsTotal counts HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks HTTP latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pix_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// WebhookEventsTotal counts inbound gateway callbacks by provider and result
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_webhook_events_total",
			Help: "Gateway webhooks by provider and outcome",
		},
		[]string{"provider", "result"},
	)

	// RateLimitHitsTotal counts requests rejected by the API rate limiters
	RateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_rate_limit_hits_total",
			Help: "Requests rejected by rate limiting",
		},
		[]string{"limiter"},
	)

	// DatabaseConnectionsGauge exposes sql.DBStats
	DatabaseConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pix_database_connections",
			Help: "Database connection pool state",
		},
		[]string{"state"},
	)
)
