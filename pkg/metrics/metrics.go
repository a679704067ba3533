// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cfp"

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// RateLimitRejections counts requests refused by the per-IP limiter.
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		},
	)
)

// Plugin metrics
var (
	PluginsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "loaded",
			Help:      "Number of plugins currently loaded in the registry.",
		},
	)

	// PluginInvocations counts hook and action calls by outcome (ok, error, timeout, panic).
	PluginInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "invocations_total",
			Help:      "Plugin hook and action invocations by plugin, target and outcome.",
		},
		[]string{"plugin", "target", "outcome"},
	)

	PluginInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "invocation_duration_seconds",
			Help:      "Plugin hook and action duration in seconds.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"plugin", "target"},
	)

	PluginLifecycleOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "lifecycle_operations_total",
			Help:      "Plugin lifecycle operations (install, update, enable, disable, uninstall) by status.",
		},
		[]string{"operation", "status"},
	)
)

// Federation and queue metrics
var (
	FederationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "deliveries_total",
			Help:      "Outbound federation deliveries by event type and status.",
		},
		[]string{"type", "status"},
	)

	FederationInbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "inbound_webhooks_total",
			Help:      "Inbound federation webhooks by type and status.",
		},
		[]string{"type", "status"},
	)

	// CircuitBreakerState is 0=closed, 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"component"},
	)

	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Queue job transitions by queue and outcome (enqueued, done, retried, dead).",
		},
		[]string{"queue", "outcome"},
	)

	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Total Redis operations by operation and status.",
		},
		[]string{"operation", "status"},
	)
)

// Realtime metrics
var (
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connected_clients",
			Help:      "Number of connected WebSocket clients.",
		},
	)
)
