package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
// A nil *Metrics is valid; every recording method is then a no-op.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Order metrics
	OrdersCreatedTotal     *prometheus.CounterVec
	OrderTransitionsTotal  *prometheus.CounterVec
	OrderConflictsTotal    prometheus.Counter
	SubscriptionRenewals   *prometheus.CounterVec
	SubscriptionSyncErrors prometheus.Counter

	// Gateway metrics
	GatewayRequestDuration *prometheus.HistogramVec
	GatewayBreakerState    *prometheus.GaugeVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// New creates a new Metrics instance registered on reg.
// A nil reg registers on the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "storefront"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		// Order metrics
		OrdersCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "order",
				Name:      "created_total",
				Help:      "Orders created at checkout by kind and resulting status",
			},
			[]string{"kind", "status"}, // kind: one_time, subscription, cash_on_delivery
		),
		OrderTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "order",
				Name:      "transitions_total",
				Help:      "Order status transitions by target status and source",
			},
			[]string{"status", "source"},
		),
		OrderConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "order",
				Name:      "concurrent_update_conflicts_total",
				Help:      "Conditional order writes rejected because of a concurrent update",
			},
		),
		SubscriptionRenewals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "renewals_total",
				Help:      "Billing cycle renewals recorded, by path and outcome",
			},
			[]string{"source", "outcome"}, // outcome: spawned, duplicate
		),
		SubscriptionSyncErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "sync_errors_total",
				Help:      "Errors raised by the subscription sync job",
			},
		),

		// Gateway metrics
		GatewayRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Payment gateway call duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation", "outcome"},
		),
		GatewayBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "breaker_open",
				Help:      "Gateway circuit breaker state (1=open, 0.5=half-open, 0=closed)",
			},
			[]string{"gateway"},
		),

		// Webhook metrics
		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Webhook events received by type and result",
			},
			[]string{"type", "result"}, // result: processed, duplicate, ignored, lookup_miss, failed, rejected
		),

		// Cache metrics
		CacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache"},
		),
	}
}

// --- Convenience methods ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusStr := statusCodeToString(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOrderCreated records a checkout outcome.
func (m *Metrics) RecordOrderCreated(kind, status string) {
	if m == nil {
		return
	}
	m.OrdersCreatedTotal.WithLabelValues(kind, status).Inc()
}

// RecordTransition records an order status transition.
func (m *Metrics) RecordTransition(status, source string) {
	if m == nil {
		return
	}
	m.OrderTransitionsTotal.WithLabelValues(status, source).Inc()
}

// RecordConflict records a rejected conditional write.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.OrderConflictsTotal.Inc()
}

// RecordRenewal records a billing cycle renewal attempt.
func (m *Metrics) RecordRenewal(source, outcome string) {
	if m == nil {
		return
	}
	m.SubscriptionRenewals.WithLabelValues(source, outcome).Inc()
}

// RecordSyncError records a subscription sync failure.
func (m *Metrics) RecordSyncError() {
	if m == nil {
		return
	}
	m.SubscriptionSyncErrors.Inc()
}

// RecordGatewayRequest records a payment gateway call.
func (m *Metrics) RecordGatewayRequest(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequestDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// SetBreakerState records the circuit breaker state of a gateway.
func (m *Metrics) SetBreakerState(gateway string, value float64) {
	if m == nil {
		return
	}
	m.GatewayBreakerState.WithLabelValues(gateway).Set(value)
}

// RecordWebhookEvent records a webhook delivery outcome.
func (m *Metrics) RecordWebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
