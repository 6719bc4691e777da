package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pipeline stage outcomes
	TokensIssuedTotal    *prometheus.CounterVec
	RateLimitTotal       *prometheus.CounterVec
	AuthorizationTotal   *prometheus.CounterVec
	UpstreamCallDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec

	// Rate limiter housekeeping
	RateLimitSweptTotal prometheus.Counter
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		TokensIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calltoken_tokens_issued_total",
			Help: "Total number of call tokens issued",
		}, []string{"role"}),

		RateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calltoken_rate_limit_decisions_total",
			Help: "Rate limiter decisions",
		}, []string{"decision"}),

		AuthorizationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calltoken_authorization_total",
			Help: "Channel authorization outcomes",
		}, []string{"outcome"}),

		UpstreamCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calltoken_upstream_call_duration_seconds",
			Help:    "Duration of calls to the identity provider, rate limit backend and store",
			Buckets: prometheus.DefBuckets,
		}, []string{"dependency", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		RateLimitSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calltoken_rate_limit_swept_total",
			Help: "Expired rate limit entries removed by the sweeper",
		}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.TokensIssuedTotal)
	registerOrGet(m.RateLimitTotal)
	registerOrGet(m.AuthorizationTotal)
	registerOrGet(m.UpstreamCallDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.RateLimitSweptTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
