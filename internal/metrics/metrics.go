package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy
type Metrics struct {
	registry *prometheus.Registry

	// Proxy metrics
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	ActiveStreams        prometheus.Gauge
	TokensTotal          *prometheus.CounterVec
	UpstreamErrorsTotal  *prometheus.CounterVec
	BreakerRejectedTotal prometheus.Counter

	// Policy metrics
	PolicyDecisionsTotal *prometheus.CounterVec

	// Event bus metrics
	EventsPublishedTotal prometheus.Counter
	EventsDroppedTotal   prometheus.Counter
	SubscribersActive    prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of proxied requests",
			},
			[]string{"provider", "kind", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_request_duration_seconds",
				Help:    "Duration of proxied requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "kind"},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_active_streams",
				Help: "Number of in-flight streaming requests",
			},
		),
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Accumulated token counts relayed through the proxy",
			},
			[]string{"provider", "direction"},
		),
		UpstreamErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_errors_total",
				Help: "Total number of upstream provider failures",
			},
			[]string{"provider"},
		),
		BreakerRejectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_breaker_rejected_total",
				Help: "Requests refused while the circuit breaker was open",
			},
		),

		PolicyDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_decisions_total",
				Help: "Command execution policy decisions",
			},
			[]string{"decision"},
		),

		EventsPublishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "eventbus_events_published_total",
				Help: "Total number of events published to the bus",
			},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "eventbus_events_dropped_total",
				Help: "Events dropped because a subscriber buffer overflowed",
			},
		),
		SubscribersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventbus_subscribers_active",
				Help: "Number of live event bus subscriptions",
			},
		),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveStreams,
		m.TokensTotal,
		m.UpstreamErrorsTotal,
		m.BreakerRejectedTotal,
		m.PolicyDecisionsTotal,
		m.EventsPublishedTotal,
		m.EventsDroppedTotal,
		m.SubscribersActive,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
