// Package metrics exposes the router's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the router.
type Metrics struct {
	EventsTotal    *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	InflightEvents prometheus.Gauge
	Backpressure   prometheus.Counter

	Decisions *prometheus.CounterVec

	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	AdapterRetries   *prometheus.CounterVec

	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	RateLimitDenied *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses prometheus.Counter

	EgressSends    *prometheus.CounterVec
	EgressDuration *prometheus.HistogramVec

	AuditFlushed prometheus.Counter
	AuditRefused prometheus.Counter
	AuditQueue   prometheus.Gauge
}

// New creates and registers all collectors on reg. Tests pass a private
// registry; the process passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_events_total",
				Help: "Inbound events accepted by ingress",
			},
			[]string{"platform", "kind"},
		),
		EventsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_events_rejected_total",
				Help: "Inbound events rejected before processing",
			},
			[]string{"reason"},
		),
		InflightEvents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "router_inflight_events",
				Help: "Events currently inside the pipeline",
			},
		),
		Backpressure: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "router_backpressure_total",
				Help: "Events refused because the inflight bound was reached",
			},
		),
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_decisions_total",
				Help: "Audit decisions by type",
			},
			[]string{"decision"},
		),
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_dispatch_total",
				Help: "Adapter executions by module and outcome",
			},
			[]string{"module", "outcome"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_dispatch_duration_seconds",
				Help:    "Adapter execution latency including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"module", "adapter"},
		),
		AdapterRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_adapter_retries_total",
				Help: "Retry attempts per module",
			},
			[]string{"module"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_breaker_state",
				Help: "Circuit state per endpoint (0 closed, 1 half-open, 2 open)",
			},
			[]string{"endpoint"},
		),
		BreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_breaker_trips_total",
				Help: "Circuit trips per endpoint",
			},
			[]string{"endpoint"},
		),
		RateLimitDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_rate_limit_denied_total",
				Help: "Dispatches denied by a token bucket",
			},
			[]string{"class", "bucket"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cache_hits_total",
				Help: "Response cache hits by kind (fresh, inflight)",
			},
			[]string{"kind"},
		),
		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "router_cache_misses_total",
				Help: "Response cache misses",
			},
		),
		EgressSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_egress_sends_total",
				Help: "Outbound deliveries by binding and outcome",
			},
			[]string{"binding", "outcome"},
		),
		EgressDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_egress_send_duration_seconds",
				Help:    "Outbound delivery latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"binding"},
		),
		AuditFlushed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "router_audit_flushed_total",
				Help: "Audit records written to the sink",
			},
		),
		AuditRefused: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "router_audit_refused_total",
				Help: "Events refused because the audit sink was unavailable",
			},
		),
		AuditQueue: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "router_audit_queue_depth",
				Help: "Audit records waiting for flush",
			},
		),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests that
// do not assert on counters.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// RecordEvent counts an accepted inbound event.
func (m *Metrics) RecordEvent(platform, kind string) {
	m.EventsTotal.WithLabelValues(platform, kind).Inc()
}

// RecordRejection counts a refused inbound event.
func (m *Metrics) RecordRejection(reason string) {
	m.EventsRejected.WithLabelValues(reason).Inc()
}

// RecordDecision counts an audit decision.
func (m *Metrics) RecordDecision(decision string) {
	m.Decisions.WithLabelValues(decision).Inc()
}

// RecordDispatch counts one adapter execution outcome and its latency.
func (m *Metrics) RecordDispatch(module, adapter, outcome string, seconds float64) {
	m.DispatchTotal.WithLabelValues(module, outcome).Inc()
	m.DispatchDuration.WithLabelValues(module, adapter).Observe(seconds)
}

// RecordBreakerState reflects a circuit transition on the state gauge.
func (m *Metrics) RecordBreakerState(endpoint string, state float64) {
	m.BreakerState.WithLabelValues(endpoint).Set(state)
}

// RecordEgress counts one outbound delivery.
func (m *Metrics) RecordEgress(binding, outcome string, seconds float64) {
	m.EgressSends.WithLabelValues(binding, outcome).Inc()
	m.EgressDuration.WithLabelValues(binding).Observe(seconds)
}
