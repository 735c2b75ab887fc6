package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	errors           *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec
	eventsClaimed    prometheus.Counter
	eventsFinished   *prometheus.CounterVec
	attempts         *prometheus.CounterVec
	attemptDuration  prometheus.Histogram
	slaBreaches      *prometheus.CounterVec
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketflow_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticketflow_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketflow_http_errors_total",
			Help: "HTTP error responses by route and error code.",
		}, []string{"route", "method", "code"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketflow_transitions_total",
			Help: "Workflow requests by aggregate and result.",
		}, []string{"aggregate", "result"}),
		versionConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketflow_version_conflicts_total",
			Help: "Optimistic concurrency conflicts by aggregate.",
		}, []string{"aggregate"}),
		eventsClaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "ticketflow_outbox_events_claimed_total",
			Help: "Outbox events leased by dispatcher workers.",
		}),
		eventsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketflow_outbox_events_finished_total",
			Help: "Outbox events reaching a final dispatch state.",
		}, []string{"state"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketflow_webhook_attempts_total",
			Help: "Webhook delivery attempts by resulting outcome.",
		}, []string{"outcome"}),
		attemptDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketflow_webhook_attempt_duration_seconds",
			Help:    "Webhook attempt latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		slaBreaches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketflow_sla_breaches_total",
			Help: "SLA breaches announced by deadline kind.",
		}, []string{"kind"}),
	}
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(route, method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(route, method, code).Inc()
}

// RecordTransition counts a workflow request outcome.
func (m *Metrics) RecordTransition(aggregate, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(aggregate, result).Inc()
}

// RecordVersionConflict counts an optimistic concurrency retry.
func (m *Metrics) RecordVersionConflict(aggregate string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(aggregate).Inc()
}

// RecordClaimed counts leased outbox events.
func (m *Metrics) RecordClaimed(n int) {
	if m == nil {
		return
	}
	m.eventsClaimed.Add(float64(n))
}

// RecordEventFinished counts an event reaching dispatched or failed_terminal.
func (m *Metrics) RecordEventFinished(state string) {
	if m == nil {
		return
	}
	m.eventsFinished.WithLabelValues(state).Inc()
}

// RecordAttempt counts a webhook attempt.
func (m *Metrics) RecordAttempt(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.Observe(duration.Seconds())
}

// RecordSLABreach counts an announced breach.
func (m *Metrics) RecordSLABreach(kind string) {
	if m == nil {
		return
	}
	m.slaBreaches.WithLabelValues(kind).Inc()
}
