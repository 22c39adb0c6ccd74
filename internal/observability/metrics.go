// Package observability exposes the Prometheus instruments of the service.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Turns              *prometheus.CounterVec
	RouteExecutions    *prometheus.CounterVec
	RouteLatency       *prometheus.HistogramVec
	MutationRejections *prometheus.CounterVec
	SessionEvents      *prometheus.CounterVec
	DocumentsIngested  prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg uses a fresh
// registry, so tests and multiple servers in one process do not collide.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		RouteExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_executions_total",
			Help:      "Route executions by route and outcome.",
		}, []string{"route", "outcome"}),
		RouteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_latency_ms",
			Help:      "Route execution latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"route"}),
		MutationRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sql_mutation_rejections_total",
			Help:      "Statements rejected by the read-only guard, by origin.",
		}, []string{"origin"}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		DocumentsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_ingested_total",
			Help:      "Documents accepted for indexing.",
		}),
		gatherer: reg,
	}
}

// ObserveRoute records one route execution.
func (m *Metrics) ObserveRoute(route, outcome string, d time.Duration) {
	m.RouteExecutions.WithLabelValues(route, outcome).Inc()
	m.RouteLatency.WithLabelValues(route).Observe(float64(d.Milliseconds()))
}

// ObserveTurn records the outcome of a chat turn.
func (m *Metrics) ObserveTurn(outcome string) {
	m.Turns.WithLabelValues(outcome).Inc()
}

// SQLMutationRejected counts a statement refused by the read-only guard.
func (m *Metrics) SQLMutationRejected(origin string) {
	m.MutationRejections.WithLabelValues(origin).Inc()
}

// SessionEvent counts a session lifecycle event.
func (m *Metrics) SessionEvent(event string) {
	m.SessionEvents.WithLabelValues(event).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
