// Package metrics owns the Prometheus collectors for the collaboration core.
//
// All methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bloks"

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	sessions      prometheus.Gauge
	rooms         prometheus.Gauge
	eventsEmitted *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	authz         *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "sessions",
			Help:      "Connected realtime sessions.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "rooms",
			Help:      "Document rooms with at least one member.",
		}),
		eventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_emitted_total",
			Help:      "Events enqueued to sessions, by scope.",
		}, []string{"scope"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Events dropped for a session, by reason.",
		}, []string{"reason"}),
		authz: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Authorization decisions, by action and result.",
		}, []string{"action", "result"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invite",
			Name:      "token_operations_total",
			Help:      "Token store operations, by operation and outcome.",
		}, []string{"op", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by status class.",
		}, []string{"class"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) EventsEmitted(scope string, n int) {
	if m != nil && n > 0 {
		m.eventsEmitted.WithLabelValues(scope).Add(float64(n))
	}
}

func (m *Metrics) EventsDropped(reason string, n int) {
	if m != nil && n > 0 {
		m.eventsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) AuthzDecision(action, result string) {
	if m != nil {
		m.authz.WithLabelValues(action, result).Inc()
	}
}

func (m *Metrics) TokenOp(op, outcome string) {
	if m != nil {
		m.tokens.WithLabelValues(op, outcome).Inc()
	}
}

func (m *Metrics) HTTPRequest(class string) {
	if m != nil {
		m.httpRequests.WithLabelValues(class).Inc()
	}
}
