package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skillrelay"

// Metrics holds the counters and histograms recorded by the skill layer.
// Each instance owns its own registry so tests can create as many as they
// like.
type Metrics struct {
	registry *prometheus.Registry

	handlerErrors    *prometheus.CounterVec
	inboundRequests  *prometheus.CounterVec
	forwards         *prometheus.CounterVec
	forwardDuration  *prometheus.HistogramVec
	authDecisions    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionEnds      *prometheus.CounterVec
	duplicateInbound prometheus.Counter
}

// New creates a Metrics with a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		handlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_handler_errors_total",
			Help:      "Errors raised while executing a skill request route.",
		}, []string{"route"}),
		inboundRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_inbound_requests_total",
			Help:      "Requests received from skills, by verb and status.",
		}, []string{"verb", "status"}),
		forwards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_forwards_total",
			Help:      "Activities forwarded to skills, by skill and outcome.",
		}, []string{"skill", "outcome"}),
		forwardDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "skill_forward_duration_seconds",
			Help:      "Time spent waiting for a skill's reply.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"skill"}),
		authDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Inbound authentication decisions.",
		}, []string{"decision"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "skill_sessions_active",
			Help:      "Skill sessions currently owning a conversation.",
		}),
		sessionEnds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_session_ends_total",
			Help:      "Skill sessions ended, by reason.",
		}, []string{"reason"}),
		duplicateInbound: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_inbound_duplicates_total",
			Help:      "Inbound activities answered from the idempotence cache.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// The recording methods below are nil-safe so components can run without
// metrics.

func (m *Metrics) HandlerError(route string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(route).Inc()
}

func (m *Metrics) InboundRequest(verb string, status int) {
	if m == nil {
		return
	}
	m.inboundRequests.WithLabelValues(verb, http.StatusText(status)).Inc()
}

func (m *Metrics) DuplicateInbound() {
	if m == nil {
		return
	}
	m.duplicateInbound.Inc()
}

func (m *Metrics) Forward(skill string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.forwards.WithLabelValues(skill, outcome).Inc()
	m.forwardDuration.WithLabelValues(skill).Observe(elapsed.Seconds())
}

func (m *Metrics) AuthDecision(allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		m.authDecisions.WithLabelValues("allow").Inc()
		return
	}
	m.authDecisions.WithLabelValues("deny").Inc()
}

func (m *Metrics) SessionBegan() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionEnds.WithLabelValues(reason).Inc()
}
