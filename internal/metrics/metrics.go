// Package metrics exposes session and stream accounting to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

const namespace = "trialmatch"

// Metrics implements session.Observer on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	framesDecoded     *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	events            *prometheus.CounterVec
	turns             *prometheus.CounterVec
	heartbeatTimeouts *prometheus.CounterVec
	turnsInFlight     prometheus.Gauge
	turnDuration      *prometheus.HistogramVec
}

// New creates the metric set and registers it, with the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_decoded_total",
			Help:      "Backend frames normalized into canonical events.",
		}, []string{"vocabulary"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_dropped_total",
			Help:      "Backend frames dropped without producing events.",
		}, []string{"vocabulary", "reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Canonical events delivered to turn consumers.",
		}, []string{"type"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "turns_total",
			Help:      "Finished turns by outcome.",
		}, []string{"outcome"}),
		heartbeatTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "heartbeat_timeouts_total",
			Help:      "Streams cancelled after going silent.",
		}, []string{"vocabulary"}),
		turnsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "turns_in_flight",
			Help:      "Turns currently streaming.",
		}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a turn from stream open to end.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.framesDecoded,
		m.framesDropped,
		m.events,
		m.turns,
		m.heartbeatTimeouts,
		m.turnsInFlight,
		m.turnDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) FrameDecoded(vocabulary string) {
	m.framesDecoded.WithLabelValues(vocabulary).Inc()
}

func (m *Metrics) FrameDropped(vocabulary, reason string) {
	m.framesDropped.WithLabelValues(vocabulary, reason).Inc()
}

func (m *Metrics) HeartbeatTimeout(vocabulary string) {
	m.heartbeatTimeouts.WithLabelValues(vocabulary).Inc()
}

func (m *Metrics) EventEmitted(t domain.EventType) {
	m.events.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) TurnStarted() {
	m.turnsInFlight.Inc()
}

func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	m.turnsInFlight.Dec()
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
