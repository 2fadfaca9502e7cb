package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the relay's Prometheus metrics.
//
// All methods are safe to call on a nil *Metrics, which lets components run
// without metrics in tests.
type Metrics struct {
	// SessionsCreated counts pairing sessions created.
	SessionsCreated prometheus.Counter

	// SessionsEnded counts sessions leaving the store.
	// Labels: outcome (completed|failed|cancelled|expired|shutdown|replaced)
	SessionsEnded *prometheus.CounterVec

	// ActiveSessions is the number of live sessions.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures time from creation to removal in seconds.
	// Labels: outcome
	SessionDuration *prometheus.HistogramVec

	// FrameCounter counts inbound frames.
	// Labels: role (server|client|unknown), step, result (ok|error)
	FrameCounter *prometheus.CounterVec

	// PersistDuration measures device record upserts in seconds.
	// Labels: status (success|error)
	PersistDuration *prometheus.HistogramVec

	// ActiveConnections is the number of open websocket connections.
	ActiveConnections prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg. A nil reg registers
// on the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairrelay_sessions_created_total",
			Help: "Total number of pairing sessions created",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairrelay_sessions_ended_total",
			Help: "Total number of pairing sessions removed by outcome",
		}, []string{"outcome"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairrelay_sessions_active",
			Help: "Number of live pairing sessions",
		}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pairrelay_session_duration_seconds",
			Help:    "Lifetime of pairing sessions in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300},
		}, []string{"outcome"}),
		FrameCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairrelay_frames_total",
			Help: "Total number of inbound frames by role, step and result",
		}, []string{"role", "step", "result"}),
		PersistDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pairrelay_persist_duration_seconds",
			Help:    "Duration of device record upserts in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"status"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairrelay_connections_active",
			Help: "Number of open websocket connections",
		}),
	}
}

// SessionStarted records a new session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records a removed session and its lifetime.
func (m *Metrics) SessionEnded(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(outcome).Inc()
	m.SessionDuration.WithLabelValues(outcome).Observe(durationSeconds)
	m.ActiveSessions.Dec()
}

// FrameHandled records an inbound frame.
func (m *Metrics) FrameHandled(role, step, result string) {
	if m == nil {
		return
	}
	m.FrameCounter.WithLabelValues(role, step, result).Inc()
}

// RecordPersist records a device record upsert.
func (m *Metrics) RecordPersist(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.PersistDuration.WithLabelValues(status).Observe(durationSeconds)
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}
