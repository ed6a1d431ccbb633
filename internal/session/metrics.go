package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the realtime session counters. A nil *Metrics records nothing.
type Metrics struct {
	activeSessions prometheus.Gauge
	sessionTotal   prometheus.Counter
	sessionEnds    *prometheus.CounterVec
	frameErrors    *prometheus.CounterVec
	frameLatency   *prometheus.HistogramVec
	messagesStored prometheus.Counter
	deliveries     *prometheus.CounterVec
}

// NewMetrics registers the session metrics on reg, or on the default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sealroom_sessions_active",
			Help: "Current number of open realtime sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sealroom_sessions_total",
			Help: "Total number of realtime sessions accepted since start.",
		}),
		sessionEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sealroom_sessions_ended_total",
			Help: "Realtime sessions ended, grouped by terminal state.",
		}, []string{"state"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sealroom_frame_errors_total",
			Help: "Error frames sent back to clients, grouped by code.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sealroom_frame_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		messagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sealroom_messages_stored_total",
			Help: "Sealed messages persisted.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sealroom_deliveries_total",
			Help: "Post-commit deliveries grouped by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.sessionEnds,
		m.frameErrors,
		m.frameLatency,
		m.messagesStored,
		m.deliveries,
	)
	return m
}

func (m *Metrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *Metrics) endSession(state State) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.sessionEnds.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *Metrics) recordStored() {
	if m == nil {
		return
	}
	m.messagesStored.Inc()
}

func (m *Metrics) recordDelivery(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.deliveries.WithLabelValues(result).Inc()
}
