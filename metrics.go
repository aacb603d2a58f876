package rcon

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks RCON server statistics in Prometheus collectors.
//
// All metrics use the rcon_ prefix. A nil *Metrics is valid and records nothing, so servers run
// without metrics by leaving [ServerConfig.Metrics] unset.
type Metrics struct {
	// SessionsActive tracks the number of sessions currently being served.
	SessionsActive prometheus.Gauge

	// SessionsTotal counts ended sessions by end reason.
	SessionsTotal *prometheus.CounterVec

	// SessionDuration tracks how long sessions last.
	SessionDuration prometheus.Histogram

	// ConnectionsRejected counts connections closed because of the connection cap.
	ConnectionsRejected prometheus.Counter

	// PacketsReceived counts inbound packets by packet type.
	PacketsReceived *prometheus.CounterVec

	// PacketsSent counts outbound packets.
	PacketsSent prometheus.Counter

	// AuthFailures counts wrong password attempts.
	AuthFailures prometheus.Counter

	// CommandsTotal counts executed commands by result ("ok" or "error").
	CommandsTotal *prometheus.CounterVec

	// CommandDuration tracks executor latency.
	CommandDuration prometheus.Histogram
}

// NewMetrics creates RCON metrics and registers them with reg.
//
// Panics if registration fails (expected during initialization only).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rcon_sessions_active",
				Help: "Current number of RCON sessions being served",
			},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcon_sessions_total",
				Help: "Total ended RCON sessions by end reason",
			},
			[]string{"reason"},
		),
		SessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rcon_session_duration_seconds",
				Help:    "RCON session duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 1800},
			},
		),
		ConnectionsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rcon_connections_rejected_total",
				Help: "Total connections closed because the connection limit was reached",
			},
		),
		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcon_packets_received_total",
				Help: "Total inbound RCON packets by packet type",
			},
			[]string{"type"},
		),
		PacketsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rcon_packets_sent_total",
				Help: "Total outbound RCON packets",
			},
		),
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rcon_auth_failures_total",
				Help: "Total authentication attempts with a wrong password",
			},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcon_commands_total",
				Help: "Total executed commands by result",
			},
			[]string{"result"}, // "ok", "error"
		),
		CommandDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rcon_command_duration_seconds",
				Help:    "Command executor duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.ConnectionsRejected,
		m.PacketsReceived,
		m.PacketsSent,
		m.AuthFailures,
		m.CommandsTotal,
		m.CommandDuration,
	)

	return m
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) sessionEnded(reason EndReason, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason.String()).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) connectionRejected() {
	if m == nil {
		return
	}
	m.ConnectionsRejected.Inc()
}

// packetTypeLabel keeps label cardinality bounded: unknown types share one label.
func packetTypeLabel(t int32) string {
	switch t {
	case PacketTypeAuth:
		return "auth"
	case PacketTypeExecCommand:
		return "exec_command"
	case PacketTypeResponseValue:
		return "response_value"
	default:
		return "unknown"
	}
}

func (m *Metrics) packetReceived(t int32) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(packetTypeLabel(t)).Inc()
}

func (m *Metrics) packetSent() {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
}

func (m *Metrics) authFailed() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

func (m *Metrics) commandExecuted(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CommandsTotal.WithLabelValues(result).Inc()
	m.CommandDuration.Observe(d.Seconds())
}
