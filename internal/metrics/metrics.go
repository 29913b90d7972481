// Package metrics provides Prometheus metrics for the relay and the agent.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "muti_relay"

// Metrics contains all Prometheus metrics. Every Record method is safe to
// call on a nil *Metrics.
type Metrics struct {
	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	SessionDisconnects *prometheus.CounterVec
	HandshakeLatency   prometheus.Histogram
	AuthFailures       *prometheus.CounterVec

	// Tunnel metrics
	TunnelsActive       prometheus.Gauge
	TunnelRegistrations *prometheus.CounterVec

	// Stream metrics
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamOpenLatency prometheus.Histogram
	StreamErrors      *prometheus.CounterVec

	// Data transfer metrics
	BytesForwarded *prometheus.CounterVec

	// Liveness metrics
	HeartbeatRTT prometheus.Histogram

	// Agent metrics
	ReconnectAttempts prometheus.Counter
	ReconnectDelay    prometheus.Histogram
	AgentConnected    prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sessions_active",
			Help:      "Number of currently authenticated sessions",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_total",
			Help:      "Total authenticated sessions by transport type",
		}, []string{"transport"}),
		SessionDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_disconnects_total",
			Help:      "Total session teardowns by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of session handshake latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "auth_failures_total",
			Help:      "Total rejected handshakes by error code",
		}, []string{"code"}),

		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tunnels_active",
			Help:      "Number of tunnels with a bound public port",
		}),
		TunnelRegistrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tunnel_registrations_total",
			Help:      "Total tunnel registrations by result",
		}, []string{"result"}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "streams_active",
			Help:      "Number of currently forwarded connections",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Histogram of Open to OpenAck latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stream_errors_total",
			Help:      "Total stream errors by type",
		}, []string{"error_type"}),

		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total forwarded bytes by direction",
		}, []string{"direction"}),

		HeartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Histogram of Ping/Pong round trip times in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total agent reconnection attempts",
		}),
		ReconnectDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Histogram of backoff delays before reconnecting",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 30, 60, 120},
		}),
		AgentConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "agent_connected",
			Help:      "1 while the agent holds an authenticated session",
		}),
	}
}

// RecordSessionStart records a successful handshake.
func (m *Metrics) RecordSessionStart(transport string, latency time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues(transport).Inc()
	m.HandshakeLatency.Observe(latency.Seconds())
}

// RecordSessionEnd records a session teardown.
func (m *Metrics) RecordSessionEnd(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDisconnects.WithLabelValues(reason).Inc()
}

// RecordAuthFailure records a rejected handshake.
func (m *Metrics) RecordAuthFailure(code string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(code).Inc()
}

// RecordTunnelRegistration records a registration outcome, "ok" or an
// error code name.
func (m *Metrics) RecordTunnelRegistration(result string) {
	if m == nil {
		return
	}
	m.TunnelRegistrations.WithLabelValues(result).Inc()
}

// SetTunnelsActive sets the active tunnel gauge.
func (m *Metrics) SetTunnelsActive(n int) {
	if m == nil {
		return
	}
	m.TunnelsActive.Set(float64(n))
}

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen(latency time.Duration) {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
	m.StreamOpenLatency.Observe(latency.Seconds())
}

// RecordStreamClose records a stream being closed with its byte counts.
func (m *Metrics) RecordStreamClose(in, out int64) {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
	m.BytesForwarded.WithLabelValues("in").Add(float64(in))
	m.BytesForwarded.WithLabelValues("out").Add(float64(out))
}

// RecordStreamError records a stream that failed to open or was reset.
func (m *Metrics) RecordStreamError(errorType string) {
	if m == nil {
		return
	}
	m.StreamErrors.WithLabelValues(errorType).Inc()
}

// RecordHeartbeatRTT records a Ping/Pong round trip.
func (m *Metrics) RecordHeartbeatRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.HeartbeatRTT.Observe(rtt.Seconds())
}

// RecordReconnect records a reconnection attempt after delay.
func (m *Metrics) RecordReconnect(delay time.Duration) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
	m.ReconnectDelay.Observe(delay.Seconds())
}

// SetAgentConnected sets the agent connection gauge.
func (m *Metrics) SetAgentConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.AgentConnected.Set(1)
	} else {
		m.AgentConnected.Set(0)
	}
}
