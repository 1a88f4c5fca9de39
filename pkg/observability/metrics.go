// Package observability exports Prometheus metrics for pgwarp.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels for relayed-byte counters.
const (
	DirectionClientToBackend = "client_to_backend"
	DirectionBackendToClient = "backend_to_client"
)

// Metrics holds all Prometheus metrics for pgwarp.
// All methods are safe on a nil receiver, so metrics can be disabled by
// simply not constructing them.
type Metrics struct {
	// Counters
	SessionsTotal        prometheus.Counter
	StreamsTotal         prometheus.Counter
	BytesRelayedTotal    *prometheus.CounterVec
	HandshakeErrorsTotal *prometheus.CounterVec
	BackendConnectsTotal *prometheus.CounterVec

	// Gauges
	SessionsActive     prometheus.Gauge
	StreamsActive      prometheus.Gauge
	BackendConnsActive prometheus.Gauge

	// Histograms
	StartupDuration prometheus.Histogram
}

// DefaultMetrics creates a new Metrics instance with all metrics registered
// on the default registry.
func DefaultMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pgwarp_sessions_total",
			Help: "Total number of WebTransport sessions accepted",
		}),
		StreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pgwarp_streams_total",
			Help: "Total number of bidirectional streams accepted",
		}),
		BytesRelayedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwarp_bytes_relayed_total",
				Help: "Bytes relayed between client streams and backend connections",
			},
			[]string{"direction"},
		),
		HandshakeErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwarp_handshake_errors_total",
				Help: "Startup handshakes that ended in a rejection, by error type",
			},
			[]string{"type"},
		),
		BackendConnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwarp_backend_connects_total",
				Help: "Backend TCP connection attempts by status",
			},
			[]string{"status"},
		),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pgwarp_sessions_active",
			Help: "Number of active WebTransport sessions",
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pgwarp_streams_active",
			Help: "Number of active bridged streams",
		}),
		BackendConnsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pgwarp_backend_conns_active",
			Help: "Number of open backend TCP connections",
		}),
		StartupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgwarp_startup_duration_seconds",
			Help:    "Time from stream accept to entering relay, in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		}),
	}
}

// RecordSessionStart increments the session counter and gauge.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd decrements the active sessions gauge.
func (m *Metrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecordStreamStart increments the stream counter and gauge.
func (m *Metrics) RecordStreamStart() {
	if m == nil {
		return
	}
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd decrements the active streams gauge.
func (m *Metrics) RecordStreamEnd() {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
}

// RecordBytesRelayed adds to the relayed-byte counter for one direction.
func (m *Metrics) RecordBytesRelayed(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRelayedTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordHandshakeError counts a startup handshake rejection.
func (m *Metrics) RecordHandshakeError(errorType string) {
	if m == nil {
		return
	}
	m.HandshakeErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordBackendConnect counts a backend connection attempt.
func (m *Metrics) RecordBackendConnect(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.BackendConnectsTotal.WithLabelValues(status).Inc()
	if success {
		m.BackendConnsActive.Inc()
	}
}

// RecordBackendDisconnect decrements the open backend connections gauge.
func (m *Metrics) RecordBackendDisconnect() {
	if m == nil {
		return
	}
	m.BackendConnsActive.Dec()
}

// RecordStartupDuration observes the time a handshake took to reach relay.
func (m *Metrics) RecordStartupDuration(seconds float64) {
	if m == nil {
		return
	}
	m.StartupDuration.Observe(seconds)
}
