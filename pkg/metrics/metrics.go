package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Call Metrics
	callsTotal    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callsDuration prometheus.Histogram

	// Signal Metrics
	signalsTotal *prometheus.CounterVec

	// Presence Metrics
	heartbeatsTotal       prometheus.Counter
	heartbeatErrorsTotal  prometheus.Counter
	presenceSweepedTotal  prometheus.Counter

	// Reconnection Metrics
	reconnectAttemptsTotal  prometheus.Counter
	reconnectExhaustedTotal prometheus.Counter

	// Recording Metrics
	recordingUploadsTotal *prometheus.CounterVec

	// Push Notification Metrics
	pushNotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on the default registerer
func NewMetrics(serviceName string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, serviceName)
}

// NewMetricsWith creates and registers all Prometheus metrics on reg.
// Tests pass a private registry to avoid duplicate registration panics.
func NewMetricsWith(reg prometheus.Registerer, serviceName string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by terminal status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently in a non-terminal status",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Duration of connected calls in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		signalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_total",
				Help:        "Total number of signaling messages by type and direction",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		heartbeatsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "presence_heartbeats_total",
				Help:        "Total number of presence heartbeats emitted",
				ConstLabels: labels,
			},
		),
		heartbeatErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "presence_heartbeat_errors_total",
				Help:        "Total number of failed presence heartbeats",
				ConstLabels: labels,
			},
		),
		presenceSweepedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "presence_stale_expired_total",
				Help:        "Total number of users expired by the staleness sweep",
				ConstLabels: labels,
			},
		),
		reconnectAttemptsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "reconnect_attempts_total",
				Help:        "Total number of transport reconnection attempts",
				ConstLabels: labels,
			},
		),
		reconnectExhaustedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "reconnect_exhausted_total",
				Help:        "Total number of calls ended by reconnect exhaustion",
				ConstLabels: labels,
			},
		),
		recordingUploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "recording_uploads_total",
				Help:        "Total number of recording uploads by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
	}
}

// RecordHTTPRequest records an HTTP request with its duration
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// CallStarted increments the active-call gauge
func (m *Metrics) CallStarted() {
	m.callsActive.Inc()
}

// CallFinished records a call reaching a terminal status
func (m *Metrics) CallFinished(status string, duration time.Duration) {
	m.callsActive.Dec()
	m.callsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.callsDuration.Observe(duration.Seconds())
	}
}

// RecordSignal records a signaling message; direction is "sent" or "received"
func (m *Metrics) RecordSignal(signalType, direction string) {
	m.signalsTotal.WithLabelValues(signalType, direction).Inc()
}

// RecordHeartbeat records a presence heartbeat tick
func (m *Metrics) RecordHeartbeat(err error) {
	m.heartbeatsTotal.Inc()
	if err != nil {
		m.heartbeatErrorsTotal.Inc()
	}
}

// RecordStaleExpired records users expired by the staleness sweep
func (m *Metrics) RecordStaleExpired(count int) {
	m.presenceSweepedTotal.Add(float64(count))
}

// RecordReconnectAttempt records one transport reconnection attempt
func (m *Metrics) RecordReconnectAttempt() {
	m.reconnectAttemptsTotal.Inc()
}

// RecordReconnectExhausted records a call terminated by reconnect exhaustion
func (m *Metrics) RecordReconnectExhausted() {
	m.reconnectExhaustedTotal.Inc()
}

// RecordRecordingUpload records a recording upload outcome ("completed" or "failed")
func (m *Metrics) RecordRecordingUpload(outcome string) {
	m.recordingUploadsTotal.WithLabelValues(outcome).Inc()
}

// RecordPushNotification records a push notification outcome ("sent" or "failed")
func (m *Metrics) RecordPushNotification(outcome string) {
	m.pushNotificationsTotal.WithLabelValues(outcome).Inc()
}
