package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the speech service
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsOpened  *prometheus.CounterVec
	SessionsClosed  prometheus.Counter
	SessionsFailed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Audio metrics
	BytesReceived   prometheus.Counter
	FramesProcessed prometheus.Counter
	FramesDropped   prometheus.Counter

	// Enrollment metrics
	EnrollmentsCompleted prometheus.Counter
	EnrollmentProgress   prometheus.Histogram

	// Profile store metrics
	ProfilesSaved      prometheus.Counter
	ProfileStoreErrors prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Counter
	WSMessages    prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mend_active_sessions",
			Help: "Current number of active sessions",
		}),
		SessionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mend_sessions_opened_total",
			Help: "Total number of sessions opened",
		}, []string{"mode"}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mend_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mend_sessions_failed_total",
			Help: "Total number of sessions that failed on an engine error",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mend_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Audio metrics
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mend_audio_bytes_received_total",
			Help: "Total number of audio bytes fed into sessions",
		}),
		FramesProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mend_frames_processed_total",
			Help: "Total number of complete frames handed to the engines",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mend_frame_remainder_bytes_dropped_total",
			Help: "Total bytes of trailing sub-frame remainders discarded at finalize",
		}),

		// Enrollment metrics
		EnrollmentsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mend_enrollments_completed_total",
			Help: "Total number of enrollments that reached 100% and persisted a profile",
		}),
		EnrollmentProgress: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mend_enrollment_final_percentage",
			Help:    "Enrollment percentage reached at finalize",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 to 100
		}),

		// Profile store metrics
		ProfilesSaved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mend_profiles_saved_total",
			Help: "Total number of profile blobs persisted",
		}),
		ProfileStoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mend_profile_store_errors_total",
			Help: "Total number of profile store read/write failures",
		}),

		// WebSocket metrics
		WSConnections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mend_ws_connections_total",
			Help: "Total number of WebSocket connections accepted",
		}),
		WSMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mend_ws_messages_total",
			Help: "Total number of WebSocket messages sent to clients",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mend_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mend_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mend_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionOpened increments session counters for the given mode
func (m *Metrics) RecordSessionOpened(mode string) {
	m.SessionsOpened.WithLabelValues(mode).Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed records a session teardown and its duration
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsClosed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionFailed increments the failed session counter
func (m *Metrics) RecordSessionFailed() {
	m.SessionsFailed.Inc()
}

// RecordBytesReceived adds to the received byte counter
func (m *Metrics) RecordBytesReceived(n int) {
	m.BytesReceived.Add(float64(n))
}

// RecordFramesProcessed adds to the processed frame counter
func (m *Metrics) RecordFramesProcessed(n int) {
	m.FramesProcessed.Add(float64(n))
}

// RecordFramesDropped adds discarded remainder bytes
func (m *Metrics) RecordFramesDropped(bytes int) {
	m.FramesDropped.Add(float64(bytes))
}

// RecordEnrollmentCompleted records a persisted enrollment
func (m *Metrics) RecordEnrollmentCompleted() {
	m.EnrollmentsCompleted.Inc()
}

// RecordEnrollmentFinalized records the percentage reached at finalize
func (m *Metrics) RecordEnrollmentFinalized(percentage int) {
	m.EnrollmentProgress.Observe(float64(percentage))
}

// RecordProfileSaved increments the saved profile counter
func (m *Metrics) RecordProfileSaved() {
	m.ProfilesSaved.Inc()
}

// RecordProfileStoreError increments the store error counter
func (m *Metrics) RecordProfileStoreError() {
	m.ProfileStoreErrors.Inc()
}

// RecordWSConnection increments the WebSocket connection counter
func (m *Metrics) RecordWSConnection() {
	m.WSConnections.Inc()
}

// RecordWSMessage increments the WebSocket message counter
func (m *Metrics) RecordWSMessage() {
	m.WSMessages.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
