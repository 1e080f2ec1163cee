package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	// Fragment ingestion metrics
	FragmentsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	MalformedFrames   prometheus.Counter
	PendingWindows    prometheus.Gauge

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Window metrics
	WindowsDispatched prometheus.Counter
	WindowSize        prometheus.Histogram
	WindowDuration    prometheus.Histogram

	// Energy gate metrics
	GateWindowsProcessed prometheus.Counter
	GateVoiceDetected    prometheus.Counter

	// Recognition metrics
	RecognitionRequests *prometheus.CounterVec
	RecognitionResults  *prometheus.CounterVec
	RecognitionDuration prometheus.Histogram
	ResultsDiscarded    prometheus.Counter

	// Outbound metrics
	MessagesSent prometheus.Counter
	SendFailures prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Fragment ingestion metrics
		FragmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_fragments_received_total",
			Help: "Total number of audio fragments received",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_fragment_bytes_received_total",
			Help: "Total number of audio bytes received",
		}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_malformed_frames_total",
			Help: "Total number of inbound frames rejected as malformed",
		}),
		PendingWindows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcribe_pending_windows",
			Help: "Current number of completed windows waiting for a recognition slot",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcribe_active_sessions",
			Help: "Current number of active transcription sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_sessions_opened_total",
			Help: "Total number of sessions opened",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_sessions_rejected_total",
			Help: "Total number of connections rejected by the session limit",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcribe_session_duration_seconds",
			Help:    "Duration of transcription sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Window metrics
		WindowsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_windows_dispatched_total",
			Help: "Total number of audio windows dispatched for recognition",
		}),
		WindowSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcribe_window_size_bytes",
			Help:    "Size of completed audio windows in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		WindowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcribe_window_duration_seconds",
			Help:    "Playback duration of completed audio windows",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~32s
		}),

		// Energy gate metrics
		GateWindowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_gate_windows_processed_total",
			Help: "Total number of windows measured by the energy gate",
		}),
		GateVoiceDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_gate_voice_detected_total",
			Help: "Total number of windows the energy gate passed as speech",
		}),

		// Recognition metrics
		RecognitionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_recognition_requests_total",
			Help: "Total number of recognition backend calls",
		}, []string{"backend"}),
		RecognitionResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_recognition_results_total",
			Help: "Total number of classified recognition results",
		}, []string{"kind"}),
		RecognitionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcribe_recognition_duration_seconds",
			Help:    "Duration of window classification including the backend call",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		ResultsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_results_discarded_total",
			Help: "Total number of results dropped because their session closed",
		}),

		// Outbound metrics
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_messages_sent_total",
			Help: "Total number of outbound messages written to clients",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_send_failures_total",
			Help: "Total number of outbound message write failures",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcribe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFragment records one inbound audio fragment
func (m *Metrics) RecordFragment(sizeBytes int) {
	m.FragmentsReceived.Inc()
	m.BytesReceived.Add(float64(sizeBytes))
}

// RecordMalformedFrame increments the malformed frames counter
func (m *Metrics) RecordMalformedFrame() {
	m.MalformedFrames.Inc()
}

// AddPendingWindows adjusts the pending windows gauge by delta
func (m *Metrics) AddPendingWindows(delta int) {
	m.PendingWindows.Add(float64(delta))
}

// RecordSessionOpened increments the opened counter and the active gauge
func (m *Metrics) RecordSessionOpened() {
	m.SessionsOpened.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed increments the closed counter, decrements the active gauge and records duration
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsClosed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected increments the rejected sessions counter
func (m *Metrics) RecordSessionRejected() {
	m.SessionsRejected.Inc()
}

// RecordWindowDispatched records a completed window handed to recognition
func (m *Metrics) RecordWindowDispatched(sizeBytes int, durationSeconds float64) {
	m.WindowsDispatched.Inc()
	m.WindowSize.Observe(float64(sizeBytes))
	m.WindowDuration.Observe(durationSeconds)
}

// RecordGateWindow increments gate windows processed and optionally voice detected
func (m *Metrics) RecordGateWindow(hasVoice bool) {
	m.GateWindowsProcessed.Inc()
	if hasVoice {
		m.GateVoiceDetected.Inc()
	}
}

// RecordRecognitionRequest increments the backend call counter
func (m *Metrics) RecordRecognitionRequest(backend string) {
	m.RecognitionRequests.WithLabelValues(backend).Inc()
}

// RecordRecognitionResult records a classified result and its duration
func (m *Metrics) RecordRecognitionResult(kind string, durationSeconds float64) {
	m.RecognitionResults.WithLabelValues(kind).Inc()
	m.RecognitionDuration.Observe(durationSeconds)
}

// RecordResultDiscarded increments the discarded results counter
func (m *Metrics) RecordResultDiscarded() {
	m.ResultsDiscarded.Inc()
}

// RecordMessageSent increments the messages sent counter
func (m *Metrics) RecordMessageSent() {
	m.MessagesSent.Inc()
}

// RecordSendFailure increments the send failures counter
func (m *Metrics) RecordSendFailure() {
	m.SendFailures.Inc()
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
