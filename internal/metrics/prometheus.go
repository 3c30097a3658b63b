package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsAdmitted prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionsReaped   prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Streaming input metrics
	FramesReceived prometheus.Counter
	BytesReceived  prometheus.Counter

	// Window metrics
	WindowsProduced  prometheus.Counter
	WindowsDropped   *prometheus.CounterVec
	ResultsDelivered prometheus.Counter

	// Silence gate metrics
	VADWindowsProcessed prometheus.Counter
	VADVoiceDetected    prometheus.Counter
	VADProcessingTime   prometheus.Histogram

	// Gateway and engine metrics
	GatewayQueueDepth prometheus.Gauge
	GatewayRejected   prometheus.Counter
	EngineInvocations prometheus.Counter
	EngineSuccesses   prometheus.Counter
	EngineFailures    prometheus.Counter
	EngineDuration    prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_active_sessions",
			Help: "Current number of admitted streaming sessions",
		}),
		SessionsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_sessions_admitted_total",
			Help: "Total number of streaming sessions admitted",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_sessions_rejected_total",
			Help: "Total number of connections rejected at capacity",
		}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_sessions_reaped_total",
			Help: "Total number of sessions expired for inactivity",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_session_duration_seconds",
			Help:    "Lifetime of streaming sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Streaming input metrics
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_frames_received_total",
			Help: "Total number of binary audio frames received",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_audio_bytes_received_total",
			Help: "Total number of PCM bytes received",
		}),

		// Window metrics
		WindowsProduced: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_windows_produced_total",
			Help: "Total number of audio windows cut from session buffers",
		}),
		WindowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_windows_dropped_total",
			Help: "Total number of audio windows dropped before transcription",
		}, []string{"reason"}),
		ResultsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_results_delivered_total",
			Help: "Total number of transcription results sent to clients",
		}),

		// Silence gate metrics
		VADWindowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_vad_windows_processed_total",
			Help: "Total number of windows evaluated by the silence gate",
		}),
		VADVoiceDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_vad_voice_detected_total",
			Help: "Total number of windows with voice detected",
		}),
		VADProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_vad_processing_duration_seconds",
			Help:    "Time spent evaluating windows in the silence gate",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // 100us to ~50ms
		}),

		// Gateway and engine metrics
		GatewayQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_gateway_queue_depth",
			Help: "Current number of windows waiting for the engine",
		}),
		EngineInvocations: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_engine_invocations_total",
			Help: "Total number of engine invocations",
		}),
		EngineSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_engine_successes_total",
			Help: "Total number of successful engine invocations",
		}),
		EngineFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_engine_failures_total",
			Help: "Total number of failed engine invocations",
		}),
		EngineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_engine_duration_seconds",
			Help:    "Duration of engine invocations",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		GatewayRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_gateway_rejected_total",
			Help: "Total number of submissions rejected by a full gateway queue",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcriber_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSessions sets the current number of admitted sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionAdmitted increments the admitted counter
func (m *Metrics) RecordSessionAdmitted() {
	if m == nil {
		return
	}
	m.SessionsAdmitted.Inc()
}

// RecordSessionRejected increments the capacity rejection counter
func (m *Metrics) RecordSessionRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

// RecordSessionReaped increments the idle expiry counter
func (m *Metrics) RecordSessionReaped() {
	if m == nil {
		return
	}
	m.SessionsReaped.Inc()
}

// RecordSessionClosed increments the closed counter and records the session lifetime
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrame records one received binary frame
func (m *Metrics) RecordFrame(sizeBytes int) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	m.BytesReceived.Add(float64(sizeBytes))
}

// RecordWindowProduced increments the produced windows counter
func (m *Metrics) RecordWindowProduced() {
	if m == nil {
		return
	}
	m.WindowsProduced.Inc()
}

// RecordWindowDropped increments the dropped windows counter for reason
func (m *Metrics) RecordWindowDropped(reason string) {
	if m == nil {
		return
	}
	m.WindowsDropped.WithLabelValues(reason).Inc()
}

// RecordResultDelivered increments the delivered results counter
func (m *Metrics) RecordResultDelivered() {
	if m == nil {
		return
	}
	m.ResultsDelivered.Inc()
}

// RecordVADWindow increments VAD windows processed and optionally voice detected
func (m *Metrics) RecordVADWindow(hasVoice bool, processingTimeSeconds float64) {
	if m == nil {
		return
	}
	m.VADWindowsProcessed.Inc()
	if hasVoice {
		m.VADVoiceDetected.Inc()
	}
	m.VADProcessingTime.Observe(processingTimeSeconds)
}

// SetGatewayQueueDepth sets the current gateway queue depth
func (m *Metrics) SetGatewayQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.GatewayQueueDepth.Set(float64(depth))
}

// RecordGatewayRejected increments the backpressure counter
func (m *Metrics) RecordGatewayRejected() {
	if m == nil {
		return
	}
	m.GatewayRejected.Inc()
}

// RecordEngineInvocation records one engine call and its outcome
func (m *Metrics) RecordEngineInvocation(success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.EngineInvocations.Inc()
	if success {
		m.EngineSuccesses.Inc()
	} else {
		m.EngineFailures.Inc()
	}
	m.EngineDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
