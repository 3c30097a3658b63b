package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/engine"
	"github.com/skypro1111/stream-transcriber/internal/gateway"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/protocol"
	"github.com/skypro1111/stream-transcriber/internal/session"
)

const serviceVersion = "1.0.0"

// engineStats is implemented by engines that keep request statistics
type engineStats interface {
	GetStats() engine.Stats
}

// HTTPServer provides status, batch transcription and monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	config   *config.Config
	registry *session.Registry
	gateway  *gateway.Gateway
	engine   engine.Engine
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. gatherer backs /metrics and
// defaults to the Prometheus default registry when nil.
func NewHTTPServer(appConfig *config.Config, registry *session.Registry, gw *gateway.Gateway,
	eng engine.Engine, gatherer prometheus.Gatherer, logger *slog.Logger, m *metrics.Metrics) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		registry:  registry,
		gateway:   gw,
		engine:    eng,
		gatherer:  gatherer,
		metrics:   m,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: appConfig.Engine.GetTimeoutDuration() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Batch transcription
	mux.HandleFunc("/transcribe", h.withMetrics("/transcribe", h.handleTranscribe))

	// Status endpoints
	mux.HandleFunc("/status", h.withMetrics("/status", h.handleStatus))
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler, for embedding or tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// writeJSON writes v with the given status code
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an {"error": msg} body
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleTranscribe implements the /transcribe batch endpoint
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Streaming clients take priority over uploads
	if h.registry.Full() {
		writeError(w, http.StatusServiceUnavailable, "Server at maximum capacity. Please try again later.")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.HTTP.MaxUploadSize)
	if err := r.ParseMultipartForm(h.config.HTTP.MaxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Audio file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read audio: %v", err))
		return
	}

	pcm, err := h.decodeUpload(data, r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID := "batch-" + uuid.NewString()
	p, err := h.gateway.Submit(audio.Window{
		SessionID:  requestID,
		Sequence:   1,
		Data:       pcm,
		CapturedAt: time.Now(),
	})
	if err != nil {
		h.logger.Warn("Batch transcription rejected",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "Transcription queue full. Please try again later.")
		return
	}

	res, err := p.Wait(r.Context())
	if err != nil {
		// Client went away; the queued window still completes
		h.logger.Debug("Batch client disconnected", slog.String("request_id", requestID))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if res.Err != nil {
		writeError(w, http.StatusInternalServerError, res.Err.Error())
		return
	}

	duration := res.Duration
	if duration == 0 {
		duration = float64(len(pcm)) / float64(h.config.Audio.SampleRate*h.config.Audio.SampleWidth*h.config.Audio.Channels)
	}

	h.logger.Info("Batch transcription completed",
		slog.String("request_id", requestID),
		slog.Float64("duration", duration),
		slog.Duration("processing_time", res.ProcessingTime),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transcription": res.Text,
		"language":      res.Language,
		"duration":      duration,
	})
}

// decodeUpload returns raw PCM from a WAV upload, or the upload itself for format=pcm
func (h *HTTPServer) decodeUpload(data []byte, format string) ([]byte, error) {
	switch format {
	case "pcm":
		if len(data) < 2 {
			return nil, fmt.Errorf("audio file is empty")
		}
		return data[:len(data)-len(data)%2], nil

	case "", "wav":
		pcm, info, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		if int(info.SampleRate) != h.config.Audio.SampleRate {
			return nil, fmt.Errorf("sample rate must be %d Hz, got %d", h.config.Audio.SampleRate, info.SampleRate)
		}
		if int(info.Channels) != h.config.Audio.Channels {
			return nil, fmt.Errorf("audio must have %d channel(s), got %d", h.config.Audio.Channels, info.Channels)
		}
		return pcm, nil

	default:
		return nil, fmt.Errorf("unsupported format '%s'", format)
	}
}

// handleStatus implements the /status endpoint
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := h.registry.Snapshot()
	sessions := make([]map[string]interface{}, 0, len(snapshot))
	for _, info := range snapshot {
		sessions = append(sessions, map[string]interface{}{
			"id":              protocol.ShortID(info.ID),
			"address":         info.RemoteAddr,
			"connected_since": info.ConnectedAt.UTC(),
			"last_activity":   info.LastActivity.UTC(),
		})
	}

	capacity := h.registry.Capacity()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "online",
		"active_sessions": len(snapshot),
		"max_sessions":    capacity,
		"available_slots": capacity - len(snapshot),
		"uptime":          time.Since(h.startTime).Seconds(),
		"sessions":        sessions,
	})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	gwStats := h.gateway.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).Seconds(),
		"service": map[string]interface{}{
			"name":    "stream-transcriber",
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"sessions": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.registry.Len(),
				"available_slots": h.registry.Available(),
			},
			"gateway": map[string]interface{}{
				"status":         "running",
				"queue_length":   gwStats.QueueLength,
				"queue_capacity": gwStats.QueueCapacity,
				"in_flight":      gwStats.InFlight,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint with full session ids
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).Seconds(),
		"timestamp": time.Now().UTC(),
		"gateway":   h.gateway.Stats(),
		"sessions": map[string]interface{}{
			"active_count": h.registry.Len(),
			"capacity":     h.registry.Capacity(),
		},
	}

	if es, ok := h.engine.(engineStats); ok {
		stats["engine"] = es.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"bind_address":  c.Server.BindAddress,
			"port":          c.Server.Port,
			"path":          c.Server.Path,
			"read_limit":    c.Server.ReadLimit,
			"write_timeout": c.Server.WriteTimeout,
			"ping_interval": c.Server.PingInterval,
		},
		"audio": map[string]interface{}{
			"sample_rate":        c.Audio.SampleRate,
			"sample_width":       c.Audio.SampleWidth,
			"channels":           c.Audio.Channels,
			"window_duration_ms": c.Audio.WindowDurationMs,
			"window_bytes":       c.Audio.WindowBytes(),
		},
		"sessions": map[string]interface{}{
			"max_sessions":   c.Sessions.MaxSessions,
			"idle_timeout":   c.Sessions.IdleTimeout,
			"sweep_interval": c.Sessions.SweepInterval,
		},
		"gateway": map[string]interface{}{
			"queue_depth":       c.Gateway.QueueDepth,
			"workers":           h.gateway.Config().Workers,
			"submit_timeout_ms": c.Gateway.SubmitTimeoutMs,
		},
		"engine": map[string]interface{}{
			"endpoint":    c.Engine.Endpoint,
			"model":       c.Engine.Model,
			"language":    c.Engine.Language,
			"timeout":     c.Engine.Timeout,
			"max_retries": c.Engine.MaxRetries,
			"reentrant":   c.Engine.Reentrant,
			// api_key is never exposed
		},
		"vad": map[string]interface{}{
			"enabled":    c.VAD.Enabled,
			"threshold":  c.VAD.Threshold,
			"frame_size": c.VAD.FrameSize,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Streaming Transcription Service",
		"version": serviceVersion,
		"streaming": fmt.Sprintf("ws://%s:%d%s", h.config.Server.BindAddress, h.config.Server.Port, h.config.Server.Path),
		"endpoints": map[string]interface{}{
			"GET /":            "API documentation",
			"POST /transcribe": "Transcribe an uploaded WAV file (multipart field 'audio')",
			"GET /status":      "Service status and connected sessions",
			"GET /health":      "Service health check",
			"GET /sessions":    "List active streaming sessions",
			"GET /stats":       "Gateway and engine statistics",
			"GET /config":      "Get service configuration",
			"GET /metrics":     "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
