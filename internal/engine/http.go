package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
)

// HTTPConfig contains configuration for a Whisper-compatible inference endpoint
type HTTPConfig struct {
	Endpoint       string
	HealthURL      string // Probed once by Load; empty skips the probe
	APIKey         string
	Model          string
	Timeout        time.Duration
	MaxRetries     int
	Reentrant      bool
	ResponseFormat string // "verbose_json" or "json"
}

// HTTPEngine transcribes audio by posting WAV files to an inference server
type HTTPEngine struct {
	config     HTTPConfig
	httpClient *http.Client

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Stats represents engine client statistics
type Stats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// statusError is returned for non-2xx responses
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// inferenceResponse covers both the OpenAI "json" and "verbose_json" shapes
type inferenceResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// NewHTTPEngine creates a new HTTP engine client
func NewHTTPEngine(config HTTPConfig) (*HTTPEngine, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.ResponseFormat == "" {
		config.ResponseFormat = "verbose_json"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPEngine{
		config:     config,
		httpClient: httpClient,
	}, nil
}

// Load constructs the process-wide engine and verifies it is reachable.
// Any failure is wrapped in ErrEngineLoad.
func Load(ctx context.Context, config HTTPConfig, logger *slog.Logger) (*HTTPEngine, error) {
	e, err := NewHTTPEngine(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineLoad, err)
	}

	if config.HealthURL == "" {
		logger.Warn("Engine health probe disabled, assuming engine is ready",
			slog.String("endpoint", config.Endpoint),
		)
		return e, nil
	}

	startTime := time.Now()
	if err := e.probe(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineLoad, err)
	}

	logger.Info("Transcription engine loaded",
		slog.String("endpoint", config.Endpoint),
		slog.String("model", config.Model),
		slog.Bool("reentrant", config.Reentrant),
		slog.Duration("probe_time", time.Since(startTime)),
	)
	return e, nil
}

// probe checks the health endpoint once
func (e *HTTPEngine) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Reentrant reports whether the inference server accepts concurrent requests
func (e *HTTPEngine) Reentrant() bool {
	return e.config.Reentrant
}

// Transcribe sends one audio unit for transcription, retrying transient failures
func (e *HTTPEngine) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	channels := req.Channels
	if channels <= 0 {
		channels = 1
	}

	wav, err := audio.EncodeWAV(req.PCM, req.SampleRate, channels)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to encode audio: %w", err)
	}

	startTime := time.Now()
	e.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			e.incrementTotalRetries()

			backoffTime := time.Duration(1<<(attempt-1)) * 250 * time.Millisecond
			if backoffTime > 5*time.Second {
				backoffTime = 5 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				e.incrementFailedRequests()
				return Transcript{}, ctx.Err()
			}
		}

		transcript, err := e.doRequest(ctx, wav, req.Language)
		if err == nil {
			if transcript.Duration == 0 && req.SampleRate > 0 {
				transcript.Duration = float64(len(req.PCM)) / float64(req.SampleRate*2*channels)
			}
			e.incrementSuccessRequests()
			e.updateAvgResponseTime(time.Since(startTime))
			return transcript, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	e.incrementFailedRequests()
	return Transcript{}, fmt.Errorf("transcription failed: %w", lastErr)
}

// doRequest performs a single HTTP request to the inference endpoint
func (e *HTTPEngine) doRequest(ctx context.Context, wav []byte, language string) (Transcript, error) {
	body, contentType, err := e.createMultipartRequest(wav, language)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint, body)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "stream-transcriber/1.0")
	if e.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return Transcript{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Transcript{}, &statusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed inferenceResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Transcript{}, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return Transcript{
		Text:     parsed.Text,
		Language: parsed.Language,
		Duration: parsed.Duration,
	}, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (e *HTTPEngine) createMultipartRequest(wav []byte, language string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"response_format": e.config.ResponseFormat,
	}
	if e.config.Model != "" {
		fields["model"] = e.config.Model
	}
	if language != "" {
		fields["language"] = language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError reports whether a failed attempt may succeed on retry
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (e *HTTPEngine) incrementTotalRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
}

func (e *HTTPEngine) incrementSuccessRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.successRequests++
}

func (e *HTTPEngine) incrementFailedRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedRequests++
}

func (e *HTTPEngine) incrementTotalRetries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRetries++
}

func (e *HTTPEngine) updateAvgResponseTime(responseTime time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Simple moving average
	if e.avgResponseTime == 0 {
		e.avgResponseTime = responseTime
	} else {
		e.avgResponseTime = (e.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current engine client statistics
func (e *HTTPEngine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	successRate := float64(0)
	if e.totalRequests > 0 {
		successRate = float64(e.successRequests) / float64(e.totalRequests) * 100
	}

	return Stats{
		TotalRequests:   e.totalRequests,
		SuccessRequests: e.successRequests,
		FailedRequests:  e.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    e.totalRetries,
		AvgResponseTime: e.avgResponseTime,
	}
}
