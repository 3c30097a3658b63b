package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/gateway"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/protocol"
	"github.com/skypro1111/stream-transcriber/internal/vad"
)

// FrameType distinguishes transport frames
type FrameType int

const (
	FrameBinary FrameType = iota
	FrameText
)

// Transport is one client connection as seen by the handler
type Transport interface {
	// RemoteAddr identifies the peer for logs and status listings
	RemoteAddr() string
	// ReadFrame blocks until the next frame arrives or the connection fails.
	// It must return an error once Close has been called.
	ReadFrame() (FrameType, []byte, error)
	// WriteText sends one text frame with a bounded deadline
	WriteText(msg string) error
	// Close sends a close frame with code and reason and releases the connection
	Close(code int, reason string) error
}

// Submitter queues windows for transcription
type Submitter interface {
	Submit(window audio.Window) (*gateway.Pending, error)
}

// HandlerConfig contains per-connection processing configuration
type HandlerConfig struct {
	WindowBytes int       // Bytes of PCM per transcription window
	Gate        *vad.Gate // Optional silence gate, nil submits every window
}

// Handler runs the control loop for each streaming connection
type Handler struct {
	registry *Registry
	gateway  Submitter
	config   HandlerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// closeCause records why a session left the Active state
type closeCause struct {
	reason      string
	code        int
	closeReason string // Carried in the close frame
	notice      string // Sent before the close frame when not empty
	err         error
}

var shutdownCause = closeCause{
	reason:      "shutdown",
	code:        protocol.CloseGoingAway,
	closeReason: protocol.ShutdownReason,
}

// NewHandler creates a connection handler
func NewHandler(registry *Registry, gw Submitter, config HandlerConfig, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if config.WindowBytes <= 0 {
		config.WindowBytes = audio.WindowBytes(16000, 2, 1, 1000)
	}
	return &Handler{
		registry: registry,
		gateway:  gw,
		config:   config,
		logger:   logger,
		metrics:  m,
	}
}

// Serve drives one connection until it closes. It returns
// ErrCapacityExceeded if the connection was rejected and a wrapped transport
// error if a write failed; client disconnects, idle expiry and shutdown
// return nil.
func (h *Handler) Serve(ctx context.Context, t Transport) error {
	sess, err := h.registry.Admit(t.RemoteAddr())
	if err != nil {
		h.logger.Warn("Connection rejected",
			slog.String("remote_addr", t.RemoteAddr()),
			slog.String("error", err.Error()),
		)
		if werr := t.WriteText(protocol.CapacityNotice); werr != nil {
			h.logger.Debug("Failed to send capacity notice", slog.String("error", werr.Error()))
		}
		t.Close(protocol.ClosePolicyViolation, protocol.CapacityReason)
		return err
	}

	logger := h.logger.With(slog.String("session_id", sess.ID))

	if err := t.WriteText(protocol.ConnectedNotice(sess.ID)); err != nil {
		h.finish(sess, t, logger, closeCause{reason: "write_error", err: err}, audio.NewAccumulator(sess.ID, h.config.WindowBytes))
		return fmt.Errorf("failed to send connected notice: %w", err)
	}

	frames := make(chan []byte, 8)
	readErr := make(chan error, 1)
	stopReader := make(chan struct{})
	readerDone := make(chan struct{})

	go h.readLoop(sess, t, logger, frames, readErr, stopReader, readerDone)

	acc := audio.NewAccumulator(sess.ID, h.config.WindowBytes)
	cause := h.loop(ctx, sess, t, logger, acc, frames, readErr)

	close(stopReader)
	h.finish(sess, t, logger, cause, acc)
	<-readerDone

	if cause.err != nil {
		return cause.err
	}
	return nil
}

// readLoop forwards binary frames to the control loop
func (h *Handler) readLoop(sess *Session, t Transport, logger *slog.Logger, frames chan<- []byte, readErr chan<- error, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		frameType, data, err := t.ReadFrame()
		if err != nil {
			readErr <- err
			return
		}

		sess.Touch(time.Now())

		if frameType != FrameBinary {
			logger.Debug("Ignoring text frame", slog.Int("size", len(data)))
			continue
		}

		h.metrics.RecordFrame(len(data))

		select {
		case frames <- data:
		case <-stop:
			return
		}
	}
}

// loop is the single owner of the accumulator, the local window queue and the
// in-flight result. It returns once the session must close.
func (h *Handler) loop(ctx context.Context, sess *Session, t Transport, logger *slog.Logger, acc *audio.Accumulator, frames <-chan []byte, readErr <-chan error) closeCause {
	var queue []audio.Window
	var inFlight *gateway.Pending

	for {
		var results <-chan gateway.Result
		if inFlight != nil {
			results = inFlight.Done()
		}

		select {
		case data := <-frames:
			acc.Append(data)
			for {
				w, ok := acc.TryPopWindow()
				if !ok {
					break
				}
				h.metrics.RecordWindowProduced()
				if h.silent(w, logger) {
					continue
				}
				queue = append(queue, w)
			}

		case res := <-results:
			inFlight = nil
			if err := h.deliver(t, logger, res); err != nil {
				return closeCause{reason: "write_error", err: err}
			}

		case err := <-readErr:
			logger.Debug("Connection read ended", slog.String("error", err.Error()))
			return closeCause{reason: "client_closed"}

		case <-sess.Expired():
			return closeCause{
				reason:      "idle_timeout",
				code:        protocol.CloseNormal,
				closeReason: sess.ExpireReason(),
				notice:      protocol.TimeoutNotice,
			}

		case <-ctx.Done():
			return shutdownCause
		}

		if inFlight != nil {
			continue
		}

		var err error
		inFlight, queue, err = h.submitNext(t, logger, queue)
		if err != nil {
			if errors.Is(err, gateway.ErrGatewayStopped) {
				return shutdownCause
			}
			return closeCause{reason: "write_error", err: err}
		}
	}
}

// silent reports whether the silence gate drops w
func (h *Handler) silent(w audio.Window, logger *slog.Logger) bool {
	if h.config.Gate == nil {
		return false
	}

	result := h.config.Gate.Process(w.Data)
	h.metrics.RecordVADWindow(result.HasVoice, result.ProcessingTime.Seconds())
	if result.HasVoice {
		return false
	}

	h.metrics.RecordWindowDropped("silence")
	logger.Debug("Dropping silent window",
		slog.Uint64("sequence", w.Sequence),
		slog.Float64("peak_probability", float64(result.Probability)),
	)
	return true
}

// submitNext submits the head of queue. Windows rejected by backpressure are
// dropped with a notice and the next one is tried.
func (h *Handler) submitNext(t Transport, logger *slog.Logger, queue []audio.Window) (*gateway.Pending, []audio.Window, error) {
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]

		p, err := h.gateway.Submit(w)
		if err == nil {
			return p, queue, nil
		}

		if !errors.Is(err, gateway.ErrBackpressure) {
			return nil, nil, err
		}

		h.metrics.RecordWindowDropped("backpressure")
		logger.Warn("Transcription queue full, dropping window",
			slog.Uint64("sequence", w.Sequence),
			slog.Int("queued_locally", len(queue)),
		)

		if err := t.WriteText(protocol.BackpressureNotice(w.Sequence)); err != nil {
			return nil, nil, fmt.Errorf("failed to send backpressure notice: %w", err)
		}
	}
	return nil, queue, nil
}

// deliver sends a successful non-empty result to the client
func (h *Handler) deliver(t Transport, logger *slog.Logger, res gateway.Result) error {
	if res.Err != nil {
		logger.Warn("Window transcription failed",
			slog.Uint64("sequence", res.Sequence),
			slog.String("error", res.Err.Error()),
		)
		return nil
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		logger.Debug("Suppressing empty transcription", slog.Uint64("sequence", res.Sequence))
		return nil
	}

	if err := t.WriteText(text); err != nil {
		return fmt.Errorf("failed to send transcription: %w", err)
	}

	h.metrics.RecordResultDelivered()
	logger.Info("Transcription delivered",
		slog.Uint64("sequence", res.Sequence),
		slog.String("language", res.Language),
		slog.Duration("processing_time", res.ProcessingTime),
		slog.Int("text_length", len(text)),
	)
	return nil
}

// finish moves the session through Closing to Closed
func (h *Handler) finish(sess *Session, t Transport, logger *slog.Logger, cause closeCause, acc *audio.Accumulator) {
	sess.setState(StateClosing)

	if cause.notice != "" {
		if err := t.WriteText(cause.notice); err != nil {
			logger.Debug("Failed to send close notice", slog.String("error", err.Error()))
		}
	}

	code := cause.code
	if code == 0 {
		code = protocol.CloseNormal
	}
	if err := t.Close(code, cause.closeReason); err != nil {
		logger.Debug("Failed to close connection cleanly", slog.String("error", err.Error()))
	}

	buffered := acc.Len()
	acc.Reset()

	h.registry.Remove(sess.ID)
	sess.setState(StateClosed)

	lifetime := time.Since(sess.ConnectedAt)
	h.metrics.RecordSessionClosed(lifetime.Seconds())

	logger.Info("Session closed",
		slog.String("reason", cause.reason),
		slog.Duration("lifetime", lifetime),
		slog.Uint64("bytes_received", acc.TotalBytes()),
		slog.Int("discarded_bytes", buffered),
	)
}
