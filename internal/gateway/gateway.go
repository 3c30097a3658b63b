package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/engine"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
)

var (
	// ErrBackpressure is returned by Submit when the queue stays full past SubmitTimeout
	ErrBackpressure = errors.New("transcription queue full")

	// ErrGatewayStopped is returned by Submit after Stop
	ErrGatewayStopped = errors.New("transcription gateway stopped")

	// ErrEngineInvocation wraps any failure or panic raised by the engine for one window
	ErrEngineInvocation = errors.New("engine invocation failed")
)

// Config contains gateway configuration
type Config struct {
	QueueDepth    int           // Maximum windows waiting for the engine
	Workers       int           // Engine workers; values above 1 require a reentrant engine
	SubmitTimeout time.Duration // Maximum wait on a full queue, 0 fails immediately
	Language      string        // Language hint passed to the engine
	SampleRate    int
	Channels      int
}

// DefaultConfig returns the default gateway configuration
func DefaultConfig() Config {
	return Config{
		QueueDepth: 16,
		Workers:    1,
		SampleRate: 16000,
		Channels:   1,
	}
}

// Result is the transcription outcome for one window
type Result struct {
	SessionID      string
	Sequence       uint64
	Text           string
	Language       string
	Duration       float64 // Audio duration in seconds
	ProcessingTime time.Duration
	Err            error
}

// Pending is a handle to a submitted window whose result is not yet known
type Pending struct {
	window    audio.Window
	submitted time.Time
	done      chan Result
}

// SessionID returns the session the window belongs to
func (p *Pending) SessionID() string {
	return p.window.SessionID
}

// Sequence returns the window sequence number
func (p *Pending) Sequence() uint64 {
	return p.window.Sequence
}

// Done returns a channel that receives exactly one Result
func (p *Pending) Done() <-chan Result {
	return p.done
}

// Wait blocks until the result is ready or ctx is done
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-p.done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stats represents gateway statistics
type Stats struct {
	QueueLength   int    `json:"queue_length"`
	QueueCapacity int    `json:"queue_capacity"`
	Workers       int    `json:"workers"`
	InFlight      int64  `json:"in_flight"`
	Submitted     uint64 `json:"submitted"`
	Processed     uint64 `json:"processed"`
	Failed        uint64 `json:"failed"`
	Rejected      uint64 `json:"rejected"`
}

// Gateway owns the FIFO queue in front of the engine
type Gateway struct {
	engine  engine.Engine
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue chan *Pending

	// mu guards stopped against concurrent sends on queue
	mu      sync.RWMutex
	stopped bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once

	inFlight  atomic.Int64
	submitted atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a gateway in front of eng. Workers are clamped to 1 unless
// the engine reports itself reentrant.
func New(eng engine.Engine, config Config, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	defaults := DefaultConfig()
	if config.QueueDepth <= 0 {
		config.QueueDepth = defaults.QueueDepth
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.SampleRate <= 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.Channels <= 0 {
		config.Channels = defaults.Channels
	}
	if config.SubmitTimeout < 0 {
		config.SubmitTimeout = 0
	}

	if config.Workers > 1 && !eng.Reentrant() {
		logger.Warn("Engine is not reentrant, using a single worker",
			slog.Int("requested_workers", config.Workers),
		)
		config.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		engine:  eng,
		config:  config,
		logger:  logger,
		metrics: m,
		queue:   make(chan *Pending, config.QueueDepth),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool. Calling it more than once has no effect.
func (g *Gateway) Start() {
	g.startOnce.Do(func() {
		for i := 0; i < g.config.Workers; i++ {
			g.wg.Add(1)
			go g.worker(i)
		}

		g.logger.Info("Transcription gateway started",
			slog.Int("workers", g.config.Workers),
			slog.Int("queue_depth", g.config.QueueDepth),
			slog.Duration("submit_timeout", g.config.SubmitTimeout),
		)
	})
}

// Stop stops accepting windows and waits for queued windows to drain.
// If ctx ends first, in-flight engine calls are cancelled.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	close(g.queue)
	g.mu.Unlock()

	// Workers must exist to drain the queue
	g.Start()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		g.logger.Info("Transcription gateway stopped")
		return nil
	case <-ctx.Done():
		g.cancel()
		<-done
		return ctx.Err()
	}
}

// Submit enqueues a window for transcription without waiting for the engine.
// A full queue is retried for at most SubmitTimeout before ErrBackpressure.
func (g *Gateway) Submit(window audio.Window) (*Pending, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.stopped {
		return nil, ErrGatewayStopped
	}

	p := &Pending{
		window:    window,
		submitted: time.Now(),
		done:      make(chan Result, 1),
	}

	select {
	case g.queue <- p:
		g.accepted()
		return p, nil
	default:
	}

	if g.config.SubmitTimeout > 0 {
		timer := time.NewTimer(g.config.SubmitTimeout)
		defer timer.Stop()

		select {
		case g.queue <- p:
			g.accepted()
			return p, nil
		case <-timer.C:
		}
	}

	g.rejected.Add(1)
	g.metrics.RecordGatewayRejected()
	return nil, fmt.Errorf("%w: session %s window %d", ErrBackpressure, window.SessionID, window.Sequence)
}

func (g *Gateway) accepted() {
	g.submitted.Add(1)
	g.metrics.SetGatewayQueueDepth(len(g.queue))
}

// Stats returns current gateway statistics
func (g *Gateway) Stats() Stats {
	return Stats{
		QueueLength:   len(g.queue),
		QueueCapacity: cap(g.queue),
		Workers:       g.config.Workers,
		InFlight:      g.inFlight.Load(),
		Submitted:     g.submitted.Load(),
		Processed:     g.processed.Load(),
		Failed:        g.failed.Load(),
		Rejected:      g.rejected.Load(),
	}
}

// Config returns the effective gateway configuration
func (g *Gateway) Config() Config {
	return g.config
}

// worker consumes the queue in FIFO order until it is closed and drained
func (g *Gateway) worker(id int) {
	defer g.wg.Done()

	for p := range g.queue {
		g.metrics.SetGatewayQueueDepth(len(g.queue))
		p.done <- g.process(id, p)
	}
}

// process runs the engine for one window and converts the outcome to a Result
func (g *Gateway) process(workerID int, p *Pending) Result {
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	startTime := time.Now()
	transcript, err := g.invoke(engine.Request{
		PCM:        p.window.Data,
		SampleRate: g.config.SampleRate,
		Channels:   g.config.Channels,
		Language:   g.config.Language,
	})
	elapsed := time.Since(startTime)

	res := Result{
		SessionID:      p.window.SessionID,
		Sequence:       p.window.Sequence,
		ProcessingTime: elapsed,
	}

	g.metrics.RecordEngineInvocation(err == nil, elapsed.Seconds())

	if err != nil {
		g.failed.Add(1)
		res.Err = err

		g.logger.Error("Engine invocation failed",
			slog.String("session_id", p.window.SessionID),
			slog.Uint64("sequence", p.window.Sequence),
			slog.Int("worker", workerID),
			slog.String("error", err.Error()),
		)
		return res
	}

	g.processed.Add(1)
	res.Text = transcript.Text
	res.Language = transcript.Language
	res.Duration = transcript.Duration

	g.logger.Debug("Window transcribed",
		slog.String("session_id", p.window.SessionID),
		slog.Uint64("sequence", p.window.Sequence),
		slog.Duration("queue_wait", startTime.Sub(p.submitted)),
		slog.Duration("processing_time", elapsed),
		slog.Int("text_length", len(transcript.Text)),
	)
	return res
}

// invoke calls the engine and turns errors and panics into ErrEngineInvocation
func (g *Gateway) invoke(req engine.Request) (transcript engine.Transcript, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrEngineInvocation, r)
		}
	}()

	transcript, err = g.engine.Transcribe(g.ctx, req)
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: %w", ErrEngineInvocation, err)
	}
	return transcript, nil
}
