package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func window(sessionID string, seq uint64) audio.Window {
	return audio.Window{SessionID: sessionID, Sequence: seq, Data: []byte{byte(seq)}}
}

// blockingEngine signals each call on started and waits for release
type blockingEngine struct {
	started chan uint64
	release chan struct{}
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{started: make(chan uint64, 16), release: make(chan struct{})}
}

func (e *blockingEngine) Transcribe(ctx context.Context, req engine.Request) (engine.Transcript, error) {
	e.started <- uint64(req.PCM[0])
	select {
	case <-e.release:
	case <-ctx.Done():
		return engine.Transcript{}, ctx.Err()
	}
	return engine.Transcript{Text: "ok"}, nil
}

func (e *blockingEngine) Reentrant() bool { return false }

func waitResult(t *testing.T, p *Pending) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return res
}

func TestGatewayFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []uint64

	eng := engine.Func(func(ctx context.Context, req engine.Request) (engine.Transcript, error) {
		mu.Lock()
		order = append(order, uint64(req.PCM[0]))
		mu.Unlock()
		return engine.Transcript{Text: "w"}, nil
	})

	g := New(eng, Config{QueueDepth: 8}, testLogger(), nil)

	// Queue everything before starting so ordering is decided by the queue alone
	var pending []*Pending
	for seq := uint64(1); seq <= 5; seq++ {
		p, err := g.Submit(window("s1", seq))
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", seq, err)
		}
		pending = append(pending, p)
	}
	g.Start()
	defer g.Stop(context.Background())

	for i, p := range pending {
		res := waitResult(t, p)
		if res.Sequence != uint64(i+1) || res.SessionID != "s1" {
			t.Errorf("result %d = %+v", i, res)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range order {
		if seq != uint64(i+1) {
			t.Fatalf("engine order = %v, want 1..5", order)
		}
	}
}

func TestGatewayNeverInvokesEngineConcurrently(t *testing.T) {
	var active, maxActive int32

	eng := engine.Func(func(ctx context.Context, req engine.Request) (engine.Transcript, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return engine.Transcript{Text: "x"}, nil
	})

	// Requesting 4 workers is clamped because Func is not reentrant
	g := New(eng, Config{QueueDepth: 64, Workers: 4, SubmitTimeout: 5 * time.Second}, testLogger(), nil)
	if g.Config().Workers != 1 {
		t.Fatalf("Workers = %d, want 1", g.Config().Workers)
	}
	g.Start()
	defer g.Stop(context.Background())

	var wg sync.WaitGroup
	for s := 0; s < 5; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for seq := uint64(1); seq <= 4; seq++ {
				p, err := g.Submit(window(string(rune('a'+s)), seq))
				if err != nil {
					t.Errorf("Submit() error = %v", err)
					return
				}
				if _, err := p.Wait(context.Background()); err != nil {
					t.Errorf("Wait() error = %v", err)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("max concurrent engine calls = %d, want 1", got)
	}
	if got := g.Stats().Processed; got != 20 {
		t.Errorf("Processed = %d, want 20", got)
	}
}

func TestGatewayBackpressure(t *testing.T) {
	eng := newBlockingEngine()
	g := New(eng, Config{QueueDepth: 1}, testLogger(), nil)
	g.Start()
	defer g.Stop(context.Background())

	p1, err := g.Submit(window("s1", 1))
	if err != nil {
		t.Fatalf("Submit(1) error = %v", err)
	}
	<-eng.started // window 1 is in flight

	p2, err := g.Submit(window("s1", 2))
	if err != nil {
		t.Fatalf("Submit(2) error = %v", err)
	}

	_, err = g.Submit(window("s2", 1))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Submit() on full queue error = %v, want ErrBackpressure", err)
	}
	if got := g.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}

	close(eng.release)
	if res := waitResult(t, p1); res.Err != nil || res.Text != "ok" {
		t.Errorf("window 1 result = %+v", res)
	}
	if res := waitResult(t, p2); res.Err != nil || res.Sequence != 2 {
		t.Errorf("window 2 result = %+v", res)
	}
}

func TestGatewaySubmitTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		release time.Duration // Delay before the engine is released, 0 keeps it blocked
		wantErr bool
	}{
		{name: "queue frees within timeout", timeout: 2 * time.Second, release: 20 * time.Millisecond},
		{name: "queue stays full", timeout: 30 * time.Millisecond, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newBlockingEngine()
			g := New(eng, Config{QueueDepth: 1, SubmitTimeout: tt.timeout}, testLogger(), nil)
			g.Start()

			if _, err := g.Submit(window("s1", 1)); err != nil {
				t.Fatalf("Submit(1) error = %v", err)
			}
			<-eng.started
			if _, err := g.Submit(window("s1", 2)); err != nil {
				t.Fatalf("Submit(2) error = %v", err)
			}

			if tt.release > 0 {
				time.AfterFunc(tt.release, func() { close(eng.release) })
			}

			startTime := time.Now()
			_, err := g.Submit(window("s1", 3))
			if tt.wantErr {
				if !errors.Is(err, ErrBackpressure) {
					t.Errorf("Submit() error = %v, want ErrBackpressure", err)
				}
				if elapsed := time.Since(startTime); elapsed < tt.timeout {
					t.Errorf("Submit() returned after %v, want at least %v", elapsed, tt.timeout)
				}
				close(eng.release)
			} else if err != nil {
				t.Errorf("Submit() error = %v", err)
			}

			g.Stop(context.Background())
		})
	}
}

func TestGatewayCapturesEngineFailures(t *testing.T) {
	eng := engine.Func(func(ctx context.Context, req engine.Request) (engine.Transcript, error) {
		switch req.PCM[0] {
		case 1:
			return engine.Transcript{}, errors.New("model exploded")
		case 2:
			panic("nil tensor")
		}
		return engine.Transcript{Text: "fine"}, nil
	})

	g := New(eng, DefaultConfig(), testLogger(), nil)
	g.Start()
	defer g.Stop(context.Background())

	var pending []*Pending
	for seq := uint64(1); seq <= 3; seq++ {
		p, err := g.Submit(window("s1", seq))
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", seq, err)
		}
		pending = append(pending, p)
	}

	for i, p := range pending[:2] {
		res := waitResult(t, p)
		if !errors.Is(res.Err, ErrEngineInvocation) {
			t.Errorf("window %d error = %v, want ErrEngineInvocation", i+1, res.Err)
		}
	}

	if res := waitResult(t, pending[2]); res.Err != nil || res.Text != "fine" {
		t.Errorf("window 3 result = %+v", res)
	}

	stats := g.Stats()
	if stats.Failed != 2 || stats.Processed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGatewayStop(t *testing.T) {
	var calls int32
	eng := engine.Func(func(ctx context.Context, req engine.Request) (engine.Transcript, error) {
		atomic.AddInt32(&calls, 1)
		return engine.Transcript{Text: "t"}, nil
	})

	g := New(eng, DefaultConfig(), testLogger(), nil)

	p, err := g.Submit(window("s1", 1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Stop without Start still drains what was queued
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if res := waitResult(t, p); res.Text != "t" {
		t.Errorf("drained result = %+v", res)
	}

	if _, err := g.Submit(window("s1", 2)); !errors.Is(err, ErrGatewayStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrGatewayStopped", err)
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestGatewayStopDeadlineCancelsEngine(t *testing.T) {
	eng := newBlockingEngine()
	g := New(eng, DefaultConfig(), testLogger(), nil)
	g.Start()

	p, err := g.Submit(window("s1", 1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-eng.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want DeadlineExceeded", err)
	}

	if res := waitResult(t, p); !errors.Is(res.Err, context.Canceled) {
		t.Errorf("in-flight result error = %v, want context.Canceled", res.Err)
	}
}
