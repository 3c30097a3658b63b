package engine

import (
	"context"
	"errors"
)

// ErrEngineLoad is returned by Load when the engine cannot be constructed.
// It is the only process-fatal error in the service.
var ErrEngineLoad = errors.New("transcription engine failed to load")

// Request carries one unit of audio to transcribe
type Request struct {
	PCM        []byte // Raw little-endian 16-bit PCM
	SampleRate int
	Channels   int
	Language   string // Language hint, empty for auto-detect
}

// Transcript is the engine output for one request
type Transcript struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration"` // Audio duration in seconds
}

// Engine is the shared transcription engine.
// Implementations are not assumed to be safe for concurrent invocation.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (Transcript, error)
	// Reentrant reports whether Transcribe may be invoked concurrently
	Reentrant() bool
}

// Func adapts a function to the Engine interface. The result is not reentrant.
type Func func(ctx context.Context, req Request) (Transcript, error)

// Transcribe calls f(ctx, req)
func (f Func) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	return f(ctx, req)
}

// Reentrant always returns false
func (f Func) Reentrant() bool {
	return false
}
