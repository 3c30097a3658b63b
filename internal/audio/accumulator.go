package audio

import (
	"time"
)

// Window is a fixed-size slice of PCM audio submitted as one transcription unit
type Window struct {
	SessionID  string
	Sequence   uint64 // Per-session, starts at 1
	Data       []byte
	CapturedAt time.Time
}

// Duration returns the audio length of the window for the given format
func (w Window) Duration(sampleRate, sampleWidth, channels int) time.Duration {
	bytesPerSecond := sampleRate * sampleWidth * channels
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(len(w.Data)) * time.Second / time.Duration(bytesPerSecond)
}

// WindowBytes returns the window threshold in bytes:
// sampleRate × sampleWidth × channels × windowDurationMs / 1000, rounded down
// to a whole sample frame so windows never split a sample.
func WindowBytes(sampleRate, sampleWidth, channels, windowDurationMs int) int {
	n := sampleRate * sampleWidth * channels * windowDurationMs / 1000
	if frame := sampleWidth * channels; frame > 0 {
		n -= n % frame
	}
	return n
}

// Accumulator is a per-session append-only PCM buffer that yields fixed-size windows.
// It is owned by a single goroutine and is not safe for concurrent use.
type Accumulator struct {
	sessionID   string
	windowBytes int
	buf         []byte
	nextSeq     uint64

	totalBytes uint64
}

// NewAccumulator creates an accumulator producing windows of windowBytes bytes
func NewAccumulator(sessionID string, windowBytes int) *Accumulator {
	if windowBytes <= 0 {
		windowBytes = WindowBytes(16000, 2, 1, 1000)
	}
	return &Accumulator{
		sessionID:   sessionID,
		windowBytes: windowBytes,
		buf:         make([]byte, 0, windowBytes*2),
		nextSeq:     1,
	}
}

// Append appends a copy of p to the buffer
func (a *Accumulator) Append(p []byte) {
	a.buf = append(a.buf, p...)
	a.totalBytes += uint64(len(p))
}

// TryPopWindow removes exactly one window from the front of the buffer.
// Bytes beyond the threshold are retained for the next window.
func (a *Accumulator) TryPopWindow() (Window, bool) {
	if len(a.buf) < a.windowBytes {
		return Window{}, false
	}

	data := make([]byte, a.windowBytes)
	copy(data, a.buf[:a.windowBytes])

	// Shift the remainder down so the backing array does not grow without bound
	remaining := copy(a.buf, a.buf[a.windowBytes:])
	a.buf = a.buf[:remaining]

	w := Window{
		SessionID:  a.sessionID,
		Sequence:   a.nextSeq,
		Data:       data,
		CapturedAt: time.Now(),
	}
	a.nextSeq++
	return w, true
}

// Len returns the number of buffered bytes not yet popped
func (a *Accumulator) Len() int {
	return len(a.buf)
}

// TotalBytes returns the number of bytes appended over the accumulator's lifetime
func (a *Accumulator) TotalBytes() uint64 {
	return a.totalBytes
}

// Reset releases the buffered audio
func (a *Accumulator) Reset() {
	a.buf = nil
}
