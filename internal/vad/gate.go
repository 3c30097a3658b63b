package vad

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
)

// fullScaleRMS is the RMS energy mapped to probability 1.0
const fullScaleRMS = 10000.0

// Gate decides whether a PCM window contains voice activity.
// It is safe for concurrent use.
type Gate struct {
	threshold float32
	frameSize int // Samples per analysis frame

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the outcome of gating a single window
type Result struct {
	Probability    float32       `json:"probability"`     // Peak frame voice probability (0.0 - 1.0)
	HasVoice       bool          `json:"has_voice"`       // Whether voice was detected
	VoicedFrames   int           `json:"voiced_frames"`   // Frames above threshold
	TotalFrames    int           `json:"total_frames"`    // Frames analysed
	ProcessingTime time.Duration `json:"processing_time"` // Time taken to process
}

// Stats represents gate statistics
type Stats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewGate creates a gate with the given threshold and analysis frame size in samples
func NewGate(threshold float32, frameSize int) (*Gate, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}

	return &Gate{
		threshold: threshold,
		frameSize: frameSize,
	}, nil
}

// Process analyses a window of little-endian 16-bit PCM
func (g *Gate) Process(pcm []byte) Result {
	startTime := time.Now()
	samples := audio.Samples(pcm)

	result := Result{}
	for start := 0; start < len(samples); start += g.frameSize {
		end := start + g.frameSize
		if end > len(samples) {
			end = len(samples)
		}

		p := frameProbability(samples[start:end])
		if p > result.Probability {
			result.Probability = p
		}
		if p >= g.threshold {
			result.VoicedFrames++
		}
		result.TotalFrames++
	}
	result.HasVoice = result.VoicedFrames > 0

	g.mu.Lock()
	g.totalWindows++
	if result.HasVoice {
		g.voiceWindows++
	}
	g.lastProcessed = time.Now()
	g.mu.Unlock()

	result.ProcessingTime = time.Since(startTime)
	return result
}

// frameProbability maps the RMS energy of a frame onto 0..1
func frameProbability(samples []int16) float32 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(energy / float64(len(samples)))

	p := rms / fullScaleRMS
	if p > 1 {
		p = 1
	}
	return float32(p)
}

// GetStats returns current gate statistics
func (g *Gate) GetStats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	voicePercentage := float64(0)
	if g.totalWindows > 0 {
		voicePercentage = float64(g.voiceWindows) / float64(g.totalWindows) * 100
	}

	return Stats{
		TotalWindows:    g.totalWindows,
		VoiceWindows:    g.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   g.lastProcessed,
		Threshold:       g.threshold,
	}
}
