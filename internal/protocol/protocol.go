package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// WebSocket close codes used by the server
const (
	CloseNormal          = 1000 // Idle timeout or orderly close
	CloseGoingAway       = 1001 // Server shutdown
	ClosePolicyViolation = 1008 // Rejected at capacity

	// MaxCloseReasonSize is the largest close reason a control frame can carry
	MaxCloseReasonSize = 123
)

// Notice texts and close reasons
const (
	connectedPrefix    = "Connected to transcription service. Your session ID: "
	backpressurePrefix = "WARNING: transcription queue full, audio window "
	backpressureSuffix = " dropped"

	CapacityNotice = "ERROR: Server at maximum capacity. Please try again later."
	CapacityReason = "Server at maximum capacity"
	TimeoutNotice  = "Session timeout due to inactivity"
	TimeoutReason  = "Session timeout due to inactivity"
	ShutdownReason = "Server shutting down"
)

// Kind classifies a text frame sent by the server
type Kind int

const (
	KindTranscript Kind = iota
	KindConnected
	KindCapacity
	KindTimeout
	KindBackpressure
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindConnected:
		return "connected"
	case KindCapacity:
		return "capacity"
	case KindTimeout:
		return "timeout"
	case KindBackpressure:
		return "backpressure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ConnectedNotice returns the first message sent to an admitted session
func ConnectedNotice(sessionID string) string {
	return connectedPrefix + sessionID
}

// BackpressureNotice reports that window sequence was dropped by a full queue
func BackpressureNotice(sequence uint64) string {
	return backpressurePrefix + strconv.FormatUint(sequence, 10) + backpressureSuffix
}

// Classify reports which kind of message msg is. Anything that is not a
// known notice is a transcription.
func Classify(msg string) Kind {
	switch {
	case strings.HasPrefix(msg, connectedPrefix):
		return KindConnected
	case msg == CapacityNotice:
		return KindCapacity
	case msg == TimeoutNotice:
		return KindTimeout
	case strings.HasPrefix(msg, backpressurePrefix) && strings.HasSuffix(msg, backpressureSuffix):
		return KindBackpressure
	default:
		return KindTranscript
	}
}

// ParseConnectedNotice extracts the session id from a connected notice
func ParseConnectedNotice(msg string) (string, bool) {
	if !strings.HasPrefix(msg, connectedPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(msg, connectedPrefix)
	return id, id != ""
}

// ParseBackpressureNotice extracts the dropped window sequence
func ParseBackpressureNotice(msg string) (uint64, error) {
	if Classify(msg) != KindBackpressure {
		return 0, fmt.Errorf("not a backpressure notice: %q", msg)
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(msg, backpressurePrefix), backpressureSuffix)
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid window sequence %q: %w", raw, err)
	}
	return seq, nil
}

// CloseReason truncates reason to fit a close control frame
func CloseReason(reason string) string {
	if len(reason) <= MaxCloseReasonSize {
		return reason
	}
	// Cut on a rune boundary
	cut := MaxCloseReasonSize
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// ShortID abbreviates a session id for status listings
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
