package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of an admitted session
type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one admitted streaming client. Audio state is owned by the
// handler goroutine; the registry and reaper only read activity and state.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	lastActivity atomic.Int64 // Unix nanoseconds
	state        atomic.Int32

	expireOnce   sync.Once
	expired      chan struct{}
	expireReason string
}

// SessionInfo is a point-in-time view of a session
type SessionInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	State        string    `json:"state"`
}

func newSession(id, remoteAddr string, now time.Time) *Session {
	s := &Session{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		expired:     make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	s.state.Store(int32(StateActive))
	return s
}

// Touch records activity at now
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// LastActivity returns the time of the last received message
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Expire asks the session's handler to close. Only the first call has an
// effect; it reports whether this call expired the session.
func (s *Session) Expire(reason string) bool {
	fired := false
	s.expireOnce.Do(func() {
		s.expireReason = reason
		s.state.CompareAndSwap(int32(StateActive), int32(StateClosing))
		close(s.expired)
		fired = true
	})
	return fired
}

// Expired is closed once Expire has been called
func (s *Session) Expired() <-chan struct{} {
	return s.expired
}

// ExpireReason returns the reason passed to Expire. It is only meaningful
// after Expired is closed.
func (s *Session) ExpireReason() string {
	select {
	case <-s.expired:
		return s.expireReason
	default:
		return ""
	}
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		RemoteAddr:   s.RemoteAddr,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.LastActivity(),
		State:        s.State().String(),
	}
}
