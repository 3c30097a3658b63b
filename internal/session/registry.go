package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/stream-transcriber/internal/metrics"
)

var (
	// ErrCapacityExceeded is returned by Admit when every slot is taken
	ErrCapacityExceeded = errors.New("server at maximum capacity")

	// ErrDuplicateSession is returned by AdmitID for an id that is already registered
	ErrDuplicateSession = errors.New("session id already registered")
)

// DefaultCapacity is the number of concurrent sessions allowed when none is configured
const DefaultCapacity = 5

// Registry holds the admitted sessions, bounded by a fixed capacity
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []*Session // Admission order
	capacity int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a registry admitting at most capacity sessions
func NewRegistry(capacity int, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		sessions: make(map[string]*Session, capacity),
		order:    make([]*Session, 0, capacity),
		capacity: capacity,
		logger:   logger,
		metrics:  m,
	}
}

// Admit registers a new session with a fresh id, or fails with
// ErrCapacityExceeded leaving the registry unchanged.
func (r *Registry) Admit(remoteAddr string) (*Session, error) {
	return r.AdmitID(uuid.NewString(), remoteAddr)
}

// AdmitID registers a session under the given id
func (r *Registry) AdmitID(id, remoteAddr string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.capacity {
		r.metrics.RecordSessionRejected()
		return nil, fmt.Errorf("%w: %d of %d sessions active", ErrCapacityExceeded, len(r.sessions), r.capacity)
	}

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	s := newSession(id, remoteAddr, time.Now())
	r.sessions[id] = s
	r.order = append(r.order, s)

	r.metrics.RecordSessionAdmitted()
	r.metrics.SetActiveSessions(len(r.sessions))

	r.logger.Info("Session admitted",
		slog.String("session_id", id),
		slog.String("remote_addr", remoteAddr),
		slog.Int("active_sessions", len(r.sessions)),
		slog.Int("max_sessions", r.capacity),
	)

	return s, nil
}

// Remove unregisters a session. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(id) != nil
}

// RemoveIdle unregisters a session only if its last activity is still
// before cutoff. The check and removal happen under the same lock.
func (r *Registry) RemoveIdle(id string, cutoff time.Time) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists || !s.LastActivity().Before(cutoff) {
		return nil, false
	}

	return r.removeLocked(id), true
}

func (r *Registry) removeLocked(id string) *Session {
	s, exists := r.sessions[id]
	if !exists {
		return nil
	}

	delete(r.sessions, id)
	for i, o := range r.order {
		if o == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.metrics.SetActiveSessions(len(r.sessions))

	r.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Int("active_sessions", len(r.sessions)),
	)
	return s
}

// Get returns a registered session
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	return s, exists
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Capacity returns the maximum number of sessions
func (r *Registry) Capacity() int {
	return r.capacity
}

// Available returns the number of free slots
func (r *Registry) Available() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capacity - len(r.sessions)
}

// Full reports whether every slot is taken
func (r *Registry) Full() bool {
	return r.Available() <= 0
}

// Snapshot returns the registered sessions in admission order
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(r.order))
	for _, s := range r.order {
		infos = append(infos, s.Info())
	}
	return infos
}

// list returns the registered sessions in admission order
func (r *Registry) list() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Session, len(r.order))
	copy(list, r.order)
	return list
}
