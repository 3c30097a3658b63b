package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/protocol"
)

// ReaperConfig contains idle expiry configuration
type ReaperConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// DefaultReaperConfig returns the default idle expiry configuration
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		IdleTimeout:   300 * time.Second,
		SweepInterval: 60 * time.Second,
	}
}

// Reaper periodically expires sessions that have been idle too long
type Reaper struct {
	registry *Registry
	config   ReaperConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewReaper creates a reaper over registry
func NewReaper(registry *Registry, config ReaperConfig, logger *slog.Logger, m *metrics.Metrics) *Reaper {
	defaults := DefaultReaperConfig()
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	return &Reaper{
		registry: registry,
		config:   config,
		logger:   logger,
		metrics:  m,
	}
}

// Run sweeps on every interval until ctx is done
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("Idle reaper started",
		slog.Duration("idle_timeout", r.config.IdleTimeout),
		slog.Duration("sweep_interval", r.config.SweepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep expires every session idle for longer than IdleTimeout at now and
// returns how many were expired. Each session is removed from the registry
// before its handler is signalled, so a slot frees even if the handler is slow.
func (r *Reaper) Sweep(now time.Time) int {
	cutoff := now.Add(-r.config.IdleTimeout)
	reaped := 0

	for _, s := range r.registry.list() {
		if !s.LastActivity().Before(cutoff) {
			continue
		}

		// Activity may have arrived since the listing
		removed, ok := r.registry.RemoveIdle(s.ID, cutoff)
		if !ok {
			continue
		}

		removed.Expire(protocol.TimeoutReason)
		r.metrics.RecordSessionReaped()
		reaped++

		r.logger.Info("Session expired for inactivity",
			slog.String("session_id", removed.ID),
			slog.String("remote_addr", removed.RemoteAddr),
			slog.Duration("idle_for", now.Sub(removed.LastActivity())),
		)
	}

	if reaped > 0 {
		r.logger.Info("Cleaned up idle sessions",
			slog.Int("expired_count", reaped),
			slog.Int("active_sessions", r.registry.Len()),
		)
	}

	return reaped
}
