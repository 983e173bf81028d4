// Package sweeper periodically evicts connections that went quiet without a
// clean close.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/nfrund/parley/internal/presence"
)

const (
	DefaultInterval  = 5 * time.Minute
	DefaultThreshold = 30 * time.Minute
)

// Registry is the slice of the connection registry the sweeper needs.
type Registry interface {
	Idle(now time.Time, threshold time.Duration) []*presence.Connection
	Disconnect(conn *presence.Connection, reason string) bool
}

// Pruner drops expired rate windows.
type Pruner interface {
	Prune(now time.Time) int
}

// Sweeper runs the inactivity sweep on a fixed interval.
type Sweeper struct {
	registry  Registry
	pruner    Pruner
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets how often the sweep runs.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithThreshold sets how long a connection may stay idle.
func WithThreshold(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.threshold = d
		}
	}
}

// WithPruner also prunes expired rate windows on every sweep.
func WithPruner(p Pruner) Option {
	return func(s *Sweeper) {
		s.pruner = p
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// WithLogger sets the sweeper logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// New creates a sweeper over registry.
func New(registry Registry, opts ...Option) *Sweeper {
	s := &Sweeper{
		registry:  registry,
		interval:  DefaultInterval,
		threshold: DefaultThreshold,
		logger:    slog.Default().With("component", "sweeper"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Inactivity sweeper started", "interval", s.interval, "threshold", s.threshold)
	for {
		select {
		case <-ticker.C:
			s.SweepOnce(s.now())
		case <-ctx.Done():
			s.logger.Info("Inactivity sweeper stopped")
			return
		}
	}
}

// SweepOnce disconnects every connection idle beyond the threshold at now and
// returns how many were evicted.
func (s *Sweeper) SweepOnce(now time.Time) int {
	evicted := 0
	for _, c := range s.registry.Idle(now, s.threshold) {
		if s.registry.Disconnect(c, presence.ReasonInactive) {
			evicted++
		}
	}

	pruned := 0
	if s.pruner != nil {
		pruned = s.pruner.Prune(now)
	}

	if evicted > 0 || pruned > 0 {
		s.logger.Info("Swept inactive state", "connections_evicted", evicted, "rate_windows_pruned", pruned)
	}
	return evicted
}
