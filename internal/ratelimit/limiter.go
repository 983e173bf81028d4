// Package ratelimit admits message sends per identity within fixed windows.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultMax is the number of sends admitted per window.
	DefaultMax = 60
	// DefaultWindow is the window length.
	DefaultWindow = 60 * time.Second
)

// window is the fixed-window counter of one identity.
type window struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	// pruned is set once Prune removed the window from the map.
	pruned bool
}

// Limiter caps how many messages each identity may send per fixed window.
// Each identity's counter is synchronized independently.
type Limiter struct {
	max     int
	length  time.Duration
	now     func() time.Time
	windows sync.Map // identity -> *window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter allowing max sends per window.
func New(max int, length time.Duration, opts ...Option) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	if length <= 0 {
		length = DefaultWindow
	}
	l := &Limiter{max: max, length: length, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one send for identity and reports whether it fits in the current window.
// A rejected send does not increment the counter further.
func (l *Limiter) Allow(identity string) bool {
	w := l.lockWindow(identity)
	defer w.mu.Unlock()

	now := l.now()
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 1
		w.resetAt = now.Add(l.length)
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// lockWindow returns identity's live window, locked.
func (l *Limiter) lockWindow(identity string) *window {
	for {
		v, _ := l.windows.LoadOrStore(identity, &window{})
		w := v.(*window)
		w.mu.Lock()
		if !w.pruned {
			return w
		}
		w.mu.Unlock()
	}
}

// RetryAfter returns how long identity must wait before its window resets.
// Zero means a send would be accepted now.
func (l *Limiter) RetryAfter(identity string) time.Duration {
	v, ok := l.windows.Load(identity)
	if !ok {
		return 0
	}
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	if !now.Before(w.resetAt) || w.count < l.max {
		return 0
	}
	return w.resetAt.Sub(now)
}

// Count returns the number of sends recorded in identity's current window.
func (l *Limiter) Count(identity string) int {
	v, ok := l.windows.Load(identity)
	if !ok {
		return 0
	}
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !l.now().Before(w.resetAt) {
		return 0
	}
	return w.count
}

// Prune drops windows that expired before now and returns how many were removed.
func (l *Limiter) Prune(now time.Time) int {
	removed := 0
	l.windows.Range(func(key, value any) bool {
		w := value.(*window)
		w.mu.Lock()
		defer w.mu.Unlock()
		if now.Before(w.resetAt) {
			return true
		}
		if l.windows.CompareAndDelete(key, value) {
			w.pruned = true
			removed++
		}
		return true
	})
	return removed
}
