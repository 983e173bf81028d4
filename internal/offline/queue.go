// Package offline buffers events for identities without a live connection until
// they reconnect. Delivery is best effort and lasts for the process lifetime only.
package offline

import (
	"log/slog"
	"sync"

	"github.com/nfrund/parley/internal/event"
)

// DefaultLimit caps the events buffered per identity.
const DefaultLimit = 500

// Sink receives a flushed batch.
type Sink interface {
	Identity() string
	Send(ev event.Outbound) error
}

// Queue holds one ordered buffer per identity.
type Queue struct {
	mu      sync.Mutex
	entries map[string][]event.Outbound
	limit   int
	dropped int
	logger  *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLimit bounds each identity's buffer; the oldest event is dropped on overflow.
func WithLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.limit = n
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		entries: make(map[string][]event.Outbound),
		limit:   DefaultLimit,
		logger:  slog.Default().With("component", "offline"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends ev to identity's buffer.
func (q *Queue) Enqueue(identity string, ev event.Outbound) {
	q.mu.Lock()
	defer q.mu.Unlock()

	buf := append(q.entries[identity], ev)
	if over := len(buf) - q.limit; over > 0 {
		buf = append(buf[:0:0], buf[over:]...)
		q.dropped += over
		q.logger.Warn("Offline queue full, dropped oldest events", "identity_id", identity, "dropped", over)
	}
	q.entries[identity] = buf
}

// Drain removes and returns identity's buffered events in arrival order.
func (q *Queue) Drain(identity string) []event.Outbound {
	q.mu.Lock()
	defer q.mu.Unlock()

	buf := q.entries[identity]
	delete(q.entries, identity)
	return buf
}

// Len returns the number of events buffered for identity.
func (q *Queue) Len(identity string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[identity])
}

// Pending returns how many identities have buffered events.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns how many events were discarded on overflow.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Flush drains the sink's identity and delivers everything as one
// messages:offline:delivery batch. It returns the number of events flushed.
func (q *Queue) Flush(sink Sink) int {
	events := q.Drain(sink.Identity())
	if len(events) == 0 {
		return 0
	}

	batch := event.New(event.KindOfflineDelivery, event.OfflineDelivery{
		Events: events,
		Count:  len(events),
	})
	if err := sink.Send(batch); err != nil {
		q.logger.Warn("Failed to flush offline queue", "identity_id", sink.Identity(), "count", len(events), "error", err)
		return 0
	}
	q.logger.Info("Flushed offline queue", "identity_id", sink.Identity(), "count", len(events))
	return len(events)
}
