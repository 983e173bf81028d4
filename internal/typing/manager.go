// Package typing runs the per-(identity, room) typing state machine:
// idle -> typing -> idle, with an automatic expiry back to idle.
package typing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/keyed"
)

// DefaultTimeout is how long a typing indicator lives without renewal.
const DefaultTimeout = 3 * time.Second

// Rooms is the slice of the room directory the manager needs.
type Rooms interface {
	SetTyping(roomID, identity string, typing bool) (bool, error)
	Broadcast(roomID, except string, ev event.Outbound)
	RoomsOf(identity string) []string
}

type key struct {
	identity string
	room     string
}

func (k key) String() string {
	return k.room + "\x00" + k.identity
}

// timer is the armed expiry of one key. token distinguishes it from any timer
// that replaced it.
type timer struct {
	token uint64
	t     *time.Timer
}

// Manager owns every typing timer.
type Manager struct {
	rooms   Rooms
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// locks serializes transitions of one (identity, room).
	locks keyed.Mutex

	mu     sync.Mutex
	timers map[key]*timer
	next   uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the expiry duration.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a manager broadcasting through rooms.
func NewManager(rooms Rooms, opts ...Option) *Manager {
	m := &Manager{
		rooms:   rooms,
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "typing"),
		now:     func() time.Time { return time.Now().UTC() },
		timers:  make(map[key]*timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start marks identity as typing in roomID and (re)arms its expiry. Only the
// idle -> typing transition is broadcast; renewals just push the expiry back.
func (m *Manager) Start(identity, roomID string) error {
	k := key{identity: identity, room: roomID}
	unlock := m.locks.Lock(k.String())
	defer unlock()

	changed, err := m.rooms.SetTyping(roomID, identity, true)
	if err != nil {
		return err
	}
	m.arm(k)

	if changed {
		m.rooms.Broadcast(roomID, identity, m.event(event.KindTypingStart, k))
	}
	return nil
}

// Stop returns identity to idle in roomID. It is idempotent; typing:stop is only
// broadcast when the identity was typing.
func (m *Manager) Stop(identity, roomID string) {
	k := key{identity: identity, room: roomID}
	unlock := m.locks.Lock(k.String())
	defer unlock()

	m.disarm(k, 0)
	m.stopLocked(k)
}

// StopAll stops every typing indicator of identity.
func (m *Manager) StopAll(identity string) {
	seen := make(map[string]struct{})
	m.mu.Lock()
	for k := range m.timers {
		if k.identity == identity {
			seen[k.room] = struct{}{}
		}
	}
	m.mu.Unlock()
	for _, roomID := range m.rooms.RoomsOf(identity) {
		seen[roomID] = struct{}{}
	}

	for roomID := range seen {
		m.Stop(identity, roomID)
	}
}

// Active returns the number of armed timers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Shutdown cancels every pending timer without broadcasting.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, tm := range m.timers {
		tm.t.Stop()
		delete(m.timers, k)
	}
}

// expire runs when a timer fires. A timer replaced or cancelled since it was
// armed carries a stale token and is ignored.
func (m *Manager) expire(k key, token uint64) {
	unlock := m.locks.Lock(k.String())
	defer unlock()

	if !m.disarm(k, token) {
		return
	}
	m.logger.Debug("Typing indicator expired", "identity_id", k.identity, "room_id", k.room)
	m.stopLocked(k)
}

func (m *Manager) stopLocked(k key) {
	changed, err := m.rooms.SetTyping(k.room, k.identity, false)
	if err != nil {
		m.logger.Warn("Failed to clear typing state", "identity_id", k.identity, "room_id", k.room, "error", err)
		return
	}
	if changed {
		m.rooms.Broadcast(k.room, k.identity, m.event(event.KindTypingStop, k))
	}
}

// arm replaces any timer for k with a fresh one.
func (m *Manager) arm(k key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.timers[k]; ok {
		old.t.Stop()
	}
	m.next++
	token := m.next
	m.timers[k] = &timer{
		token: token,
		t:     time.AfterFunc(m.timeout, func() { m.expire(k, token) }),
	}
}

// disarm cancels the timer for k. A non-zero token only matches that timer.
// It reports whether a timer was removed.
func (m *Manager) disarm(k key, token uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.timers[k]
	if !ok || (token != 0 && tm.token != token) {
		return false
	}
	tm.t.Stop()
	delete(m.timers, k)
	return true
}

func (m *Manager) event(kind event.Kind, k key) event.Outbound {
	return event.New(kind, event.Typing{
		IdentityID: k.identity,
		RoomID:     k.room,
		Timestamp:  m.now(),
	})
}
