// Package room tracks which identities participate in which rooms and who is
// typing in them.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/keyed"
	"github.com/nfrund/parley/internal/membership"
)

// DefaultRecentLimit bounds the history returned to a joining participant.
const DefaultRecentLimit = 50

// Notifier delivers an event to an identity's live connection, if any.
type Notifier interface {
	SendTo(identity string, ev event.Outbound) bool
}

// History supplies the recent messages of a room.
type History interface {
	RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error)
}

// room is the directory record of one room. Guarded by the directory's per-room lock.
type room struct {
	ref          domain.RoomRef
	participants []string
	typing       map[string]struct{}
	createdAt    time.Time
}

func (r *room) has(identity string) bool {
	return lo.Contains(r.participants, identity)
}

// Snapshot is what a participant receives when joining.
type Snapshot struct {
	Ref              domain.RoomRef
	Messages         []domain.Message
	ParticipantCount int
	// AlreadyJoined is set when the join was a repeat.
	AlreadyJoined bool
}

// Info describes a room for diagnostics.
type Info struct {
	ID           string          `json:"id"`
	Kind         domain.RoomKind `json:"kind"`
	Participants []string        `json:"participants"`
	Typing       []string        `json:"typing"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Directory is the arena of live rooms.
type Directory struct {
	mu    sync.RWMutex
	rooms map[string]*room
	// locks serializes mutation per room id.
	locks keyed.Mutex
	// order serializes a join's history read with message fan-out in the room.
	order keyed.Mutex

	memberMu sync.Mutex
	memberOf map[string]map[string]struct{} // identity -> room ids

	authority   membership.Authority
	history     History
	notifier    Notifier
	recentLimit int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithRecentLimit sets how many recent messages a join snapshot carries.
func WithRecentLimit(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.recentLimit = n
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// WithLogger sets the directory logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		d.logger = l
	}
}

// NewDirectory creates an empty directory.
func NewDirectory(authority membership.Authority, history History, notifier Notifier, opts ...Option) *Directory {
	d := &Directory{
		rooms:       make(map[string]*room),
		memberOf:    make(map[string]map[string]struct{}),
		authority:   authority,
		history:     history,
		notifier:    notifier,
		recentLimit: DefaultRecentLimit,
		logger:      slog.Default().With("component", "rooms"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Authorize reports whether identity may access ref. Direct rooms admit exactly
// their two encoded parties; group rooms ask the membership authority.
func (d *Directory) Authorize(ctx context.Context, identity string, ref domain.RoomRef) error {
	switch ref.Kind {
	case domain.RoomDirect:
		if ref.HasParty(identity) {
			return nil
		}
		return domain.NewError(domain.CodeAccessDenied, "room.join", "not a party of this direct room")
	case domain.RoomGroup:
		if d.authority == nil {
			return domain.NewError(domain.CodeAccessDenied, "room.join", "group membership unavailable")
		}
		ok, err := d.authority.IsMember(ctx, ref.GroupID, identity)
		if err != nil {
			return fmt.Errorf("room.join: membership lookup: %w", err)
		}
		if !ok {
			return domain.NewError(domain.CodeAccessDenied, "room.join", "not an active member of this group")
		}
		return nil
	default:
		return domain.NewError(domain.CodeValidation, "room.join", "unknown room kind")
	}
}

// Join adds identity to the room. A repeated join returns a fresh snapshot
// without announcing the identity again. The history read and the insert hold
// the room's order lock, so every message is either in the snapshot or
// delivered live.
func (d *Directory) Join(ctx context.Context, identity string, ref domain.RoomRef) (Snapshot, error) {
	if identity == "" {
		return Snapshot{}, domain.NewError(domain.CodeValidation, "room.join", "missing identity")
	}
	if err := d.Authorize(ctx, identity, ref); err != nil {
		return Snapshot{}, err
	}

	id := ref.ID()
	release := d.order.Lock(id)
	defer release()

	var messages []domain.Message
	if d.history != nil {
		var err error
		messages, err = d.history.RecentMessages(ctx, id, d.recentLimit)
		if err != nil {
			return Snapshot{}, domain.Wrap(domain.CodePersistFailed, "room.join", err)
		}
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	unlock := d.locks.Lock(id)
	r := d.getOrCreate(ref)
	already := r.has(identity)
	if !already {
		r.participants = append(r.participants, identity)
		d.index(identity, id, true)
	}
	count := len(r.participants)
	others := lo.Without(r.participants, identity)
	unlock()

	snap := Snapshot{Ref: ref, Messages: messages, ParticipantCount: count, AlreadyJoined: already}
	if already {
		return snap, nil
	}

	d.logger.Debug("Participant joined", "room_id", id, "identity_id", identity, "count", count)
	d.notify(others, event.New(event.KindRoomUserJoined, event.RoomUser{
		IdentityID:       identity,
		RoomID:           id,
		ParticipantCount: count,
	}))
	return snap, nil
}

// Leave removes identity from the room's participant and typing sets, deleting
// the room once empty. It reports whether identity was a participant.
func (d *Directory) Leave(identity, roomID string) bool {
	unlock := d.locks.Lock(roomID)
	d.mu.RLock()
	r, ok := d.rooms[roomID]
	d.mu.RUnlock()
	if !ok || !r.has(identity) {
		unlock()
		return false
	}

	r.participants = lo.Without(r.participants, identity)
	delete(r.typing, identity)
	d.index(identity, roomID, false)
	count := len(r.participants)
	others := append([]string(nil), r.participants...)
	if count == 0 {
		d.mu.Lock()
		delete(d.rooms, roomID)
		d.mu.Unlock()
	}
	unlock()

	d.logger.Debug("Participant left", "room_id", roomID, "identity_id", identity, "count", count)
	d.notify(others, event.New(event.KindRoomUserLeft, event.RoomUser{
		IdentityID:       identity,
		RoomID:           roomID,
		ParticipantCount: count,
	}))
	return true
}

// LeaveAll removes identity from every room it participates in.
func (d *Directory) LeaveAll(identity string) int {
	n := 0
	for _, id := range d.RoomsOf(identity) {
		if d.Leave(identity, id) {
			n++
		}
	}
	return n
}

// IsParticipant reports whether identity is currently in the room.
func (d *Directory) IsParticipant(roomID, identity string) bool {
	unlock := d.locks.Lock(roomID)
	defer unlock()
	r, ok := d.lookup(roomID)
	return ok && r.has(identity)
}

// Participants returns the participants of a room in join order.
func (d *Directory) Participants(roomID string) []string {
	unlock := d.locks.Lock(roomID)
	defer unlock()
	r, ok := d.lookup(roomID)
	if !ok {
		return nil
	}
	return append([]string(nil), r.participants...)
}

// Recipients returns everyone a room event should reach: current participants in
// join order followed by any direct-room party that is not currently joined.
func (d *Directory) Recipients(ref domain.RoomRef) []string {
	out := d.Participants(ref.ID())
	for _, p := range ref.Parties() {
		if !lo.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// SetTyping adds or removes identity from the room's typing set and reports
// whether the set changed. Only participants may start typing.
func (d *Directory) SetTyping(roomID, identity string, typing bool) (bool, error) {
	unlock := d.locks.Lock(roomID)
	defer unlock()

	r, ok := d.lookup(roomID)
	if !ok || !r.has(identity) {
		if typing {
			return false, domain.NewError(domain.CodeAccessDenied, "typing", "not a participant of this room")
		}
		return false, nil
	}

	_, was := r.typing[identity]
	if typing {
		r.typing[identity] = struct{}{}
	} else {
		delete(r.typing, identity)
	}
	return was != typing, nil
}

// Typing returns the sorted identities typing in the room.
func (d *Directory) Typing(roomID string) []string {
	unlock := d.locks.Lock(roomID)
	defer unlock()
	r, ok := d.lookup(roomID)
	if !ok {
		return nil
	}
	out := lo.Keys(r.typing)
	sort.Strings(out)
	return out
}

// RoomsOf returns the sorted ids of the rooms identity participates in.
func (d *Directory) RoomsOf(identity string) []string {
	d.memberMu.Lock()
	defer d.memberMu.Unlock()
	out := lo.Keys(d.memberOf[identity])
	sort.Strings(out)
	return out
}

// Rooms returns the sorted ids of every live room.
func (d *Directory) Rooms() []string {
	d.mu.RLock()
	out := lo.Keys(d.rooms)
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of live rooms.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

// Info describes one room.
func (d *Directory) Info(roomID string) (Info, bool) {
	unlock := d.locks.Lock(roomID)
	defer unlock()
	r, ok := d.lookup(roomID)
	if !ok {
		return Info{}, false
	}
	typing := lo.Keys(r.typing)
	sort.Strings(typing)
	return Info{
		ID:           roomID,
		Kind:         r.ref.Kind,
		Participants: append([]string(nil), r.participants...),
		Typing:       typing,
		CreatedAt:    r.createdAt,
	}, true
}

// LockOrder acquires the room's order lock and returns its release. Message
// fan-out holds it from persistence until every recipient was served.
func (d *Directory) LockOrder(roomID string) (unlock func()) {
	return d.order.Lock(roomID)
}

// Broadcast sends ev to the live participants of a room other than except.
func (d *Directory) Broadcast(roomID, except string, ev event.Outbound) {
	d.notify(lo.Without(d.Participants(roomID), except), ev)
}

func (d *Directory) lookup(roomID string) (*room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	return r, ok
}

// getOrCreate must be called with the room's lock held.
func (d *Directory) getOrCreate(ref domain.RoomRef) *room {
	id := ref.ID()
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[id]
	if !ok {
		r = &room{
			ref:       ref,
			typing:    make(map[string]struct{}),
			createdAt: d.now(),
		}
		d.rooms[id] = r
		d.logger.Debug("Room created", "room_id", id, "kind", ref.Kind)
	}
	return r
}

func (d *Directory) index(identity, roomID string, add bool) {
	d.memberMu.Lock()
	defer d.memberMu.Unlock()
	if add {
		if d.memberOf[identity] == nil {
			d.memberOf[identity] = make(map[string]struct{})
		}
		d.memberOf[identity][roomID] = struct{}{}
		return
	}
	delete(d.memberOf[identity], roomID)
	if len(d.memberOf[identity]) == 0 {
		delete(d.memberOf, identity)
	}
}

func (d *Directory) notify(targets []string, ev event.Outbound) {
	if d.notifier == nil {
		return
	}
	for _, id := range targets {
		d.notifier.SendTo(id, ev)
	}
}
