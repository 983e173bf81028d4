// Package reaction folds individual reaction records into per-emoji summaries.
package reaction

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/keyed"
	"github.com/nfrund/parley/internal/store"
)

// MaxEmojiBytes bounds the size of one emoji key.
const MaxEmojiBytes = 32

// Actions accepted by React.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// Rooms reports room participation.
type Rooms interface {
	IsParticipant(roomID, identity string) bool
}

// Broadcaster fans an event out to a room.
type Broadcaster interface {
	Broadcast(ref domain.RoomRef, ev event.Outbound)
}

// Aggregator applies reactions and broadcasts the recomputed summary.
type Aggregator struct {
	store       store.Store
	rooms       Rooms
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time

	// locks serializes reactions per message so summaries go out in order.
	locks keyed.Mutex
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithLogger sets the aggregator logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// NewAggregator creates an aggregator.
func NewAggregator(st store.Store, rooms Rooms, b Broadcaster, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:       st,
		rooms:       rooms,
		broadcaster: b,
		logger:      slog.Default().With("component", "reaction"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// React adds or removes identity's reaction on a message, then recomputes the
// grouped counts from the store and broadcasts them to the message's room.
// A message that disappears at any point yields NOT_FOUND and no broadcast.
func (a *Aggregator) React(ctx context.Context, identity, messageID, emoji, action string) (event.ReactionUpdated, error) {
	const op = "message.react"

	emoji = event.NormalizeEmoji(emoji)
	if emoji == "" && action == ActionAdd {
		return event.ReactionUpdated{}, domain.NewError(domain.CodeValidation, op, "emoji is required")
	}
	if len(emoji) > MaxEmojiBytes {
		return event.ReactionUpdated{}, domain.NewError(domain.CodeValidation, op, "emoji is too long")
	}
	if action != ActionAdd && action != ActionRemove {
		return event.ReactionUpdated{}, domain.NewError(domain.CodeValidation, op, "action must be add or remove")
	}

	unlock := a.locks.Lock(messageID)
	defer unlock()

	msg, err := a.store.GetMessage(ctx, messageID)
	if err != nil {
		return event.ReactionUpdated{}, storeError(op, err)
	}
	ref, err := domain.ParseRoomRef(msg.RoomID)
	if err != nil {
		return event.ReactionUpdated{}, domain.Wrap(domain.CodeInternal, op, err)
	}
	if !a.rooms.IsParticipant(msg.RoomID, identity) {
		return event.ReactionUpdated{}, domain.NewError(domain.CodeAccessDenied, op, "not a participant of this room")
	}

	switch action {
	case ActionAdd:
		err = a.store.UpsertReaction(ctx, domain.Reaction{
			MessageID:  messageID,
			IdentityID: identity,
			Emoji:      emoji,
			At:         a.now(),
		})
	case ActionRemove:
		err = a.store.DeleteReaction(ctx, messageID, identity)
	}
	if err != nil {
		return event.ReactionUpdated{}, storeError(op, err)
	}

	reactions, err := a.store.Reactions(ctx, messageID)
	if err != nil {
		return event.ReactionUpdated{}, storeError(op, err)
	}

	summary := event.ReactionUpdated{
		MessageID: messageID,
		RoomID:    msg.RoomID,
		Reactions: Group(reactions),
	}
	a.broadcaster.Broadcast(ref, event.New(event.KindReactionUpdated, summary))
	return summary, nil
}

// Group folds reactions into emoji -> {count, identities}. Identities are
// ordered by when they reacted.
func Group(reactions []domain.Reaction) map[string]event.ReactionGroup {
	out := make(map[string]event.ReactionGroup)
	for emoji, rs := range lo.GroupBy(reactions, func(r domain.Reaction) string { return r.Emoji }) {
		sort.SliceStable(rs, func(i, j int) bool {
			if rs[i].At.Equal(rs[j].At) {
				return rs[i].IdentityID < rs[j].IdentityID
			}
			return rs[i].At.Before(rs[j].At)
		})
		out[emoji] = event.ReactionGroup{
			Count:      len(rs),
			Identities: lo.Map(rs, func(r domain.Reaction, _ int) string { return r.IdentityID }),
		}
	}
	return out
}

func storeError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NewError(domain.CodeNotFound, op, "message not found")
	}
	return domain.Wrap(domain.CodePersistFailed, op, err)
}
