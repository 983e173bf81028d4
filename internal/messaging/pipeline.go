// Package messaging validates, persists and fans out chat messages and their
// delivery and read receipts.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/store"
)

// LocalDisplayLayout renders the short clock shown next to a message.
const LocalDisplayLayout = "15:04"

// Limiter admits or rejects sends per identity.
type Limiter interface {
	Allow(identity string) bool
	RetryAfter(identity string) time.Duration
}

// Rooms is the slice of the room directory the pipeline needs.
type Rooms interface {
	IsParticipant(roomID, identity string) bool
	Recipients(ref domain.RoomRef) []string
	Authorize(ctx context.Context, identity string, ref domain.RoomRef) error
	LockOrder(roomID string) (unlock func())
}

// Connections delivers events to live connections.
type Connections interface {
	Deliver(identity string, render func(loc *time.Location) event.Outbound, fallback func(ev event.Outbound)) bool
	SendTo(identity string, ev event.Outbound) bool
}

// Queue buffers events for offline identities.
type Queue interface {
	Enqueue(identity string, ev event.Outbound)
}

// Typing is told when a send ends a typing indicator.
type Typing interface {
	Stop(identity, roomID string)
}

// SendRequest is a validated message:send.
type SendRequest struct {
	Room            domain.RoomRef
	Content         string
	Type            domain.MessageType
	ReplyTo         string
	TempID          string
	ClientTimestamp time.Time
}

// Pipeline is the message broadcast pipeline.
type Pipeline struct {
	limiter Limiter
	rooms   Rooms
	store   store.Store
	conns   Connections
	queue   Queue
	typing  Typing
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces time.Now for receipt timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// NewPipeline wires the pipeline to its collaborators.
func NewPipeline(limiter Limiter, rooms Rooms, st store.Store, conns Connections, queue Queue, typing Typing, opts ...Option) *Pipeline {
	p := &Pipeline{
		limiter: limiter,
		rooms:   rooms,
		store:   st,
		conns:   conns,
		queue:   queue,
		typing:  typing,
		logger:  slog.Default().With("component", "messaging"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send runs a message through validation, rate limiting, access control,
// persistence and fan-out, in that order. Nothing is broadcast unless the
// message was persisted. The returned acknowledgment is for the sender only.
func (p *Pipeline) Send(ctx context.Context, identity string, req SendRequest) (event.MessageSent, error) {
	const op = "message.send"

	roomID := req.Room.ID()
	content := event.NormalizeText(req.Content)
	if identity == "" || roomID == "" || content == "" {
		return event.MessageSent{}, domain.NewError(domain.CodeValidation, op, "identity, room and content are required")
	}
	if req.Type == "" {
		req.Type = domain.MessageText
	}

	if !p.limiter.Allow(identity) {
		return event.MessageSent{}, &domain.Error{
			Code:       domain.CodeRateLimited,
			Op:         op,
			RetryAfter: p.limiter.RetryAfter(identity),
		}
	}

	if !p.rooms.IsParticipant(roomID, identity) {
		return event.MessageSent{}, domain.NewError(domain.CodeAccessDenied, op, "not a participant of this room")
	}

	unlock := p.rooms.LockOrder(roomID)
	msg, err := p.store.CreateMessage(ctx, domain.NewMessage{
		RoomID:          roomID,
		SenderID:        identity,
		Content:         content,
		Type:            req.Type,
		ReplyTo:         req.ReplyTo,
		ClientTimestamp: req.ClientTimestamp,
	})
	if err != nil {
		unlock()
		p.logger.Error("Failed to persist message", "room_id", roomID, "sender_id", identity, "error", err)
		return event.MessageSent{}, domain.Wrap(domain.CodePersistFailed, op, err)
	}

	live, queued := p.fanOut(req.Room, func(loc *time.Location) event.Outbound {
		return event.New(event.KindMessageNew, Render(msg, loc))
	})
	unlock()

	p.logger.Debug("Message sent", "message_id", msg.ID, "room_id", roomID, "live", live, "queued", queued)

	if p.typing != nil {
		p.typing.Stop(identity, roomID)
	}

	return event.MessageSent{
		ID:              msg.ID,
		TempID:          req.TempID,
		RoomID:          roomID,
		Status:          "sent",
		ServerTimestamp: msg.ServerTimestamp,
	}, nil
}

// Broadcast fans ev out to a room in the same order as its messages: live
// recipients get it immediately, offline ones have it queued.
func (p *Pipeline) Broadcast(ref domain.RoomRef, ev event.Outbound) {
	unlock := p.rooms.LockOrder(ref.ID())
	defer unlock()
	p.fanOut(ref, func(*time.Location) event.Outbound { return ev })
}

// Inject broadcasts an already formed event from an external subsystem (file,
// voice, video) into a room.
func (p *Pipeline) Inject(ctx context.Context, roomID string, ev event.Outbound) error {
	ref, err := domain.ParseRoomRef(roomID)
	if err != nil {
		return err
	}
	if ev.Event == "" {
		return domain.NewError(domain.CodeValidation, "room.inject", "event name is required")
	}
	p.Broadcast(ref, ev)
	return nil
}

// Delivered records that identity received a message and tells the sender.
func (p *Pipeline) Delivered(ctx context.Context, identity, messageID string) error {
	return p.receipt(ctx, identity, messageID, event.KindMessageDelivered, p.store.MarkDelivered)
}

// Read records that identity read a message and tells the sender.
func (p *Pipeline) Read(ctx context.Context, identity, messageID string) error {
	return p.receipt(ctx, identity, messageID, event.KindMessageRead, p.store.MarkRead)
}

type markFunc func(ctx context.Context, id string, at time.Time) (domain.Message, error)

func (p *Pipeline) receipt(ctx context.Context, identity, messageID string, kind event.Kind, mark markFunc) error {
	op := string(kind)

	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return lookupError(op, err)
	}
	// Senders do not acknowledge their own messages.
	if msg.SenderID == identity {
		return nil
	}

	ref, err := domain.ParseRoomRef(msg.RoomID)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, op, err)
	}
	if !p.rooms.IsParticipant(msg.RoomID, identity) {
		if err := p.rooms.Authorize(ctx, identity, ref); err != nil {
			return err
		}
	}

	at := p.now()
	updated, err := mark(ctx, messageID, at)
	if err != nil {
		return lookupError(op, err)
	}
	if kind == event.KindMessageRead && updated.ReadAt != nil {
		at = *updated.ReadAt
	} else if updated.DeliveredAt != nil {
		at = *updated.DeliveredAt
	}

	// Receipts are advisory: an offline sender simply misses them.
	p.conns.SendTo(msg.SenderID, event.New(kind, event.Receipt{
		MessageID:  messageID,
		RoomID:     msg.RoomID,
		IdentityID: identity,
		At:         at,
	}))
	return nil
}

// fanOut must be called with the room's order lock held.
func (p *Pipeline) fanOut(ref domain.RoomRef, render func(loc *time.Location) event.Outbound) (live, queued int) {
	for _, id := range p.rooms.Recipients(ref) {
		recipient := id
		delivered := p.conns.Deliver(recipient, render, func(ev event.Outbound) {
			p.queue.Enqueue(recipient, ev)
			queued++
		})
		if delivered {
			live++
		}
	}
	return live, queued
}

// Render formats msg for a recipient in loc.
func Render(msg domain.Message, loc *time.Location) event.MessageNew {
	if loc == nil {
		loc = time.UTC
	}
	local := msg.ServerTimestamp.In(loc)
	return event.MessageNew{
		Message:      msg,
		LocalTime:    local.Format(time.RFC3339),
		LocalDisplay: local.Format(LocalDisplayLayout),
	}
}

func lookupError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NewError(domain.CodeNotFound, op, "message not found")
	}
	return domain.Wrap(domain.CodePersistFailed, op, err)
}
