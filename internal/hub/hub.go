// Package hub turns raw client frames into calls on the coordination core and
// routes the results back to the originating connection.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/messaging"
	"github.com/nfrund/parley/internal/offline"
	"github.com/nfrund/parley/internal/presence"
	"github.com/nfrund/parley/internal/pubsub"
	"github.com/nfrund/parley/internal/reaction"
	"github.com/nfrund/parley/internal/room"
	"github.com/nfrund/parley/internal/typing"
)

// DefaultInboundBuffer is the per-session inbound queue length.
const DefaultInboundBuffer = 64

// Deps are the components the hub dispatches to.
type Deps struct {
	Registry  *presence.Registry
	Rooms     *room.Directory
	Typing    *typing.Manager
	Pipeline  *messaging.Pipeline
	Reactions *reaction.Aggregator
	Queue     *offline.Queue
}

// Hub creates sessions and relays bus events to connections.
type Hub struct {
	Deps
	inboundBuffer int
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithInboundBuffer sets the per-session inbound queue length.
func WithInboundBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.inboundBuffer = n
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// New creates a hub over deps.
func New(deps Deps, opts ...Option) *Hub {
	h := &Hub{
		Deps:          deps,
		inboundBuffer: DefaultInboundBuffer,
		logger:        slog.Default().With("component", "hub"),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to presence transitions and room event injection.
func (h *Hub) Start(ctx context.Context, sub pubsub.Subscriber) error {
	if err := pubsub.Subscribe(ctx, sub, presence.TopicUserStatus, h.handleStatus); err != nil {
		return fmt.Errorf("subscribe %s: %w", presence.TopicUserStatus.Name(), err)
	}
	if err := pubsub.Subscribe(ctx, sub, messaging.TopicRoomInject, h.handleInject); err != nil {
		return fmt.Errorf("subscribe %s: %w", messaging.TopicRoomInject.Name(), err)
	}
	h.logger.Info("Hub subscribed to bus topics",
		"presence_topic", presence.TopicUserStatus.Name(),
		"inject_topic", messaging.TopicRoomInject.Name())
	return nil
}

// handleStatus fans a presence transition out to the identity's tenant.
func (h *Hub) handleStatus(_ context.Context, u presence.StatusUpdate, _ pubsub.Message) error {
	n := h.Registry.BroadcastTenant(u.Tenant, u.IdentityID, event.New(event.KindUserStatusChanged, event.StatusChanged{
		IdentityID: u.IdentityID,
		Tenant:     u.Tenant,
		Status:     u.Status,
		Timestamp:  u.Timestamp,
	}))
	h.logger.Debug("Presence broadcast", "identity_id", u.IdentityID, "status", u.Status, "recipients", n)
	return nil
}

func (h *Hub) handleInject(ctx context.Context, req messaging.InjectRequest, _ pubsub.Message) error {
	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	return h.Pipeline.Inject(ctx, req.RoomID, event.New(req.Event, data))
}

// Stats is a point-in-time view of the core for diagnostics.
type Stats struct {
	Connections    int `json:"connections"`
	Rooms          int `json:"rooms"`
	TypingTimers   int `json:"typing_timers"`
	OfflinePending int `json:"offline_pending"`
	OfflineDropped int `json:"offline_dropped"`
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	s := Stats{
		Connections: h.Registry.Len(),
		Rooms:       h.Rooms.Len(),
	}
	if h.Typing != nil {
		s.TypingTimers = h.Typing.Active()
	}
	if h.Queue != nil {
		s.OfflinePending = h.Queue.Pending()
		s.OfflineDropped = h.Queue.Dropped()
	}
	return s
}

// RoomInfo describes every live room, sorted by id.
func (h *Hub) RoomInfo() []room.Info {
	ids := h.Rooms.Rooms()
	out := make([]room.Info, 0, len(ids))
	for _, id := range ids {
		if info, ok := h.Rooms.Info(id); ok {
			out = append(out, info)
		}
	}
	return out
}

// decodeRejection answers a frame that failed to decode, echoing the room and
// temp id when the frame named an event that carries them.
func decodeRejection(c event.Correlation, err error) event.Outbound {
	switch c.Event {
	case event.KindMessageSend:
		return rejection(event.MessageSend{RoomID: c.RoomID, TempID: c.TempID}, err)
	case event.KindRoomJoin:
		return rejection(event.RoomJoin{RoomID: c.RoomID}, err)
	}
	return rejection(nil, err)
}

// rejection renders err as the failure event matching the inbound event kind.
func rejection(in event.Inbound, err error) event.Outbound {
	r := event.Rejection{
		Code:    domain.CodeOf(err),
		Message: domain.MessageOf(err),
	}
	var de *domain.Error
	if errors.As(err, &de) && de.RetryAfter > 0 {
		r.RetryAfterMS = de.RetryAfter.Milliseconds()
	}

	switch e := in.(type) {
	case event.UserJoin:
		return event.New(event.KindAuthError, r)
	case event.RoomJoin:
		r.RoomID = e.RoomID
		return event.New(event.KindRoomJoinError, r)
	case event.MessageSend:
		r.RoomID = e.RoomID
		r.TempID = e.TempID
		return event.New(event.KindMessageError, r)
	case nil:
		return event.New(event.KindError, r)
	default:
		r.Ref = in.Kind()
		return event.New(event.KindError, r)
	}
}
