package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/messaging"
	"github.com/nfrund/parley/internal/presence"
)

// ErrSessionClosed is returned by Push once the session has ended.
var ErrSessionClosed = errors.New("session closed")

// Session is one client connection's view of the hub. Inbound frames are
// handled one at a time, in arrival order, by Run.
type Session struct {
	hub       *Hub
	transport presence.Transport
	inbound   chan []byte

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string

	// conn is set by a successful user:join and only touched by Run.
	conn *presence.Connection
}

// NewSession creates a session writing to t. Call Run to start handling frames.
func (h *Hub) NewSession(t presence.Transport) *Session {
	return &Session{
		hub:       h,
		transport: t,
		inbound:   make(chan []byte, h.inboundBuffer),
		done:      make(chan struct{}),
		reason:    presence.ReasonClosed,
	}
}

// Push queues a raw frame for handling. It blocks while the inbound queue is
// full, which pushes back on the reader.
func (s *Session) Push(ctx context.Context, raw []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbound <- raw:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session. Run then removes the connection from the registry.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Identity returns the joined identity, or "" before user:join. It must only be
// called from the goroutine running Run.
func (s *Session) Identity() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.Identity()
}

// Run handles frames until ctx is cancelled or the session is closed.
func (s *Session) Run(ctx context.Context) {
	defer s.finish()
	for {
		select {
		case <-ctx.Done():
			s.Close(presence.ReasonShutdown)
			return
		case <-s.done:
			return
		case raw := <-s.inbound:
			s.handleFrame(ctx, raw)
		}
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()

	if s.conn != nil {
		s.hub.Registry.Disconnect(s.conn, reason)
		return
	}
	s.transport.Close(reason)
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	in, err := event.Decode(raw)
	if err != nil {
		s.reply(decodeRejection(event.Peek(raw), err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.hub.logger.Error("Recovered from panic in event handler",
				"event", in.Kind(), "identity_id", s.Identity(), "panic", r)
			s.reply(rejection(in, domain.NewError(domain.CodeInternal, string(in.Kind()), "internal error")))
		}
	}()

	if s.conn == nil {
		s.join(ctx, in)
		return
	}

	identity := s.conn.Identity()
	s.hub.Registry.Touch(identity)
	if err := s.dispatch(ctx, identity, in); err != nil {
		s.hub.logger.Debug("Event rejected", "event", in.Kind(), "identity_id", identity, "code", domain.CodeOf(err), "error", err)
		s.reply(rejection(in, err))
	}
}

// join handles the first event of a session, which must be user:join. A failed
// join ends the session.
func (s *Session) join(ctx context.Context, in event.Inbound) {
	req, ok := in.(event.UserJoin)
	if !ok {
		s.reply(event.New(event.KindAuthError, event.Rejection{
			Code:    domain.CodeAuth,
			Message: "user:join must be the first event",
			Ref:     in.Kind(),
		}))
		return
	}

	conn, err := s.hub.Registry.Join(ctx, req.Token, req.Tenant, req.Timezone, s.transport)
	if err != nil {
		s.hub.logger.Info("Join rejected", "error", err)
		s.reply(rejection(in, err))
		s.Close(presence.ReasonClosed)
		return
	}
	s.conn = conn
}

func (s *Session) dispatch(ctx context.Context, identity string, in event.Inbound) error {
	h := s.hub

	switch e := in.(type) {
	case event.UserJoin:
		return domain.NewError(domain.CodeValidation, string(e.Kind()), "already joined")

	case event.RoomJoin:
		ref, err := domain.ParseRoomRef(e.RoomID)
		if err != nil {
			return err
		}
		if e.RoomKind != "" && domain.RoomKind(e.RoomKind) != ref.Kind {
			return domain.NewError(domain.CodeValidation, string(e.Kind()),
				fmt.Sprintf("room kind %q does not match room id", e.RoomKind))
		}
		snap, err := h.Rooms.Join(ctx, identity, ref)
		if err != nil {
			return err
		}
		s.reply(event.New(event.KindRoomJoined, event.RoomJoined{
			RoomID:           ref.ID(),
			RoomKind:         ref.Kind,
			Messages:         snap.Messages,
			ParticipantCount: snap.ParticipantCount,
		}))

	case event.RoomLeave:
		h.Typing.Stop(identity, e.RoomID)
		h.Rooms.Leave(identity, e.RoomID)

	case event.MessageSend:
		ref, err := domain.ParseRoomRef(e.RoomID)
		if err != nil {
			return err
		}
		ack, err := h.Pipeline.Send(ctx, identity, messaging.SendRequest{
			Room:            ref,
			Content:         e.Content,
			Type:            domain.MessageType(e.Type),
			ReplyTo:         e.ReplyTo,
			TempID:          e.TempID,
			ClientTimestamp: e.ClientTimestamp,
		})
		if err != nil {
			return err
		}
		s.reply(event.New(event.KindMessageSent, ack))

	case event.MessageDelivered:
		return h.Pipeline.Delivered(ctx, identity, e.MessageID)

	case event.MessageRead:
		return h.Pipeline.Read(ctx, identity, e.MessageID)

	case event.TypingStart:
		return h.Typing.Start(identity, e.RoomID)

	case event.TypingStop:
		h.Typing.Stop(identity, e.RoomID)

	case event.MessageReact:
		_, err := h.Reactions.React(ctx, identity, e.MessageID, e.Emoji, e.Action)
		return err

	case event.UserStatus:
		return h.Registry.SetStatus(ctx, identity, domain.Status(e.Status))

	case event.Ping:
		s.reply(event.New(event.KindPong, event.Pong{ServerTime: h.now()}))

	default:
		return domain.NewError(domain.CodeValidation, string(in.Kind()), "unsupported event")
	}
	return nil
}

func (s *Session) reply(ev event.Outbound) {
	var err error
	if s.conn != nil {
		err = s.conn.Send(ev)
	} else {
		err = s.transport.Send(ev)
	}
	if err != nil {
		s.hub.logger.Warn("Failed to send reply", "event", ev.Event, "identity_id", s.Identity(), "error", err)
	}
}
