package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/nfrund/parley/internal/domain"
)

// Inbound is the tagged union of events a client may send.
type Inbound interface {
	Kind() Kind
}

// UserJoin authenticates the connection. It must be the first event.
type UserJoin struct {
	Token    string `json:"token" validate:"required"`
	Tenant   string `json:"tenant" validate:"max=128"`
	Timezone string `json:"timezone" validate:"max=64"`
}

// RoomJoin asks to join a room.
type RoomJoin struct {
	RoomID   string `json:"room_id" validate:"required,roomid"`
	RoomKind string `json:"room_kind" validate:"omitempty,oneof=direct group"`
}

// RoomLeave leaves a room.
type RoomLeave struct {
	RoomID string `json:"room_id" validate:"required,roomid"`
}

// MessageSend sends a message to a room.
type MessageSend struct {
	RoomID          string    `json:"room_id" validate:"required,roomid"`
	Content         string    `json:"content" validate:"required,max=10000"`
	Type            string    `json:"type" validate:"omitempty,oneof=text file image voice video_invite"`
	ReplyTo         string    `json:"reply_to" validate:"max=128"`
	TempID          string    `json:"temp_id" validate:"max=128"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// MessageDelivered acknowledges delivery of a message to this client.
type MessageDelivered struct {
	MessageID string `json:"message_id" validate:"required,max=128"`
}

// MessageRead marks a message as read by this client.
type MessageRead struct {
	MessageID string `json:"message_id" validate:"required,max=128"`
}

// TypingStart signals composition in a room.
type TypingStart struct {
	RoomID string `json:"room_id" validate:"required,roomid"`
}

// TypingStop signals the end of composition in a room.
type TypingStop struct {
	RoomID string `json:"room_id" validate:"required,roomid"`
}

// MessageReact adds or removes a reaction.
type MessageReact struct {
	MessageID string `json:"message_id" validate:"required,max=128"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
	Action    string `json:"action" validate:"required,oneof=add remove"`
}

// UserStatus changes the caller's presence status.
type UserStatus struct {
	Status string `json:"status" validate:"required,oneof=online away busy"`
}

// Ping is an application-level liveness probe.
type Ping struct{}

func (UserJoin) Kind() Kind         { return KindUserJoin }
func (RoomJoin) Kind() Kind         { return KindRoomJoin }
func (RoomLeave) Kind() Kind        { return KindRoomLeave }
func (MessageSend) Kind() Kind      { return KindMessageSend }
func (MessageDelivered) Kind() Kind { return KindMessageDelivered }
func (MessageRead) Kind() Kind      { return KindMessageRead }
func (TypingStart) Kind() Kind      { return KindTypingStart }
func (TypingStop) Kind() Kind       { return KindTypingStop }
func (MessageReact) Kind() Kind     { return KindMessageReact }
func (UserStatus) Kind() Kind       { return KindUserStatus }
func (Ping) Kind() Kind             { return KindPing }

// envelope is the wire shape of every event in both directions.
type envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// validate is shared; it caches struct metadata.
var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseRoomRef(fl.Field().String())
		return err == nil
	})
}

// Decode parses one wire event into its concrete Inbound type and validates it.
// All failures are classified as domain.ErrValidation.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.Wrap(domain.CodeValidation, "event.decode", err)
	}

	var in Inbound
	switch env.Event {
	case KindUserJoin:
		in = &UserJoin{}
	case KindRoomJoin:
		in = &RoomJoin{}
	case KindRoomLeave:
		in = &RoomLeave{}
	case KindMessageSend:
		in = &MessageSend{}
	case KindMessageDelivered:
		in = &MessageDelivered{}
	case KindMessageRead:
		in = &MessageRead{}
	case KindTypingStart:
		in = &TypingStart{}
	case KindTypingStop:
		in = &TypingStop{}
	case KindMessageReact:
		in = &MessageReact{}
	case KindUserStatus:
		in = &UserStatus{}
	case KindPing:
		return Ping{}, nil
	case "":
		return nil, domain.NewError(domain.CodeValidation, "event.decode", "missing event name")
	default:
		return nil, domain.NewError(domain.CodeValidation, "event.decode", fmt.Sprintf("unknown event %q", env.Event))
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, in); err != nil {
			return nil, domain.Wrap(domain.CodeValidation, "event.decode", err)
		}
	}
	normalize(in)
	if err := validate.Struct(in); err != nil {
		return nil, validationError(env.Event, err)
	}

	// Hand out values, not pointers, so handlers cannot mutate shared state.
	switch v := in.(type) {
	case *UserJoin:
		return *v, nil
	case *RoomJoin:
		return *v, nil
	case *RoomLeave:
		return *v, nil
	case *MessageSend:
		return *v, nil
	case *MessageDelivered:
		return *v, nil
	case *MessageRead:
		return *v, nil
	case *TypingStart:
		return *v, nil
	case *TypingStop:
		return *v, nil
	case *MessageReact:
		return *v, nil
	case *UserStatus:
		return *v, nil
	}
	return in, nil
}

// Correlation is what a rejection can echo back from a frame that failed to
// decode.
type Correlation struct {
	Event  Kind
	RoomID string
	TempID string
}

// Peek reads the event name and correlation fields of raw without validating
// it. Fields that cannot be read are left empty.
func Peek(raw []byte) Correlation {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Correlation{}
	}
	c := Correlation{Event: env.Event}
	var ids struct {
		RoomID string `json:"room_id"`
		TempID string `json:"temp_id"`
	}
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &ids) == nil {
		c.RoomID = roomID(ids.RoomID)
		c.TempID = ids.TempID
	}
	return c
}

func roomID(id string) string {
	return domain.CanonicalRoomID(strings.TrimSpace(id))
}

// normalize trims identifiers and NFC-normalizes user text so equal strings compare equal.
func normalize(in Inbound) {
	switch v := in.(type) {
	case *UserJoin:
		v.Token = strings.TrimSpace(v.Token)
		v.Tenant = strings.TrimSpace(v.Tenant)
		v.Timezone = strings.TrimSpace(v.Timezone)
	case *RoomJoin:
		v.RoomID = roomID(v.RoomID)
	case *RoomLeave:
		v.RoomID = roomID(v.RoomID)
	case *MessageSend:
		v.RoomID = roomID(v.RoomID)
		v.Content = NormalizeText(v.Content)
	case *TypingStart:
		v.RoomID = roomID(v.RoomID)
	case *TypingStop:
		v.RoomID = roomID(v.RoomID)
	case *MessageReact:
		v.Emoji = NormalizeEmoji(v.Emoji)
	}
}

// NormalizeText returns s in Unicode NFC form with surrounding whitespace removed.
func NormalizeText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// NormalizeEmoji returns the canonical form of an emoji used as a grouping key.
func NormalizeEmoji(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func validationError(kind Kind, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &domain.Error{
			Code: domain.CodeValidation,
			Op:   string(kind),
			Msg:  fmt.Sprintf("field %s failed %q", strings.ToLower(fe.Field()), fe.Tag()),
			Err:  err,
		}
	}
	return domain.Wrap(domain.CodeValidation, string(kind), err)
}
