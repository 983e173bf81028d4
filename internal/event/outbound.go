package event

import (
	"encoding/json"
	"time"

	"github.com/nfrund/parley/internal/domain"
)

// Kind names an event on the wire.
type Kind string

// Inbound event names.
const (
	KindUserJoin         Kind = "user:join"
	KindRoomJoin         Kind = "room:join"
	KindRoomLeave        Kind = "room:leave"
	KindMessageSend      Kind = "message:send"
	KindMessageDelivered Kind = "message:delivered"
	KindMessageRead      Kind = "message:read"
	KindTypingStart      Kind = "typing:start"
	KindTypingStop       Kind = "typing:stop"
	KindMessageReact     Kind = "message:react"
	KindUserStatus       Kind = "user:status"
	KindPing             Kind = "ping"
)

// Outbound event names. typing:start/typing:stop and message:delivered/message:read
// share names with their inbound counterparts.
const (
	KindUserJoined        Kind = "user:joined"
	KindAuthError         Kind = "auth:error"
	KindRoomJoined        Kind = "room:joined"
	KindRoomJoinError     Kind = "room:join:error"
	KindMessageNew        Kind = "message:new"
	KindMessageSent       Kind = "message:sent"
	KindMessageError      Kind = "message:error"
	KindRoomUserJoined    Kind = "room:user:joined"
	KindRoomUserLeft      Kind = "room:user:left"
	KindReactionUpdated   Kind = "message:reaction:updated"
	KindOfflineDelivery   Kind = "messages:offline:delivery"
	KindUserStatusChanged Kind = "user:status:changed"
	KindError             Kind = "error"
	KindPong              Kind = "pong"
)

// Outbound is one event addressed to a client.
type Outbound struct {
	Event Kind `json:"event"`
	Data  any  `json:"data,omitempty"`
}

// New builds an outbound event.
func New(kind Kind, data any) Outbound {
	return Outbound{Event: kind, Data: data}
}

// Encode renders the event in its wire form.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// UserJoined confirms a successful user:join.
type UserJoined struct {
	IdentityID string    `json:"identity_id"`
	Tenant     string    `json:"tenant,omitempty"`
	ServerTime time.Time `json:"server_time"`
	Timezone   string    `json:"timezone"`
	Online     []string  `json:"online"`
}

// Rejection reports a failed inbound event to its sender.
type Rejection struct {
	Code         domain.Code `json:"code"`
	Message      string      `json:"message"`
	Ref          Kind        `json:"ref,omitempty"`
	RoomID       string      `json:"room_id,omitempty"`
	TempID       string      `json:"temp_id,omitempty"`
	RetryAfterMS int64       `json:"retry_after_ms,omitempty"`
}

// RoomJoined is the snapshot returned to a joining participant.
type RoomJoined struct {
	RoomID           string           `json:"room_id"`
	RoomKind         domain.RoomKind  `json:"room_kind"`
	Messages         []domain.Message `json:"messages"`
	ParticipantCount int              `json:"participant_count"`
}

// MessageNew is a message rendered for one recipient.
type MessageNew struct {
	domain.Message
	// LocalTime is the server timestamp in the recipient's timezone (RFC 3339).
	LocalTime string `json:"local_time"`
	// LocalDisplay is a short clock rendering, e.g. "14:05".
	LocalDisplay string `json:"local_display"`
}

// MessageSent acknowledges a send to its originator.
type MessageSent struct {
	ID              string    `json:"id"`
	TempID          string    `json:"temp_id,omitempty"`
	RoomID          string    `json:"room_id"`
	Status          string    `json:"status"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// Receipt tells a sender that a recipient received or read a message.
type Receipt struct {
	MessageID  string    `json:"message_id"`
	RoomID     string    `json:"room_id"`
	IdentityID string    `json:"identity_id"`
	At         time.Time `json:"at"`
}

// Typing is a typing indicator transition.
type Typing struct {
	IdentityID string    `json:"identity_id"`
	RoomID     string    `json:"room_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// RoomUser announces a participant joining or leaving.
type RoomUser struct {
	IdentityID       string `json:"identity_id"`
	RoomID           string `json:"room_id"`
	ParticipantCount int    `json:"participant_count"`
}

// ReactionGroup is the aggregate of one emoji on one message.
type ReactionGroup struct {
	Count      int      `json:"count"`
	Identities []string `json:"identities"`
}

// ReactionUpdated carries the recomputed reaction summary of a message.
type ReactionUpdated struct {
	MessageID string                   `json:"message_id"`
	RoomID    string                   `json:"room_id"`
	Reactions map[string]ReactionGroup `json:"reactions"`
}

// OfflineDelivery batches events queued while the recipient was offline.
type OfflineDelivery struct {
	Events []Outbound `json:"events"`
	Count  int        `json:"count"`
}

// StatusChanged broadcasts a presence transition to a tenant.
type StatusChanged struct {
	IdentityID string        `json:"identity_id"`
	Tenant     string        `json:"tenant,omitempty"`
	Status     domain.Status `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Pong answers a ping.
type Pong struct {
	ServerTime time.Time `json:"server_time"`
}
