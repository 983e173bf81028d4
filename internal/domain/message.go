package domain

import "time"

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageFile        MessageType = "file"
	MessageImage       MessageType = "image"
	MessageVoice       MessageType = "voice"
	MessageVideoInvite MessageType = "video_invite"
)

// Message is the in-flight copy of a chat message. The authoritative record lives
// in the persistence layer.
type Message struct {
	ID              string      `json:"id"`
	RoomID          string      `json:"room_id"`
	SenderID        string      `json:"sender_id"`
	Content         string      `json:"content"`
	Type            MessageType `json:"type"`
	ReplyTo         string      `json:"reply_to,omitempty"`
	ClientTimestamp time.Time   `json:"client_timestamp,omitzero"`
	ServerTimestamp time.Time   `json:"server_timestamp"`
	DeliveredAt     *time.Time  `json:"delivered_at,omitempty"`
	ReadAt          *time.Time  `json:"read_at,omitempty"`
}

// NewMessage is what the pipeline hands to persistence; the store assigns ID and
// ServerTimestamp.
type NewMessage struct {
	RoomID          string
	SenderID        string
	Content         string
	Type            MessageType
	ReplyTo         string
	ClientTimestamp time.Time
}

// Reaction is one identity's reaction to one message. At most one exists per
// (MessageID, IdentityID).
type Reaction struct {
	MessageID  string    `json:"message_id"`
	IdentityID string    `json:"identity_id"`
	Emoji      string    `json:"emoji"`
	At         time.Time `json:"at"`
}

// Status is an identity's presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Identity is a verified caller.
type Identity struct {
	ID     string
	Tenant string
}
