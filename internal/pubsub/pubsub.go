// Package pubsub is the in-process event bus that decouples producers such as the
// presence registry or external subsystems from the websocket hub.
package pubsub

import (
	"context"
)

// Message is the structure passed between components on the bus.
type Message struct {
	// Topic identifies the channel the message belongs to (e.g., "presence.user.status").
	Topic string
	// IdentityID identifies the identity the message concerns, if any.
	IdentityID string
	// Payload contains the JSON encoded event.
	Payload []byte
	// Metadata carries arbitrary key-value context (e.g., tenant).
	Metadata map[string]string
}

// Handler processes a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber receives messages from the bus.
type Subscriber interface {
	// Subscribe starts listening to the given topic, processing messages with the handler.
	// It returns once the subscription is active; delivery stops when ctx is canceled.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// PubSub is a bus that can both publish and subscribe.
type PubSub interface {
	Publisher
	Subscriber
}
