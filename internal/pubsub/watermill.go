package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

var _ PubSub = (*WatermillBridge)(nil)

// WatermillBridge implements PubSub on top of watermill's GoChannel.
type WatermillBridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger *slog.Logger
}

const (
	// Metadata keys used to carry Message fields through watermill's message.
	metaKeyIdentity = "identity_id"
	metaKeyTopic    = "topic"
)

// BridgeOption configures a WatermillBridge.
type BridgeOption func(*bridgeOptions)

type bridgeOptions struct {
	buffer int64
	logger *slog.Logger
}

// WithBuffer sets the per-subscriber output buffer of the underlying GoChannel.
func WithBuffer(n int64) BridgeOption {
	return func(o *bridgeOptions) {
		o.buffer = n
	}
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) BridgeOption {
	return func(o *bridgeOptions) {
		o.logger = l
	}
}

// NewWatermillBridge initializes an in-memory bus.
func NewWatermillBridge(opts ...BridgeOption) *WatermillBridge {
	o := bridgeOptions{
		buffer: 256,
		logger: slog.Default().With("component", "pubsub"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	goChannel := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: o.buffer},
		watermill.NewStdLogger(false, false),
	)

	return &WatermillBridge{
		pub:    goChannel,
		sub:    goChannel,
		logger: o.logger,
	}
}

// mapToWatermillMessage converts a Message to a watermill message.
func mapToWatermillMessage(msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)

	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	wmMsg.Metadata.Set(metaKeyIdentity, msg.IdentityID)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)

	return wmMsg
}

// mapToPubSubMessage converts a watermill message back to a Message.
func mapToPubSubMessage(wmMsg *message.Message) Message {
	metadata := make(map[string]string, len(wmMsg.Metadata))
	for k, v := range wmMsg.Metadata {
		if k != metaKeyIdentity && k != metaKeyTopic {
			metadata[k] = v
		}
	}

	return Message{
		Topic:      wmMsg.Metadata.Get(metaKeyTopic),
		IdentityID: wmMsg.Metadata.Get(metaKeyIdentity),
		Payload:    wmMsg.Payload,
		Metadata:   metadata,
	}
}

// Publish implements Publisher.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	wmMsg := mapToWatermillMessage(msg)
	wmMsg.SetContext(ctx)
	return wb.pub.Publish(msg.Topic, wmMsg)
}

// Subscribe implements Subscriber.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for wmMsg := range messages {
			msg := mapToPubSubMessage(wmMsg)

			if err := handler(ctx, msg); err != nil {
				// The in-memory bus does not redeliver; a failed message is logged and acked.
				wb.logger.Error("Failed to handle message", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
			}
			wmMsg.Ack()
		}
		wb.logger.Debug("Subscription message loop ended", "topic", topic)
	}()

	return nil
}

// Close shuts down the bus.
func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}
