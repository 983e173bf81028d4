// Package store defines the persistence collaborator the coordination core talks to.
// Records are owned by the store; the core only keeps transient copies.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nfrund/parley/internal/domain"
)

// ErrNotFound is returned when a message does not exist. It matches domain.ErrNotFound.
var ErrNotFound = domain.ErrNotFound

// ErrInvalidInput is returned for records missing required fields.
var ErrInvalidInput = errors.New("invalid input data")

// Store is the persistence interface used by the core.
type Store interface {
	// CreateMessage persists msg and returns it with a server-assigned ID and timestamp.
	CreateMessage(ctx context.Context, msg domain.NewMessage) (domain.Message, error)
	// GetMessage loads one message.
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	// RecentMessages returns up to limit of the newest messages of a room, oldest first.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error)
	// MarkDelivered sets delivered-at (first write wins) and returns the updated message.
	MarkDelivered(ctx context.Context, id string, at time.Time) (domain.Message, error)
	// MarkRead sets read-at (first write wins) and returns the updated message.
	MarkRead(ctx context.Context, id string, at time.Time) (domain.Message, error)
	// UpsertReaction stores r, replacing any reaction by the same identity on the same message.
	UpsertReaction(ctx context.Context, r domain.Reaction) error
	// DeleteReaction removes identity's reaction on messageID. Missing reactions are not an error.
	DeleteReaction(ctx context.Context, messageID, identityID string) error
	// Reactions returns every reaction on a message.
	Reactions(ctx context.Context, messageID string) ([]domain.Reaction, error)
	// UpdateLastSeen records when identity was last connected.
	UpdateLastSeen(ctx context.Context, identityID string, at time.Time) error
	// Close releases the underlying resources.
	Close() error
}

// ValidateNew checks the fields every store requires before writing.
func ValidateNew(msg domain.NewMessage) error {
	if msg.RoomID == "" || msg.SenderID == "" || msg.Content == "" {
		return ErrInvalidInput
	}
	return nil
}

// SetOnce returns at if current is unset, otherwise current. Receipts keep their first timestamp.
func SetOnce(current *time.Time, at time.Time) *time.Time {
	if current != nil {
		return current
	}
	t := at.UTC()
	return &t
}
