// Package storetest is a behavioural test suite every store.Store must pass.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/store"
)

// Run exercises open against the store contract. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("create assigns id and increasing timestamps", func(t *testing.T) {
		s := open(t)
		a, err := s.CreateMessage(ctx, newMessage("group:team1", "alice", "one"))
		require.NoError(t, err)
		b, err := s.CreateMessage(ctx, newMessage("group:team1", "bob", "two"))
		require.NoError(t, err)

		assert.NotEmpty(t, a.ID)
		assert.NotEqual(t, a.ID, b.ID)
		assert.True(t, b.ServerTimestamp.After(a.ServerTimestamp))
		assert.Equal(t, domain.MessageText, a.Type)

		got, err := s.GetMessage(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "one", got.Content)
		assert.Equal(t, "alice", got.SenderID)
		assert.True(t, a.ServerTimestamp.Equal(got.ServerTimestamp))
		assert.Nil(t, got.DeliveredAt)
	})

	t.Run("create rejects incomplete messages", func(t *testing.T) {
		s := open(t)
		_, err := s.CreateMessage(ctx, domain.NewMessage{RoomID: "group:team1", SenderID: "alice"})
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})

	t.Run("missing message is not found", func(t *testing.T) {
		s := open(t)
		_, err := s.GetMessage(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.MarkRead(ctx, "nope", time.Now())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("recent messages are the newest, oldest first", func(t *testing.T) {
		s := open(t)
		for i := 0; i < 5; i++ {
			_, err := s.CreateMessage(ctx, newMessage("group:team1", "alice", fmt.Sprintf("m%d", i)))
			require.NoError(t, err)
		}
		_, err := s.CreateMessage(ctx, newMessage("group:team1:sub", "alice", "elsewhere"))
		require.NoError(t, err)

		recent, err := s.RecentMessages(ctx, "group:team1", 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, []string{"m2", "m3", "m4"}, contents(recent))

		all, err := s.RecentMessages(ctx, "group:team1", 50)
		require.NoError(t, err)
		assert.Len(t, all, 5)

		none, err := s.RecentMessages(ctx, "group:empty", 50)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("receipts keep their first timestamp", func(t *testing.T) {
		s := open(t)
		m, err := s.CreateMessage(ctx, newMessage("direct:alice:bob", "alice", "hi"))
		require.NoError(t, err)

		first := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
		got, err := s.MarkDelivered(ctx, m.ID, first)
		require.NoError(t, err)
		require.NotNil(t, got.DeliveredAt)
		assert.True(t, first.Equal(*got.DeliveredAt))

		got, err = s.MarkDelivered(ctx, m.ID, first.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, first.Equal(*got.DeliveredAt))

		got, err = s.MarkRead(ctx, m.ID, first.Add(2*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, got.ReadAt)
		assert.True(t, first.Add(2*time.Minute).Equal(*got.ReadAt))
		assert.True(t, first.Equal(*got.DeliveredAt))
	})

	t.Run("read implies delivered", func(t *testing.T) {
		s := open(t)
		m, err := s.CreateMessage(ctx, newMessage("direct:alice:bob", "alice", "hi"))
		require.NoError(t, err)

		at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
		got, err := s.MarkRead(ctx, m.ID, at)
		require.NoError(t, err)
		require.NotNil(t, got.DeliveredAt)
		assert.True(t, at.Equal(*got.DeliveredAt))
	})

	t.Run("one reaction per identity", func(t *testing.T) {
		s := open(t)
		m, err := s.CreateMessage(ctx, newMessage("group:team1", "alice", "vote"))
		require.NoError(t, err)
		at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

		require.NoError(t, s.UpsertReaction(ctx, domain.Reaction{MessageID: m.ID, IdentityID: "carol", Emoji: "👍", At: at}))
		require.NoError(t, s.UpsertReaction(ctx, domain.Reaction{MessageID: m.ID, IdentityID: "bob", Emoji: "👍", At: at}))
		require.NoError(t, s.UpsertReaction(ctx, domain.Reaction{MessageID: m.ID, IdentityID: "bob", Emoji: "🎉", At: at.Add(time.Second)}))

		rs, err := s.Reactions(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, rs, 2)
		assert.Equal(t, "bob", rs[0].IdentityID)
		assert.Equal(t, "🎉", rs[0].Emoji)
		assert.Equal(t, "carol", rs[1].IdentityID)

		require.NoError(t, s.DeleteReaction(ctx, m.ID, "bob"))
		require.NoError(t, s.DeleteReaction(ctx, m.ID, "bob"), "deleting a missing reaction is not an error")
		rs, err = s.Reactions(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, rs, 1)
		assert.Equal(t, "carol", rs[0].IdentityID)
	})

	t.Run("reactions need an existing message", func(t *testing.T) {
		s := open(t)
		err := s.UpsertReaction(ctx, domain.Reaction{MessageID: "nope", IdentityID: "bob", Emoji: "👍", At: time.Now()})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("last seen", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.UpdateLastSeen(ctx, "alice", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	})
}

func newMessage(room, sender, content string) domain.NewMessage {
	return domain.NewMessage{
		RoomID:   room,
		SenderID: sender,
		Content:  content,
		Type:     domain.MessageText,
	}
}

func contents(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
