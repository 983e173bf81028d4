package badgerstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/store"
	"github.com/nfrund/parley/internal/store/badgerstore"
	"github.com/nfrund/parley/internal/store/storetest"
)

func open(t *testing.T) *badgerstore.Store {
	t.Helper()
	s, err := badgerstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return open(t)
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := badgerstore.Open(dir)
	require.NoError(t, err)
	m, err := s.CreateMessage(ctx, domain.NewMessage{RoomID: "group:team1", SenderID: "alice", Content: "kept", Type: domain.MessageText})
	require.NoError(t, err)
	_, err = s.MarkRead(ctx, m.ID, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = badgerstore.Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Content)
	require.NotNil(t, got.ReadAt)
	assert.True(t, m.ServerTimestamp.Equal(got.ServerTimestamp))

	recent, err := s.RecentMessages(ctx, "group:team1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, m.ID, recent[0].ID)
}

func TestStore_RecentUsesServerTimestampOrder(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	s := badgerstore.New(db, badgerstore.WithClock(func() time.Time { return fixed }))
	defer s.Close()

	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		m, err := s.CreateMessage(ctx, domain.NewMessage{RoomID: "direct:alice:bob", SenderID: "alice", Content: c, Type: domain.MessageText})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	recent, err := s.RecentMessages(ctx, "direct:alice:bob", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[1], recent[0].ID)
	assert.Equal(t, ids[2], recent[1].ID)
	assert.True(t, recent[1].ServerTimestamp.After(recent[0].ServerTimestamp))
}

func TestStore_LastSeen(t *testing.T) {
	s := open(t)
	_, ok := s.LastSeen("alice")
	assert.False(t, ok)

	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateLastSeen(context.Background(), "alice", at))
	got, ok := s.LastSeen("alice")
	require.True(t, ok)
	assert.True(t, at.Equal(got))
}
