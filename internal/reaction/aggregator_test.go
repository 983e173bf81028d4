package reaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/store/memory"
)

type participants map[string]bool

func (p participants) IsParticipant(_, identity string) bool { return p[identity] }

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []event.Outbound
}

func (b *recordingBroadcaster) Broadcast(_ domain.RoomRef, ev event.Outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func setup(t *testing.T) (*Aggregator, *memory.Store, *recordingBroadcaster, string) {
	t.Helper()
	st := memory.New()
	msg, err := st.CreateMessage(context.Background(), domain.NewMessage{
		RoomID: "group:team1", SenderID: "alice", Content: "hello", Type: domain.MessageText,
	})
	require.NoError(t, err)

	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	b := &recordingBroadcaster{}
	a := NewAggregator(st, participants{"alice": true, "bob": true, "carol": true}, b, WithClock(clock))
	return a, st, b, msg.ID
}

func TestAggregator_AddIsIdempotent(t *testing.T) {
	a, _, b, id := setup(t)
	ctx := context.Background()

	_, err := a.React(ctx, "bob", id, "👍", ActionAdd)
	require.NoError(t, err)
	summary, err := a.React(ctx, "bob", id, "👍", ActionAdd)
	require.NoError(t, err)

	assert.Equal(t, map[string]event.ReactionGroup{
		"👍": {Count: 1, Identities: []string{"bob"}},
	}, summary.Reactions)
	assert.Equal(t, 2, b.count())
	assert.Equal(t, event.KindReactionUpdated, b.events[1].Event)
}

func TestAggregator_SwitchReplaces(t *testing.T) {
	a, _, _, id := setup(t)
	ctx := context.Background()

	_, err := a.React(ctx, "bob", id, "👍", ActionAdd)
	require.NoError(t, err)
	_, err = a.React(ctx, "carol", id, "👍", ActionAdd)
	require.NoError(t, err)
	summary, err := a.React(ctx, "bob", id, "🎉", ActionAdd)
	require.NoError(t, err)

	assert.Equal(t, map[string]event.ReactionGroup{
		"👍": {Count: 1, Identities: []string{"carol"}},
		"🎉": {Count: 1, Identities: []string{"bob"}},
	}, summary.Reactions)
}

func TestAggregator_Remove(t *testing.T) {
	a, _, _, id := setup(t)
	ctx := context.Background()

	_, err := a.React(ctx, "bob", id, "👍", ActionAdd)
	require.NoError(t, err)
	summary, err := a.React(ctx, "bob", id, "👍", ActionRemove)
	require.NoError(t, err)
	assert.Empty(t, summary.Reactions)

	_, err = a.React(ctx, "bob", id, "", ActionRemove)
	assert.NoError(t, err, "removing without a reaction is a no-op")
}

func TestAggregator_Rejections(t *testing.T) {
	a, st, b, id := setup(t)
	ctx := context.Background()

	_, err := a.React(ctx, "mallory", id, "👍", ActionAdd)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = a.React(ctx, "bob", id, "   ", ActionAdd)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = a.React(ctx, "bob", id, "👍", "toggle")
	assert.ErrorIs(t, err, domain.ErrValidation)

	st.DeleteMessage(id)
	_, err = a.React(ctx, "bob", id, "👍", ActionAdd)
	assert.ErrorIs(t, err, domain.ErrNotFound, "deleted messages surface NOT_FOUND")

	assert.Equal(t, 0, b.count(), "failed reactions broadcast nothing")
}

func TestGroup_OrdersIdentitiesByTime(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	groups := Group([]domain.Reaction{
		{IdentityID: "carol", Emoji: "👍", At: t0.Add(2 * time.Second)},
		{IdentityID: "bob", Emoji: "👍", At: t0.Add(time.Second)},
		{IdentityID: "dave", Emoji: "❤️", At: t0},
	})

	assert.Equal(t, []string{"bob", "carol"}, groups["👍"].Identities)
	assert.Equal(t, 2, groups["👍"].Count)
	assert.Equal(t, 1, groups["❤️"].Count)
}
