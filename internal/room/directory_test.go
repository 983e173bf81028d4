package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/membership"
)

type sent struct {
	to string
	ev event.Outbound
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sent
}

func (n *recordingNotifier) SendTo(identity string, ev event.Outbound) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sent{to: identity, ev: ev})
	return true
}

func (n *recordingNotifier) eventsFor(identity string) []event.Outbound {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []event.Outbound
	for _, s := range n.events {
		if s.to == identity {
			out = append(out, s.ev)
		}
	}
	return out
}

type stubHistory struct {
	messages []domain.Message
	err      error
	limit    int
}

func (h *stubHistory) RecentMessages(_ context.Context, _ string, limit int) ([]domain.Message, error) {
	h.limit = limit
	return h.messages, h.err
}

func newTestDirectory(opts ...Option) (*Directory, *recordingNotifier, *stubHistory) {
	n := &recordingNotifier{}
	h := &stubHistory{}
	auth := membership.NewStatic(map[string][]string{"team1": {"alice", "bob", "carol"}})
	return NewDirectory(auth, h, n, opts...), n, h
}

func TestDirectory_JoinDirect(t *testing.T) {
	d, _, _ := newTestDirectory()
	ctx := context.Background()
	ref := domain.Direct("alice", "bob")

	snap, err := d.Join(ctx, "alice", ref)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ParticipantCount)
	assert.NotNil(t, snap.Messages)

	_, err = d.Join(ctx, "mallory", ref)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	assert.Equal(t, []string{"alice"}, d.Participants(ref.ID()))
}

func TestDirectory_JoinGroup(t *testing.T) {
	d, n, h := newTestDirectory(WithRecentLimit(20))
	h.messages = []domain.Message{{ID: "m1", Content: "earlier"}}
	ctx := context.Background()
	ref := domain.Group("team1")

	_, err := d.Join(ctx, "alice", ref)
	require.NoError(t, err)

	snap, err := d.Join(ctx, "bob", ref)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ParticipantCount)
	assert.Equal(t, 20, h.limit)
	require.Len(t, snap.Messages, 1)

	joined := n.eventsFor("alice")
	require.Len(t, joined, 1)
	assert.Equal(t, event.KindRoomUserJoined, joined[0].Event)
	assert.Equal(t, event.RoomUser{IdentityID: "bob", RoomID: "group:team1", ParticipantCount: 2}, joined[0].Data)
	assert.Empty(t, n.eventsFor("bob"), "the joiner is not told about itself")

	_, err = d.Join(ctx, "mallory", ref)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestDirectory_JoinIsIdempotent(t *testing.T) {
	d, n, _ := newTestDirectory()
	ctx := context.Background()
	ref := domain.Group("team1")

	_, err := d.Join(ctx, "alice", ref)
	require.NoError(t, err)
	_, err = d.Join(ctx, "bob", ref)
	require.NoError(t, err)

	snap, err := d.Join(ctx, "bob", ref)
	require.NoError(t, err)
	assert.True(t, snap.AlreadyJoined)
	assert.Equal(t, 2, snap.ParticipantCount)
	assert.Len(t, n.eventsFor("alice"), 1, "no duplicate join broadcast")
}

func TestDirectory_JoinHistoryFailureLeavesNoTrace(t *testing.T) {
	d, _, h := newTestDirectory()
	h.err = errors.New("db down")

	_, err := d.Join(context.Background(), "alice", domain.Group("team1"))
	assert.ErrorIs(t, err, domain.ErrPersistFailed)
	assert.Equal(t, 0, d.Len())
}

func TestDirectory_Leave(t *testing.T) {
	d, n, _ := newTestDirectory()
	ctx := context.Background()
	ref := domain.Group("team1")

	_, err := d.Join(ctx, "alice", ref)
	require.NoError(t, err)
	_, err = d.Join(ctx, "bob", ref)
	require.NoError(t, err)
	_, err = d.SetTyping(ref.ID(), "bob", true)
	require.NoError(t, err)

	assert.True(t, d.Leave("bob", ref.ID()))
	assert.False(t, d.Leave("bob", ref.ID()), "leaving twice is a no-op")
	assert.Empty(t, d.Typing(ref.ID()))
	assert.Empty(t, d.RoomsOf("bob"))

	left := n.eventsFor("alice")
	require.Len(t, left, 2)
	assert.Equal(t, event.KindRoomUserLeft, left[1].Event)
	assert.Equal(t, 1, left[1].Data.(event.RoomUser).ParticipantCount)

	assert.True(t, d.Leave("alice", ref.ID()))
	assert.Equal(t, 0, d.Len(), "empty rooms are deleted")
}

func TestDirectory_LeaveAll(t *testing.T) {
	d, _, _ := newTestDirectory()
	ctx := context.Background()

	_, err := d.Join(ctx, "alice", domain.Group("team1"))
	require.NoError(t, err)
	_, err = d.Join(ctx, "alice", domain.Direct("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, []string{"direct:alice:bob", "group:team1"}, d.RoomsOf("alice"))

	assert.Equal(t, 2, d.LeaveAll("alice"))
	assert.Empty(t, d.RoomsOf("alice"))
	assert.Equal(t, 0, d.Len())
}

func TestDirectory_Recipients(t *testing.T) {
	d, _, _ := newTestDirectory()
	ref := domain.Direct("alice", "bob")

	_, err := d.Join(context.Background(), "alice", ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, d.Recipients(ref), "absent direct party is still a recipient")

	assert.Empty(t, d.Recipients(domain.Group("nobody")))
}

func TestDirectory_SetTyping(t *testing.T) {
	d, _, _ := newTestDirectory()
	ref := domain.Group("team1")

	_, err := d.SetTyping(ref.ID(), "alice", true)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = d.Join(context.Background(), "alice", ref)
	require.NoError(t, err)

	changed, err := d.SetTyping(ref.ID(), "alice", true)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = d.SetTyping(ref.ID(), "alice", true)
	require.NoError(t, err)
	assert.False(t, changed, "already typing")

	changed, _ = d.SetTyping(ref.ID(), "alice", false)
	assert.True(t, changed)
	changed, _ = d.SetTyping(ref.ID(), "alice", false)
	assert.False(t, changed)
}

func TestDirectory_ConcurrentJoinLeave(t *testing.T) {
	auth := membership.NewStatic(map[string][]string{"big": {membership.Open}})
	d := NewDirectory(auth, nil, nil)
	ref := domain.Group("big")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", i)
			_, err := d.Join(ctx, id, ref)
			assert.NoError(t, err)
			if i%2 == 0 {
				d.Leave(id, ref.ID())
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, d.Participants(ref.ID()), 25)
}
