package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/pubsub"
)

// mockPublisher implements pubsub.Publisher for testing
type mockPublisher struct {
	messages []pubsub.Message
	mu       sync.Mutex
}

func (m *mockPublisher) Publish(ctx context.Context, msg pubsub.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockPublisher) Close() error {
	return nil
}

func (m *mockPublisher) updates(t *testing.T) []StatusUpdate {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StatusUpdate, 0, len(m.messages))
	for _, msg := range m.messages {
		assert.Equal(t, TopicUserStatus.Name(), msg.Topic)
		var u StatusUpdate
		require.NoError(t, json.Unmarshal(msg.Payload, &u))
		out = append(out, u)
	}
	return out
}

// tokenVerifier treats the claim "<identity>@<tenant>" as valid.
type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, claim string) (domain.Identity, error) {
	if claim == "" || claim == "bad" {
		return domain.Identity{}, errors.New("invalid token")
	}
	for i := range claim {
		if claim[i] == '@' {
			return domain.Identity{ID: claim[:i], Tenant: claim[i+1:]}, nil
		}
	}
	return domain.Identity{ID: claim}, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	events []event.Outbound
	closed string
	fail   bool
}

func (f *fakeTransport) Send(ev event.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed != "" {
		return errors.New("closed")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeTransport) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed == "" {
		f.closed = reason
	}
}

func (f *fakeTransport) kinds() []event.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event.Kind, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Event
	}
	return out
}

func (f *fakeTransport) closedWith() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordingSeen struct {
	mu   sync.Mutex
	seen map[string]time.Time
	err  error
}

func (r *recordingSeen) UpdateLastSeen(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]time.Time)
	}
	r.seen[id] = at
	return r.err
}

func (r *recordingSeen) get(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.seen[id]
	return t, ok
}

func TestRegistry_Join(t *testing.T) {
	pub := &mockPublisher{}
	reg := NewRegistry(tokenVerifier{}, pub)

	tr := &fakeTransport{}
	conn, err := reg.Join(context.Background(), "alice@acme", "acme", "Europe/Berlin", tr)
	require.NoError(t, err)

	assert.Equal(t, "alice", conn.Identity())
	assert.Equal(t, "acme", conn.Tenant())
	assert.Equal(t, "Europe/Berlin", conn.Timezone())
	assert.Equal(t, domain.StatusOnline, conn.Status())

	require.Equal(t, []event.Kind{event.KindUserJoined}, tr.kinds())
	welcome := tr.events[0].Data.(event.UserJoined)
	assert.Equal(t, "Europe/Berlin", welcome.Timezone)
	assert.Equal(t, []string{"alice"}, welcome.Online)

	updates := pub.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, domain.StatusOnline, updates[0].Status)
	assert.Equal(t, "acme", updates[0].Tenant)
}

func TestRegistry_JoinRejections(t *testing.T) {
	reg := NewRegistry(tokenVerifier{}, &mockPublisher{})

	_, err := reg.Join(context.Background(), "bad", "", "", &fakeTransport{})
	assert.ErrorIs(t, err, domain.ErrAuth)

	_, err = reg.Join(context.Background(), "alice@acme", "globex", "", &fakeTransport{})
	assert.ErrorIs(t, err, domain.ErrAuth, "tenant mismatch")

	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_InvalidTimezoneFallsBackToUTC(t *testing.T) {
	reg := NewRegistry(tokenVerifier{}, &mockPublisher{})

	conn, err := reg.Join(context.Background(), "alice", "", "Mars/Olympus", &fakeTransport{})
	require.NoError(t, err)
	assert.Equal(t, "UTC", conn.Timezone())
}

func TestRegistry_ReplacesPriorConnection(t *testing.T) {
	reg := NewRegistry(tokenVerifier{}, &mockPublisher{})
	ctx := context.Background()

	first := &fakeTransport{}
	c1, err := reg.Join(ctx, "alice", "", "", first)
	require.NoError(t, err)

	second := &fakeTransport{}
	c2, err := reg.Join(ctx, "alice", "", "", second)
	require.NoError(t, err)

	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, ReasonSuperseded, first.closedWith())

	// The superseded connection closing must not evict its replacement.
	assert.False(t, reg.Disconnect(c1, ReasonClosed))
	current, ok := reg.Get("alice")
	require.True(t, ok)
	assert.Same(t, c2, current)
}

func TestRegistry_Disconnect(t *testing.T) {
	pub := &mockPublisher{}
	seen := &recordingSeen{}
	reg := NewRegistry(tokenVerifier{}, pub, WithLastSeen(seen))

	var hooked []string
	reg.OnDisconnect(func(c *Connection) { hooked = append(hooked, c.Identity()) })

	tr := &fakeTransport{}
	conn, err := reg.Join(context.Background(), "alice", "", "", tr)
	require.NoError(t, err)

	assert.True(t, reg.Disconnect(conn, ReasonClosed))
	assert.False(t, reg.Disconnect(conn, ReasonClosed), "second disconnect is a no-op")

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, ReasonClosed, tr.closedWith())
	assert.Equal(t, []string{"alice"}, hooked)

	updates := pub.updates(t)
	require.Len(t, updates, 2)
	assert.Equal(t, domain.StatusOffline, updates[1].Status)

	assert.Eventually(t, func() bool {
		_, ok := seen.get("alice")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestRegistry_ReconnectWaitsForDisconnectHooks(t *testing.T) {
	reg := NewRegistry(tokenVerifier{}, &mockPublisher{})
	ctx := context.Background()

	inHook := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	reg.OnDisconnect(func(*Connection) {
		once.Do(func() {
			close(inHook)
			<-release
		})
	})

	first, err := reg.Join(ctx, "alice", "", "", &fakeTransport{})
	require.NoError(t, err)
	go reg.Disconnect(first, ReasonClosed)
	<-inHook

	joined := make(chan *Connection, 1)
	go func() {
		c, err := reg.Join(ctx, "alice", "", "", &fakeTransport{})
		assert.NoError(t, err)
		joined <- c
	}()

	select {
	case <-joined:
		t.Fatal("reconnect completed while disconnect hooks were still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	var second *Connection
	select {
	case second = <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not complete")
	}
	got, ok := reg.Get("alice")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistry_DefaultLoggerNamesComponent(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	reg := NewRegistry(tokenVerifier{}, nil)
	_, err := reg.Join(context.Background(), "alice", "", "", &fakeTransport{})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "component=presence")
	assert.NotContains(t, buf.String(), "service=")
}

func TestRegistry_LastSeenFailureIsSwallowed(t *testing.T) {
	seen := &recordingSeen{err: errors.New("db down")}
	reg := NewRegistry(tokenVerifier{}, &mockPublisher{}, WithLastSeen(seen))

	conn, err := reg.Join(context.Background(), "alice", "", "", &fakeTransport{})
	require.NoError(t, err)
	assert.True(t, reg.Disconnect(conn, ReasonClosed))
	require.NoError(t, reg.Shutdown(context.Background()))
}

func TestRegistry_SetStatusAndTouch(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	pub := &mockPublisher{}
	reg := NewRegistry(tokenVerifier{}, pub, WithClock(clock))
	ctx := context.Background()

	conn, err := reg.Join(ctx, "alice", "", "", &fakeTransport{})
	require.NoError(t, err)

	require.NoError(t, reg.SetStatus(ctx, "alice", domain.StatusAway))
	assert.Equal(t, domain.StatusAway, conn.Status())
	require.NoError(t, reg.SetStatus(ctx, "alice", domain.StatusAway), "unchanged status is not rebroadcast")
	assert.Len(t, pub.updates(t), 2)

	assert.ErrorIs(t, reg.SetStatus(ctx, "alice", domain.StatusOffline), domain.ErrValidation)
	assert.ErrorIs(t, reg.SetStatus(ctx, "bob", domain.StatusBusy), domain.ErrNotFound)

	now = now.Add(10 * time.Minute)
	reg.Touch("alice")
	assert.Equal(t, now, conn.LastActivity())

	assert.Empty(t, reg.Idle(now, 5*time.Minute))
	assert.Len(t, reg.Idle(now.Add(6*time.Minute), 5*time.Minute), 1)
}

func TestRegistry_ConnectHooksRunAfterWelcome(t *testing.T) {
	reg := NewRegistry(tokenVerifier{}, &mockPublisher{})
	reg.OnConnect(func(c *Connection) {
		_ = c.Send(event.New(event.KindOfflineDelivery, event.OfflineDelivery{}))
	})

	tr := &fakeTransport{}
	_, err := reg.Join(context.Background(), "alice", "", "", tr)
	require.NoError(t, err)
	assert.Equal(t, []event.Kind{event.KindUserJoined, event.KindOfflineDelivery}, tr.kinds())
}

func TestRegistry_Deliver(t *testing.T) {
	reg := NewRegistry(tokenVerifier{}, &mockPublisher{})
	tr := &fakeTransport{}
	_, err := reg.Join(context.Background(), "alice", "", "Asia/Tokyo", tr)
	require.NoError(t, err)

	var rendered *time.Location
	render := func(loc *time.Location) event.Outbound {
		rendered = loc
		return event.New(event.KindPong, nil)
	}

	var queued []event.Outbound
	fallback := func(ev event.Outbound) { queued = append(queued, ev) }

	assert.True(t, reg.Deliver("alice", render, fallback))
	assert.Equal(t, "Asia/Tokyo", rendered.String())
	assert.Empty(t, queued)

	assert.False(t, reg.Deliver("bob", render, fallback))
	assert.Equal(t, time.UTC, rendered)
	assert.Len(t, queued, 1)
}

func TestRegistry_BroadcastTenant(t *testing.T) {
	reg := NewRegistry(tokenVerifier{}, &mockPublisher{})
	ctx := context.Background()

	a, b, c := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	_, err := reg.Join(ctx, "alice@acme", "", "", a)
	require.NoError(t, err)
	_, err = reg.Join(ctx, "bob@acme", "", "", b)
	require.NoError(t, err)
	_, err = reg.Join(ctx, "carol@globex", "", "", c)
	require.NoError(t, err)

	n := reg.BroadcastTenant("acme", "alice", event.New(event.KindUserStatusChanged, nil))
	assert.Equal(t, 1, n)
	assert.Contains(t, b.kinds(), event.KindUserStatusChanged)
	assert.NotContains(t, a.kinds(), event.KindUserStatusChanged)
	assert.NotContains(t, c.kinds(), event.KindUserStatusChanged)

	assert.Equal(t, []string{"alice", "bob"}, reg.Online("acme"))
}
