package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/presence"
	"github.com/nfrund/parley/internal/ratelimit"
)

type plainVerifier struct{}

func (plainVerifier) Verify(_ context.Context, claim string) (domain.Identity, error) {
	return domain.Identity{ID: claim}, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	closed string
}

func (f *fakeTransport) Send(event.Outbound) error { return nil }

func (f *fakeTransport) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = reason
}

func (f *fakeTransport) reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestSweeper_SweepOnce(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	reg := presence.NewRegistry(plainVerifier{}, nil, presence.WithClock(clock))
	var left []string
	reg.OnDisconnect(func(c *presence.Connection) { left = append(left, c.Identity()) })

	idle := &fakeTransport{}
	_, err := reg.Join(context.Background(), "alice", "", "", idle)
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	active := &fakeTransport{}
	_, err = reg.Join(context.Background(), "bob", "", "", active)
	require.NoError(t, err)

	limiter := ratelimit.New(60, time.Minute, ratelimit.WithClock(clock))
	limiter.Allow("alice")

	s := New(reg, WithThreshold(15*time.Minute), WithPruner(limiter))
	assert.Equal(t, 1, s.SweepOnce(now))

	assert.Equal(t, presence.ReasonInactive, idle.reason())
	assert.Empty(t, active.reason())
	assert.Equal(t, []string{"alice"}, left, "eviction runs the regular disconnect path")
	_, ok := reg.Get("alice")
	assert.False(t, ok)

	assert.Equal(t, 0, s.SweepOnce(now), "nothing left to evict")
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	reg := presence.NewRegistry(plainVerifier{}, nil)
	tr := &fakeTransport{}
	_, err := reg.Join(context.Background(), "alice", "", "", tr)
	require.NoError(t, err)

	s := New(reg, WithInterval(10*time.Millisecond), WithThreshold(time.Nanosecond),
		WithClock(func() time.Time { return time.Now().UTC().Add(time.Hour) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
