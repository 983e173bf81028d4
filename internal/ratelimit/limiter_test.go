package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_CeilingThenReset(t *testing.T) {
	clock := newFakeClock()
	limiter := New(60, time.Minute, WithClock(clock.Now))

	for i := 0; i < 60; i++ {
		require.True(t, limiter.Allow("alice"), "send %d should be allowed", i+1)
		clock.Advance(500 * time.Millisecond)
	}

	assert.False(t, limiter.Allow("alice"), "the 61st send inside the window is rejected")
	assert.Equal(t, 60, limiter.Count("alice"), "rejections do not increment the counter")
	assert.Equal(t, 30*time.Second, limiter.RetryAfter("alice"))

	clock.Advance(30 * time.Second)
	assert.True(t, limiter.Allow("alice"), "first send of the next window succeeds")
	assert.Equal(t, 1, limiter.Count("alice"))
	assert.Zero(t, limiter.RetryAfter("alice"))
}

func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	limiter := New(2, time.Minute, WithClock(clock.Now))

	assert.True(t, limiter.Allow("alice"))
	assert.True(t, limiter.Allow("alice"))
	assert.False(t, limiter.Allow("alice"))

	assert.True(t, limiter.Allow("bob"))
	assert.Zero(t, limiter.RetryAfter("carol"))
}

func TestLimiter_Prune(t *testing.T) {
	clock := newFakeClock()
	limiter := New(5, time.Minute, WithClock(clock.Now))

	limiter.Allow("alice")
	clock.Advance(30 * time.Second)
	limiter.Allow("bob")

	clock.Advance(45 * time.Second)
	assert.Equal(t, 1, limiter.Prune(clock.Now()), "only alice's window expired")
	assert.Equal(t, 0, limiter.Count("alice"))
	assert.Equal(t, 1, limiter.Count("bob"))

	assert.True(t, limiter.Allow("alice"), "a pruned identity starts a fresh window")
}

func TestLimiter_ConcurrentSendsNeverExceedCeiling(t *testing.T) {
	limiter := New(100, time.Hour)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if limiter.Allow("alice") {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed.Load())
}
