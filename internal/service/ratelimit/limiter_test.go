package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamasit07/souqchat/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(clock *fakeClock) *Limiter {
	return New(map[ActionClass]config.RateLimit{
		ActionSend:   {Limit: 60, Window: time.Minute},
		ActionTyping: {Limit: 3, Window: 10 * time.Second},
		ActionStatus: {Limit: 120, Window: time.Minute},
	}).WithClock(clock.Now)
}

func TestAllow_SixtyFirstSendIsRejected(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	l := newLimiter(clock)

	for i := 0; i < 60; i++ {
		require.True(t, l.Allow("A", ActionSend).Allowed, "send %d", i+1)
		clock.Advance(900 * time.Millisecond)
	}

	d := l.Allow("A", ActionSend)
	require.False(t, d.Allowed)
	remaining := start.Add(time.Minute).Sub(clock.Now())
	assert.GreaterOrEqual(t, d.RetryAt.Sub(clock.Now()), remaining)
	assert.Equal(t, start.Add(time.Minute), d.RetryAt)

	clock.now = start.Add(61 * time.Second)
	assert.True(t, l.Allow("A", ActionSend).Allowed)
}

func TestAllow_ClassesAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newLimiter(clock)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("A", ActionTyping).Allowed)
	}
	assert.False(t, l.Allow("A", ActionTyping).Allowed)
	assert.True(t, l.Allow("A", ActionSend).Allowed)
	assert.True(t, l.Allow("B", ActionTyping).Allowed)
}

func TestAllow_UnknownClassIsUnlimited(t *testing.T) {
	l := New(nil)
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow("A", ActionSend).Allowed)
	}
	assert.Zero(t, l.Len())
}

func TestSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newLimiter(clock)

	l.Allow("A", ActionSend)
	l.Allow("A", ActionTyping)
	l.Allow("B", ActionSend)
	require.Equal(t, 3, l.Len())

	assert.Equal(t, 1, l.Sweep(clock.Now().Add(15*time.Second)))
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 2, l.Sweep(clock.Now().Add(2*time.Minute)))
	assert.Zero(t, l.Len())
}

func TestAllow_Concurrent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newLimiter(clock)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("A", ActionSend).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 60, allowed)
}
