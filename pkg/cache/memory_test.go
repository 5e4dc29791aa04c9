package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryCacheLockExpires(t *testing.T) {
	clock := &manualClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	mc := NewMemoryCache(WithMemoryClock(clock.Now))
	defer mc.Close()
	ctx := context.Background()

	ok, err := mc.TryLock(ctx, "session:demo", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = mc.TryLock(ctx, "session:demo", 10*time.Second)
	assert.False(t, ok)

	clock.Advance(8 * time.Second)
	extended, err := mc.Expire(ctx, "session:demo", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)

	clock.Advance(8 * time.Second)
	ok, _ = mc.TryLock(ctx, "session:demo", 10*time.Second)
	assert.False(t, ok, "refreshed lock is still held")

	clock.Advance(3 * time.Second)
	extended, _ = mc.Expire(ctx, "session:demo", 10*time.Second)
	assert.False(t, extended, "expired key cannot be revived")

	ok, _ = mc.TryLock(ctx, "session:demo", 10*time.Second)
	assert.True(t, ok)
	require.NoError(t, mc.Unlock(ctx, "session:demo"))
	exists, _ := mc.Exists(ctx, "session:demo")
	assert.False(t, exists)
}

func TestMemoryCacheJSONValues(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	type holder struct {
		PID  int    `json:"pid"`
		Host string `json:"host"`
	}
	require.NoError(t, mc.Set(ctx, "owner", holder{PID: 42, Host: "box"}, 0))

	var got holder
	require.NoError(t, mc.Get(ctx, "owner", &got))
	assert.Equal(t, holder{PID: 42, Host: "box"}, got)

	var s string
	require.NoError(t, mc.Set(ctx, "plain", "v", time.Minute))
	require.NoError(t, mc.Get(ctx, "plain", &s))
	assert.Equal(t, "v", s)

	assert.ErrorIs(t, mc.Get(ctx, "missing", &s), ErrCacheMiss)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	mc := NewMemoryCache(WithMemoryMaxSize(2), WithMemoryClock(clock.Now))
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", "1", 0))
	clock.Advance(time.Second)
	require.NoError(t, mc.Set(ctx, "b", "2", 0))
	clock.Advance(time.Second)
	var s string
	require.NoError(t, mc.Get(ctx, "a", &s))
	clock.Advance(time.Second)
	require.NoError(t, mc.Set(ctx, "c", "3", 0))

	ok, _ := mc.Exists(ctx, "b")
	assert.False(t, ok)
	ok, _ = mc.Exists(ctx, "a", "c")
	assert.True(t, ok)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "session:demo", Key("session", "demo"))
}
