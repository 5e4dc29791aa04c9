package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurstAndRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(2, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("acct"))
	assert.True(t, l.Allow("acct"))
	assert.False(t, l.Allow("acct"))
	assert.True(t, l.Allow("other"), "keys have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("acct"))
	assert.False(t, l.Allow("acct"))
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := New(1, 0.001)
	assert.True(t, l.Allow("acct"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx, "acct"), context.DeadlineExceeded)
}
