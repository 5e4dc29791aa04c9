package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerTripsAndResets(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxConsecutiveFailures: 3})

	assert.False(t, cb.OnFailure())
	assert.False(t, cb.OnFailure())
	cb.OnSuccess()
	assert.Equal(t, int64(0), cb.ConsecutiveFailures())

	cb.OnFailure()
	cb.OnFailure()
	assert.True(t, cb.OnFailure())
	assert.True(t, cb.Tripped())

	cb.OnSuccess()
	assert.True(t, cb.Tripped(), "trip must be sticky")
	assert.ErrorIs(t, cb.AllowEntries(), ErrBreakerTripped)

	cb.Reset()
	assert.False(t, cb.Tripped())
	assert.NoError(t, cb.AllowEntries())
}

func TestCircuitBreakerDailyLossRollsOver(t *testing.T) {
	now := time.Date(2026, 4, 1, 23, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(BreakerConfig{DailyLossLimitCents: 250})
	cb.now = func() time.Time { return now }

	cb.AddPnL(-1.5)
	assert.NoError(t, cb.AllowEntries())
	cb.AddPnL(-1.0)
	require.ErrorIs(t, cb.AllowEntries(), ErrDailyLossLimit)
	assert.InDelta(t, -2.5, cb.DailyPnL(), 1e-9)

	now = now.Add(2 * time.Hour)
	assert.NoError(t, cb.AllowEntries())
	assert.Equal(t, 0.0, cb.DailyPnL())
}

func TestNilCircuitBreakerIsInert(t *testing.T) {
	var cb *CircuitBreaker
	cb.OnSuccess()
	cb.AddPnL(-100)
	assert.False(t, cb.OnFailure())
	assert.False(t, cb.Tripped())
	assert.NoError(t, cb.AllowEntries())
}
