package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func policy(max int, slept *[]time.Duration) Policy {
	return Policy{
		MaxAttempts: max,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  300 * time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
		Sleep: func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
}

func TestDoRetriesWithExponentialBackoff(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := policy(4, &slept).Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.True(t, errors.Is(err, errTransient))
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, slept)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	var slept []time.Duration
	fatal := errors.New("rejected")
	calls := 0
	err := policy(5, &slept).Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	}, nil)

	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	var slept []time.Duration
	calls := 0
	var retried []int
	err := policy(3, &slept).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errTransient
		}
		return nil
	}, func(attempt int, _ error) { retried = append(retried, attempt) })

	require.NoError(t, err)
	assert.Equal(t, []int{1}, retried)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 5, BaseBackoff: time.Hour, Retryable: func(error) bool { return true }}
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errTransient
	}, nil)

	assert.True(t, errors.Is(err, ErrExhausted))
	assert.Equal(t, 1, calls)
}

func TestDoNilRetryableStopsAtFirstError(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 3}.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	}, nil)

	assert.Equal(t, errTransient, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsWhenSleepIsInterrupted(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseBackoff: time.Millisecond,
		Retryable:   func(error) bool { return true },
		Sleep:       func(context.Context, time.Duration) error { return context.Canceled },
	}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	}, nil)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 1, ex.Attempts)
	assert.Equal(t, 1, calls)
}

func TestDoUsesRealTimerByDefault(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Retryable: func(error) bool { return true }}
	calls := 0
	start := time.Now()
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	}, nil)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)
}
