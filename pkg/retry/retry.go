// Package retry runs venue calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Retryable decides whether err deserves another attempt. Nil retries nothing.
	Retryable func(error) bool
	// Sleep waits between attempts; tests replace it. Nil uses a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retries exhausted")

type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Err} }

// schedule doubles from BaseBackoff up to MaxBackoff without jitter and
// without an elapsed-time cap; MaxAttempts alone bounds the run.
func (p Policy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do calls fn until it succeeds, returns a non-retryable error, or attempts run out.
// onRetry, if set, sees every failed attempt that will be retried.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b := backoff.WithContext(backoff.WithMaxRetries(p.schedule(), uint64(attempts-1)), ctx)

	var (
		calls   int
		lastErr error
	)
	op := func() error {
		calls++
		lastErr = fn(ctx)
		if lastErr != nil && (p.Retryable == nil || !p.Retryable(lastErr)) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(calls, err)
		}
	}

	var timer backoff.Timer
	if p.Sleep != nil {
		timer = &sleepTimer{ctx: ctx, cancel: cancel, sleep: p.Sleep, c: make(chan time.Time, 1)}
	}

	err := backoff.RetryNotifyWithTimer(op, b, notify, timer)
	switch {
	case err == nil:
		return nil
	case lastErr != nil && (p.Retryable == nil || !p.Retryable(lastErr)):
		return lastErr
	default:
		return &ExhaustedError{Attempts: calls, Err: lastErr}
	}
}

// sleepTimer adapts Policy.Sleep to backoff.Timer. A failed sleep cancels the
// run context so the retry loop stops instead of waiting on C.
type sleepTimer struct {
	ctx    context.Context
	cancel context.CancelFunc
	sleep  func(ctx context.Context, d time.Duration) error
	c      chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	if err := t.sleep(t.ctx, d); err != nil {
		t.cancel()
		return
	}
	t.c <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }
