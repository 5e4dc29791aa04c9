package risk

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"RegimeTrader/pkg/util"
)

var (
	// ErrBreakerTripped means the venue failed too many times in a row.
	ErrBreakerTripped = errors.New("circuit breaker tripped")
	// ErrDailyLossLimit means today's realized loss reached the limit.
	ErrDailyLossLimit = errors.New("daily loss limit reached")
)

// BreakerConfig holds the breaker limits; zero disables a limit.
type BreakerConfig struct {
	MaxConsecutiveFailures int64
	DailyLossLimitCents    int64
}

// CircuitBreaker tracks consecutive venue failures and realized daily P/L.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	consecutive atomic.Int64
	tripped     atomic.Bool

	mu       sync.Mutex
	day      string
	dayCents int64
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// OnSuccess clears the consecutive failure count.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutive.Store(0)
}

// OnFailure counts one exhausted venue operation and reports whether the breaker is now tripped.
func (cb *CircuitBreaker) OnFailure() bool {
	if cb == nil {
		return false
	}
	n := cb.consecutive.Add(1)
	if cb.cfg.MaxConsecutiveFailures > 0 && n >= cb.cfg.MaxConsecutiveFailures {
		cb.tripped.Store(true)
	}
	return cb.tripped.Load()
}

// Tripped is sticky until Reset.
func (cb *CircuitBreaker) Tripped() bool {
	return cb != nil && cb.tripped.Load()
}

func (cb *CircuitBreaker) Reset() {
	if cb == nil {
		return
	}
	cb.tripped.Store(false)
	cb.consecutive.Store(0)
}

// ConsecutiveFailures is the current run of failures.
func (cb *CircuitBreaker) ConsecutiveFailures() int64 {
	if cb == nil {
		return 0
	}
	return cb.consecutive.Load()
}

// AddPnL books realized P/L in dollars against the current UTC day.
func (cb *CircuitBreaker) AddPnL(dollars float64) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollLocked()
	cb.dayCents += int64(math.Round(dollars * 100))
}

// AllowEntries returns ErrDailyLossLimit once today's loss reaches the limit.
func (cb *CircuitBreaker) AllowEntries() error {
	if cb == nil {
		return nil
	}
	if cb.Tripped() {
		return ErrBreakerTripped
	}
	if cb.cfg.DailyLossLimitCents <= 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollLocked()
	if cb.dayCents <= -cb.cfg.DailyLossLimitCents {
		return ErrDailyLossLimit
	}
	return nil
}

// DailyPnL returns today's realized P/L in dollars.
func (cb *CircuitBreaker) DailyPnL() float64 {
	if cb == nil {
		return 0
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollLocked()
	return float64(cb.dayCents) / 100
}

// ResetDay starts a fresh day regardless of the clock.
func (cb *CircuitBreaker) ResetDay() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.day = util.DayKey(cb.now())
	cb.dayCents = 0
}

func (cb *CircuitBreaker) rollLocked() {
	key := util.DayKey(cb.now())
	if key != cb.day {
		cb.day = key
		cb.dayCents = 0
	}
}
