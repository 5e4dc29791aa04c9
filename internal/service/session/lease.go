package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"RegimeTrader/pkg/cache"
	applogger "RegimeTrader/pkg/logger"
)

var ErrLeaseLost = errors.New("session lease lost")

// Holder identifies the process owning an account session.
type Holder struct {
	Token      string    `json:"token"`
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ConflictError is returned when another process already holds the account.
type ConflictError struct {
	Account string
	Holder  *Holder
}

func (e *ConflictError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("account %s is already running in another process", e.Account)
	}
	return fmt.Sprintf("account %s is already running on %s (pid %d, since %s)",
		e.Account, e.Holder.Host, e.Holder.PID, e.Holder.AcquiredAt.Format(time.RFC3339))
}

// Lease is the exclusive execution session of one account. The lock key
// expires unless it is refreshed, so a crashed process frees the account
// after one TTL.
type Lease struct {
	store   cache.Service
	account string
	ttl     time.Duration
	log     *applogger.Logger
	now     func() time.Time
	holder  Holder

	mu     sync.Mutex
	held   bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLease(store cache.Service, account string, ttl time.Duration, l *applogger.Logger) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	host, _ := os.Hostname()
	return &Lease{
		store:   store,
		account: account,
		ttl:     ttl,
		log:     l.With(applogger.String("account", account)),
		now:     time.Now,
		holder:  Holder{Token: uuid.NewString(), Host: host, PID: os.Getpid()},
	}
}

func (s *Lease) lockKey() string  { return cache.Key("session", s.account) }
func (s *Lease) ownerKey() string { return cache.Key("session", s.account, "owner") }

// Acquire takes the lease or returns *ConflictError.
func (s *Lease) Acquire(ctx context.Context) error {
	ok, err := s.store.TryLock(ctx, s.lockKey(), s.ttl)
	if err != nil {
		return fmt.Errorf("acquire session lease: %w", err)
	}
	if !ok {
		conflict := &ConflictError{Account: s.account}
		var h Holder
		if err := s.store.Get(ctx, s.ownerKey(), &h); err == nil {
			conflict.Holder = &h
		}
		return conflict
	}

	s.holder.AcquiredAt = s.now().UTC()
	if err := s.store.Set(ctx, s.ownerKey(), s.holder, s.ttl); err != nil {
		_ = s.store.Unlock(ctx, s.lockKey())
		return fmt.Errorf("record session owner: %w", err)
	}

	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
	s.log.Info("session lease acquired",
		applogger.String("token", s.holder.Token),
		applogger.Duration("ttl", s.ttl),
	)
	return nil
}

// Refresh extends the lease. ErrLeaseLost means the key expired or was taken
// over by another process.
func (s *Lease) Refresh(ctx context.Context) error {
	var h Holder
	if err := s.store.Get(ctx, s.ownerKey(), &h); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return ErrLeaseLost
		}
		return fmt.Errorf("read session owner: %w", err)
	}
	if h.Token != s.holder.Token {
		return ErrLeaseLost
	}
	ok, err := s.store.Expire(ctx, s.lockKey(), s.ttl)
	if err != nil {
		return fmt.Errorf("refresh session lease: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	if _, err := s.store.Expire(ctx, s.ownerKey(), s.ttl); err != nil {
		return fmt.Errorf("refresh session owner: %w", err)
	}
	return nil
}

// Keep refreshes the lease every third of its TTL until Release. onLost is
// called once if the lease cannot be kept.
func (s *Lease) Keep(ctx context.Context, onLost func(error)) {
	s.mu.Lock()
	if !s.held || s.cancel != nil {
		s.mu.Unlock()
		return
	}
	kctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-kctx.Done():
				return
			case <-ticker.C:
			}
			rctx, rcancel := context.WithTimeout(kctx, s.ttl/3)
			err := s.Refresh(rctx)
			rcancel()
			switch {
			case err == nil:
			case errors.Is(err, ErrLeaseLost):
				s.log.Error("session lease lost", applogger.Error(err))
				if onLost != nil {
					onLost(err)
				}
				return
			case kctx.Err() != nil:
				return
			default:
				// the key survives a failed refresh until its TTL runs out
				s.log.Warn("session lease refresh failed", applogger.Error(err))
			}
		}
	}()
}

// Release stops refreshing and frees the account when this process still owns it.
func (s *Lease) Release(ctx context.Context) error {
	s.mu.Lock()
	cancel, done, held := s.cancel, s.done, s.held
	s.cancel, s.done, s.held = nil, nil, false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if !held {
		return nil
	}

	var h Holder
	if err := s.store.Get(ctx, s.ownerKey(), &h); err != nil || h.Token != s.holder.Token {
		return nil
	}
	if err := s.store.Delete(ctx, s.ownerKey()); err != nil {
		return fmt.Errorf("release session owner: %w", err)
	}
	if err := s.store.Unlock(ctx, s.lockKey()); err != nil {
		return fmt.Errorf("release session lease: %w", err)
	}
	s.log.Info("session lease released")
	return nil
}

// Holder returns this process' identity.
func (s *Lease) Holder() Holder {
	return s.holder
}
