package repository

import (
	"context"
	"sync"
	"time"

	"RegimeTrader/internal/domain/models"
	domrepo "RegimeTrader/internal/domain/repository"
)

// BarWindow keeps the most recent bars per symbol in fixed-size ring buffers.
// Streaming sources append to it and the decision loop reads it as a feed.
type BarWindow struct {
	mu      sync.RWMutex
	size    int
	rings   map[string]*ring
	now     func() time.Time
	observe func(models.Bar)
}

type ring struct {
	bars  []models.Bar
	start int
	count int
}

// WindowOption configures BarWindow.
type WindowOption func(*BarWindow)

// WithObserver is called for every bar that changes the window.
func WithObserver(fn func(models.Bar)) WindowOption {
	return func(w *BarWindow) { w.observe = fn }
}

func NewBarWindow(size int, opts ...WindowOption) *BarWindow {
	if size <= 0 {
		size = 2000
	}
	w := &BarWindow{size: size, rings: make(map[string]*ring), now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append adds a completed or in-progress bar. A bar with the same open time as
// the newest one replaces it; older bars are ignored.
func (w *BarWindow) Append(bar models.Bar) {
	if bar.Symbol == "" || bar.Time.IsZero() {
		return
	}
	w.mu.Lock()
	r, ok := w.rings[bar.Symbol]
	if !ok {
		r = &ring{bars: make([]models.Bar, w.size)}
		w.rings[bar.Symbol] = r
	}
	changed := r.push(bar)
	w.mu.Unlock()

	if changed && w.observe != nil {
		w.observe(bar)
	}
}

// Latest returns up to n most recent bars, oldest first.
func (w *BarWindow) Latest(_ context.Context, symbol string, n int) (models.MarketSnapshot, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := models.MarketSnapshot{Symbol: symbol, Timestamp: w.now().UTC()}
	r, ok := w.rings[symbol]
	if !ok || r.count == 0 {
		return snap, nil
	}
	if n <= 0 || n > r.count {
		n = r.count
	}
	snap.Bars = make([]models.Bar, n)
	first := r.count - n
	for i := 0; i < n; i++ {
		snap.Bars[i] = r.at(first + i)
	}
	return snap, nil
}

// Len returns how many bars are buffered for symbol.
func (w *BarWindow) Len(symbol string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if r, ok := w.rings[symbol]; ok {
		return r.count
	}
	return 0
}

func (r *ring) at(i int) models.Bar {
	return r.bars[(r.start+i)%len(r.bars)]
}

func (r *ring) push(b models.Bar) bool {
	if r.count > 0 {
		lastIdx := (r.start + r.count - 1) % len(r.bars)
		last := r.bars[lastIdx]
		switch {
		case b.Time.Equal(last.Time):
			r.bars[lastIdx] = b
			return true
		case b.Time.Before(last.Time):
			return false
		}
	}
	if r.count < len(r.bars) {
		r.bars[(r.start+r.count)%len(r.bars)] = b
		r.count++
		return true
	}
	r.bars[r.start] = b
	r.start = (r.start + 1) % len(r.bars)
	return true
}

var (
	_ domrepo.MarketDataFeed = (*BarWindow)(nil)
	_ domrepo.BarSink        = (*BarWindow)(nil)
)
