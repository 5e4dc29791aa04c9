package usecase

import (
	"context"
	"fmt"
	"sync"

	"RegimeTrader/internal/domain/models"
	drepo "RegimeTrader/internal/domain/repository"
)

// BarAggregator folds trades into bars of one timeframe. The forming bar is
// pushed to the sink on every update so readers always see the latest price.
type BarAggregator struct {
	tf   drepo.Timeframe
	sink drepo.BarSink

	mu      sync.Mutex
	forming map[string]*models.Bar
}

func NewBarAggregator(tf drepo.Timeframe, sink drepo.BarSink) *BarAggregator {
	return &BarAggregator{tf: tf, sink: sink, forming: make(map[string]*models.Bar)}
}

// Process adds t to its symbol's forming bar. Trades older than the forming
// bar are rejected.
func (a *BarAggregator) Process(_ context.Context, t *models.Trade) error {
	if t == nil {
		return fmt.Errorf("trade is nil")
	}
	bucket := t.Timestamp.UTC().Truncate(a.tf.Duration())

	a.mu.Lock()
	cur, ok := a.forming[t.Symbol]
	switch {
	case !ok || bucket.After(cur.Time):
		cur = &models.Bar{
			Symbol: t.Symbol,
			Time:   bucket,
			Open:   t.Price,
			High:   t.Price,
			Low:    t.Price,
			Close:  t.Price,
			Volume: t.Volume,
		}
		a.forming[t.Symbol] = cur
	case bucket.Before(cur.Time):
		a.mu.Unlock()
		return fmt.Errorf("late trade for %s at %s", t.Symbol, t.Timestamp.Format("15:04:05"))
	default:
		if t.Price > cur.High {
			cur.High = t.Price
		}
		if t.Price < cur.Low {
			cur.Low = t.Price
		}
		cur.Close = t.Price
		cur.Volume += t.Volume
	}
	bar := *cur
	a.mu.Unlock()

	a.sink.Append(bar)
	return nil
}
