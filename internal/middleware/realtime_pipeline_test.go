package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeTrader/internal/domain/models"
	"RegimeTrader/pkg/metrics"
)

type collectProc struct {
	mu     sync.Mutex
	trades []models.Trade
}

func (c *collectProc) Process(_ context.Context, t *models.Trade) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades = append(c.trades, *t)
	return nil
}

func (c *collectProc) snapshot() []models.Trade {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Trade(nil), c.trades...)
}

func trade(price, vol float64, at time.Time) *models.Trade {
	return &models.Trade{Symbol: "XAUUSD", Price: price, Volume: vol, Timestamp: at}
}

func TestPipelineRejectsInvalidTrades(t *testing.T) {
	p := NewRealtimePipeline(&collectProc{}, metrics.Nop{})
	now := time.Now()
	assert.Error(t, p.Process(context.Background(), nil))
	assert.Error(t, p.Process(context.Background(), &models.Trade{Price: 1, Timestamp: now}))
	assert.Error(t, p.Process(context.Background(), trade(0, 1, now)))
	assert.Error(t, p.Process(context.Background(), trade(1, 1, time.Time{})))
}

func TestAdmitHoldsThrottledExtremes(t *testing.T) {
	p := NewRealtimePipeline(&collectProc{}, metrics.Nop{}, WithMaxRPS(1))
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	held, ok := p.admit(trade(100, 1, base), base)
	require.True(t, ok)
	assert.Empty(t, held)

	for i, price := range []float64{105, 95, 101} {
		at := base.Add(time.Duration(i+1) * 100 * time.Millisecond)
		_, ok := p.admit(trade(price, 2, at), at)
		assert.False(t, ok)
	}

	at := base.Add(1100 * time.Millisecond)
	held, ok = p.admit(trade(102, 1, at), at)
	require.True(t, ok)
	require.Len(t, held, 3)
	assert.Equal(t, []float64{105, 95, 101}, []float64{held[0].Price, held[1].Price, held[2].Price}, "time order")
	assert.Equal(t, 0.0, held[0].Volume)
	assert.Equal(t, 0.0, held[1].Volume)
	assert.Equal(t, 6.0, held[2].Volume, "latest held trade carries the throttled volume")

	at = base.Add(2200 * time.Millisecond)
	held, ok = p.admit(trade(103, 1, at), at)
	require.True(t, ok)
	assert.Empty(t, held)
}

func TestHeldSingleTradeIsNotDuplicated(t *testing.T) {
	h := &heldTrades{}
	at := time.Now()
	h.add(trade(50, 3, at))
	out := h.release()
	require.Len(t, out, 1)
	assert.Equal(t, 3.0, out[0].Volume)
}

func TestPipelineDeliversToProcessor(t *testing.T) {
	proc := &collectProc{}
	p := NewRealtimePipeline(proc, metrics.Nop{}, WithMaxRPS(0), WithBufferSize(8))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Process(ctx, trade(100+float64(i), 1, now.Add(time.Duration(i)*time.Millisecond))))
	}
	require.Eventually(t, func() bool { return len(proc.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()
}

func TestPipelineTransform(t *testing.T) {
	proc := &collectProc{}
	p := NewRealtimePipeline(proc, metrics.Nop{}, WithMaxRPS(0), WithTransform(func(tr *models.Trade) *models.Trade {
		out := *tr
		out.Symbol = "XAUUSD"
		return &out
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	require.NoError(t, p.Process(ctx, &models.Trade{Symbol: "OANDA:XAU_USD", Price: 2000, Timestamp: time.Now()}))
	require.Eventually(t, func() bool { return len(proc.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "XAUUSD", proc.snapshot()[0].Symbol)
}
