package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeTrader/internal/domain/models"
	domrepo "RegimeTrader/internal/domain/repository"
	mid "RegimeTrader/internal/middleware"
	"RegimeTrader/internal/repository"
	"RegimeTrader/pkg/metrics"
)

func TestBarAggregatorBuildsOHLCV(t *testing.T) {
	w := repository.NewBarWindow(10)
	agg := NewBarAggregator(domrepo.TF1m, w)
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	trades := []models.Trade{
		{Symbol: "XAUUSD", Price: 2000, Volume: 1, Timestamp: base.Add(5 * time.Second)},
		{Symbol: "XAUUSD", Price: 2003, Volume: 2, Timestamp: base.Add(20 * time.Second)},
		{Symbol: "XAUUSD", Price: 1998, Volume: 1, Timestamp: base.Add(40 * time.Second)},
		{Symbol: "XAUUSD", Price: 2001, Volume: 1, Timestamp: base.Add(59 * time.Second)},
		{Symbol: "XAUUSD", Price: 2004, Volume: 5, Timestamp: base.Add(61 * time.Second)},
	}
	for i := range trades {
		require.NoError(t, agg.Process(ctx, &trades[i]))
	}
	late := models.Trade{Symbol: "XAUUSD", Price: 1, Volume: 1, Timestamp: base.Add(30 * time.Second)}
	assert.Error(t, agg.Process(ctx, &late))

	snap, err := w.Latest(ctx, "XAUUSD", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bars, 2)
	first := snap.Bars[0]
	assert.Equal(t, base, first.Time)
	assert.Equal(t, 2000.0, first.Open)
	assert.Equal(t, 2003.0, first.High)
	assert.Equal(t, 1998.0, first.Low)
	assert.Equal(t, 2001.0, first.Close)
	assert.Equal(t, 5.0, first.Volume)
	assert.Equal(t, 2004.0, snap.Bars[1].Open)
}

func TestPipelineFeedsAggregator(t *testing.T) {
	w := repository.NewBarWindow(10)
	agg := NewBarAggregator(domrepo.TF1m, w)
	pipe := mid.NewRealtimePipeline(agg, metrics.Nop{}, mid.WithMaxRPS(0), mid.WithBufferSize(8))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe.Start(ctx)
	defer pipe.Stop()

	now := time.Now().UTC()
	assert.Error(t, pipe.Process(ctx, &models.Trade{Symbol: "", Price: 1, Timestamp: now}))
	assert.Error(t, pipe.Process(ctx, &models.Trade{Symbol: "XAUUSD", Price: -1, Timestamp: now}))
	require.NoError(t, pipe.Process(ctx, &models.Trade{Symbol: "XAUUSD", Price: 2000, Volume: 1, Timestamp: now}))

	assert.Eventually(t, func() bool { return w.Len("XAUUSD") == 1 }, time.Second, 5*time.Millisecond)
}
