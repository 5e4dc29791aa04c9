package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeTrader/internal/domain/models"
	"RegimeTrader/internal/repository"
	"RegimeTrader/internal/service/gateway"
	"RegimeTrader/internal/services/analytics"
	"RegimeTrader/internal/services/risk"
	"RegimeTrader/internal/services/telemetry"
	"RegimeTrader/pkg/config"
	applogger "RegimeTrader/pkg/logger"
	"RegimeTrader/pkg/metrics"
	"RegimeTrader/pkg/retry"
)

type fixedAnalyzer struct{ ratio float64 }

func (a fixedAnalyzer) Analyze(s models.MarketSnapshot) (models.EntropyMetric, error) {
	return models.EntropyMetric{Symbol: s.Symbol, Timestamp: s.Timestamp, Ratio: a.ratio, Window: len(s.Bars)}, nil
}

type countingScorer struct {
	mu    sync.Mutex
	calls int
	dir   models.Direction
	conf  float64
}

func (s *countingScorer) Name() string { return "counting" }

func (s *countingScorer) Score(context.Context, models.Features) (models.Direction, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.dir, s.conf, nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []models.TelemetryEvent
}

func (r *recordedEvents) Emit(ev models.TelemetryEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recordedEvents) kinds(kind models.TelemetryKind) []models.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TelemetryEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type failingFeed struct{}

func (failingFeed) Latest(context.Context, string, int) (models.MarketSnapshot, error) {
	return models.MarketSnapshot{}, errors.New("bridge offline")
}

type deadGateway struct{}

func (deadGateway) PlaceOrder(context.Context, models.OrderRequest) (models.OrderResult, error) {
	return models.OrderResult{}, &models.ConnectionError{Op: "place_order", Err: errors.New("terminal offline")}
}

func (deadGateway) ModifyStop(context.Context, string, float64) error { return nil }

func (deadGateway) ClosePosition(context.Context, string) (models.CloseResult, error) {
	return models.CloseResult{}, nil
}

func (deadGateway) GetPositionState(context.Context, string) (models.PositionSnapshot, error) {
	return models.PositionSnapshot{}, nil
}

func riskConfig() risk.Config {
	return risk.Config{
		MaxLossDollars:      1,
		InitialSLDollars:    1,
		TPMultiplier:        3,
		ConfidenceThreshold: 0.55,
		MaxPositions:        3,
		LotSize:             0.01,
		ContractSize:        100,
		MagicNumber:         777777,
		TrailActivation:     1,
		TrailDistance:       1,
		CallTimeout:         time.Second,
		AlertTopic:          "alerts",
	}
}

func instantPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		Retryable:   models.IsRetryable,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

// flatWindow holds 20 one-minute bars per symbol with a range too narrow to touch any stop.
func flatWindow(symbols ...string) *repository.BarWindow {
	w := repository.NewBarWindow(100)
	base := time.Now().UTC().Truncate(time.Minute).Add(-20 * time.Minute)
	for _, s := range symbols {
		for i := 0; i < 20; i++ {
			c := 2000 + float64(i)*0.01
			w.Append(models.Bar{Symbol: s, Time: base.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: 1})
		}
	}
	return w
}

type harness struct {
	loop   *DecisionLoop
	paper  *gateway.Paper
	risk   *risk.Manager
	scorer *countingScorer
	events *recordedEvents
}

func newHarness(t *testing.T, ratio float64, cfg LoopConfig) *harness {
	t.Helper()
	l := applogger.NewNop()
	paper := gateway.NewPaper(config.PaperConfig{InitialBalance: 10000}, 100, l)
	rm := risk.NewManager(riskConfig(), paper, instantPolicy(3), l)
	scorer := &countingScorer{dir: models.DirectionLong, conf: 0.9}
	events := &recordedEvents{}
	loop := NewDecisionLoop(cfg,
		flatWindow(cfg.Symbols...),
		fixedAnalyzer{ratio: ratio},
		analytics.NewRegimeClassifier(0.3, 0.7, 20),
		analytics.NewPredictor(scorer),
		rm,
		events,
		metrics.Nop{},
		l,
		WithBarObserver(paper),
	)
	return &harness{loop: loop, paper: paper, risk: rm, scorer: scorer, events: events}
}

func loopConfig(trading bool) LoopConfig {
	return LoopConfig{
		Account:       "demo",
		Symbols:       []string{"XAUUSD", "BTCUSD"},
		Interval:      time.Hour,
		Bars:          50,
		EnableTrading: trading,
	}
}

func TestLoopNeverTradesInVolatileRegime(t *testing.T) {
	h := newHarness(t, 0.9, loopConfig(true))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.loop.RunCycle(ctx))
	}

	assert.Equal(t, 0, h.scorer.calls)
	assert.Empty(t, h.risk.Positions())
	assert.Equal(t, 0, h.paper.Account().OpenPositions)

	signals := h.events.kinds(models.KindSignal)
	require.Len(t, signals, 6)
	for _, ev := range signals {
		assert.Equal(t, models.DirectionNone, ev.Direction)
		assert.Equal(t, models.RegimeVolatile, ev.Regime)
	}
	assert.Len(t, h.events.kinds(models.KindEntropy), 6)
	assert.Empty(t, h.events.kinds(models.KindRegimeChange))
}

func TestLoopOpensOncePerSymbolInCleanRegime(t *testing.T) {
	h := newHarness(t, 0.1, loopConfig(true))
	ctx := context.Background()

	require.NoError(t, h.loop.RunCycle(ctx))
	require.NoError(t, h.loop.RunCycle(ctx))

	positions := h.risk.Positions()
	require.Len(t, positions, 2)
	for _, p := range positions {
		assert.Equal(t, models.DirectionLong, p.Direction)
		assert.Equal(t, models.StatusOpen, p.Status)
	}
	assert.Equal(t, 2, h.paper.Account().OpenPositions)
	assert.Len(t, h.events.kinds(models.KindRegimeChange), 2)

	st := h.loop.Status()
	assert.Equal(t, int64(2), st.Cycles)
	assert.Equal(t, models.RegimeClean, st.Symbols[0].Regime)
	assert.False(t, st.WatchOnly)
}

func TestLoopWatchOnlyPlacesNoOrders(t *testing.T) {
	h := newHarness(t, 0.1, loopConfig(false))

	require.NoError(t, h.loop.RunCycle(context.Background()))

	assert.Equal(t, 2, h.scorer.calls)
	assert.Empty(t, h.risk.Positions())
	assert.True(t, h.loop.Status().WatchOnly)
}

func TestLoopBelowThresholdPlacesNoOrders(t *testing.T) {
	h := newHarness(t, 0.1, loopConfig(true))
	h.scorer.conf = 0.5499

	require.NoError(t, h.loop.RunCycle(context.Background()))
	assert.Empty(t, h.risk.Positions())

	h.scorer.conf = 0.55
	require.NoError(t, h.loop.RunCycle(context.Background()))
	assert.Len(t, h.risk.Positions(), 2)
}

func TestLoopSurvivesTelemetryOutage(t *testing.T) {
	l := applogger.NewNop()
	paper := gateway.NewPaper(config.PaperConfig{InitialBalance: 10000}, 100, l)
	rm := risk.NewManager(riskConfig(), paper, instantPolicy(3), l)
	sink := &refusingSink{}
	em := telemetry.NewEmitter(telemetry.Config{
		Enabled:       true,
		BatchSize:     1,
		FlushInterval: time.Millisecond,
		QueueSize:     2,
		MaxRetries:    1,
		SendTimeout:   time.Millisecond,
		NodeID:        "QC_ABCDEF012345",
	}, sink, l, telemetry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	em.Start()
	defer em.Close(context.Background())

	cfg := loopConfig(true)
	loop := NewDecisionLoop(cfg, flatWindow(cfg.Symbols...), fixedAnalyzer{ratio: 0.1},
		analytics.NewRegimeClassifier(0.3, 0.7, 20),
		analytics.NewPredictor(&countingScorer{dir: models.DirectionShort, conf: 0.8}),
		rm, em, metrics.Nop{}, l, WithBarObserver(paper))

	for i := 0; i < 5; i++ {
		require.NoError(t, loop.RunCycle(context.Background()))
	}
	assert.Len(t, rm.Positions(), 2)
	assert.Equal(t, int64(5), loop.Status().Cycles)
}

type refusingSink struct{}

func (refusingSink) Send(context.Context, []models.TelemetryEvent) (int, error) {
	return 0, errors.New("collector unreachable")
}

func (refusingSink) Close() error { return nil }

func TestLoopSkipsFeedFailures(t *testing.T) {
	l := applogger.NewNop()
	paper := gateway.NewPaper(config.PaperConfig{InitialBalance: 10000}, 100, l)
	cfg := loopConfig(true)
	loop := NewDecisionLoop(cfg, failingFeed{}, fixedAnalyzer{ratio: 0.1},
		analytics.NewRegimeClassifier(0.3, 0.7, 20),
		analytics.NewPredictor(&countingScorer{dir: models.DirectionLong, conf: 0.9}),
		risk.NewManager(riskConfig(), paper, instantPolicy(3), l),
		&recordedEvents{}, metrics.Nop{}, l)

	require.NoError(t, loop.RunCycle(context.Background()))
	for _, st := range loop.Status().Symbols {
		assert.Equal(t, "feed", st.Skipped)
	}
}

func TestLoopSkipsInsufficientData(t *testing.T) {
	l := applogger.NewNop()
	paper := gateway.NewPaper(config.PaperConfig{InitialBalance: 10000}, 100, l)
	cfg := loopConfig(true)
	loop := NewDecisionLoop(cfg, flatWindow(cfg.Symbols...), analytics.NewCompressionAnalyzer(64),
		analytics.NewRegimeClassifier(0.3, 0.7, 20),
		analytics.NewPredictor(&countingScorer{dir: models.DirectionLong, conf: 0.9}),
		risk.NewManager(riskConfig(), paper, instantPolicy(3), l),
		&recordedEvents{}, metrics.Nop{}, l)

	require.NoError(t, loop.RunCycle(context.Background()))
	assert.Equal(t, "insufficient_data", loop.Status().Symbols[0].Skipped)
}

func TestLoopExitsWhenVenueBreakerTrips(t *testing.T) {
	l := applogger.NewNop()
	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{MaxConsecutiveFailures: 1})
	rm := risk.NewManager(riskConfig(), deadGateway{}, instantPolicy(2), l, risk.WithBreaker(breaker))
	cfg := loopConfig(true)
	loop := NewDecisionLoop(cfg, flatWindow(cfg.Symbols...), fixedAnalyzer{ratio: 0.1},
		analytics.NewRegimeClassifier(0.3, 0.7, 20),
		analytics.NewPredictor(&countingScorer{dir: models.DirectionLong, conf: 0.9}),
		rm, &recordedEvents{}, metrics.Nop{}, l)

	err := loop.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrVenueUnavailable))

	pos, ok := rm.Position("XAUUSD")
	require.True(t, ok)
	assert.Equal(t, models.StatusUnknown, pos.Status)
	_, ok = rm.Position("BTCUSD")
	assert.False(t, ok, "no further symbols are evaluated after the trip")
}

func TestLoopShutdownIsCleanAndFlattens(t *testing.T) {
	cfg := loopConfig(true)
	cfg.FlattenOnShutdown = true
	h := newHarness(t, 0.1, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool { return h.loop.Status().Cycles == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}

	assert.False(t, h.loop.Status().Running)
	assert.Equal(t, 0, h.paper.Account().OpenPositions)
	for _, p := range h.risk.Closed() {
		assert.Equal(t, "shutdown", p.CloseReason)
	}
	assert.Len(t, h.events.kinds(models.KindOutcome), 2)
}
