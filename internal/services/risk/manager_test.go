package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeTrader/internal/domain/models"
	applogger "RegimeTrader/pkg/logger"
	"RegimeTrader/pkg/retry"
)

type fakeGateway struct {
	mu       sync.Mutex
	next     int
	placeErr []error
	stateErr []error
	closeErr []error
	modErr   error
	fill     float64
	states   map[string]models.PositionSnapshot
	stops    []float64
	orders   []models.OrderRequest
	closes   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{next: 1000, states: map[string]models.PositionSnapshot{}}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req models.OrderRequest) (models.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, req)
	if err := pop(&g.placeErr); err != nil {
		return models.OrderResult{}, err
	}
	g.next++
	ticket := fmt.Sprint(g.next)
	g.states[ticket] = models.PositionSnapshot{Ticket: ticket, State: models.VenueOpen, Stop: req.Stop, TakeProfit: req.TakeProfit}
	return models.OrderResult{Ticket: ticket, Price: g.fill}, nil
}

func (g *fakeGateway) ModifyStop(_ context.Context, id string, stop float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.modErr != nil {
		return g.modErr
	}
	g.stops = append(g.stops, stop)
	s := g.states[id]
	s.Stop = stop
	g.states[id] = s
	return nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, id string) (models.CloseResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := pop(&g.closeErr); err != nil {
		return models.CloseResult{}, err
	}
	g.closes++
	s := g.states[id]
	s.State = models.VenueClosed
	g.states[id] = s
	return models.CloseResult{Price: 2001, PnL: 1}, nil
}

func (g *fakeGateway) GetPositionState(_ context.Context, id string) (models.PositionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := pop(&g.stateErr); err != nil {
		return models.PositionSnapshot{}, err
	}
	return g.states[id], nil
}

func (g *fakeGateway) setState(id string, s models.PositionSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[id] = s
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []interface{}
}

func (r *recordingAlerts) PublishMessage(_ context.Context, _ string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, payload)
	return nil
}

func testConfig() Config {
	return Config{
		MaxLossDollars:      1.0,
		InitialSLDollars:    1.0,
		TPMultiplier:        3.0,
		ConfidenceThreshold: 0.55,
		MaxPositions:        2,
		LotSize:             0.01,
		ContractSize:        100,
		MagicNumber:         777777,
		TrailActivation:     1.0,
		TrailDistance:       1.0,
		CallTimeout:         time.Second,
		AlertTopic:          "alerts",
	}
}

func noSleepPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		Retryable:   models.IsRetryable,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func newManager(gw *fakeGateway, opts ...Option) *Manager {
	return NewManager(testConfig(), gw, noSleepPolicy(3), applogger.NewNop(), opts...)
}

func signal(symbol string, dir models.Direction, conf float64) models.Signal {
	return models.Signal{Symbol: symbol, Direction: dir, Confidence: conf, Regime: models.RegimeClean, Price: 2000, Timestamp: time.Now()}
}

func gateReason(t *testing.T, err error) GateReason {
	t.Helper()
	var ge *GateError
	require.True(t, errors.As(err, &ge), "expected gate error, got %v", err)
	return ge.Reason
}

func TestSizingTakeProfitIsExactMultiple(t *testing.T) {
	stop, tp := Sizing(1.00, 1.00, 3.0, 0.01, 100)
	assert.Equal(t, 1.0, stop)
	assert.Equal(t, 3*stop, tp)

	stop, tp = Sizing(1.00, 0.50, 3.0, 0.01, 100)
	assert.Equal(t, 0.5, stop)
	assert.Equal(t, 3*stop, tp)
}

func TestLossAtStopWithinBudget(t *testing.T) {
	for _, tc := range []struct{ maxLoss, sl, lot, contract float64 }{
		{1.00, 1.00, 0.01, 100},
		{2.50, 1.75, 0.02, 100},
		{1.00, 1.00, 0.10, 1},
		{5.00, 5.00, 0.01, 100000},
	} {
		stop, _ := Sizing(tc.maxLoss, tc.sl, 3, tc.lot, tc.contract)
		for _, dir := range []models.Direction{models.DirectionLong, models.DirectionShort} {
			s, _ := Levels(dir, 1234.5, stop, 0)
			loss := -PnL(dir, 1234.5, s, tc.lot, tc.contract)
			assert.LessOrEqual(t, loss, tc.maxLoss+1e-9)
		}
	}
}

func TestAdmitConfidenceThresholdInclusive(t *testing.T) {
	m := newManager(newFakeGateway())

	assert.Equal(t, GateLowConfidence, gateReason(t, m.Admit(signal("XAUUSD", models.DirectionLong, 0.5499))))
	assert.NoError(t, m.Admit(signal("XAUUSD", models.DirectionLong, 0.55)))
}

func TestAdmitRefusesNonCleanAndNone(t *testing.T) {
	m := newManager(newFakeGateway())

	s := signal("XAUUSD", models.DirectionLong, 0.9)
	s.Regime = models.RegimeVolatile
	assert.Equal(t, GateRegime, gateReason(t, m.Admit(s)))
	assert.Equal(t, GateNoDirection, gateReason(t, m.Admit(signal("XAUUSD", models.DirectionNone, 0.9))))
}

func TestNoOrderBelowThreshold(t *testing.T) {
	gw := newFakeGateway()
	m := newManager(gw)

	_, err := m.Open(context.Background(), signal("XAUUSD", models.DirectionLong, 0.54))
	require.Error(t, err)
	assert.Empty(t, gw.orders)
}

func TestOpenPlacesOrderWithBudgetLevels(t *testing.T) {
	gw := newFakeGateway()
	m := newManager(gw)

	pos, err := m.Open(context.Background(), signal("XAUUSD", models.DirectionShort, 0.64))
	require.NoError(t, err)

	assert.Equal(t, models.StatusOpen, pos.Status)
	require.Len(t, gw.orders, 1)
	assert.Equal(t, 2001.0, gw.orders[0].Stop)
	assert.Equal(t, 1997.0, gw.orders[0].TakeProfit)
	assert.Equal(t, int64(777777), gw.orders[0].Magic)
	assert.Equal(t, 0.01, gw.orders[0].Volume)
	assert.Equal(t, 3*pos.StopDistance, pos.TakeProfitDistance)
}

func TestOnePositionPerSymbolAndMaxPositions(t *testing.T) {
	gw := newFakeGateway()
	m := newManager(gw)
	ctx := context.Background()

	_, err := m.Open(ctx, signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)

	_, err = m.Open(ctx, signal("XAUUSD", models.DirectionShort, 0.9))
	assert.Equal(t, GateSymbolBusy, gateReason(t, err))

	_, err = m.Open(ctx, signal("BTCUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)

	_, err = m.Open(ctx, signal("EURUSD", models.DirectionLong, 0.9))
	assert.Equal(t, GateMaxPositions, gateReason(t, err))
	assert.Len(t, gw.orders, 2)
	assert.Len(t, m.Positions(), 2)
}

func TestRejectedOrderIsNotRetried(t *testing.T) {
	gw := newFakeGateway()
	gw.placeErr = []error{&models.RejectedError{Op: "place_order", Reason: "market closed"}}
	m := newManager(gw)

	_, err := m.Open(context.Background(), signal("XAUUSD", models.DirectionLong, 0.9))
	assert.True(t, models.IsRejected(err))
	assert.Len(t, gw.orders, 1)
	_, busy := m.Position("XAUUSD")
	assert.False(t, busy)
}

func TestConnectionFailureRetriesThenUnknown(t *testing.T) {
	gw := newFakeGateway()
	conn := &models.ConnectionError{Op: "place_order", Err: errors.New("reset")}
	gw.placeErr = []error{conn, conn, conn}
	alerts := &recordingAlerts{}
	m := newManager(gw, WithAlerts(alerts), WithBreaker(NewCircuitBreaker(BreakerConfig{MaxConsecutiveFailures: 5})))

	_, err := m.Open(context.Background(), signal("XAUUSD", models.DirectionLong, 0.9))
	require.Error(t, err)
	assert.Len(t, gw.orders, 3)

	pos, ok := m.Position("XAUUSD")
	require.True(t, ok)
	assert.Equal(t, models.StatusUnknown, pos.Status)
	assert.Len(t, alerts.alerts, 1)

	_, err = m.Open(context.Background(), signal("XAUUSD", models.DirectionLong, 0.9))
	assert.Equal(t, GateSymbolBusy, gateReason(t, err))
	assert.Equal(t, int64(1), m.Breaker().ConsecutiveFailures())
}

func TestConnectionRecoversWithinRetries(t *testing.T) {
	gw := newFakeGateway()
	gw.placeErr = []error{&models.ConnectionError{Op: "place_order", Err: errors.New("timeout")}}
	m := newManager(gw)

	pos, err := m.Open(context.Background(), signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.Len(t, gw.orders, 2)
}

func TestTrailingStopIsMonotonic(t *testing.T) {
	gw := newFakeGateway()
	m := newManager(gw)
	ctx := context.Background()

	pos, err := m.Open(ctx, signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)
	require.Equal(t, 1999.0, pos.Stop)

	prices := []float64{2000.5, 2001, 2002.5, 2001.2, 2003, 2000.1, 2002.9, 2004}
	last := pos.Stop
	for _, p := range prices {
		_, err := m.Manage(ctx, "XAUUSD", p, models.RegimeClean)
		require.NoError(t, err)
		cur, ok := m.Position("XAUUSD")
		require.True(t, ok)
		assert.GreaterOrEqual(t, cur.Stop, last, "stop loosened at price %v", p)
		last = cur.Stop
	}

	cur, _ := m.Position("XAUUSD")
	assert.Equal(t, models.StatusTrailing, cur.Status)
	assert.Equal(t, 2003.0, cur.Stop)
	for i := 1; i < len(gw.stops); i++ {
		assert.Greater(t, gw.stops[i], gw.stops[i-1])
	}
}

func TestTrailingShortMirrors(t *testing.T) {
	gw := newFakeGateway()
	m := newManager(gw)
	ctx := context.Background()

	_, err := m.Open(ctx, signal("XAUUSD", models.DirectionShort, 0.9))
	require.NoError(t, err)

	for _, p := range []float64{1999.5, 1998, 1999, 1997} {
		_, err := m.Manage(ctx, "XAUUSD", p, models.RegimeClean)
		require.NoError(t, err)
	}
	cur, _ := m.Position("XAUUSD")
	assert.Equal(t, 1998.0, cur.Stop)
	assert.Equal(t, []float64{1999, 1998}, gw.stops)
}

func TestFailedModifyKeepsPreviousStop(t *testing.T) {
	gw := newFakeGateway()
	m := newManager(gw)
	ctx := context.Background()

	_, err := m.Open(ctx, signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)
	gw.modErr = &models.RejectedError{Op: "modify_stop", Reason: "too close"}

	_, err = m.Manage(ctx, "XAUUSD", 2005, models.RegimeClean)
	require.NoError(t, err)
	cur, _ := m.Position("XAUUSD")
	assert.Equal(t, 1999.0, cur.Stop)
	assert.Equal(t, models.StatusOpen, cur.Status)
}

func TestVenueCloseProducesOutcome(t *testing.T) {
	gw := newFakeGateway()
	m := newManager(gw)
	ctx := context.Background()

	pos, err := m.Open(ctx, signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)
	gw.setState(pos.Ticket, models.PositionSnapshot{Ticket: pos.Ticket, State: models.VenueClosed, ClosePrice: 1999, CloseReason: "stop"})

	out, err := m.Manage(ctx, "XAUUSD", 1999, models.RegimeClean)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, models.OutcomeLoss, out.Result)
	assert.InDelta(t, -1.0, out.PnL, 1e-9)
	assert.GreaterOrEqual(t, out.PnL, -testConfig().MaxLossDollars-1e-9)
	assert.Equal(t, "stop", out.Reason)

	_, busy := m.Position("XAUUSD")
	assert.False(t, busy)
	require.Len(t, m.Closed(), 1)
}

func TestAmbiguousStateBecomesUnknown(t *testing.T) {
	gw := newFakeGateway()
	alerts := &recordingAlerts{}
	m := newManager(gw, WithAlerts(alerts))
	ctx := context.Background()

	pos, err := m.Open(ctx, signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)
	gw.setState(pos.Ticket, models.PositionSnapshot{Ticket: pos.Ticket, State: models.VenuePartial})

	_, err = m.Manage(ctx, "XAUUSD", 2000, models.RegimeClean)
	require.Error(t, err)
	cur, _ := m.Position("XAUUSD")
	assert.Equal(t, models.StatusUnknown, cur.Status)
	assert.Len(t, alerts.alerts, 1)

	out, err := m.Manage(ctx, "XAUUSD", 2000, models.RegimeClean)
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestRegimeFlipClosesWhenConfigured(t *testing.T) {
	gw := newFakeGateway()
	cfg := testConfig()
	cfg.CloseOnVolatile = true
	m := NewManager(cfg, gw, noSleepPolicy(3), applogger.NewNop())
	ctx := context.Background()

	_, err := m.Open(ctx, signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)

	out, err := m.Manage(ctx, "XAUUSD", 2001, models.RegimeVolatile)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "regime_volatile", out.Reason)
	assert.Equal(t, 1, gw.closes)
}

func TestMaxHoldCloses(t *testing.T) {
	gw := newFakeGateway()
	cfg := testConfig()
	cfg.MaxHold = time.Hour
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	m := NewManager(cfg, gw, noSleepPolicy(3), applogger.NewNop(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := m.Open(ctx, signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)

	out, err := m.Manage(ctx, "XAUUSD", 2000, models.RegimeClean)
	require.NoError(t, err)
	assert.Nil(t, out)

	now = now.Add(time.Hour)
	out, err = m.Manage(ctx, "XAUUSD", 2000, models.RegimeClean)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "max_hold", out.Reason)
}

func TestFlattenClosesManagedPositions(t *testing.T) {
	gw := newFakeGateway()
	m := newManager(gw)
	ctx := context.Background()

	_, err := m.Open(ctx, signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)
	_, err = m.Open(ctx, signal("BTCUSD", models.DirectionShort, 0.9))
	require.NoError(t, err)

	outs, errs := m.Flatten(ctx, "shutdown")
	assert.Empty(t, errs)
	assert.Len(t, outs, 2)
	assert.Empty(t, m.Positions())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	gw := newFakeGateway()
	conn := &models.ConnectionError{Op: "get_position_state", Err: errors.New("down")}
	m := newManager(gw, WithBreaker(NewCircuitBreaker(BreakerConfig{MaxConsecutiveFailures: 2})))
	ctx := context.Background()

	_, err := m.Open(ctx, signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)
	_, err = m.Open(ctx, signal("BTCUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)

	gw.stateErr = []error{conn, conn, conn, conn, conn, conn}
	_, _ = m.Manage(ctx, "XAUUSD", 2000, models.RegimeClean)
	assert.False(t, m.Halted())
	_, _ = m.Manage(ctx, "BTCUSD", 2000, models.RegimeClean)
	assert.True(t, m.Halted())
}

func TestDailyLossLimitHaltsEntries(t *testing.T) {
	gw := newFakeGateway()
	cb := NewCircuitBreaker(BreakerConfig{DailyLossLimitCents: 100})
	m := newManager(gw, WithBreaker(cb))

	cb.AddPnL(-1.0)
	_, err := m.Open(context.Background(), signal("XAUUSD", models.DirectionLong, 0.9))
	assert.Equal(t, GateHalted, gateReason(t, err))

	cb.ResetDay()
	_, err = m.Open(context.Background(), signal("XAUUSD", models.DirectionLong, 0.9))
	assert.NoError(t, err)
}

func TestSlippageReanchorsStop(t *testing.T) {
	gw := newFakeGateway()
	gw.fill = 2000.4
	m := newManager(gw)

	pos, err := m.Open(context.Background(), signal("XAUUSD", models.DirectionLong, 0.9))
	require.NoError(t, err)
	assert.Equal(t, 2000.4, pos.EntryPrice)
	assert.InDelta(t, 1999.4, pos.Stop, 1e-9)
	assert.InDelta(t, 2003.4, pos.TakeProfit, 1e-9)
}
