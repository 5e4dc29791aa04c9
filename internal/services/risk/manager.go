package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"RegimeTrader/internal/domain/models"
	"RegimeTrader/internal/domain/repository"
	"RegimeTrader/pkg/config"
	applogger "RegimeTrader/pkg/logger"
	"RegimeTrader/pkg/retry"
)

const closedHistory = 200

type Config struct {
	MaxLossDollars      float64
	InitialSLDollars    float64
	TPMultiplier        float64
	ConfidenceThreshold float64
	MaxPositions        int
	LotSize             float64
	ContractSize        float64
	MagicNumber         int64
	MaxHold             time.Duration
	CloseOnVolatile     bool
	TrailActivation     float64
	TrailDistance       float64
	CallTimeout         time.Duration
	AlertTopic          string
}

// ConfigFrom maps the trading section onto the manager.
func ConfigFrom(cfg *config.Config) Config {
	t := cfg.Trading
	return Config{
		MaxLossDollars:      t.MaxLossDollars,
		InitialSLDollars:    t.InitialSLDollars,
		TPMultiplier:        t.TPMultiplier,
		ConfidenceThreshold: t.ConfidenceThreshold,
		MaxPositions:        t.MaxPositions,
		LotSize:             t.LotSize,
		ContractSize:        t.ContractSize,
		MagicNumber:         t.MagicNumber,
		MaxHold:             t.MaxHold,
		CloseOnVolatile:     t.CloseOnVolatile,
		TrailActivation:     t.TrailActivation,
		TrailDistance:       t.TrailDistance,
		CallTimeout:         cfg.Execution.CallTimeout,
		AlertTopic:          cfg.Alerts.Topic,
	}
}

// RetryPolicy builds the venue retry policy: only connection failures and
// ambiguous snapshots are retried.
func RetryPolicy(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		BaseBackoff: rc.BaseBackoff,
		MaxBackoff:  rc.MaxBackoff,
		Retryable:   models.IsRetryable,
	}
}

type GateReason string

const (
	GateNoDirection   GateReason = "no_direction"
	GateLowConfidence GateReason = "low_confidence"
	GateRegime        GateReason = "regime"
	GateMaxPositions  GateReason = "max_positions"
	GateSymbolBusy    GateReason = "symbol_busy"
	GateHalted        GateReason = "halted"
)

// GateError explains why a signal was not admitted.
type GateError struct {
	Reason GateReason
	Detail string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("entry refused (%s): %s", e.Reason, e.Detail)
}

// Manager owns every position of one account. Only the decision loop mutates it;
// readers use the snapshot accessors.
type Manager struct {
	cfg     Config
	gw      repository.ExecutionGateway
	policy  retry.Policy
	breaker *CircuitBreaker
	alerts  repository.AlertPublisher
	metrics repository.Metrics
	log     *applogger.Logger
	now     func() time.Time

	mu        sync.RWMutex
	positions map[string]*models.Position
	closed    []models.Position
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithAlerts(p repository.AlertPublisher) Option { return func(m *Manager) { m.alerts = p } }

func WithMetrics(r repository.Metrics) Option { return func(m *Manager) { m.metrics = r } }

func WithBreaker(cb *CircuitBreaker) Option { return func(m *Manager) { m.breaker = cb } }

func NewManager(cfg Config, gw repository.ExecutionGateway, policy retry.Policy, l *applogger.Logger, opts ...Option) *Manager {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	m := &Manager{
		cfg:       cfg,
		gw:        gw,
		policy:    policy,
		log:       l,
		now:       time.Now,
		positions: make(map[string]*models.Position),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Sizing returns the fixed stop and take-profit distances in price units.
func (m *Manager) Sizing() (stop, takeProfit float64) {
	return Sizing(m.cfg.MaxLossDollars, m.cfg.InitialSLDollars, m.cfg.TPMultiplier, m.cfg.LotSize, m.cfg.ContractSize)
}

// Admit applies the entry gate. A nil result means an order may be placed.
func (m *Manager) Admit(sig models.Signal) error {
	if !sig.Direction.Tradable() {
		return &GateError{Reason: GateNoDirection, Detail: string(sig.Direction)}
	}
	if sig.Confidence < m.cfg.ConfidenceThreshold {
		return &GateError{Reason: GateLowConfidence, Detail: fmt.Sprintf("%.4f < %.4f", sig.Confidence, m.cfg.ConfidenceThreshold)}
	}
	if sig.Regime != models.RegimeClean {
		return &GateError{Reason: GateRegime, Detail: string(sig.Regime)}
	}
	if err := m.breaker.AllowEntries(); err != nil {
		return &GateError{Reason: GateHalted, Detail: err.Error()}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, busy := m.positions[sig.Symbol]; busy {
		return &GateError{Reason: GateSymbolBusy, Detail: sig.Symbol}
	}
	if len(m.positions) >= m.cfg.MaxPositions {
		return &GateError{Reason: GateMaxPositions, Detail: fmt.Sprintf("%d open", len(m.positions))}
	}
	return nil
}

// Open admits the signal and places the entry order. The position reserves its
// symbol slot while PENDING so the one-position rule holds during the venue call.
func (m *Manager) Open(ctx context.Context, sig models.Signal) (*models.Position, error) {
	if err := m.Admit(sig); err != nil {
		return nil, err
	}
	if sig.Price <= 0 {
		return nil, &GateError{Reason: GateNoDirection, Detail: "no reference price"}
	}

	stopDist, tpDist := m.Sizing()
	stop, tp := Levels(sig.Direction, sig.Price, stopDist, tpDist)
	pos := &models.Position{
		ID:                 uuid.NewString(),
		Symbol:             sig.Symbol,
		Direction:          sig.Direction,
		Volume:             m.cfg.LotSize,
		EntryPrice:         sig.Price,
		StopDistance:       stopDist,
		TakeProfitDistance: tpDist,
		Stop:               stop,
		TakeProfit:         tp,
		Peak:               sig.Price,
		Status:             models.StatusPending,
		OpenedAt:           m.now(),
	}
	m.mu.Lock()
	m.positions[pos.Symbol] = pos
	m.mu.Unlock()

	req := models.OrderRequest{
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Volume:     m.cfg.LotSize,
		Stop:       stop,
		TakeProfit: tp,
		Magic:      m.cfg.MagicNumber,
		Comment:    fmt.Sprintf("regime %.0f%%", sig.Confidence*100),
	}
	var res models.OrderResult
	err := m.call(ctx, "place_order", func(cctx context.Context) error {
		var err error
		res, err = m.gw.PlaceOrder(cctx, req)
		return err
	})

	switch {
	case err == nil:
	case models.IsRejected(err):
		m.recordOrder(sig.Symbol, "rejected")
		m.finalize(pos, 0, 0, "rejected")
		m.log.Warn("order rejected", applogger.String("symbol", sig.Symbol), applogger.Error(err))
		return nil, err
	default:
		m.recordOrder(sig.Symbol, "unknown")
		m.markUnknown(ctx, pos, "place_order", err)
		return nil, err
	}

	m.mu.Lock()
	pos.Ticket = res.Ticket
	pos.Status = models.StatusOpen
	m.mu.Unlock()
	m.recordOrder(sig.Symbol, "filled")

	if res.Price > 0 && res.Price != sig.Price {
		m.reanchor(ctx, pos, res.Price)
	}

	m.log.Info("position opened",
		applogger.String("symbol", pos.Symbol),
		applogger.String("ticket", pos.Ticket),
		applogger.String("direction", string(pos.Direction)),
		applogger.Float64("entry", pos.EntryPrice),
		applogger.Float64("stop", pos.Stop),
		applogger.Float64("take_profit", pos.TakeProfit),
		applogger.Float64("confidence", sig.Confidence),
	)
	m.publishPositions()
	return m.copyOf(pos), nil
}

// reanchor moves the stop to the fill price when slippage would widen the risk.
func (m *Manager) reanchor(ctx context.Context, pos *models.Position, fill float64) {
	stop, tp := Levels(pos.Direction, fill, pos.StopDistance, pos.TakeProfitDistance)
	m.mu.Lock()
	pos.EntryPrice = fill
	pos.Peak = fill
	pos.TakeProfit = tp
	m.mu.Unlock()
	if !Tighter(pos.Direction, stop, pos.Stop) {
		return
	}
	if err := m.call(ctx, "modify_stop", func(cctx context.Context) error {
		return m.gw.ModifyStop(cctx, pos.Ticket, stop)
	}); err != nil {
		m.log.Warn("stop re-anchor failed", applogger.String("ticket", pos.Ticket), applogger.Error(err))
		return
	}
	m.mu.Lock()
	pos.Stop = stop
	m.mu.Unlock()
}

// Manage reconciles and services the symbol's position for one poll.
// It returns the outcome when the position closes during this call.
func (m *Manager) Manage(ctx context.Context, symbol string, price float64, regime models.Regime) (*models.Outcome, error) {
	m.mu.RLock()
	pos, ok := m.positions[symbol]
	managed := ok && pos.Status.Managed()
	m.mu.RUnlock()
	if !managed {
		return nil, nil
	}

	var snap models.PositionSnapshot
	err := m.call(ctx, "get_position_state", func(cctx context.Context) error {
		var err error
		snap, err = m.gw.GetPositionState(cctx, pos.Ticket)
		if err == nil && snap.State == models.VenuePartial {
			return fmt.Errorf("ticket %s: %w", pos.Ticket, models.ErrAmbiguousState)
		}
		return err
	})
	if err != nil {
		m.markUnknown(ctx, pos, "get_position_state", err)
		return nil, err
	}

	if snap.State == models.VenueClosed {
		pnl := snap.PnL
		if pnl == 0 && snap.ClosePrice > 0 {
			pnl = PnL(pos.Direction, pos.EntryPrice, snap.ClosePrice, pos.Volume, m.cfg.ContractSize)
		}
		reason := snap.CloseReason
		if reason == "" {
			reason = "venue"
		}
		return m.finalize(pos, snap.ClosePrice, pnl, reason), nil
	}

	if m.cfg.MaxHold > 0 && m.now().Sub(pos.OpenedAt) >= m.cfg.MaxHold {
		return m.close(ctx, pos, "max_hold")
	}
	if m.cfg.CloseOnVolatile && regime == models.RegimeVolatile {
		return m.close(ctx, pos, "regime_volatile")
	}

	if price > 0 {
		m.trail(ctx, pos, price)
	}
	return nil, nil
}

func (m *Manager) trail(ctx context.Context, pos *models.Position, price float64) {
	m.mu.Lock()
	if Tighter(pos.Direction, price, pos.Peak) {
		pos.Peak = price
	}
	best := pos.Peak
	current := pos.Stop
	m.mu.Unlock()

	candidate, ok := TrailCandidate(pos.Direction, pos.EntryPrice, best, pos.StopDistance, m.cfg.TrailActivation, m.cfg.TrailDistance)
	if !ok || !Tighter(pos.Direction, candidate, current) {
		return
	}

	err := m.call(ctx, "modify_stop", func(cctx context.Context) error {
		return m.gw.ModifyStop(cctx, pos.Ticket, candidate)
	})
	if err != nil {
		m.log.Warn("trailing stop not applied",
			applogger.String("ticket", pos.Ticket),
			applogger.Float64("candidate", candidate),
			applogger.Float64("stop", current),
			applogger.Error(err),
		)
		return
	}

	m.mu.Lock()
	pos.Stop = candidate
	pos.Status = models.StatusTrailing
	m.mu.Unlock()
	m.log.Info("stop trailed",
		applogger.String("symbol", pos.Symbol),
		applogger.String("ticket", pos.Ticket),
		applogger.Float64("from", current),
		applogger.Float64("to", candidate),
	)
}

func (m *Manager) close(ctx context.Context, pos *models.Position, reason string) (*models.Outcome, error) {
	var res models.CloseResult
	err := m.call(ctx, "close_position", func(cctx context.Context) error {
		var err error
		res, err = m.gw.ClosePosition(cctx, pos.Ticket)
		return err
	})
	switch {
	case err == nil:
	case models.IsRejected(err):
		m.log.Warn("close rejected, will retry next poll",
			applogger.String("ticket", pos.Ticket),
			applogger.String("reason", reason),
			applogger.Error(err),
		)
		return nil, err
	default:
		m.markUnknown(ctx, pos, "close_position", err)
		return nil, err
	}

	pnl := res.PnL
	if pnl == 0 && res.Price > 0 {
		pnl = PnL(pos.Direction, pos.EntryPrice, res.Price, pos.Volume, m.cfg.ContractSize)
	}
	return m.finalize(pos, res.Price, pnl, reason), nil
}

// Flatten closes every managed position. It is the fail-safe path and the
// optional shutdown action.
func (m *Manager) Flatten(ctx context.Context, reason string) ([]models.Outcome, []error) {
	m.mu.RLock()
	targets := make([]*models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status.Managed() {
			targets = append(targets, p)
		}
	}
	m.mu.RUnlock()

	var outcomes []models.Outcome
	var errs []error
	for _, p := range targets {
		out, err := m.close(ctx, p, reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Symbol, err))
			continue
		}
		if out != nil {
			outcomes = append(outcomes, *out)
		}
	}
	return outcomes, errs
}

func (m *Manager) finalize(pos *models.Position, exit, pnl float64, reason string) *models.Outcome {
	m.mu.Lock()
	pos.Status = models.StatusClosed
	pos.ClosedAt = m.now()
	pos.ClosePrice = exit
	pos.PnL = pnl
	pos.CloseReason = reason
	delete(m.positions, pos.Symbol)
	m.closed = append(m.closed, *pos)
	if len(m.closed) > closedHistory {
		m.closed = append([]models.Position(nil), m.closed[len(m.closed)-closedHistory:]...)
	}
	m.mu.Unlock()
	m.publishPositions()

	if pos.Ticket == "" {
		// never filled
		return nil
	}
	m.breaker.AddPnL(pnl)
	m.log.Info("position closed",
		applogger.String("symbol", pos.Symbol),
		applogger.String("ticket", pos.Ticket),
		applogger.String("reason", reason),
		applogger.Float64("exit", exit),
		applogger.Float64("pnl", pnl),
	)
	return &models.Outcome{
		Ticket:     pos.Ticket,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Result:     models.ResultFor(pnl),
		PnL:        pnl,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		Reason:     reason,
		ClosedAt:   pos.ClosedAt,
	}
}

// markUnknown freezes the position and raises an operator alert.
// The symbol stays occupied until an operator intervenes.
func (m *Manager) markUnknown(ctx context.Context, pos *models.Position, op string, cause error) {
	m.mu.Lock()
	pos.Status = models.StatusUnknown
	m.mu.Unlock()
	m.publishPositions()

	m.log.Error("position state unknown",
		applogger.String("symbol", pos.Symbol),
		applogger.String("ticket", pos.Ticket),
		applogger.String("op", op),
		applogger.Error(cause),
	)
	if m.alerts == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
	defer cancel()
	alert := map[string]interface{}{
		"type":      "position_unknown",
		"symbol":    pos.Symbol,
		"ticket":    pos.Ticket,
		"position":  pos.ID,
		"operation": op,
		"error":     cause.Error(),
		"at":        m.now().UTC(),
	}
	if err := m.alerts.PublishMessage(actx, m.cfg.AlertTopic, alert); err != nil {
		m.log.Warn("alert publish failed", applogger.Error(err))
	}
}

// call runs one venue operation with bounded retry. Every attempt gets its own
// timeout on a context that survives shutdown cancellation, so an in-flight
// request is never abandoned half way.
func (m *Manager) call(ctx context.Context, op string, fn func(context.Context) error) error {
	detached := context.WithoutCancel(ctx)
	err := m.policy.Do(detached, func(c context.Context) error {
		cctx, cancel := context.WithTimeout(c, m.cfg.CallTimeout)
		defer cancel()
		start := time.Now()
		err := fn(cctx)
		if m.metrics != nil {
			m.metrics.RecordGatewayCall(op, resultLabel(err), time.Since(start).Seconds())
		}
		if err != nil && errors.Is(err, context.DeadlineExceeded) && !models.IsRetryable(err) {
			return &models.ConnectionError{Op: op, Err: err}
		}
		return err
	}, func(attempt int, err error) {
		m.log.Warn("venue call failed, retrying",
			applogger.String("op", op),
			applogger.Int("attempt", attempt),
			applogger.Error(err),
		)
	})

	switch {
	case err == nil, models.IsRejected(err):
		m.breaker.OnSuccess()
	case models.IsRetryable(err):
		if m.breaker.OnFailure() {
			m.log.Error("venue circuit breaker tripped",
				applogger.String("op", op),
				applogger.Int64("consecutive_failures", m.breaker.ConsecutiveFailures()),
			)
		}
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case models.IsRejected(err):
		return "rejected"
	default:
		return "error"
	}
}

func (m *Manager) recordOrder(symbol, result string) {
	if m.metrics != nil {
		m.metrics.RecordOrder(symbol, result)
	}
}

func (m *Manager) publishPositions() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	n := len(m.positions)
	m.mu.RUnlock()
	m.metrics.RecordOpenPositions(n)
}

// Halted reports whether the venue breaker has tripped.
func (m *Manager) Halted() bool { return m.breaker.Tripped() }

// Breaker exposes the breaker for status reporting.
func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

// Position returns a copy of the symbol's non-closed position.
func (m *Manager) Position(symbol string) (models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// Positions returns copies of every non-closed position ordered by symbol.
func (m *Manager) Positions() []models.Position {
	m.mu.RLock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Closed returns the most recent closed positions, newest last.
func (m *Manager) Closed() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Position(nil), m.closed...)
}

func (m *Manager) copyOf(p *models.Position) *models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *p
	return &cp
}
