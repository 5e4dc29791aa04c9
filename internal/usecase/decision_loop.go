package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"RegimeTrader/internal/domain/models"
	domrepo "RegimeTrader/internal/domain/repository"
	domsvc "RegimeTrader/internal/domain/service"
	"RegimeTrader/internal/services/analytics"
	"RegimeTrader/internal/services/risk"
	"RegimeTrader/internal/services/telemetry"
	"RegimeTrader/pkg/config"
	applogger "RegimeTrader/pkg/logger"
)

// Classifier is the stateful regime stage.
type Classifier interface {
	Observe(symbol string, ratio float64, ts time.Time) (models.RegimeState, *models.RegimeChange)
	State(symbol string) models.RegimeState
}

// SignalSource produces a direction and confidence for a CLEAN snapshot.
type SignalSource interface {
	Predict(ctx context.Context, f models.Features, state models.RegimeState) (models.Signal, error)
}

// PositionManager is the risk stage. The decision loop is its only writer.
type PositionManager interface {
	Manage(ctx context.Context, symbol string, price float64, regime models.Regime) (*models.Outcome, error)
	Admit(sig models.Signal) error
	Open(ctx context.Context, sig models.Signal) (*models.Position, error)
	Flatten(ctx context.Context, reason string) ([]models.Outcome, []error)
	Halted() bool
}

// EventEmitter accepts telemetry without blocking.
type EventEmitter interface {
	Emit(ev models.TelemetryEvent) bool
}

type LoopConfig struct {
	Account           string
	Symbols           []string
	Interval          time.Duration
	Bars              int
	FeedTimeout       time.Duration
	EnableTrading     bool
	FlattenOnShutdown bool
	ShutdownTimeout   time.Duration
}

// LoopConfigFrom maps the selected account and trading section onto the loop.
func LoopConfigFrom(cfg *config.Config) LoopConfig {
	acc := cfg.ActiveAccount()
	return LoopConfig{
		Account:           cfg.Account,
		Symbols:           acc.Symbols,
		Interval:          cfg.Trading.CheckInterval,
		Bars:              cfg.MarketData.Bars,
		FeedTimeout:       cfg.Execution.CallTimeout,
		EnableTrading:     cfg.Trading.EnableTrading,
		FlattenOnShutdown: cfg.Trading.FlattenOnShutdown,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}
}

// SymbolStatus is the last evaluation of one symbol.
type SymbolStatus struct {
	Symbol     string           `json:"symbol"`
	Regime     models.Regime    `json:"regime,omitempty"`
	Ratio      float64          `json:"compression_ratio,omitempty"`
	Price      float64          `json:"price,omitempty"`
	Direction  models.Direction `json:"direction,omitempty"`
	Confidence float64          `json:"confidence"`
	Skipped    string           `json:"skipped,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// LoopStatus is a read-only snapshot for the ops API.
type LoopStatus struct {
	Account       string         `json:"account"`
	WatchOnly     bool           `json:"watch_only"`
	Running       bool           `json:"running"`
	Cycles        int64          `json:"cycles"`
	LastCycleAt   time.Time      `json:"last_cycle_at"`
	LastCycleTook string         `json:"last_cycle_took"`
	Symbols       []SymbolStatus `json:"symbols"`
}

// DecisionLoop runs the per-account pipeline on a fixed interval. Every stage
// for a symbol runs in sequence on the loop goroutine.
type DecisionLoop struct {
	cfg        LoopConfig
	feed       domrepo.MarketDataFeed
	analyzer   domsvc.CompressionAnalyzer
	classifier Classifier
	predictor  SignalSource
	risk       PositionManager
	events     EventEmitter
	metrics    domrepo.Metrics
	observer   domrepo.BarObserver
	log        *applogger.Logger
	now        func() time.Time

	observed map[string]time.Time

	mu      sync.RWMutex
	status  LoopStatus
	symbols map[string]*SymbolStatus
}

type LoopOption func(*DecisionLoop)

// WithBarObserver forwards every new bar to a simulated venue.
func WithBarObserver(o domrepo.BarObserver) LoopOption {
	return func(d *DecisionLoop) { d.observer = o }
}

func WithLoopClock(now func() time.Time) LoopOption {
	return func(d *DecisionLoop) { d.now = now }
}

func NewDecisionLoop(
	cfg LoopConfig,
	feed domrepo.MarketDataFeed,
	analyzer domsvc.CompressionAnalyzer,
	classifier Classifier,
	predictor SignalSource,
	rm PositionManager,
	events EventEmitter,
	metrics domrepo.Metrics,
	l *applogger.Logger,
	opts ...LoopOption,
) *DecisionLoop {
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	d := &DecisionLoop{
		cfg:        cfg,
		feed:       feed,
		analyzer:   analyzer,
		classifier: classifier,
		predictor:  predictor,
		risk:       rm,
		events:     events,
		metrics:    metrics,
		log:        l.With(applogger.String("component", "decision_loop")),
		now:        time.Now,
		observed:   make(map[string]time.Time),
		symbols:    make(map[string]*SymbolStatus, len(cfg.Symbols)),
	}
	for _, o := range opts {
		o(d)
	}
	d.status = LoopStatus{Account: cfg.Account, WatchOnly: !cfg.EnableTrading}
	for _, s := range cfg.Symbols {
		d.symbols[s] = &SymbolStatus{Symbol: s}
	}
	return d
}

// Run evaluates every symbol once per interval until ctx is cancelled or the
// venue breaker trips. Cancellation is observed between symbols only, so a
// symbol's stages always complete together.
func (d *DecisionLoop) Run(ctx context.Context) error {
	d.setRunning(true)
	defer d.setRunning(false)

	d.log.Info("decision loop started",
		applogger.Strings("symbols", d.cfg.Symbols),
		applogger.Duration("interval", d.cfg.Interval),
		applogger.Bool("trading_enabled", d.cfg.EnableTrading),
	)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := d.RunCycle(ctx); err != nil {
			d.shutdown(ctx, "venue_unavailable")
			return err
		}
		select {
		case <-ctx.Done():
			d.shutdown(ctx, "shutdown")
			d.log.Info("decision loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle evaluates each whitelisted symbol in order. It returns an error only
// when the venue has become unavailable.
func (d *DecisionLoop) RunCycle(ctx context.Context) error {
	start := d.now()
	for _, symbol := range d.cfg.Symbols {
		if ctx.Err() != nil {
			break
		}
		d.evaluate(ctx, symbol)
		if d.risk.Halted() {
			return fmt.Errorf("account %s: %w", d.cfg.Account, models.ErrVenueUnavailable)
		}
	}
	took := d.now().Sub(start)
	d.metrics.RecordCycle(d.cfg.Account, took.Seconds())

	d.mu.Lock()
	d.status.Cycles++
	d.status.LastCycleAt = start.UTC()
	d.status.LastCycleTook = took.String()
	d.mu.Unlock()
	return nil
}

func (d *DecisionLoop) evaluate(ctx context.Context, symbol string) {
	log := d.log.With(applogger.String("symbol", symbol))

	fctx, cancel := context.WithTimeout(ctx, d.cfg.FeedTimeout)
	snap, err := d.feed.Latest(fctx, symbol, d.cfg.Bars)
	cancel()
	if err != nil {
		d.skip(symbol, "feed")
		log.Warn("market data unavailable", applogger.Error(err))
		return
	}
	d.observe(snap)

	last, ok := snap.Last()
	if !ok {
		d.skip(symbol, "no_data")
		log.Debug("no bars yet")
		return
	}
	price := last.Close

	metric, err := d.analyzer.Analyze(snap)
	if err != nil {
		var ide *models.InsufficientDataError
		if errors.As(err, &ide) {
			d.skip(symbol, "insufficient_data")
			log.Debug("waiting for data", applogger.Int("have", ide.Have), applogger.Int("need", ide.Need))
			return
		}
		d.skip(symbol, "analyze")
		log.Warn("analysis failed", applogger.Error(err))
		return
	}

	state, change := d.classifier.Observe(symbol, metric.Ratio, metric.Timestamp)
	d.metrics.RecordRegime(symbol, state.Regime, metric.Ratio)
	if change != nil {
		log.Info("regime changed",
			applogger.String("from", string(change.From)),
			applogger.String("to", string(change.To)),
			applogger.Float64("ratio", change.Ratio),
		)
		d.events.Emit(telemetry.RegimeChangeEvent(*change))
	}
	d.events.Emit(telemetry.EntropyEvent(metric, state.Regime, price))

	outcome, err := d.risk.Manage(ctx, symbol, price, state.Regime)
	if err != nil {
		log.Warn("position management failed", applogger.Error(err))
	}
	if outcome != nil {
		log.Info("position closed",
			applogger.String("ticket", outcome.Ticket),
			applogger.String("result", string(outcome.Result)),
			applogger.Float64("pnl", outcome.PnL),
			applogger.String("reason", outcome.Reason),
		)
		d.events.Emit(telemetry.OutcomeEvent(*outcome))
	}
	if d.risk.Halted() {
		return
	}

	sig, err := d.predictor.Predict(ctx, analytics.FeaturesFrom(snap, metric), state)
	if err != nil {
		d.skip(symbol, "model")
		log.Warn("signal inference failed", applogger.Error(err))
		return
	}
	d.metrics.RecordSignal(symbol, sig.Direction, sig.Confidence)
	d.events.Emit(telemetry.SignalEvent(sig, metric))
	d.record(SymbolStatus{
		Symbol:     symbol,
		Regime:     state.Regime,
		Ratio:      metric.Ratio,
		Price:      price,
		Direction:  sig.Direction,
		Confidence: sig.Confidence,
		UpdatedAt:  d.now().UTC(),
	})

	log.Debug("evaluated",
		applogger.String("regime", string(state.Regime)),
		applogger.Float64("ratio", metric.Ratio),
		applogger.String("direction", string(sig.Direction)),
		applogger.Float64("confidence", sig.Confidence),
	)

	if err := d.risk.Admit(sig); err != nil {
		return
	}
	if !d.cfg.EnableTrading {
		log.Info("would open position, trading disabled",
			applogger.String("direction", string(sig.Direction)),
			applogger.Float64("confidence", sig.Confidence),
			applogger.Float64("price", price),
		)
		return
	}
	if _, err := d.risk.Open(ctx, sig); err != nil {
		var gate *risk.GateError
		if !errors.As(err, &gate) {
			log.Warn("entry failed", applogger.Error(err))
		}
	}
}

// observe forwards bars the simulated venue has not seen yet. The newest
// bar is always forwarded because it may still be forming.
func (d *DecisionLoop) observe(snap models.MarketSnapshot) {
	if d.observer == nil {
		return
	}
	seen := d.observed[snap.Symbol]
	for _, b := range snap.Bars {
		if b.Time.Before(seen) {
			continue
		}
		d.observer.OnBar(b)
		seen = b.Time
	}
	d.observed[snap.Symbol] = seen
}

func (d *DecisionLoop) shutdown(ctx context.Context, reason string) {
	if !d.cfg.FlattenOnShutdown {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ShutdownTimeout)
	defer cancel()
	outcomes, errs := d.risk.Flatten(fctx, reason)
	for _, out := range outcomes {
		d.events.Emit(telemetry.OutcomeEvent(out))
	}
	for _, err := range errs {
		d.log.Error("flatten failed", applogger.Error(err))
	}
	d.log.Info("positions flattened", applogger.Int("closed", len(outcomes)), applogger.String("reason", reason))
}

func (d *DecisionLoop) skip(symbol, reason string) {
	d.metrics.RecordSkip(symbol, reason)
	d.mu.Lock()
	if st, ok := d.symbols[symbol]; ok {
		st.Skipped = reason
		st.UpdatedAt = d.now().UTC()
	}
	d.mu.Unlock()
}

func (d *DecisionLoop) record(st SymbolStatus) {
	d.mu.Lock()
	d.symbols[st.Symbol] = &st
	d.mu.Unlock()
}

func (d *DecisionLoop) setRunning(v bool) {
	d.mu.Lock()
	d.status.Running = v
	d.mu.Unlock()
}

// Status returns a copy of the loop state.
func (d *DecisionLoop) Status() LoopStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := d.status
	out.Symbols = make([]SymbolStatus, 0, len(d.cfg.Symbols))
	for _, s := range d.cfg.Symbols {
		out.Symbols = append(out.Symbols, *d.symbols[s])
	}
	return out
}
