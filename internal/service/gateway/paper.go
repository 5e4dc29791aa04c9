package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"RegimeTrader/internal/domain/models"
	"RegimeTrader/pkg/config"
	applogger "RegimeTrader/pkg/logger"
	"RegimeTrader/pkg/util"
)

const firstPaperTicket = 1000

// ChallengeStatus mirrors a prop-firm evaluation state.
type ChallengeStatus string

const (
	ChallengeInProgress ChallengeStatus = "IN_PROGRESS"
	ChallengeDailyDD    ChallengeStatus = "FAILED_DAILY_DD"
	ChallengeMaxDD      ChallengeStatus = "FAILED_MAX_DD"
)

type paperPosition struct {
	ticket   string
	symbol   string
	dir      models.Direction
	volume   decimal.Decimal
	entry    decimal.Decimal
	stop     float64
	tp       float64
	openedAt time.Time

	// the bar the order filled on and its range at fill time
	fillBar  time.Time
	fillHigh float64
	fillLow  float64
}

// PaperAccount is a read-only view of the simulated ledger.
type PaperAccount struct {
	Balance       float64         `json:"balance"`
	DayStart      float64         `json:"day_start_balance"`
	HighWaterMark float64         `json:"high_water_mark"`
	OpenPositions int             `json:"open_positions"`
	ClosedTrades  int             `json:"closed_trades"`
	Status        ChallengeStatus `json:"status"`
}

// Paper is a simulated venue. It fills market orders at the last seen close and
// closes positions when prices reached after the fill touch the stop (checked
// first) or the take profit.
type Paper struct {
	cfg      config.PaperConfig
	contract decimal.Decimal
	log      *applogger.Logger
	now      func() time.Time

	mu       sync.Mutex
	initial  decimal.Decimal
	balance  decimal.Decimal
	hwm      decimal.Decimal
	dayStart decimal.Decimal
	day      string
	status   ChallengeStatus
	next     int64
	last     map[string]models.Bar
	open     map[string]*paperPosition
	closed   map[string]models.PositionSnapshot
}

func NewPaper(cfg config.PaperConfig, contractSize float64, l *applogger.Logger) *Paper {
	initial := decimal.NewFromFloat(cfg.InitialBalance)
	p := &Paper{
		cfg:      cfg,
		contract: decimal.NewFromFloat(contractSize),
		log:      l,
		now:      time.Now,
		initial:  initial,
		balance:  initial,
		hwm:      initial,
		dayStart: initial,
		status:   ChallengeInProgress,
		next:     firstPaperTicket,
		last:     make(map[string]models.Bar),
		open:     make(map[string]*paperPosition),
		closed:   make(map[string]models.PositionSnapshot),
	}
	p.day = util.DayKey(p.now())
	return p
}

// OnBar records the latest price and settles any position whose level was touched.
func (p *Paper) OnBar(bar models.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()
	if prev, ok := p.last[bar.Symbol]; ok && bar.Time.Before(prev.Time) {
		return
	}
	p.last[bar.Symbol] = bar

	for ticket, pos := range p.open {
		if pos.symbol != bar.Symbol {
			continue
		}
		exit, reason, hit := touched(pos, bar)
		if !hit {
			continue
		}
		p.settleLocked(ticket, decimal.NewFromFloat(exit), reason)
	}
}

// reached is the price range a bar proves was traded after pos filled. On the
// fill bar only the close and extremes beyond the fill-time range count.
func reached(pos *paperPosition, bar models.Bar) (lo, hi float64, ok bool) {
	switch {
	case bar.Time.Before(pos.fillBar):
		return 0, 0, false
	case bar.Time.After(pos.fillBar):
		return bar.Low, bar.High, true
	}
	lo, hi = bar.Close, bar.Close
	if bar.Low < pos.fillLow {
		lo = bar.Low
	}
	if bar.High > pos.fillHigh {
		hi = bar.High
	}
	return lo, hi, true
}

func touched(pos *paperPosition, bar models.Bar) (float64, string, bool) {
	lo, hi, ok := reached(pos, bar)
	if !ok {
		return 0, "", false
	}
	if pos.dir == models.DirectionShort {
		if pos.stop > 0 && hi >= pos.stop {
			return pos.stop, "stop", true
		}
		if pos.tp > 0 && lo <= pos.tp {
			return pos.tp, "take_profit", true
		}
		return 0, "", false
	}
	if pos.stop > 0 && lo <= pos.stop {
		return pos.stop, "stop", true
	}
	if pos.tp > 0 && hi >= pos.tp {
		return pos.tp, "take_profit", true
	}
	return 0, "", false
}

func (p *Paper) PlaceOrder(_ context.Context, req models.OrderRequest) (models.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()

	if p.status != ChallengeInProgress {
		return models.OrderResult{}, &models.RejectedError{Op: "place_order", Reason: "challenge " + string(p.status)}
	}
	if !req.Direction.Tradable() {
		return models.OrderResult{}, &models.RejectedError{Op: "place_order", Reason: "invalid side " + string(req.Direction)}
	}
	if req.Volume <= 0 {
		return models.OrderResult{}, &models.RejectedError{Op: "place_order", Reason: "invalid volume"}
	}
	bar, ok := p.last[req.Symbol]
	if !ok || bar.Close <= 0 {
		return models.OrderResult{}, &models.RejectedError{Op: "place_order", Reason: "no price for " + req.Symbol}
	}

	p.next++
	ticket := strconv.FormatInt(p.next, 10)
	p.open[ticket] = &paperPosition{
		ticket:   ticket,
		symbol:   req.Symbol,
		dir:      req.Direction,
		volume:   decimal.NewFromFloat(req.Volume),
		entry:    decimal.NewFromFloat(bar.Close),
		stop:     req.Stop,
		tp:       req.TakeProfit,
		openedAt: p.now(),
		fillBar:  bar.Time,
		fillHigh: bar.High,
		fillLow:  bar.Low,
	}
	p.log.Debug("paper fill",
		applogger.String("ticket", ticket),
		applogger.String("symbol", req.Symbol),
		applogger.String("side", string(req.Direction)),
		applogger.Float64("price", bar.Close),
	)
	return models.OrderResult{Ticket: ticket, Price: bar.Close}, nil
}

func (p *Paper) ModifyStop(_ context.Context, positionID string, newStop float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.open[positionID]
	if !ok {
		return &models.RejectedError{Op: "modify_stop", Reason: "no open position " + positionID}
	}
	if bar, ok := p.last[pos.symbol]; ok {
		wrongSide := (pos.dir == models.DirectionLong && newStop >= bar.Close) ||
			(pos.dir == models.DirectionShort && newStop <= bar.Close)
		if wrongSide {
			return &models.RejectedError{Op: "modify_stop", Reason: fmt.Sprintf("stop %.5f on wrong side of %.5f", newStop, bar.Close)}
		}
	}
	pos.stop = newStop
	return nil
}

func (p *Paper) ClosePosition(_ context.Context, positionID string) (models.CloseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.open[positionID]
	if !ok {
		return models.CloseResult{}, &models.RejectedError{Op: "close_position", Reason: "no open position " + positionID}
	}
	bar := p.last[pos.symbol]
	snap := p.settleLocked(positionID, decimal.NewFromFloat(bar.Close), "manual")
	return models.CloseResult{Price: snap.ClosePrice, PnL: snap.PnL}, nil
}

func (p *Paper) GetPositionState(_ context.Context, positionID string) (models.PositionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.open[positionID]; ok {
		return models.PositionSnapshot{Ticket: pos.ticket, State: models.VenueOpen, Stop: pos.stop, TakeProfit: pos.tp}, nil
	}
	if snap, ok := p.closed[positionID]; ok {
		return snap, nil
	}
	return models.PositionSnapshot{}, &models.RejectedError{Op: "get_position_state", Reason: "unknown ticket " + positionID}
}

// Account returns the current ledger.
func (p *Paper) Account() PaperAccount {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()
	return PaperAccount{
		Balance:       p.balance.InexactFloat64(),
		DayStart:      p.dayStart.InexactFloat64(),
		HighWaterMark: p.hwm.InexactFloat64(),
		OpenPositions: len(p.open),
		ClosedTrades:  len(p.closed),
		Status:        p.status,
	}
}

func (p *Paper) settleLocked(ticket string, exit decimal.Decimal, reason string) models.PositionSnapshot {
	pos := p.open[ticket]
	points := exit.Sub(pos.entry)
	if pos.dir == models.DirectionShort {
		points = points.Neg()
	}
	pnl := points.Mul(pos.volume).Mul(p.contract).Round(2)
	p.balance = p.balance.Add(pnl)
	if p.balance.GreaterThan(p.hwm) {
		p.hwm = p.balance
	}
	delete(p.open, ticket)

	snap := models.PositionSnapshot{
		Ticket:      ticket,
		State:       models.VenueClosed,
		Stop:        pos.stop,
		TakeProfit:  pos.tp,
		ClosePrice:  exit.InexactFloat64(),
		PnL:         pnl.InexactFloat64(),
		CloseReason: reason,
	}
	p.closed[ticket] = snap
	p.checkRulesLocked()

	p.log.Info("paper position settled",
		applogger.String("ticket", ticket),
		applogger.String("symbol", pos.symbol),
		applogger.String("reason", reason),
		applogger.Float64("pnl", snap.PnL),
		applogger.Float64("balance", p.balance.InexactFloat64()),
	)
	return snap
}

// checkRulesLocked applies the challenge drawdown limits. A failed challenge
// rejects every new order; open positions are still managed.
func (p *Paper) checkRulesLocked() {
	if p.status != ChallengeInProgress {
		return
	}
	if p.cfg.MaxDailyDrawdownPct > 0 {
		limit := p.dayStart.Mul(decimal.NewFromFloat(p.cfg.MaxDailyDrawdownPct))
		if p.dayStart.Sub(p.balance).GreaterThanOrEqual(limit) {
			p.status = ChallengeDailyDD
		}
	}
	if p.cfg.MaxTotalDrawdownPct > 0 {
		limit := p.initial.Mul(decimal.NewFromFloat(p.cfg.MaxTotalDrawdownPct))
		if p.initial.Sub(p.balance).GreaterThanOrEqual(limit) {
			p.status = ChallengeMaxDD
		}
	}
	if p.status != ChallengeInProgress {
		p.log.Warn("paper challenge failed",
			applogger.String("status", string(p.status)),
			applogger.Float64("balance", p.balance.InexactFloat64()),
		)
	}
}

func (p *Paper) rollDayLocked() {
	key := util.DayKey(p.now())
	if key == p.day {
		return
	}
	p.day = key
	p.dayStart = p.balance
}
