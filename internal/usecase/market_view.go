package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"RegimeTrader/internal/domain/models"
	domrepo "RegimeTrader/internal/domain/repository"
	domsvc "RegimeTrader/internal/domain/service"
	"RegimeTrader/internal/services/features"
)

// ErrUnknownSymbol marks a request for a symbol outside the account whitelist.
var ErrUnknownSymbol = errors.New("symbol is not traded by this account")

// RegimeReader exposes the classifier's read-only state.
type RegimeReader interface {
	State(symbol string) models.RegimeState
}

// MarketView serves read-only market views to the ops API.
type MarketView struct {
	feed     domrepo.MarketDataFeed
	analyzer domsvc.CompressionAnalyzer
	regimes  RegimeReader
	tf       domrepo.Timeframe
	symbols  map[string]struct{}
	timeout  time.Duration
}

func NewMarketView(feed domrepo.MarketDataFeed, analyzer domsvc.CompressionAnalyzer, regimes RegimeReader, tf domrepo.Timeframe, symbols []string) *MarketView {
	v := &MarketView{
		feed:     feed,
		analyzer: analyzer,
		regimes:  regimes,
		tf:       tf,
		symbols:  make(map[string]struct{}, len(symbols)),
		timeout:  10 * time.Second,
	}
	for _, s := range symbols {
		v.symbols[s] = struct{}{}
	}
	return v
}

type GetBarsParams struct {
	Symbol string
	Limit  int
}

type GetBarsResult struct {
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	Count     int          `json:"count"`
	Bars      []models.Bar `json:"bars"`
}

// Inspection is a one-off analysis of a symbol's latest snapshot.
type Inspection struct {
	Symbol      string        `json:"symbol"`
	Timestamp   time.Time     `json:"timestamp"`
	Bars        int           `json:"bars"`
	Ratio       float64       `json:"ratio,omitempty"`
	Entropy     float64       `json:"entropy"`
	RealizedVol float64       `json:"realized_vol"`
	RSI         float64       `json:"rsi"`
	Regime      models.Regime `json:"regime"`
	Error       string        `json:"error,omitempty"`
}

func (v *MarketView) GetBars(ctx context.Context, p GetBarsParams) (*GetBarsResult, error) {
	if err := v.checkSymbol(p.Symbol); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Limit > 5000 {
		p.Limit = 5000
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	snap, err := v.feed.Latest(ctx, p.Symbol, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("get bars: %w", err)
	}
	return &GetBarsResult{
		Symbol:    p.Symbol,
		Timeframe: string(v.tf),
		Count:     len(snap.Bars),
		Bars:      snap.Bars,
	}, nil
}

// Inspect analyzes the latest window without touching classifier state.
func (v *MarketView) Inspect(ctx context.Context, symbol string, n int) (*Inspection, error) {
	if err := v.checkSymbol(symbol); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 200
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	snap, err := v.feed.Latest(ctx, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", symbol, err)
	}
	closes := snap.Closes()
	rets := features.ComputeLogReturns(closes)
	out := &Inspection{
		Symbol:      symbol,
		Timestamp:   snap.Timestamp,
		Bars:        len(snap.Bars),
		Entropy:     features.ShannonEntropy(closes),
		RealizedVol: features.RealizedVolatility(rets, min(60, len(rets)), features.BarsPerYearForTF(v.tf)),
		RSI:         features.RSI(closes, 14),
		Regime:      v.regimes.State(symbol).Regime,
	}
	metric, err := v.analyzer.Analyze(snap)
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}
	out.Ratio = metric.Ratio
	return out, nil
}

func (v *MarketView) checkSymbol(symbol string) error {
	if _, ok := v.symbols[symbol]; !ok {
		return fmt.Errorf("%q: %w", symbol, ErrUnknownSymbol)
	}
	return nil
}

