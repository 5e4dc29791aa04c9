package analytics

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"RegimeTrader/internal/domain/models"
	domsvc "RegimeTrader/internal/domain/service"
	icache "RegimeTrader/internal/service/cache"
	"RegimeTrader/internal/services/features"
)

// HTTPScorer asks a remote model service for a direction and confidence.
// Scores are cached per (symbol, bar time) so a given input is scored once.
type HTTPScorer struct {
	base     *HTTPServiceBase
	attempts int
	cache    icache.Cache
	ttl      time.Duration

	rsiPeriod      int
	momentumPeriod int
}

type HTTPScorerOption func(*HTTPScorer)

// WithIndicatorPeriods sets the RSI and momentum lookbacks sent to the model.
func WithIndicatorPeriods(rsi, momentum int) HTTPScorerOption {
	return func(s *HTTPScorer) {
		if rsi > 0 {
			s.rsiPeriod = rsi
		}
		if momentum > 0 {
			s.momentumPeriod = momentum
		}
	}
}

func NewHTTPScorer(base *HTTPServiceBase, attempts int, cache icache.Cache, ttl time.Duration, opts ...HTTPScorerOption) *HTTPScorer {
	s := &HTTPScorer{base: base, attempts: attempts, cache: cache, ttl: ttl, rsiPeriod: 14, momentumPeriod: 10}
	for _, o := range opts {
		o(s)
	}
	return s
}

type scoreReq struct {
	Symbol   string             `json:"symbol"`
	Features map[string]float64 `json:"features"`
	Closes   []float64          `json:"closes"`
}

type scoreResp struct {
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
}

func (s *HTTPScorer) Name() string { return "http" }

func (s *HTTPScorer) Score(ctx context.Context, f models.Features) (models.Direction, float64, error) {
	// a snapshot without bars has no stable identity
	cacheable := s.cache != nil && !f.BarTime.IsZero()
	key := fmt.Sprintf("score:%s:%d", f.Symbol, f.BarTime.UnixNano())
	if cacheable {
		if v, ok := s.cache.Get(key); ok {
			if sr, ok := v.(scoreResp); ok {
				return parseDirection(sr.Direction), sr.Confidence, nil
			}
		}
	}

	macd, signal := features.MACD(f.Closes)
	req := scoreReq{
		Symbol: f.Symbol,
		Features: map[string]float64{
			"compression_ratio": f.Metric.Ratio,
			"entropy":           f.Metric.Entropy,
			"rsi":               features.RSI(f.Closes, s.rsiPeriod),
			"macd":              macd,
			"macd_signal":       signal,
			"momentum":          features.Momentum(f.Closes, s.momentumPeriod),
		},
		Closes: f.Closes,
	}
	var sr scoreResp
	if err := s.base.PostJSONWithRetry(ctx, "/score", req, &sr, s.attempts); err != nil {
		return models.DirectionNone, 0, &models.ModelInferenceError{Model: s.Name(), Err: err}
	}
	dir := parseDirection(sr.Direction)
	if dir == "" {
		return models.DirectionNone, 0, &models.ModelInferenceError{Model: s.Name(), Err: fmt.Errorf("unknown direction %q", sr.Direction)}
	}
	if math.IsNaN(sr.Confidence) || sr.Confidence < 0 || sr.Confidence > 1 {
		return models.DirectionNone, 0, &models.ModelInferenceError{Model: s.Name(), Err: fmt.Errorf("confidence %v out of range", sr.Confidence)}
	}
	if cacheable {
		s.cache.Set(key, sr, s.ttl)
	}
	return dir, sr.Confidence, nil
}

func parseDirection(s string) models.Direction {
	switch strings.ToUpper(s) {
	case "LONG", "BUY":
		return models.DirectionLong
	case "SHORT", "SELL":
		return models.DirectionShort
	case "NONE", "HOLD", "":
		return models.DirectionNone
	default:
		return ""
	}
}

var _ domsvc.Scorer = (*HTTPScorer)(nil)
