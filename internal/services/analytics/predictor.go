package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"

	"RegimeTrader/internal/domain/models"
	domsvc "RegimeTrader/internal/domain/service"
)

var errMalformedFeatures = errors.New("malformed features")

// Predictor turns features into a trading signal through a pluggable scorer.
// It never consults the scorer while the regime is VOLATILE.
type Predictor struct {
	scorer domsvc.Scorer
}

func NewPredictor(scorer domsvc.Scorer) *Predictor {
	return &Predictor{scorer: scorer}
}

func (p *Predictor) Predict(ctx context.Context, f models.Features, state models.RegimeState) (models.Signal, error) {
	sig := models.Signal{
		Symbol:    f.Symbol,
		Direction: models.DirectionNone,
		Regime:    state.Regime,
		Timestamp: f.Timestamp,
	}
	if n := len(f.Closes); n > 0 {
		sig.Price = f.Closes[n-1]
	}
	if state.Regime != models.RegimeClean {
		return sig, nil
	}

	if err := checkFeatures(f); err != nil {
		return sig, &models.ModelInferenceError{Model: p.scorer.Name(), Err: err}
	}

	dir, conf, err := p.scorer.Score(ctx, f)
	if err != nil {
		var mie *models.ModelInferenceError
		if errors.As(err, &mie) {
			return sig, err
		}
		return sig, &models.ModelInferenceError{Model: p.scorer.Name(), Err: err}
	}
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return sig, &models.ModelInferenceError{Model: p.scorer.Name(), Err: fmt.Errorf("confidence %v out of range", conf)}
	}
	switch dir {
	case models.DirectionLong, models.DirectionShort:
	case models.DirectionNone:
		conf = 0
	default:
		return sig, &models.ModelInferenceError{Model: p.scorer.Name(), Err: fmt.Errorf("unknown direction %q", dir)}
	}

	sig.Direction = dir
	sig.Confidence = conf
	return sig, nil
}

func checkFeatures(f models.Features) error {
	if len(f.Closes) == 0 {
		return fmt.Errorf("%w: no closes", errMalformedFeatures)
	}
	if len(f.Volumes) != 0 && len(f.Volumes) != len(f.Closes) {
		return fmt.Errorf("%w: %d volumes for %d closes", errMalformedFeatures, len(f.Volumes), len(f.Closes))
	}
	for i, c := range f.Closes {
		if math.IsNaN(c) || math.IsInf(c, 0) || c <= 0 {
			return fmt.Errorf("%w: close[%d]=%v", errMalformedFeatures, i, c)
		}
	}
	return nil
}

// FeaturesFrom builds scorer input from a snapshot and its entropy metric.
func FeaturesFrom(s models.MarketSnapshot, m models.EntropyMetric) models.Features {
	f := models.Features{
		Symbol:    s.Symbol,
		Timestamp: s.Timestamp,
		Closes:    make([]float64, len(s.Bars)),
		Volumes:   make([]float64, len(s.Bars)),
		Metric:    m,
	}
	for i, b := range s.Bars {
		f.Closes[i] = b.Close
		f.Volumes[i] = b.Volume
	}
	if last, ok := s.Last(); ok {
		f.BarTime = last.Time
	}
	return f
}
