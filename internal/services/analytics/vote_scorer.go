package analytics

import (
	"context"

	"RegimeTrader/internal/domain/models"
	domsvc "RegimeTrader/internal/domain/service"
	"RegimeTrader/internal/services/features"
)

const minVoteBars = 50

// VoteScorer combines three classic indicators into a majority vote.
// Confidence is the winning share of votes scaled by the model fidelity.
type VoteScorer struct {
	fidelity       float64
	rsiPeriod      int
	momentumPeriod int
}

func NewVoteScorer(fidelity float64, rsiPeriod, momentumPeriod int) *VoteScorer {
	return &VoteScorer{fidelity: fidelity, rsiPeriod: rsiPeriod, momentumPeriod: momentumPeriod}
}

func (s *VoteScorer) Name() string { return "vote" }

func (s *VoteScorer) Score(_ context.Context, f models.Features) (models.Direction, float64, error) {
	p := f.Closes
	if len(p) < minVoteBars {
		return models.DirectionNone, 0, nil
	}

	bull, bear := 0, 0

	rsi := features.RSI(p, s.rsiPeriod)
	switch {
	case rsi < 30:
		bull++
	case rsi > 70:
		bear++
	}

	macd, signal := features.MACD(p)
	if macd > signal {
		bull++
	} else if macd < signal {
		bear++
	}

	mom := features.Momentum(p, s.momentumPeriod)
	if mom > 0 {
		bull++
	} else if mom < 0 {
		bear++
	}

	switch {
	case bull > bear:
		return models.DirectionLong, float64(bull) / 3 * s.fidelity, nil
	case bear > bull:
		return models.DirectionShort, float64(bear) / 3 * s.fidelity, nil
	default:
		return models.DirectionNone, 0, nil
	}
}

var _ domsvc.Scorer = (*VoteScorer)(nil)
