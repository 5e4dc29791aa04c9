package risk

import (
	"math"

	"RegimeTrader/internal/domain/models"
)

// Sizing converts the dollar risk budget into price distances for one lot size.
// The stop distance is the price move that loses min(initialSL, maxLoss) dollars;
// the take-profit distance is exactly stop × tpMultiplier.
func Sizing(maxLoss, initialSL, tpMultiplier, lotSize, contractSize float64) (stop, takeProfit float64) {
	budget := math.Min(initialSL, maxLoss)
	if budget <= 0 || lotSize <= 0 || contractSize <= 0 {
		return 0, 0
	}
	stop = budget / (lotSize * contractSize)
	return stop, stop * tpMultiplier
}

// sign is +1 for LONG and -1 for SHORT.
func sign(d models.Direction) float64 {
	if d == models.DirectionShort {
		return -1
	}
	return 1
}

// Levels returns the absolute stop and take-profit prices around entry.
func Levels(d models.Direction, entry, stopDist, tpDist float64) (stop, takeProfit float64) {
	s := sign(d)
	return entry - s*stopDist, entry + s*tpDist
}

// TrailCandidate computes the fixed-offset trailing stop.
// Once the best price since entry has moved activation×stopDist in favour,
// the candidate sits distance×stopDist behind that best price.
// ok is false before activation.
func TrailCandidate(d models.Direction, entry, best, stopDist, activation, distance float64) (candidate float64, ok bool) {
	s := sign(d)
	excursion := s * (best - entry)
	if excursion < activation*stopDist || excursion <= 0 {
		return 0, false
	}
	return best - s*distance*stopDist, true
}

// Tighter reports whether candidate reduces risk relative to current.
func Tighter(d models.Direction, candidate, current float64) bool {
	if d == models.DirectionShort {
		return candidate < current
	}
	return candidate > current
}

// PnL is the dollar result of moving from entry to exit.
func PnL(d models.Direction, entry, exit, volume, contractSize float64) float64 {
	return sign(d) * (exit - entry) * volume * contractSize
}
