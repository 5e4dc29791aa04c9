package models

import "time"

type Regime string

const (
	RegimeClean    Regime = "CLEAN"
	RegimeVolatile Regime = "VOLATILE"
)

// EntropyMetric is the compressibility measurement of one snapshot.
// Ratio is in (0, 1]: near 0 is highly structured, near 1 is random.
type EntropyMetric struct {
	Symbol    string
	Timestamp time.Time
	Ratio     float64
	Window    int
	Entropy   float64 // histogram Shannon entropy scaled to 0..8
}

// RegimeState is the per-symbol classifier state.
type RegimeState struct {
	Symbol    string
	Regime    Regime
	EnteredAt time.Time
	Ratios    []float64
}

// RegimeChange is emitted on every classifier transition.
type RegimeChange struct {
	Symbol    string
	From      Regime
	To        Regime
	Ratio     float64
	Timestamp time.Time
}

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionNone  Direction = "NONE"
)

// Tradable reports whether d names a side that can be ordered.
func (d Direction) Tradable() bool {
	return d == DirectionLong || d == DirectionShort
}

// Features is the scorer input derived from a snapshot.
type Features struct {
	Symbol    string
	Timestamp time.Time
	// BarTime is the open time of the newest bar; zero for an empty snapshot.
	BarTime time.Time
	Closes  []float64
	Volumes []float64
	Metric  EntropyMetric
}

// Signal is a transient scoring result; it is not retained after the cycle.
type Signal struct {
	Symbol     string
	Direction  Direction
	Confidence float64
	Regime     Regime
	Price      float64
	Timestamp  time.Time
}
