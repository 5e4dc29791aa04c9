package models

import "time"

type TelemetryKind string

const (
	KindSignal       TelemetryKind = "signal"
	KindOutcome      TelemetryKind = "outcome"
	KindEntropy      TelemetryKind = "entropy"
	KindRegimeChange TelemetryKind = "regime_change"
)

// TelemetryEvent is an anonymized record for the remote collector.
// It never carries account identifiers or credentials.
type TelemetryEvent struct {
	ID         string        `json:"id"`
	Kind       TelemetryKind `json:"kind"`
	Symbol     string        `json:"symbol"`
	Timeframe  string        `json:"timeframe,omitempty"`
	Ratio      float64       `json:"compression_ratio,omitempty"`
	Entropy    float64       `json:"entropy,omitempty"`
	Regime     Regime        `json:"regime,omitempty"`
	PrevRegime Regime        `json:"prev_regime,omitempty"`
	Direction  Direction     `json:"signal,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Price      float64       `json:"price,omitempty"`
	Outcome    OutcomeResult `json:"outcome,omitempty"`
	PnL        float64       `json:"pnl,omitempty"`
	EntryPrice float64       `json:"entry_price,omitempty"`
	ExitPrice  float64       `json:"exit_price,omitempty"`
	Ticket     string        `json:"ticket,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	NodeID     string        `json:"node_id"`
	SigHash    string        `json:"sig_hash,omitempty"`
	Version    string        `json:"version"`
}
