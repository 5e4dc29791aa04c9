package models

import "time"

// Trade is a single print received from a streaming market source.
type Trade struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// Bar is one OHLCV candle of the configured timeframe.
type Bar struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

// MarketSnapshot is the immutable set of recent bars for one symbol taken at poll time.
// Bars are ordered oldest first.
type MarketSnapshot struct {
	Symbol    string
	Timestamp time.Time
	Bars      []Bar
}

// Closes returns the close prices in bar order.
func (s MarketSnapshot) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Last returns the most recent bar. ok is false for an empty snapshot.
func (s MarketSnapshot) Last() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}
