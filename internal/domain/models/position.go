package models

import "time"

type PositionStatus string

const (
	StatusPending  PositionStatus = "PENDING"
	StatusOpen     PositionStatus = "OPEN"
	StatusTrailing PositionStatus = "TRAILING"
	StatusClosed   PositionStatus = "CLOSED"
	StatusUnknown  PositionStatus = "UNKNOWN"
)

// Active reports whether the position still occupies its symbol slot.
func (s PositionStatus) Active() bool {
	return s != StatusClosed
}

// Managed reports whether automated management still applies.
func (s PositionStatus) Managed() bool {
	return s == StatusOpen || s == StatusTrailing
}

// Position is a single order lifecycle owned by the risk manager.
// StopDistance and TakeProfitDistance are fixed at entry; Stop moves only when trailing.
type Position struct {
	ID                 string         `json:"id"`
	Ticket             string         `json:"ticket"`
	Symbol             string         `json:"symbol"`
	Direction          Direction      `json:"direction"`
	Volume             float64        `json:"volume"`
	EntryPrice         float64        `json:"entry_price"`
	StopDistance       float64        `json:"stop_distance"`
	TakeProfitDistance float64        `json:"take_profit_distance"`
	Stop               float64        `json:"stop"`
	TakeProfit         float64        `json:"take_profit"`
	Peak               float64        `json:"peak"`
	Status             PositionStatus `json:"status"`
	OpenedAt           time.Time      `json:"opened_at"`
	ClosedAt           time.Time      `json:"closed_at,omitempty"`
	ClosePrice         float64        `json:"close_price,omitempty"`
	PnL                float64        `json:"pnl"`
	CloseReason        string         `json:"close_reason,omitempty"`
}

// OrderRequest is a market entry with attached protective levels.
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"side"`
	Volume     float64   `json:"volume"`
	Stop       float64   `json:"stop"`
	TakeProfit float64   `json:"take_profit"`
	Magic      int64     `json:"magic"`
	Comment    string    `json:"comment,omitempty"`
}

type OrderResult struct {
	Ticket string  `json:"ticket"`
	Price  float64 `json:"price"`
}

type CloseResult struct {
	Price float64 `json:"price"`
	PnL   float64 `json:"pnl"`
}

type VenueState string

const (
	VenueOpen    VenueState = "open"
	VenueClosed  VenueState = "closed"
	VenuePartial VenueState = "partial"
)

// PositionSnapshot is the venue's view of a position.
type PositionSnapshot struct {
	Ticket      string     `json:"ticket"`
	State       VenueState `json:"status"`
	Stop        float64    `json:"stop"`
	TakeProfit  float64    `json:"take_profit"`
	ClosePrice  float64    `json:"close_price"`
	PnL         float64    `json:"pnl"`
	CloseReason string     `json:"close_reason"`
}

type OutcomeResult string

const (
	OutcomeWin       OutcomeResult = "WIN"
	OutcomeLoss      OutcomeResult = "LOSS"
	OutcomeBreakeven OutcomeResult = "BREAKEVEN"
)

// Outcome summarizes a closed position for telemetry.
type Outcome struct {
	Ticket     string
	Symbol     string
	Direction  Direction
	Result     OutcomeResult
	PnL        float64
	EntryPrice float64
	ExitPrice  float64
	Reason     string
	ClosedAt   time.Time
}

// ResultFor classifies a realized P/L.
func ResultFor(pnl float64) OutcomeResult {
	switch {
	case pnl > 0:
		return OutcomeWin
	case pnl < 0:
		return OutcomeLoss
	default:
		return OutcomeBreakeven
	}
}
