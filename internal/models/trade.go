package models

import "time"

// TradeResult records the outcome of one completed round trip for the
// risk governor's recent-results ring.
type TradeResult struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Win reports whether the trade closed profitable.
func (t TradeResult) Win() bool {
	return t.PnL > 0
}
