package risk

import (
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/models"
)

// SuspendReasonMonthlyDrawdown labels the monthly loss-limit halt.
const SuspendReasonMonthlyDrawdown = "MONTHLY_DRAWDOWN"

// maxRecentTrades bounds the closed-trade ring carried in the ledger.
const maxRecentTrades = 20

// State is the persisted monthly risk ledger. Month keys are
// exchange-local YYYY-MM; everything resets when the month rolls.
type State struct {
	Month         string               `json:"month"`
	HighWaterMark float64              `json:"high_water_mark"`
	LastEquity    float64              `json:"last_equity"`
	Suspended     bool                 `json:"suspended"`
	SuspendReason string               `json:"suspend_reason,omitempty"`
	SuspendedAt   *time.Time           `json:"suspended_at,omitempty"`
	RecentTrades  []models.TradeResult `json:"recent_trades,omitempty"`
	LastUpdated   time.Time            `json:"last_updated"`
}

// Drawdown returns the percent fall from the month's high-water mark.
func (s *State) Drawdown() float64 {
	if s.HighWaterMark <= 0 {
		return 0
	}
	return (s.HighWaterMark - s.LastEquity) * 100 / s.HighWaterMark
}

// Clone returns a deep copy so callers can read without holding locks.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.SuspendedAt != nil {
		at := *s.SuspendedAt
		c.SuspendedAt = &at
	}
	if s.RecentTrades != nil {
		c.RecentTrades = make([]models.TradeResult, len(s.RecentTrades))
		copy(c.RecentTrades, s.RecentTrades)
	}
	return &c
}

// monthKey renders the ledger month for an exchange-local instant.
func monthKey(local time.Time) string {
	return local.Format("2006-01")
}
