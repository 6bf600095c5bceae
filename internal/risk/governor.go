// Package risk enforces the monthly drawdown halt and turns entry/stop
// pairs into whole-share position sizes. State survives restarts through
// a Store; a corrupt ledger is replaced, never fatal.
package risk

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/models"
	"github.com/eddiefleurent/stamford_momentum/internal/util"
)

// Limits carries the governor's configured percentages. All values are
// percent units: 6.0 means six percent.
type Limits struct {
	MonthlyDrawdownPct  float64
	PerTradeRiskPct     float64
	PerTradeValueCapPct float64
}

// Governor tracks monthly equity against its high-water mark and answers
// sizing questions. Safe for concurrent use.
type Governor struct {
	store  Store
	limits Limits
	loc    *time.Location
	logger *log.Logger

	mu    sync.RWMutex
	state *State
}

// NewGovernor loads the persisted ledger. A missing ledger starts fresh
// for the current month; an unreadable one is logged, replaced, and
// persisted so the next boot is clean.
func NewGovernor(store Store, limits Limits, loc *time.Location, logger *log.Logger) (*Governor, error) {
	if store == nil {
		return nil, fmt.Errorf("risk: store is required")
	}
	if loc == nil {
		return nil, fmt.Errorf("risk: location is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	g := &Governor{
		store:  store,
		limits: limits,
		loc:    loc,
		logger: logger,
	}

	state, err := store.Load()
	switch {
	case err == nil:
		g.state = state
	case errors.Is(err, os.ErrNotExist):
		g.state = g.freshState(time.Now())
		logger.Printf("No risk state at %s, starting fresh for %s", store.Path(), g.state.Month)
	default:
		logger.Printf("Warning: risk state at %s unreadable (%v), reinitializing", store.Path(), err)
		logger.Printf("METRIC: risk_state_reinit=1")
		g.state = g.freshState(time.Now())
		if saveErr := store.Save(g.state); saveErr != nil {
			return nil, fmt.Errorf("risk: persisting reinitialized state: %w", saveErr)
		}
	}

	return g, nil
}

func (g *Governor) freshState(now time.Time) *State {
	return &State{
		Month:       monthKey(now.In(g.loc)),
		LastUpdated: now,
	}
}

// rolloverLocked resets the ledger when the exchange-local month has
// changed. Recent trades carry over; the halt and high-water mark do
// not. Caller holds the write lock.
func (g *Governor) rolloverLocked(now time.Time) bool {
	month := monthKey(now.In(g.loc))
	if g.state.Month == month {
		return false
	}
	prev := g.state.Month
	g.state = &State{
		Month:        month,
		RecentTrades: g.state.RecentTrades,
		LastUpdated:  now,
	}
	g.logger.Printf("Risk ledger rolled from %s to %s, drawdown halt cleared", prev, month)
	return true
}

// UpdateEquity folds a fresh equity reading into the ledger: month
// rollover, high-water mark, and the drawdown halt. Suspension latches
// for the remainder of the month even if equity recovers.
func (g *Governor) UpdateEquity(equity float64, now time.Time) (*State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked(now)

	st := g.state
	if equity > st.HighWaterMark {
		st.HighWaterMark = equity
	}
	st.LastEquity = equity
	st.LastUpdated = now

	if !st.Suspended && st.HighWaterMark > 0 && g.limits.MonthlyDrawdownPct > 0 {
		dd := (st.HighWaterMark - equity) * 100 / st.HighWaterMark
		if dd >= g.limits.MonthlyDrawdownPct {
			st.Suspended = true
			st.SuspendReason = SuspendReasonMonthlyDrawdown
			at := now
			st.SuspendedAt = &at
			g.logger.Printf("Warning: monthly drawdown %.2f%% breached limit %.2f%%, trading suspended for %s",
				dd, g.limits.MonthlyDrawdownPct, st.Month)
			g.logger.Printf("METRIC: risk_suspended=1")
		}
	}

	if err := g.store.Save(st); err != nil {
		return nil, fmt.Errorf("risk: saving state: %w", err)
	}
	return st.Clone(), nil
}

// ResetIfNewMonth applies the month rollover without a new equity
// reading. Returns true when a reset happened.
func (g *Governor) ResetIfNewMonth(now time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.rolloverLocked(now) {
		return false, nil
	}
	if err := g.store.Save(g.state); err != nil {
		return true, fmt.Errorf("risk: saving state: %w", err)
	}
	return true, nil
}

// Status returns a copy of the current ledger.
func (g *Governor) Status() *State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Clone()
}

// Suspended reports whether the drawdown halt is active.
func (g *Governor) Suspended() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Suspended
}

// SizePosition converts an entry/stop pair into a whole-share quantity:
// the lesser of the risk-budget size and the value-cap size, floored.
// Zero shares means the trade does not fit the budget. Works for both
// long and short stops; only a non-positive or degenerate stop is
// rejected.
func (g *Governor) SizePosition(entry, stop float64) (int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state.Suspended {
		return 0, ErrSuspended
	}
	equity := g.state.LastEquity
	if equity <= 0 {
		return 0, ErrNoEquity
	}
	if entry <= 0 {
		return 0, fmt.Errorf("risk: entry price must be positive, got %v", entry)
	}
	if stop <= 0 || stop == entry {
		return 0, ErrInvalidStop
	}

	dist := math.Abs(entry - stop)
	riskShares := util.FloorShares(equity * g.limits.PerTradeRiskPct / 100 / dist)
	capShares := util.FloorShares(equity * g.limits.PerTradeValueCapPct / 100 / entry)

	shares := riskShares
	if capShares < shares {
		shares = capShares
	}
	return shares, nil
}

// RecordTrade appends a closed trade to the ledger's bounded ring.
func (g *Governor) RecordTrade(trade models.TradeResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.RecentTrades = append(g.state.RecentTrades, trade)
	if n := len(g.state.RecentTrades); n > maxRecentTrades {
		g.state.RecentTrades = g.state.RecentTrades[n-maxRecentTrades:]
	}
	if err := g.store.Save(g.state); err != nil {
		return fmt.Errorf("risk: saving state: %w", err)
	}
	return nil
}
