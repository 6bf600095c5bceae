package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/broker"
	"github.com/eddiefleurent/stamford_momentum/internal/risk"
)

const positionsFetchTimeout = 8 * time.Second

// Reconciler checks broker state against what the bot expects at wake
// time. The bot is meant to be flat outside sessions, so any position
// found at startup or after a long sleep gets surfaced loudly. The
// broker stays the source of truth; nothing is closed from here, the
// next end-of-day sweep handles that.
type Reconciler struct {
	broker        broker.Broker
	governor      *risk.Governor
	logger        *log.Logger
	overnightOnce sync.Once
}

// NewReconciler creates a reconciler over the given broker and ledger.
func NewReconciler(b broker.Broker, governor *risk.Governor, logger *log.Logger) *Reconciler {
	return &Reconciler{broker: b, governor: governor, logger: logger}
}

// Reconcile fetches current broker positions and reports anything held
// while flat was expected. Returns the positions found, or nil when the
// fetch fails; callers treat nil and empty alike.
func (r *Reconciler) Reconcile(ctx context.Context) []broker.Position {
	// Bounded fetch so a slow broker cannot stall the wake path.
	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()

	positions, err := r.broker.GetPositions(fetchCtx)
	if err != nil {
		r.logger.Printf("Warning: could not fetch positions for reconciliation: %v", err)
		return nil
	}
	if len(positions) == 0 {
		r.logger.Printf("Reconciliation: account is flat")
		return nil
	}

	// Banner once per process; later wake checks on the same carried
	// position log the per-symbol lines only.
	r.overnightOnce.Do(func() {
		r.logger.Printf("OVERNIGHT POSITIONS DETECTED: %d open position(s) while flat was expected",
			len(positions))
	})

	recent := r.recentSymbols()
	for _, p := range positions {
		if recent[p.Symbol] {
			r.logger.Printf("Warning: %s position traded recently by the bot, end-of-day flat likely missed it (qty %.2f, unrealized $%.2f)",
				p.Symbol, p.Qty, p.UnrealizedPL)
		} else {
			r.logger.Printf("Warning: %s position has no recent bot trade, manual or external (qty %.2f, unrealized $%.2f)",
				p.Symbol, p.Qty, p.UnrealizedPL)
		}
	}
	r.logger.Printf("METRIC: reconcile_open_positions=%d", len(positions))
	return positions
}

// recentSymbols collects the symbols in the ledger's closed-trade ring.
func (r *Reconciler) recentSymbols() map[string]bool {
	recent := make(map[string]bool)
	for _, t := range r.governor.Status().RecentTrades {
		recent[t.Symbol] = true
	}
	return recent
}
