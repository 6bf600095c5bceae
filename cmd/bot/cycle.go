package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/agent"
	"github.com/eddiefleurent/stamford_momentum/internal/broker"
	"github.com/eddiefleurent/stamford_momentum/internal/clock"
	"github.com/eddiefleurent/stamford_momentum/internal/models"
	"github.com/eddiefleurent/stamford_momentum/internal/momentum"
	"github.com/eddiefleurent/stamford_momentum/internal/retry"
	"github.com/eddiefleurent/stamford_momentum/internal/risk"
	"github.com/eddiefleurent/stamford_momentum/internal/tools"
	"github.com/sirupsen/logrus"
)

// passResult tells the run loop how to wait before the next pass.
type passResult struct {
	sleep  time.Duration // tick remainder for open sessions
	wake   time.Time     // non-zero: sleep until this instant (closed)
	reason string
	err    error
}

// TradingCycle executes one pass of the orchestrator state machine:
// classify, risk-gate, maybe scan, run the agent, persist, maybe flat.
type TradingCycle struct {
	bot *Bot
}

// NewTradingCycle creates the cycle handler.
func NewTradingCycle(bot *Bot) *TradingCycle {
	return &TradingCycle{bot: bot}
}

// Run executes one orchestrator pass and reports how to wait next.
func (tc *TradingCycle) Run(ctx context.Context) passResult {
	b := tc.bot
	start := b.now()
	interval := b.config.GetInterval()

	// CHECK_TIME with the wake failsafe: a weekday instant inside the
	// regular window never sleeps, whatever the cached broker clock says.
	cls := b.classifier.ClassifyLive(ctx, start)
	if cls.Session == clock.SessionClosed && b.classifier.ForceRegular(start) {
		b.logger.Printf("Failsafe: weekday regular window, overriding CLOSED classification")
		cls.Session = clock.SessionRegular
	}
	if cls.Session == clock.SessionClosed {
		wake, reason := b.classifier.SleepPlan(start)
		return passResult{wake: wake, reason: reason}
	}

	date := b.classifier.ExchangeDate(start)
	rec := &models.CycleRecord{
		CycleID:       b.cycleID + 1,
		CorrelationID: generateCorrelationID(),
		StartedAt:     start.In(b.classifier.Location()),
		Session:       string(cls.Session),
	}
	b.logger.Printf("Starting cycle %d (%s), session %s",
		rec.CycleID, shortID(rec.CorrelationID), rec.Session)

	// CHECK_RISK
	state, err := tc.checkRisk(ctx, start, rec)
	if err != nil {
		tc.journalAbort(rec, err)
		return passResult{sleep: tc.remaining(interval, start), err: err}
	}

	var cycleErr error
	if state.Suspended {
		b.logger.Printf("Trading suspended (%s), skipping cycle %d",
			state.SuspendReason, rec.CycleID)
		rec.Skipped = models.SkipRiskSuspended
	} else {
		// MAYBE_SCAN
		tc.maybeScan(ctx, start, cls, date, rec)
		if b.regime != nil {
			rec.Regime = b.regime.Regime
		}

		// RUN_CYCLE
		cycleErr = tc.runAgent(ctx, cls, state, date, rec)

		tc.finalSnapshot(ctx, rec)
	}

	// The flat decision is made before PERSIST so the record carries it;
	// the sweep itself runs after, so a journal failure cannot keep
	// positions open into the close.
	end := b.now()
	rec.EODFlat = tc.shouldEODFlat(end, date)
	rec.EndedAt = end.In(b.classifier.Location())

	// PERSIST
	persistErr := b.journal.Cycle(rec)
	if persistErr != nil {
		b.logger.Printf("Warning: cycle record not persisted, counter held: %v", persistErr)
	} else {
		b.cycleID = rec.CycleID
	}

	// MAYBE_EOD_FLAT; runs on suspended days too, flat is flat
	if rec.EODFlat {
		tc.runEODFlat(ctx, date, rec.CorrelationID)
	}

	if cycleErr == nil && persistErr != nil {
		cycleErr = fmt.Errorf("persisting cycle record: %w", persistErr)
	}
	return passResult{sleep: tc.remaining(interval, start), err: cycleErr}
}

// remaining floors the tick remainder at zero so an overlong cycle rolls
// straight into the next.
func (tc *TradingCycle) remaining(interval time.Duration, start time.Time) time.Duration {
	elapsed := tc.bot.now().Sub(start)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// journalAbort leaves a trace for cycles that failed before reaching
// PERSIST. Best effort; the operational log already carries the error.
func (tc *TradingCycle) journalAbort(rec *models.CycleRecord, cause error) {
	b := tc.bot
	if err := b.journal.Warning(b.now().In(b.classifier.Location()), "cycle aborted", logrus.Fields{
		"cycle_id":       rec.CycleID,
		"correlation_id": rec.CorrelationID,
		"error":          cause.Error(),
	}); err != nil {
		b.logger.Printf("Warning: journaling cycle abort: %v", err)
	}
}

// checkRisk rolls the ledger month if due, feeds the governor fresh
// equity, and returns the resulting state. Errors abort the pass before
// any cycle work happens, and the cycle counter is not advanced.
func (tc *TradingCycle) checkRisk(ctx context.Context, now time.Time, rec *models.CycleRecord) (*risk.State, error) {
	b := tc.bot

	if _, err := b.governor.ResetIfNewMonth(now); err != nil {
		return nil, fmt.Errorf("risk month rollover: %w", err)
	}

	acct, err := retry.DoWithConfig(ctx, b.retryCfg, b.logger, "get_account",
		func(c context.Context) (*broker.Account, error) { return b.broker.GetAccount(c) })
	if err != nil {
		return nil, fmt.Errorf("account equity fetch: %w", err)
	}
	if acct.TradingBlocked {
		b.logger.Printf("Warning: broker reports trading blocked on this account")
	}

	state, err := b.governor.UpdateEquity(acct.Equity, now)
	if err != nil {
		return nil, fmt.Errorf("risk update: %w", err)
	}
	rec.FinalEquity = state.LastEquity
	return state, nil
}

// maybeScan runs the daily scan when its window is open. The in-process
// latch limits it to one completed attempt per date; across restarts the
// hot cache is the latch and the day's watchlist reloads from it.
func (tc *TradingCycle) maybeScan(ctx context.Context, now time.Time, cls clock.Classification, date string, rec *models.CycleRecord) {
	b := tc.bot
	if b.scanDate == date {
		return
	}

	has, err := b.store.HasScan(ctx, date)
	if err != nil {
		b.logger.Printf("Warning: hot cache scan check failed: %v", err)
		has = false
	}
	if has && tc.loadWatchlist(ctx, date) {
		b.scanDate = date
		return
	}

	local := now.In(b.classifier.Location())
	minute := local.Hour()*60 + local.Minute()
	if minute < b.scanMinute && cls.Session != clock.SessionRegular {
		// Before the scan window and not yet in regular hours: wait.
		return
	}

	report, err := b.scanner.Run(ctx, date)
	if err != nil {
		// Hot cache write failed; leave the latch open so the next tick
		// retries, and trade on what we have meanwhile.
		b.logger.Printf("Warning: scan for %s failed: %v", date, err)
		rec.AddError(fmt.Sprintf("scan: %v", err))
		tc.fallbackWatchlist(ctx, date)
		return
	}

	b.scanDate = date
	rec.ScanRan = true
	if !report.Successful {
		b.logger.Printf("SCAN_FALLBACK: scan for %s selected no usable movers", date)
		tc.fallbackWatchlist(ctx, date)
		return
	}

	b.watchlist = report.Watchlist
	b.regime = &report.Regime
}

// loadWatchlist pulls a cached day's entries into memory. Returns false
// when the read fails so the caller can rescan.
func (tc *TradingCycle) loadWatchlist(ctx context.Context, date string) bool {
	b := tc.bot
	entries, err := b.store.Watchlist(ctx, date)
	if err != nil {
		b.logger.Printf("Warning: reloading watchlist for %s: %v", date, err)
		return false
	}
	b.watchlist = entries
	if regime, err := b.store.RegimeFor(ctx, date); err == nil {
		b.regime = &regime
	}
	b.logger.Printf("Reloaded %d watchlist entries for %s from the hot cache", len(entries), date)
	return true
}

// fallbackWatchlist reuses the most recent prior scan when today has no
// usable one. An empty cache leaves the watchlist empty; the cycle still
// runs.
func (tc *TradingCycle) fallbackWatchlist(ctx context.Context, date string) {
	b := tc.bot
	if len(b.watchlist) > 0 {
		return // keep whatever the day is already trading on
	}
	prior, err := b.store.LatestScanDateBefore(ctx, date)
	if err != nil {
		if !errors.Is(err, momentum.ErrNoScan) {
			b.logger.Printf("Warning: prior scan lookup failed: %v", err)
		}
		b.logger.Printf("SCAN_FALLBACK: no prior scan cached, running with an empty watchlist")
		return
	}
	entries, err := b.store.Watchlist(ctx, prior)
	if err != nil {
		b.logger.Printf("Warning: loading fallback watchlist for %s: %v", prior, err)
		return
	}
	b.watchlist = entries
	if regime, err := b.store.RegimeFor(ctx, prior); err == nil {
		b.regime = &regime
	}
	b.logger.Printf("SCAN_FALLBACK: reusing %d watchlist entries from %s", len(entries), prior)
}

// runAgent drives one supervised reasoning session over the current
// watchlist. The toolset is rebuilt per cycle so client order IDs pin to
// the cycle.
func (tc *TradingCycle) runAgent(ctx context.Context, cls clock.Classification, state *risk.State, date string, rec *models.CycleRecord) error {
	b := tc.bot

	cycleID := rec.CycleID
	orderID := func(symbol, side string) string {
		return clientOrderID(cycleID, symbol, side, date)
	}
	ts, err := tools.New(b.broker, b.retryCfg, b.logger, orderID)
	if err != nil {
		rec.AddError(fmt.Sprintf("toolset: %v", err))
		return fmt.Errorf("toolset: %w", err)
	}
	sup, err := agent.NewSupervisor(b.reasoner, ts, b.config.Agent.MaxSteps, b.logger)
	if err != nil {
		rec.AddError(fmt.Sprintf("supervisor: %v", err))
		return fmt.Errorf("supervisor: %w", err)
	}

	input := agent.CycleInput{
		CorrelationID: rec.CorrelationID,
		Session:       string(cls.Session),
		LocalTime:     b.now().In(b.classifier.Location()),
		Regime:        b.regime,
		Risk: agent.RiskSnapshot{
			Suspended:     state.Suspended,
			SuspendReason: state.SuspendReason,
			Equity:        state.LastEquity,
			HighWaterMark: state.HighWaterMark,
			DrawdownPct:   state.Drawdown(),
		},
		Watchlist:    b.watchlist,
		SystemPrompt: b.systemPrompt,
	}

	outcome, runErr := sup.RunOnce(ctx, input)
	if outcome != nil {
		rec.AgentStepsUsed = outcome.StepsUsed
		rec.StepsExhausted = outcome.StepsExhausted
		rec.OrdersSubmitted = outcome.Submitted
		rec.OrdersFilled = outcome.Filled
		rec.Errors = append(rec.Errors, outcome.Errors...)
		tc.journalOrders(outcome)
		b.logger.Printf("Cycle %d agent done (%s): %d step(s), %d submitted, %d filled",
			cycleID, outcome.EndReason, outcome.StepsUsed, len(outcome.Submitted), len(outcome.Filled))
	}
	if runErr != nil {
		rec.AddError(fmt.Sprintf("agent: %v", runErr))
		return fmt.Errorf("agent run: %w", runErr)
	}
	return nil
}

// journalOrders appends each observed order event to the trade journal.
func (tc *TradingCycle) journalOrders(outcome *agent.Outcome) {
	b := tc.bot
	at := b.now().In(b.classifier.Location())
	for _, ev := range outcome.Submitted {
		if err := b.journal.OrderEvent(at, ev); err != nil {
			b.logger.Printf("Warning: journaling order event: %v", err)
		}
	}
	for _, ev := range outcome.Filled {
		if err := b.journal.OrderEvent(at, ev); err != nil {
			b.logger.Printf("Warning: journaling fill event: %v", err)
		}
	}
}

// finalSnapshot records end-of-cycle equity and open positions on the
// record. Failures degrade to the CHECK_RISK equity plus an errors entry.
func (tc *TradingCycle) finalSnapshot(ctx context.Context, rec *models.CycleRecord) {
	b := tc.bot

	acct, err := retry.DoWithConfig(ctx, b.retryCfg, b.logger, "final account snapshot",
		func(c context.Context) (*broker.Account, error) { return b.broker.GetAccount(c) })
	if err != nil {
		b.logger.Printf("Warning: final account snapshot failed: %v", err)
		rec.AddError(fmt.Sprintf("final snapshot: %v", err))
	} else {
		rec.FinalEquity = acct.Equity
	}

	positions, err := retry.DoWithConfig(ctx, b.retryCfg, b.logger, "final positions snapshot",
		func(c context.Context) ([]broker.Position, error) { return b.broker.GetPositions(c) })
	if err != nil {
		b.logger.Printf("Warning: final positions snapshot failed: %v", err)
		rec.AddError(fmt.Sprintf("final positions: %v", err))
		return
	}
	rec.FinalPositions = make([]models.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		rec.FinalPositions = append(rec.FinalPositions, models.PositionSnapshot{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
			UnrealizedPL:  p.UnrealizedPL,
			UnrealizedPct: p.UnrealizedPct,
		})
	}
}

// shouldEODFlat reports whether this pass owes the forced flat.
func (tc *TradingCycle) shouldEODFlat(now time.Time, date string) bool {
	return tc.bot.eodFlatDate != date && tc.bot.classifier.IsEODFlatTrigger(now)
}

// runEODFlat sweeps every position flat through the order tool. The
// per-date latch is set before the sweep: one invocation per date, even
// when the sweep itself errors.
func (tc *TradingCycle) runEODFlat(ctx context.Context, date, correlationID string) {
	b := tc.bot
	b.eodFlatDate = date
	b.logger.Printf("EOD flat for %s: closing all positions, cancelling open orders", date)

	ts, err := tools.New(b.broker, b.retryCfg, b.logger, nil)
	if err != nil {
		b.logger.Printf("Warning: EOD flat toolset: %v", err)
		return
	}
	res := ts.Dispatch(ctx, agent.ToolCall{
		ID:   "eod-flat-" + date,
		Name: "close_all_positions",
		Args: []byte(`{"cancel_orders":true}`),
	})
	at := b.now().In(b.classifier.Location())
	if res.IsError {
		b.logger.Printf("Warning: EOD flat close sweep failed: %s", res.Content)
		if err := b.journal.Warning(at, "eod flat failed", logrus.Fields{
			"correlation_id": correlationID,
			"date":           date,
			"error":          res.Content,
		}); err != nil {
			b.logger.Printf("Warning: journaling eod flat failure: %v", err)
		}
		return
	}
	for _, ev := range res.Orders {
		if err := b.journal.OrderEvent(at, ev); err != nil {
			b.logger.Printf("Warning: journaling eod flat order: %v", err)
		}
	}
	if err := b.journal.Event(at, "eod flat complete", logrus.Fields{
		"correlation_id": correlationID,
		"date":           date,
		"orders":         len(res.Orders),
	}); err != nil {
		b.logger.Printf("Warning: journaling eod flat: %v", err)
	}
	b.logger.Printf("EOD flat complete: %d close order(s)", len(res.Orders))
}
