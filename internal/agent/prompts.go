package agent

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt is the fallback when no strategy prompt file is
// configured. It stays strategy-neutral: the real prompt is an external
// resource the daemon injects at startup.
const DefaultSystemPrompt = `You are the reasoning component of an automated intraday equity trading system.
You interact with the market exclusively through the provided tools. Position
sizes in place_order are already bounded by a risk governor; never exceed them.
Work in small steps, verify order status after submitting, and call end_cycle
with a short reason when this cycle's work is done. You have a limited number
of steps per cycle.`

// systemPrompt picks the configured prompt or the neutral fallback.
func systemPrompt(input CycleInput) string {
	if strings.TrimSpace(input.SystemPrompt) != "" {
		return input.SystemPrompt
	}
	return DefaultSystemPrompt
}

// BuildCyclePrompt renders the cycle state handed to the reasoner:
// session, clock, regime, risk status, and the day's watchlist. It
// describes state only and carries no strategy.
func BuildCyclePrompt(input CycleInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Trading cycle %s.\n", input.CorrelationID)
	fmt.Fprintf(&b, "Exchange-local time: %s\n", input.LocalTime.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Session: %s\n", input.Session)

	if input.Regime != nil {
		fmt.Fprintf(&b, "Market regime: %s (SPY %+.2f%%, QQQ %+.2f%%, score %+.2f)\n",
			input.Regime.Regime, input.Regime.SpyChangePct, input.Regime.QqqChangePct, input.Regime.MarketScore)
	} else {
		b.WriteString("Market regime: unknown (no scan for today)\n")
	}

	b.WriteString("\nRisk status:\n")
	if input.Risk.Suspended {
		fmt.Fprintf(&b, "- SUSPENDED (%s): no new entries permitted\n", input.Risk.SuspendReason)
	} else {
		b.WriteString("- trading allowed\n")
	}
	fmt.Fprintf(&b, "- equity %.2f, month high-water mark %.2f, drawdown %.2f%%\n",
		input.Risk.Equity, input.Risk.HighWaterMark, input.Risk.DrawdownPct)

	if len(input.Watchlist) == 0 {
		b.WriteString("\nWatchlist: empty.\n")
	} else {
		fmt.Fprintf(&b, "\nWatchlist (%d symbols, prior-session movers):\n", len(input.Watchlist))
		for _, e := range input.Watchlist {
			fmt.Fprintf(&b, "- %s %s rank %d: %+.2f%% close %.2f volume %d\n",
				e.Symbol, e.Direction, e.Rank, e.ChangePct, e.Close, e.Volume)
		}
		b.WriteString("Use compute_indicators for per-symbol technical detail.\n")
	}

	b.WriteString("\nDecide what, if anything, to do this cycle, then call end_cycle.\n")
	return b.String()
}
