package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/models"
)

// DefaultMaxSteps bounds the reasoning loop when config does not.
const DefaultMaxSteps = 30

// Loop end reasons recorded on the outcome.
const (
	EndReasonEndCycle       = "end_cycle"
	EndReasonReasonerStop   = "reasoner_stop"
	EndReasonStepsExhausted = "steps_exhausted"
	EndReasonFatalTool      = "fatal_tool_error"
	EndReasonCanceled       = "canceled"
)

// RiskSnapshot is the governor status surfaced to the reasoner.
type RiskSnapshot struct {
	Suspended     bool
	SuspendReason string
	Equity        float64
	HighWaterMark float64
	DrawdownPct   float64
}

// CycleInput is the state presented to the reasoner at the start of one
// cycle.
type CycleInput struct {
	CorrelationID string
	Session       string
	LocalTime     time.Time
	Regime        *models.MarketRegime
	Risk          RiskSnapshot
	Watchlist     []models.WatchlistEntry
	// SystemPrompt is the caller-fixed strategy prompt. Empty falls back
	// to DefaultSystemPrompt.
	SystemPrompt string
}

// Outcome summarizes one supervised cycle.
type Outcome struct {
	StepsUsed      int
	StepsExhausted bool
	EndReason      string
	FinalText      string
	Errors         []string
	Submitted      []models.OrderEvent
	Filled         []models.OrderEvent
	Transcript     *Transcript
}

// observe folds one tool result's order activity into the outcome.
// Submissions come from the order tools; fills can surface on any order
// status echo and are deduplicated by order ID.
func (o *Outcome) observe(res ToolResult) {
	for _, ev := range res.Orders {
		switch res.Name {
		case "place_order", "close_all_positions":
			o.Submitted = append(o.Submitted, ev)
		}
		if ev.Status == "filled" {
			o.addFill(ev)
		}
	}
}

func (o *Outcome) addFill(ev models.OrderEvent) {
	for _, f := range o.Filled {
		if f.OrderID == ev.OrderID {
			return
		}
	}
	o.Filled = append(o.Filled, ev)
}

// Supervisor runs the bounded reasoning loop.
type Supervisor struct {
	reasoner Reasoner
	tools    Dispatcher
	maxSteps int
	logger   *log.Logger
}

// NewSupervisor wires a reasoner to a tool dispatcher. maxSteps <= 0
// uses DefaultMaxSteps.
func NewSupervisor(reasoner Reasoner, tools Dispatcher, maxSteps int, logger *log.Logger) (*Supervisor, error) {
	if reasoner == nil {
		return nil, fmt.Errorf("supervisor requires a reasoner")
	}
	if tools == nil {
		return nil, fmt.Errorf("supervisor requires a tool dispatcher")
	}
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{reasoner: reasoner, tools: tools, maxSteps: maxSteps, logger: logger}, nil
}

// RunOnce drives one cycle to a terminal state. It returns a non-nil
// outcome in every case; the error is set for reasoner failures, fatal
// tool errors, and cancellation. An exhausted step cap is not an error.
//
// On cancellation the in-flight tool call completes before the loop
// exits, so a submitted order is never abandoned mid-call.
func (s *Supervisor) RunOnce(ctx context.Context, input CycleInput) (*Outcome, error) {
	t := &Transcript{
		System: systemPrompt(input),
		Prompt: BuildCyclePrompt(input),
		Tools:  s.tools.Definitions(),
	}
	outcome := &Outcome{Transcript: t}

	for step := 0; step < s.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			outcome.EndReason = EndReasonCanceled
			return outcome, fmt.Errorf("cycle canceled after %d step(s): %w", outcome.StepsUsed, err)
		}

		decision, err := s.reasoner.Decide(ctx, t)
		if err != nil {
			outcome.EndReason = "reasoner_error"
			outcome.Errors = append(outcome.Errors, err.Error())
			return outcome, fmt.Errorf("reasoner %s: %w", s.reasoner.Name(), err)
		}
		outcome.StepsUsed = step + 1

		if decision.Text != "" {
			outcome.FinalText = decision.Text
			s.logger.Printf("Agent: %s", truncate(decision.Text, 300))
		}

		st := Step{Text: decision.Text, Calls: decision.ToolCalls}
		if decision.Stop || len(decision.ToolCalls) == 0 {
			t.AddStep(st)
			outcome.EndReason = EndReasonReasonerStop
			return outcome, nil
		}

		var terminal, canceled bool
		var fatalMsg string
		for _, call := range decision.ToolCalls {
			if ctx.Err() != nil {
				// Remaining calls in this batch are dropped; anything
				// already dispatched has completed.
				canceled = true
				break
			}
			res := s.tools.Dispatch(ctx, call)
			st.Results = append(st.Results, res)
			outcome.observe(res)
			if res.IsError {
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %s", res.Name, res.Content))
				s.logger.Printf("Warning: tool %s failed: %s", res.Name, truncate(res.Content, 300))
			}
			if res.Fatal {
				fatalMsg = res.Content
				break
			}
			if res.Terminal {
				terminal = true
				break
			}
		}
		t.AddStep(st)

		if fatalMsg != "" {
			outcome.EndReason = EndReasonFatalTool
			return outcome, fmt.Errorf("fatal tool error: %s", fatalMsg)
		}
		if terminal {
			outcome.EndReason = EndReasonEndCycle
			return outcome, nil
		}
		if canceled {
			outcome.EndReason = EndReasonCanceled
			return outcome, fmt.Errorf("cycle canceled after %d step(s): %w", outcome.StepsUsed, ctx.Err())
		}
	}

	outcome.StepsExhausted = true
	outcome.EndReason = EndReasonStepsExhausted
	s.logger.Printf("Warning: agent used all %d steps without ending the cycle", s.maxSteps)
	s.logger.Printf("METRIC: agent_steps_exhausted=1")
	return outcome, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
