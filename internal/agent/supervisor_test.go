package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/models"
)

// scriptedReasoner replays a fixed sequence of decisions. When the
// script runs out it repeats the last entry.
type scriptedReasoner struct {
	decisions []*Decision
	errs      []error
	calls     int
}

func (r *scriptedReasoner) Name() string { return "scripted" }

func (r *scriptedReasoner) Decide(_ context.Context, _ *Transcript) (*Decision, error) {
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	if len(r.decisions) == 0 {
		return &Decision{Stop: true}, nil
	}
	if i >= len(r.decisions) {
		i = len(r.decisions) - 1
	}
	return r.decisions[i], nil
}

// fakeDispatcher answers calls from a canned result table and records
// every dispatch. onDispatch, when set, runs before each result is
// returned.
type fakeDispatcher struct {
	results    map[string]ToolResult
	dispatched []ToolCall
	onDispatch func(call ToolCall)
}

func (d *fakeDispatcher) Definitions() []ToolDef {
	return []ToolDef{
		{Name: "get_account", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "place_order", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "end_cycle", Parameters: json.RawMessage(`{"type":"object"}`)},
	}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, call ToolCall) ToolResult {
	d.dispatched = append(d.dispatched, call)
	if d.onDispatch != nil {
		d.onDispatch(call)
	}
	res, ok := d.results[call.Name]
	if !ok {
		res = ToolResult{Name: call.Name, Content: "{}"}
	}
	res.CallID = call.ID
	res.Name = call.Name
	return res
}

func call(id, name string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(`{}`)}
}

func endCycleResult() ToolResult {
	return ToolResult{Content: `{"ended":true}`, Terminal: true}
}

func testInput() CycleInput {
	return CycleInput{
		CorrelationID: "cyc-test-1",
		Session:       "REGULAR",
		LocalTime:     time.Date(2025, 6, 3, 10, 30, 0, 0, time.UTC),
		Risk:          RiskSnapshot{Equity: 100000, HighWaterMark: 102000, DrawdownPct: 1.96},
	}
}

func newTestSupervisor(t *testing.T, r Reasoner, d Dispatcher, maxSteps int) (*Supervisor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := log.New(&buf, "[BOT] ", log.LstdFlags)
	s, err := NewSupervisor(r, d, maxSteps, logger)
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	return s, &buf
}

func TestNewSupervisor_Validation(t *testing.T) {
	d := &fakeDispatcher{}
	if _, err := NewSupervisor(nil, d, 10, nil); err == nil {
		t.Error("expected error for nil reasoner")
	}
	if _, err := NewSupervisor(&scriptedReasoner{}, nil, 10, nil); err == nil {
		t.Error("expected error for nil dispatcher")
	}
	s, err := NewSupervisor(&scriptedReasoner{}, d, 0, nil)
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if s.maxSteps != DefaultMaxSteps {
		t.Errorf("maxSteps = %d, want default %d", s.maxSteps, DefaultMaxSteps)
	}
}

func TestRunOnce_EndCycleTerminates(t *testing.T) {
	r := &scriptedReasoner{decisions: []*Decision{
		{Text: "checking the account first", ToolCalls: []ToolCall{call("c1", "get_account")}},
		{ToolCalls: []ToolCall{call("c2", "end_cycle")}},
	}}
	d := &fakeDispatcher{results: map[string]ToolResult{
		"get_account": {Content: `{"equity":100000}`},
		"end_cycle":   endCycleResult(),
	}}
	s, _ := newTestSupervisor(t, r, d, 10)

	outcome, err := s.RunOnce(context.Background(), testInput())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if outcome.EndReason != EndReasonEndCycle {
		t.Errorf("EndReason = %q, want %q", outcome.EndReason, EndReasonEndCycle)
	}
	if outcome.StepsUsed != 2 {
		t.Errorf("StepsUsed = %d, want 2", outcome.StepsUsed)
	}
	if outcome.StepsExhausted {
		t.Error("StepsExhausted should be false")
	}
	if len(d.dispatched) != 2 {
		t.Errorf("dispatched %d calls, want 2", len(d.dispatched))
	}
	if len(outcome.Transcript.Steps) != 2 {
		t.Errorf("transcript has %d steps, want 2", len(outcome.Transcript.Steps))
	}
}

func TestRunOnce_ReasonerStopEndsLoop(t *testing.T) {
	r := &scriptedReasoner{decisions: []*Decision{
		{Text: "nothing to do in this session", Stop: true},
	}}
	d := &fakeDispatcher{}
	s, buf := newTestSupervisor(t, r, d, 10)

	outcome, err := s.RunOnce(context.Background(), testInput())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if outcome.EndReason != EndReasonReasonerStop {
		t.Errorf("EndReason = %q, want %q", outcome.EndReason, EndReasonReasonerStop)
	}
	if outcome.StepsUsed != 1 {
		t.Errorf("StepsUsed = %d, want 1", outcome.StepsUsed)
	}
	if outcome.FinalText != "nothing to do in this session" {
		t.Errorf("FinalText = %q", outcome.FinalText)
	}
	if len(d.dispatched) != 0 {
		t.Errorf("dispatched %d calls, want 0", len(d.dispatched))
	}
	if !strings.Contains(buf.String(), "nothing to do in this session") {
		t.Error("agent text should be logged")
	}
}

func TestRunOnce_StepCapExhausted(t *testing.T) {
	r := &scriptedReasoner{decisions: []*Decision{
		{ToolCalls: []ToolCall{call("c", "get_account")}},
	}}
	d := &fakeDispatcher{results: map[string]ToolResult{
		"get_account": {Content: `{}`},
	}}
	s, buf := newTestSupervisor(t, r, d, 5)

	outcome, err := s.RunOnce(context.Background(), testInput())
	if err != nil {
		t.Fatalf("RunOnce() error = %v, exhausted steps are not an error", err)
	}
	if !outcome.StepsExhausted {
		t.Error("StepsExhausted should be true")
	}
	if outcome.EndReason != EndReasonStepsExhausted {
		t.Errorf("EndReason = %q, want %q", outcome.EndReason, EndReasonStepsExhausted)
	}
	if outcome.StepsUsed != 5 {
		t.Errorf("StepsUsed = %d, want 5", outcome.StepsUsed)
	}
	if len(d.dispatched) != 5 {
		t.Errorf("dispatched %d calls, want 5", len(d.dispatched))
	}
	logged := buf.String()
	if !strings.Contains(logged, "METRIC: agent_steps_exhausted=1") {
		t.Errorf("missing exhaustion metric in log:\n%s", logged)
	}
}

func TestRunOnce_FatalToolErrorAborts(t *testing.T) {
	r := &scriptedReasoner{decisions: []*Decision{
		{ToolCalls: []ToolCall{call("c1", "place_order"), call("c2", "get_account")}},
	}}
	d := &fakeDispatcher{results: map[string]ToolResult{
		"place_order": {Content: "broker API error 401: unauthorized", IsError: true, Fatal: true},
	}}
	s, _ := newTestSupervisor(t, r, d, 10)

	outcome, err := s.RunOnce(context.Background(), testInput())
	if err == nil {
		t.Fatal("expected error for fatal tool result")
	}
	if outcome.EndReason != EndReasonFatalTool {
		t.Errorf("EndReason = %q, want %q", outcome.EndReason, EndReasonFatalTool)
	}
	// The second call in the batch must not run after a fatal result.
	if len(d.dispatched) != 1 {
		t.Errorf("dispatched %d calls, want 1", len(d.dispatched))
	}
	if len(outcome.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry", outcome.Errors)
	}
}

func TestRunOnce_ReasonerErrorSurfaces(t *testing.T) {
	r := &scriptedReasoner{errs: []error{errors.New("API request failed with status 401")}}
	d := &fakeDispatcher{}
	s, _ := newTestSupervisor(t, r, d, 10)

	outcome, err := s.RunOnce(context.Background(), testInput())
	if err == nil {
		t.Fatal("expected reasoner error to surface")
	}
	if !strings.Contains(err.Error(), "scripted") {
		t.Errorf("error should name the reasoner, got %v", err)
	}
	if len(outcome.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry", outcome.Errors)
	}
}

func TestRunOnce_CanceledBeforeStart(t *testing.T) {
	r := &scriptedReasoner{}
	d := &fakeDispatcher{}
	s, _ := newTestSupervisor(t, r, d, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := s.RunOnce(ctx, testInput())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if outcome.EndReason != EndReasonCanceled {
		t.Errorf("EndReason = %q, want %q", outcome.EndReason, EndReasonCanceled)
	}
	if r.calls != 0 {
		t.Errorf("reasoner called %d times, want 0", r.calls)
	}
	if len(d.dispatched) != 0 {
		t.Errorf("dispatched %d calls, want 0", len(d.dispatched))
	}
}

func TestRunOnce_CancelMidBatchFinishesInFlightCall(t *testing.T) {
	r := &scriptedReasoner{decisions: []*Decision{
		{ToolCalls: []ToolCall{call("c1", "get_account"), call("c2", "place_order")}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDispatcher{
		results: map[string]ToolResult{"get_account": {Content: `{"equity":1}`}},
		// Cancellation lands while the first call is in flight.
		onDispatch: func(ToolCall) { cancel() },
	}
	s, _ := newTestSupervisor(t, r, d, 10)

	outcome, err := s.RunOnce(ctx, testInput())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if outcome.EndReason != EndReasonCanceled {
		t.Errorf("EndReason = %q, want %q", outcome.EndReason, EndReasonCanceled)
	}
	// First call completed and was recorded; second never dispatched.
	if len(d.dispatched) != 1 {
		t.Fatalf("dispatched %d calls, want 1", len(d.dispatched))
	}
	if len(outcome.Transcript.Steps) != 1 || len(outcome.Transcript.Steps[0].Results) != 1 {
		t.Error("in-flight result should be recorded in the transcript")
	}
}

func TestRunOnce_CollectsSubmissionsAndFills(t *testing.T) {
	placed := models.OrderEvent{
		OrderID: "ord-1", ClientOrderID: "cid-1", Symbol: "NVDA",
		Side: "buy", Qty: 10, Status: "accepted",
	}
	filled := placed
	filled.Status = "filled"
	filled.FilledQty = 10
	filled.FilledAvgPx = 101.5

	r := &scriptedReasoner{decisions: []*Decision{
		{ToolCalls: []ToolCall{call("c1", "place_order")}},
		{ToolCalls: []ToolCall{call("c2", "get_order_status")}},
		{ToolCalls: []ToolCall{call("c3", "get_order_status")}},
		{ToolCalls: []ToolCall{call("c4", "end_cycle")}},
	}}
	d := &fakeDispatcher{results: map[string]ToolResult{
		"place_order":      {Content: `{}`, Orders: []models.OrderEvent{placed}},
		"get_order_status": {Content: `{}`, Orders: []models.OrderEvent{filled}},
		"end_cycle":        endCycleResult(),
	}}
	s, _ := newTestSupervisor(t, r, d, 10)

	outcome, err := s.RunOnce(context.Background(), testInput())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(outcome.Submitted) != 1 {
		t.Fatalf("Submitted = %d events, want 1", len(outcome.Submitted))
	}
	if outcome.Submitted[0].OrderID != "ord-1" {
		t.Errorf("Submitted[0].OrderID = %q", outcome.Submitted[0].OrderID)
	}
	// Two status polls both report filled; the fill is recorded once.
	if len(outcome.Filled) != 1 {
		t.Fatalf("Filled = %d events, want 1", len(outcome.Filled))
	}
	if outcome.Filled[0].FilledAvgPx != 101.5 {
		t.Errorf("Filled[0].FilledAvgPx = %v, want 101.5", outcome.Filled[0].FilledAvgPx)
	}
}

func TestRunOnce_ImmediateFillCountsBothWays(t *testing.T) {
	ev := models.OrderEvent{OrderID: "ord-2", Symbol: "AMD", Side: "sell", Qty: 5, Status: "filled"}
	r := &scriptedReasoner{decisions: []*Decision{
		{ToolCalls: []ToolCall{call("c1", "place_order")}},
		{ToolCalls: []ToolCall{call("c2", "end_cycle")}},
	}}
	d := &fakeDispatcher{results: map[string]ToolResult{
		"place_order": {Content: `{}`, Orders: []models.OrderEvent{ev}},
		"end_cycle":   endCycleResult(),
	}}
	s, _ := newTestSupervisor(t, r, d, 10)

	outcome, err := s.RunOnce(context.Background(), testInput())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(outcome.Submitted) != 1 || len(outcome.Filled) != 1 {
		t.Errorf("Submitted = %d, Filled = %d, want 1 and 1", len(outcome.Submitted), len(outcome.Filled))
	}
}

func TestRunOnce_NonFatalToolErrorContinues(t *testing.T) {
	r := &scriptedReasoner{decisions: []*Decision{
		{ToolCalls: []ToolCall{call("c1", "get_account")}},
		{ToolCalls: []ToolCall{call("c2", "end_cycle")}},
	}}
	d := &fakeDispatcher{results: map[string]ToolResult{
		"get_account": {Content: "get account failed after 4 attempt(s)", IsError: true},
		"end_cycle":   endCycleResult(),
	}}
	s, buf := newTestSupervisor(t, r, d, 10)

	outcome, err := s.RunOnce(context.Background(), testInput())
	if err != nil {
		t.Fatalf("RunOnce() error = %v, non-fatal tool errors should not abort", err)
	}
	if outcome.EndReason != EndReasonEndCycle {
		t.Errorf("EndReason = %q, want %q", outcome.EndReason, EndReasonEndCycle)
	}
	if len(outcome.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry", outcome.Errors)
	}
	if !strings.Contains(buf.String(), "Warning: tool get_account failed") {
		t.Error("tool failure should be logged as a warning")
	}
}

func TestRunOnce_TranscriptCarriesToolDefinitions(t *testing.T) {
	r := &scriptedReasoner{decisions: []*Decision{{Stop: true}}}
	d := &fakeDispatcher{}
	s, _ := newTestSupervisor(t, r, d, 10)

	outcome, err := s.RunOnce(context.Background(), testInput())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(outcome.Transcript.Tools) != 3 {
		t.Errorf("transcript carries %d tool defs, want 3", len(outcome.Transcript.Tools))
	}
	if outcome.Transcript.Prompt == "" || outcome.Transcript.System == "" {
		t.Error("transcript prompts should be populated")
	}
}
