// Package agent runs the bounded reasoning loop that drives one trading
// cycle. The supervisor presents accumulated state to a Reasoner,
// dispatches the tool calls it requests, and stops on the terminal
// control tool, the step cap, a fatal tool error, or cancellation. It
// never interprets tool semantics.
package agent

import (
	"context"
	"encoding/json"

	"github.com/eddiefleurent/stamford_momentum/internal/models"
)

// ToolDef describes one capability surfaced to the reasoner. Parameters
// is a JSON Schema object in the shape both providers accept.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a reasoner request to invoke one named tool. ID is the
// provider's call identifier and is echoed back with the result.
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the outcome of one dispatched call.
type ToolResult struct {
	CallID  string `json:"call_id,omitempty"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	// Fatal marks errors that make further tool use pointless, such as
	// rejected credentials. The supervisor aborts the loop on these.
	Fatal bool `json:"fatal,omitempty"`
	// Terminal is set by the end_cycle control tool.
	Terminal bool `json:"terminal,omitempty"`
	// Orders carries order activity observed through this call so the
	// supervisor can record submissions and fills without parsing
	// Content.
	Orders []models.OrderEvent `json:"orders,omitempty"`
}

// Dispatcher executes named tool calls. internal/tools provides the
// production implementation.
type Dispatcher interface {
	Definitions() []ToolDef
	Dispatch(ctx context.Context, call ToolCall) ToolResult
}

// Decision is one reasoner turn: free text, tool calls, or a stop.
type Decision struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Stop means the provider finished its turn without requesting
	// tools. Treated as a terminal signal.
	Stop bool `json:"stop,omitempty"`
}

// Reasoner produces the next decision from the transcript so far.
// Implementations handle their own transient retries; the supervisor
// does not retry.
type Reasoner interface {
	Decide(ctx context.Context, t *Transcript) (*Decision, error)
	Name() string
}

// Step is one completed loop iteration: what the reasoner said, what it
// called, and what came back.
type Step struct {
	Text    string       `json:"text,omitempty"`
	Calls   []ToolCall   `json:"calls,omitempty"`
	Results []ToolResult `json:"results,omitempty"`
}

// Transcript is the accumulated state handed to the reasoner each
// iteration.
type Transcript struct {
	System string    `json:"system"`
	Prompt string    `json:"prompt"`
	Tools  []ToolDef `json:"-"`
	Steps  []Step    `json:"steps"`
}

// AddStep appends one completed iteration.
func (t *Transcript) AddStep(step Step) {
	t.Steps = append(t.Steps, step)
}
