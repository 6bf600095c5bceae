package models

import "time"

// SkipReason explains why a cycle ran no agent invocation.
type SkipReason string

const (
	// SkipRiskSuspended means the risk governor reported trading not allowed.
	SkipRiskSuspended SkipReason = "RISK_SUSPENDED"
	// SkipSessionClosed means the session mask gated the cycle off.
	SkipSessionClosed SkipReason = "SESSION_CLOSED"
)

// OrderEvent is one order observation made during a cycle, as seen
// through the order tools. Submitted and filled events share the shape.
type OrderEvent struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Qty           float64   `json:"qty"`
	Type          string    `json:"type"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	FilledQty     float64   `json:"filled_qty,omitempty"`
	FilledAvgPx   float64   `json:"filled_avg_price,omitempty"`
	Status        string    `json:"status"`
	At            time.Time `json:"at"`
}

// PositionSnapshot is a point-in-time view of one open broker position.
type PositionSnapshot struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	UnrealizedPL  float64 `json:"unrealized_pl"`
	UnrealizedPct float64 `json:"unrealized_plpc"`
}

// CycleRecord is the persisted trace of a single orchestrator cycle.
type CycleRecord struct {
	CycleID         uint64             `json:"cycle_id"` // monotonic per process
	CorrelationID   string             `json:"correlation_id"`
	StartedAt       time.Time          `json:"started_at"`
	EndedAt         time.Time          `json:"ended_at"`
	Session         string             `json:"session"`
	Regime          Regime             `json:"regime,omitempty"`
	Skipped         SkipReason         `json:"skipped,omitempty"`
	AgentStepsUsed  int                `json:"agent_steps_used"`
	StepsExhausted  bool               `json:"steps_exhausted,omitempty"`
	OrdersSubmitted []OrderEvent       `json:"orders_submitted"`
	OrdersFilled    []OrderEvent       `json:"orders_filled"`
	Errors          []string           `json:"errors"`
	FinalEquity     float64            `json:"final_equity"`
	FinalPositions  []PositionSnapshot `json:"final_positions"`
	EODFlat         bool               `json:"eod_flat,omitempty"`
	ScanRan         bool               `json:"scan_ran,omitempty"`
}

// AddError appends a non-fatal cycle error.
func (c *CycleRecord) AddError(msg string) {
	c.Errors = append(c.Errors, msg)
}
