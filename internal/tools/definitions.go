package tools

import (
	"encoding/json"

	"github.com/eddiefleurent/stamford_momentum/internal/agent"
)

// emptySchema is the schema for tools that take no arguments.
const emptySchema = `{"type":"object","properties":{}}`

// Definitions lists every capability in dispatch order. The schemas are
// plain JSON Schema objects; both providers consume this shape.
func (ts *Toolset) Definitions() []agent.ToolDef {
	return []agent.ToolDef{
		{
			Name:        "get_account",
			Description: "Fetch the account snapshot: equity, cash, buying power, PDT and blocked flags.",
			Parameters:  json.RawMessage(emptySchema),
		},
		{
			Name:        "get_positions",
			Description: "List all open positions with entry price and unrealized P&L.",
			Parameters:  json.RawMessage(emptySchema),
		},
		{
			Name:        "get_latest_quote",
			Description: "Fetch the latest bid/ask quote for one symbol.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"symbol": {"type": "string", "description": "Ticker symbol, e.g. NVDA"}
				},
				"required": ["symbol"]
			}`),
		},
		{
			Name:        "get_daily_bars",
			Description: "Fetch daily OHLCV bars for the given symbols over a date range.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"symbols": {"type": "array", "items": {"type": "string"}},
					"from": {"type": "string", "description": "Start date, YYYY-MM-DD"},
					"to": {"type": "string", "description": "End date inclusive, YYYY-MM-DD"}
				},
				"required": ["symbols", "from", "to"]
			}`),
		},
		{
			Name:        "place_order",
			Description: "Submit an equity order. Quantity is whole shares already sized by the risk governor; do not exceed it.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"symbol": {"type": "string"},
					"qty": {"type": "integer", "minimum": 1},
					"side": {"type": "string", "enum": ["buy", "sell"]},
					"type": {"type": "string", "enum": ["market", "limit"]},
					"limit_price": {"type": "number", "description": "Required for limit orders"},
					"extended_hours": {"type": "boolean"}
				},
				"required": ["symbol", "qty", "side", "type"]
			}`),
		},
		{
			Name:        "get_order_status",
			Description: "Fetch the current status and fill details of a submitted order.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"order_id": {"type": "string"}
				},
				"required": ["order_id"]
			}`),
		},
		{
			Name:        "close_all_positions",
			Description: "Liquidate every open position at market. Set cancel_orders to also cancel working orders.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"cancel_orders": {"type": "boolean"}
				},
				"required": ["cancel_orders"]
			}`),
		},
		{
			Name:        "compute_indicators",
			Description: "Compute SMA, RSI, ATR and average volume for one symbol from daily bars.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"symbol": {"type": "string"},
					"window": {"type": "integer", "description": "SMA and volume lookback in days, default 20"}
				},
				"required": ["symbol"]
			}`),
		},
		{
			Name:        "market_clock",
			Description: "Fetch the exchange clock: is_open plus the next open and close times.",
			Parameters:  json.RawMessage(emptySchema),
		},
		{
			Name:        "end_cycle",
			Description: "End this trading cycle. Call when there is nothing further to do; include a short reason.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"reason": {"type": "string"}
				}
			}`),
		},
	}
}
