// Package tools implements the named capabilities the reasoner may
// call: account and market data reads, order placement, indicator
// computation, and the end_cycle control tool. Every broker-backed call
// runs through the retry client with a per-class timeout; results are
// JSON payloads appended to the agent transcript.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/agent"
	"github.com/eddiefleurent/stamford_momentum/internal/broker"
	"github.com/eddiefleurent/stamford_momentum/internal/models"
	"github.com/eddiefleurent/stamford_momentum/internal/retry"
)

const (
	// dataTimeout bounds read-only calls.
	dataTimeout = 30 * time.Second
	// tradeTimeout bounds order placement and close sweeps.
	tradeTimeout = 60 * time.Second

	// defaultIndicatorPeriod is the RSI/ATR lookback.
	defaultIndicatorPeriod = 14
)

// OrderIDFunc produces a client order ID for one submission. Wired by
// the orchestrator so IDs stay deterministic per cycle.
type OrderIDFunc func(symbol, side string) string

// Toolset is the production Dispatcher. Build one per cycle; it holds
// no state beyond its collaborators.
type Toolset struct {
	broker   broker.Broker
	retryCfg retry.Config
	logger   *log.Logger
	orderID  OrderIDFunc
}

var _ agent.Dispatcher = (*Toolset)(nil)

// New builds a toolset over the given broker. orderID may be nil, in
// which case submissions go out without a client order ID.
func New(b broker.Broker, retryCfg retry.Config, logger *log.Logger, orderID OrderIDFunc) (*Toolset, error) {
	if b == nil {
		return nil, fmt.Errorf("toolset broker cannot be nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Toolset{broker: b, retryCfg: retryCfg, logger: logger, orderID: orderID}, nil
}

// Probe verifies the account and clock capabilities respond. The
// orchestrator runs this once at startup before entering the loop.
func (ts *Toolset) Probe(ctx context.Context) error {
	if res := ts.Dispatch(ctx, agent.ToolCall{Name: "get_account"}); res.IsError {
		return fmt.Errorf("get_account probe: %s", res.Content)
	}
	if res := ts.Dispatch(ctx, agent.ToolCall{Name: "market_clock"}); res.IsError {
		return fmt.Errorf("market_clock probe: %s", res.Content)
	}
	return nil
}

// Dispatch executes one tool call synchronously. Errors come back as
// error results for the reasoner to react to; only credential-class
// failures are marked fatal.
func (ts *Toolset) Dispatch(ctx context.Context, call agent.ToolCall) agent.ToolResult {
	res := agent.ToolResult{CallID: call.ID, Name: call.Name}

	switch call.Name {
	case "get_account":
		ts.getAccount(ctx, &res)
	case "get_positions":
		ts.getPositions(ctx, &res)
	case "get_latest_quote":
		ts.getLatestQuote(ctx, call.Args, &res)
	case "get_daily_bars":
		ts.getDailyBars(ctx, call.Args, &res)
	case "place_order":
		ts.placeOrder(ctx, call.Args, &res)
	case "get_order_status":
		ts.getOrderStatus(ctx, call.Args, &res)
	case "close_all_positions":
		ts.closeAllPositions(ctx, call.Args, &res)
	case "compute_indicators":
		ts.computeIndicators(ctx, call.Args, &res)
	case "market_clock":
		ts.marketClock(ctx, &res)
	case "end_cycle":
		ts.endCycle(call.Args, &res)
	default:
		res.IsError = true
		res.Content = fmt.Sprintf("unknown tool %q", call.Name)
	}
	return res
}

func (ts *Toolset) getAccount(ctx context.Context, res *agent.ToolResult) {
	acct, err := retry.DoWithConfig(ctx, ts.cfg(dataTimeout), ts.logger, "get_account",
		func(c context.Context) (*broker.Account, error) { return ts.broker.GetAccount(c) })
	ts.finish(res, acct, err)
}

func (ts *Toolset) getPositions(ctx context.Context, res *agent.ToolResult) {
	positions, err := retry.DoWithConfig(ctx, ts.cfg(dataTimeout), ts.logger, "get_positions",
		func(c context.Context) ([]broker.Position, error) { return ts.broker.GetPositions(c) })
	if positions == nil && err == nil {
		positions = []broker.Position{}
	}
	ts.finish(res, positions, err)
}

func (ts *Toolset) getLatestQuote(ctx context.Context, args json.RawMessage, res *agent.ToolResult) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := parseArgs(args, &req); err != nil {
		fail(res, err)
		return
	}
	if req.Symbol == "" {
		fail(res, fmt.Errorf("get_latest_quote: symbol is required"))
		return
	}
	quote, err := retry.DoWithConfig(ctx, ts.cfg(dataTimeout), ts.logger, "get_latest_quote",
		func(c context.Context) (*broker.Quote, error) { return ts.broker.GetLatestQuote(c, req.Symbol) })
	ts.finish(res, quote, err)
}

func (ts *Toolset) getDailyBars(ctx context.Context, args json.RawMessage, res *agent.ToolResult) {
	var req struct {
		Symbols []string `json:"symbols"`
		From    string   `json:"from"`
		To      string   `json:"to"`
	}
	if err := parseArgs(args, &req); err != nil {
		fail(res, err)
		return
	}
	if len(req.Symbols) == 0 {
		fail(res, fmt.Errorf("get_daily_bars: symbols is required"))
		return
	}
	from, err := time.Parse("2006-01-02", req.From)
	if err != nil {
		fail(res, fmt.Errorf("get_daily_bars: bad from date %q", req.From))
		return
	}
	to, err := time.Parse("2006-01-02", req.To)
	if err != nil {
		fail(res, fmt.Errorf("get_daily_bars: bad to date %q", req.To))
		return
	}
	bars, err := retry.DoWithConfig(ctx, ts.cfg(dataTimeout), ts.logger, "get_daily_bars",
		func(c context.Context) (map[string][]broker.Bar, error) {
			return ts.broker.GetDailyBars(c, req.Symbols, from, to)
		})
	ts.finish(res, bars, err)
}

func (ts *Toolset) placeOrder(ctx context.Context, args json.RawMessage, res *agent.ToolResult) {
	var req broker.OrderRequest
	if err := parseArgs(args, &req); err != nil {
		fail(res, err)
		return
	}
	// The reasoner never picks its own IDs; idempotency depends on ours.
	req.ClientOrderID = ""
	if ts.orderID != nil {
		req.ClientOrderID = ts.orderID(req.Symbol, req.Side)
	}
	if err := req.Validate(); err != nil {
		fail(res, err)
		return
	}

	order, err := retry.DoWithConfig(ctx, ts.cfg(tradeTimeout), ts.logger, "place_order",
		func(c context.Context) (*broker.Order, error) { return ts.broker.PlaceOrder(c, req) })
	if err != nil {
		fail(res, err)
		return
	}

	res.Orders = append(res.Orders, orderEvent(order))
	ts.finish(res, struct {
		OrderID       string  `json:"order_id"`
		ClientOrderID string  `json:"client_order_id,omitempty"`
		Status        string  `json:"status"`
		FilledQty     float64 `json:"filled_qty"`
		FilledAvgPx   float64 `json:"filled_avg_price"`
	}{order.ID, order.ClientOrderID, order.Status, order.FilledQty, order.FilledAvgPx}, nil)
}

func (ts *Toolset) getOrderStatus(ctx context.Context, args json.RawMessage, res *agent.ToolResult) {
	var req struct {
		OrderID string `json:"order_id"`
	}
	if err := parseArgs(args, &req); err != nil {
		fail(res, err)
		return
	}
	if req.OrderID == "" {
		fail(res, fmt.Errorf("get_order_status: order_id is required"))
		return
	}
	order, err := retry.DoWithConfig(ctx, ts.cfg(dataTimeout), ts.logger, "get_order_status",
		func(c context.Context) (*broker.Order, error) { return ts.broker.GetOrderStatus(c, req.OrderID) })
	if err != nil {
		fail(res, err)
		return
	}
	res.Orders = append(res.Orders, orderEvent(order))
	ts.finish(res, order, nil)
}

func (ts *Toolset) closeAllPositions(ctx context.Context, args json.RawMessage, res *agent.ToolResult) {
	var req struct {
		CancelOrders bool `json:"cancel_orders"`
	}
	if err := parseArgs(args, &req); err != nil {
		fail(res, err)
		return
	}
	results, err := retry.DoWithConfig(ctx, ts.cfg(tradeTimeout), ts.logger, "close_all_positions",
		func(c context.Context) ([]broker.CloseResult, error) {
			return ts.broker.CloseAllPositions(c, req.CancelOrders)
		})
	if err != nil {
		fail(res, err)
		return
	}
	now := time.Now().UTC()
	for _, r := range results {
		if r.OrderID == "" {
			continue
		}
		res.Orders = append(res.Orders, models.OrderEvent{
			OrderID: r.OrderID,
			Symbol:  r.Symbol,
			Type:    "market",
			Status:  r.Status,
			At:      now,
		})
	}
	if results == nil {
		results = []broker.CloseResult{}
	}
	ts.finish(res, results, nil)
}

func (ts *Toolset) computeIndicators(ctx context.Context, args json.RawMessage, res *agent.ToolResult) {
	var req struct {
		Symbol string `json:"symbol"`
		Window int    `json:"window"`
	}
	if err := parseArgs(args, &req); err != nil {
		fail(res, err)
		return
	}
	if req.Symbol == "" {
		fail(res, fmt.Errorf("compute_indicators: symbol is required"))
		return
	}
	if req.Window <= 0 {
		req.Window = 20
	}

	// Enough daily bars to warm both the window average and the Wilder
	// smoothing.
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -(2*req.Window + 40))
	bars, err := retry.DoWithConfig(ctx, ts.cfg(dataTimeout), ts.logger, "compute_indicators",
		func(c context.Context) (map[string][]broker.Bar, error) {
			return ts.broker.GetDailyBars(c, []string{req.Symbol}, from, to)
		})
	if err != nil {
		fail(res, err)
		return
	}
	blob, err := IndicatorBlob(bars[req.Symbol], req.Window)
	if err != nil {
		fail(res, err)
		return
	}
	res.Content = string(blob)
}

func (ts *Toolset) marketClock(ctx context.Context, res *agent.ToolResult) {
	mc, err := retry.DoWithConfig(ctx, ts.cfg(dataTimeout), ts.logger, "market_clock",
		func(c context.Context) (*broker.MarketClock, error) { return ts.broker.GetMarketClock(c) })
	ts.finish(res, mc, err)
}

func (ts *Toolset) endCycle(args json.RawMessage, res *agent.ToolResult) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Malformed args still end the cycle; the signal matters more than
	// the note.
	_ = parseArgs(args, &req)
	if req.Reason == "" {
		req.Reason = "cycle ended"
	}
	res.Terminal = true
	res.Content = req.Reason
}

// cfg returns the retry config with the per-class timeout applied.
func (ts *Toolset) cfg(timeout time.Duration) retry.Config {
	c := ts.retryCfg
	c.Timeout = timeout
	return c
}

// finish marshals payload into the result, or records the error.
func (ts *Toolset) finish(res *agent.ToolResult, payload any, err error) {
	if err != nil {
		fail(res, err)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		fail(res, fmt.Errorf("encoding %s response: %w", res.Name, err))
		return
	}
	res.Content = string(data)
}

// fail records err on the result, marking credential failures fatal.
func fail(res *agent.ToolResult, err error) {
	res.IsError = true
	res.Content = err.Error()

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) && (apiErr.Status == 401 || apiErr.Status == 403) {
		res.Fatal = true
	}
}

func parseArgs(args json.RawMessage, dst any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return fmt.Errorf("parsing tool arguments: %w", err)
	}
	return nil
}

func orderEvent(o *broker.Order) models.OrderEvent {
	ev := models.OrderEvent{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Qty:           o.Qty,
		Type:          o.Type,
		LimitPrice:    o.LimitPrice,
		FilledQty:     o.FilledQty,
		FilledAvgPx:   o.FilledAvgPx,
		Status:        o.Status,
		At:            o.SubmittedAt,
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}
