package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	tradierProdURL    = "https://api.tradier.com/v1"
	tradierSandboxURL = "https://sandbox.tradier.com/v1"

	tradierHTTPTimeout = 30 * time.Second
)

// TradierClient implements Broker against the Tradier brokerage REST
// API. Tradier ships no Go SDK, so requests are built by hand: bearer
// auth, JSON responses, form-encoded order submission. Only the equity
// surface is used.
type TradierClient struct {
	client    *http.Client
	token     string
	accountID string
	baseURL   string
	loc       *time.Location
}

// Ensure TradierClient implements Broker at compile time.
var _ Broker = (*TradierClient)(nil)

// NewTradierClient creates a broker client for one Tradier account.
// An empty baseURL selects the production host; pass
// TradierSandboxURL() for paper accounts.
func NewTradierClient(token, accountID, baseURL string) *TradierClient {
	if baseURL == "" {
		baseURL = tradierProdURL
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
	}
	return &TradierClient{
		client:    &http.Client{Timeout: tradierHTTPTimeout},
		token:     token,
		accountID: accountID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		loc:       loc,
	}
}

// TradierSandboxURL returns the paper-trading host.
func TradierSandboxURL() string { return tradierSandboxURL }

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (t *TradierClient) WithHTTPClient(c *http.Client) *TradierClient {
	if c != nil {
		t.client = c
	}
	return t
}

// oneOrMany absorbs Tradier's habit of rendering a single result as a
// bare object and multiple results as an array under the same key.
type oneOrMany[T any] []T

func (s *oneOrMany[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type tradierQuote struct {
	Symbol  string  `json:"symbol"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Last    float64 `json:"last"`
	Volume  int64   `json:"volume"`
	BidDate int64   `json:"bid_date"`
	AskDate int64   `json:"ask_date"`
}

type tradierQuotesEnvelope struct {
	Quotes struct {
		Quote oneOrMany[tradierQuote] `json:"quote"`
	} `json:"quotes"`
}

type tradierBalancesEnvelope struct {
	Balances struct {
		TotalEquity float64 `json:"total_equity"`
		TotalCash   float64 `json:"total_cash"`
		AccountType string  `json:"account_type"`

		Margin *struct {
			StockBuyingPower float64 `json:"stock_buying_power"`
		} `json:"margin"`
		Cash *struct {
			CashAvailable float64 `json:"cash_available"`
		} `json:"cash"`
		PDT *struct {
			StockBuyingPower float64 `json:"stock_buying_power"`
		} `json:"pdt"`
	} `json:"balances"`
}

type tradierPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	CostBasis    float64 `json:"cost_basis"`
	DateAcquired string  `json:"date_acquired"`
}

// tradierPositions handles the empty case, which the API renders as the
// JSON string "null" instead of an empty collection.
type tradierPositions struct {
	Position oneOrMany[tradierPosition] `json:"position"`
}

func (p *tradierPositions) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*p = tradierPositions{}
		return nil
	}
	type alias tradierPositions
	return json.Unmarshal(trimmed, (*alias)(p))
}

type tradierPositionsEnvelope struct {
	Positions tradierPositions `json:"positions"`
}

type tradierClockEnvelope struct {
	Clock struct {
		Date       string `json:"date"`
		State      string `json:"state"`
		Timestamp  int64  `json:"timestamp"`
		NextChange string `json:"next_change"`
		NextState  string `json:"next_state"`
	} `json:"clock"`
}

type tradierHistoryEnvelope struct {
	History struct {
		Day oneOrMany[tradierHistoryDay] `json:"day"`
	} `json:"history"`
}

type tradierHistoryDay struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type tradierSecurity struct {
	Symbol      string `json:"symbol"`
	Exchange    string `json:"exchange"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type tradierSecuritiesEnvelope struct {
	Securities struct {
		Security oneOrMany[tradierSecurity] `json:"security"`
	} `json:"securities"`
}

type tradierOrder struct {
	ID           int     `json:"id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Type         string  `json:"type"`
	Status       string  `json:"status"`
	Quantity     float64 `json:"quantity"`
	ExecQuantity float64 `json:"exec_quantity"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	Price        float64 `json:"price"`
	Tag          string  `json:"tag"`
	CreateDate   string  `json:"create_date"`
}

type tradierOrderEnvelope struct {
	Order tradierOrder `json:"order"`
}

// tradierOrders gets the same "null" treatment as positions.
type tradierOrders struct {
	Order oneOrMany[tradierOrder] `json:"order"`
}

func (o *tradierOrders) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*o = tradierOrders{}
		return nil
	}
	type alias tradierOrders
	return json.Unmarshal(trimmed, (*alias)(o))
}

type tradierOrdersEnvelope struct {
	Orders tradierOrders `json:"orders"`
}

// do performs one authenticated request. Non-2xx responses surface as
// *APIError so callers can classify permanence by status code.
func (t *TradierClient) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var body io.Reader = http.NoBody
	if method == http.MethodPost && form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if method == http.MethodPost && form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 64KB cap keeps a misbehaving error payload bounded.
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return &APIError{Status: resp.StatusCode, Body: "unreadable error body"}
		}
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (t *TradierClient) accountURL(tail string) string {
	return fmt.Sprintf("%s/accounts/%s%s", t.baseURL, t.accountID, tail)
}

// GetAccount returns the current account snapshot. Tradier carries no
// trading-blocked flag, so that field is always false here.
func (t *TradierClient) GetAccount(ctx context.Context) (*Account, error) {
	var resp tradierBalancesEnvelope
	if err := t.do(ctx, http.MethodGet, t.accountURL("/balances"), nil, &resp); err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	b := resp.Balances
	acct := &Account{
		Equity:           b.TotalEquity,
		Cash:             b.TotalCash,
		PatternDayTrader: b.AccountType == "pdt",
	}
	switch {
	case b.Margin != nil:
		acct.BuyingPower = b.Margin.StockBuyingPower
	case b.PDT != nil:
		acct.BuyingPower = b.PDT.StockBuyingPower
	case b.Cash != nil:
		acct.BuyingPower = b.Cash.CashAvailable
	}
	return acct, nil
}

// rawPositions fetches positions without mark-to-market pricing.
func (t *TradierClient) rawPositions(ctx context.Context) ([]tradierPosition, error) {
	var resp tradierPositionsEnvelope
	if err := t.do(ctx, http.MethodGet, t.accountURL("/positions"), nil, &resp); err != nil {
		return nil, err
	}
	return []tradierPosition(resp.Positions.Position), nil
}

// GetPositions returns all open positions, marked to market through the
// quotes endpoint since the positions feed only carries cost basis.
func (t *TradierClient) GetPositions(ctx context.Context) ([]Position, error) {
	raw, err := t.rawPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if len(raw) == 0 {
		return []Position{}, nil
	}

	symbols := make([]string, 0, len(raw))
	for _, p := range raw {
		symbols = append(symbols, p.Symbol)
	}
	quotes, err := t.quoteMap(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("get positions: mark quotes: %w", err)
	}

	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		pos := Position{
			Symbol: p.Symbol,
			Qty:    p.Quantity,
		}
		if p.Quantity != 0 {
			pos.AvgEntryPrice = p.CostBasis / p.Quantity
		}
		if q, ok := quotes[p.Symbol]; ok && q.Last > 0 {
			pos.MarketValue = q.Last * p.Quantity
			pos.UnrealizedPL = pos.MarketValue - p.CostBasis
			if cb := math.Abs(p.CostBasis); cb > 0 {
				pos.UnrealizedPct = pos.UnrealizedPL / cb
			}
		}
		out = append(out, pos)
	}
	return out, nil
}

func (t *TradierClient) quoteMap(ctx context.Context, symbols []string) (map[string]tradierQuote, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", "false")

	var resp tradierQuotesEnvelope
	if err := t.do(ctx, http.MethodGet, t.baseURL+"/markets/quotes?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]tradierQuote, len(resp.Quotes.Quote))
	for _, q := range resp.Quotes.Quote {
		out[q.Symbol] = q
	}
	return out, nil
}

// GetLatestQuote returns the most recent NBBO quote for a symbol.
func (t *TradierClient) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	quotes, err := t.quoteMap(ctx, []string{symbol})
	if err != nil {
		return nil, fmt.Errorf("get latest quote: %w", err)
	}
	q, ok := quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("get latest quote: no quote for %s", symbol)
	}
	ts := q.BidDate
	if q.AskDate > ts {
		ts = q.AskDate
	}
	quote := &Quote{Symbol: symbol, Bid: q.Bid, Ask: q.Ask}
	if ts > 0 {
		quote.Ts = time.UnixMilli(ts).UTC()
	} else {
		quote.Ts = time.Now().UTC()
	}
	return quote, nil
}

// GetDailyBars fetches daily bars per symbol. The history endpoint takes
// one symbol per call, so batches fan out sequentially; the scanner's
// worker pool provides the parallelism.
func (t *TradierClient) GetDailyBars(ctx context.Context, symbols []string, from, to time.Time) (map[string][]Bar, error) {
	out := make(map[string][]Bar, len(symbols))
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bars, err := t.dailyHistory(ctx, sym, from, to)
		if err != nil {
			return nil, fmt.Errorf("get daily bars: %s: %w", sym, err)
		}
		out[sym] = bars
	}
	return out, nil
}

func (t *TradierClient) dailyHistory(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", "daily")
	params.Set("start", from.In(t.loc).Format("2006-01-02"))
	params.Set("end", to.In(t.loc).Format("2006-01-02"))

	var resp tradierHistoryEnvelope
	if err := t.do(ctx, http.MethodGet, t.baseURL+"/markets/history?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	bars := make([]Bar, 0, len(resp.History.Day))
	for _, d := range resp.History.Day {
		day, err := time.ParseInLocation("2006-01-02", d.Date, t.loc)
		if err != nil {
			return nil, fmt.Errorf("bad history date %q: %w", d.Date, err)
		}
		bars = append(bars, Bar{
			Ts:     day,
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: d.Volume,
		})
	}
	return bars, nil
}

// GetMarketClock returns the broker's schedule view. Tradier reports a
// state plus the next state change, so only the transition out of the
// current state can be rendered into next open/close times.
func (t *TradierClient) GetMarketClock(ctx context.Context) (*MarketClock, error) {
	var resp tradierClockEnvelope
	if err := t.do(ctx, http.MethodGet, t.baseURL+"/markets/clock?delayed=false", nil, &resp); err != nil {
		return nil, fmt.Errorf("get market clock: %w", err)
	}
	c := resp.Clock
	mc := &MarketClock{IsOpen: c.State == "open"}
	if c.Timestamp > 0 {
		mc.Timestamp = time.Unix(c.Timestamp, 0).UTC()
	}
	if change, err := time.ParseInLocation("2006-01-02 15:04", c.Date+" "+c.NextChange, t.loc); err == nil {
		if c.State == "open" {
			mc.NextClose = change
		}
		if c.NextState == "open" {
			mc.NextOpen = change
		}
	}
	return mc, nil
}

// ListAssets returns active US equities. Tradier exposes no full asset
// catalog; the easy-to-borrow list is the closest feed of live,
// liquid stocks and serves as the default scan universe.
func (t *TradierClient) ListAssets(ctx context.Context) ([]Asset, error) {
	var resp tradierSecuritiesEnvelope
	if err := t.do(ctx, http.MethodGet, t.baseURL+"/markets/etb", nil, &resp); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	out := make([]Asset, 0, len(resp.Securities.Security))
	for _, s := range resp.Securities.Security {
		if s.Type != "stock" {
			continue
		}
		out = append(out, Asset{
			Symbol:   s.Symbol,
			Name:     s.Description,
			Exchange: s.Exchange,
			Tradable: true,
		})
	}
	return out, nil
}

// PlaceOrder submits one equity order. The client order ID travels in
// Tradier's tag field, the only client-supplied label the API echoes
// back on later reads.
func (t *TradierClient) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("class", "equity")
	form.Set("symbol", req.Symbol)
	form.Set("side", req.Side)
	form.Set("quantity", strconv.FormatInt(req.Qty, 10))
	form.Set("type", req.Type)
	form.Set("duration", "day")
	if req.Type == "limit" {
		form.Set("price", strconv.FormatFloat(req.LimitPrice, 'f', 2, 64))
	}
	if req.ClientOrderID != "" {
		form.Set("tag", req.ClientOrderID)
	}

	var resp tradierOrderEnvelope
	if err := t.do(ctx, http.MethodPost, t.accountURL("/orders"), form, &resp); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	return &Order{
		ID:            strconv.Itoa(resp.Order.ID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           float64(req.Qty),
		LimitPrice:    req.LimitPrice,
		Status:        normalizeTradierStatus(resp.Order.Status),
		SubmittedAt:   time.Now().UTC(),
	}, nil
}

// GetOrderStatus fetches the current state of a submitted order.
func (t *TradierClient) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	var resp tradierOrderEnvelope
	endpoint := t.accountURL("/orders/"+url.PathEscape(orderID)) + "?includeTags=true"
	if err := t.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("get order status: %w", err)
	}
	return convertTradierOrder(resp.Order), nil
}

// CloseAllPositions liquidates every open position with market orders,
// optionally cancelling working orders first. Tradier has no close-all
// endpoint, so the sweep runs client-side; per-position failures are
// reported in the results rather than aborting the sweep.
func (t *TradierClient) CloseAllPositions(ctx context.Context, cancelOrders bool) ([]CloseResult, error) {
	var results []CloseResult
	if cancelOrders {
		results = append(results, t.cancelOpenOrders(ctx)...)
	}

	raw, err := t.rawPositions(ctx)
	if err != nil {
		return results, fmt.Errorf("close all positions: %w", err)
	}
	for _, p := range raw {
		qty := int64(math.Round(math.Abs(p.Quantity)))
		if qty == 0 {
			results = append(results, CloseResult{
				Symbol: p.Symbol,
				Status: "skipped",
				Error:  fmt.Sprintf("fractional residue %.4f", p.Quantity),
			})
			continue
		}
		side := "sell"
		if p.Quantity < 0 {
			side = "buy"
		}
		order, err := t.PlaceOrder(ctx, OrderRequest{
			Symbol: p.Symbol,
			Qty:    qty,
			Side:   side,
			Type:   "market",
		})
		if err != nil {
			results = append(results, CloseResult{Symbol: p.Symbol, Status: "failed", Error: err.Error()})
			continue
		}
		results = append(results, CloseResult{Symbol: p.Symbol, OrderID: order.ID, Status: order.Status})
	}
	if results == nil {
		results = []CloseResult{}
	}
	return results, nil
}

// cancelOpenOrders cancels every working order, reporting failures as
// per-order results so the position sweep still runs.
func (t *TradierClient) cancelOpenOrders(ctx context.Context) []CloseResult {
	var resp tradierOrdersEnvelope
	if err := t.do(ctx, http.MethodGet, t.accountURL("/orders"), nil, &resp); err != nil {
		return []CloseResult{{Status: "cancel_failed", Error: fmt.Sprintf("list orders: %v", err)}}
	}
	var results []CloseResult
	for _, o := range resp.Orders.Order {
		if !tradierOrderWorking(o.Status) {
			continue
		}
		endpoint := t.accountURL("/orders/" + strconv.Itoa(o.ID))
		if err := t.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
			results = append(results, CloseResult{
				Symbol:  o.Symbol,
				OrderID: strconv.Itoa(o.ID),
				Status:  "cancel_failed",
				Error:   err.Error(),
			})
		}
	}
	return results
}

func tradierOrderWorking(status string) bool {
	switch status {
	case "open", "pending", "partially_filled", "calculated", "accepted_for_bidding":
		return true
	}
	return false
}

// normalizeTradierStatus maps the submission ack "ok" onto the order
// status vocabulary the rest of the system uses.
func normalizeTradierStatus(status string) string {
	if status == "ok" || status == "" {
		return "accepted"
	}
	return status
}

func convertTradierOrder(o tradierOrder) *Order {
	ord := &Order{
		ID:            strconv.Itoa(o.ID),
		ClientOrderID: o.Tag,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Qty:           o.Quantity,
		FilledQty:     o.ExecQuantity,
		FilledAvgPx:   o.AvgFillPrice,
		LimitPrice:    o.Price,
		Status:        o.Status,
	}
	if ts, err := time.Parse(time.RFC3339, o.CreateDate); err == nil {
		ord.SubmittedAt = ts
	}
	return ord
}
