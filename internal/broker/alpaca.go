package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// AlpacaClient implements Broker on top of the Alpaca trading and market
// data APIs.
type AlpacaClient struct {
	tradeClient *alpaca.Client
	mdClient    *marketdata.Client
}

// Ensure AlpacaClient implements Broker at compile time.
var _ Broker = (*AlpacaClient)(nil)

// NewAlpacaClient creates a broker client against the given endpoints.
// baseURL selects paper or live trading; dataURL may be empty for the
// SDK default market data host.
func NewAlpacaClient(apiKey, apiSecret, baseURL, dataURL string) *AlpacaClient {
	return &AlpacaClient{
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   dataURL,
		}),
	}
}

// callCtx runs fn on its own goroutine so a cancelled context stops the
// wait. The SDK call itself is allowed to finish in the background, which
// matches the rule that in-flight broker calls complete.
func callCtx[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// translateErr lifts SDK errors into the package error type so callers
// can classify permanence by status code.
func translateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, &APIError{Status: apiErr.StatusCode, Body: apiErr.Message})
	}
	return fmt.Errorf("%s: %w", op, err)
}

func derefDecimal(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}

// GetAccount returns the current account snapshot.
func (a *AlpacaClient) GetAccount(ctx context.Context) (*Account, error) {
	acct, err := callCtx(ctx, a.tradeClient.GetAccount)
	if err != nil {
		return nil, translateErr("get account", err)
	}
	return &Account{
		Equity:           acct.Equity.InexactFloat64(),
		Cash:             acct.Cash.InexactFloat64(),
		BuyingPower:      acct.BuyingPower.InexactFloat64(),
		PatternDayTrader: acct.PatternDayTrader,
		TradingBlocked:   acct.TradingBlocked,
	}, nil
}

// GetPositions returns all open positions.
func (a *AlpacaClient) GetPositions(ctx context.Context) ([]Position, error) {
	positions, err := callCtx(ctx, a.tradeClient.GetPositions)
	if err != nil {
		return nil, translateErr("get positions", err)
	}
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			MarketValue:   derefDecimal(p.MarketValue),
			UnrealizedPL:  derefDecimal(p.UnrealizedPL),
			UnrealizedPct: derefDecimal(p.UnrealizedPLPC),
		})
	}
	return out, nil
}

// GetLatestQuote returns the most recent NBBO quote for a symbol.
func (a *AlpacaClient) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	q, err := callCtx(ctx, func() (*marketdata.Quote, error) {
		return a.mdClient.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	})
	if err != nil {
		return nil, translateErr("get latest quote", err)
	}
	if q == nil {
		return nil, fmt.Errorf("get latest quote: no quote for %s", symbol)
	}
	return &Quote{
		Symbol: symbol,
		Bid:    q.BidPrice,
		Ask:    q.AskPrice,
		Ts:     q.Timestamp,
	}, nil
}

// GetDailyBars fetches split-adjusted daily bars for a batch of symbols.
func (a *AlpacaClient) GetDailyBars(ctx context.Context, symbols []string, from, to time.Time) (map[string][]Bar, error) {
	if len(symbols) == 0 {
		return map[string][]Bar{}, nil
	}
	raw, err := callCtx(ctx, func() (map[string][]marketdata.Bar, error) {
		return a.mdClient.GetMultiBars(symbols, marketdata.GetBarsRequest{
			TimeFrame:  marketdata.OneDay,
			Adjustment: marketdata.Split,
			Start:      from,
			End:        to,
		})
	})
	if err != nil {
		return nil, translateErr("get daily bars", err)
	}
	out := make(map[string][]Bar, len(raw))
	for sym, bars := range raw {
		converted := make([]Bar, 0, len(bars))
		for _, b := range bars {
			converted = append(converted, Bar{
				Ts:     b.Timestamp,
				Open:   b.Open,
				High:   b.High,
				Low:    b.Low,
				Close:  b.Close,
				Volume: int64(b.Volume),
			})
		}
		out[sym] = converted
	}
	return out, nil
}

// GetMarketClock returns the broker's schedule view, the authority for
// holidays and early closes.
func (a *AlpacaClient) GetMarketClock(ctx context.Context) (*MarketClock, error) {
	clk, err := callCtx(ctx, a.tradeClient.GetClock)
	if err != nil {
		return nil, translateErr("get market clock", err)
	}
	return &MarketClock{
		Timestamp: clk.Timestamp,
		IsOpen:    clk.IsOpen,
		NextOpen:  clk.NextOpen,
		NextClose: clk.NextClose,
	}, nil
}

// ListAssets returns active, tradable US equities.
func (a *AlpacaClient) ListAssets(ctx context.Context) ([]Asset, error) {
	assets, err := callCtx(ctx, func() ([]alpaca.Asset, error) {
		return a.tradeClient.GetAssets(alpaca.GetAssetsRequest{
			Status:     "active",
			AssetClass: "us_equity",
		})
	})
	if err != nil {
		return nil, translateErr("list assets", err)
	}
	out := make([]Asset, 0, len(assets))
	for _, as := range assets {
		if !as.Tradable {
			continue
		}
		out = append(out, Asset{
			Symbol:       as.Symbol,
			Name:         as.Name,
			Exchange:     as.Exchange,
			Tradable:     as.Tradable,
			Fractionable: as.Fractionable,
		})
	}
	return out, nil
}

// PlaceOrder submits one order. Quantities are whole shares; limit
// prices are forwarded as-is.
func (a *AlpacaClient) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	qty := decimal.NewFromInt(req.Qty)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.Day,
		ExtendedHours: req.ExtendedHours,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == "limit" {
		limit := decimal.NewFromFloat(req.LimitPrice)
		placeReq.LimitPrice = &limit
	}
	o, err := callCtx(ctx, func() (*alpaca.Order, error) {
		return a.tradeClient.PlaceOrder(placeReq)
	})
	if err != nil {
		return nil, translateErr("place order", err)
	}
	return convertOrder(o), nil
}

// GetOrderStatus fetches the current state of a submitted order.
func (a *AlpacaClient) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	o, err := callCtx(ctx, func() (*alpaca.Order, error) {
		return a.tradeClient.GetOrder(orderID)
	})
	if err != nil {
		return nil, translateErr("get order status", err)
	}
	return convertOrder(o), nil
}

// CloseAllPositions liquidates every open position, optionally cancelling
// working orders first.
func (a *AlpacaClient) CloseAllPositions(ctx context.Context, cancelOrders bool) ([]CloseResult, error) {
	orders, err := callCtx(ctx, func() ([]alpaca.Order, error) {
		return a.tradeClient.CloseAllPositions(alpaca.CloseAllPositionsRequest{
			CancelOrders: cancelOrders,
		})
	})
	if err != nil {
		return nil, translateErr("close all positions", err)
	}
	out := make([]CloseResult, 0, len(orders))
	for i := range orders {
		o := &orders[i]
		out = append(out, CloseResult{
			Symbol:  o.Symbol,
			OrderID: o.ID,
			Status:  string(o.Status),
		})
	}
	return out, nil
}

func convertOrder(o *alpaca.Order) *Order {
	if o == nil {
		return nil
	}
	return &Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Qty:           derefDecimal(o.Qty),
		FilledQty:     o.FilledQty.InexactFloat64(),
		FilledAvgPx:   derefDecimal(o.FilledAvgPrice),
		LimitPrice:    derefDecimal(o.LimitPrice),
		Status:        string(o.Status),
		SubmittedAt:   o.CreatedAt,
	}
}
