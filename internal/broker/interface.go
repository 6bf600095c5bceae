package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Broker defines the interface for interacting with a brokerage. Every
// call takes a context; adapters enforce per-call timeouts above this
// layer.
type Broker interface {
	// Account operations
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)

	// Market data
	GetLatestQuote(ctx context.Context, symbol string) (*Quote, error)
	GetDailyBars(ctx context.Context, symbols []string, from, to time.Time) (map[string][]Bar, error)
	GetMarketClock(ctx context.Context) (*MarketClock, error)
	ListAssets(ctx context.Context) ([]Asset, error)

	// Order placement and introspection
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrderStatus(ctx context.Context, orderID string) (*Order, error)

	// Position closing
	CloseAllPositions(ctx context.Context, cancelOrders bool) ([]CloseResult, error)
}

// Account is the broker account snapshot surfaced to the core.
type Account struct {
	Equity           float64 `json:"equity"`
	Cash             float64 `json:"cash"`
	BuyingPower      float64 `json:"buying_power"`
	PatternDayTrader bool    `json:"pattern_day_trader"`
	TradingBlocked   bool    `json:"trading_blocked"`
}

// Position is one open broker position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPL  float64 `json:"unrealized_pl"`
	UnrealizedPct float64 `json:"unrealized_plpc"`
}

// Quote is the latest NBBO for one symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Ts     time.Time `json:"ts"`
}

// Mid returns the quote midpoint, or the surviving side when one is zero.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	if q.Ask > 0 {
		return q.Ask
	}
	return q.Bid
}

// Bar is one aggregated OHLCV bar.
type Bar struct {
	Ts     time.Time `json:"ts"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume int64     `json:"v"`
}

// MarketClock is the broker's market schedule view.
type MarketClock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// Asset is one tradable instrument from the broker's catalog.
type Asset struct {
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	Exchange     string `json:"exchange"`
	Tradable     bool   `json:"tradable"`
	Fractionable bool   `json:"fractionable"`
}

// OrderRequest describes one order submission.
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Qty           int64   `json:"qty"`
	Side          string  `json:"side"`  // buy | sell
	Type          string  `json:"type"`  // market | limit
	LimitPrice    float64 `json:"limit_price,omitempty"`
	ExtendedHours bool    `json:"extended_hours,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

// Validate rejects malformed order requests before they reach the wire.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order: symbol is required")
	}
	if r.Qty <= 0 {
		return fmt.Errorf("order: qty must be > 0, got %d", r.Qty)
	}
	if r.Side != "buy" && r.Side != "sell" {
		return fmt.Errorf("order: side must be buy or sell, got %q", r.Side)
	}
	switch r.Type {
	case "market":
	case "limit":
		if r.LimitPrice <= 0 {
			return fmt.Errorf("order: limit orders require a positive limit_price")
		}
	default:
		return fmt.Errorf("order: type must be market or limit, got %q", r.Type)
	}
	return nil
}

// Order is the broker's view of one submitted order.
type Order struct {
	ID            string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Qty           float64   `json:"qty"`
	FilledQty     float64   `json:"filled_qty"`
	FilledAvgPx   float64   `json:"filled_avg_price"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	Status        string    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Filled reports whether the order is fully filled.
func (o *Order) Filled() bool {
	return o.Status == "filled"
}

// CloseResult is the per-symbol outcome of a close-all sweep.
type CloseResult struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"order_id,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Body)
}

// IsPermanentAPIError checks if an error is a permanent API error that
// retrying cannot fix. 4xx responses are permanent except 429 and 408.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 &&
			apiErr.Status != 429 && apiErr.Status != 408
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetAccount wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) (*Account, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Account, error) { return b.GetAccount(ctx) })
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) { return b.GetPositions(ctx) })
}

// GetLatestQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) { return b.GetLatestQuote(ctx, symbol) })
}

// GetDailyBars wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetDailyBars(ctx context.Context, symbols []string, from, to time.Time) (map[string][]Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string][]Bar, error) {
		return b.GetDailyBars(ctx, symbols, from, to)
	})
}

// GetMarketClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context) (*MarketClock, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClock, error) { return b.GetMarketClock(ctx) })
}

// ListAssets wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ListAssets(ctx context.Context) ([]Asset, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Asset, error) { return b.ListAssets(ctx) })
}

// PlaceOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) { return b.PlaceOrder(ctx, req) })
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) { return b.GetOrderStatus(ctx, orderID) })
}

// CloseAllPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CloseAllPositions(ctx context.Context, cancelOrders bool) ([]CloseResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]CloseResult, error) {
		return b.CloseAllPositions(ctx, cancelOrders)
	})
}
