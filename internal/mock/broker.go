// Package mock provides a synthetic in-memory broker for offline runs
// of the integration harness and local experiments. Prices follow a
// random walk, orders fill instantly at the midpoint, and the account
// ledger tracks cash and positions across fills.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/broker"
)

// Compile-time check that the synthetic broker satisfies the interface.
var _ broker.Broker = (*Broker)(nil)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return n / 2
	}
	return r.Int64()
}

// basePrices seeds the walk at plausible levels for common symbols.
var basePrices = map[string]float64{
	"SPY":  560,
	"QQQ":  480,
	"AAPL": 230,
	"MSFT": 420,
	"NVDA": 130,
	"AMD":  155,
	"TSLA": 250,
	"META": 510,
	"AMZN": 185,
	"GOOG": 170,
}

type position struct {
	qty      float64
	avgEntry float64
}

// Broker is a self-contained paper market. Safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	loc       *time.Location
	cash      float64
	prices    map[string]float64
	positions map[string]*position
	orders    map[string]*broker.Order
	nextID    int
}

// NewBroker creates a synthetic broker funded with startingCash.
func NewBroker(startingCash float64) *Broker {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
	}
	return &Broker{
		loc:       loc,
		cash:      startingCash,
		prices:    make(map[string]float64),
		positions: make(map[string]*position),
		orders:    make(map[string]*broker.Order),
		nextID:    1,
	}
}

// price returns the current walk level for a symbol, seeding unknown
// symbols in a mid-cap range. Callers must hold mu.
func (b *Broker) price(symbol string) float64 {
	p, ok := b.prices[symbol]
	if !ok {
		if base, seeded := basePrices[symbol]; seeded {
			p = base + (secureFloat64()-0.5)*base*0.02
		} else {
			p = 20 + secureFloat64()*180
		}
		b.prices[symbol] = p
	}
	return p
}

// step advances the walk one tick. Callers must hold mu.
func (b *Broker) step(symbol string) float64 {
	p := b.price(symbol)
	p += (secureFloat64() - 0.5) * 2
	if p < 1 {
		p = 1
	}
	b.prices[symbol] = p
	return p
}

// GetAccount reports cash plus the marked value of open positions.
func (b *Broker) GetAccount(ctx context.Context) (*broker.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for sym, pos := range b.positions {
		equity += pos.qty * b.price(sym)
	}
	return &broker.Account{
		Equity:      equity,
		Cash:        b.cash,
		BuyingPower: b.cash * 2,
	}, nil
}

// GetPositions returns open positions sorted by symbol.
func (b *Broker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	symbols := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	out := make([]broker.Position, 0, len(symbols))
	for _, sym := range symbols {
		pos := b.positions[sym]
		mark := b.price(sym)
		costBasis := pos.qty * pos.avgEntry
		p := broker.Position{
			Symbol:        sym,
			Qty:           pos.qty,
			AvgEntryPrice: pos.avgEntry,
			MarketValue:   pos.qty * mark,
			UnrealizedPL:  pos.qty * (mark - pos.avgEntry),
		}
		if costBasis != 0 {
			p.UnrealizedPct = p.UnrealizedPL / costBasis
		}
		out = append(out, p)
	}
	return out, nil
}

// GetLatestQuote advances the walk and quotes a 2 cent spread around it.
func (b *Broker) GetLatestQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mid := b.step(symbol)
	spread := 0.02
	return &broker.Quote{
		Symbol: symbol,
		Bid:    mid - spread/2,
		Ask:    mid + spread/2,
		Ts:     time.Now().UTC(),
	}, nil
}

// GetDailyBars synthesizes one bar per weekday in [from, to], walking
// each session a few percent off the prior close.
func (b *Broker) GetDailyBars(ctx context.Context, symbols []string, from, to time.Time) (map[string][]broker.Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string][]broker.Bar, len(symbols))
	for _, sym := range symbols {
		level := b.price(sym)
		var bars []broker.Bar
		day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, b.loc)
		end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, b.loc)
		for !day.After(end) {
			if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
				dayOpen := level
				dayClose := dayOpen * (1 + (secureFloat64()-0.5)*0.04)
				if dayClose < 1 {
					dayClose = 1
				}
				high := dayOpen
				if dayClose > high {
					high = dayClose
				}
				low := dayOpen
				if dayClose < low {
					low = dayClose
				}
				bars = append(bars, broker.Bar{
					Ts:     day,
					Open:   dayOpen,
					High:   high * 1.005,
					Low:    low * 0.995,
					Close:  dayClose,
					Volume: 1_000_000 + secureInt63n(9_000_000),
				})
				level = dayClose
			}
			day = day.AddDate(0, 0, 1)
		}
		out[sym] = bars
	}
	return out, nil
}

// GetMarketClock derives the session from wall time: weekdays 09:30 to
// 16:00 eastern count as open.
func (b *Broker) GetMarketClock(ctx context.Context) (*broker.MarketClock, error) {
	now := time.Now().In(b.loc)

	openAt := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, b.loc)
	closeAt := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, b.loc)
	weekday := now.Weekday() != time.Saturday && now.Weekday() != time.Sunday
	isOpen := weekday && !now.Before(openAt) && now.Before(closeAt)

	nextOpen := openAt
	for !nextOpen.After(now) || nextOpen.Weekday() == time.Saturday || nextOpen.Weekday() == time.Sunday {
		nextOpen = nextOpen.AddDate(0, 0, 1)
	}
	nextClose := closeAt
	if !isOpen {
		nextClose = time.Date(nextOpen.Year(), nextOpen.Month(), nextOpen.Day(), 16, 0, 0, 0, b.loc)
	}

	return &broker.MarketClock{
		Timestamp: now.UTC(),
		IsOpen:    isOpen,
		NextOpen:  nextOpen,
		NextClose: nextClose,
	}, nil
}

// ListAssets returns the seeded symbol table.
func (b *Broker) ListAssets(ctx context.Context) ([]broker.Asset, error) {
	symbols := make([]string, 0, len(basePrices))
	for sym := range basePrices {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	out := make([]broker.Asset, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, broker.Asset{
			Symbol:   sym,
			Name:     sym + " (synthetic)",
			Exchange: "MOCK",
			Tradable: true,
		})
	}
	return out, nil
}

// PlaceOrder fills immediately at the current walk level and applies
// the fill to the cash and position ledger.
func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	px := b.step(req.Symbol)
	if req.Type == "limit" {
		px = req.LimitPrice
	}
	qty := float64(req.Qty)

	if req.Side == "buy" && qty*px > b.cash*2 {
		return nil, &broker.APIError{Status: 403, Body: fmt.Sprintf("insufficient buying power for %s x%d", req.Symbol, req.Qty)}
	}

	signed := qty
	if req.Side == "sell" {
		signed = -qty
	}
	pos, ok := b.positions[req.Symbol]
	if !ok {
		pos = &position{}
		b.positions[req.Symbol] = pos
	}
	newQty := pos.qty + signed
	switch {
	case newQty == 0:
		delete(b.positions, req.Symbol)
	case pos.qty == 0 || (pos.qty > 0) != (newQty > 0):
		// Opening or flipping starts the position at the fill price
		pos.qty = newQty
		pos.avgEntry = px
	case (signed > 0) == (pos.qty > 0):
		// Adding reweights the entry
		pos.avgEntry = (pos.avgEntry*pos.qty + px*signed) / newQty
		pos.qty = newQty
	default:
		// Partial reduce keeps the entry
		pos.qty = newQty
	}
	b.cash -= signed * px

	id := strconv.Itoa(b.nextID)
	b.nextID++
	order := &broker.Order{
		ID:            id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           qty,
		FilledQty:     qty,
		FilledAvgPx:   px,
		LimitPrice:    req.LimitPrice,
		Status:        "filled",
		SubmittedAt:   time.Now().UTC(),
	}
	b.orders[id] = order
	clone := *order
	return &clone, nil
}

// GetOrderStatus returns a previously placed order.
func (b *Broker) GetOrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: fmt.Sprintf("order %s not found", orderID)}
	}
	clone := *order
	return &clone, nil
}

// CloseAllPositions flattens the ledger with synthetic market orders.
func (b *Broker) CloseAllPositions(ctx context.Context, cancelOrders bool) ([]broker.CloseResult, error) {
	b.mu.Lock()
	symbols := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	plan := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		plan[sym] = b.positions[sym].qty
	}
	b.mu.Unlock()

	results := make([]broker.CloseResult, 0, len(symbols))
	for _, sym := range symbols {
		qty := plan[sym]
		side := "sell"
		if qty < 0 {
			side = "buy"
			qty = -qty
		}
		order, err := b.PlaceOrder(ctx, broker.OrderRequest{
			Symbol: sym,
			Qty:    int64(qty),
			Side:   side,
			Type:   "market",
		})
		if err != nil {
			results = append(results, broker.CloseResult{Symbol: sym, Status: "failed", Error: err.Error()})
			continue
		}
		results = append(results, broker.CloseResult{Symbol: sym, OrderID: order.ID, Status: order.Status})
	}
	return results, nil
}
