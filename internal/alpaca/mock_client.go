package alpaca

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient provides simulated broker state for development/testing.
// Submitted orders fill immediately; positions track fills.
type MockClient struct {
	mu        sync.RWMutex
	prices    map[string]float64
	positions map[string]*Position
	orders    map[string]*Order
	cash      float64
	rng       *rand.Rand
}

// NewMockClient creates a mock broker seeded with realistic equity prices
func NewMockClient() *MockClient {
	return &MockClient{
		prices: map[string]float64{
			"AAPL": 228.00,
			"MSFT": 425.00,
			"GOOG": 172.00,
			"AMZN": 185.00,
			"NVDA": 122.00,
			"META": 512.00,
			"TSLA": 248.00,
			"AMD":  155.00,
			"JPM":  205.00,
			"XOM":  115.00,
			"JNJ":  152.00,
			"PG":   168.00,
		},
		positions: make(map[string]*Position),
		orders:    make(map[string]*Order),
		cash:      100000,
		rng:       rand.New(rand.NewSource(42)),
	}
}

// SetPrice overrides the simulated price for a symbol
func (mc *MockClient) SetPrice(symbol string, price float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.prices[symbol] = price
}

func (mc *MockClient) price(symbol string) float64 {
	if p, ok := mc.prices[symbol]; ok {
		return p
	}
	return 100.0
}

// GetAccount returns the simulated account snapshot
func (mc *MockClient) GetAccount(ctx context.Context) (*Account, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	value := mc.cash
	for _, p := range mc.positions {
		value += p.Qty * mc.price(p.Symbol)
	}

	return &Account{
		Equity:         value,
		Cash:           mc.cash,
		BuyingPower:    mc.cash * 2,
		PortfolioValue: value,
		LastEquity:     value,
		Status:         "ACTIVE",
	}, nil
}

// GetPositions returns the simulated open positions
func (mc *MockClient) GetPositions(ctx context.Context) ([]Position, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	positions := make([]Position, 0, len(mc.positions))
	for _, p := range mc.positions {
		cur := mc.price(p.Symbol)
		cp := *p
		cp.CurrentPrice = cur
		cp.MarketValue = cur * cp.Qty
		cp.UnrealizedPL = (cur - cp.AvgEntryPrice) * cp.Qty
		if cp.CostBasis > 0 {
			cp.UnrealizedPLPct = cp.UnrealizedPL / cp.CostBasis
		}
		positions = append(positions, cp)
	}
	return positions, nil
}

// GetBars generates a deterministic random-walk daily bar series ending at
// the current simulated price.
func (mc *MockClient) GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]Bar, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	days := int(end.Sub(start).Hours() / 24)
	if days <= 0 {
		days = 1
	}

	bars := make([]Bar, 0, days)
	price := mc.price(symbol) * 0.9

	for i := 0; i < days; i++ {
		ts := start.Add(time.Duration(i) * 24 * time.Hour)
		if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
			continue
		}

		drift := 0.1 / float64(days)
		change := (mc.rng.Float64()-0.5)*0.02 + drift
		open := price
		closePrice := open * (1 + change)
		high := math.Max(open, closePrice) * (1 + mc.rng.Float64()*0.005)
		low := math.Min(open, closePrice) * (1 - mc.rng.Float64()*0.005)

		bars = append(bars, Bar{
			Timestamp: ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    1_000_000 + mc.rng.Float64()*4_000_000,
		})
		price = closePrice
	}

	return bars, nil
}

// SubmitBracketOrder records and immediately fills a simulated bracket order
func (mc *MockClient) SubmitBracketOrder(ctx context.Context, params BracketOrderParams) (*Order, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	price := mc.price(params.Symbol)
	now := time.Now()

	order := &Order{
		ID:             uuid.NewString(),
		ClientOrderID:  params.ClientOrderID,
		Symbol:         params.Symbol,
		Side:           params.Side,
		Type:           "market",
		Qty:            params.Qty,
		Status:         OrderStatusFilled,
		FilledQty:      params.Qty,
		FilledAvgPrice: price,
		SubmittedAt:    now,
		FilledAt:       &now,
	}
	mc.orders[order.ID] = order

	mc.applyFill(params.Symbol, params.Side, params.Qty, price)
	return cloneOrder(order), nil
}

func (mc *MockClient) applyFill(symbol, side string, qty, price float64) {
	if side == "buy" {
		mc.cash -= qty * price
		if pos, ok := mc.positions[symbol]; ok {
			total := pos.Qty + qty
			pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Qty + price*qty) / total
			pos.Qty = total
			pos.CostBasis = pos.AvgEntryPrice * total
			return
		}
		mc.positions[symbol] = &Position{
			Symbol:        symbol,
			Qty:           qty,
			AvgEntryPrice: price,
			CurrentPrice:  price,
			MarketValue:   qty * price,
			CostBasis:     qty * price,
			Side:          "long",
			Exchange:      "NASDAQ",
		}
		return
	}

	mc.cash += qty * price
	if pos, ok := mc.positions[symbol]; ok {
		pos.Qty -= qty
		if pos.Qty <= 0 {
			delete(mc.positions, symbol)
		}
	}
}

// GetOrderStatus returns a previously submitted simulated order
func (mc *MockClient) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	order, ok := mc.orders[orderID]
	if !ok {
		return nil, &GatewayError{Status: 404, Message: fmt.Sprintf("order %s not found", orderID)}
	}
	return cloneOrder(order), nil
}

// CancelOrder cancels a simulated order if it is not already filled
func (mc *MockClient) CancelOrder(ctx context.Context, orderID string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	order, ok := mc.orders[orderID]
	if !ok {
		return &GatewayError{Status: 404, Message: fmt.Sprintf("order %s not found", orderID)}
	}
	if order.Status == OrderStatusFilled {
		return &GatewayError{Status: 422, Message: "order already filled"}
	}
	now := time.Now()
	order.Status = OrderStatusCancelled
	order.CancelledAt = &now
	return nil
}

// ClosePosition liquidates a simulated position at the current price
func (mc *MockClient) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	pos, ok := mc.positions[symbol]
	if !ok {
		return nil, &GatewayError{Status: 404, Message: fmt.Sprintf("position does not exist for %s", symbol)}
	}

	price := mc.price(symbol)
	now := time.Now()
	order := &Order{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           "sell",
		Type:           "market",
		Qty:            pos.Qty,
		Status:         OrderStatusFilled,
		FilledQty:      pos.Qty,
		FilledAvgPrice: price,
		SubmittedAt:    now,
		FilledAt:       &now,
	}
	mc.orders[order.ID] = order

	mc.cash += pos.Qty * price
	delete(mc.positions, symbol)

	return cloneOrder(order), nil
}

func cloneOrder(o *Order) *Order {
	cp := *o
	return &cp
}
