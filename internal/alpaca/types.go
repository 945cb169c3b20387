package alpaca

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrAccountNotConnected indicates the user has no active brokerage
// credentials. Callers skip the user for the current cycle.
var ErrAccountNotConnected = errors.New("no connected brokerage account")

// GatewayError represents a non-2xx response from the broker API
type GatewayError struct {
	Status  int
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("broker API error (HTTP %d, code %d): %s", e.Status, e.Code, e.Message)
}

// MalformedResponseError indicates the broker returned a payload whose
// fields could not be decoded into the expected types. Surfaced instead of
// letting NaN propagate into trading math.
type MalformedResponseError struct {
	Field string
	Value string
	Err   error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed broker response: field %q value %q: %v", e.Field, e.Value, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// decimal is a numeric value the broker serializes as a JSON string
// (e.g. "150.2500"). It is decoded explicitly so parse failures surface
// as MalformedResponseError at the gateway boundary.
func parseDecimal(field, value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &MalformedResponseError{Field: field, Value: value, Err: err}
	}
	return f, nil
}

// Account is the parsed broker account snapshot
type Account struct {
	Equity         float64
	Cash           float64
	BuyingPower    float64
	PortfolioValue float64
	LastEquity     float64
	Status         string
}

// Position is a parsed open broker position
type Position struct {
	Symbol          string
	Qty             float64
	AvgEntryPrice   float64
	CurrentPrice    float64
	MarketValue     float64
	CostBasis       float64
	UnrealizedPL    float64
	UnrealizedPLPct float64
	Side            string
	Exchange        string
}

// Bar is one OHLCV observation for a fixed time window
type Bar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

// Order statuses as normalized from the broker. The broker spells
// "canceled" with one l; the normalized form matches local persistence.
const (
	OrderStatusNew             = "pending"
	OrderStatusAccepted        = "accepted"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
	OrderStatusExpired         = "expired"
)

// NormalizeOrderStatus maps broker status strings onto the local set
func NormalizeOrderStatus(s string) string {
	switch s {
	case "new", "pending_new":
		return OrderStatusNew
	case "canceled":
		return OrderStatusCancelled
	case "accepted", "partially_filled", "filled", "rejected", "expired":
		return s
	default:
		return s
	}
}

// Order is the parsed broker order state. The broker copy is
// authoritative; local rows are a cache refreshed by reconciliation.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           string
	Type           string
	Qty            float64
	LimitPrice     float64
	StopPrice      float64
	Status         string
	FilledQty      float64
	FilledAvgPrice float64
	SubmittedAt    time.Time
	FilledAt       *time.Time
	CancelledAt    *time.Time
}

// BracketOrderParams describes a primary order with linked take-profit and
// stop-loss legs submitted as one unit.
type BracketOrderParams struct {
	Symbol        string
	Qty           float64
	Side          string // "buy" or "sell"
	TakeProfit    float64
	StopLoss      float64
	TimeInForce   string // "day" or "gtc"
	ClientOrderID string
}

// Wire shapes: broker JSON with string-typed numeric fields, decoded into
// the parsed value types above.

type rawAccount struct {
	Equity         string `json:"equity"`
	Cash           string `json:"cash"`
	BuyingPower    string `json:"buying_power"`
	PortfolioValue string `json:"portfolio_value"`
	LastEquity     string `json:"last_equity"`
	Status         string `json:"status"`
}

func (r *rawAccount) parse() (*Account, error) {
	a := &Account{Status: r.Status}
	var err error
	if a.Equity, err = parseDecimal("equity", r.Equity); err != nil {
		return nil, err
	}
	if a.Cash, err = parseDecimal("cash", r.Cash); err != nil {
		return nil, err
	}
	if a.BuyingPower, err = parseDecimal("buying_power", r.BuyingPower); err != nil {
		return nil, err
	}
	if a.PortfolioValue, err = parseDecimal("portfolio_value", r.PortfolioValue); err != nil {
		return nil, err
	}
	if a.LastEquity, err = parseDecimal("last_equity", r.LastEquity); err != nil {
		return nil, err
	}
	return a, nil
}

type rawPosition struct {
	Symbol          string `json:"symbol"`
	Qty             string `json:"qty"`
	AvgEntryPrice   string `json:"avg_entry_price"`
	CurrentPrice    string `json:"current_price"`
	MarketValue     string `json:"market_value"`
	CostBasis       string `json:"cost_basis"`
	UnrealizedPL    string `json:"unrealized_pl"`
	UnrealizedPLPct string `json:"unrealized_plpc"`
	Side            string `json:"side"`
	Exchange        string `json:"exchange"`
}

func (r *rawPosition) parse() (*Position, error) {
	p := &Position{Symbol: r.Symbol, Side: r.Side, Exchange: r.Exchange}
	var err error
	if p.Qty, err = parseDecimal("qty", r.Qty); err != nil {
		return nil, err
	}
	if p.AvgEntryPrice, err = parseDecimal("avg_entry_price", r.AvgEntryPrice); err != nil {
		return nil, err
	}
	if p.CurrentPrice, err = parseDecimal("current_price", r.CurrentPrice); err != nil {
		return nil, err
	}
	if p.MarketValue, err = parseDecimal("market_value", r.MarketValue); err != nil {
		return nil, err
	}
	if p.CostBasis, err = parseDecimal("cost_basis", r.CostBasis); err != nil {
		return nil, err
	}
	if p.UnrealizedPL, err = parseDecimal("unrealized_pl", r.UnrealizedPL); err != nil {
		return nil, err
	}
	if p.UnrealizedPLPct, err = parseDecimal("unrealized_plpc", r.UnrealizedPLPct); err != nil {
		return nil, err
	}
	return p, nil
}

type rawOrder struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Type           string  `json:"type"`
	Qty            string  `json:"qty"`
	LimitPrice     *string `json:"limit_price"`
	StopPrice      *string `json:"stop_price"`
	Status         string  `json:"status"`
	FilledQty      string  `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price"`
	SubmittedAt    string  `json:"submitted_at"`
	FilledAt       *string `json:"filled_at"`
	CancelledAt    *string `json:"canceled_at"`
}

func (r *rawOrder) parse() (*Order, error) {
	o := &Order{
		ID:            r.ID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          r.Side,
		Type:          r.Type,
		Status:        NormalizeOrderStatus(r.Status),
	}
	var err error
	if o.Qty, err = parseDecimal("qty", r.Qty); err != nil {
		return nil, err
	}
	if o.FilledQty, err = parseDecimal("filled_qty", r.FilledQty); err != nil {
		return nil, err
	}
	if r.LimitPrice != nil {
		if o.LimitPrice, err = parseDecimal("limit_price", *r.LimitPrice); err != nil {
			return nil, err
		}
	}
	if r.StopPrice != nil {
		if o.StopPrice, err = parseDecimal("stop_price", *r.StopPrice); err != nil {
			return nil, err
		}
	}
	if r.FilledAvgPrice != nil {
		if o.FilledAvgPrice, err = parseDecimal("filled_avg_price", *r.FilledAvgPrice); err != nil {
			return nil, err
		}
	}
	if o.SubmittedAt, err = parseTimestamp("submitted_at", r.SubmittedAt); err != nil {
		return nil, err
	}
	if r.FilledAt != nil && *r.FilledAt != "" {
		t, err := parseTimestamp("filled_at", *r.FilledAt)
		if err != nil {
			return nil, err
		}
		o.FilledAt = &t
	}
	if r.CancelledAt != nil && *r.CancelledAt != "" {
		t, err := parseTimestamp("canceled_at", *r.CancelledAt)
		if err != nil {
			return nil, err
		}
		o.CancelledAt = &t
	}
	return o, nil
}

func parseTimestamp(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, &MalformedResponseError{Field: field, Value: value, Err: err}
	}
	return t, nil
}
