package database

import "time"

// TradingStatus values for TradingPreferences.TradingStatus
const (
	TradingStatusActive  = "active"
	TradingStatusPaused  = "paused"
	TradingStatusStopped = "stopped"
)

// User is a registered account holder
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// BrokerAccount holds a user's brokerage API credentials
type BrokerAccount struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	APIKey    string    `json:"-"`
	SecretKey string    `json:"-"`
	Paper     bool      `json:"paper"`
	CreatedAt time.Time `json:"created_at"`
}

// TradingPreferences is the single gate the scheduler consults per user
type TradingPreferences struct {
	UserID             string     `json:"user_id"`
	AutoTradingEnabled bool       `json:"auto_trading_enabled"`
	TradingStatus      string     `json:"trading_status"`
	LastToggleTime     *time.Time `json:"last_toggle_time,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SignalRecord is a persisted strategy signal. Immutable after creation
// except for the executed flag, which flips to true exactly once.
type SignalRecord struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Symbol       string     `json:"symbol"`
	SignalType   string     `json:"signal_type"`
	Price        float64    `json:"price"`
	StopLoss     *float64   `json:"stop_loss,omitempty"`
	TakeProfit   *float64   `json:"take_profit,omitempty"`
	ATR          *float64   `json:"atr,omitempty"`
	EMAFast      *float64   `json:"ema_fast,omitempty"`
	EMASlow      *float64   `json:"ema_slow,omitempty"`
	PositionSize *int       `json:"position_size,omitempty"`
	RiskAmount   *float64   `json:"risk_amount,omitempty"`
	Reason       string     `json:"reason"`
	Executed     bool       `json:"executed"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	OrderID      *string    `json:"order_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// OrderRecord is the local cache of a broker order. Status is authoritative
// from the broker; reconciliation refreshes it, never advances it locally.
type OrderRecord struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	BrokerOrderID  string     `json:"broker_order_id"`
	ClientOrderID  string     `json:"client_order_id,omitempty"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	OrderType      string     `json:"order_type"`
	Quantity       float64    `json:"quantity"`
	LimitPrice     *float64   `json:"limit_price,omitempty"`
	StopPrice      *float64   `json:"stop_price,omitempty"`
	Status         string     `json:"status"`
	FilledQty      float64    `json:"filled_qty"`
	FilledAvgPrice *float64   `json:"filled_avg_price,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

// PositionRecord tracks one holding. At most one open row per (user, symbol);
// the partial unique index enforces it.
type PositionRecord struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Symbol              string     `json:"symbol"`
	Quantity            float64    `json:"quantity"`
	EntryPrice          float64    `json:"entry_price"`
	CurrentPrice        float64    `json:"current_price"`
	MarketValue         float64    `json:"market_value"`
	CostBasis           float64    `json:"cost_basis"`
	UnrealizedPL        float64    `json:"unrealized_pl"`
	UnrealizedPLPercent float64    `json:"unrealized_pl_percent"`
	Side                string     `json:"side"`
	Status              string     `json:"status"`
	StopLoss            *float64   `json:"stop_loss,omitempty"`
	TakeProfit          *float64   `json:"take_profit,omitempty"`
	OpenedAt            time.Time  `json:"opened_at"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
	ClosePrice          *float64   `json:"close_price,omitempty"`
	RealizedPL          *float64   `json:"realized_pl,omitempty"`
	ClosedBy            *string    `json:"closed_by,omitempty"`
}

// RiskLimits holds per-user thresholds. Limit values are positive
// magnitudes; breach comparisons apply the sign.
type RiskLimits struct {
	UserID           string    `json:"user_id"`
	DailyLossEnabled bool      `json:"daily_loss_enabled"`
	DailyLossPercent float64   `json:"daily_loss_percent"`
	DrawdownEnabled  bool      `json:"drawdown_enabled"`
	DrawdownPercent  float64   `json:"drawdown_percent"`
	HaltOnDailyLoss  bool      `json:"halt_on_daily_loss"`
	HaltOnDrawdown   bool      `json:"halt_on_drawdown"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultRiskLimits are applied when a user has no stored limits
func DefaultRiskLimits(userID string) *RiskLimits {
	return &RiskLimits{
		UserID:           userID,
		DailyLossEnabled: true,
		DailyLossPercent: 3,
		DrawdownEnabled:  true,
		DrawdownPercent:  10,
		HaltOnDailyLoss:  true,
		HaltOnDrawdown:   true,
	}
}

// ConcentrationEntry is one bucket of portfolio exposure
type ConcentrationEntry struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Percent float64 `json:"percent"`
}

// RiskMetrics is a point-in-time portfolio snapshot. Rows are append-only;
// peak and max drawdown are monotonic over the user's history.
type RiskMetrics struct {
	ID                    string               `json:"id"`
	UserID                string               `json:"user_id"`
	PortfolioValue        float64              `json:"portfolio_value"`
	CashAvailable         float64              `json:"cash_available"`
	DailyPnL              float64              `json:"daily_pnl"`
	DailyPnLPercent       float64              `json:"daily_pnl_percent"`
	PeakPortfolioValue    float64              `json:"peak_portfolio_value"`
	CurrentDrawdown       float64              `json:"current_drawdown"`
	MaxDrawdown           float64              `json:"max_drawdown"`
	SectorConcentration   []ConcentrationEntry `json:"sector_concentration,omitempty"`
	PositionConcentration []ConcentrationEntry `json:"position_concentration,omitempty"`
	VolatilityIndex       float64              `json:"volatility_index"`
	CalculatedAt          time.Time            `json:"calculated_at"`
}

// ActivityLog is one audit trail entry
type ActivityLog struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id,omitempty"`
	Level     string            `json:"level"`
	Category  string            `json:"category"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Activity levels
const (
	ActivityInfo     = "info"
	ActivityWarning  = "warning"
	ActivityCritical = "critical"
)
