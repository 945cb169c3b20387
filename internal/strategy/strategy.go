package strategy

import (
	"errors"
	"math"
	"time"

	"alpaca-trading-bot/internal/alpaca"
)

// SignalType classifies a trading signal
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
	SignalHold SignalType = "hold"
)

// SizingVariant selects how entries are sized. The variant is explicit
// configuration, never inferred from which fields happen to be populated.
type SizingVariant string

const (
	// SizingRiskBased sizes by risk budget against the ATR stop distance
	SizingRiskBased SizingVariant = "risk_based"
	// SizingNotionalPercent sizes by a fixed percent of buying power
	SizingNotionalPercent SizingVariant = "notional_percent"
)

// Config is the per-user strategy snapshot for one trading cycle. The
// engine treats it as read-only; one consistent snapshot is used per cycle.
type Config struct {
	SizingVariant SizingVariant `json:"sizing_variant"`

	TradingUniverse []string `json:"trading_universe"`

	EMAFastPeriod int `json:"ema_fast_period"`
	EMASlowPeriod int `json:"ema_slow_period"`
	ATRPeriod     int `json:"atr_period"`

	ATRStopMultiplier float64 `json:"atr_stop_multiplier"`
	ATRTakeMultiplier float64 `json:"atr_take_multiplier"`

	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`

	RiskPerTradePercent     float64 `json:"risk_per_trade_percent"`
	MaxPortfolioRiskPercent float64 `json:"max_portfolio_risk_percent"`
	MaxPositionSizePercent  float64 `json:"max_position_size_percent"`
	MaxConcurrentPositions  int     `json:"max_concurrent_positions"`

	MinStockPrice  float64 `json:"min_stock_price"`
	MinDailyVolume float64 `json:"min_daily_volume"`
}

// DefaultConfig returns the default strategy configuration
func DefaultConfig() *Config {
	return &Config{
		SizingVariant:           SizingRiskBased,
		TradingUniverse:         []string{"AAPL", "MSFT", "GOOG", "AMZN", "NVDA"},
		EMAFastPeriod:           12,
		EMASlowPeriod:           26,
		ATRPeriod:               14,
		ATRStopMultiplier:       2.0,
		ATRTakeMultiplier:       3.0,
		StopLossPercent:         5.0,
		TakeProfitPercent:       10.0,
		RiskPerTradePercent:     1.0,
		MaxPortfolioRiskPercent: 5.0,
		MaxPositionSizePercent:  10.0,
		MaxConcurrentPositions:  5,
		MinStockPrice:           5.0,
		MinDailyVolume:          500_000,
	}
}

// Signal is one evaluation outcome for one symbol. Immutable once created;
// consumed at most once by order execution.
type Signal struct {
	Symbol     string     `json:"symbol"`
	Type       SignalType `json:"type"`
	Price      float64    `json:"price"`
	StopLoss   float64    `json:"stop_loss,omitempty"`
	TakeProfit float64    `json:"take_profit,omitempty"`
	ATR        float64    `json:"atr,omitempty"`
	EMAFast    float64    `json:"ema_fast,omitempty"`
	EMASlow    float64    `json:"ema_slow,omitempty"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
}

const (
	ReasonEMACrossover     = "ema_crossover"
	ReasonNoCrossover      = "no_crossover"
	ReasonInsufficientData = "insufficient_data"
)

// Evaluate runs the EMA-crossover/ATR-bracket strategy over one symbol's
// bar series. It never returns an error: flat or short series produce a
// hold signal with reason "insufficient_data" so a bad symbol cannot abort
// a scan.
func Evaluate(symbol string, bars []alpaca.Bar, cfg *Config) *Signal {
	now := time.Now()

	closes := Closes(bars)

	fastSeries, errFast := CalculateEMASeries(closes, cfg.EMAFastPeriod)
	slowSeries, errSlow := CalculateEMASeries(closes, cfg.EMASlowPeriod)
	atr, errATR := CalculateATR(bars, cfg.ATRPeriod)

	if errFast != nil || errSlow != nil || errATR != nil ||
		len(fastSeries) < 2 || len(slowSeries) < 2 {
		return &Signal{
			Symbol:    symbol,
			Type:      SignalHold,
			Reason:    ReasonInsufficientData,
			CreatedAt: now,
		}
	}

	price := closes[len(closes)-1]

	currentFast := fastSeries[len(fastSeries)-1]
	prevFast := fastSeries[len(fastSeries)-2]
	currentSlow := slowSeries[len(slowSeries)-1]
	prevSlow := slowSeries[len(slowSeries)-2]

	bullishCross := prevFast <= prevSlow && currentFast > currentSlow
	fastRising := currentFast > prevFast

	if bullishCross && fastRising {
		stopLoss := math.Max(0.01, price-cfg.ATRStopMultiplier*atr)
		takeProfit := price + cfg.ATRTakeMultiplier*atr

		return &Signal{
			Symbol:     symbol,
			Type:       SignalBuy,
			Price:      price,
			StopLoss:   stopLoss,
			TakeProfit: takeProfit,
			ATR:        atr,
			EMAFast:    currentFast,
			EMASlow:    currentSlow,
			Reason:     ReasonEMACrossover,
			CreatedAt:  now,
		}
	}

	// Sell signals come from the position-level exit check, not from the
	// crossover scan; everything else holds with the indicator values
	// attached for observability.
	return &Signal{
		Symbol:    symbol,
		Type:      SignalHold,
		Price:     price,
		ATR:       atr,
		EMAFast:   currentFast,
		EMASlow:   currentSlow,
		Reason:    ReasonNoCrossover,
		CreatedAt: now,
	}
}

// ExitReason explains a position exit decision
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitNone       ExitReason = "none"
)

// EvaluateExit decides whether an existing position should be closed based
// on percent stop-loss and take-profit thresholds from the entry price.
// Thresholds are inclusive. The comparison is on the percent move rather
// than a reconstructed price so a position sitting exactly at the target is
// not left open by float rounding.
func EvaluateExit(entryPrice, currentPrice, stopLossPercent, takeProfitPercent float64) (bool, ExitReason) {
	if entryPrice <= 0 {
		return false, ExitNone
	}

	movePercent := (currentPrice - entryPrice) / entryPrice * 100
	if stopLossPercent > 0 && movePercent <= -stopLossPercent {
		return true, ExitStopLoss
	}
	if takeProfitPercent > 0 && movePercent >= takeProfitPercent {
		return true, ExitTakeProfit
	}

	return false, ExitNone
}

// PassesScreen applies the pre-analysis liquidity screen: minimum share
// price and minimum average daily volume over the last 20 bars.
func PassesScreen(bars []alpaca.Bar, cfg *Config) (bool, string) {
	if len(bars) == 0 {
		return false, "no bars"
	}

	price := bars[len(bars)-1].Close
	if cfg.MinStockPrice > 0 && price < cfg.MinStockPrice {
		return false, "price below minimum"
	}

	window := 20
	if len(bars) < window {
		window = len(bars)
	}
	avgVolume, err := CalculateAverageVolume(bars, window)
	if err != nil {
		return false, "no volume data"
	}
	if cfg.MinDailyVolume > 0 && avgVolume < cfg.MinDailyVolume {
		return false, "volume below minimum"
	}

	return true, ""
}

// ValidateConfig rejects configurations the engine cannot trade safely
func ValidateConfig(cfg *Config) error {
	if cfg.EMAFastPeriod <= 0 || cfg.EMASlowPeriod <= 0 || cfg.ATRPeriod <= 0 {
		return errors.New("indicator periods must be positive")
	}
	if cfg.EMAFastPeriod >= cfg.EMASlowPeriod {
		return errors.New("fast EMA period must be shorter than slow EMA period")
	}
	switch cfg.SizingVariant {
	case SizingRiskBased, SizingNotionalPercent:
	case "":
		return errors.New("sizing variant is required")
	default:
		return errors.New("unknown sizing variant")
	}
	if cfg.SizingVariant == SizingRiskBased && cfg.RiskPerTradePercent <= 0 {
		return errors.New("risk per trade must be positive")
	}
	if cfg.SizingVariant == SizingNotionalPercent && cfg.MaxPositionSizePercent <= 0 {
		return errors.New("max position size percent must be positive")
	}
	return nil
}
