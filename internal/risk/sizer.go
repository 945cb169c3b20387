package risk

import (
	"math"

	"alpaca-trading-bot/internal/database"
	"alpaca-trading-bot/internal/strategy"
)

// defaultStopDistancePercent is assumed for open positions that have no
// recorded stop when aggregating portfolio risk.
const defaultStopDistancePercent = 5.0

// SizeRequest carries everything the sizer needs for one entry decision
type SizeRequest struct {
	Equity      float64
	BuyingPower float64
	EntryPrice  float64
	StopLoss    float64

	SizingVariant           strategy.SizingVariant
	RiskPerTradePercent     float64
	MaxPortfolioRiskPercent float64
	MaxPositionSizePercent  float64

	OpenPositions []*database.PositionRecord
}

// SizeResult is the sizing outcome. Quantity zero always comes with a
// reject reason; a non-zero quantity is at least one share.
type SizeResult struct {
	Quantity      int     `json:"quantity"`
	RiskAmount    float64 `json:"risk_amount"`
	PerShareRisk  float64 `json:"per_share_risk"`
	PortfolioRisk float64 `json:"portfolio_risk"`
	AvailableRisk float64 `json:"available_risk"`
	Rejected      bool    `json:"rejected"`
	RejectReason  string  `json:"reject_reason,omitempty"`
}

// CalculatePositionSize sizes a new entry. The risk_based variant budgets
// a fixed percent of equity per trade against the stop distance and
// rejects the entry outright when the portfolio-wide risk budget is
// already spent. The notional_percent variant is the simpler legacy path
// sized from buying power alone.
func CalculatePositionSize(req SizeRequest) *SizeResult {
	if req.EntryPrice <= 0 {
		return &SizeResult{Rejected: true, RejectReason: "invalid entry price"}
	}

	if req.SizingVariant == strategy.SizingNotionalPercent {
		return sizeByNotional(req)
	}
	return sizeByRisk(req)
}

func sizeByRisk(req SizeRequest) *SizeResult {
	riskAmount := req.Equity * req.RiskPerTradePercent / 100
	perShareRisk := math.Max(0.01, req.EntryPrice-req.StopLoss)
	quantity := int(math.Floor(riskAmount / perShareRisk))

	portfolioRisk := OpenPortfolioRisk(req.OpenPositions)
	availableRisk := req.Equity*req.MaxPortfolioRiskPercent/100 - portfolioRisk

	res := &SizeResult{
		RiskAmount:    riskAmount,
		PerShareRisk:  perShareRisk,
		PortfolioRisk: portfolioRisk,
		AvailableRisk: availableRisk,
	}

	if riskAmount > availableRisk {
		res.Rejected = true
		res.RejectReason = "portfolio risk budget exhausted"
		return res
	}

	if quantity < 1 {
		quantity = 1
	}
	res.Quantity = quantity
	return res
}

func sizeByNotional(req SizeRequest) *SizeResult {
	notional := req.BuyingPower * req.MaxPositionSizePercent / 100
	quantity := int(math.Floor(notional / req.EntryPrice))

	res := &SizeResult{}
	if quantity < 1 {
		res.Rejected = true
		res.RejectReason = "insufficient buying power"
		return res
	}
	res.Quantity = quantity
	return res
}

// OpenPortfolioRisk sums the dollar risk across open positions. Positions
// without a recorded stop are assumed to risk a 5 percent move from the
// current price.
func OpenPortfolioRisk(positions []*database.PositionRecord) float64 {
	var total float64
	for _, p := range positions {
		price := p.CurrentPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		distance := price * defaultStopDistancePercent / 100
		if p.StopLoss != nil && *p.StopLoss > 0 {
			distance = math.Abs(price - *p.StopLoss)
		}
		total += p.Quantity * distance
	}
	return total
}
