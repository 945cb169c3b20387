package risk

import (
	"math"
	"testing"

	"alpaca-trading-bot/internal/database"
	"alpaca-trading-bot/internal/strategy"
)

func floatPtr(v float64) *float64 { return &v }

func TestCalculatePositionSizeRiskBased(t *testing.T) {
	res := CalculatePositionSize(SizeRequest{
		Equity:                  10_000,
		EntryPrice:              150,
		StopLoss:                140,
		SizingVariant:           strategy.SizingRiskBased,
		RiskPerTradePercent:     1,
		MaxPortfolioRiskPercent: 5,
	})

	if res.Rejected {
		t.Fatalf("unexpected reject: %s", res.RejectReason)
	}
	if res.RiskAmount != 100 {
		t.Errorf("expected risk amount 100, got %v", res.RiskAmount)
	}
	if res.PerShareRisk != 10 {
		t.Errorf("expected per-share risk 10, got %v", res.PerShareRisk)
	}
	if res.Quantity != 10 {
		t.Errorf("expected 10 shares, got %d", res.Quantity)
	}
}

func TestCalculatePositionSizeTightStop(t *testing.T) {
	// Stop above entry collapses to the one-cent floor instead of a
	// negative or unbounded size
	res := CalculatePositionSize(SizeRequest{
		Equity:                  10_000,
		EntryPrice:              150,
		StopLoss:                155,
		SizingVariant:           strategy.SizingRiskBased,
		RiskPerTradePercent:     1,
		MaxPortfolioRiskPercent: 5,
	})

	if res.PerShareRisk != 0.01 {
		t.Errorf("expected floored per-share risk 0.01, got %v", res.PerShareRisk)
	}
	if res.Quantity != 10_000 {
		t.Errorf("expected 10000 shares at floored risk, got %d", res.Quantity)
	}
}

func TestCalculatePositionSizeBudgetExhausted(t *testing.T) {
	// Open positions already consume 4.5% of a 5% budget; a 1% ask is
	// rejected with quantity zero.
	open := []*database.PositionRecord{
		{Symbol: "MSFT", Quantity: 45, CurrentPrice: 100, StopLoss: floatPtr(90)},
	}

	res := CalculatePositionSize(SizeRequest{
		Equity:                  10_000,
		EntryPrice:              150,
		StopLoss:                140,
		SizingVariant:           strategy.SizingRiskBased,
		RiskPerTradePercent:     1,
		MaxPortfolioRiskPercent: 5,
		OpenPositions:           open,
	})

	if !res.Rejected {
		t.Fatal("expected reject on exhausted budget")
	}
	if res.Quantity != 0 {
		t.Errorf("rejected sizing must return zero quantity, got %d", res.Quantity)
	}
	if res.PortfolioRisk != 450 {
		t.Errorf("expected open risk 450, got %v", res.PortfolioRisk)
	}
}

func TestCalculatePositionSizeMinimumOneShare(t *testing.T) {
	// Risk budget smaller than one share's risk still buys a single share
	// as long as the portfolio budget is not exhausted
	res := CalculatePositionSize(SizeRequest{
		Equity:                  1_000,
		EntryPrice:              500,
		StopLoss:                480,
		SizingVariant:           strategy.SizingRiskBased,
		RiskPerTradePercent:     1,
		MaxPortfolioRiskPercent: 5,
	})

	if res.Rejected {
		t.Fatalf("unexpected reject: %s", res.RejectReason)
	}
	if res.Quantity != 1 {
		t.Errorf("expected minimum of 1 share, got %d", res.Quantity)
	}
}

func TestCalculatePositionSizeNotionalVariant(t *testing.T) {
	res := CalculatePositionSize(SizeRequest{
		BuyingPower:            20_000,
		EntryPrice:             150,
		SizingVariant:          strategy.SizingNotionalPercent,
		MaxPositionSizePercent: 10,
	})

	if res.Rejected {
		t.Fatalf("unexpected reject: %s", res.RejectReason)
	}
	// 10% of 20000 = 2000 notional, 2000/150 = 13.33 -> 13
	if res.Quantity != 13 {
		t.Errorf("expected 13 shares, got %d", res.Quantity)
	}

	res = CalculatePositionSize(SizeRequest{
		BuyingPower:            100,
		EntryPrice:             150,
		SizingVariant:          strategy.SizingNotionalPercent,
		MaxPositionSizePercent: 10,
	})
	if !res.Rejected {
		t.Error("expected reject when notional cannot cover one share")
	}
}

func TestOpenPortfolioRiskDefaultStop(t *testing.T) {
	positions := []*database.PositionRecord{
		// explicit stop: 10 * |200 - 190| = 100
		{Quantity: 10, CurrentPrice: 200, StopLoss: floatPtr(190)},
		// no stop: 5% of 100 price * 20 shares = 100
		{Quantity: 20, CurrentPrice: 100},
		// no current price falls back to entry: 5% of 50 * 10 = 25
		{Quantity: 10, EntryPrice: 50},
	}

	got := OpenPortfolioRisk(positions)
	if math.Abs(got-225) > 1e-9 {
		t.Errorf("expected total open risk 225, got %v", got)
	}
}
