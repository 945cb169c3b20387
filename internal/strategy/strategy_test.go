package strategy

import (
	"testing"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.EMAFastPeriod = 5
	cfg.EMASlowPeriod = 10
	cfg.ATRPeriod = 5
	return cfg
}

// reversalCloses builds a decline followed by a sharp rally so the fast EMA
// crosses back above the slow EMA somewhere in the rising leg.
func reversalCloses(declineBars, rallyBars int) []float64 {
	closes := make([]float64, 0, declineBars+rallyBars)
	price := 100.0
	for i := 0; i < declineBars; i++ {
		closes = append(closes, price)
		price -= 0.5
	}
	for i := 0; i < rallyBars; i++ {
		price += 2.0
		closes = append(closes, price)
	}
	return closes
}

func TestEvaluateBuyOnBullishCrossover(t *testing.T) {
	cfg := testConfig()
	closes := reversalCloses(30, 15)
	bars := makeBars(closes)

	// Replay the series bar by bar; the crossover must fire exactly once,
	// in the rally, because after the cross prevFast stays above prevSlow.
	buys := 0
	var buySignal *Signal
	for end := 30; end <= len(bars); end++ {
		sig := Evaluate("AAPL", bars[:end], cfg)
		if sig.Type == SignalBuy {
			buys++
			buySignal = sig
		}
	}

	if buys != 1 {
		t.Fatalf("expected exactly one buy signal, got %d", buys)
	}

	if buySignal.Symbol != "AAPL" {
		t.Errorf("unexpected symbol %q", buySignal.Symbol)
	}
	if buySignal.Reason != ReasonEMACrossover {
		t.Errorf("unexpected reason %q", buySignal.Reason)
	}
	if buySignal.ATR <= 0 {
		t.Errorf("expected positive ATR, got %v", buySignal.ATR)
	}
	if buySignal.EMAFast <= buySignal.EMASlow {
		t.Errorf("buy requires fast EMA above slow: %v <= %v", buySignal.EMAFast, buySignal.EMASlow)
	}
	if !(buySignal.StopLoss < buySignal.Price && buySignal.Price < buySignal.TakeProfit) {
		t.Errorf("bracket out of order: stop %v, price %v, take %v",
			buySignal.StopLoss, buySignal.Price, buySignal.TakeProfit)
	}
	wantStop := buySignal.Price - cfg.ATRStopMultiplier*buySignal.ATR
	if !almostEqual(buySignal.StopLoss, wantStop, 1e-9) {
		t.Errorf("expected stop %v, got %v", wantStop, buySignal.StopLoss)
	}
	wantTake := buySignal.Price + cfg.ATRTakeMultiplier*buySignal.ATR
	if !almostEqual(buySignal.TakeProfit, wantTake, 1e-9) {
		t.Errorf("expected take %v, got %v", wantTake, buySignal.TakeProfit)
	}
}

func TestEvaluateStopLossFloor(t *testing.T) {
	cfg := testConfig()
	cfg.ATRStopMultiplier = 1000 // drive the raw stop far below zero

	closes := reversalCloses(30, 15)
	bars := makeBars(closes)

	for end := 30; end <= len(bars); end++ {
		sig := Evaluate("PENNY", bars[:end], cfg)
		if sig.Type == SignalBuy {
			if sig.StopLoss != 0.01 {
				t.Errorf("expected stop floored at 0.01, got %v", sig.StopLoss)
			}
			return
		}
	}
	t.Fatal("no buy signal produced")
}

func TestEvaluateInsufficientData(t *testing.T) {
	cfg := testConfig()

	for _, n := range []int{0, 1, 5, 9} {
		bars := makeBars(reversalCloses(n, 0))
		sig := Evaluate("AAPL", bars, cfg)
		if sig.Type != SignalHold {
			t.Errorf("%d bars: expected hold, got %s", n, sig.Type)
		}
		if sig.Reason != ReasonInsufficientData {
			t.Errorf("%d bars: expected insufficient_data reason, got %q", n, sig.Reason)
		}
	}
}

func TestEvaluateHoldInDowntrend(t *testing.T) {
	cfg := testConfig()
	bars := makeBars(reversalCloses(40, 0))

	sig := Evaluate("AAPL", bars, cfg)
	if sig.Type != SignalHold {
		t.Fatalf("expected hold in downtrend, got %s", sig.Type)
	}
	if sig.Reason != ReasonNoCrossover {
		t.Errorf("expected no_crossover reason, got %q", sig.Reason)
	}
	if sig.EMAFast >= sig.EMASlow {
		t.Errorf("downtrend should keep fast EMA below slow: %v >= %v", sig.EMAFast, sig.EMASlow)
	}
}

func TestEvaluateExit(t *testing.T) {
	tests := []struct {
		name       string
		entry      float64
		current    float64
		slPct      float64
		tpPct      float64
		wantClose  bool
		wantReason ExitReason
	}{
		{"stop loss hit", 100, 94.9, 5, 10, true, ExitStopLoss},
		{"stop loss boundary", 100, 95, 5, 10, true, ExitStopLoss},
		{"take profit hit", 100, 110.5, 5, 10, true, ExitTakeProfit},
		{"take profit boundary", 100, 110, 5, 10, true, ExitTakeProfit},
		{"in between", 100, 101, 5, 10, false, ExitNone},
		{"stop disabled", 100, 50, 0, 10, false, ExitNone},
		{"take disabled", 100, 200, 5, 0, false, ExitNone},
		{"take disabled stop still live", 100, 90, 5, 0, true, ExitStopLoss},
		{"awkward entry at exact target", 13.37, 13.37 * 1.10, 5, 10, true, ExitTakeProfit},
		{"zero entry", 0, 100, 5, 10, false, ExitNone},
	}

	for _, tt := range tests {
		shouldClose, reason := EvaluateExit(tt.entry, tt.current, tt.slPct, tt.tpPct)
		if shouldClose != tt.wantClose || reason != tt.wantReason {
			t.Errorf("%s: got (%v, %s), want (%v, %s)",
				tt.name, shouldClose, reason, tt.wantClose, tt.wantReason)
		}
	}
}

func TestPassesScreen(t *testing.T) {
	cfg := testConfig()
	cfg.MinStockPrice = 5
	cfg.MinDailyVolume = 500_000

	bars := makeBars(reversalCloses(25, 0))
	if ok, reason := PassesScreen(bars, cfg); !ok {
		t.Errorf("liquid symbol rejected: %s", reason)
	}

	cheap := makeBars([]float64{2, 2.1, 2.2})
	if ok, _ := PassesScreen(cheap, cfg); ok {
		t.Error("penny stock passed the price screen")
	}

	thin := makeBars(reversalCloses(25, 0))
	for i := range thin {
		thin[i].Volume = 1000
	}
	if ok, _ := PassesScreen(thin, cfg); ok {
		t.Error("illiquid symbol passed the volume screen")
	}

	if ok, _ := PassesScreen(nil, cfg); ok {
		t.Error("empty series passed the screen")
	}
}

func TestValidateConfig(t *testing.T) {
	if err := ValidateConfig(DefaultConfig()); err != nil {
		t.Errorf("default config rejected: %v", err)
	}

	bad := DefaultConfig()
	bad.EMAFastPeriod = 26
	bad.EMASlowPeriod = 12
	if err := ValidateConfig(bad); err == nil {
		t.Error("inverted EMA periods accepted")
	}

	bad = DefaultConfig()
	bad.SizingVariant = "martingale"
	if err := ValidateConfig(bad); err == nil {
		t.Error("unknown sizing variant accepted")
	}

	bad = DefaultConfig()
	bad.SizingVariant = SizingRiskBased
	bad.RiskPerTradePercent = 0
	if err := ValidateConfig(bad); err == nil {
		t.Error("zero risk per trade accepted for risk_based sizing")
	}
}
