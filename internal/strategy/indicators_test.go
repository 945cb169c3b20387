package strategy

import (
	"errors"
	"math"
	"testing"

	"alpaca-trading-bot/internal/alpaca"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func makeBars(closes []float64) []alpaca.Bar {
	bars := make([]alpaca.Bar, len(closes))
	for i, c := range closes {
		bars[i] = alpaca.Bar{
			Open:   c,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1_000_000,
		}
	}
	return bars
}

func TestCalculateSMA(t *testing.T) {
	closes := []float64{10, 20, 30, 40, 50}

	sma, err := CalculateSMA(closes, 5)
	if err != nil {
		t.Fatalf("CalculateSMA: %v", err)
	}
	if !almostEqual(sma, 30, 1e-9) {
		t.Errorf("expected SMA 30, got %v", sma)
	}

	// Only the trailing window counts
	sma, err = CalculateSMA(closes, 2)
	if err != nil {
		t.Fatalf("CalculateSMA: %v", err)
	}
	if !almostEqual(sma, 45, 1e-9) {
		t.Errorf("expected SMA 45, got %v", sma)
	}
}

func TestCalculateSMAInsufficientData(t *testing.T) {
	_, err := CalculateSMA([]float64{1, 2}, 5)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}

	_, err = CalculateSMA(nil, 1)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData for empty input, got %v", err)
	}
}

func TestCalculateEMASeries(t *testing.T) {
	closes := []float64{22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

	series, err := CalculateEMASeries(closes, 5)
	if err != nil {
		t.Fatalf("CalculateEMASeries: %v", err)
	}

	// One value per close from index period-1 onward
	if want := len(closes) - 5 + 1; len(series) != want {
		t.Fatalf("expected %d values, got %d", want, len(series))
	}

	// First value is the SMA seed
	if !almostEqual(series[0], 24, 1e-9) {
		t.Errorf("expected seed 24, got %v", series[0])
	}

	// Strictly monotone input stays monotone through smoothing
	for i := 1; i < len(series); i++ {
		if series[i] <= series[i-1] {
			t.Errorf("EMA not rising at index %d: %v <= %v", i, series[i], series[i-1])
		}
	}

	last, err := CalculateEMA(closes, 5)
	if err != nil {
		t.Fatalf("CalculateEMA: %v", err)
	}
	if !almostEqual(last, series[len(series)-1], 1e-9) {
		t.Errorf("CalculateEMA %v does not match series tail %v", last, series[len(series)-1])
	}
}

func TestCalculateEMAConstantSeries(t *testing.T) {
	closes := []float64{50, 50, 50, 50, 50, 50, 50, 50}

	ema, err := CalculateEMA(closes, 4)
	if err != nil {
		t.Fatalf("CalculateEMA: %v", err)
	}
	if !almostEqual(ema, 50, 1e-9) {
		t.Errorf("constant input must give constant EMA, got %v", ema)
	}
}

func TestCalculateATR(t *testing.T) {
	// period+1 bars is the minimum: the first bar only seeds previous close
	bars := []alpaca.Bar{
		{High: 48.70, Low: 47.79, Close: 48.16},
		{High: 48.72, Low: 48.14, Close: 48.61},
		{High: 48.90, Low: 48.39, Close: 48.75},
		{High: 48.87, Low: 48.37, Close: 48.63},
	}

	atr, err := CalculateATR(bars, 3)
	if err != nil {
		t.Fatalf("CalculateATR: %v", err)
	}
	// TRs: max(0.58, 0.56, 0.02)=0.58, max(0.51, 0.29, 0.22)=0.51,
	// max(0.50, 0.12, 0.38)=0.50
	if !almostEqual(atr, (0.58+0.51+0.50)/3, 1e-9) {
		t.Errorf("unexpected ATR %v", atr)
	}

	_, err = CalculateATR(bars[:3], 3)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData with period bars, got %v", err)
	}
}

func TestCalculateATRGapUp(t *testing.T) {
	// Overnight gap: true range must use the previous close
	bars := []alpaca.Bar{
		{High: 100, Low: 99, Close: 100},
		{High: 111, Low: 110, Close: 110.5},
	}

	atr, err := CalculateATR(bars, 1)
	if err != nil {
		t.Fatalf("CalculateATR: %v", err)
	}
	if !almostEqual(atr, 11, 1e-9) {
		t.Errorf("expected TR 11 from gap, got %v", atr)
	}
}

func TestCalculateRSI(t *testing.T) {
	up := []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24}

	rsi, err := CalculateRSI(up, 14)
	if err != nil {
		t.Fatalf("CalculateRSI: %v", err)
	}
	if !almostEqual(rsi, 100, 1e-9) {
		t.Errorf("all gains must give RSI 100, got %v", rsi)
	}

	_, err = CalculateRSI(up[:10], 14)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestCalculateMACD(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5
	}

	res, err := CalculateMACD(closes, 12, 26, 9)
	if err != nil {
		t.Fatalf("CalculateMACD: %v", err)
	}
	// In a steady uptrend the fast EMA leads the slow one
	if res.MACD <= 0 {
		t.Errorf("expected positive MACD in uptrend, got %v", res.MACD)
	}
	if !almostEqual(res.Histogram, res.MACD-res.Signal, 1e-9) {
		t.Errorf("histogram %v != macd-signal %v", res.Histogram, res.MACD-res.Signal)
	}
}

func TestCalculateAverageVolume(t *testing.T) {
	bars := makeBars([]float64{10, 11, 12})
	bars[0].Volume = 100
	bars[1].Volume = 200
	bars[2].Volume = 300

	avg, err := CalculateAverageVolume(bars, 2)
	if err != nil {
		t.Fatalf("CalculateAverageVolume: %v", err)
	}
	if !almostEqual(avg, 250, 1e-9) {
		t.Errorf("expected 250, got %v", avg)
	}
}
