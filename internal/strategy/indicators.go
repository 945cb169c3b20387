package strategy

import (
	"errors"
	"math"

	"alpaca-trading-bot/internal/alpaca"
)

// ErrInsufficientData is returned when a series is shorter than the
// minimum window an indicator needs. Callers must treat it as "cannot
// evaluate", never as a neutral value.
var ErrInsufficientData = errors.New("insufficient data for indicator")

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA calculates the Simple Moving Average of the last period closes
func CalculateSMA(closes []float64, period int) (float64, error) {
	if period <= 0 || len(closes) < period {
		return 0, ErrInsufficientData
	}

	sum := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		sum += closes[i]
	}

	return sum / float64(period), nil
}

// CalculateEMASeries calculates the full Exponential Moving Average
// sequence. The result is aligned to input indexes period-1..len-1: the
// first element is the SMA seed over the first period closes, each later
// element applies the 2/(period+1) multiplier.
func CalculateEMASeries(closes []float64, period int) ([]float64, error) {
	if period <= 0 || len(closes) < period {
		return nil, ErrInsufficientData
	}

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += closes[i]
	}
	seed /= float64(period)

	multiplier := 2.0 / float64(period+1)

	series := make([]float64, 0, len(closes)-period+1)
	series = append(series, seed)

	ema := seed
	for i := period; i < len(closes); i++ {
		ema = (closes[i] * multiplier) + (ema * (1 - multiplier))
		series = append(series, ema)
	}

	return series, nil
}

// CalculateEMA returns the last EMA value for the series
func CalculateEMA(closes []float64, period int) (float64, error) {
	series, err := CalculateEMASeries(closes, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// CalculateATR calculates the Average True Range: the true range
// max(high-low, |high-prevClose|, |low-prevClose|) per bar from index 1,
// averaged over the last period bars. Requires period+1 bars.
func CalculateATR(bars []alpaca.Bar, period int) (float64, error) {
	if period <= 0 || len(bars) < period+1 {
		return 0, ErrInsufficientData
	}

	trSum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		high := bars[i].High
		low := bars[i].Low
		prevClose := bars[i-1].Close

		tr := math.Max(
			high-low,
			math.Max(
				math.Abs(high-prevClose),
				math.Abs(low-prevClose),
			),
		)
		trSum += tr
	}

	return trSum / float64(period), nil
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// CalculateRSI calculates the Relative Strength Index using Wilder
// smoothing seeded with the simple average of the first period changes.
func CalculateRSI(closes []float64, period int) (float64, error) {
	if period <= 0 || len(closes) < period+1 {
		return 0, ErrInsufficientData
	}

	gains := 0.0
	losses := 0.0
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0, nil
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), nil
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDResult holds the last MACD values plus the intermediate MACD-line
// series for callers that need the history.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
	Series    []float64
}

// CalculateMACD calculates the MACD line (fast EMA - slow EMA), the signal
// line (EMA of the MACD series), and the histogram.
func CalculateMACD(closes []float64, fastPeriod, slowPeriod, signalPeriod int) (*MACDResult, error) {
	if len(closes) < slowPeriod+signalPeriod {
		return nil, ErrInsufficientData
	}

	fastSeries, err := CalculateEMASeries(closes, fastPeriod)
	if err != nil {
		return nil, err
	}
	slowSeries, err := CalculateEMASeries(closes, slowPeriod)
	if err != nil {
		return nil, err
	}

	// Both series end at the last close; align them from the back.
	n := len(slowSeries)
	macdSeries := make([]float64, n)
	fastOffset := len(fastSeries) - n
	for i := 0; i < n; i++ {
		macdSeries[i] = fastSeries[fastOffset+i] - slowSeries[i]
	}

	signalSeries, err := CalculateEMASeries(macdSeries, signalPeriod)
	if err != nil {
		return nil, err
	}

	macdLine := macdSeries[len(macdSeries)-1]
	signalLine := signalSeries[len(signalSeries)-1]

	return &MACDResult{
		MACD:      macdLine,
		Signal:    signalLine,
		Histogram: macdLine - signalLine,
		Series:    macdSeries,
	}, nil
}

// ============================================================================
// VOLUME
// ============================================================================

// CalculateAverageVolume calculates the average volume over the last
// period bars.
func CalculateAverageVolume(bars []alpaca.Bar, period int) (float64, error) {
	if period <= 0 || len(bars) < period {
		return 0, ErrInsufficientData
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Volume
	}

	return sum / float64(period), nil
}

// Closes extracts the close series from a bar series
func Closes(bars []alpaca.Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}
