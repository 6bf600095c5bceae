package tools

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/eddiefleurent/stamford_momentum/internal/broker"
)

// SMA returns the simple moving average of the last n values, or 0 when
// fewer than n are available.
func SMA(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// RSI returns the relative strength index seeded over the last period
// deltas. Requires period+1 closes and returns 0 otherwise; a stretch
// with no losses returns 100.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 0
	}
	closes = closes[len(closes)-(period+1):]

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR returns the average true range over the last period bars, or 0
// when fewer than period+1 bars are available.
func ATR(bars []broker.Bar, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 0
	}
	bars = bars[len(bars)-(period+1):]

	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(bars[i], bars[i-1].Close)
	}
	return sum / float64(period)
}

func trueRange(b broker.Bar, prevClose float64) float64 {
	hl := b.High - b.Low
	hc := math.Abs(b.High - prevClose)
	lc := math.Abs(b.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// IndicatorBlob computes the standard indicator set from daily bars and
// returns it as an opaque JSON object. window drives the SMA and volume
// average; RSI and ATR use the conventional 14-bar lookback. Values the
// data cannot support come back as 0 rather than an error.
func IndicatorBlob(bars []broker.Bar, window int) (json.RawMessage, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars to compute indicators from")
	}
	if window <= 0 {
		window = 20
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		volumes[i] = float64(b.Volume)
	}

	set := struct {
		Window    int     `json:"window"`
		Close     float64 `json:"close"`
		SMA       float64 `json:"sma"`
		RSI       float64 `json:"rsi"`
		ATR       float64 `json:"atr"`
		AvgVolume float64 `json:"avg_volume"`
		Bars      int     `json:"bars"`
	}{
		Window:    window,
		Close:     closes[len(closes)-1],
		SMA:       SMA(closes, window),
		RSI:       RSI(closes, defaultIndicatorPeriod),
		ATR:       ATR(bars, defaultIndicatorPeriod),
		AvgVolume: SMA(volumes, window),
		Bars:      len(bars),
	}

	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encoding indicators: %w", err)
	}
	return data, nil
}
