// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// ChangePct returns the percent move from open to close.
// A zero open yields 0 rather than Inf/NaN.
func ChangePct(open, closePx float64) float64 {
	if open == 0 {
		return 0
	}
	return (closePx - open) / open * 100
}

// FloorShares truncates a fractional share count to whole shares,
// never below zero.
func FloorShares(qty float64) int64 {
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0
	}
	return int64(math.Floor(qty))
}

// ClampPct bounds a percentage to [0, 100].
func ClampPct(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
