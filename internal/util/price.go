// Package util provides rounding helpers for prices, strikes and cash amounts.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

func normalizeTick(x, tick float64) (float64, bool) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, false
	}
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(tick) {
		return 0, false
	}
	return tick, true
}

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
func RoundToTick(x, tick float64) float64 {
	t, ok := normalizeTick(x, tick)
	if !ok {
		return x
	}
	return math.Round(x/t) * t
}

// FloorToTick rounds x down to a tick multiple. Used for put strikes below spot.
func FloorToTick(x, tick float64) float64 {
	t, ok := normalizeTick(x, tick)
	if !ok {
		return x
	}
	// absorb float noise like 1.2999999999 / 0.05
	return math.Floor(x/t+1e-9) * t
}

// CeilToTick rounds x up to a tick multiple. Used for call strikes above spot.
func CeilToTick(x, tick float64) float64 {
	t, ok := normalizeTick(x, tick)
	if !ok {
		return x
	}
	return math.Ceil(x/t-1e-9) * t
}

// Cents converts a float amount to a decimal rounded to the cent.
func Cents(x float64) decimal.Decimal {
	return decimal.NewFromFloat(x).Round(2)
}

// WithinCent reports whether two amounts differ by strictly less than one cent.
func WithinCent(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(decimal.New(1, -2))
}
