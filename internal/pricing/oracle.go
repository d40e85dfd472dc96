// Package pricing values option legs for marks, fills and exit evaluation.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrDegenerateInputs matches any PricingError
var ErrDegenerateInputs = errors.New("degenerate pricing inputs")

// Quote is a theoretical per-share option price with Greeks.
type Quote struct {
	Price float64 `json:"price"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"` // per calendar day
	Vega  float64 `json:"vega"`  // per 1 vol point
}

// Oracle prices a single European option.
type Oracle interface {
	Price(spot, strike, tYears, rate, vol float64, isCall bool) (Quote, error)
}

// PricingError is returned alongside an intrinsic-value quote when the model
// cannot be evaluated. Callers treat it as recoverable.
type PricingError struct {
	Reason string
	Spot   float64
	Strike float64
	TYears float64
	Vol    float64
}

func (e *PricingError) Error() string {
	return fmt.Sprintf("pricing: %s (spot=%.2f strike=%.2f t=%.6f vol=%.4f)",
		e.Reason, e.Spot, e.Strike, e.TYears, e.Vol)
}

// Is lets errors.Is match on ErrDegenerateInputs
func (e *PricingError) Is(target error) bool {
	return target == ErrDegenerateInputs
}

// Intrinsic returns the exercise value of an option at spot.
func Intrinsic(spot, strike float64, isCall bool) float64 {
	if isCall {
		return math.Max(spot-strike, 0)
	}
	return math.Max(strike-spot, 0)
}

const minutesPerYear = 365 * 24 * 60

// YearFraction converts the time between two instants into calendar years.
// Negative spans return zero.
func YearFraction(from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}
	return to.Sub(from).Minutes() / minutesPerYear
}
