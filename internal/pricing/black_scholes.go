package pricing

import "math"

// BlackScholes prices European options on a non-dividend-paying underlying.
type BlackScholes struct{}

// NewBlackScholes returns the default oracle
func NewBlackScholes() *BlackScholes {
	return &BlackScholes{}
}

// Price implements Oracle. Expired or zero-volatility inputs fall back to
// intrinsic value with zero Greeks and a *PricingError.
func (BlackScholes) Price(spot, strike, tYears, rate, vol float64, isCall bool) (Quote, error) {
	var reason string
	switch {
	case math.IsNaN(spot) || math.IsNaN(strike) || math.IsNaN(tYears) || math.IsNaN(vol):
		reason = "NaN input"
	case spot <= 0 || strike <= 0:
		reason = "non-positive spot or strike"
	case tYears <= 0:
		reason = "option expired"
	case vol <= 0:
		reason = "non-positive volatility"
	}
	if reason != "" {
		q := Quote{}
		if !math.IsNaN(spot) && !math.IsNaN(strike) {
			q.Price = Intrinsic(spot, strike, isCall)
		}
		return q, &PricingError{Reason: reason, Spot: spot, Strike: strike, TYears: tYears, Vol: vol}
	}

	sqrtT := math.Sqrt(tYears)
	d1 := (math.Log(spot/strike) + (rate+0.5*vol*vol)*tYears) / (vol * sqrtT)
	d2 := d1 - vol*sqrtT
	disc := math.Exp(-rate * tYears)
	pdf := normPDF(d1)

	q := Quote{
		Gamma: pdf / (spot * vol * sqrtT),
		Vega:  spot * pdf * sqrtT / 100,
	}
	decay := -spot * pdf * vol / (2 * sqrtT)
	if isCall {
		q.Price = spot*normCDF(d1) - strike*disc*normCDF(d2)
		q.Delta = normCDF(d1)
		q.Theta = (decay - rate*strike*disc*normCDF(d2)) / 365
	} else {
		q.Price = strike*disc*normCDF(-d2) - spot*normCDF(-d1)
		q.Delta = normCDF(d1) - 1
		q.Theta = (decay + rate*strike*disc*normCDF(-d2)) / 365
	}
	// floating error can push deep OTM prices a hair below zero
	if q.Price < 0 {
		q.Price = 0
	}
	return q, nil
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

var _ Oracle = BlackScholes{}
