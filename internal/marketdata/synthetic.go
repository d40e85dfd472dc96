package marketdata

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"
)

// SyntheticProvider generates reproducible intraday bars with a geometric
// random walk. The same seed, symbol and range always give the same bars.
// It exists for demos and tests; a missing real bar is never replaced with one.
type SyntheticProvider struct {
	Location     *time.Location
	StartPrices  map[string]float64
	Seed         uint64
	Step         time.Duration
	SessionOpen  time.Duration
	SessionClose time.Duration
	// Volatility is annualized
	Volatility float64
}

// NewSyntheticProvider returns a provider with 5-minute bars between 09:30
// and 16:00 in loc
func NewSyntheticProvider(seed uint64, loc *time.Location) *SyntheticProvider {
	if loc == nil {
		loc = time.UTC
	}
	return &SyntheticProvider{
		Location:     loc,
		StartPrices:  map[string]float64{"SPY": 450},
		Seed:         seed,
		Step:         5 * time.Minute,
		SessionOpen:  9*time.Hour + 30*time.Minute,
		SessionClose: 16 * time.Hour,
		Volatility:   0.18,
	}
}

// GetBars implements Provider. Weekends produce no bars.
func (s *SyntheticProvider) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := s.Step
	if step <= 0 {
		step = 5 * time.Minute
	}
	price := s.StartPrices[symbol]
	if price <= 0 {
		price = 100
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	rng := rand.New(rand.NewPCG(s.Seed, h.Sum64()))

	const minutesPerYear = 252 * 390
	sigma := s.Volatility * math.Sqrt(step.Minutes()/minutesPerYear)

	var bars []Bar
	startDay := time.Date(start.In(s.Location).Year(), start.In(s.Location).Month(), start.In(s.Location).Day(), 0, 0, 0, 0, s.Location)
	for day := startDay; !day.After(end); day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for t := day.Add(s.SessionOpen); !t.After(day.Add(s.SessionClose)); t = t.Add(step) {
			open := price
			price *= math.Exp(sigma*rng.NormFloat64() - sigma*sigma/2)
			price = math.Round(price*100) / 100
			if t.Before(start) || t.After(end) {
				continue
			}
			bars = append(bars, Bar{
				Time:   t,
				Symbol: symbol,
				Open:   open,
				High:   math.Max(open, price),
				Low:    math.Min(open, price),
				Close:  price,
				Volume: 1_000 + rng.Int64N(100_000),
			})
		}
	}
	return bars, nil
}
