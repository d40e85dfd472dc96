// Package marketdata supplies underlying price bars to the backtest and
// paper drivers. Everything here sits outside the ledger core: retries and
// circuit breaking happen in this package, never in the tick loop.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/models"
)

// ErrNoData is returned when a provider has nothing for the requested range
var ErrNoData = errors.New("no market data")

// Bar is one OHLCV sample
type Bar struct {
	Time   time.Time `json:"time"`
	Symbol string    `json:"symbol"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Valid reports whether the bar carries a usable close
func (b Bar) Valid() bool {
	return b.Close > 0 && !math.IsNaN(b.Close) && !math.IsInf(b.Close, 0)
}

// Provider returns bars for symbol in [start, end], oldest first
type Provider interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
}

// Quoter returns the latest bar for a symbol. Paper mode polls it.
type Quoter interface {
	GetQuote(ctx context.Context, symbol string) (Bar, error)
}

// Load fetches every symbol's bars up front so the tick loop never blocks
func Load(ctx context.Context, p Provider, symbols []string, start, end time.Time) (map[string][]Bar, error) {
	out := make(map[string][]Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := p.GetBars(ctx, sym, start, end)
		if err != nil {
			return nil, fmt.Errorf("loading %s bars: %w", sym, err)
		}
		out[sym] = bars
	}
	return out, nil
}

// TimelineOptions controls how bars become market states
type TimelineOptions struct {
	// VolatilityWindow is the number of trailing closes used for realized
	// volatility; zero leaves Volatility unset so the pricing default applies
	VolatilityWindow int
	// PeriodsPerYear annualizes the realized volatility
	PeriodsPerYear float64
}

// Timeline merges per-symbol bars into one market state per distinct
// timestamp. A symbol without a valid bar at a timestamp is absent from that
// state; nothing is filled in for it.
func Timeline(series map[string][]Bar, opts TimelineOptions) []models.MarketState {
	type point struct {
		bar Bar
		vol float64
	}
	byTime := make(map[int64][]point)
	times := make(map[int64]time.Time)

	for sym, bars := range series {
		sorted := make([]Bar, len(bars))
		copy(sorted, bars)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

		closes := make([]float64, 0, len(sorted))
		for _, b := range sorted {
			if !b.Valid() {
				continue
			}
			closes = append(closes, b.Close)
			b.Symbol = sym
			var vol float64
			if opts.VolatilityWindow > 1 && len(closes) > opts.VolatilityWindow {
				vol = RealizedVolatility(closes[len(closes)-opts.VolatilityWindow-1:], opts.PeriodsPerYear)
			}
			k := b.Time.UnixNano()
			byTime[k] = append(byTime[k], point{bar: b, vol: vol})
			if _, ok := times[k]; !ok {
				times[k] = b.Time
			}
		}
	}

	keys := make([]int64, 0, len(byTime))
	for k := range byTime {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]models.MarketState, 0, len(keys))
	for _, k := range keys {
		quotes := make([]models.Underlying, 0, len(byTime[k]))
		for _, p := range byTime[k] {
			quotes = append(quotes, models.Underlying{
				Symbol:     p.bar.Symbol,
				Price:      p.bar.Close,
				Volatility: p.vol,
				Volume:     p.bar.Volume,
			})
		}
		out = append(out, models.NewMarketState(times[k], quotes...))
	}
	return out
}

// RealizedVolatility is the annualized sample standard deviation of log
// returns over closes. Fewer than three closes yield zero.
func RealizedVolatility(closes []float64, periodsPerYear float64) float64 {
	if len(closes) < 3 || periodsPerYear <= 0 {
		return 0
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		rets = append(rets, math.Log(closes[i]/closes[i-1]))
	}
	if len(rets) < 2 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss/float64(len(rets)-1)) * math.Sqrt(periodsPerYear)
}

// inRange keeps bars with start <= t <= end
func inRange(bars []Bar, start, end time.Time) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if b.Time.Before(start) || b.Time.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}
