package models

import (
	"math"
	"sort"
	"time"
)

// Underlying is the observed state of one symbol at a tick
type Underlying struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Volatility float64 `json:"volatility,omitempty"` // annualized; zero means use the configured default
	Volume     int64   `json:"volume,omitempty"`
}

// MarketState is everything the core sees at one simulated instant
type MarketState struct {
	Time   time.Time             `json:"time"`
	Quotes map[string]Underlying `json:"quotes"`
}

// NewMarketState builds a market state from a list of quotes
func NewMarketState(at time.Time, quotes ...Underlying) MarketState {
	m := MarketState{Time: at, Quotes: make(map[string]Underlying, len(quotes))}
	for _, q := range quotes {
		m.Quotes[q.Symbol] = q
	}
	return m
}

// Underlying returns the quote for symbol or a *DataUnavailableError
func (m MarketState) Underlying(symbol string) (Underlying, error) {
	q, ok := m.Quotes[symbol]
	if !ok {
		return Underlying{}, &DataUnavailableError{Symbol: symbol, At: m.Time, Reason: "no quote"}
	}
	if q.Price <= 0 || math.IsNaN(q.Price) || math.IsInf(q.Price, 0) {
		return Underlying{}, &DataUnavailableError{Symbol: symbol, At: m.Time, Reason: "invalid price"}
	}
	return q, nil
}

// Symbols returns the quoted symbols in sorted order
func (m MarketState) Symbols() []string {
	out := make([]string, 0, len(m.Quotes))
	for s := range m.Quotes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
