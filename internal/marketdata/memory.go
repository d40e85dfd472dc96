package marketdata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryProvider serves bars held in memory. Tests and replays use it.
type MemoryProvider struct {
	bars map[string][]Bar
	mu   sync.RWMutex
}

// NewMemoryProvider creates an empty in-memory provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{bars: make(map[string][]Bar)}
}

// Add appends bars for a symbol, keeping them time ordered
func (m *MemoryProvider) Add(symbol string, bars ...Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		b.Symbol = symbol
		m.bars[symbol] = append(m.bars[symbol], b)
	}
	s := m.bars[symbol]
	sort.SliceStable(s, func(i, j int) bool { return s[i].Time.Before(s[j].Time) })
}

// GetBars implements Provider
func (m *MemoryProvider) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bars, ok := m.bars[symbol]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	return inRange(bars, start, end), nil
}

// GetQuote implements Quoter with the most recent bar
func (m *MemoryProvider) GetQuote(ctx context.Context, symbol string) (Bar, error) {
	if err := ctx.Err(); err != nil {
		return Bar{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bars := m.bars[symbol]
	if len(bars) == 0 {
		return Bar{}, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	return bars[len(bars)-1], nil
}
