package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
)

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	saveError     error
	loadError     error
	runs          map[string]StoredRun
	order         []string
	saveCallCount int
	loadCallCount int
	mu            sync.Mutex
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{runs: make(map[string]StoredRun)}
}

func (m *MockStorage) SaveRun(_ context.Context, run *backtest.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	if err := validateRun(run); err != nil {
		return err
	}
	if _, ok := m.runs[run.RunID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.RunID)
	}
	m.runs[run.RunID] = StoredRun{SavedAt: time.Now(), Run: run}
	m.order = append(m.order, run.RunID)
	return nil
}

func (m *MockStorage) GetRun(_ context.Context, runID string) (*backtest.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	if m.loadError != nil {
		return nil, m.loadError
	}
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return r.Run, nil
}

func (m *MockStorage) ListRuns(_ context.Context) ([]RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	if m.loadError != nil {
		return nil, m.loadError
	}
	out := make([]RunSummary, 0, len(m.order))
	for _, id := range m.order {
		r := m.runs[id]
		out = append(out, Summarize(r.Run, r.SavedAt))
	}
	return out, nil
}

func (m *MockStorage) GetEvents(ctx context.Context, runID string) ([]ledger.BalanceEvent, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Events, nil
}

func (m *MockStorage) Close() error { return nil }

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}
