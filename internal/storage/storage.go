package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
)

// JSONStorage keeps every run in one JSON file, rewritten atomically on save
type JSONStorage struct {
	data     *Data
	now      func() time.Time
	filepath string
	mu       sync.RWMutex
}

// Data is the on-disk layout of a JSONStorage file
type Data struct {
	LastUpdated time.Time   `json:"last_updated"`
	Runs        []StoredRun `json:"runs"`
	index       map[string]int
}

// StoredRun is one run with the time it was saved
type StoredRun struct {
	SavedAt time.Time           `json:"saved_at"`
	Run     *backtest.RunResult `json:"run"`
}

// NewJSONStorage opens path, loading existing runs when the file exists
func NewJSONStorage(path string) (*JSONStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("json storage requires a file path")
	}
	s := &JSONStorage{
		filepath: path,
		now:      time.Now,
		data:     &Data{index: make(map[string]int)},
	}

	// Load existing data if file exists
	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}
	return s, nil
}

// Load replaces the in-memory state with the file contents
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath) // #nosec G304 -- path comes from config
	if err != nil {
		return err
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decoding %s: %w", s.filepath, err)
	}
	data.index = make(map[string]int, len(data.Runs))
	for i, r := range data.Runs {
		if r.Run == nil {
			return fmt.Errorf("decoding %s: run %d is empty", s.filepath, i)
		}
		data.index[r.Run.RunID] = i
	}
	s.data = &data
	return nil
}

// save writes the file; the caller holds the write lock
func (s *JSONStorage) save() error {
	s.data.LastUpdated = s.now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating storage dir: %w", err)
		}
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}
	// Atomic rename
	return os.Rename(tmpFile, s.filepath)
}

// SaveRun implements Interface
func (s *JSONStorage) SaveRun(ctx context.Context, run *backtest.RunResult) error {
	if err := validateRun(run); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.index[run.RunID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.RunID)
	}
	s.data.Runs = append(s.data.Runs, StoredRun{SavedAt: s.now(), Run: run})
	s.data.index[run.RunID] = len(s.data.Runs) - 1
	if err := s.save(); err != nil {
		s.data.Runs = s.data.Runs[:len(s.data.Runs)-1]
		delete(s.data.index, run.RunID)
		return fmt.Errorf("saving run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun implements Interface. The returned run is a deep copy.
func (s *JSONStorage) GetRun(ctx context.Context, runID string) (*backtest.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.data.index[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return cloneRun(s.data.Runs[i].Run)
}

// ListRuns implements Interface, oldest first
func (s *JSONStorage) ListRuns(ctx context.Context) ([]RunSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunSummary, 0, len(s.data.Runs))
	for _, r := range s.data.Runs {
		out = append(out, Summarize(r.Run, r.SavedAt))
	}
	return out, nil
}

// GetEvents implements Interface
func (s *JSONStorage) GetEvents(ctx context.Context, runID string) ([]ledger.BalanceEvent, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Events, nil
}

// Close implements Interface
func (s *JSONStorage) Close() error { return nil }

// cloneRun round-trips a run through JSON so callers cannot mutate stored state
func cloneRun(run *backtest.RunResult) (*backtest.RunResult, error) {
	raw, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("copying run %s: %w", run.RunID, err)
	}
	var out backtest.RunResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("copying run %s: %w", run.RunID, err)
	}
	return &out, nil
}
