// Package storage persists finished runs for the dashboard and the audit tool.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/config"
	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/shopspring/decimal"
)

// Interface defines the contract for run persistence.
//
// Implementations must be safe for concurrent use - callers can assume all methods
// are goroutine-safe and can safely call these methods from multiple goroutines.
//
// Stored runs are immutable: saving an id twice fails with ErrDuplicateRun.
type Interface interface {
	SaveRun(ctx context.Context, run *backtest.RunResult) error
	GetRun(ctx context.Context, runID string) (*backtest.RunResult, error)
	ListRuns(ctx context.Context) ([]RunSummary, error)
	// GetEvents returns a run's balance events in sequence order
	GetEvents(ctx context.Context, runID string) ([]ledger.BalanceEvent, error)
	Close() error
}

// RunSummary is the listing form of a stored run
type RunSummary struct {
	SavedAt             time.Time       `json:"saved_at"`
	Start               time.Time       `json:"start"`
	End                 time.Time       `json:"end"`
	InitialBalance      decimal.Decimal `json:"initial_balance"`
	FinalBalance        decimal.Decimal `json:"final_balance"`
	TotalRealizedPnL    decimal.Decimal `json:"total_realized_pnl"`
	RunID               string          `json:"run_id"`
	Mode                string          `json:"mode"`
	Error               string          `json:"error,omitempty"`
	TotalTrades         int             `json:"total_trades"`
	PnLValidationPassed bool            `json:"pnl_validation_passed"`
}

// Summarize builds the listing form of a run
func Summarize(run *backtest.RunResult, savedAt time.Time) RunSummary {
	return RunSummary{
		SavedAt:             savedAt,
		Start:               run.Start,
		End:                 run.End,
		InitialBalance:      run.InitialBalance,
		FinalBalance:        run.FinalBalance,
		TotalRealizedPnL:    run.TotalRealizedPnL,
		RunID:               run.RunID,
		Mode:                run.Mode,
		Error:               run.Error,
		TotalTrades:         run.TotalTrades,
		PnLValidationPassed: run.PnLValidationPassed,
	}
}

func validateRun(run *backtest.RunResult) error {
	if run == nil {
		return fmt.Errorf("%w: nil run", ErrInvalidRun)
	}
	if run.RunID == "" {
		return fmt.Errorf("%w: missing run id", ErrInvalidRun)
	}
	return nil
}

// NewStorage opens the backend selected by cfg
func NewStorage(ctx context.Context, cfg config.StorageConfig) (Interface, error) {
	switch cfg.Backend {
	case "", "json":
		return NewJSONStorage(cfg.Path)
	case "sqlite":
		return NewSQLiteStorage(ctx, cfg.Path)
	case "postgres":
		return NewPostgresStorage(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Ensure every backend implements Interface
var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*SQLiteStorage)(nil)
	_ Interface = (*PostgresStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
