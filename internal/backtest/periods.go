package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Period is one independent backtest range
type Period struct {
	Name  string    `json:"name" yaml:"name"`
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// PeriodResult pairs a period with its run outcome
type PeriodResult struct {
	Result *RunResult
	Err    error
	Period Period
}

// RunPeriods runs each period as an isolated backtest with its own ledger,
// at most limit at a time. One period failing does not cancel the others;
// results come back in input order and the first error is returned.
func (e *Engine) RunPeriods(ctx context.Context, periods []Period, initial decimal.Decimal, limit int) ([]PeriodResult, error) {
	out := make([]PeriodResult, len(periods))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, p := range periods {
		g.Go(func() error {
			res, err := e.RunBacktest(ctx, p.Start, p.End, initial)
			out[i] = PeriodResult{Period: p, Result: res, Err: err}
			if err != nil {
				return fmt.Errorf("period %s: %w", p.Name, err)
			}
			return nil
		})
	}
	return out, g.Wait()
}
