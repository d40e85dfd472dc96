package backtest

import (
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/reconcile"
	"github.com/eddiefleurent/scranton_ledger/internal/recorder"
	"github.com/shopspring/decimal"
)

// RunResult is everything a finished run reports. Err holds the fatal error
// that ended the run, if any; Error is its string form for serialization.
type RunResult struct {
	Start               time.Time               `json:"start"`
	End                 time.Time               `json:"end"`
	Err                 error                   `json:"-"`
	InitialBalance      decimal.Decimal         `json:"initial_balance"`
	FinalBalance        decimal.Decimal         `json:"final_balance"`
	TotalRealizedPnL    decimal.Decimal         `json:"total_realized_pnl"`
	PnLDiscrepancy      decimal.Decimal         `json:"pnl_discrepancy"`
	RunID               string                  `json:"run_id"`
	Mode                string                  `json:"mode"`
	Error               string                  `json:"error,omitempty"`
	Trades              []recorder.TradeRow     `json:"trades"`
	BalanceLog          []recorder.BalanceEntry `json:"balance_log"`
	Events              []ledger.BalanceEvent   `json:"events"`
	Positions           []models.Snapshot       `json:"positions"`
	Statistics          recorder.Statistics     `json:"statistics"`
	TotalTrades         int                     `json:"total_trades"`
	SkippedTicks        int                     `json:"skipped_ticks"`
	Ticks               int                     `json:"ticks"`
	OpenPositions       int                     `json:"open_positions"`
	PnLValidationPassed bool                    `json:"pnl_validation_passed"`
}

// Failed reports whether the run ended with a fatal error or failed
// validation. Error is checked too so stored runs report the same.
func (r *RunResult) Failed() bool {
	return r.Err != nil || r.Error != "" || !r.PnLValidationPassed
}

func (r *RunResult) applyValidation(res reconcile.Result) {
	r.PnLValidationPassed = res.Passed
	r.PnLDiscrepancy = res.Discrepancy
}

func (r *RunResult) fail(err error) {
	if err == nil {
		return
	}
	r.Err = err
	r.Error = err.Error()
	r.PnLValidationPassed = false
}
