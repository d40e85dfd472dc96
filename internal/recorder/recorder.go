// Package recorder keeps the read-optimized projections of a run: one trade
// row per closed position and the balance progression log.
package recorder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateTrade is returned when a trade id is recorded twice
	ErrDuplicateTrade = errors.New("trade already recorded")
	// ErrPositionNotClosed is returned when recording a position that is still open
	ErrPositionNotClosed = errors.New("position not closed")
)

// TradeRow is one immutable trade log line
type TradeRow struct {
	EntryTime     time.Time         `json:"entry_date"`
	ExitTime      time.Time         `json:"exit_date"`
	EntryCost     decimal.Decimal   `json:"cash_used"`
	ExitValue     decimal.Decimal   `json:"exit_value"`
	RealizedPnL   decimal.Decimal   `json:"realized_pnl"`
	ReturnPct     decimal.Decimal   `json:"return_pct"`
	BalanceBefore decimal.Decimal   `json:"account_balance_before"`
	BalanceAfter  decimal.Decimal   `json:"account_balance_after"`
	TradeID       string            `json:"trade_id"`
	StrategyType  string            `json:"strategy_type"`
	ExitReason    models.ExitReason `json:"exit_reason"`
}

// IsWin reports whether the trade made money
func (r TradeRow) IsWin() bool { return r.RealizedPnL.IsPositive() }

// TradeRecorder appends one row per closed position
type TradeRecorder struct {
	rows []TradeRow
	seen map[string]bool
	mu   sync.RWMutex
}

// New creates an empty recorder
func New() *TradeRecorder {
	return &TradeRecorder{seen: make(map[string]bool)}
}

// Record appends the row for a closed position. Realized P&L is copied from
// the position, never recomputed here.
func (r *TradeRecorder) Record(pos *models.Position) error {
	if !pos.IsClosed() {
		return fmt.Errorf("%w: %s is %s", ErrPositionNotClosed, pos.ID(), pos.Status())
	}
	exit, ok := pos.ExitEvent()
	if !ok {
		return fmt.Errorf("%w: %s has no exit event", ErrPositionNotClosed, pos.ID())
	}
	pnl, _ := pos.RealizedPnL()

	row := TradeRow{
		TradeID:       pos.ID(),
		StrategyType:  string(pos.Strategy()),
		EntryTime:     pos.EntryTime(),
		ExitTime:      pos.ExitTime(),
		EntryCost:     pos.EntryCost(),
		ExitValue:     pos.ExitValue(),
		RealizedPnL:   pnl,
		ReturnPct:     returnPct(pnl, pos.EntryCost()),
		ExitReason:    pos.ExitReason(),
		BalanceBefore: exit.ResultingBalance.Sub(exit.Amount),
		BalanceAfter:  exit.ResultingBalance,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[row.TradeID] {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, row.TradeID)
	}
	r.seen[row.TradeID] = true
	r.rows = append(r.rows, row)
	return nil
}

// Rows returns a copy of the rows in the order they were recorded
func (r *TradeRecorder) Rows() []TradeRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TradeRow, len(r.rows))
	copy(out, r.rows)
	return out
}

// Len returns the number of recorded trades
func (r *TradeRecorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

func returnPct(pnl, entryCost decimal.Decimal) decimal.Decimal {
	if entryCost.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(entryCost.Abs()).Mul(decimal.NewFromInt(100)).Round(2)
}

// BalanceEntry is one line of the balance progression log
type BalanceEntry struct {
	Timestamp  time.Time        `json:"timestamp"`
	Change     decimal.Decimal  `json:"change"`
	Balance    decimal.Decimal  `json:"balance"`
	Reason     string           `json:"reason"`
	PositionID string           `json:"position_id"`
	Kind       ledger.EventKind `json:"kind"`
	Sequence   int64            `json:"sequence"`
}

// BalanceLog projects the ledger history one entry per event. Events that
// share a timestamp keep their own entries.
func BalanceLog(history []ledger.BalanceEvent) []BalanceEntry {
	out := make([]BalanceEntry, 0, len(history))
	for _, ev := range history {
		out = append(out, BalanceEntry{
			Sequence:   ev.Sequence,
			Timestamp:  ev.Timestamp,
			Reason:     ev.Reason.String(),
			Change:     ev.Amount,
			Balance:    ev.ResultingBalance,
			PositionID: ev.PositionID,
			Kind:       ev.Kind,
		})
	}
	return out
}
