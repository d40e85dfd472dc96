package recorder

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// TradeLogHeader is the column order of the trade log
var TradeLogHeader = []string{
	"trade_id", "strategy_type", "entry_date", "exit_date", "cash_used",
	"realized_pnl", "return_pct", "exit_reason", "account_balance_before", "account_balance_after",
}

// BalanceLogHeader is the column order of the balance progression log
var BalanceLogHeader = []string{"timestamp", "reason", "change", "balance"}

// csvTime renders every CSV timestamp as RFC3339 in UTC so the trade and
// balance logs join on the same strings
func csvTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// WriteTrades writes the trade log with a header row
func WriteTrades(w io.Writer, rows []TradeRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TradeLogHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.TradeID,
			r.StrategyType,
			csvTime(r.EntryTime),
			csvTime(r.ExitTime),
			r.EntryCost.StringFixed(2),
			r.RealizedPnL.StringFixed(2),
			r.ReturnPct.StringFixed(2),
			string(r.ExitReason),
			r.BalanceBefore.StringFixed(2),
			r.BalanceAfter.StringFixed(2),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("writing trade %s: %w", r.TradeID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteBalanceLog writes the balance progression with a header row
func WriteBalanceLog(w io.Writer, entries []BalanceEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(BalanceLogHeader); err != nil {
		return err
	}
	for _, e := range entries {
		rec := []string{
			csvTime(e.Timestamp),
			e.Reason,
			e.Change.StringFixed(2),
			e.Balance.StringFixed(2),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("writing balance entry %d: %w", e.Sequence, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportRun writes trades.csv and balance_log.csv for one run into dir/runID
func ExportRun(dir, runID string, rows []TradeRow, entries []BalanceEntry) error {
	out := filepath.Join(dir, runID)
	if err := os.MkdirAll(out, 0o750); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	if err := writeFile(filepath.Join(out, "trades.csv"), func(w io.Writer) error { return WriteTrades(w, rows) }); err != nil {
		return err
	}
	return writeFile(filepath.Join(out, "balance_log.csv"), func(w io.Writer) error { return WriteBalanceLog(w, entries) })
}

// writeFile writes through a temp file and renames it into place
func writeFile(path string, fn func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", tmp, err)
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
