package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL UNIQUE,
	mode TEXT NOT NULL,
	saved_at TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS balance_events (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	sequence INTEGER NOT NULL,
	ts TEXT NOT NULL,
	position_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	amount TEXT NOT NULL,
	resulting_balance TEXT NOT NULL,
	strategy_type TEXT NOT NULL,
	reason_kind TEXT NOT NULL,
	trade_id TEXT NOT NULL,
	PRIMARY KEY (run_id, sequence)
);
CREATE TABLE IF NOT EXISTS trades (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	trade_id TEXT NOT NULL,
	strategy_type TEXT NOT NULL,
	entry_time TEXT NOT NULL,
	exit_time TEXT NOT NULL,
	entry_cost TEXT NOT NULL,
	exit_value TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	exit_reason TEXT NOT NULL,
	PRIMARY KEY (run_id, trade_id)
);
`

// SQLiteStorage stores runs in a local SQLite database in WAL mode
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage opens or creates the database at path
func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite storage requires a file path")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer keeps pragmas and transactions on the same connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// SaveRun implements Interface. The run, its events and its trades are
// written in one transaction.
func (s *SQLiteStorage) SaveRun(ctx context.Context, run *backtest.RunResult) error {
	if err := validateRun(run); err != nil {
		return err
	}
	payload, err := encodeRun(run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM runs WHERE run_id = ?", run.RunID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking run %s: %w", run.RunID, err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.RunID)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO runs (run_id, mode, saved_at, payload) VALUES (?, ?, ?, ?)",
		run.RunID, run.Mode, s.now().UTC().Format(time.RFC3339Nano), payload,
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, e := range run.Events {
		r := toEventRow(e)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO balance_events
				(run_id, sequence, ts, position_id, kind, amount, resulting_balance, strategy_type, reason_kind, trade_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, r.Sequence, r.Timestamp.Format(time.RFC3339Nano), r.PositionID, r.Kind,
			r.Amount, r.ResultingBalance, r.StrategyType, r.ReasonKind, r.TradeID,
		); err != nil {
			return fmt.Errorf("failed to insert event %d: %w", r.Sequence, err)
		}
	}

	for _, t := range run.Trades {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trades
				(run_id, trade_id, strategy_type, entry_time, exit_time, entry_cost, exit_value, realized_pnl, exit_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, t.TradeID, t.StrategyType,
			t.EntryTime.UTC().Format(time.RFC3339Nano), t.ExitTime.UTC().Format(time.RFC3339Nano),
			t.EntryCost.String(), t.ExitValue.String(), t.RealizedPnL.String(), string(t.ExitReason),
		); err != nil {
			return fmt.Errorf("failed to insert trade %s: %w", t.TradeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun implements Interface
func (s *SQLiteStorage) GetRun(ctx context.Context, runID string) (*backtest.RunResult, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM runs WHERE run_id = ?", runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return decodeRun(payload)
}

// ListRuns implements Interface, oldest first
func (s *SQLiteStorage) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT saved_at, payload FROM runs ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	out := []RunSummary{}
	for rows.Next() {
		var savedAt string
		var payload []byte
		if err := rows.Scan(&savedAt, &payload); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, savedAt)
		if err != nil {
			return nil, fmt.Errorf("saved_at %q: %w", savedAt, err)
		}
		run, err := decodeRun(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(run, at))
	}
	return out, rows.Err()
}

// GetEvents implements Interface. Events are read back from their own table,
// not from the run payload.
func (s *SQLiteStorage) GetEvents(ctx context.Context, runID string) ([]ledger.BalanceEvent, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM runs WHERE run_id = ?", runID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, ts, position_id, kind, amount, resulting_balance, strategy_type, reason_kind, trade_id
		FROM balance_events WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := []ledger.BalanceEvent{}
	for rows.Next() {
		var r eventRow
		var ts string
		if err := rows.Scan(&r.Sequence, &ts, &r.PositionID, &r.Kind, &r.Amount,
			&r.ResultingBalance, &r.StrategyType, &r.ReasonKind, &r.TradeID); err != nil {
			return nil, err
		}
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("event %d timestamp: %w", r.Sequence, err)
		}
		e, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close implements Interface
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
