package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL UNIQUE,
	mode TEXT NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS balance_events (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	sequence BIGINT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
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
	entry_time TIMESTAMPTZ NOT NULL,
	exit_time TIMESTAMPTZ NOT NULL,
	entry_cost TEXT NOT NULL,
	exit_value TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	exit_reason TEXT NOT NULL,
	PRIMARY KEY (run_id, trade_id)
);
`

// PostgresStorage stores runs in PostgreSQL through a pgx pool
type PostgresStorage struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStorage connects to databaseURL and creates the schema
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("storage.dsn is required for the postgres backend")
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStorage{pool: pool, now: time.Now}, nil
}

// SaveRun implements Interface
func (s *PostgresStorage) SaveRun(ctx context.Context, run *backtest.RunResult) error {
	if err := validateRun(run); err != nil {
		return err
	}
	payload, err := encodeRun(run)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO runs (run_id, mode, saved_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO NOTHING`,
		run.RunID, run.Mode, s.now().UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.RunID)
	}

	batch := &pgx.Batch{}
	for _, e := range run.Events {
		r := toEventRow(e)
		batch.Queue(`
			INSERT INTO balance_events
				(run_id, sequence, ts, position_id, kind, amount, resulting_balance, strategy_type, reason_kind, trade_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			run.RunID, r.Sequence, r.Timestamp, r.PositionID, r.Kind,
			r.Amount, r.ResultingBalance, r.StrategyType, r.ReasonKind, r.TradeID,
		)
	}
	for _, t := range run.Trades {
		batch.Queue(`
			INSERT INTO trades
				(run_id, trade_id, strategy_type, entry_time, exit_time, entry_cost, exit_value, realized_pnl, exit_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			run.RunID, t.TradeID, t.StrategyType, t.EntryTime.UTC(), t.ExitTime.UTC(),
			t.EntryCost.String(), t.ExitValue.String(), t.RealizedPnL.String(), string(t.ExitReason),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert rows for run %s: %w", run.RunID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun implements Interface
func (s *PostgresStorage) GetRun(ctx context.Context, runID string) (*backtest.RunResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, "SELECT payload FROM runs WHERE run_id = $1", runID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return decodeRun(payload)
}

// ListRuns implements Interface, oldest first
func (s *PostgresStorage) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.pool.Query(ctx, "SELECT saved_at, payload FROM runs ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	out := []RunSummary{}
	for rows.Next() {
		var savedAt time.Time
		var payload []byte
		if err := rows.Scan(&savedAt, &payload); err != nil {
			return nil, err
		}
		run, err := decodeRun(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(run, savedAt))
	}
	return out, rows.Err()
}

// GetEvents implements Interface
func (s *PostgresStorage) GetEvents(ctx context.Context, runID string) ([]ledger.BalanceEvent, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM runs WHERE run_id = $1)", runID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT sequence, ts, position_id, kind, amount, resulting_balance, strategy_type, reason_kind, trade_id
		FROM balance_events WHERE run_id = $1 ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := []ledger.BalanceEvent{}
	for rows.Next() {
		var r eventRow
		if err := rows.Scan(&r.Sequence, &r.Timestamp, &r.PositionID, &r.Kind, &r.Amount,
			&r.ResultingBalance, &r.StrategyType, &r.ReasonKind, &r.TradeID); err != nil {
			return nil, err
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
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}
