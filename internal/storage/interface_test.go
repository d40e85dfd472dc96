package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/recorder"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// sampleRun builds a run with one winning and one losing round trip
func sampleRun(t *testing.T) *backtest.RunResult {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	start := time.Date(2024, 3, 4, 9, 30, 0, 0, loc)

	l := ledger.New(dec("10000"))
	reason := func(kind ledger.EventKind, id string) ledger.Reason {
		return ledger.Reason{StrategyType: "long_call", Kind: kind, TradeID: id}
	}
	steps := []struct {
		credit bool
		amount string
		id     string
		kind   ledger.EventKind
	}{
		{false, "200.50", "P1", ledger.KindEntry},
		{true, "300.25", "P1", ledger.KindExit},
		{false, "150", "P2", ledger.KindEntry},
		{true, "50.10", "P2", ledger.KindExit},
	}
	for i, s := range steps {
		at := start.Add(time.Duration(i) * 5 * time.Minute)
		if s.credit {
			_, err = l.Credit(at, s.id, dec(s.amount), reason(s.kind, s.id))
		} else {
			_, err = l.Debit(at, s.id, dec(s.amount), reason(s.kind, s.id))
		}
		require.NoError(t, err)
	}

	trades := []recorder.TradeRow{
		{
			EntryTime: start, ExitTime: start.Add(5 * time.Minute),
			EntryCost: dec("200.50"), ExitValue: dec("-300.25"), RealizedPnL: dec("99.75"),
			TradeID: "P1", StrategyType: "long_call", ExitReason: models.ExitProfitTarget,
		},
		{
			EntryTime: start.Add(10 * time.Minute), ExitTime: start.Add(15 * time.Minute),
			EntryCost: dec("150"), ExitValue: dec("-50.10"), RealizedPnL: dec("-99.90"),
			TradeID: "P2", StrategyType: "long_call", ExitReason: models.ExitStopLoss,
		},
	}

	return &backtest.RunResult{
		Start:               start,
		End:                 start.Add(time.Hour),
		InitialBalance:      dec("10000"),
		FinalBalance:        l.Balance(),
		TotalRealizedPnL:    dec("-0.15"),
		RunID:               uuid.NewString(),
		Mode:                "backtest",
		Trades:              trades,
		Events:              l.History(),
		TotalTrades:         2,
		Ticks:               12,
		PnLValidationPassed: true,
	}
}

// testInterface runs the shared contract against one backend
func testInterface(t *testing.T, open func(t *testing.T) Interface) {
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		s := open(t)
		run := sampleRun(t)
		require.NoError(t, s.SaveRun(ctx, run))

		got, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, run.RunID, got.RunID)
		assert.True(t, run.FinalBalance.Equal(got.FinalBalance))
		assert.True(t, run.TotalRealizedPnL.Equal(got.TotalRealizedPnL))
		assert.True(t, run.Start.Equal(got.Start))
		assert.Len(t, got.Trades, 2)
		assert.Equal(t, run.PnLValidationPassed, got.PnLValidationPassed)
	})

	t.Run("events round trip exactly", func(t *testing.T) {
		s := open(t)
		run := sampleRun(t)
		require.NoError(t, s.SaveRun(ctx, run))

		events, err := s.GetEvents(ctx, run.RunID)
		require.NoError(t, err)
		require.Len(t, events, len(run.Events))
		for i, e := range events {
			want := run.Events[i]
			assert.Equal(t, want.Sequence, e.Sequence)
			assert.Equal(t, want.PositionID, e.PositionID)
			assert.Equal(t, want.Kind, e.Kind)
			assert.Equal(t, want.Reason, e.Reason)
			assert.True(t, want.Amount.Equal(e.Amount), "amount %s != %s", want.Amount, e.Amount)
			assert.True(t, want.ResultingBalance.Equal(e.ResultingBalance))
			assert.True(t, want.Timestamp.Equal(e.Timestamp))
		}

		replayed, err := ledger.Replay(run.InitialBalance, events)
		require.NoError(t, err)
		assert.True(t, replayed.Balance().Equal(run.FinalBalance))
	})

	t.Run("duplicate run rejected", func(t *testing.T) {
		s := open(t)
		run := sampleRun(t)
		require.NoError(t, s.SaveRun(ctx, run))
		assert.ErrorIs(t, s.SaveRun(ctx, run), ErrDuplicateRun)
	})

	t.Run("missing run", func(t *testing.T) {
		s := open(t)
		_, err := s.GetRun(ctx, "nope-"+uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetEvents(ctx, "nope-"+uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid run", func(t *testing.T) {
		s := open(t)
		assert.ErrorIs(t, s.SaveRun(ctx, nil), ErrInvalidRun)
		assert.ErrorIs(t, s.SaveRun(ctx, &backtest.RunResult{}), ErrInvalidRun)
	})

	t.Run("list in save order", func(t *testing.T) {
		s := open(t)
		before, err := s.ListRuns(ctx)
		require.NoError(t, err)

		first, second := sampleRun(t), sampleRun(t)
		second.Error = "invariant violated"
		second.PnLValidationPassed = false
		require.NoError(t, s.SaveRun(ctx, first))
		require.NoError(t, s.SaveRun(ctx, second))

		runs, err := s.ListRuns(ctx)
		require.NoError(t, err)
		require.Len(t, runs, len(before)+2)
		got := runs[len(before):]
		assert.Equal(t, first.RunID, got[0].RunID)
		assert.Equal(t, second.RunID, got[1].RunID)
		assert.Equal(t, 2, got[0].TotalTrades)
		assert.True(t, got[0].PnLValidationPassed)
		assert.Equal(t, "invariant violated", got[1].Error)
		assert.False(t, got[1].SavedAt.IsZero())
	})
}

func TestJSONStorage_Interface(t *testing.T) {
	testInterface(t, func(t *testing.T) Interface {
		s, err := NewJSONStorage(filepath.Join(t.TempDir(), "runs.json"))
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStorage_Interface(t *testing.T) {
	testInterface(t, func(t *testing.T) Interface {
		s, err := NewSQLiteStorage(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMockStorage_Interface(t *testing.T) {
	testInterface(t, func(_ *testing.T) Interface { return NewMockStorage() })
}

// TestPostgresStorage_Interface needs a live database, e.g.
// SCRANTON_TEST_DATABASE_URL=postgres://localhost:5432/scranton_test
func TestPostgresStorage_Interface(t *testing.T) {
	dsn := os.Getenv("SCRANTON_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SCRANTON_TEST_DATABASE_URL not set")
	}
	testInterface(t, func(t *testing.T) Interface {
		s, err := NewPostgresStorage(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
