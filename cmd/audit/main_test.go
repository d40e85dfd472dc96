package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/config"
	"github.com/eddiefleurent/scranton_ledger/internal/marketdata"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/storage"
	"github.com/eddiefleurent/scranton_ledger/internal/strategy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const auditYAML = `
environment:
  mode: backtest
market_data:
  provider: synthetic
backtest:
  start: "2024-03-04"
  end: "2024-03-04"
  initial_balance: 10000
strategy:
  type: buy_call
  symbols: [SPY]
  entry:
    times: ["10:00"]
pricing:
  risk_free_rate: 0.05
schedule:
  trading_start: "09:30"
  trading_end: "16:00"
storage:
  backend: %s
  path: %s
`

// backtestRun produces a real, reconciled run from synthetic bars
func backtestRun(t *testing.T) *backtest.RunResult {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	engine := backtest.NewEngine(marketdata.NewSyntheticProvider(11, loc), nil, backtest.Config{
		Location:     loc,
		Symbols:      []string{"SPY"},
		TradingStart: 9*time.Hour + 30*time.Minute,
		TradingEnd:   16 * time.Hour,
		Lifecycle:    models.LifecycleConfig{RiskFreeRate: 0.05, DefaultVolatility: 0.2, SlippagePerContract: 0.05},
		Exit:         strategy.ExitConfig{ProfitTargetPct: 0.5, StopLossMultiple: 0.5},
		Strategy: strategy.StrategyConfig{
			Type:           models.StrategyBuyCall,
			EntryTimes:     []time.Duration{10 * time.Hour, 11 * time.Hour, 13 * time.Hour},
			ExpirationTime: 16 * time.Hour,
			Quantity:       1,
			Volatility:     0.2,
		},
	})
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, loc)
	res, err := engine.RunBacktest(context.Background(), start, start.AddDate(0, 0, 1).Add(-time.Nanosecond), decimal.NewFromInt(10000))
	require.NoError(t, err)
	require.True(t, res.PnLValidationPassed)
	return res
}

// tampered copies run under a new id with one event amount changed
func tampered(t *testing.T, run *backtest.RunResult) *backtest.RunResult {
	t.Helper()
	raw, err := json.Marshal(run)
	require.NoError(t, err)
	var out backtest.RunResult
	require.NoError(t, json.Unmarshal(raw, &out))
	out.RunID = uuid.NewString()
	require.NotEmpty(t, out.Events, "fixture needs at least one trade")
	out.Events[len(out.Events)-1].Amount = out.Events[len(out.Events)-1].Amount.Add(decimal.NewFromInt(5))
	return &out
}

func setup(t *testing.T, backend string, runs ...*backtest.RunResult) string {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "runs."+backend)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(auditYAML, backend, storePath)), 0o600))

	store, err := storage.NewStorage(context.Background(), config.StorageConfig{Backend: backend, Path: storePath})
	require.NoError(t, err)
	for _, r := range runs {
		require.NoError(t, store.SaveRun(context.Background(), r))
	}
	require.NoError(t, store.Close())
	return cfgPath
}

func TestAudit_CleanRunPasses(t *testing.T) {
	for _, backend := range []string{"json", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfgPath := setup(t, backend, backtestRun(t))

			var stdout, stderr bytes.Buffer
			code := run(context.Background(), []string{"-config", cfgPath}, &stdout, &stderr)
			assert.Equal(t, 0, code, stderr.String())
			assert.Contains(t, stdout.String(), " OK ===")
			assert.NotContains(t, stdout.String(), "ISSUES FOUND")
		})
	}
}

func TestAudit_TamperedRunFails(t *testing.T) {
	clean := backtestRun(t)
	bad := tampered(t, clean)
	cfgPath := setup(t, "sqlite", clean, bad)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-json"}, &stdout, &stderr)
	assert.Equal(t, 1, code)

	var audits []RunAudit
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &audits))
	require.Len(t, audits, 2)
	assert.True(t, audits[0].OK)
	assert.False(t, audits[1].OK)
	assert.Equal(t, bad.RunID, audits[1].RunID)
	assert.Contains(t, audits[1].Report.ReplayError, "invariant violated")
}

func TestAudit_SingleRunAndMissingRun(t *testing.T) {
	clean := backtestRun(t)
	bad := tampered(t, clean)
	cfgPath := setup(t, "json", clean, bad)

	var stdout bytes.Buffer
	assert.Equal(t, 0, run(context.Background(), []string{"-config", cfgPath, "-run", clean.RunID}, &stdout, &bytes.Buffer{}))

	var stderr bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), []string{"-config", cfgPath, "-run", "missing"}, &bytes.Buffer{}, &stderr))
	assert.Contains(t, stderr.String(), "run not found")
}

func TestAudit_NoRuns(t *testing.T) {
	cfgPath := setup(t, "json")
	var stdout bytes.Buffer
	assert.Equal(t, 0, run(context.Background(), []string{"-config", cfgPath}, &stdout, &bytes.Buffer{}))
	assert.Contains(t, stdout.String(), "No stored runs.")
}

func TestMaskDSN(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"url with password", "postgres://bot:secret@db:5432/runs", "postgres://bot:xxxxx@db:5432/runs"},
		{"url without password", "postgres://bot@db:5432/runs", "postgres://bot@db:5432/runs"},
		{"url without user", "postgres://db:5432/runs", "postgres://db:5432/runs"},
		{"key value form", "host=db password=secret", "<dsn>"},
		{"empty", "", "<dsn>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maskDSN(tt.input); got != tt.expected {
				t.Errorf("maskDSN(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}
