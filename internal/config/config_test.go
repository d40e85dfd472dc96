package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// the shipped example must always load
	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if cfg.Environment.Mode != "backtest" {
		t.Errorf("Expected backtest mode, got %q", cfg.Environment.Mode)
	}
	if got := cfg.InitialBalance().String(); got != "25000" {
		t.Errorf("Expected initial balance 25000, got %s", got)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_DotEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SCRANTON_TEST_SYMBOL", "")
	os.Unsetenv("SCRANTON_TEST_SYMBOL")

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SCRANTON_TEST_SYMBOL=qqq\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	yamlText := strings.Replace(validYAML, "symbols: [SPY]", "symbols: [${SCRANTON_TEST_SYMBOL}]", 1)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlText), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Strategy.Symbols) != 1 || cfg.Strategy.Symbols[0] != "QQQ" {
		t.Errorf("Expected symbols [QQQ] from .env, got %v", cfg.Strategy.Symbols)
	}
}

const validYAML = `
environment:
  mode: backtest
market_data:
  provider: synthetic
backtest:
  start: "2024-03-04"
  end: "2024-03-08"
  initial_balance: 10000
strategy:
  type: iron_condor
  symbols: [SPY]
  entry:
    times: ["10:00"]
    delta: 0.16
    wing_width: 5
  exit:
    profit_target: 0.5
    stop_loss_multiple: 2
    max_hold_time: 3h
    session_cutoff: "15:45"
schedule:
  trading_start: "09:30"
  trading_end: "16:00"
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"log level", cfg.Environment.LogLevel, "info"},
		{"log format", cfg.Environment.LogFormat, "text"},
		{"interval", cfg.MarketData.Interval, "5min"},
		{"timezone", cfg.Schedule.Timezone, "America/New_York"},
		{"check interval", cfg.GetCheckInterval(), 5 * time.Minute},
		{"quantity", cfg.Strategy.Quantity, int64(1)},
		{"volatility", cfg.Pricing.Volatility, 0.20},
		{"expiration", cfg.ExpirationTime(), 16 * time.Hour},
		{"storage backend", cfg.Storage.Backend, "json"},
		{"storage path", cfg.Storage.Path, "data/runs.json"},
		{"parallelism", cfg.Backtest.Parallelism, 4},
		{"dashboard addr", cfg.Dashboard.Addr, ":8080"},
		{"max hold", cfg.GetMaxHoldTime(), 3 * time.Hour},
		{"cutoff", cfg.SessionCutoff(), 15*time.Hour + 45*time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(validYAML + "\nbroker:\n  api_key: x\n"))
	if err == nil || !strings.Contains(err.Error(), "parsing config") {
		t.Errorf("Expected unknown field error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad mode", func(c *Config) { c.Environment.Mode = "live" }, "environment.mode"},
		{"bad log format", func(c *Config) { c.Environment.LogFormat = "xml" }, "environment.log_format"},
		{"unknown provider", func(c *Config) { c.MarketData.Provider = "yahoo" }, "market_data.provider"},
		{"csv without dir", func(c *Config) { c.MarketData.Provider = "csv" }, "market_data.csv_dir"},
		{"tradier without key", func(c *Config) { c.MarketData.Provider = "tradier" }, "market_data.api_key"},
		{"paper from csv", func(c *Config) {
			c.Environment.Mode = "paper"
			c.MarketData.Provider = "csv"
			c.MarketData.CSVDir = "data"
		}, "cannot serve paper mode"},
		{"bad interval", func(c *Config) { c.MarketData.Interval = "2min" }, "market_data.interval"},
		{"bad backoff", func(c *Config) { c.MarketData.Retry.MaxBackoff = "soon" }, "market_data.retry.max_backoff"},
		{"bad failure ratio", func(c *Config) { c.MarketData.Breaker.FailureRatio = 1.5 }, "market_data.breaker.failure_ratio"},
		{"unknown strategy", func(c *Config) { c.Strategy.Type = "butterfly" }, "strategy.type"},
		{"no symbols", func(c *Config) { c.Strategy.Symbols = nil }, "strategy.symbols"},
		{"allocation too high", func(c *Config) { c.Strategy.AllocationPct = 1.5 }, "strategy.allocation_pct"},
		{"no entry times", func(c *Config) { c.Strategy.Entry.Times = nil }, "strategy.entry.times"},
		{"bad entry time", func(c *Config) { c.Strategy.Entry.Times = []string{"25:00"} }, "strategy.entry.times"},
		{"delta as percent", func(c *Config) { c.Strategy.Entry.Delta = 16 }, "strategy.entry.delta"},
		{"negative target", func(c *Config) { c.Strategy.Exit.ProfitTarget = -0.1 }, "strategy.exit.profit_target"},
		{"negative stop", func(c *Config) { c.Strategy.Exit.StopLossMultiple = -1 }, "strategy.exit.stop_loss_multiple"},
		{"bad hold time", func(c *Config) { c.Strategy.Exit.MaxHoldTime = "-1h" }, "strategy.exit.max_hold_time"},
		{"bad cutoff", func(c *Config) { c.Strategy.Exit.SessionCutoff = "late" }, "strategy.exit.session_cutoff"},
		{"cutoff after trading end", func(c *Config) { c.Strategy.Exit.SessionCutoff = "16:15" }, "must not be after schedule.trading_end"},
		{"cutoff at trading end", func(c *Config) { c.Strategy.Exit.SessionCutoff = "16:00" }, ""},
		{"negative vol", func(c *Config) { c.Pricing.Volatility = -0.2 }, "pricing.volatility"},
		{"negative slippage", func(c *Config) { c.Pricing.SlippagePerContract = -1 }, "pricing.slippage_per_contract"},
		{"vol window of one", func(c *Config) { c.Pricing.VolatilityWindow = 1 }, "pricing.volatility_window"},
		{"bad check interval", func(c *Config) { c.Schedule.MarketCheckInterval = "0s" }, "schedule.market_check_interval"},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"inverted window", func(c *Config) { c.Schedule.TradingStart = "16:30" }, "schedule trading window"},
		{"zero balance", func(c *Config) { c.Backtest.InitialBalance = 0 }, "backtest.initial_balance"},
		{"bad start", func(c *Config) { c.Backtest.Start = "03/04/2024" }, "backtest.start"},
		{"inverted range", func(c *Config) { c.Backtest.End = "2024-03-01" }, "backtest.end"},
		{"paper skips range", func(c *Config) {
			c.Environment.Mode = "paper"
			c.Backtest.Start = ""
		}, ""},
		{"unnamed period", func(c *Config) {
			c.Backtest.Periods = []PeriodConfig{{Start: "2024-01-01", End: "2024-01-31"}}
		}, "backtest.periods[0].name"},
		{"duplicate period", func(c *Config) {
			c.Backtest.Periods = []PeriodConfig{
				{Name: "jan", Start: "2024-01-01", End: "2024-01-31"},
				{Name: "jan", Start: "2024-02-01", End: "2024-02-29"},
			}
		}, "duplicated"},
		{"bad period range", func(c *Config) {
			c.Backtest.Periods = []PeriodConfig{{Name: "jan", Start: "2024-01-31", End: "2024-01-01"}}
		}, "backtest.periods[0].end"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }, "storage.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.dsn"},
		{"sqlite without path", func(c *Config) {
			c.Storage.Backend = "sqlite"
			c.Storage.Path = ""
		}, "storage.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(validYAML))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsWithinTradingHours(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	loc := cfg.Location()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"open", time.Date(2024, 3, 4, 9, 30, 0, 0, loc), true},
		{"midday", time.Date(2024, 3, 4, 12, 0, 0, 0, loc), true},
		{"close is exclusive", time.Date(2024, 3, 4, 16, 0, 0, 0, loc), false},
		{"premarket", time.Date(2024, 3, 4, 9, 0, 0, 0, loc), false},
		{"saturday", time.Date(2024, 3, 9, 12, 0, 0, 0, loc), false},
		{"sunday", time.Date(2024, 3, 10, 12, 0, 0, 0, loc), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.IsWithinTradingHours(tt.at); got != tt.want {
				t.Errorf("IsWithinTradingHours(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestBacktestRange(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	start, end, err := cfg.BacktestRange()
	if err != nil {
		t.Fatalf("BacktestRange() error = %v", err)
	}
	loc := cfg.Location()
	if !start.Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, loc)) {
		t.Errorf("start = %v", start)
	}
	// the end date is inclusive
	if !end.After(time.Date(2024, 3, 8, 23, 59, 0, 0, loc)) || !end.Before(time.Date(2024, 3, 9, 0, 0, 0, 0, loc)) {
		t.Errorf("end = %v", end)
	}
}

func TestPeriods(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ps, err := cfg.Periods(); err != nil || ps != nil {
		t.Errorf("Periods() with none configured = %v, %v", ps, err)
	}

	cfg.Backtest.Periods = []PeriodConfig{
		{Name: "q1", Start: "2024-01-02", End: "2024-03-28"},
		{Name: "q2", Start: "2024-04-01", End: "2024-06-28"},
	}
	ps, err := cfg.Periods()
	if err != nil {
		t.Fatalf("Periods() error = %v", err)
	}
	if len(ps) != 2 || ps[0].Name != "q1" || ps[1].Name != "q2" {
		t.Fatalf("Periods() = %+v", ps)
	}
	if ps[1].Start.Month() != time.April {
		t.Errorf("q2 start = %v", ps[1].Start)
	}
}

func TestEntryTimesAndWindow(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	cfg.Strategy.Entry.Times = []string{"10:00", "13:30"}
	got := cfg.EntryTimes()
	if len(got) != 2 || got[0] != 10*time.Hour || got[1] != 13*time.Hour+30*time.Minute {
		t.Errorf("EntryTimes() = %v", got)
	}
	start, end := cfg.TradingWindow()
	if start != 9*time.Hour+30*time.Minute || end != 16*time.Hour {
		t.Errorf("TradingWindow() = %v, %v", start, end)
	}
}

func TestProviderSettings(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	r := cfg.RetryConfig()
	if r.MaxRetries != 3 || r.InitialBackoff != time.Second || r.MaxBackoff != 30*time.Second {
		t.Errorf("default RetryConfig() = %+v", r)
	}
	cfg.MarketData.Retry = RetryConfig{MaxRetries: 5, InitialBackoff: "250ms", Timeout: "10s"}
	r = cfg.RetryConfig()
	if r.MaxRetries != 5 || r.InitialBackoff != 250*time.Millisecond || r.Timeout != 10*time.Second || r.MaxBackoff != 30*time.Second {
		t.Errorf("RetryConfig() = %+v", r)
	}

	cfg.MarketData.Breaker = BreakerConfig{MinRequests: 10, FailureRatio: 0.5, Timeout: "1m"}
	b := cfg.BreakerSettings()
	if b.MinRequests != 10 || b.FailureRatio != 0.5 || b.Timeout != time.Minute || b.MaxRequests != 3 {
		t.Errorf("BreakerSettings() = %+v", b)
	}
}
