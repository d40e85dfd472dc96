// Package config provides configuration management for the backtest and paper binaries.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // minimal containers ship without a zoneinfo database

	"github.com/eddiefleurent/scranton_ledger/internal/marketdata"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/util"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize
const (
	defaultTimezone       = "America/New_York"
	defaultCheckInterval  = "5m"
	defaultExpirationTime = "16:00"
	defaultVolatility     = 0.20
	defaultPeriodsPerYear = 252 * 78 // 5-minute bars per trading year
	defaultParallelism    = 4
	defaultStoragePath    = "data/runs.json"
	defaultDashboardAddr  = ":8080"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	MarketData  MarketDataConfig  `yaml:"market_data"`
	Backtest    BacktestConfig    `yaml:"backtest"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // backtest | paper
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// MarketDataConfig selects and tunes the bar source.
type MarketDataConfig struct {
	StartPrices map[string]float64 `yaml:"start_prices"` // synthetic only
	Provider    string             `yaml:"provider"`     // csv | tradier | synthetic
	CSVDir      string             `yaml:"csv_dir"`
	APIKey      string             `yaml:"api_key"`
	BaseURL     string             `yaml:"base_url"`
	Interval    string             `yaml:"interval"` // 1min | 5min | 15min | daily
	Retry       RetryConfig        `yaml:"retry"`
	Breaker     BreakerConfig      `yaml:"breaker"`
	Seed        uint64             `yaml:"seed"`
	Sandbox     bool               `yaml:"sandbox"`
}

// RetryConfig bounds retries of provider calls.
type RetryConfig struct {
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	Timeout        string `yaml:"timeout"`
	MaxRetries     int    `yaml:"max_retries"`
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	FailureRatio float64 `yaml:"failure_ratio"`
	MaxRequests  uint32  `yaml:"max_requests"`
	MinRequests  uint32  `yaml:"min_requests"`
}

// BacktestConfig defines the replay range and starting capital.
type BacktestConfig struct {
	Start          string         `yaml:"start"` // YYYY-MM-DD
	End            string         `yaml:"end"`   // YYYY-MM-DD, inclusive
	Periods        []PeriodConfig `yaml:"periods"`
	InitialBalance float64        `yaml:"initial_balance"`
	Parallelism    int            `yaml:"parallelism"`
}

// PeriodConfig is one named range of a multi-period analysis.
type PeriodConfig struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// StrategyConfig defines the entry template and its exit thresholds.
type StrategyConfig struct {
	Type             string      `yaml:"type"`
	Symbols          []string    `yaml:"symbols"`
	Entry            EntryConfig `yaml:"entry"`
	Exit             ExitConfig  `yaml:"exit"`
	AllocationPct    float64     `yaml:"allocation_pct"`
	Quantity         int64       `yaml:"quantity"`
	MaxOpenPositions int         `yaml:"max_open_positions"`
}

// EntryConfig defines when and how positions are opened.
type EntryConfig struct {
	Times           []string `yaml:"times"`           // "HH:MM" in schedule.timezone
	ExpirationTime  string   `yaml:"expiration_time"` // "HH:MM"
	DTE             int      `yaml:"dte"`
	DiagonalDTE     int      `yaml:"diagonal_dte"`
	Delta           float64  `yaml:"delta"` // 0-1, e.g. 0.16
	WingWidth       float64  `yaml:"wing_width"`
	StrikeIncrement float64  `yaml:"strike_increment"`
}

// ExitConfig defines exit criteria for closing positions.
type ExitConfig struct {
	MaxHoldTime      string  `yaml:"max_hold_time"`  // Go duration, empty disables
	SessionCutoff    string  `yaml:"session_cutoff"` // "HH:MM", empty disables
	ProfitTarget     float64 `yaml:"profit_target"`  // fraction of |entry cost|
	StopLossMultiple float64 `yaml:"stop_loss_multiple"`
}

// PricingConfig holds valuation assumptions.
type PricingConfig struct {
	RiskFreeRate        float64 `yaml:"risk_free_rate"`
	Volatility          float64 `yaml:"volatility"`
	SlippagePerContract float64 `yaml:"slippage_per_contract"`
	PeriodsPerYear      float64 `yaml:"periods_per_year"`
	VolatilityWindow    int     `yaml:"volatility_window"`
}

// ScheduleConfig defines trading schedule and market hours.
type ScheduleConfig struct {
	MarketCheckInterval string `yaml:"market_check_interval"`
	Timezone            string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart        string `yaml:"trading_start"` // "HH:MM"
	TradingEnd          string `yaml:"trading_end"`   // "HH:MM"
}

// StorageConfig defines where finished runs are persisted.
type StorageConfig struct {
	Backend string `yaml:"backend"` // json | sqlite | postgres
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// DashboardConfig defines the read-only HTTP API.
type DashboardConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
	Enabled   bool   `yaml:"enabled"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the config is loaded first so ${VAR} references can
// resolve from it.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, normalizes and validates YAML config bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// loadDotEnv loads path without overriding variables already set. A missing
// file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// normalize fills in defaults for unset optional fields
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "backtest"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.MarketData.Interval == "" {
		c.MarketData.Interval = "5min"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.MarketCheckInterval == "" {
		c.Schedule.MarketCheckInterval = defaultCheckInterval
	}
	if c.Strategy.Entry.ExpirationTime == "" {
		c.Strategy.Entry.ExpirationTime = defaultExpirationTime
	}
	if c.Strategy.Quantity == 0 {
		c.Strategy.Quantity = 1
	}
	if c.Pricing.Volatility == 0 {
		c.Pricing.Volatility = defaultVolatility
	}
	if c.Pricing.PeriodsPerYear == 0 {
		c.Pricing.PeriodsPerYear = defaultPeriodsPerYear
	}
	if c.Backtest.Parallelism == 0 {
		c.Backtest.Parallelism = defaultParallelism
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "json"
	}
	if c.Storage.Path == "" && c.Storage.Backend != "postgres" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Dashboard.Addr == "" {
		c.Dashboard.Addr = defaultDashboardAddr
	}
	for i, s := range c.Strategy.Symbols {
		c.Strategy.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "backtest" && c.Environment.Mode != "paper" {
		return fmt.Errorf("environment.mode must be 'backtest' or 'paper'")
	}
	if f := c.Environment.LogFormat; f != "text" && f != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	if err := c.validateMarketData(); err != nil {
		return err
	}
	if err := c.validateStrategy(); err != nil {
		return err
	}

	// Pricing validation
	if c.Pricing.Volatility <= 0 || c.Pricing.Volatility > 5 {
		return fmt.Errorf("pricing.volatility must be in (0,5]")
	}
	if c.Pricing.RiskFreeRate < 0 || c.Pricing.RiskFreeRate > 1 {
		return fmt.Errorf("pricing.risk_free_rate must be in [0,1]")
	}
	if c.Pricing.SlippagePerContract < 0 {
		return fmt.Errorf("pricing.slippage_per_contract must be >= 0")
	}
	if c.Pricing.VolatilityWindow < 0 || c.Pricing.VolatilityWindow == 1 {
		return fmt.Errorf("pricing.volatility_window must be 0 or >= 2")
	}

	// Schedule validation
	if d, err := time.ParseDuration(c.Schedule.MarketCheckInterval); err != nil || d <= 0 {
		return fmt.Errorf("schedule.market_check_interval must be a positive duration")
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	start, err1 := parseClock(c.Schedule.TradingStart)
	end, err2 := parseClock(c.Schedule.TradingEnd)
	if err1 != nil || err2 != nil || start >= end {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}
	if cutoff := c.SessionCutoff(); cutoff > end {
		return fmt.Errorf("strategy.exit.session_cutoff (%s) must not be after schedule.trading_end (%s)",
			c.Strategy.Exit.SessionCutoff, c.Schedule.TradingEnd)
	}

	if c.Environment.Mode == "backtest" {
		if err := c.validateBacktest(); err != nil {
			return err
		}
	}

	// Storage validation
	switch c.Storage.Backend {
	case "json", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be 'json', 'sqlite' or 'postgres'")
	}

	return nil
}

func (c *Config) validateMarketData() error {
	md := c.MarketData
	switch md.Provider {
	case "csv":
		if md.CSVDir == "" {
			return fmt.Errorf("market_data.csv_dir is required for the csv provider")
		}
	case "tradier":
		if md.APIKey == "" {
			return fmt.Errorf("market_data.api_key is required for the tradier provider")
		}
	case "synthetic":
	default:
		return fmt.Errorf("market_data.provider must be 'csv', 'tradier' or 'synthetic'")
	}
	if c.Environment.Mode == "paper" && md.Provider == "csv" {
		return fmt.Errorf("market_data.provider 'csv' cannot serve paper mode quotes")
	}
	switch md.Interval {
	case "1min", "5min", "15min", "daily":
	default:
		return fmt.Errorf("market_data.interval must be one of 1min, 5min, 15min, daily")
	}
	if md.Retry.MaxRetries < 0 {
		return fmt.Errorf("market_data.retry.max_retries must be >= 0")
	}
	for field, v := range map[string]string{
		"market_data.retry.initial_backoff": md.Retry.InitialBackoff,
		"market_data.retry.max_backoff":     md.Retry.MaxBackoff,
		"market_data.retry.timeout":         md.Retry.Timeout,
		"market_data.breaker.interval":      md.Breaker.Interval,
		"market_data.breaker.timeout":       md.Breaker.Timeout,
	} {
		if _, err := optionalDuration(v); err != nil {
			return fmt.Errorf("%s invalid: %w", field, err)
		}
	}
	if md.Breaker.FailureRatio < 0 || md.Breaker.FailureRatio > 1 {
		return fmt.Errorf("market_data.breaker.failure_ratio must be in [0,1]")
	}
	return nil
}

func (c *Config) validateStrategy() error {
	s := c.Strategy
	if _, err := models.ParseStrategyType(s.Type); err != nil {
		return fmt.Errorf("strategy.type: %w", err)
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf("strategy.symbols requires at least one symbol")
	}
	if s.AllocationPct < 0 || s.AllocationPct > 1.0 {
		return fmt.Errorf("strategy.allocation_pct must be between 0 and 1.0")
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("strategy.quantity must be > 0")
	}
	if s.MaxOpenPositions < 0 {
		return fmt.Errorf("strategy.max_open_positions must be >= 0")
	}
	if len(s.Entry.Times) == 0 {
		return fmt.Errorf("strategy.entry.times requires at least one HH:MM time")
	}
	for _, t := range s.Entry.Times {
		if _, err := parseClock(t); err != nil {
			return fmt.Errorf("strategy.entry.times: %w", err)
		}
	}
	if _, err := parseClock(s.Entry.ExpirationTime); err != nil {
		return fmt.Errorf("strategy.entry.expiration_time: %w", err)
	}
	if s.Entry.DTE < 0 || s.Entry.DiagonalDTE < 0 {
		return fmt.Errorf("strategy.entry.dte and diagonal_dte must be >= 0")
	}
	if s.Entry.Delta < 0 || s.Entry.Delta >= 0.5 {
		return fmt.Errorf("strategy.entry.delta must be in [0,0.5)")
	}
	if s.Entry.WingWidth < 0 || s.Entry.StrikeIncrement < 0 {
		return fmt.Errorf("strategy.entry.wing_width and strike_increment must be >= 0")
	}

	// Exit configuration validation
	if s.Exit.ProfitTarget < 0 {
		return fmt.Errorf("strategy.exit.profit_target must be >= 0")
	}
	if s.Exit.StopLossMultiple < 0 {
		return fmt.Errorf("strategy.exit.stop_loss_multiple must be >= 0")
	}
	if d, err := optionalDuration(s.Exit.MaxHoldTime); err != nil || d < 0 {
		return fmt.Errorf("strategy.exit.max_hold_time must be a non-negative duration")
	}
	if s.Exit.SessionCutoff != "" {
		if _, err := parseClock(s.Exit.SessionCutoff); err != nil {
			return fmt.Errorf("strategy.exit.session_cutoff: %w", err)
		}
	}
	return nil
}

func (c *Config) validateBacktest() error {
	b := c.Backtest
	if b.InitialBalance <= 0 {
		return fmt.Errorf("backtest.initial_balance must be > 0")
	}
	if b.Parallelism < 0 {
		return fmt.Errorf("backtest.parallelism must be >= 0")
	}
	if len(b.Periods) == 0 {
		if err := validateRange("backtest", b.Start, b.End); err != nil {
			return err
		}
		return nil
	}
	seen := make(map[string]bool, len(b.Periods))
	for i, p := range b.Periods {
		if p.Name == "" {
			return fmt.Errorf("backtest.periods[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("backtest.periods[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if err := validateRange(fmt.Sprintf("backtest.periods[%d]", i), p.Start, p.End); err != nil {
			return err
		}
	}
	return nil
}

func validateRange(field, start, end string) error {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return fmt.Errorf("%s.start must be YYYY-MM-DD", field)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return fmt.Errorf("%s.end must be YYYY-MM-DD", field)
	}
	if e.Before(s) {
		return fmt.Errorf("%s.end (%s) must not be before %s.start (%s)", field, end, field, start)
	}
	return nil
}

// parseClock converts "HH:MM" into an offset from midnight
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func optionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the exchange time zone. Minimal containers without tzdata
// fall back to a fixed Eastern offset.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// GetCheckInterval returns the configured market check interval duration.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.MarketCheckInterval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// GetMaxHoldTime returns strategy.exit.max_hold_time, zero when unset
func (c *Config) GetMaxHoldTime() time.Duration {
	d, _ := optionalDuration(c.Strategy.Exit.MaxHoldTime)
	return d
}

// SessionCutoff returns strategy.exit.session_cutoff as an offset from
// midnight, zero when unset
func (c *Config) SessionCutoff() time.Duration {
	if c.Strategy.Exit.SessionCutoff == "" {
		return 0
	}
	d, _ := parseClock(c.Strategy.Exit.SessionCutoff)
	return d
}

// TradingWindow returns the trading start and end as offsets from midnight
func (c *Config) TradingWindow() (start, end time.Duration) {
	start, _ = parseClock(c.Schedule.TradingStart)
	end, _ = parseClock(c.Schedule.TradingEnd)
	return start, end
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.Location()
	today := now.In(loc)

	// Only allow Monday–Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}
	startOff, endOff := c.TradingWindow()
	midnight := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)
	start := midnight.Add(startOff)
	end := midnight.Add(endOff)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}

// InitialBalance returns backtest.initial_balance rounded to cents
func (c *Config) InitialBalance() decimal.Decimal {
	return util.Cents(c.Backtest.InitialBalance)
}

// BacktestRange returns the configured range: midnight of start through the
// last instant of end, in the exchange time zone.
func (c *Config) BacktestRange() (time.Time, time.Time, error) {
	return dayRange(c.Backtest.Start, c.Backtest.End, c.Location())
}

// Period is a resolved backtest.periods entry
type Period struct {
	Start time.Time
	End   time.Time
	Name  string
}

// Periods resolves backtest.periods; nil when none are configured
func (c *Config) Periods() ([]Period, error) {
	out := make([]Period, 0, len(c.Backtest.Periods))
	for _, p := range c.Backtest.Periods {
		start, end, err := dayRange(p.Start, p.End, c.Location())
		if err != nil {
			return nil, fmt.Errorf("period %s: %w", p.Name, err)
		}
		out = append(out, Period{Name: p.Name, Start: start, End: end})
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func dayRange(startStr, endStr string, loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(time.DateOnly, startStr, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing start date: %w", err)
	}
	end, err := time.ParseInLocation(time.DateOnly, endStr, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing end date: %w", err)
	}
	return start, end.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

// EntryTimes returns strategy.entry.times as offsets from midnight
func (c *Config) EntryTimes() []time.Duration {
	out := make([]time.Duration, 0, len(c.Strategy.Entry.Times))
	for _, t := range c.Strategy.Entry.Times {
		if d, err := parseClock(t); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// ExpirationTime returns strategy.entry.expiration_time as an offset from midnight
func (c *Config) ExpirationTime() time.Duration {
	d, err := parseClock(c.Strategy.Entry.ExpirationTime)
	if err != nil {
		return 16 * time.Hour
	}
	return d
}

// RetryConfig converts market_data.retry into provider settings. Unset
// fields keep the provider defaults.
func (c *Config) RetryConfig() marketdata.RetryConfig {
	r := marketdata.DefaultRetryConfig
	md := c.MarketData.Retry
	if md.MaxRetries > 0 {
		r.MaxRetries = md.MaxRetries
	}
	if d, err := optionalDuration(md.InitialBackoff); err == nil && d > 0 {
		r.InitialBackoff = d
	}
	if d, err := optionalDuration(md.MaxBackoff); err == nil && d > 0 {
		r.MaxBackoff = d
	}
	if d, err := optionalDuration(md.Timeout); err == nil && d > 0 {
		r.Timeout = d
	}
	return r
}

// BreakerSettings converts market_data.breaker into provider settings
func (c *Config) BreakerSettings() marketdata.BreakerSettings {
	s := marketdata.DefaultBreakerSettings
	b := c.MarketData.Breaker
	if b.MaxRequests > 0 {
		s.MaxRequests = b.MaxRequests
	}
	if b.MinRequests > 0 {
		s.MinRequests = b.MinRequests
	}
	if b.FailureRatio > 0 {
		s.FailureRatio = b.FailureRatio
	}
	if d, err := optionalDuration(b.Interval); err == nil && d > 0 {
		s.Interval = d
	}
	if d, err := optionalDuration(b.Timeout); err == nil && d > 0 {
		s.Timeout = d
	}
	return s
}
