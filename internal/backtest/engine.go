package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/eddiefleurent/scranton_ledger/internal/logging"
	"github.com/eddiefleurent/scranton_ledger/internal/marketdata"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/pricing"
	"github.com/eddiefleurent/scranton_ledger/internal/recorder"
	"github.com/eddiefleurent/scranton_ledger/internal/strategy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Run modes stored on RunResult.Mode
const (
	ModeBacktest = "backtest"
	ModePaper    = "paper"
)

// Config holds everything a run needs besides its date range and balance
type Config struct {
	// Location is the exchange time zone for the trading window
	Location *time.Location
	Symbols  []string
	// TradingStart and TradingEnd bound the ticks processed each weekday, as
	// offsets from midnight. Zero values disable the filter.
	TradingStart time.Duration
	TradingEnd   time.Duration
	Lifecycle    models.LifecycleConfig
	Exit         strategy.ExitConfig
	Strategy     strategy.StrategyConfig
	Timeline     marketdata.TimelineOptions
}

// SignalFactory builds a fresh signal generator for one run. account is the
// run's own ledger.
type SignalFactory func(oracle pricing.Oracle, account ledger.Reader) strategy.SignalGenerator

// Engine runs backtests against a data provider. One Engine can run many
// periods concurrently; each run gets its own ledger.
type Engine struct {
	provider marketdata.Provider
	oracle   pricing.Oracle
	signals  SignalFactory
	logger   logrus.FieldLogger
	runIDs   func() uuid.UUID
	cfg      Config
}

// Option customizes an Engine
type Option func(*Engine)

// WithSignals replaces the scheduled generator built from Config.Strategy
func WithSignals(f SignalFactory) Option {
	return func(e *Engine) { e.signals = f }
}

// WithRunIDs sets the run id source; tests use it for deterministic ids
func WithRunIDs(f func() uuid.UUID) Option {
	return func(e *Engine) { e.runIDs = f }
}

// WithLogger sets the engine logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine. A nil oracle means Black-Scholes.
func NewEngine(provider marketdata.Provider, oracle pricing.Oracle, cfg Config, opts ...Option) *Engine {
	if oracle == nil {
		oracle = pricing.NewBlackScholes()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e := &Engine{provider: provider, oracle: oracle, cfg: cfg, runIDs: uuid.New}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDiscard(e.logger)
	if e.signals == nil {
		strat := cfg.Strategy
		if strat.Location == nil {
			strat.Location = cfg.Location
		}
		if len(strat.Symbols) == 0 {
			strat.Symbols = cfg.Symbols
		}
		e.signals = func(o pricing.Oracle, account ledger.Reader) strategy.SignalGenerator {
			return strategy.NewScheduledGenerator(strat, o, account)
		}
	}
	return e
}

// NewSession wires a fresh ledger, lifecycle, exit engine and recorder
func (e *Engine) NewSession(initial decimal.Decimal) *Session {
	runID := e.runIDs()
	logger := e.logger.WithField("run_id", models.ShortID(runID.String()))

	l := ledger.New(initial)
	lcCfg := e.cfg.Lifecycle
	lcCfg.NextID = models.SequentialIDs(runID)
	lc := models.NewLifecycle(l, e.oracle, lcCfg, logger)
	trades := recorder.New()

	exitCfg := e.cfg.Exit
	if exitCfg.Location == nil {
		exitCfg.Location = e.cfg.Location
	}
	return &Session{
		runID:     runID,
		ledger:    l,
		lifecycle: lc,
		exits:     strategy.NewExitPolicyEngine(lc, trades, exitCfg, logger),
		signals:   e.signals(e.oracle, l),
		trades:    trades,
		logger:    logger,
		last:      make(map[string]models.Underlying),
	}
}

// inWindow reports whether t falls on a weekday inside the trading window
func (e *Engine) inWindow(t time.Time) bool {
	local := t.In(e.cfg.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if e.cfg.TradingStart <= 0 && e.cfg.TradingEnd <= 0 {
		return true
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.cfg.Location)
	offset := local.Sub(midnight)
	if e.cfg.TradingStart > 0 && offset < e.cfg.TradingStart {
		return false
	}
	if e.cfg.TradingEnd > 0 && offset > e.cfg.TradingEnd {
		return false
	}
	return true
}

// RunBacktest replays [start, end] tick by tick, force-closes whatever is
// still open with BACKTEST_END and reconciles the ledger. Fatal errors are
// both returned and stored on the result. A canceled context ends the replay
// early; the shorter history is still swept and reconciled.
func (e *Engine) RunBacktest(ctx context.Context, start, end time.Time, initial decimal.Decimal) (*RunResult, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("invalid backtest range: end %s is not after start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if !initial.IsPositive() {
		return nil, fmt.Errorf("initial balance must be positive, got %s", initial.String())
	}

	series, err := marketdata.Load(ctx, e.provider, e.cfg.Symbols, start, end)
	if err != nil {
		return nil, err
	}
	timeline := marketdata.Timeline(series, e.cfg.Timeline)

	s := e.NewSession(initial)
	s.logger.WithFields(logrus.Fields{
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
		"ticks":   len(timeline),
		"balance": initial.StringFixed(2),
	}).Info("Backtest started")

	var runErr error
	for _, m := range timeline {
		if err := ctx.Err(); err != nil {
			runErr = err
			s.logger.WithError(err).Warn("Backtest interrupted")
			break
		}
		if m.Time.Before(start) || m.Time.After(end) || !e.inWindow(m.Time) {
			continue
		}
		if err := s.Tick(m); err != nil {
			res := s.Result(start, end)
			res.Mode = ModeBacktest
			res.fail(err)
			s.logger.WithError(err).Error("Backtest aborted")
			return res, err
		}
	}

	validation, err := s.Finish(models.ExitBacktestEnd)
	res := s.Result(start, end)
	res.Mode = ModeBacktest
	res.applyValidation(validation)
	if err != nil {
		res.fail(err)
		s.logger.WithError(err).Error("Backtest failed reconciliation")
		return res, err
	}
	if runErr != nil {
		// the truncated run still reconciled; keep its validation outcome
		res.Err = runErr
		res.Error = runErr.Error()
		return res, runErr
	}

	s.logger.WithFields(logrus.Fields{
		"trades":        res.TotalTrades,
		"final_balance": res.FinalBalance.StringFixed(2),
		"realized_pnl":  res.TotalRealizedPnL.StringFixed(2),
		"skipped_ticks": res.SkippedTicks,
	}).Info("Backtest complete")
	return res, nil
}

// IsCanceled reports whether a run ended because its context was canceled
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
