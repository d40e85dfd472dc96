package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/config"
	"github.com/eddiefleurent/scranton_ledger/internal/marketdata"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/recorder"
	"github.com/eddiefleurent/scranton_ledger/internal/storage"
	"github.com/eddiefleurent/scranton_ledger/internal/strategy"
	"github.com/sirupsen/logrus"
)

// App wires config into an engine, a data source and run storage
type App struct {
	cfg    *config.Config
	engine *backtest.Engine
	quoter marketdata.Quoter
	store  storage.Interface
	logger *logrus.Logger
	opts   options
}

func newApp(ctx context.Context, cfg *config.Config, opts options, logger *logrus.Logger) (*App, error) {
	raw, err := newProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	resilient := marketdata.NewResilientProvider(raw, cfg.RetryConfig(), cfg.BreakerSettings(),
		logger.WithField("component", "marketdata"))

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		engine: backtest.NewEngine(resilient, nil, engCfg, backtest.WithLogger(logger)),
		logger: logger,
		opts:   opts,
	}

	if cfg.IsPaperTrading() {
		if _, ok := raw.(marketdata.Quoter); !ok {
			return nil, fmt.Errorf("market_data.provider %q cannot serve live quotes for paper mode", cfg.MarketData.Provider)
		}
		a.quoter = resilient
	}

	if !opts.noStore {
		a.store, err = storage.NewStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
	}
	return a, nil
}

// newProvider builds the configured bar source
func newProvider(cfg *config.Config, logger *logrus.Logger) (marketdata.Provider, error) {
	md := cfg.MarketData
	switch md.Provider {
	case "csv":
		return marketdata.NewCSVProvider(md.CSVDir, cfg.Location()), nil
	case "tradier":
		return marketdata.NewTradierClient(marketdata.TradierOptions{
			HTTPClient: &http.Client{},
			Logger:     logger.WithField("component", "tradier"),
			Location:   cfg.Location(),
			APIKey:     md.APIKey,
			BaseURL:    md.BaseURL,
			Interval:   md.Interval,
			Sandbox:    md.Sandbox,
		}), nil
	case "synthetic":
		p := marketdata.NewSyntheticProvider(md.Seed, cfg.Location())
		if len(md.StartPrices) > 0 {
			p.StartPrices = md.StartPrices
		}
		if cfg.Pricing.Volatility > 0 {
			p.Volatility = cfg.Pricing.Volatility
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown market_data.provider %q", md.Provider)
	}
}

// engineConfig maps the YAML sections onto a backtest.Config
func engineConfig(cfg *config.Config) (backtest.Config, error) {
	typ, err := models.ParseStrategyType(cfg.Strategy.Type)
	if err != nil {
		return backtest.Config{}, fmt.Errorf("strategy.type: %w", err)
	}
	loc := cfg.Location()
	start, end := cfg.TradingWindow()
	s := cfg.Strategy

	return backtest.Config{
		Location:     loc,
		Symbols:      s.Symbols,
		TradingStart: start,
		TradingEnd:   end,
		Lifecycle: models.LifecycleConfig{
			RiskFreeRate:        cfg.Pricing.RiskFreeRate,
			DefaultVolatility:   cfg.Pricing.Volatility,
			SlippagePerContract: cfg.Pricing.SlippagePerContract,
		},
		Exit: strategy.ExitConfig{
			Location:         loc,
			ProfitTargetPct:  s.Exit.ProfitTarget,
			StopLossMultiple: s.Exit.StopLossMultiple,
			MaxHoldTime:      cfg.GetMaxHoldTime(),
			SessionCutoff:    cfg.SessionCutoff(),
		},
		Strategy: strategy.StrategyConfig{
			Location:         loc,
			Type:             typ,
			Symbols:          s.Symbols,
			EntryTimes:       cfg.EntryTimes(),
			ExpirationTime:   cfg.ExpirationTime(),
			DTE:              s.Entry.DTE,
			DiagonalDTE:      s.Entry.DiagonalDTE,
			DeltaTarget:      s.Entry.Delta,
			WingWidth:        s.Entry.WingWidth,
			StrikeIncrement:  s.Entry.StrikeIncrement,
			Quantity:         s.Quantity,
			AllocationPct:    s.AllocationPct,
			MaxOpenPositions: s.MaxOpenPositions,
			RiskFreeRate:     cfg.Pricing.RiskFreeRate,
			Volatility:       cfg.Pricing.Volatility,
		},
		Timeline: marketdata.TimelineOptions{
			VolatilityWindow: cfg.Pricing.VolatilityWindow,
			PeriodsPerYear:   cfg.Pricing.PeriodsPerYear,
		},
	}, nil
}

// Run executes the configured mode and persists every result it produced.
// Results are returned even when err is non-nil.
func (a *App) Run(ctx context.Context) ([]*backtest.RunResult, error) {
	results, runErr := a.execute(ctx)

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	for _, res := range results {
		a.report(res)
		if err := a.persist(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

func (a *App) execute(ctx context.Context) ([]*backtest.RunResult, error) {
	initial := a.cfg.InitialBalance()

	if a.cfg.IsPaperTrading() {
		runner := backtest.NewPaperRunner(a.engine, a.quoter, a.cfg.GetCheckInterval())
		res, err := runner.Run(ctx, initial)
		return nonNil(res), err
	}

	periods, err := a.cfg.Periods()
	if err != nil {
		return nil, err
	}
	if len(periods) > 0 {
		bp := make([]backtest.Period, 0, len(periods))
		for _, p := range periods {
			bp = append(bp, backtest.Period{Name: p.Name, Start: p.Start, End: p.End})
		}
		prs, err := a.engine.RunPeriods(ctx, bp, initial, a.cfg.Backtest.Parallelism)
		out := make([]*backtest.RunResult, 0, len(prs))
		for _, pr := range prs {
			if pr.Result != nil {
				out = append(out, pr.Result)
			}
		}
		return out, err
	}

	start, end, err := a.cfg.BacktestRange()
	if err != nil {
		return nil, err
	}
	res, err := a.engine.RunBacktest(ctx, start, end, initial)
	return nonNil(res), err
}

func nonNil(res *backtest.RunResult) []*backtest.RunResult {
	if res == nil {
		return nil
	}
	return []*backtest.RunResult{res}
}

func (a *App) report(res *backtest.RunResult) {
	entry := a.logger.WithFields(logrus.Fields{
		"run_id":        models.ShortID(res.RunID),
		"mode":          res.Mode,
		"trades":        res.TotalTrades,
		"win_rate":      fmt.Sprintf("%.1f%%", res.Statistics.WinRate),
		"max_drawdown":  res.Statistics.MaxDrawdown.StringFixed(2),
		"final_balance": res.FinalBalance.StringFixed(2),
		"realized_pnl":  res.TotalRealizedPnL.StringFixed(2),
		"validation":    res.PnLValidationPassed,
	})
	if res.Failed() {
		entry.WithField("error", res.Error).Error("Run failed")
		return
	}
	entry.Info("Run summary")
}

// persist exports the CSV logs and stores the run
func (a *App) persist(ctx context.Context, res *backtest.RunResult) error {
	var errs []error
	if a.opts.exportDir != "" {
		if err := recorder.ExportRun(a.opts.exportDir, res.RunID, res.Trades, res.BalanceLog); err != nil {
			errs = append(errs, fmt.Errorf("exporting run %s: %w", res.RunID, err))
		}
	}
	if a.store != nil {
		// saved even when the run itself was canceled
		if err := a.store.SaveRun(context.WithoutCancel(ctx), res); err != nil {
			errs = append(errs, fmt.Errorf("storing run %s: %w", res.RunID, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the storage backend
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
