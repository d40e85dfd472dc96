package backtest

import (
	"context"
	"errors"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/marketdata"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PaperRunner drives one session against live quotes polled on a fixed
// interval. The session ends at the trading window close or when the context
// is canceled; either way open positions are swept with END_OF_SESSION and
// the ledger is reconciled.
type PaperRunner struct {
	engine    *Engine
	quoter    marketdata.Quoter
	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())
	interval  time.Duration
}

// NewPaperRunner creates a runner polling quoter every interval
func NewPaperRunner(engine *Engine, quoter marketdata.Quoter, interval time.Duration) *PaperRunner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PaperRunner{
		engine:   engine,
		quoter:   quoter,
		now:      time.Now,
		interval: interval,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Run trades one session. It returns when the session closes or ctx ends.
func (p *PaperRunner) Run(ctx context.Context, initial decimal.Decimal) (*RunResult, error) {
	s := p.engine.NewSession(initial)
	start := p.now()
	s.logger.WithFields(logrus.Fields{
		"interval": p.interval.String(),
		"symbols":  p.engine.cfg.Symbols,
		"balance":  initial.StringFixed(2),
	}).Info("Paper session started")

	ticks, stop := p.newTicker(p.interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Paper session shutting down")
			return p.finish(s, start)
		case <-ticks:
		}

		now := p.now().In(p.engine.cfg.Location)
		if p.pastClose(now) {
			return p.finish(s, start)
		}
		if !p.engine.inWindow(now) {
			continue
		}

		m := p.poll(ctx, now)
		if err := s.Tick(m); err != nil {
			res := s.Result(start, now)
			res.Mode = ModePaper
			res.fail(err)
			s.logger.WithError(err).Error("Paper session aborted")
			return res, err
		}
	}
}

// pastClose reports whether now is after the trading window on a session
// that has already seen ticks
func (p *PaperRunner) pastClose(now time.Time) bool {
	if p.engine.cfg.TradingEnd <= 0 {
		return false
	}
	local := now.In(p.engine.cfg.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.engine.cfg.Location)
	return local.Sub(midnight) > p.engine.cfg.TradingEnd
}

// poll builds a market state from whatever quotes arrive. A symbol that
// fails is left out, which surfaces as DataUnavailable inside the tick.
func (p *PaperRunner) poll(ctx context.Context, now time.Time) models.MarketState {
	quotes := make([]models.Underlying, 0, len(p.engine.cfg.Symbols))
	for _, sym := range p.engine.cfg.Symbols {
		bar, err := p.quoter.GetQuote(ctx, sym)
		if err != nil {
			p.engine.logger.WithFields(logrus.Fields{
				"tick":   now.Format(time.RFC3339),
				"symbol": sym,
				"reason": err.Error(),
			}).Warn("Quote unavailable")
			continue
		}
		quotes = append(quotes, models.Underlying{Symbol: sym, Price: bar.Close, Volume: bar.Volume})
	}
	return models.NewMarketState(now, quotes...)
}

func (p *PaperRunner) finish(s *Session, start time.Time) (*RunResult, error) {
	validation, err := s.Finish(models.ExitEndOfSession)
	res := s.Result(start, p.now())
	res.Mode = ModePaper
	res.applyValidation(validation)
	if err != nil && !errors.Is(err, context.Canceled) {
		res.fail(err)
		return res, err
	}
	s.logger.WithFields(logrus.Fields{
		"trades":        res.TotalTrades,
		"final_balance": res.FinalBalance.StringFixed(2),
		"validated":     res.PnLValidationPassed,
	}).Info("Paper session complete")
	return res, nil
}
