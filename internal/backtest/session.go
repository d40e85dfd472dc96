// Package backtest drives the position lifecycle over a timeline of market
// states and produces a reconciled RunResult.
package backtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/reconcile"
	"github.com/eddiefleurent/scranton_ledger/internal/recorder"
	"github.com/eddiefleurent/scranton_ledger/internal/strategy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// isFatal reports whether err must end the run. Anything not known to be
// recoverable is treated as fatal.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	return ledger.IsFatal(err) || !models.IsRecoverable(err)
}

// Session is one run's mutable state: its ledger, its positions and the
// projections built from them. It is not safe for concurrent use; the tick
// loop is strictly sequential.
type Session struct {
	runID     uuid.UUID
	ledger    *ledger.Ledger
	lifecycle *models.Lifecycle
	exits     *strategy.ExitPolicyEngine
	signals   strategy.SignalGenerator
	trades    *recorder.TradeRecorder
	logger    logrus.FieldLogger
	positions []*models.Position
	last      map[string]models.Underlying
	lastTick  time.Time
	ticks     int
	skipped   int
}

// Positions returns every position opened in this session, in open order
func (s *Session) Positions() []*models.Position {
	out := make([]*models.Position, len(s.positions))
	copy(out, s.positions)
	return out
}

// Open returns the positions still open
func (s *Session) Open() []*models.Position {
	var out []*models.Position
	for _, p := range s.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// Ledger exposes the read side of the run's ledger
func (s *Session) Ledger() ledger.Reader { return s.ledger }

// SkippedTicks is the number of ticks dropped for missing data
func (s *Session) SkippedTicks() int { return s.skipped }

// Tick processes one market state: signals, then entries, then exit
// evaluation for every open position. A recoverable error skips the tick or
// the single entry it concerns; any other error is returned and ends the run.
func (s *Session) Tick(m models.MarketState) error {
	s.ticks++
	s.lastTick = m.Time
	for sym, q := range m.Quotes {
		if _, err := m.Underlying(sym); err == nil {
			s.last[sym] = q
		}
	}

	// every open position must be priceable before anything is booked
	for _, p := range s.positions {
		if !p.IsOpen() {
			continue
		}
		for _, sym := range p.Symbols() {
			if _, err := m.Underlying(sym); err != nil {
				s.skip(m, err)
				return nil
			}
		}
	}

	proposals, err := s.signals.ProposeEntries(m, s.Open())
	if err != nil {
		if isFatal(err) {
			return fmt.Errorf("signal generation at %s: %w", m.Time.Format(time.RFC3339), err)
		}
		s.skip(m, err)
		return nil
	}

	for _, p := range proposals {
		pos, err := s.lifecycle.Open(p, m)
		if err != nil {
			if isFatal(err) {
				return err
			}
			s.logger.WithFields(logrus.Fields{
				"tick":     m.Time.Format(time.RFC3339),
				"strategy": p.Strategy,
				"reason":   err.Error(),
			}).Warn("Entry skipped")
			continue
		}
		s.positions = append(s.positions, pos)
	}

	if _, err := s.exits.ProcessAll(s.Open(), m); err != nil {
		if isFatal(err) {
			return err
		}
		s.skip(m, err)
	}
	return nil
}

func (s *Session) skip(m models.MarketState, err error) {
	s.skipped++
	fields := logrus.Fields{"tick": m.Time.Format(time.RFC3339), "reason": err.Error()}
	var du *models.DataUnavailableError
	if errors.As(err, &du) {
		fields["symbol"] = du.Symbol
	}
	s.logger.WithFields(fields).Warn("Tick skipped")
}

// lastKnown is the market as last observed: each symbol at its most recent
// valid quote, stamped with the last tick time
func (s *Session) lastKnown() models.MarketState {
	quotes := make([]models.Underlying, 0, len(s.last))
	for _, q := range s.last {
		quotes = append(quotes, q)
	}
	return models.NewMarketState(s.lastTick, quotes...)
}

// Finish force-closes every open position with reason at the last known
// market, then runs the post-sweep checks. A sweep failure is returned
// together with whatever the checks found. The returned Result is valid even
// when the error is not nil.
func (s *Session) Finish(reason models.ExitReason) (reconcile.Result, error) {
	var sweepErr error
	if open := s.Open(); len(open) > 0 {
		if _, sweepErr = s.exits.Sweep(open, s.lastKnown(), reason); sweepErr != nil {
			s.logger.WithError(sweepErr).Error("Final sweep failed")
			sweepErr = fmt.Errorf("final %s sweep: %w", reason, sweepErr)
		}
	}
	res, err := reconcile.Run(s.ledger, s.positions)
	if err == nil {
		err = s.ledger.Verify()
	}
	return res, errors.Join(sweepErr, err)
}

// Result projects the session into a RunResult
func (s *Session) Result(start, end time.Time) *RunResult {
	rows := s.trades.Rows()
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.RealizedPnL)
	}
	history := s.ledger.History()
	snaps := make([]models.Snapshot, 0, len(s.positions))
	for _, p := range s.positions {
		snaps = append(snaps, p.Snapshot())
	}
	return &RunResult{
		RunID:            s.runID.String(),
		Start:            start,
		End:              end,
		InitialBalance:   s.ledger.InitialBalance(),
		FinalBalance:     s.ledger.Balance(),
		TotalRealizedPnL: total,
		TotalTrades:      len(rows),
		Trades:           rows,
		BalanceLog:       recorder.BalanceLog(history),
		Events:           history,
		Positions:        snaps,
		Statistics:       recorder.Summarize(rows, s.ledger.InitialBalance()),
		SkippedTicks:     s.skipped,
		Ticks:            s.ticks,
		OpenPositions:    len(s.Open()),
	}
}
