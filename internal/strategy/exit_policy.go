package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/logging"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ExitConfig holds the thresholds checked for every open position on every tick
type ExitConfig struct {
	// Location is the exchange time zone the session cutoff is expressed in
	Location *time.Location
	// ProfitTargetPct closes when unrealized gain >= |entry cost| * pct. Zero disables.
	ProfitTargetPct float64
	// StopLossMultiple closes when unrealized loss >= |entry cost| * multiple. Zero disables.
	StopLossMultiple float64
	// MaxHoldTime closes after this long in the position. Zero disables.
	MaxHoldTime time.Duration
	// SessionCutoff is the time of day (offset from midnight) after which
	// every open position is liquidated. Zero disables.
	SessionCutoff time.Duration
}

// SessionCutoffFor returns the cutoff instant on t's trading day, or zero time
// when no cutoff is configured.
func (c ExitConfig) SessionCutoffFor(t time.Time) time.Time {
	if c.SessionCutoff <= 0 {
		return time.Time{}
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(c.SessionCutoff)
}

// Decision is the outcome of an exit evaluation that triggered
type Decision struct {
	Valuation  models.Valuation
	PositionID string
	Reason     models.ExitReason
	Detail     string
}

// TradeRecorder receives every position the engine closes
type TradeRecorder interface {
	Record(pos *models.Position) error
}

// evaluation is the per-tick input each rule sees
type evaluation struct {
	now       time.Time
	pos       *models.Position
	val       models.Valuation
	threshold decimal.Decimal // |entry cost|
}

type exitRule struct {
	reason models.ExitReason
	check  func(ev evaluation) (bool, string)
}

// ExitPolicyEngine decides, in fixed priority order, whether an open position
// must close and why.
type ExitPolicyEngine struct {
	lifecycle *models.Lifecycle
	recorder  TradeRecorder
	logger    logrus.FieldLogger
	rules     []exitRule
	cfg       ExitConfig
}

// NewExitPolicyEngine builds the rule list from cfg. The order of rules is the
// tie-break: the first satisfied rule wins.
func NewExitPolicyEngine(lc *models.Lifecycle, rec TradeRecorder, cfg ExitConfig, logger logrus.FieldLogger) *ExitPolicyEngine {
	e := &ExitPolicyEngine{
		lifecycle: lc,
		recorder:  rec,
		cfg:       cfg,
		logger:    logging.OrDiscard(logger),
	}
	e.rules = []exitRule{
		{models.ExitProfitTarget, e.profitTargetHit},
		{models.ExitStopLoss, e.stopLossHit},
		{models.ExitMaxHoldTime, e.maxHoldElapsed},
		{models.ExitEndOfSession, e.sessionOver},
	}
	return e
}

func (e *ExitPolicyEngine) profitTargetHit(ev evaluation) (bool, string) {
	if e.cfg.ProfitTargetPct <= 0 {
		return false, ""
	}
	target := ev.threshold.Mul(decimal.NewFromFloat(e.cfg.ProfitTargetPct))
	if ev.val.UnrealizedPnL.GreaterThanOrEqual(target) {
		return true, fmt.Sprintf("gain %s >= target %s", ev.val.UnrealizedPnL.StringFixed(2), target.StringFixed(2))
	}
	return false, ""
}

func (e *ExitPolicyEngine) stopLossHit(ev evaluation) (bool, string) {
	if e.cfg.StopLossMultiple <= 0 {
		return false, ""
	}
	limit := ev.threshold.Mul(decimal.NewFromFloat(e.cfg.StopLossMultiple))
	loss := ev.val.UnrealizedPnL.Neg()
	if loss.GreaterThanOrEqual(limit) {
		return true, fmt.Sprintf("loss %s >= limit %s", loss.StringFixed(2), limit.StringFixed(2))
	}
	return false, ""
}

func (e *ExitPolicyEngine) maxHoldElapsed(ev evaluation) (bool, string) {
	if e.cfg.MaxHoldTime <= 0 {
		return false, ""
	}
	held := ev.now.Sub(ev.pos.EntryTime())
	if held >= e.cfg.MaxHoldTime {
		return true, fmt.Sprintf("held %s >= %s", held, e.cfg.MaxHoldTime)
	}
	return false, ""
}

// sessionOver fires once the cutoff of the position's own entry day has
// passed, so a position missed by that day's last tick closes on the next one
func (e *ExitPolicyEngine) sessionOver(ev evaluation) (bool, string) {
	cutoff := e.cfg.SessionCutoffFor(ev.pos.EntryTime())
	if cutoff.IsZero() {
		return false, ""
	}
	if !ev.now.Before(cutoff) {
		return true, fmt.Sprintf("session cutoff %s reached", cutoff.Format("2006-01-02 15:04 MST"))
	}
	return false, ""
}

// Evaluate marks pos to market and returns the first satisfied exit rule, or
// nil when the position should stay open. A closed position is a no-op.
func (e *ExitPolicyEngine) Evaluate(pos *models.Position, m models.MarketState) (*Decision, error) {
	if !pos.IsOpen() {
		return nil, nil
	}
	val, err := e.lifecycle.MarkToMarket(pos, m)
	if err != nil {
		return nil, err
	}
	ev := evaluation{now: m.Time, pos: pos, val: val, threshold: pos.EntryCost().Abs()}
	for _, rule := range e.rules {
		if ok, detail := rule.check(ev); ok {
			return &Decision{PositionID: pos.ID(), Reason: rule.reason, Detail: detail, Valuation: val}, nil
		}
	}
	return nil, nil
}

// Process evaluates pos and, when a rule fires, closes it and records the trade.
func (e *ExitPolicyEngine) Process(pos *models.Position, m models.MarketState) (*Decision, error) {
	dec, err := e.Evaluate(pos, m)
	if err != nil || dec == nil {
		return nil, err
	}
	if err := e.close(pos, m, dec.Reason); err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{
		"position_id": models.ShortID(pos.ID()),
		"reason":      dec.Reason,
		"detail":      dec.Detail,
	}).Debug("Exit rule triggered")
	return dec, nil
}

// ProcessAll runs Process over every open position in order. The first error
// stops the pass; positions already closed stay closed.
func (e *ExitPolicyEngine) ProcessAll(positions []*models.Position, m models.MarketState) ([]Decision, error) {
	var out []Decision
	for _, pos := range positions {
		dec, err := e.Process(pos, m)
		if err != nil {
			return out, err
		}
		if dec != nil {
			out = append(out, *dec)
		}
	}
	return out, nil
}

// Sweep closes every open position with reason, regardless of thresholds.
// It attempts every position and returns the joined errors.
func (e *ExitPolicyEngine) Sweep(positions []*models.Position, m models.MarketState, reason models.ExitReason) (int, error) {
	closed := 0
	var errs []error
	for _, pos := range positions {
		if !pos.IsOpen() {
			continue
		}
		if err := e.close(pos, m, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	if closed > 0 {
		e.logger.WithFields(logrus.Fields{
			"reason": reason,
			"closed": closed,
			"at":     m.Time.Format(time.RFC3339),
		}).Info("Liquidation sweep complete")
	}
	return closed, errors.Join(errs...)
}

func (e *ExitPolicyEngine) close(pos *models.Position, m models.MarketState, reason models.ExitReason) error {
	if err := e.lifecycle.Close(pos, m, reason); err != nil {
		return err
	}
	if e.recorder != nil {
		if err := e.recorder.Record(pos); err != nil {
			return fmt.Errorf("recording trade %s: %w", pos.ID(), err)
		}
	}
	return nil
}
