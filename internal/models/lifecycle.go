package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/eddiefleurent/scranton_ledger/internal/logging"
	"github.com/eddiefleurent/scranton_ledger/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Proposal is a candidate entry produced by a signal generator. A leg with a
// positive EntryPrice is filled at that price, otherwise at the oracle price.
type Proposal struct {
	Strategy StrategyType
	Note     string
	Legs     []Leg
}

// LifecycleConfig holds the valuation assumptions shared by every position
type LifecycleConfig struct {
	// NextID returns a fresh position id; see SequentialIDs
	NextID func() string
	// RiskFreeRate is the annualized rate passed to the oracle
	RiskFreeRate float64
	// DefaultVolatility is used when the market state carries none for a symbol
	DefaultVolatility float64
	// SlippagePerContract is charged adversely on every contract at entry and exit
	SlippagePerContract float64
}

// LegMark is one leg's oracle valuation at a tick
type LegMark struct {
	Leg   Leg
	Quote pricing.Quote
	Value decimal.Decimal
}

// Valuation is a position's mark to market at a tick
type Valuation struct {
	At            time.Time
	Legs          []LegMark
	MarkValue     decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Lifecycle is the only code path that creates or closes positions. It owns
// the write side of the ledger.
type Lifecycle struct {
	ledger *ledger.Ledger
	oracle pricing.Oracle
	logger logrus.FieldLogger
	cfg    LifecycleConfig
}

// NewLifecycle wires a lifecycle to its ledger and pricing oracle
func NewLifecycle(l *ledger.Ledger, oracle pricing.Oracle, cfg LifecycleConfig, logger logrus.FieldLogger) *Lifecycle {
	logger = logging.OrDiscard(logger)
	if cfg.NextID == nil {
		cfg.NextID = SequentialIDs(RunNamespace)
	}
	return &Lifecycle{ledger: l, oracle: oracle, cfg: cfg, logger: logger}
}

// Ledger returns the read-only ledger view
func (lc *Lifecycle) Ledger() ledger.Reader {
	return lc.ledger
}

// Open prices the proposal, books the ENTRY event and returns the OPEN position.
// Nothing is booked when an error is returned.
func (lc *Lifecycle) Open(p Proposal, m MarketState) (*Position, error) {
	if len(p.Legs) == 0 {
		return nil, fmt.Errorf("%w: no legs", ErrInvalidProposal)
	}
	if p.Strategy == "" {
		return nil, fmt.Errorf("%w: missing strategy type", ErrInvalidProposal)
	}

	legs := make([]Leg, len(p.Legs))
	copy(legs, p.Legs)

	spots := make(map[string]float64)
	entryCost := decimal.Zero
	var contracts int64
	for i := range legs {
		if err := legs[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		if !legs[i].Expiration.After(m.Time) {
			return nil, fmt.Errorf("%w: leg %s already expired at %s", ErrInvalidProposal, legs[i], m.Time.Format(time.RFC3339))
		}
		u, err := m.Underlying(legs[i].Underlying)
		if err != nil {
			return nil, err
		}
		spots[u.Symbol] = u.Price
		if legs[i].EntryPrice <= 0 {
			q := lc.quote(legs[i], u, m.Time)
			legs[i].EntryPrice = q.Price
		}
		entryCost = entryCost.Add(legs[i].CashValue(legs[i].EntryPrice))
		contracts += legs[i].Quantity
	}
	entryCost = entryCost.Add(lc.slippage(contracts))

	if bal := lc.ledger.Balance(); entryCost.GreaterThan(bal) {
		return nil, fmt.Errorf("%w: entry cost %s exceeds balance %s", ErrInsufficientFunds,
			entryCost.StringFixed(2), bal.StringFixed(2))
	}

	pos := &Position{
		machine:   NewStateMachine(),
		id:        lc.cfg.NextID(),
		strategy:  p.Strategy,
		note:      p.Note,
		legs:      legs,
		entrySpot: spots,
	}
	// validate the transition before touching the ledger
	if err := pos.machine.IsValidTransition(StateOpen, ConditionEntryFilled); err != nil {
		return nil, fmt.Errorf("position %s: %w", pos.id, err)
	}

	reason := ledger.Reason{StrategyType: string(pos.strategy), Kind: ledger.KindEntry, TradeID: pos.id}
	ev, err := lc.ledger.Debit(m.Time, pos.id, entryCost, reason)
	if err != nil {
		return nil, fmt.Errorf("booking entry for position %s: %w", pos.id, err)
	}
	if err := pos.machine.Transition(StateOpen, ConditionEntryFilled, m.Time); err != nil {
		return nil, fmt.Errorf("position %s state transition failed: %w", pos.id, err)
	}
	pos.entryEvent = &ev
	pos.entryTime = m.Time
	pos.entryCost = entryCost

	lc.logger.WithFields(logrus.Fields{
		"position_id": pos.id,
		"strategy":    pos.strategy,
		"entry_cost":  entryCost.StringFixed(2),
		"balance":     ev.ResultingBalance.StringFixed(2),
		"legs":        len(legs),
	}).Info("Position opened")
	return pos, nil
}

// MarkToMarket values an open position at the market state's time. No
// slippage is applied to marks.
func (lc *Lifecycle) MarkToMarket(pos *Position, m MarketState) (Valuation, error) {
	v := Valuation{At: m.Time, Legs: make([]LegMark, 0, len(pos.legs))}
	mark := decimal.Zero
	for _, leg := range pos.legs {
		u, err := m.Underlying(leg.Underlying)
		if err != nil {
			return Valuation{}, err
		}
		q := lc.quote(leg, u, m.Time)
		value := leg.CashValue(q.Price)
		mark = mark.Add(value)
		v.Legs = append(v.Legs, LegMark{Leg: leg, Quote: q, Value: value})
	}
	v.MarkValue = mark
	v.UnrealizedPnL = mark.Sub(pos.entryCost)
	return v, nil
}

// Close books the EXIT event at the market state's time and marks the position
// CLOSED. Closing an already closed position returns ErrPositionClosed and books nothing.
func (lc *Lifecycle) Close(pos *Position, m MarketState, reason ExitReason) error {
	if pos.IsClosed() {
		return fmt.Errorf("%w: %s closed at %s (%s)", ErrPositionClosed, pos.id,
			pos.exitTime.Format(time.RFC3339), pos.exitReason)
	}
	if err := pos.machine.IsValidTransition(StateClosed, reason.Condition()); err != nil {
		return fmt.Errorf("position %s: %w", pos.id, err)
	}

	val, err := lc.MarkToMarket(pos, m)
	if err != nil {
		return err
	}
	var contracts int64
	for _, l := range pos.legs {
		contracts += l.Quantity
	}
	received := val.MarkValue.Sub(lc.slippage(contracts))

	r := ledger.Reason{StrategyType: string(pos.strategy), Kind: ledger.KindExit, TradeID: pos.id}
	ev, err := lc.ledger.Credit(m.Time, pos.id, received, r)
	if err != nil {
		return fmt.Errorf("booking exit for position %s: %w", pos.id, err)
	}
	if err := pos.machine.Transition(StateClosed, reason.Condition(), m.Time); err != nil {
		return fmt.Errorf("position %s state transition failed: %w", pos.id, err)
	}
	pos.exitEvent = &ev
	pos.exitTime = m.Time
	pos.exitValue = received.Neg()
	pos.exitReason = reason

	pnl, _ := pos.RealizedPnL()
	lc.logger.WithFields(logrus.Fields{
		"position_id":  pos.id,
		"strategy":     pos.strategy,
		"exit_reason":  reason,
		"exit_value":   pos.exitValue.StringFixed(2),
		"realized_pnl": pnl.StringFixed(2),
		"balance":      ev.ResultingBalance.StringFixed(2),
	}).Info("Position closed")
	return nil
}

func (lc *Lifecycle) quote(leg Leg, u Underlying, at time.Time) pricing.Quote {
	vol := u.Volatility
	if vol <= 0 {
		vol = lc.cfg.DefaultVolatility
	}
	t := pricing.YearFraction(at, leg.Expiration)
	q, err := lc.oracle.Price(u.Price, leg.Strike, t, lc.cfg.RiskFreeRate, vol, leg.IsCall())
	if err != nil {
		var pe *pricing.PricingError
		level := logrus.WarnLevel
		if errors.As(err, &pe) && t <= 0 {
			level = logrus.DebugLevel
		}
		lc.logger.WithFields(logrus.Fields{
			"tick":   at.Format(time.RFC3339),
			"symbol": leg.Underlying,
			"leg":    leg.String(),
			"reason": err.Error(),
		}).Log(level, "Pricing fell back to intrinsic value")
	}
	return q
}

func (lc *Lifecycle) slippage(contracts int64) decimal.Decimal {
	if lc.cfg.SlippagePerContract <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(lc.cfg.SlippagePerContract).Mul(decimal.NewFromInt(contracts)).Round(2)
}
