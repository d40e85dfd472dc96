package models

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/shopspring/decimal"
)

// Position is a multi-leg options position. Its financial fields are only set
// by Lifecycle.Open and Lifecycle.Close; everything else reads through getters.
type Position struct {
	machine    *StateMachine
	entryEvent *ledger.BalanceEvent
	exitEvent  *ledger.BalanceEvent
	entryTime  time.Time
	exitTime   time.Time
	entryCost  decimal.Decimal
	exitValue  decimal.Decimal
	id         string
	strategy   StrategyType
	exitReason ExitReason
	note       string
	legs       []Leg
	entrySpot  map[string]float64
}

// ID returns the position id
func (p *Position) ID() string { return p.id }

// Strategy returns the strategy tag
func (p *Position) Strategy() StrategyType { return p.strategy }

// Note returns the free-form note carried from the proposal
func (p *Position) Note() string { return p.note }

// Legs returns a copy of the legs
func (p *Position) Legs() []Leg {
	out := make([]Leg, len(p.legs))
	copy(out, p.legs)
	return out
}

// EntryTime returns when the entry was booked
func (p *Position) EntryTime() time.Time { return p.entryTime }

// ExitTime returns when the exit was booked, zero while open
func (p *Position) ExitTime() time.Time { return p.exitTime }

// EntryCost is the signed cash paid to open: positive for a debit, negative for a credit
func (p *Position) EntryCost() decimal.Decimal { return p.entryCost }

// ExitValue is the signed cash paid to close: negative when cash was received
func (p *Position) ExitValue() decimal.Decimal { return p.exitValue }

// ExitReason returns why the position closed, empty while open
func (p *Position) ExitReason() ExitReason { return p.exitReason }

// EntrySpot returns the underlying price observed at entry
func (p *Position) EntrySpot(symbol string) float64 { return p.entrySpot[symbol] }

// Status returns OPEN or CLOSED
func (p *Position) Status() PositionState { return p.machine.GetCurrentState() }

// IsOpen reports whether the position still ties up cash
func (p *Position) IsOpen() bool { return p.Status() == StateOpen }

// IsClosed reports whether the exit has been booked
func (p *Position) IsClosed() bool { return p.Status() == StateClosed }

// EntryEvent returns the ENTRY balance event
func (p *Position) EntryEvent() (ledger.BalanceEvent, bool) {
	if p.entryEvent == nil {
		return ledger.BalanceEvent{}, false
	}
	return *p.entryEvent, true
}

// ExitEvent returns the EXIT balance event
func (p *Position) ExitEvent() (ledger.BalanceEvent, bool) {
	if p.exitEvent == nil {
		return ledger.BalanceEvent{}, false
	}
	return *p.exitEvent, true
}

// RealizedPnL is the sum of the ENTRY and EXIT event amounts. The boolean is
// false while the position is open.
func (p *Position) RealizedPnL() (decimal.Decimal, bool) {
	if p.entryEvent == nil || p.exitEvent == nil {
		return decimal.Zero, false
	}
	return p.entryEvent.Amount.Add(p.exitEvent.Amount), true
}

// HoldTime returns how long the position has been (or was) open at t
func (p *Position) HoldTime(at time.Time) time.Duration {
	if p.IsClosed() {
		return p.exitTime.Sub(p.entryTime)
	}
	return at.Sub(p.entryTime)
}

// Symbols returns the distinct underlyings in leg order
func (p *Position) Symbols() []string {
	seen := make(map[string]bool, len(p.legs))
	var out []string
	for _, l := range p.legs {
		if !seen[l.Underlying] {
			seen[l.Underlying] = true
			out = append(out, l.Underlying)
		}
	}
	return out
}

// ValidateState checks that the financial fields agree with the state
func (p *Position) ValidateState() error {
	if err := p.machine.ValidateStateConsistency(); err != nil {
		return fmt.Errorf("position %s: %w", p.id, err)
	}
	switch p.Status() {
	case StatePending:
		return fmt.Errorf("position %s in state %s: positions are never exposed before entry", p.id, p.Status())
	case StateOpen:
		if p.entryEvent == nil {
			return fmt.Errorf("position %s in state %s: missing entry event", p.id, p.Status())
		}
		if p.exitEvent != nil || !p.exitTime.IsZero() || p.exitReason != "" {
			return fmt.Errorf("position %s in state %s: exit fields set", p.id, p.Status())
		}
	case StateClosed:
		if p.entryEvent == nil || p.exitEvent == nil {
			return fmt.Errorf("position %s in state %s: missing entry or exit event", p.id, p.Status())
		}
		if p.exitTime.Before(p.entryTime) {
			return fmt.Errorf("position %s in state %s: exit %s before entry %s",
				p.id, p.Status(), p.exitTime.Format(time.RFC3339), p.entryTime.Format(time.RFC3339))
		}
		if p.exitReason == "" {
			return fmt.Errorf("position %s in state %s: missing exit reason", p.id, p.Status())
		}
	}
	if len(p.legs) == 0 {
		return fmt.Errorf("position %s in state %s: no legs", p.id, p.Status())
	}
	if !p.entryEvent.Amount.Equal(p.entryCost.Neg()) {
		return fmt.Errorf("position %s: entry event amount %s does not match entry cost %s",
			p.id, p.entryEvent.Amount, p.entryCost)
	}
	if p.exitEvent != nil && !p.exitEvent.Amount.Equal(p.exitValue.Neg()) {
		return fmt.Errorf("position %s: exit event amount %s does not match exit value %s",
			p.id, p.exitEvent.Amount, p.exitValue)
	}
	return nil
}

// Snapshot is the persisted, read-only form of a position
type Snapshot struct {
	EntryTime   time.Time            `json:"entry_time"`
	ExitTime    time.Time            `json:"exit_time,omitempty"`
	EntryEvent  *ledger.BalanceEvent `json:"entry_event,omitempty"`
	ExitEvent   *ledger.BalanceEvent `json:"exit_event,omitempty"`
	EntrySpot   map[string]float64   `json:"entry_spot,omitempty"`
	EntryCost   decimal.Decimal      `json:"entry_cost"`
	ExitValue   decimal.Decimal      `json:"exit_value"`
	RealizedPnL decimal.Decimal      `json:"realized_pnl"`
	ID          string               `json:"id"`
	Strategy    StrategyType         `json:"strategy_type"`
	Status      PositionState        `json:"status"`
	ExitReason  ExitReason           `json:"exit_reason,omitempty"`
	Note        string               `json:"note,omitempty"`
	Legs        []Leg                `json:"legs"`
}

// Snapshot returns a copy of the position suitable for storage and reports
func (p *Position) Snapshot() Snapshot {
	s := Snapshot{
		ID:         p.id,
		Strategy:   p.strategy,
		Status:     p.Status(),
		Legs:       p.Legs(),
		EntryTime:  p.entryTime,
		ExitTime:   p.exitTime,
		EntryCost:  p.entryCost,
		ExitValue:  p.exitValue,
		ExitReason: p.exitReason,
		Note:       p.note,
	}
	if len(p.entrySpot) > 0 {
		s.EntrySpot = make(map[string]float64, len(p.entrySpot))
		for k, v := range p.entrySpot {
			s.EntrySpot[k] = v
		}
	}
	if ev, ok := p.EntryEvent(); ok {
		s.EntryEvent = &ev
	}
	if ev, ok := p.ExitEvent(); ok {
		s.ExitEvent = &ev
	}
	s.RealizedPnL, _ = p.RealizedPnL()
	return s
}

// RestorePosition rebuilds a position from a stored snapshot and validates it.
// Realized P&L is re-derived from the stored events, not read from the snapshot.
func RestorePosition(s Snapshot) (*Position, error) {
	at := s.EntryTime
	if s.Status == StateClosed {
		at = s.ExitTime
	}
	p := &Position{
		machine:    NewStateMachineFromState(s.Status, at),
		id:         s.ID,
		strategy:   s.Strategy,
		legs:       append([]Leg(nil), s.Legs...),
		entryTime:  s.EntryTime,
		exitTime:   s.ExitTime,
		entryCost:  s.EntryCost,
		exitValue:  s.ExitValue,
		exitReason: s.ExitReason,
		note:       s.Note,
		entrySpot:  s.EntrySpot,
	}
	if s.EntryEvent != nil {
		ev := *s.EntryEvent
		p.entryEvent = &ev
	}
	if s.ExitEvent != nil {
		ev := *s.ExitEvent
		p.exitEvent = &ev
	}
	if p.entryEvent == nil {
		return nil, fmt.Errorf("position %s in state %s: missing entry event", p.id, s.Status)
	}
	if err := p.ValidateState(); err != nil {
		return nil, err
	}
	return p, nil
}
