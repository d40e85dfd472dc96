// Package ledger holds the authoritative account balance and the append-only
// log of balance events that explains every change to it.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies a balance event
type EventKind string

const (
	KindEntry      EventKind = "ENTRY"      // cash paid or received when a position opens
	KindExit       EventKind = "EXIT"       // cash paid or received when a position closes
	KindAdjustment EventKind = "ADJUSTMENT" // manual correction, not tied to the lifecycle
)

// Tolerance is the largest drift tolerated between the balance and the event sum.
var Tolerance = decimal.New(1, -2)

// Reason identifies why a balance changed. It renders as
// {strategy}_{KIND}_{trade_id} for the balance progression log.
type Reason struct {
	StrategyType string    `json:"strategy_type"`
	Kind         EventKind `json:"kind"`
	TradeID      string    `json:"trade_id"`
}

func (r Reason) String() string {
	return fmt.Sprintf("%s_%s_%s", r.StrategyType, r.Kind, r.TradeID)
}

// BalanceEvent is one immutable entry in the ledger history.
type BalanceEvent struct {
	Timestamp        time.Time       `json:"timestamp"`
	Amount           decimal.Decimal `json:"amount"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	PositionID       string          `json:"position_id"`
	Kind             EventKind       `json:"kind"`
	Reason           Reason          `json:"reason"`
	Sequence         int64           `json:"sequence"`
}

// Reader is the read-only view handed to every component that is not the
// ledger's single writer.
type Reader interface {
	InitialBalance() decimal.Decimal
	Balance() decimal.Decimal
	History() []BalanceEvent
	EventsFor(positionID string) []BalanceEvent
}

// Ledger is the only place the account balance changes. Debit and Credit are
// its only mutators and both verify the running-sum invariant synchronously.
//
// Reads are safe from any goroutine; writes are expected from a single driver.
type Ledger struct {
	initial    decimal.Decimal
	balance    decimal.Decimal
	runningSum decimal.Decimal
	history    []BalanceEvent
	byPosition map[string]map[EventKind]int
	mu         sync.RWMutex
}

// New creates a ledger funded with the initial balance
func New(initial decimal.Decimal) *Ledger {
	return &Ledger{
		initial:    initial,
		balance:    initial,
		runningSum: decimal.Zero,
		byPosition: make(map[string]map[EventKind]int),
	}
}

// InitialBalance returns the balance the ledger was funded with
func (l *Ledger) InitialBalance() decimal.Decimal {
	return l.initial
}

// Balance returns the current authoritative balance
func (l *Ledger) Balance() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

// History returns a copy of all events in sequence order
func (l *Ledger) History() []BalanceEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]BalanceEvent, len(l.history))
	copy(out, l.history)
	return out
}

// EventsFor returns the events recorded against one position, in order
func (l *Ledger) EventsFor(positionID string) []BalanceEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []BalanceEvent
	for _, ev := range l.history {
		if ev.PositionID == positionID {
			out = append(out, ev)
		}
	}
	return out
}

// Debit removes amount from the balance. A negative amount (a credit
// received on entry) increases it.
func (l *Ledger) Debit(at time.Time, positionID string, amount decimal.Decimal, reason Reason) (BalanceEvent, error) {
	if reason.Kind != KindEntry && reason.Kind != KindAdjustment {
		return BalanceEvent{}, fmt.Errorf("%w: debit cannot record %s", ErrInvalidKind, reason.Kind)
	}
	return l.apply(at, positionID, amount.Neg(), reason)
}

// Credit adds amount to the balance. A negative amount (cash paid to close)
// decreases it.
func (l *Ledger) Credit(at time.Time, positionID string, amount decimal.Decimal, reason Reason) (BalanceEvent, error) {
	if reason.Kind != KindExit && reason.Kind != KindAdjustment {
		return BalanceEvent{}, fmt.Errorf("%w: credit cannot record %s", ErrInvalidKind, reason.Kind)
	}
	return l.apply(at, positionID, amount, reason)
}

func (l *Ledger) apply(at time.Time, positionID string, delta decimal.Decimal, reason Reason) (BalanceEvent, error) {
	if positionID == "" {
		return BalanceEvent{}, ErrMissingPositionID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	kinds := l.byPosition[positionID]
	switch reason.Kind {
	case KindEntry, KindExit:
		if idx, ok := kinds[reason.Kind]; ok {
			return BalanceEvent{}, &DuplicateEventError{
				PositionID: positionID,
				Kind:       reason.Kind,
				Existing:   l.history[idx],
			}
		}
		if reason.Kind == KindExit {
			if _, ok := kinds[KindEntry]; !ok {
				return BalanceEvent{}, fmt.Errorf("%w: position %s", ErrMissingEntry, positionID)
			}
		}
	}

	next := l.balance.Add(delta)
	sum := l.runningSum.Add(delta)
	if drift := l.initial.Add(sum).Sub(next); drift.Abs().GreaterThan(Tolerance) {
		return BalanceEvent{}, l.violation(l.initial.Add(sum), next)
	}

	ev := BalanceEvent{
		Sequence:         int64(len(l.history)) + 1,
		Timestamp:        at,
		PositionID:       positionID,
		Kind:             reason.Kind,
		Amount:           delta,
		ResultingBalance: next,
		Reason:           reason,
	}
	l.history = append(l.history, ev)
	l.balance = next
	l.runningSum = sum

	if reason.Kind != KindAdjustment {
		if kinds == nil {
			kinds = make(map[EventKind]int, 2)
			l.byPosition[positionID] = kinds
		}
		kinds[reason.Kind] = len(l.history) - 1
	}
	return ev, nil
}

// Verify recomputes the balance from the full history and checks every
// recorded resulting balance along the way.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	running := l.initial
	for i, ev := range l.history {
		running = running.Add(ev.Amount)
		if running.Sub(ev.ResultingBalance).Abs().GreaterThan(Tolerance) {
			return fmt.Errorf("event %d (%s): %w", i+1, ev.Reason, l.violation(running, ev.ResultingBalance))
		}
	}
	if running.Sub(l.balance).Abs().GreaterThan(Tolerance) {
		return l.violation(running, l.balance)
	}
	return nil
}

// violation builds the error while the lock is held
func (l *Ledger) violation(expected, actual decimal.Decimal) *InvariantViolationError {
	hist := make([]BalanceEvent, len(l.history))
	copy(hist, l.history)
	return &InvariantViolationError{
		Expected: expected,
		Actual:   actual,
		Drift:    actual.Sub(expected),
		History:  hist,
	}
}

// Replay rebuilds a ledger from a stored history, re-checking every
// invariant the live ledger enforced. Stored sequence numbers and resulting
// balances must match what the replay produces.
func Replay(initial decimal.Decimal, events []BalanceEvent) (*Ledger, error) {
	l := New(initial)
	for _, stored := range events {
		ev, err := l.apply(stored.Timestamp, stored.PositionID, stored.Amount, stored.Reason)
		if err != nil {
			return l, fmt.Errorf("replaying event %d: %w", stored.Sequence, err)
		}
		if ev.Sequence != stored.Sequence {
			return l, fmt.Errorf("replaying event %d: stored out of order at position %d", stored.Sequence, ev.Sequence)
		}
		if ev.ResultingBalance.Sub(stored.ResultingBalance).Abs().GreaterThan(Tolerance) {
			l.mu.RLock()
			verr := l.violation(ev.ResultingBalance, stored.ResultingBalance)
			l.mu.RUnlock()
			return l, fmt.Errorf("replaying event %d: %w", stored.Sequence, verr)
		}
	}
	return l, nil
}

// Sum adds the amounts of a slice of events
func Sum(events []BalanceEvent) decimal.Decimal {
	total := decimal.Zero
	for _, ev := range events {
		total = total.Add(ev.Amount)
	}
	return total
}

// Ensure Ledger implements Reader
var _ Reader = (*Ledger)(nil)
