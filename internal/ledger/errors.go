package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateEvent matches any DuplicateEventError
	ErrDuplicateEvent = errors.New("duplicate balance event")
	// ErrInvariantViolation matches any InvariantViolationError
	ErrInvariantViolation = errors.New("ledger invariant violated")
	// ErrMissingEntry is returned when an exit is recorded for a position that never entered
	ErrMissingEntry = errors.New("exit recorded without entry")
	// ErrInvalidKind is returned when a mutator is called with the wrong event kind
	ErrInvalidKind = errors.New("invalid event kind")
	// ErrMissingPositionID is returned when an event has no position id
	ErrMissingPositionID = errors.New("balance event requires a position id")
)

// DuplicateEventError is raised on a second ENTRY or EXIT for the same position.
type DuplicateEventError struct {
	PositionID string
	Kind       EventKind
	Existing   BalanceEvent
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate %s event for position %s (first recorded as sequence %d at %s)",
		e.Kind, e.PositionID, e.Existing.Sequence, e.Existing.Timestamp.Format("2006-01-02 15:04:05"))
}

// Is lets errors.Is match on ErrDuplicateEvent
func (e *DuplicateEventError) Is(target error) bool {
	return target == ErrDuplicateEvent
}

// InvariantViolationError means the balance no longer equals the initial balance
// plus the sum of recorded deltas. History is a snapshot taken when it was detected.
type InvariantViolationError struct {
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Drift    decimal.Decimal
	History  []BalanceEvent
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("ledger invariant violated: expected balance %s, got %s (drift %s, %d events)",
		e.Expected.StringFixed(2), e.Actual.StringFixed(2), e.Drift.StringFixed(2), len(e.History))
}

// Is lets errors.Is match on ErrInvariantViolation
func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// IsFatal reports whether err must abort a run
func IsFatal(err error) bool {
	return errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrMissingEntry)
}
