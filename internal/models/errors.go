package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDataUnavailable matches any DataUnavailableError
	ErrDataUnavailable = errors.New("market data unavailable")
	// ErrInsufficientFunds is returned when an entry debit exceeds the balance
	ErrInsufficientFunds = errors.New("insufficient funds for entry")
	// ErrInvalidProposal is returned for proposals that cannot become positions
	ErrInvalidProposal = errors.New("invalid entry proposal")
	// ErrPositionClosed is returned when closing a position twice
	ErrPositionClosed = errors.New("position already closed")
)

// DataUnavailableError means the data a tick needs is missing. The tick is
// skipped; no substitute price is ever invented.
type DataUnavailableError struct {
	At     time.Time
	Symbol string
	Reason string
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("data unavailable for %s at %s: %s", e.Symbol, e.At.Format(time.RFC3339), e.Reason)
}

// Is lets errors.Is match on ErrDataUnavailable
func (e *DataUnavailableError) Is(target error) bool {
	return target == ErrDataUnavailable
}

// IsRecoverable reports whether err only skips the current tick or entry
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrDataUnavailable) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidProposal)
}
