// Package reconcile checks a run's ledger against its positions after the
// final sweep. A failed check is fatal to the run.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/util"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnclosedPositions is matched by UnclosedPositionError
	ErrUnclosedPositions = errors.New("positions still open after final sweep")
	// ErrReconciliation is matched by ReconciliationError
	ErrReconciliation = errors.New("ledger reconciliation failed")
)

// Result is the outcome of Validate
type Result struct {
	Expected    decimal.Decimal `json:"expected"`
	Actual      decimal.Decimal `json:"actual"`
	Discrepancy decimal.Decimal `json:"discrepancy"`
	Passed      bool            `json:"passed"`
}

// Validate recomputes the balance from position figures and compares it to
// the ledger:
//
//	expected = initial + Σ realized(closed) − Σ entry_cost(open) + Σ adjustments
//
// The check passes when |actual − expected| < 0.01.
func Validate(r ledger.Reader, positions []*models.Position) Result {
	expected := r.InitialBalance()
	for _, p := range positions {
		switch {
		case p.IsClosed():
			pnl, _ := p.RealizedPnL()
			expected = expected.Add(pnl)
		case p.IsOpen():
			expected = expected.Sub(p.EntryCost())
		}
	}
	for _, ev := range r.History() {
		if ev.Kind == ledger.KindAdjustment {
			expected = expected.Add(ev.Amount)
		}
	}

	actual := r.Balance()
	disc := actual.Sub(expected)
	return Result{
		Expected:    expected,
		Actual:      actual,
		Discrepancy: disc,
		Passed:      util.WithinCent(actual, expected),
	}
}

// Err returns a *ReconciliationError for a failed result and nil otherwise
func (res Result) Err() error {
	if res.Passed {
		return nil
	}
	return &ReconciliationError{Result: res}
}

// ReconciliationError reports a ledger that disagrees with its positions
type ReconciliationError struct {
	Issues []Issue
	Result Result
}

func (e *ReconciliationError) Error() string {
	msg := fmt.Sprintf("reconciliation failed: expected %s, actual %s, discrepancy %s",
		e.Result.Expected.StringFixed(2), e.Result.Actual.StringFixed(2), e.Result.Discrepancy.StringFixed(2))
	if len(e.Issues) > 0 {
		msg += fmt.Sprintf(" (%d event issues)", len(e.Issues))
	}
	return msg
}

// Is matches ErrReconciliation
func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }

// UnclosedPositionError lists the positions left OPEN after the final sweep
type UnclosedPositionError struct {
	IDs []string
}

func (e *UnclosedPositionError) Error() string {
	return fmt.Sprintf("%d positions still open after final sweep: %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

// Is matches ErrUnclosedPositions
func (e *UnclosedPositionError) Is(target error) bool { return target == ErrUnclosedPositions }

// RequireAllClosed fails with *UnclosedPositionError if any position is not CLOSED
func RequireAllClosed(positions []*models.Position) error {
	var open []string
	for _, p := range positions {
		if !p.IsClosed() {
			open = append(open, p.ID())
		}
	}
	if len(open) == 0 {
		return nil
	}
	return &UnclosedPositionError{IDs: open}
}

// IssueKind classifies an event/position mismatch
type IssueKind string

// Issue kinds reported by CheckEvents
const (
	IssueDuplicateEntry   IssueKind = "DUPLICATE_ENTRY"
	IssueDuplicateExit    IssueKind = "DUPLICATE_EXIT"
	IssueExitWithoutEntry IssueKind = "EXIT_WITHOUT_ENTRY"
	IssueMissingEntry     IssueKind = "MISSING_ENTRY"
	IssueClosedNoExit     IssueKind = "CLOSED_WITHOUT_EXIT"
	IssueOpenWithExit     IssueKind = "OPEN_WITH_EXIT"
	IssueOrphanEvent      IssueKind = "ORPHAN_EVENT"
	IssueAmountMismatch   IssueKind = "AMOUNT_MISMATCH"
)

// Issue is one finding of CheckEvents
type Issue struct {
	PositionID string    `json:"position_id"`
	Kind       IssueKind `json:"kind"`
	Detail     string    `json:"detail"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Kind, models.ShortID(i.PositionID), i.Detail)
}

type eventCounts struct {
	entries, exits int
	entryAmount    decimal.Decimal
	exitAmount     decimal.Decimal
}

// CheckEvents joins ledger events to positions on position_id and reports
// every position without exactly the events its state requires. Results are
// sorted by position id then kind.
func CheckEvents(history []ledger.BalanceEvent, positions []*models.Position) []Issue {
	counts := make(map[string]*eventCounts)
	for _, ev := range history {
		if ev.Kind == ledger.KindAdjustment {
			continue
		}
		c := counts[ev.PositionID]
		if c == nil {
			c = &eventCounts{}
			counts[ev.PositionID] = c
		}
		switch ev.Kind {
		case ledger.KindEntry:
			c.entries++
			c.entryAmount = ev.Amount
		case ledger.KindExit:
			c.exits++
			c.exitAmount = ev.Amount
		}
	}

	var issues []Issue
	add := func(id string, kind IssueKind, format string, args ...any) {
		issues = append(issues, Issue{PositionID: id, Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}

	known := make(map[string]bool, len(positions))
	for _, p := range positions {
		id := p.ID()
		known[id] = true
		c := counts[id]
		if c == nil {
			c = &eventCounts{}
		}

		if c.entries == 0 {
			add(id, IssueMissingEntry, "position is %s but has no ENTRY event", p.Status())
		}
		if c.entries > 1 {
			add(id, IssueDuplicateEntry, "%d ENTRY events", c.entries)
		}
		if c.exits > 1 {
			add(id, IssueDuplicateExit, "%d EXIT events", c.exits)
		}
		if c.exits > 0 && c.entries == 0 {
			add(id, IssueExitWithoutEntry, "EXIT event with no ENTRY")
		}
		if p.IsClosed() && c.exits == 0 {
			add(id, IssueClosedNoExit, "closed with reason %s but no EXIT event", p.ExitReason())
		}
		if p.IsOpen() && c.exits > 0 {
			add(id, IssueOpenWithExit, "open but has an EXIT event")
		}
		if c.entries == 1 && !c.entryAmount.Equal(p.EntryCost().Neg()) {
			add(id, IssueAmountMismatch, "ENTRY amount %s, entry cost %s",
				c.entryAmount.StringFixed(2), p.EntryCost().StringFixed(2))
		}
		if p.IsClosed() && c.exits == 1 && !c.exitAmount.Equal(p.ExitValue().Neg()) {
			add(id, IssueAmountMismatch, "EXIT amount %s, exit value %s",
				c.exitAmount.StringFixed(2), p.ExitValue().StringFixed(2))
		}
	}

	for id := range counts {
		if !known[id] {
			add(id, IssueOrphanEvent, "ledger events for unknown position")
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].PositionID != issues[j].PositionID {
			return issues[i].PositionID < issues[j].PositionID
		}
		return issues[i].Kind < issues[j].Kind
	})
	return issues
}

// Run requires every position closed, then checks event joins and the
// balance. The Result is returned even on failure.
func Run(r ledger.Reader, positions []*models.Position) (Result, error) {
	res := Validate(r, positions)
	if err := RequireAllClosed(positions); err != nil {
		return res, err
	}
	issues := CheckEvents(r.History(), positions)
	if !res.Passed || len(issues) > 0 {
		return res, &ReconciliationError{Result: res, Issues: issues}
	}
	return res, nil
}
