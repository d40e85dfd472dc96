package reconcile

import (
	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/shopspring/decimal"
)

// Issue kinds only an offline audit can produce
const (
	IssueInvalidSnapshot IssueKind = "INVALID_SNAPSHOT"
	IssueUnclosed        IssueKind = "UNCLOSED"
)

// Report is the outcome of auditing a stored run
type Report struct {
	ReplayError string  `json:"replay_error,omitempty"`
	Issues      []Issue `json:"issues"`
	Result      Result  `json:"result"`
}

// OK reports whether the stored run passed every check
func (r Report) OK() bool {
	return r.ReplayError == "" && len(r.Issues) == 0 && r.Result.Passed
}

// Audit re-validates a stored run from nothing but its balance events and
// position snapshots. The ledger is replayed from the initial balance, each
// snapshot is restored and validated, then the same joins and balance check
// as Run are applied. Every finding is collected rather than stopping at the
// first.
func Audit(initial decimal.Decimal, events []ledger.BalanceEvent, snaps []models.Snapshot) Report {
	var rep Report

	replayed, err := ledger.Replay(initial, events)
	if err != nil {
		rep.ReplayError = err.Error()
	}

	positions := make([]*models.Position, 0, len(snaps))
	for _, s := range snaps {
		p, err := models.RestorePosition(s)
		if err != nil {
			rep.Issues = append(rep.Issues, Issue{PositionID: s.ID, Kind: IssueInvalidSnapshot, Detail: err.Error()})
			continue
		}
		positions = append(positions, p)
		if !p.IsClosed() {
			rep.Issues = append(rep.Issues, Issue{PositionID: s.ID, Kind: IssueUnclosed, Detail: "position is " + string(p.Status())})
		}
	}

	rep.Issues = append(rep.Issues, CheckEvents(events, positions)...)
	rep.Result = Validate(replayed, positions)
	return rep
}
