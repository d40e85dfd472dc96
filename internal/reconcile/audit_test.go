package reconcile

import (
	"testing"

	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshots(positions ...*models.Position) []models.Snapshot {
	out := make([]models.Snapshot, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.Snapshot())
	}
	return out
}

func TestAudit_CleanRun(t *testing.T) {
	b := newBook()
	a := b.open(t, 2.00)
	c := b.open(t, 1.50)
	b.close(t, a, 3.00)
	b.close(t, c, 0.50)

	rep := Audit(dec("10000"), b.ledger.History(), snapshots(a, c))
	assert.True(t, rep.OK(), "%+v", rep)
	assert.Empty(t, rep.Issues)
	assert.True(t, rep.Result.Actual.Equal(b.ledger.Balance()))
}

func TestAudit_Findings(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(t *testing.T, b *book, snaps []models.Snapshot) []models.Snapshot
		kinds  []IssueKind
	}{
		{
			name: "position still open",
			tamper: func(t *testing.T, b *book, snaps []models.Snapshot) []models.Snapshot {
				open := b.open(t, 1.00)
				return append(snaps, open.Snapshot())
			},
			kinds: []IssueKind{IssueUnclosed},
		},
		{
			name: "snapshot lost its entry event",
			tamper: func(_ *testing.T, _ *book, snaps []models.Snapshot) []models.Snapshot {
				snaps[0].EntryEvent = nil
				return snaps
			},
			kinds: []IssueKind{IssueInvalidSnapshot, IssueOrphanEvent},
		},
		{
			name: "snapshot dropped",
			tamper: func(_ *testing.T, _ *book, snaps []models.Snapshot) []models.Snapshot {
				return snaps[:0]
			},
			kinds: []IssueKind{IssueOrphanEvent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBook()
			pos := b.open(t, 2.00)
			b.close(t, pos, 3.00)
			snaps := tt.tamper(t, b, snapshots(pos))

			rep := Audit(dec("10000"), b.ledger.History(), snaps)
			assert.False(t, rep.OK())
			kinds := make([]IssueKind, 0, len(rep.Issues))
			for _, i := range rep.Issues {
				kinds = append(kinds, i.Kind)
			}
			assert.ElementsMatch(t, tt.kinds, kinds)
			assert.Empty(t, rep.ReplayError)
		})
	}
}

func TestAudit_TamperedEvents(t *testing.T) {
	b := newBook()
	pos := b.open(t, 2.00)
	b.close(t, pos, 3.00)

	events := b.ledger.History()
	events[1].Amount = events[1].Amount.Add(dec("50"))

	rep := Audit(dec("10000"), events, snapshots(pos))
	assert.False(t, rep.OK())
	require.NotEmpty(t, rep.ReplayError)
	assert.Contains(t, rep.ReplayError, "invariant violated")

	kinds := make([]IssueKind, 0, len(rep.Issues))
	for _, i := range rep.Issues {
		kinds = append(kinds, i.Kind)
	}
	assert.Contains(t, kinds, IssueAmountMismatch)
}
