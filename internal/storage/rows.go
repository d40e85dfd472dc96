package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/shopspring/decimal"
)

// Amounts are stored as decimal text in both SQL backends so no precision is
// lost to a float or numeric codec.

// eventRow is the column form of a ledger.BalanceEvent
type eventRow struct {
	Timestamp        time.Time
	Amount           string
	ResultingBalance string
	PositionID       string
	Kind             string
	StrategyType     string
	ReasonKind       string
	TradeID          string
	Sequence         int64
}

func toEventRow(e ledger.BalanceEvent) eventRow {
	return eventRow{
		Timestamp:        e.Timestamp.UTC(),
		Amount:           e.Amount.String(),
		ResultingBalance: e.ResultingBalance.String(),
		PositionID:       e.PositionID,
		Kind:             string(e.Kind),
		StrategyType:     e.Reason.StrategyType,
		ReasonKind:       string(e.Reason.Kind),
		TradeID:          e.Reason.TradeID,
		Sequence:         e.Sequence,
	}
}

func (r eventRow) event() (ledger.BalanceEvent, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return ledger.BalanceEvent{}, fmt.Errorf("event %d amount: %w", r.Sequence, err)
	}
	resulting, err := decimal.NewFromString(r.ResultingBalance)
	if err != nil {
		return ledger.BalanceEvent{}, fmt.Errorf("event %d resulting balance: %w", r.Sequence, err)
	}
	return ledger.BalanceEvent{
		Timestamp:        r.Timestamp,
		Amount:           amount,
		ResultingBalance: resulting,
		PositionID:       r.PositionID,
		Kind:             ledger.EventKind(r.Kind),
		Reason: ledger.Reason{
			StrategyType: r.StrategyType,
			Kind:         ledger.EventKind(r.ReasonKind),
			TradeID:      r.TradeID,
		},
		Sequence: r.Sequence,
	}, nil
}

func encodeRun(run *backtest.RunResult) ([]byte, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encoding run %s: %w", run.RunID, err)
	}
	return payload, nil
}

func decodeRun(payload []byte) (*backtest.RunResult, error) {
	var run backtest.RunResult
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &run, nil
}
