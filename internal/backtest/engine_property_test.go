package backtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// Whatever the price path, entry timing and exit thresholds, a finished run
// leaves nothing open and its final balance equals the initial balance plus
// the realized P&L of its trades.
func TestRunBacktest_ConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(t, "ticks")
		series := make([]tick, n)
		var entries []time.Time
		for i := 0; i < n; i++ {
			ts := at(10, 0).Add(time.Duration(i) * 5 * time.Minute)
			series[i] = tick{at: ts, price: float64(rapid.IntRange(85, 115).Draw(t, fmt.Sprintf("price-%d", i)))}
			if rapid.Bool().Draw(t, fmt.Sprintf("enter-%d", i)) {
				entries = append(entries, ts)
			}
		}

		cfg := testConfig("SPY")
		cfg.Exit.ProfitTargetPct = rapid.SampledFrom([]float64{0, 0.25, 0.5, 1}).Draw(t, "profitTarget")
		cfg.Exit.StopLossMultiple = rapid.SampledFrom([]float64{0, 0.5, 1, 2}).Draw(t, "stopLoss")
		cfg.Exit.MaxHoldTime = time.Duration(rapid.IntRange(0, 60).Draw(t, "maxHoldMinutes")) * time.Minute
		cfg.Lifecycle.SlippagePerContract = rapid.SampledFrom([]float64{0, 0.65, 1}).Draw(t, "slippage")

		e := newTestEngine(provider(map[string][]tick{"SPY": series}), cfg, newStubSignals("SPY", entries...))
		initial := decimal.NewFromInt(100_000)
		res, err := e.RunBacktest(context.Background(), at(9, 30), at(16, 0), initial)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}

		if res.OpenPositions != 0 {
			t.Fatalf("%d positions left open", res.OpenPositions)
		}
		if !res.PnLValidationPassed {
			t.Fatalf("validation failed, discrepancy %s", res.PnLDiscrepancy)
		}
		if len(res.Trades) != len(entries) {
			t.Fatalf("got %d trades for %d entries", len(res.Trades), len(entries))
		}

		sum := decimal.Zero
		for _, tr := range res.Trades {
			if tr.ExitReason == "" {
				t.Fatalf("trade %s has no exit reason", tr.TradeID)
			}
			if tr.ExitTime.Before(tr.EntryTime) {
				t.Fatalf("trade %s exits before it enters", tr.TradeID)
			}
			sum = sum.Add(tr.RealizedPnL)
		}
		if want := initial.Add(sum); !res.FinalBalance.Equal(want) {
			t.Fatalf("final balance %s != initial + realized %s", res.FinalBalance, want)
		}
		if !res.TotalRealizedPnL.Equal(sum) {
			t.Fatalf("total realized %s != sum of trades %s", res.TotalRealizedPnL, sum)
		}
		if len(res.Events) != 2*len(res.Trades) {
			t.Fatalf("%d events for %d trades", len(res.Events), len(res.Trades))
		}

		// every position closed by the final sweep is tagged BACKTEST_END
		last := series[n-1].at
		for _, tr := range res.Trades {
			if tr.ExitReason == models.ExitBacktestEnd && !tr.ExitTime.Equal(last) {
				t.Fatalf("sweep exit at %s, want last tick %s", tr.ExitTime, last)
			}
		}
	})
}
