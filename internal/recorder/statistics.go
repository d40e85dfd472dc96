package recorder

import (
	"github.com/shopspring/decimal"
)

// Statistics summarizes a run's closed trades
type Statistics struct {
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	AverageWin    decimal.Decimal `json:"average_win"`
	AverageLoss   decimal.Decimal `json:"average_loss"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	WinRate       float64         `json:"win_rate"`
	ReturnPct     float64         `json:"return_pct"`
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	Breakevens    int             `json:"breakevens"`
	CurrentStreak int             `json:"current_streak"` // positive for wins, negative for losses
}

// Summarize folds rows, in exit order, into run statistics. Max drawdown is
// the largest peak-to-trough fall of the closed-trade equity curve.
// Breakeven trades count toward totals but not toward the win rate.
func Summarize(rows []TradeRow, initial decimal.Decimal) Statistics {
	var s Statistics
	winSum, lossSum := decimal.Zero, decimal.Zero
	equity, peak := initial, initial

	for _, r := range rows {
		s.TotalTrades++
		s.TotalPnL = s.TotalPnL.Add(r.RealizedPnL)

		switch {
		case r.IsWin():
			s.WinningTrades++
			winSum = winSum.Add(r.RealizedPnL)
			if s.CurrentStreak >= 0 {
				s.CurrentStreak++
			} else {
				s.CurrentStreak = 1
			}
		case r.RealizedPnL.IsNegative():
			s.LosingTrades++
			lossSum = lossSum.Add(r.RealizedPnL)
			if s.CurrentStreak <= 0 {
				s.CurrentStreak--
			} else {
				s.CurrentStreak = -1
			}
		default:
			s.Breakevens++
		}

		equity = equity.Add(r.RealizedPnL)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(s.MaxDrawdown) {
			s.MaxDrawdown = dd
		}
	}

	if s.WinningTrades > 0 {
		s.AverageWin = winSum.Div(decimal.NewFromInt(int64(s.WinningTrades))).Round(2)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = lossSum.Div(decimal.NewFromInt(int64(s.LosingTrades))).Round(2)
	}
	if decided := s.WinningTrades + s.LosingTrades; decided > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(decided)
	}
	if initial.IsPositive() {
		s.ReturnPct = s.TotalPnL.Div(initial).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return s
}
