package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMultiplier is the number of shares one equity option contract controls
const DefaultMultiplier = 100.0

// OptionType is CALL or PUT
type OptionType string

const (
	OptionCall OptionType = "CALL"
	OptionPut  OptionType = "PUT"
)

// Side is LONG (premium paid) or SHORT (premium received)
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// StrategyType tags a position with the template that produced it
type StrategyType string

const (
	StrategyIronCondor    StrategyType = "IRON_CONDOR"
	StrategyBuyCall       StrategyType = "BUY_CALL"
	StrategyBuyPut        StrategyType = "BUY_PUT"
	StrategyShortStrangle StrategyType = "SHORT_STRANGLE"
	StrategyFlyagonal     StrategyType = "FLYAGONAL"
	StrategyCustom        StrategyType = "CUSTOM"
)

// ParseStrategyType accepts upper or lower case names
func ParseStrategyType(s string) (StrategyType, error) {
	st := StrategyType(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StrategyIronCondor, StrategyBuyCall, StrategyBuyPut, StrategyShortStrangle, StrategyFlyagonal, StrategyCustom:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy type %q", s)
}

// ExitReason records why a position closed
type ExitReason string

const (
	ExitProfitTarget ExitReason = "PROFIT_TARGET"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitMaxHoldTime  ExitReason = "MAX_HOLD_TIME"
	ExitEndOfSession ExitReason = "END_OF_SESSION"
	ExitBacktestEnd  ExitReason = "BACKTEST_END"
	ExitManual       ExitReason = "MANUAL_CLOSE"
)

// Condition is the state machine condition used to close with this reason
func (r ExitReason) Condition() string {
	return strings.ToLower(string(r))
}

// Leg is one option contract line of a position. Legs are values: positions
// only hand out copies.
type Leg struct {
	Expiration time.Time  `json:"expiration"`
	Underlying string     `json:"underlying"`
	Type       OptionType `json:"option_type"`
	Side       Side       `json:"side"`
	Strike     float64    `json:"strike"`
	EntryPrice float64    `json:"entry_price"` // per-share premium, set at open
	Multiplier float64    `json:"contract_multiplier"`
	Quantity   int64      `json:"quantity"`
}

// IsCall reports whether the leg is a call
func (l Leg) IsCall() bool {
	return l.Type == OptionCall
}

// ContractMultiplier returns the multiplier, defaulting to 100
func (l Leg) ContractMultiplier() float64 {
	if l.Multiplier <= 0 {
		return DefaultMultiplier
	}
	return l.Multiplier
}

// CashValue is side_sign × quantity × price × multiplier rounded to the cent.
func (l Leg) CashValue(price float64) decimal.Decimal {
	v := decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(l.Quantity)).
		Mul(decimal.NewFromFloat(l.ContractMultiplier())).
		Mul(decimal.NewFromInt(l.Side.Sign()))
	return v.Round(2)
}

// Validate checks the leg is well formed
func (l Leg) Validate() error {
	switch {
	case l.Underlying == "":
		return fmt.Errorf("leg missing underlying")
	case l.Type != OptionCall && l.Type != OptionPut:
		return fmt.Errorf("leg %s: invalid option type %q", l.Underlying, l.Type)
	case l.Side != SideLong && l.Side != SideShort:
		return fmt.Errorf("leg %s: invalid side %q", l.Underlying, l.Side)
	case l.Quantity <= 0:
		return fmt.Errorf("leg %s %s %.2f: quantity must be positive, got %d", l.Underlying, l.Type, l.Strike, l.Quantity)
	case l.Strike <= 0 || math.IsNaN(l.Strike):
		return fmt.Errorf("leg %s %s: strike must be positive, got %v", l.Underlying, l.Type, l.Strike)
	case l.Expiration.IsZero():
		return fmt.Errorf("leg %s %s %.2f: missing expiration", l.Underlying, l.Type, l.Strike)
	case l.EntryPrice < 0:
		return fmt.Errorf("leg %s %s %.2f: negative entry price", l.Underlying, l.Type, l.Strike)
	}
	return nil
}

func (l Leg) String() string {
	return fmt.Sprintf("%s %d %s %s %.2f %s", l.Side, l.Quantity, l.Underlying, l.Expiration.Format("2006-01-02"), l.Strike, l.Type)
}
