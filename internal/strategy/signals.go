// Package strategy decides when positions are opened and closed.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/pricing"
	"github.com/eddiefleurent/scranton_ledger/internal/util"
)

// SignalGenerator proposes entries for a tick. Implementations must be
// deterministic for a given sequence of inputs.
type SignalGenerator interface {
	ProposeEntries(m models.MarketState, open []*models.Position) ([]models.Proposal, error)
}

// StrategyConfig configures the scheduled entry generator
type StrategyConfig struct {
	Location         *time.Location
	Type             models.StrategyType
	Symbols          []string
	EntryTimes       []time.Duration // offsets from midnight in Location
	ExpirationTime   time.Duration   // option expiry time of day, 16:00 for equity options
	DTE              int             // 0 for same-day expiration
	DiagonalDTE      int             // extra days for the long put of a flyagonal
	DeltaTarget      float64         // 0.16 for 16 delta short strikes
	WingWidth        float64         // distance to protective wings in points
	StrikeIncrement  float64
	Quantity         int64
	AllocationPct    float64 // when > 0, size by balance instead of Quantity
	MaxOpenPositions int
	RiskFreeRate     float64
	Volatility       float64
}

// ScheduledGenerator opens one position per symbol at each configured time of day.
type ScheduledGenerator struct {
	oracle  pricing.Oracle
	account ledger.Reader
	fired   map[string]bool
	cfg     StrategyConfig
}

// NewScheduledGenerator creates a generator that sizes against account
func NewScheduledGenerator(cfg StrategyConfig, oracle pricing.Oracle, account ledger.Reader) *ScheduledGenerator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.StrikeIncrement <= 0 {
		cfg.StrikeIncrement = 1
	}
	if cfg.Quantity <= 0 {
		cfg.Quantity = 1
	}
	if cfg.ExpirationTime <= 0 {
		cfg.ExpirationTime = 16 * time.Hour
	}
	sorted := append([]time.Duration(nil), cfg.EntryTimes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	cfg.EntryTimes = sorted
	return &ScheduledGenerator{
		oracle:  oracle,
		account: account,
		cfg:     cfg,
		fired:   make(map[string]bool),
	}
}

// ProposeEntries implements SignalGenerator. A slot fires on the first tick at
// or after its time of day; missed slots are not replayed later in the day.
func (g *ScheduledGenerator) ProposeEntries(m models.MarketState, open []*models.Position) ([]models.Proposal, error) {
	local := m.Time.In(g.cfg.Location)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return nil, nil
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.cfg.Location)

	openCount := 0
	for _, p := range open {
		if p.IsOpen() {
			openCount++
		}
	}

	var out []models.Proposal
	for i, slot := range g.cfg.EntryTimes {
		at := midnight.Add(slot)
		if local.Before(at) {
			break
		}
		// a later slot has already started; this one was missed
		if i+1 < len(g.cfg.EntryTimes) && !local.Before(midnight.Add(g.cfg.EntryTimes[i+1])) {
			continue
		}
		for _, sym := range g.cfg.Symbols {
			key := fmt.Sprintf("%s|%s|%s", local.Format("2006-01-02"), slot, sym)
			if g.fired[key] {
				continue
			}
			g.fired[key] = true

			if g.cfg.MaxOpenPositions > 0 && openCount+len(out) >= g.cfg.MaxOpenPositions {
				continue
			}
			u, err := m.Underlying(sym)
			if err != nil {
				return nil, err
			}
			p, err := g.build(u, local)
			if err != nil {
				return nil, fmt.Errorf("building %s for %s: %w", g.cfg.Type, sym, err)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (g *ScheduledGenerator) build(u models.Underlying, now time.Time) (models.Proposal, error) {
	exp := g.targetExpiration(now, g.cfg.DTE)
	vol := u.Volatility
	if vol <= 0 {
		vol = g.cfg.Volatility
	}
	b := legBuilder{
		oracle: g.oracle,
		spot:   u.Price,
		symbol: u.Symbol,
		now:    now,
		rate:   g.cfg.RiskFreeRate,
		vol:    vol,
		tick:   g.cfg.StrikeIncrement,
		qty:    1,
	}

	var legs []models.Leg
	switch g.cfg.Type {
	case models.StrategyIronCondor:
		legs = b.ironCondor(exp, g.cfg.DeltaTarget, g.cfg.WingWidth)
	case models.StrategyShortStrangle:
		legs = b.strangle(exp, g.cfg.DeltaTarget)
	case models.StrategyBuyCall:
		legs = []models.Leg{b.leg(models.OptionCall, models.SideLong, b.strikeByDelta(exp, g.deltaOr(0.5), true), exp)}
	case models.StrategyBuyPut:
		legs = []models.Leg{b.leg(models.OptionPut, models.SideLong, b.strikeByDelta(exp, -g.deltaOr(0.5), false), exp)}
	case models.StrategyFlyagonal:
		legs = b.flyagonal(exp, g.targetExpiration(now, g.cfg.DTE+g.cfg.DiagonalDTE), g.cfg.WingWidth)
	default:
		return models.Proposal{}, fmt.Errorf("no leg template for strategy %q", g.cfg.Type)
	}

	qty := g.size(b.unitRisk(legs))
	for i := range legs {
		legs[i].Quantity *= qty
	}
	return models.Proposal{
		Strategy: g.cfg.Type,
		Legs:     legs,
		Note:     fmt.Sprintf("scheduled %s entry spot=%.2f", now.Format("15:04"), u.Price),
	}, nil
}

func (g *ScheduledGenerator) deltaOr(def float64) float64 {
	if g.cfg.DeltaTarget > 0 {
		return g.cfg.DeltaTarget
	}
	return def
}

// targetExpiration returns expiry dte days out. Multi-day expirations roll
// forward to the next Friday; same-day never rolls.
func (g *ScheduledGenerator) targetExpiration(now time.Time, dte int) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.cfg.Location)
	if dte > 0 {
		day = day.AddDate(0, 0, dte)
		for day.Weekday() != time.Friday {
			day = day.AddDate(0, 0, 1)
		}
	}
	return day.Add(g.cfg.ExpirationTime)
}

// size turns a per-unit risk into a contract multiple
func (g *ScheduledGenerator) size(unitRisk float64) int64 {
	if g.cfg.AllocationPct <= 0 || g.account == nil || unitRisk <= 0 {
		return g.cfg.Quantity
	}
	allocated := g.account.Balance().InexactFloat64() * g.cfg.AllocationPct
	n := int64(allocated / unitRisk)
	if n < 1 {
		n = 1
	}
	return n
}

// legBuilder assembles leg templates around the current spot
type legBuilder struct {
	oracle pricing.Oracle
	now    time.Time
	symbol string
	spot   float64
	rate   float64
	vol    float64
	tick   float64
	qty    int64
}

func (b legBuilder) leg(typ models.OptionType, side models.Side, strike float64, exp time.Time) models.Leg {
	return models.Leg{
		Underlying: b.symbol,
		Type:       typ,
		Side:       side,
		Strike:     strike,
		Expiration: exp,
		Quantity:   b.qty,
		Multiplier: models.DefaultMultiplier,
	}
}

// strikeByDelta scans strikes around spot for the one whose oracle delta is
// closest to target. Puts take a negative target.
func (b legBuilder) strikeByDelta(exp time.Time, target float64, isCall bool) float64 {
	t := pricing.YearFraction(b.now, exp)
	atm := util.RoundToTick(b.spot, b.tick)
	span := math.Max(b.spot*0.15, 10*b.tick)

	best := atm
	bestDiff := math.MaxFloat64
	for k := util.FloorToTick(b.spot-span, b.tick); k <= b.spot+span; k += b.tick {
		if k <= 0 {
			continue
		}
		q, err := b.oracle.Price(b.spot, k, t, b.rate, b.vol, isCall)
		if err != nil {
			continue
		}
		if diff := math.Abs(q.Delta - target); diff < bestDiff {
			bestDiff = diff
			best = util.RoundToTick(k, b.tick)
		}
	}
	return best
}

func (b legBuilder) strangle(exp time.Time, delta float64) []models.Leg {
	call := b.strikeByDelta(exp, delta, true)
	put := b.strikeByDelta(exp, -delta, false)
	if call <= b.spot {
		call = util.CeilToTick(b.spot+b.tick, b.tick)
	}
	if put >= b.spot {
		put = util.FloorToTick(b.spot-b.tick, b.tick)
	}
	return []models.Leg{
		b.leg(models.OptionCall, models.SideShort, call, exp),
		b.leg(models.OptionPut, models.SideShort, put, exp),
	}
}

func (b legBuilder) ironCondor(exp time.Time, delta, wing float64) []models.Leg {
	if wing <= 0 {
		wing = 5 * b.tick
	}
	shorts := b.strangle(exp, delta)
	call, put := shorts[0].Strike, shorts[1].Strike
	return []models.Leg{
		shorts[0],
		b.leg(models.OptionCall, models.SideLong, util.RoundToTick(call+wing, b.tick), exp),
		shorts[1],
		b.leg(models.OptionPut, models.SideLong, util.RoundToTick(put-wing, b.tick), exp),
	}
}

// flyagonal is a call broken-wing butterfly above spot plus a put diagonal
// below it: the short put expires with the butterfly, the long put later.
func (b legBuilder) flyagonal(exp, backExp time.Time, wing float64) []models.Leg {
	if wing <= 0 {
		wing = 10 * b.tick
	}
	lower := util.CeilToTick(b.spot+wing/2, b.tick)
	body := util.RoundToTick(lower+wing, b.tick)
	upper := util.RoundToTick(body+2*wing, b.tick)
	putStrike := util.FloorToTick(b.spot-wing, b.tick)

	shortCalls := b.leg(models.OptionCall, models.SideShort, body, exp)
	shortCalls.Quantity = 2 * b.qty
	return []models.Leg{
		b.leg(models.OptionCall, models.SideLong, lower, exp),
		shortCalls,
		b.leg(models.OptionCall, models.SideLong, upper, exp),
		b.leg(models.OptionPut, models.SideShort, putStrike, exp),
		b.leg(models.OptionPut, models.SideLong, putStrike, backExp),
	}
}

// unitRisk estimates the cash at risk for one unit of the legs: the debit for
// net-debit structures, or the widest spread for defined-risk credit structures.
func (b legBuilder) unitRisk(legs []models.Leg) float64 {
	net := 0.0
	for _, l := range legs {
		q, _ := b.oracle.Price(b.spot, l.Strike, pricing.YearFraction(b.now, l.Expiration), b.rate, b.vol, l.IsCall())
		net += float64(l.Side.Sign()) * float64(l.Quantity) * q.Price * l.ContractMultiplier()
	}
	if net > 0 {
		return net
	}
	width := 0.0
	var calls, puts []float64
	for _, l := range legs {
		if l.IsCall() {
			calls = append(calls, l.Strike)
		} else {
			puts = append(puts, l.Strike)
		}
	}
	for _, ks := range [][]float64{calls, puts} {
		if len(ks) < 2 {
			continue
		}
		sort.Float64s(ks)
		width = math.Max(width, ks[len(ks)-1]-ks[0])
	}
	if width == 0 {
		// naked short premium: fall back to a notional fraction of spot
		width = b.spot * 0.2
	}
	return width*models.DefaultMultiplier + net
}
