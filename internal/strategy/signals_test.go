package strategy

import (
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/ledger"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface compliance check
var _ SignalGenerator = (*ScheduledGenerator)(nil)

func baseStrategyConfig(typ models.StrategyType) StrategyConfig {
	return StrategyConfig{
		Location:        et,
		Type:            typ,
		Symbols:         []string{"SPY"},
		EntryTimes:      []time.Duration{10 * time.Hour},
		DeltaTarget:     0.16,
		WingWidth:       5,
		StrikeIncrement: 1,
		Quantity:        1,
		RiskFreeRate:    0.04,
		Volatility:      0.2,
	}
}

func at(day, hour, minute int) time.Time {
	return time.Date(2024, 3, day, hour, minute, 0, 0, et)
}

func TestScheduledGenerator_FiresOncePerSlot(t *testing.T) {
	g := NewScheduledGenerator(baseStrategyConfig(models.StrategyIronCondor), pricing.NewBlackScholes(), nil)

	got, err := g.ProposeEntries(spy(at(4, 9, 59)), nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = g.ProposeEntries(spy(at(4, 10, 0)), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.StrategyIronCondor, got[0].Strategy)

	got, err = g.ProposeEntries(spy(at(4, 10, 1)), nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	// next trading day fires again
	got, err = g.ProposeEntries(spy(at(5, 10, 5)), nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestScheduledGenerator_SkipsWeekends(t *testing.T) {
	g := NewScheduledGenerator(baseStrategyConfig(models.StrategyBuyCall), pricing.NewBlackScholes(), nil)
	// 2024-03-09 is a Saturday
	got, err := g.ProposeEntries(spy(at(9, 10, 0)), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScheduledGenerator_MissedSlotIsNotReplayed(t *testing.T) {
	cfg := baseStrategyConfig(models.StrategyBuyCall)
	cfg.EntryTimes = []time.Duration{11 * time.Hour, 10 * time.Hour}
	g := NewScheduledGenerator(cfg, pricing.NewBlackScholes(), nil)

	got, err := g.ProposeEntries(spy(at(4, 11, 30)), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Note, "11:30")
}

func TestScheduledGenerator_MissingQuoteIsDataUnavailable(t *testing.T) {
	g := NewScheduledGenerator(baseStrategyConfig(models.StrategyBuyCall), pricing.NewBlackScholes(), nil)
	_, err := g.ProposeEntries(models.NewMarketState(at(4, 10, 0)), nil)
	assert.ErrorIs(t, err, models.ErrDataUnavailable)
}

func TestScheduledGenerator_IronCondorShape(t *testing.T) {
	g := NewScheduledGenerator(baseStrategyConfig(models.StrategyIronCondor), pricing.NewBlackScholes(), nil)
	got, err := g.ProposeEntries(spy(at(4, 10, 0)), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	legs := got[0].Legs
	require.Len(t, legs, 4)
	shortCall, longCall, shortPut, longPut := legs[0], legs[1], legs[2], legs[3]

	assert.Equal(t, models.SideShort, shortCall.Side)
	assert.Equal(t, models.OptionCall, shortCall.Type)
	assert.Greater(t, shortCall.Strike, 450.0)
	assert.Equal(t, shortCall.Strike+5, longCall.Strike)
	assert.Equal(t, models.SideLong, longCall.Side)

	assert.Equal(t, models.SideShort, shortPut.Side)
	assert.Less(t, shortPut.Strike, 450.0)
	assert.Equal(t, shortPut.Strike-5, longPut.Strike)

	for _, l := range legs {
		assert.True(t, at(4, 16, 0).Equal(l.Expiration), "0DTE expires the same afternoon")
		assert.Equal(t, int64(1), l.Quantity)
		assert.Equal(t, l.Strike, float64(int(l.Strike)), "strikes snap to the increment")
		require.NoError(t, l.Validate())
	}
}

func TestScheduledGenerator_Flyagonal(t *testing.T) {
	cfg := baseStrategyConfig(models.StrategyFlyagonal)
	cfg.DiagonalDTE = 7
	g := NewScheduledGenerator(cfg, pricing.NewBlackScholes(), nil)

	got, err := g.ProposeEntries(spy(at(4, 10, 0)), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	legs := got[0].Legs
	require.Len(t, legs, 5)

	lower, body, upper := legs[0], legs[1], legs[2]
	assert.Equal(t, int64(2), body.Quantity)
	assert.Equal(t, models.SideShort, body.Side)
	assert.Greater(t, body.Strike-lower.Strike, 0.0)
	// broken wing: upper wing twice as wide
	assert.Equal(t, 2*(body.Strike-lower.Strike), upper.Strike-body.Strike)

	shortPut, longPut := legs[3], legs[4]
	assert.Equal(t, shortPut.Strike, longPut.Strike)
	assert.True(t, at(4, 16, 0).Equal(shortPut.Expiration))
	assert.Equal(t, time.Friday, longPut.Expiration.Weekday())
	assert.True(t, longPut.Expiration.After(shortPut.Expiration))
}

func TestScheduledGenerator_MaxOpenPositions(t *testing.T) {
	cfg := baseStrategyConfig(models.StrategyBuyCall)
	cfg.Symbols = []string{"SPY", "QQQ"}
	cfg.MaxOpenPositions = 1
	g := NewScheduledGenerator(cfg, pricing.NewBlackScholes(), nil)

	m := models.NewMarketState(at(4, 10, 0),
		models.Underlying{Symbol: "SPY", Price: 450},
		models.Underlying{Symbol: "QQQ", Price: 380},
	)
	got, err := g.ProposeEntries(m, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestScheduledGenerator_SizesByAllocation(t *testing.T) {
	cfg := baseStrategyConfig(models.StrategyBuyCall)
	cfg.AllocationPct = 0.5
	cfg.DTE = 30

	rich := NewScheduledGenerator(cfg, pricing.NewBlackScholes(), ledger.New(dec("1000000")))
	got, err := rich.ProposeEntries(spy(at(4, 10, 0)), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Greater(t, got[0].Legs[0].Quantity, int64(1))

	poor := NewScheduledGenerator(cfg, pricing.NewBlackScholes(), ledger.New(dec("10")))
	got, err = poor.ProposeEntries(spy(at(4, 10, 0)), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Legs[0].Quantity)
}

func TestScheduledGenerator_UnknownTemplate(t *testing.T) {
	g := NewScheduledGenerator(baseStrategyConfig(models.StrategyCustom), pricing.NewBlackScholes(), nil)
	_, err := g.ProposeEntries(spy(at(4, 10, 0)), nil)
	assert.Error(t, err)
}
