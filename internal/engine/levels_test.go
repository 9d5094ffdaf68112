package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psmwatch/psmwatch/internal/domain"
)

func TestRegimeMultiplier(t *testing.T) {
	settings := domain.DefaultSettings()
	assert.InDelta(t, 1.0, RegimeMultiplier(nil, settings), 1e-9)
	assert.InDelta(t, 1.0, RegimeMultiplier(domain.Float(20), settings), 1e-9)
	assert.InDelta(t, settings.VIXMidRegimeMult, RegimeMultiplier(domain.Float(26), settings), 1e-9)
	assert.InDelta(t, settings.VIXHighRegimeMult, RegimeMultiplier(domain.Float(31), settings), 1e-9)
}

func TestChandelierK(t *testing.T) {
	base := domain.Float(110)
	bull := domain.Float(140)

	assert.InDelta(t, 3.5, ChandelierK(domain.StateNormalRun, 100, base, bull, 0), 1e-9)
	assert.InDelta(t, 3.0, ChandelierK(domain.StateNormalRun, 115, base, bull, 0), 1e-9)
	assert.InDelta(t, 2.5, ChandelierK(domain.StateNormalRun, 145, base, bull, 0), 1e-9)
	assert.InDelta(t, 2.0, ChandelierK(domain.StateSpikeLock, 100, base, bull, 0), 1e-9)
	assert.InDelta(t, 3.0, ChandelierK(domain.StateNormalRun, 100, base, bull, 1), 1e-9, "warn pressure tightens the stop")
	assert.InDelta(t, 1.5, ChandelierK(domain.StateSpikeLock, 100, base, bull, 1), 1e-9, "floor at 1.5")
}

func TestComputeLevels_OwnedStops(t *testing.T) {
	settings := domain.DefaultSettings()
	pos := ownedPosition()
	pos.Targets = domain.Targets{
		BearTotal: domain.Float(80),
		BaseTotal: domain.Float(110),
		BullTotal: domain.Float(140),
	}
	ind := &IndicatorSnapshot{
		Close:     115,
		PrevClose: domain.Float(113),
		ATRD:      domain.Float(2),
		ATRW:      domain.Float(4.4),
		FiveDMove: domain.Float(3),
		SMA200:    domain.Float(90),
	}

	out := ComputeLevels(pos, ind, settings, MarketContext{})

	// Close is past base, so K drops to 3.0.
	require.NotNil(t, out.ChandelierK)
	assert.InDelta(t, 3.0, *out.ChandelierK, 1e-9)
	require.NotNil(t, out.ChandelierStop)
	assert.InDelta(t, 120-3.0*4.4, *out.ChandelierStop, 1e-9)

	// Giveback lock: keep 65% of the 20-point open profit.
	require.NotNil(t, out.GivebackLock)
	assert.InDelta(t, 100+0.65*20, *out.GivebackLock, 1e-9)

	// Catastrophe floor: bear-based floor beats the entry-based one.
	require.NotNil(t, out.CatastropheFloor)
	assert.InDelta(t, 72.0, *out.CatastropheFloor, 1e-9)

	// Effective stop is the tightest of the three.
	require.NotNil(t, out.EffectiveStop)
	assert.InDelta(t, 113.0, *out.EffectiveStop, 1e-9)

	require.NotNil(t, out.SpikeThreshold)
	assert.InDelta(t, settings.SpikeMult*4.4, *out.SpikeThreshold, 1e-9)
	require.NotNil(t, out.IsSpike)
	assert.False(t, *out.IsSpike)

	require.NotNil(t, out.UnrealizedPnlPct)
	assert.InDelta(t, 15.0, *out.UnrealizedPnlPct, 1e-9)
	require.NotNil(t, out.PricedInPct)
	assert.InDelta(t, (115.0-80)/(140-80)*100, *out.PricedInPct, 1e-9)
	require.NotNil(t, out.DayChangePct)
	assert.InDelta(t, (115.0-113)/113*100, *out.DayChangePct, 1e-9)
}

func TestComputeLevels_SpikeRegimeScaling(t *testing.T) {
	settings := domain.DefaultSettings()
	pos := ownedPosition()
	ind := &IndicatorSnapshot{
		Close:     115,
		ATRW:      domain.Float(4.4),
		FiveDMove: domain.Float(12),
	}

	neutral := ComputeLevels(pos, ind, settings, MarketContext{})
	require.NotNil(t, neutral.IsSpike)
	assert.True(t, *neutral.IsSpike, "12 beats the neutral threshold of 11")

	highVol := ComputeLevels(pos, ind, settings, MarketContext{VIXClose: domain.Float(32)})
	require.NotNil(t, highVol.SpikeThreshold)
	assert.InDelta(t, settings.SpikeMult*4.4*settings.VIXHighRegimeMult, *highVol.SpikeThreshold, 1e-9)
	assert.False(t, *highVol.IsSpike, "the high-vol regime absorbs the same move")
}

func TestComputeLevels_ReentryBand(t *testing.T) {
	settings := domain.DefaultSettings()
	pos := domain.NewPosition("ACME:NYSE")
	pos.Runtime.HWMAtExit = domain.Float(120)
	ind := &IndicatorSnapshot{Close: 110, ATRW: domain.Float(4)}

	out := ComputeLevels(pos, ind, settings, MarketContext{})
	require.NotNil(t, out.PullbackMin)
	assert.InDelta(t, 120-1.5*4, *out.PullbackMin, 1e-9)
	require.NotNil(t, out.PullbackMax)
	assert.InDelta(t, 120-4.0*4, *out.PullbackMax, 1e-9)
	require.NotNil(t, out.InBand)
	assert.True(t, *out.InBand, "110 sits between 104 and 114")

	ind.Close = 102
	out = ComputeLevels(pos, ind, settings, MarketContext{})
	assert.False(t, *out.InBand)
}

func TestComputeLevels_EntrySizingHints(t *testing.T) {
	settings := domain.DefaultSettings()
	settings.EntryCapitalBase = domain.Float(100000)
	pos := domain.NewPosition("ACME:NYSE")
	ind := &IndicatorSnapshot{Close: 50, ATRD: domain.Float(1.5)}

	out := ComputeLevels(pos, ind, settings, MarketContext{})
	require.NotNil(t, out.StopLossPrice)
	assert.InDelta(t, 50-settings.EntryCatStopATRMult*1.5, *out.StopLossPrice, 1e-9)
	require.NotNil(t, out.StopDistanceForSize)
	assert.InDelta(t, settings.EntrySizingATRMult*1.5, *out.StopDistanceForSize, 1e-9)

	// 1% risk on 100k over a 3-point stop distance.
	require.NotNil(t, out.SharesHint)
	assert.InDelta(t, 1000.0/3.0, *out.SharesHint, 1e-6)

	require.NotNil(t, out.TimeStopDays)
	assert.Equal(t, settings.EntryTimeStopDays, *out.TimeStopDays)
}

func TestComputeLevels_NilSnapshot(t *testing.T) {
	out := ComputeLevels(domain.NewPosition("ACME:NYSE"), nil, domain.DefaultSettings(), MarketContext{})
	assert.Nil(t, out.PriceClose)
	assert.Nil(t, out.EffectiveStop)
}
