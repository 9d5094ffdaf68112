package engine

import (
	"github.com/psmwatch/psmwatch/internal/domain"
)

// MarketContext carries the cross-symbol inputs of one run; today that
// is only the VIX close used for the spike regime multiplier.
type MarketContext struct {
	VIXClose *float64
}

// ChandelierK resolves the trailing-stop multiplier from state, target
// proximity and warn pressure. Lower K means a tighter stop.
func ChandelierK(state domain.State, close float64, baseTotal, bullTotal *float64, warnCount int) float64 {
	var k float64
	switch {
	case state == domain.StateSpikeLock:
		k = 2.0
	case state == domain.StateNormalRun && bullTotal != nil && close >= *bullTotal:
		k = 2.5
	case state == domain.StateNormalRun && baseTotal != nil && close >= *baseTotal:
		k = 3.0
	case state == domain.StateNormalRun:
		k = 3.5
	default:
		k = 3.0
	}
	if warnCount >= 1 {
		k -= 0.5
	}
	if k < 1.5 {
		k = 1.5
	}
	return k
}

// RegimeMultiplier scales the spike threshold by the volatility regime.
// A missing VIX reads as the neutral regime.
func RegimeMultiplier(vixClose *float64, settings domain.Settings) float64 {
	if vixClose == nil {
		return 1.0
	}
	if *vixClose > settings.VIXHighThreshold {
		return settings.VIXHighRegimeMult
	}
	if *vixClose > settings.VIXMidThreshold {
		return settings.VIXMidRegimeMult
	}
	return 1.0
}

// ComputeLevels derives stops, bands, sizing hints and diagnostic
// ratios for one bar. Missing inputs propagate as nil fields; nothing
// here mutates the position.
func ComputeLevels(pos *domain.Position, ind *IndicatorSnapshot, settings domain.Settings, market MarketContext) domain.Computed {
	out := domain.Computed{}
	if ind == nil {
		return out
	}

	close := ind.Close
	out.PriceClose = domain.Float(close)
	out.PrevClose = ind.PrevClose
	out.ATRD = ind.ATRD
	out.ATRW = ind.ATRW
	out.FiveDMove = ind.FiveDMove
	out.SMA50 = ind.SMA50
	out.SMA200 = ind.SMA200
	out.SMA200Slope = ind.SMA200Slope
	out.TrendUp = domain.Bool(ind.TrendUp)
	out.Z20 = ind.Z20
	out.UpStreak = domain.Int(ind.UpStreak)
	out.R3Pct = ind.R3Pct
	out.Overheated = domain.Bool(ind.Overheated)
	out.SetupOversold = domain.Bool(ind.SetupOversold)
	out.Reversal = domain.Bool(ind.Reversal)
	out.HWMClose = pos.Runtime.HWMClose

	out.VIXClose = market.VIXClose
	regimeMult := RegimeMultiplier(market.VIXClose, settings)
	out.RegimeMult = domain.Float(regimeMult)

	if ind.ATRW != nil {
		out.SpikeThreshold = domain.Float(settings.SpikeMult * *ind.ATRW * regimeMult)
	}
	isSpike := out.SpikeThreshold != nil && ind.FiveDMove != nil &&
		*ind.FiveDMove > 0 && *ind.FiveDMove > *out.SpikeThreshold
	out.IsSpike = domain.Bool(isSpike)

	entry := pos.Execution.EntryPrice
	hwm := pos.Runtime.HWMClose
	warnCount := pos.Runtime.WarnCount

	if pos.Mode == domain.ModeOwned && hwm != nil && ind.ATRW != nil {
		k := ChandelierK(pos.State, close, pos.Targets.BaseTotal, pos.Targets.BullTotal, warnCount)
		out.ChandelierK = domain.Float(k)
		out.ChandelierStop = domain.Float(*hwm - k**ind.ATRW)

		if entry != nil && *hwm > *entry {
			maxGiveback := 0.35
			if pos.State == domain.StateSpikeLock {
				maxGiveback = 0.20
			}
			out.GivebackLock = domain.Float(*entry + (1.0-maxGiveback)*(*hwm-*entry))
		}

		effective := *out.ChandelierStop
		if out.GivebackLock != nil && *out.GivebackLock > effective {
			effective = *out.GivebackLock
		}
		if entry != nil {
			floor := *entry * settings.CatastropheFloorPct
			if pos.Targets.BearTotal != nil {
				if candidate := *pos.Targets.BearTotal * settings.BearTotalFloorPct; candidate > floor {
					floor = candidate
				}
			}
			out.CatastropheFloor = domain.Float(floor)
			if floor > effective {
				effective = floor
			}
		}
		out.EffectiveStop = domain.Float(effective)
	}

	if ind.ATRW != nil && pos.Runtime.HWMAtExit != nil {
		hwmExit := *pos.Runtime.HWMAtExit
		out.PullbackMin = domain.Float(hwmExit - settings.ReentryPullbackMinATR**ind.ATRW)
		out.PullbackMax = domain.Float(hwmExit - settings.ReentryPullbackMaxATR**ind.ATRW)
		out.InBand = domain.Bool(*out.PullbackMax <= close && close <= *out.PullbackMin)
	} else {
		out.InBand = domain.Bool(false)
	}

	if entry != nil && *entry > 0 {
		out.UnrealizedPnlPct = domain.Float((close - *entry) / *entry * 100.0)
	}
	if hwm != nil && *hwm > 0 {
		out.ReturnFromHWMPct = domain.Float((close - *hwm) / *hwm * 100.0)
	}
	if pos.Targets.BearTotal != nil && pos.Targets.BullTotal != nil && *pos.Targets.BullTotal != *pos.Targets.BearTotal {
		out.PricedInPct = domain.Float((close - *pos.Targets.BearTotal) / (*pos.Targets.BullTotal - *pos.Targets.BearTotal) * 100.0)
	}
	if close > 0 && pos.Targets.BaseTotal != nil {
		out.GapToBasePct = domain.Float((*pos.Targets.BaseTotal - close) / close * 100.0)
	}
	if close > 0 && pos.Targets.BullTotal != nil {
		out.GapToBullPct = domain.Float((*pos.Targets.BullTotal - close) / close * 100.0)
	}
	if ind.PrevClose != nil && *ind.PrevClose != 0 {
		out.DayChangePct = domain.Float((close - *ind.PrevClose) / *ind.PrevClose * 100.0)
	}

	// Entry sizing hints for the WATCH side.
	out.EntryRefPrice = domain.Float(close)
	out.TimeStopDays = domain.Int(settings.EntryTimeStopDays)
	if ind.ATRD != nil {
		out.StopLossPrice = domain.Float(close - settings.EntryCatStopATRMult**ind.ATRD)
		out.StopDistanceForSize = domain.Float(settings.EntrySizingATRMult * *ind.ATRD)
	}
	if settings.EntryCapitalBase != nil && *settings.EntryCapitalBase > 0 &&
		out.StopDistanceForSize != nil && *out.StopDistanceForSize > 0 {
		riskBudget := *settings.EntryCapitalBase * settings.EntryRiskPerTradePct / 100.0
		out.SharesHint = domain.Float(riskBudget / *out.StopDistanceForSize)
	}

	return out
}
