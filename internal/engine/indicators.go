// Package engine is the pure decision core: indicator math, level
// computation, anomaly classification and the per-bar state machine.
// Nothing in here performs I/O; every function is deterministic over
// its (bars, position, settings) inputs.
package engine

import (
	"math"

	"github.com/psmwatch/psmwatch/internal/domain"
)

// IndicatorSnapshot is the per-bar derived view the levels and the
// state machine consume. Nil means "not enough data".
type IndicatorSnapshot struct {
	Close       float64
	ATRD        *float64
	ATRW        *float64
	SMA50       *float64
	SMA200      *float64
	SMA200Slope *string
	FiveDMove   *float64
	Z20         *float64
	UpStreak    int
	R3Pct       *float64

	PrevClose *float64
	PrevHigh  *float64
	PrevSMA50 *float64

	TrendUp       bool
	Overheated    bool
	SetupOversold bool
	Reversal      bool
}

func mean(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return domain.Float(sum / float64(len(values)))
}

// Population standard deviation; nil below two samples.
func stdev(values []float64) *float64 {
	if len(values) < 2 {
		return nil
	}
	avg := *mean(values)
	var variance float64
	for _, v := range values {
		variance += (v - avg) * (v - avg)
	}
	variance /= float64(len(values))
	if variance <= 0 {
		return domain.Float(0)
	}
	return domain.Float(math.Sqrt(variance))
}

// TrueRangeSeries computes Wilder true ranges; the first bar has no
// previous close and is skipped.
func TrueRangeSeries(bars []domain.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		tr := bars[i].High - bars[i].Low
		if d := math.Abs(bars[i].High - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(bars[i].Low - prevClose); d > tr {
			tr = d
		}
		out = append(out, tr)
	}
	return out
}

// ATR is the Wilder ATR: seed with the mean of the first effective
// period of true ranges, then EMA with alpha 1/period. The effective
// period adapts down to the available data but never below minPeriod.
func ATR(bars []domain.Bar, period, minPeriod int) *float64 {
	trs := TrueRangeSeries(bars)
	effective := period
	if effective < 1 {
		effective = 1
	}
	if effective > len(trs) {
		effective = len(trs)
	}
	required := minPeriod
	if required < 2 {
		required = 2
	}
	if effective < required {
		return nil
	}
	atr := *mean(trs[:effective])
	alpha := 1.0 / float64(effective)
	for _, tr := range trs[effective:] {
		atr = atr*(1.0-alpha) + tr*alpha
	}
	return domain.Float(atr)
}

// SMA of the last window closes; nil with insufficient data.
func SMA(values []float64, window int) *float64 {
	if window <= 0 || len(values) < window {
		return nil
	}
	return mean(values[len(values)-window:])
}

// FiveDayMove is close minus the close five sessions ago.
func FiveDayMove(closes []float64) *float64 {
	if len(closes) < 6 {
		return nil
	}
	return domain.Float(closes[len(closes)-1] - closes[len(closes)-6])
}

// R3Pct is the three-session rate of change.
func R3Pct(closes []float64) *float64 {
	if len(closes) < 4 {
		return nil
	}
	base := closes[len(closes)-4]
	if base == 0 {
		return nil
	}
	return domain.Float(closes[len(closes)-1]/base - 1.0)
}

// UpStreak counts consecutive strictly increasing closes ending at the
// last bar.
func UpStreak(closes []float64) int {
	streak := 0
	for i := len(closes) - 1; i > 0; i-- {
		if closes[i] > closes[i-1] {
			streak++
			continue
		}
		break
	}
	return streak
}

// SMA200Slope compares the long SMA today against the same SMA lookback
// sessions ago. Strictly greater reads as rising.
func SMA200Slope(closes []float64, smaWindow, lookback int) *string {
	if len(closes) < smaWindow+lookback {
		return nil
	}
	today := mean(closes[len(closes)-smaWindow:])
	past := mean(closes[len(closes)-smaWindow-lookback : len(closes)-lookback])
	if today == nil || past == nil {
		return nil
	}
	if *today > *past {
		return domain.Str(domain.SlopeRising)
	}
	return domain.Str(domain.SlopeFlatOrFalling)
}

// ZScore standardizes the last close against an adaptive window that
// shrinks to the available data but never below minWindow.
func ZScore(closes []float64, window, minWindow int) *float64 {
	effective := window
	if effective < 2 {
		effective = 2
	}
	if effective > len(closes) {
		effective = len(closes)
	}
	required := minWindow
	if required < 2 {
		required = 2
	}
	if effective < required {
		return nil
	}
	recent := closes[len(closes)-effective:]
	avg := mean(recent)
	sd := stdev(recent)
	if avg == nil || sd == nil || *sd <= 0 {
		return nil
	}
	return domain.Float((closes[len(closes)-1] - *avg) / *sd)
}

// ComputeIndicators derives the full per-bar snapshot. Returns nil for
// an empty bar slice.
func ComputeIndicators(bars []domain.Bar, settings domain.Settings) *IndicatorSnapshot {
	if len(bars) == 0 {
		return nil
	}
	closes := domain.Closes(bars)
	close := closes[len(closes)-1]

	snap := &IndicatorSnapshot{Close: close}
	snap.ATRD = ATR(bars, settings.ATRPeriod, settings.EntryATRMinPeriod)
	if snap.ATRD != nil {
		snap.ATRW = domain.Float(*snap.ATRD * settings.ATRDailyToWeekly)
	}
	snap.SMA50 = SMA(closes, settings.SMA50Period)
	snap.SMA200 = SMA(closes, settings.SMA200Period)
	snap.SMA200Slope = SMA200Slope(closes, settings.SMA200Period, settings.SMA200SlopeLookbck)
	snap.FiveDMove = FiveDayMove(closes)
	snap.Z20 = ZScore(closes, settings.EntryZ20Window, settings.EntryZ20MinWindow)
	snap.UpStreak = UpStreak(closes)
	snap.R3Pct = R3Pct(closes)

	if len(closes) >= 2 {
		snap.PrevClose = domain.Float(closes[len(closes)-2])
		snap.PrevHigh = domain.Float(bars[len(bars)-2].High)
	}
	if len(closes) >= settings.SMA50Period+1 {
		snap.PrevSMA50 = SMA(closes[:len(closes)-1], settings.SMA50Period)
	}

	snap.TrendUp = snap.SMA200 != nil &&
		snap.SMA200Slope != nil && *snap.SMA200Slope == domain.SlopeRising &&
		close > *snap.SMA200
	snap.Overheated = snap.UpStreak >= settings.EntryOverheatStreak ||
		(snap.R3Pct != nil && *snap.R3Pct >= settings.EntryOverheatR3Pct/100.0)
	snap.SetupOversold = snap.Z20 != nil && *snap.Z20 <= settings.EntryZ20Threshold
	snap.Reversal = snap.PrevHigh != nil && close > *snap.PrevHigh

	return snap
}

// ReversalSignal is the wider re-entry reversal: prior-high breakout or
// an SMA50 reclaim from below.
func ReversalSignal(ind *IndicatorSnapshot) bool {
	if ind == nil {
		return false
	}
	if ind.PrevHigh != nil && ind.Close > *ind.PrevHigh {
		return true
	}
	return ind.PrevClose != nil && ind.SMA50 != nil && ind.PrevSMA50 != nil &&
		*ind.PrevClose < *ind.PrevSMA50 && ind.Close > *ind.SMA50
}
