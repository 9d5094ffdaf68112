package engine

import (
	"math"

	"github.com/psmwatch/psmwatch/internal/domain"
)

func meanAbs(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += math.Abs(v)
	}
	return domain.Float(sum / float64(len(values)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ComputeAnomalyMetrics builds the full metric bag the classifier and
// the diagnostic snapshot consume. Metrics that cannot be derived from
// the available history stay nil and disqualify their rules.
func ComputeAnomalyMetrics(bars []domain.Bar, ind *IndicatorSnapshot, settings domain.Settings) domain.AnomalyMetrics {
	m := domain.AnomalyMetrics{}
	closes := domain.Closes(bars)
	if ind != nil {
		m.Close = domain.Float(ind.Close)
		m.ATRD = ind.ATRD
		m.SMA50 = ind.SMA50
	}

	shortPeriod := maxInt(1, settings.AnomalyMomentumROCShortPeriod)
	longPeriod := maxInt(shortPeriod, settings.AnomalyMomentumROCLongPeriod)
	drawdownLookback := maxInt(2, settings.AnomalyDrawdownLookback)
	drawdownMinLookback := maxInt(3, settings.AnomalyDrawdownMinLookback)
	sma50SlopeLookback := maxInt(1, settings.AnomalyTrendSMA50SlopeLookback)
	multidayAvgWindow := maxInt(5, settings.AnomalyMultidayAvgWindow)
	stdWindow := maxInt(5, settings.AnomalyStdWindow)
	stdMinWindow := maxInt(3, settings.AnomalyStdMinWindow)
	smaFallbackMinWindow := maxInt(5, settings.AnomalySMAFallbackMinWindow)

	// SMA50 fallback: when the true window is short, use the mean of
	// whatever is available once it reaches the fallback minimum.
	if m.SMA50 == nil {
		window := len(closes)
		if window > 50 {
			window = 50
		}
		if window >= smaFallbackMinWindow {
			m.SMA50 = mean(closes[len(closes)-window:])
		}
	}

	if m.Close != nil && *m.Close > 0 && m.ATRD != nil {
		m.ATRPct = domain.Float(*m.ATRD / *m.Close * 100.0)
	}

	rocAt := func(period int) *float64 {
		if len(closes) <= period {
			return nil
		}
		base := closes[len(closes)-period-1]
		if base == 0 {
			return nil
		}
		return domain.Float((closes[len(closes)-1] - base) / base * 100.0)
	}
	m.ROC5 = rocAt(shortPeriod)
	m.ROC20 = rocAt(longPeriod)
	if m.ATRPct != nil && *m.ATRPct > 0 {
		if m.ROC5 != nil {
			m.ROC5Norm = domain.Float(*m.ROC5 / *m.ATRPct)
		}
		if m.ROC20 != nil {
			m.ROC20Norm = domain.Float(*m.ROC20 / *m.ATRPct)
		}
	}

	if len(closes) >= 2 && closes[len(closes)-2] != 0 {
		prev := closes[len(closes)-2]
		m.OneDayReturnPct = domain.Float((closes[len(closes)-1] - prev) / prev * 100.0)
	}

	var logReturns []float64
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		logReturns = append(logReturns, math.Log(closes[i]/closes[i-1]))
	}

	effectiveStdWindow := stdWindow
	if effectiveStdWindow > len(logReturns) {
		effectiveStdWindow = len(logReturns)
	}
	if effectiveStdWindow >= stdMinWindow {
		m.SigmaLog20 = stdev(logReturns[len(logReturns)-effectiveStdWindow:])
	}

	if len(logReturns) > 0 && m.SigmaLog20 != nil && *m.SigmaLog20 > 0 {
		m.OneDayReturnInSigma = domain.Float(logReturns[len(logReturns)-1] / *m.SigmaLog20)
	}

	m.Return3dPct = rocAt(3)
	m.Return5dPct = rocAt(5)

	sumTail := func(n int) float64 {
		var sum float64
		for _, v := range logReturns[len(logReturns)-n:] {
			sum += v
		}
		return sum
	}
	if m.SigmaLog20 != nil && *m.SigmaLog20 > 0 {
		if len(logReturns) >= 3 {
			m.Return3dInSigma = domain.Float(sumTail(3) / (*m.SigmaLog20 * math.Sqrt(3.0)))
		}
		if len(logReturns) >= 5 {
			m.Return5dInSigma = domain.Float(sumTail(5) / (*m.SigmaLog20 * math.Sqrt(5.0)))
		}
	}

	// Dominant recent trend: the larger of the 3d/5d sigma moves.
	var selected *float64
	if m.Return3dInSigma != nil {
		selected = m.Return3dInSigma
	}
	if m.Return5dInSigma != nil && (selected == nil || math.Abs(*m.Return5dInSigma) > math.Abs(*selected)) {
		selected = m.Return5dInSigma
	}
	if selected != nil {
		m.RecentTrendSigmaAbs = domain.Float(math.Abs(*selected))
		switch {
		case *selected > 0:
			m.RecentTrendDirection = domain.Str("UP")
		case *selected < 0:
			m.RecentTrendDirection = domain.Str("DOWN")
		default:
			m.RecentTrendDirection = domain.Str("FLAT")
		}
	}

	var dailyChangePct []float64
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		dailyChangePct = append(dailyChangePct, (closes[i]-closes[i-1])/closes[i-1]*100.0)
	}

	recent5 := dailyChangePct
	if len(recent5) > 5 {
		recent5 = recent5[len(recent5)-5:]
	}
	for _, v := range recent5 {
		if v > 0 {
			m.UpDays5d++
		} else if v < 0 {
			m.DownDays5d++
		}
	}

	if len(dailyChangePct) > 0 {
		recent := dailyChangePct
		if len(recent) > multidayAvgWindow {
			recent = recent[len(recent)-multidayAvgWindow:]
		}
		m.AvgAbsDailyChangePct = meanAbs(recent)
	}

	m.Drop3dPct = rocAt(3)
	m.Drop5dPct = rocAt(5)

	dropRatio := func(drop *float64, days float64) *float64 {
		if m.AvgAbsDailyChangePct == nil || *m.AvgAbsDailyChangePct <= 0 || drop == nil || *drop >= 0 {
			return nil
		}
		return domain.Float(math.Abs(*drop) / (*m.AvgAbsDailyChangePct * days))
	}
	ratio3 := dropRatio(m.Drop3dPct, 3.0)
	ratio5 := dropRatio(m.Drop5dPct, 5.0)
	if ratio3 != nil {
		m.MultidayDropRatio = ratio3
	}
	if ratio5 != nil && (m.MultidayDropRatio == nil || *ratio5 > *m.MultidayDropRatio) {
		m.MultidayDropRatio = ratio5
	}

	effectiveDrawdownLookback := drawdownLookback
	if effectiveDrawdownLookback > len(closes) {
		effectiveDrawdownLookback = len(closes)
	}
	if effectiveDrawdownLookback >= drawdownMinLookback {
		rollingHigh := closes[len(closes)-effectiveDrawdownLookback]
		for _, v := range closes[len(closes)-effectiveDrawdownLookback:] {
			if v > rollingHigh {
				rollingHigh = v
			}
		}
		if m.Close != nil && rollingHigh > 0 {
			m.DrawdownPct = domain.Float((*m.Close - rollingHigh) / rollingHigh * 100.0)
		}
	}
	if m.DrawdownPct != nil && m.ATRPct != nil && *m.ATRPct > 0 {
		m.DrawdownInATR = domain.Float(math.Abs(*m.DrawdownPct) / *m.ATRPct)
	}

	if len(closes) >= 50+sma50SlopeLookback {
		past := mean(closes[len(closes)-50-sma50SlopeLookback : len(closes)-sma50SlopeLookback])
		if m.SMA50 != nil && past != nil && *past != 0 {
			m.SMA50Slope10d = domain.Float((*m.SMA50 - *past) / *past)
		}
	}

	return m
}

func anomalyText(code domain.AnomalyCode) string {
	switch code {
	case domain.AnomalyExtremeDrawdown:
		return "Extreme volatility-adjusted drawdown detected."
	case domain.AnomalyAbnormalDrawdown:
		return "Abnormal volatility-adjusted drawdown detected."
	case domain.AnomalyFixedDailyDrop:
		return "Fixed-threshold daily drop detected."
	case domain.AnomalyMultidayDrop:
		return "Multi-day drop acceleration detected."
	case domain.AnomalyRecentAbnormalTrend:
		return "Abnormal multi-day trend detected in recent sessions."
	case domain.AnomalyStdPullback:
		return "Standardized pullback detected (buy-context info)."
	case domain.AnomalyMomentumWarn:
		return "Momentum deterioration detected versus volatility baseline."
	case domain.AnomalyTrendDeterioration:
		return "Trend deterioration confirmed with drawdown pressure."
	}
	return ""
}

// SeverityFor maps a code to its fixed severity tier.
func SeverityFor(code domain.AnomalyCode) domain.AnomalySeverity {
	switch code {
	case domain.AnomalyExtremeDrawdown, domain.AnomalyAbnormalDrawdown,
		domain.AnomalyFixedDailyDrop, domain.AnomalyMultidayDrop,
		domain.AnomalyRecentAbnormalTrend:
		return domain.SeverityHigh
	}
	return domain.SeverityInfo
}

// ClassifyAnomaly evaluates the eight rules in fixed priority order and
// returns at most one event per bar. Nil metrics disqualify their rule.
func ClassifyAnomaly(key string, pos *domain.Position, bars []domain.Bar, ind *IndicatorSnapshot, settings domain.Settings) *domain.AnomalyEvent {
	m := ComputeAnomalyMetrics(bars, ind, settings)

	atrOK := m.ATRPct != nil && *m.ATRPct > 0

	multidayAbnormal := atrOK && m.MultidayDropRatio != nil &&
		*m.MultidayDropRatio >= settings.AnomalyMultidayDropRatioAbnormal
	multidayExtreme := atrOK && m.MultidayDropRatio != nil &&
		*m.MultidayDropRatio >= settings.AnomalyMultidayDropRatioExtreme

	fixedDailyDrop := m.OneDayReturnPct != nil &&
		*m.OneDayReturnPct <= -math.Abs(settings.AnomalyFixedDailyDropThreshPct)

	minDownDays := maxInt(2, settings.AnomalyMultidayDropMinDownDays)
	min3d := math.Abs(settings.AnomalyMultidayDropMin3dPct)
	min5d := math.Abs(settings.AnomalyMultidayDropMin5dPct)
	minRatio := math.Max(0, settings.AnomalyMultidayDropMinRatio)
	multidayDropFocus := settings.AnomalyMultidayDropFocusEnabled &&
		m.DownDays5d >= minDownDays &&
		((m.Drop3dPct != nil && *m.Drop3dPct <= -min3d) ||
			(m.Drop5dPct != nil && *m.Drop5dPct <= -min5d)) &&
		(m.MultidayDropRatio == nil || *m.MultidayDropRatio >= minRatio)

	extremeDrawdown := (m.DrawdownInATR != nil && *m.DrawdownInATR >= settings.AnomalyDrawdownExtremeThresh) ||
		multidayExtreme

	abnormalDrawdown := m.Close != nil && m.SMA50 != nil && *m.Close < *m.SMA50 &&
		((m.DrawdownInATR != nil && *m.DrawdownInATR >= settings.AnomalyDrawdownAbnormalThresh) ||
			multidayAbnormal)

	momentumWarn := m.ROC5Norm != nil && m.ROC20Norm != nil &&
		*m.ROC5Norm < settings.AnomalyMomentumWarnShortThresh &&
		*m.ROC20Norm < settings.AnomalyMomentumWarnLongThresh

	trendDeterioration := m.Close != nil && m.SMA50 != nil && m.SMA50Slope10d != nil &&
		m.DrawdownInATR != nil &&
		*m.Close < *m.SMA50 &&
		*m.SMA50Slope10d < settings.AnomalyTrendSMA50SlopeThresh &&
		*m.DrawdownInATR >= settings.AnomalyTrendDrawdownMin

	consistentDays := maxInt(3, settings.AnomalyRecentTrendConsistDays)
	recentAbnormalTrend := atrOK &&
		m.RecentTrendSigmaAbs != nil && *m.RecentTrendSigmaAbs >= settings.AnomalyRecentTrendSigmaThresh &&
		m.RecentTrendDirection != nil &&
		(*m.RecentTrendDirection == "UP" || *m.RecentTrendDirection == "DOWN") &&
		(m.UpDays5d >= consistentDays || m.DownDays5d >= consistentDays)

	stdPullback := atrOK &&
		m.OneDayReturnInSigma != nil && *m.OneDayReturnInSigma <= settings.AnomalyStdPullbackSigmaThresh &&
		m.OneDayReturnPct != nil && *m.OneDayReturnPct < 0

	var code domain.AnomalyCode
	switch {
	case fixedDailyDrop:
		code = domain.AnomalyFixedDailyDrop
	case multidayDropFocus:
		code = domain.AnomalyMultidayDrop
	case extremeDrawdown:
		code = domain.AnomalyExtremeDrawdown
	case abnormalDrawdown:
		code = domain.AnomalyAbnormalDrawdown
	case momentumWarn:
		code = domain.AnomalyMomentumWarn
	case trendDeterioration:
		code = domain.AnomalyTrendDeterioration
	case recentAbnormalTrend:
		code = domain.AnomalyRecentAbnormalTrend
	case stdPullback:
		code = domain.AnomalyStdPullback
	default:
		return nil
	}

	barDate := ""
	if len(bars) > 0 {
		barDate = bars[len(bars)-1].Date
	}
	return &domain.AnomalyEvent{
		Schema:   domain.AnomalySchema,
		BarDate:  barDate,
		Key:      key,
		Symbol:   pos.Ref(),
		Code:     code,
		Severity: SeverityFor(code),
		Metrics:  m,
		Text:     anomalyText(code),
	}
}
