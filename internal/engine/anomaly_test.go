package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psmwatch/psmwatch/internal/domain"
)

// pointBars builds zero-range bars from a close series so the true
// range equals the close-to-close move.
func pointBars(closes []float64) []domain.Bar {
	out := make([]domain.Bar, len(closes))
	for i, c := range closes {
		out[i] = domain.Bar{
			Date:   fmt.Sprintf("2026-01-%02d", i+1),
			Open:   c,
			High:   c,
			Low:    c,
			Close:  c,
			Volume: 1000,
		}
	}
	return out
}

func repeat(value float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func classify(t *testing.T, closes []float64, settings domain.Settings) *domain.AnomalyEvent {
	t.Helper()
	bars := pointBars(closes)
	ind := ComputeIndicators(bars, settings)
	require.NotNil(t, ind)
	pos := domain.NewPosition("ACME:NYSE")
	return ClassifyAnomaly("ACME:NYSE", pos, bars, ind, settings)
}

func TestClassifyAnomaly_FlatSeriesIsQuiet(t *testing.T) {
	event := classify(t, repeat(100, 40), domain.DefaultSettings())
	assert.Nil(t, event)
}

func TestClassifyAnomaly_FixedDailyDropWinsOutright(t *testing.T) {
	closes := append(repeat(100, 30), 90)
	event := classify(t, closes, domain.DefaultSettings())

	require.NotNil(t, event)
	assert.Equal(t, domain.AnomalyFixedDailyDrop, event.Code)
	assert.Equal(t, domain.SeverityHigh, event.Severity)
	require.NotNil(t, event.Metrics.OneDayReturnPct)
	assert.InDelta(t, -10.0, *event.Metrics.OneDayReturnPct, 1e-9)
	assert.Equal(t, "2026-01-31", event.BarDate)
}

func declineSeries() []float64 {
	closes := repeat(100, 40)
	price := 100.0
	for i := 0; i < 5; i++ {
		price *= 0.97
		closes = append(closes, price)
	}
	return closes
}

func TestClassifyAnomaly_SteadyDeclineIsExtremeDrawdown(t *testing.T) {
	event := classify(t, declineSeries(), domain.DefaultSettings())

	require.NotNil(t, event)
	assert.Equal(t, domain.AnomalyExtremeDrawdown, event.Code)
	assert.Equal(t, domain.SeverityHigh, event.Severity)
	require.NotNil(t, event.Metrics.DrawdownInATR)
	assert.Greater(t, *event.Metrics.DrawdownInATR, 4.5)
}

func TestClassifyAnomaly_MultidayFocusTakesPriorityOverDrawdown(t *testing.T) {
	settings := domain.DefaultSettings()
	settings.AnomalyMultidayDropFocusEnabled = true

	event := classify(t, declineSeries(), settings)

	require.NotNil(t, event)
	assert.Equal(t, domain.AnomalyMultidayDrop, event.Code)
	assert.Equal(t, domain.SeverityHigh, event.Severity)
	assert.GreaterOrEqual(t, event.Metrics.DownDays5d, 3)
	require.NotNil(t, event.Metrics.Drop5dPct)
	assert.Less(t, *event.Metrics.Drop5dPct, -6.0)
}

func TestClassifyAnomaly_StandardizedPullbackIsInfo(t *testing.T) {
	// Alternating +/-1 noise around 100 and a final two-point drop: a
	// roughly two-sigma down day that trips no high-severity rule.
	closes := make([]float64, 0, 31)
	for i := 0; i < 30; i++ {
		closes = append(closes, 100+float64(i%2))
	}
	closes = append(closes, 99)

	event := classify(t, closes, domain.DefaultSettings())

	require.NotNil(t, event)
	assert.Equal(t, domain.AnomalyStdPullback, event.Code)
	assert.Equal(t, domain.SeverityInfo, event.Severity)
	require.NotNil(t, event.Metrics.OneDayReturnInSigma)
	assert.Less(t, *event.Metrics.OneDayReturnInSigma, -1.0)
}

func TestSeverityFor_Mapping(t *testing.T) {
	high := []domain.AnomalyCode{
		domain.AnomalyExtremeDrawdown,
		domain.AnomalyAbnormalDrawdown,
		domain.AnomalyFixedDailyDrop,
		domain.AnomalyMultidayDrop,
		domain.AnomalyRecentAbnormalTrend,
	}
	for _, code := range high {
		assert.Equal(t, domain.SeverityHigh, SeverityFor(code), string(code))
	}
	info := []domain.AnomalyCode{
		domain.AnomalyMomentumWarn,
		domain.AnomalyTrendDeterioration,
		domain.AnomalyStdPullback,
	}
	for _, code := range info {
		assert.Equal(t, domain.SeverityInfo, SeverityFor(code), string(code))
	}
}

func TestComputeAnomalyMetrics_Basics(t *testing.T) {
	settings := domain.DefaultSettings()
	closes := []float64{100, 101, 102, 101, 100, 99}
	bars := pointBars(closes)
	ind := ComputeIndicators(bars, settings)
	require.NotNil(t, ind)

	m := ComputeAnomalyMetrics(bars, ind, settings)

	require.NotNil(t, m.OneDayReturnPct)
	assert.InDelta(t, -1.0, *m.OneDayReturnPct, 1e-9)
	assert.Equal(t, 2, m.UpDays5d)
	assert.Equal(t, 3, m.DownDays5d)

	require.NotNil(t, m.DrawdownPct)
	assert.InDelta(t, (99.0-102.0)/102.0*100.0, *m.DrawdownPct, 1e-9)

	// Too little history for the long-window metrics.
	assert.Nil(t, m.ROC20)
	assert.Nil(t, m.SMA50Slope10d)
}

func TestComputeAnomalyMetrics_SMA50Fallback(t *testing.T) {
	settings := domain.DefaultSettings()
	bars := pointBars(repeat(50, 12))
	ind := ComputeIndicators(bars, settings)
	require.NotNil(t, ind)
	require.Nil(t, ind.SMA50, "true SMA50 needs 50 bars")

	m := ComputeAnomalyMetrics(bars, ind, settings)
	require.NotNil(t, m.SMA50, "fallback mean kicks in above the minimum window")
	assert.InDelta(t, 50.0, *m.SMA50, 1e-9)

	short := ComputeAnomalyMetrics(pointBars(repeat(50, 4)), ComputeIndicators(pointBars(repeat(50, 4)), settings), settings)
	assert.Nil(t, short.SMA50)
}
