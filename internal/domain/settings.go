package domain

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Settings is the global tunable bundle stored in the document under
// "global". Loading always starts from Defaults() and unmarshals the
// stored blob over it, so missing keys keep their defaults. Keys the
// current build does not know are preserved verbatim in extra and
// re-emitted on save, so downgraded or sideloaded blobs survive a
// round-trip.
type Settings struct {
	ATRPeriod          int     `json:"atr_period"`
	ATRDailyToWeekly   float64 `json:"atr_daily_to_weekly"`
	SpikeMult          float64 `json:"spike_mult"`
	VIXSymbol          string  `json:"vix_symbol"`
	VIXMidThreshold    float64 `json:"vix_mid_threshold"`
	VIXHighThreshold   float64 `json:"vix_high_threshold"`
	VIXMidRegimeMult   float64 `json:"vix_mid_regime_mult"`
	VIXHighRegimeMult  float64 `json:"vix_high_regime_mult"`
	SMA50Period        int     `json:"sma50_period"`
	SMA200Period       int     `json:"sma200_period"`
	SMA200SlopeLookbck int     `json:"sma200_slope_lookback"`
	TrendBreakBuffer   float64 `json:"trend_break_buffer_pct"`

	CooldownSessions      int     `json:"cooldown_sessions"`
	SpikeLockSessions     int     `json:"spike_lock_sessions"`
	ReentryWindowSessions int     `json:"reentry_window_sessions"`
	ReentryPullbackMinATR float64 `json:"reentry_pullback_min_atrw"`
	ReentryPullbackMaxATR float64 `json:"reentry_pullback_max_atrw"`
	ReentryPositionPct    float64 `json:"reentry_position_pct"`

	CatastropheFloorPct float64 `json:"catastrophe_floor_pct"`
	BearTotalFloorPct   float64 `json:"bear_total_floor_pct"`
	ProfitAtBasePct     float64 `json:"profit_at_base_pct"`
	ProfitAtBullPct     float64 `json:"profit_at_bull_pct"`
	WarnSellPct         float64 `json:"warn_sell_pct"`

	SpikeSellPctFirst   float64 `json:"spike_sell_pct_first"`
	SpikeSellPctLow     float64 `json:"spike_sell_pct_low"`
	SpikeSellPctMid     float64 `json:"spike_sell_pct_mid"`
	SpikeSellPctHigh    float64 `json:"spike_sell_pct_high"`
	SpikeSellPnlMidPct  float64 `json:"spike_sell_pnl_mid_pct"`
	SpikeSellPnlHighPct float64 `json:"spike_sell_pnl_high_pct"`

	AnomalyMomentumROCShortPeriod    int     `json:"anomaly_momentum_roc_short_period"`
	AnomalyMomentumROCLongPeriod     int     `json:"anomaly_momentum_roc_long_period"`
	AnomalyMomentumWarnShortThresh   float64 `json:"anomaly_momentum_warn_short_threshold"`
	AnomalyMomentumWarnLongThresh    float64 `json:"anomaly_momentum_warn_long_threshold"`
	AnomalyDrawdownLookback          int     `json:"anomaly_drawdown_lookback"`
	AnomalyDrawdownMinLookback       int     `json:"anomaly_drawdown_min_lookback"`
	AnomalyDrawdownAbnormalThresh    float64 `json:"anomaly_drawdown_abnormal_threshold"`
	AnomalyDrawdownExtremeThresh     float64 `json:"anomaly_drawdown_extreme_threshold"`
	AnomalyFixedDailyDropThreshPct   float64 `json:"anomaly_fixed_daily_drop_threshold_pct"`
	AnomalyMultidayAvgWindow         int     `json:"anomaly_multiday_avg_window"`
	AnomalyMultidayDropRatioAbnormal float64 `json:"anomaly_multiday_drop_ratio_abnormal"`
	AnomalyMultidayDropRatioExtreme  float64 `json:"anomaly_multiday_drop_ratio_extreme"`
	AnomalyMultidayDropFocusEnabled  bool    `json:"anomaly_multiday_drop_focus_enabled"`
	AnomalyMultidayDropMin3dPct      float64 `json:"anomaly_multiday_drop_min_3d_pct"`
	AnomalyMultidayDropMin5dPct      float64 `json:"anomaly_multiday_drop_min_5d_pct"`
	AnomalyMultidayDropMinDownDays   int     `json:"anomaly_multiday_drop_min_down_days"`
	AnomalyMultidayDropMinRatio      float64 `json:"anomaly_multiday_drop_min_ratio"`
	AnomalyStdWindow                 int     `json:"anomaly_std_window"`
	AnomalyStdMinWindow              int     `json:"anomaly_std_min_window"`
	AnomalySMAFallbackMinWindow      int     `json:"anomaly_sma_fallback_min_window"`
	AnomalyRecentTrendSigmaThresh    float64 `json:"anomaly_recent_trend_sigma_threshold"`
	AnomalyRecentTrendConsistDays    int     `json:"anomaly_recent_trend_consistent_days"`
	AnomalyStdPullbackSigmaThresh    float64 `json:"anomaly_std_pullback_sigma_threshold"`
	AnomalyTrendSMA50SlopeLookback   int     `json:"anomaly_trend_sma50_slope_lookback"`
	AnomalyTrendSMA50SlopeThresh     float64 `json:"anomaly_trend_sma50_slope_threshold"`
	AnomalyTrendDrawdownMin          float64 `json:"anomaly_trend_drawdown_min"`

	BarsBufferMax        int `json:"bars_buffer_max"`
	StooqFetchDays       int `json:"stooq_fetch_days"`
	StooqQuotesBatchSize int `json:"stooq_quotes_batch_size"`
	StooqSeedDays        int `json:"stooq_seed_days"`
	StooqFallbackDays    int `json:"stooq_fallback_days"`

	EntryMVPEnabled      bool     `json:"entry_mvp_enabled"`
	EntryModeDefault     string   `json:"entry_mode_default"`
	EntrySetupMetric     string   `json:"entry_setup_metric"`
	EntryZ20Window       int      `json:"entry_z20_window"`
	EntryZ20MinWindow    int      `json:"entry_z20_min_window"`
	EntryZ20Threshold    float64  `json:"entry_z20_threshold"`
	EntryATRMinPeriod    int      `json:"entry_atr_min_period"`
	EntryOverheatStreak  int      `json:"entry_overheat_upstreak"`
	EntryOverheatR3Pct   float64  `json:"entry_overheat_r3_pct"`
	EntryMinPrice        float64  `json:"entry_min_price"`
	EntryTimeStopDays    int      `json:"entry_time_stop_days"`
	EntrySizingATRMult   float64  `json:"entry_sizing_atr_mult"`
	EntryCatStopATRMult  float64  `json:"entry_cat_stop_atr_mult"`
	EntryRiskPerTradePct float64  `json:"entry_risk_per_trade_pct"`
	EntryCapitalBase     *float64 `json:"entry_capital_base"`

	extra map[string]json.RawMessage
}

// DefaultSettings returns the authoritative defaults. These are
// deep-merged under whatever the stored blob carries.
func DefaultSettings() Settings {
	return Settings{
		ATRPeriod:          14,
		ATRDailyToWeekly:   2.2,
		SpikeMult:          2.5,
		VIXSymbol:          "^vix",
		VIXMidThreshold:    25.0,
		VIXHighThreshold:   30.0,
		VIXMidRegimeMult:   1.15,
		VIXHighRegimeMult:  1.30,
		SMA50Period:        50,
		SMA200Period:       200,
		SMA200SlopeLookbck: 20,
		TrendBreakBuffer:   0.005,

		CooldownSessions:      5,
		SpikeLockSessions:     10,
		ReentryWindowSessions: 40,
		ReentryPullbackMinATR: 1.5,
		ReentryPullbackMaxATR: 4.0,
		ReentryPositionPct:    0.50,

		CatastropheFloorPct: 0.70,
		BearTotalFloorPct:   0.90,
		ProfitAtBasePct:     0.25,
		ProfitAtBullPct:     0.25,
		WarnSellPct:         0.30,

		SpikeSellPctFirst:   0.25,
		SpikeSellPctLow:     0.20,
		SpikeSellPctMid:     0.25,
		SpikeSellPctHigh:    0.30,
		SpikeSellPnlMidPct:  20.0,
		SpikeSellPnlHighPct: 40.0,

		AnomalyMomentumROCShortPeriod:    5,
		AnomalyMomentumROCLongPeriod:     20,
		AnomalyMomentumWarnShortThresh:   -2.0,
		AnomalyMomentumWarnLongThresh:    -1.5,
		AnomalyDrawdownLookback:          20,
		AnomalyDrawdownMinLookback:       5,
		AnomalyDrawdownAbnormalThresh:    2.8,
		AnomalyDrawdownExtremeThresh:     4.5,
		AnomalyFixedDailyDropThreshPct:   8.0,
		AnomalyMultidayAvgWindow:         20,
		AnomalyMultidayDropRatioAbnormal: 1.8,
		AnomalyMultidayDropRatioExtreme:  2.6,
		AnomalyMultidayDropFocusEnabled:  false,
		AnomalyMultidayDropMin3dPct:      4.0,
		AnomalyMultidayDropMin5dPct:      6.0,
		AnomalyMultidayDropMinDownDays:   3,
		AnomalyMultidayDropMinRatio:      0.9,
		AnomalyStdWindow:                 20,
		AnomalyStdMinWindow:              8,
		AnomalySMAFallbackMinWindow:      10,
		AnomalyRecentTrendSigmaThresh:    2.8,
		AnomalyRecentTrendConsistDays:    4,
		AnomalyStdPullbackSigmaThresh:    -1.0,
		AnomalyTrendSMA50SlopeLookback:   10,
		AnomalyTrendSMA50SlopeThresh:     -0.002,
		AnomalyTrendDrawdownMin:          2.0,

		BarsBufferMax:        260,
		StooqFetchDays:       10,
		StooqQuotesBatchSize: 8,
		StooqSeedDays:        400,
		StooqFallbackDays:    400,

		EntryMVPEnabled:      true,
		EntryModeDefault:     "PULLBACK",
		EntrySetupMetric:     "z20",
		EntryZ20Window:       20,
		EntryZ20MinWindow:    10,
		EntryZ20Threshold:    -1.5,
		EntryATRMinPeriod:    5,
		EntryOverheatStreak:  5,
		EntryOverheatR3Pct:   12.0,
		EntryMinPrice:        5.0,
		EntryTimeStopDays:    7,
		EntrySizingATRMult:   2.0,
		EntryCatStopATRMult:  3.0,
		EntryRiskPerTradePct: 1.0,
	}
}

// settingsAlias avoids recursive Unmarshal/Marshal calls.
type settingsAlias Settings

var settingsKnownKeys = buildKnownKeys()

func buildKnownKeys() map[string]struct{} {
	known := make(map[string]struct{})
	t := reflect.TypeOf(Settings{})
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		known[strings.Split(tag, ",")[0]] = struct{}{}
	}
	return known
}

// UnmarshalJSON merges the blob over the receiver (which callers seed
// with DefaultSettings) and collects unknown keys.
func (s *Settings) UnmarshalJSON(data []byte) error {
	alias := (*settingsAlias)(s)
	if err := json.Unmarshal(data, alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if _, ok := settingsKnownKeys[key]; ok {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		s.extra = raw
	}
	return nil
}

// MarshalJSON re-emits known fields plus any preserved unknown keys.
func (s Settings) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(settingsAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range s.extra {
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}
