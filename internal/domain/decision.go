package domain

// DecisionSchema and AnomalySchema version the emitted records.
const (
	DecisionSchema = "psm_v4.decision.v1"
	AnomalySchema  = "psm_v4.anomaly.v1"
)

// Computed is the last derived snapshot kept on a position for
// diagnostics, and the levels block echoed on every decision. It is
// always overwritten whole by the orchestrator.
type Computed struct {
	PriceClose     *float64 `json:"price_close"`
	PrevClose      *float64 `json:"prev_close"`
	DayChangePct   *float64 `json:"day_change_pct"`
	HWMClose       *float64 `json:"hwm_close"`
	ATRD           *float64 `json:"atr_d"`
	ATRW           *float64 `json:"atr_w"`
	FiveDMove      *float64 `json:"five_d_move"`
	VIXClose       *float64 `json:"vix_close"`
	RegimeMult     *float64 `json:"regime_mult"`
	SpikeThreshold *float64 `json:"spike_threshold"`

	SMA50       *float64 `json:"sma50"`
	SMA200      *float64 `json:"sma200"`
	SMA200Slope *string  `json:"sma200_slope"`
	TrendUp     *bool    `json:"trend_up"`
	Z20         *float64 `json:"z20"`
	UpStreak    *int     `json:"up_streak"`
	R3Pct       *float64 `json:"r3_pct"`

	Overheated    *bool `json:"overheated"`
	SetupOversold *bool `json:"setup_oversold"`
	Reversal      *bool `json:"reversal"`

	EntryRefPrice       *float64 `json:"entry_ref_price"`
	StopLossPrice       *float64 `json:"stop_loss_price"`
	StopDistanceForSize *float64 `json:"stop_distance_for_size"`
	TimeStopDays        *int     `json:"time_stop_days"`
	SharesHint          *float64 `json:"shares_hint"`

	ChandelierK      *float64 `json:"chandelier_k"`
	ChandelierStop   *float64 `json:"chandelier_stop"`
	GivebackLock     *float64 `json:"giveback_lock"`
	CatastropheFloor *float64 `json:"catastrophe_floor"`
	EffectiveStop    *float64 `json:"effective_stop"`

	PullbackMin *float64 `json:"pullback_min"`
	PullbackMax *float64 `json:"pullback_max"`
	InBand      *bool    `json:"in_band"`
	IsSpike     *bool    `json:"is_spike"`

	UnrealizedPnlPct *float64 `json:"unrealized_pnl_pct"`
	ReturnFromHWMPct *float64 `json:"return_from_hwm_pct"`
	PricedInPct      *float64 `json:"priced_in_pct"`
	GapToBasePct     *float64 `json:"gap_to_base_pct"`
	GapToBullPct     *float64 `json:"gap_to_bull_pct"`

	// Anomaly diagnostics appended per bar by the orchestrator.
	ROC5Norm            *float64 `json:"roc_5_norm"`
	ROC20Norm           *float64 `json:"roc_20_norm"`
	DrawdownInATR       *float64 `json:"drawdown_in_atr"`
	SMA50Slope10d       *float64 `json:"sma50_slope_10d"`
	ATRPct              *float64 `json:"atr_pct"`
	AnomalyCodeLast     *string  `json:"anomaly_code_last"`
	AnomalySeverityLast *string  `json:"anomaly_severity_last"`
}

// ActionPayload is the operative half of a decision.
type ActionPayload struct {
	Type           Action   `json:"type"`
	SellPct        *float64 `json:"sell_pct,omitempty"`
	BuyPctOfTarget *float64 `json:"buy_pct_of_target,omitempty"`
	PriceHint      *float64 `json:"price_hint,omitempty"`
}

// ReasonPayload labels and explains a decision.
type ReasonPayload struct {
	Code ReasonCode `json:"code"`
	Text string     `json:"text"`
}

// Transitions records whether the bar changed anything and which
// fundamental trigger (if any) was consumed.
type Transitions struct {
	Triggered bool    `json:"triggered"`
	Trigger   *string `json:"trigger"`
}

// Decision is the single structured record produced per symbol per run.
type Decision struct {
	Schema      string         `json:"schema"`
	BarDate     string         `json:"bar_date"`
	Key         string         `json:"key"`
	Symbol      SymbolRef      `json:"symbol"`
	Mode        Mode           `json:"mode"`
	StateBefore State          `json:"state_before"`
	StateAfter  State          `json:"state_after"`
	Action      ActionPayload  `json:"action"`
	Reason      ReasonPayload  `json:"reason"`
	Levels      Computed       `json:"levels"`
	Targets     Targets        `json:"targets"`
	KPI         map[string]any `json:"kpi"`
	Transitions Transitions    `json:"transitions"`
}

// AnomalyMetrics is the metric bag attached to every anomaly event.
type AnomalyMetrics struct {
	Close                *float64 `json:"close"`
	ATRD                 *float64 `json:"atr_d"`
	ATRPct               *float64 `json:"atr_pct"`
	ROC5                 *float64 `json:"roc_5"`
	ROC20                *float64 `json:"roc_20"`
	ROC5Norm             *float64 `json:"roc_5_norm"`
	ROC20Norm            *float64 `json:"roc_20_norm"`
	OneDayReturnPct      *float64 `json:"one_day_return_pct"`
	SigmaLog20           *float64 `json:"sigma_log_20"`
	OneDayReturnInSigma  *float64 `json:"one_day_return_in_sigma"`
	Return3dPct          *float64 `json:"return_3d_pct"`
	Return5dPct          *float64 `json:"return_5d_pct"`
	Return3dInSigma      *float64 `json:"return_3d_in_sigma"`
	Return5dInSigma      *float64 `json:"return_5d_in_sigma"`
	RecentTrendSigmaAbs  *float64 `json:"recent_trend_sigma_abs"`
	RecentTrendDirection *string  `json:"recent_trend_direction"`
	UpDays5d             int      `json:"up_days_5d"`
	DownDays5d           int      `json:"down_days_5d"`
	AvgAbsDailyChangePct *float64 `json:"avg_abs_daily_change_pct"`
	Drop3dPct            *float64 `json:"drop_3d_pct"`
	Drop5dPct            *float64 `json:"drop_5d_pct"`
	MultidayDropRatio    *float64 `json:"multiday_drop_ratio"`
	DrawdownPct          *float64 `json:"drawdown_pct"`
	DrawdownInATR        *float64 `json:"drawdown_in_atr"`
	SMA50                *float64 `json:"sma50"`
	SMA50Slope10d        *float64 `json:"sma50_slope_10d"`
}

// AnomalyEvent is the optional classified statistical alert for a
// symbol-day. At most one per bar.
type AnomalyEvent struct {
	Schema   string          `json:"schema"`
	BarDate  string          `json:"bar_date"`
	Key      string          `json:"key"`
	Symbol   SymbolRef       `json:"symbol"`
	Code     AnomalyCode     `json:"code"`
	Severity AnomalySeverity `json:"severity"`
	Metrics  AnomalyMetrics  `json:"metrics"`
	Text     string          `json:"text"`
}

// Valuation aggregates the cross-position diagnostic averages.
type Valuation struct {
	PricedInPctAvg     *float64 `json:"priced_in_pct_avg"`
	GapToBasePctAvg    *float64 `json:"gap_to_base_pct_avg"`
	GapToBullPctAvg    *float64 `json:"gap_to_bull_pct_avg"`
	UnrealizedPnlAvg   *float64 `json:"unrealized_pnl_pct_avg"`
	PricedInSamples    int      `json:"priced_in_samples"`
	GapToBaseSamples   int      `json:"gap_to_base_samples"`
	GapToBullSamples   int      `json:"gap_to_bull_samples"`
	UnrealizedSamples  int      `json:"unrealized_samples"`
}

// Summary is the aggregate block on a run result.
type Summary struct {
	Modes                    map[string]int `json:"modes"`
	States                   map[string]int `json:"states"`
	Valuation                Valuation      `json:"valuation"`
	TotalPositions           int            `json:"total_positions"`
	ActionableCount          int            `json:"actionable_count"`
	AnomalyCountTotal        int            `json:"anomaly_count_total"`
	AnomalyCountHigh         int            `json:"anomaly_count_high"`
	AnomalyCountInfo         int            `json:"anomaly_count_info"`
	AnomalyCountMultidayDrop int            `json:"anomaly_count_multiday_drop"`
	AnomalyCountStdPullback  int            `json:"anomaly_count_std_pullback"`
	TelegramPolicy           string         `json:"telegram_policy,omitempty"`
	TelegramAttempted        bool           `json:"telegram_attempted"`
	TelegramSent             bool           `json:"telegram_sent"`
	TelegramSkipReason       *string        `json:"telegram_skip_reason"`
}

// RunResult is the emitted report of one daily run.
type RunResult struct {
	RunID            string         `json:"run_id"`
	BarDate          *string        `json:"bar_date"`
	Decisions        []Decision     `json:"decisions"`
	TelegramMessage  string         `json:"telegram_message"`
	TelegramMessages []string       `json:"telegram_messages"`
	Summary          Summary        `json:"summary"`
	AnomalyEvents    []AnomalyEvent `json:"anomaly_events"`
}
