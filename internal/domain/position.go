package domain

import "strings"

// Identity names a tracked symbol across the watchlist and the feed.
type Identity struct {
	Ticker      string  `json:"ticker"`
	Exchange    string  `json:"exchange"`
	StooqSymbol *string `json:"stooq_symbol"`
	Currency    string  `json:"currency"`
}

// Targets are the analyst price targets; all nullable.
type Targets struct {
	BearTotal *float64 `json:"bear_total"`
	BaseTotal *float64 `json:"base_total"`
	BullTotal *float64 `json:"bull_total"`
}

// Execution tracks the live entry and weights.
type Execution struct {
	EntryPrice       *float64 `json:"entry_price"`
	EntryBarDate     *string  `json:"entry_bar_date"`
	TargetWeightPct  *float64 `json:"target_weight_pct"`
	CurrentWeightPct float64  `json:"current_weight_pct"`
}

// EntryProfile carries the per-position entry engine toggles.
type EntryProfile struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode"`
}

// FundamentalTriggers is the externally injected signal slot; the
// machine consumes pending_trigger exactly once.
type FundamentalTriggers struct {
	PendingTrigger     *string `json:"pending_trigger"`
	LastTriggerBarDate *string `json:"last_trigger_bar_date"`
}

// Runtime is the per-position bookkeeping the machine mutates.
type Runtime struct {
	HWMClose                 *float64 `json:"hwm_close"`
	HWMBarDate               *string  `json:"hwm_bar_date"`
	HWMAtExit                *float64 `json:"hwm_at_exit"`
	CooldownStartBarDate     *string  `json:"cooldown_start_bar_date"`
	CooldownBarsLeft         int      `json:"cooldown_bars_left"`
	SpikeLockStartBarDate    *string  `json:"spike_lock_start_bar_date"`
	LastSpikeBarDate         *string  `json:"last_spike_bar_date"`
	ReentryWindowStartDate   *string  `json:"reentry_window_start_bar_date"`
	ReentryBarsLeft          int      `json:"reentry_bars_left"`
	BaseSold                 bool     `json:"base_sold"`
	BullSold                 bool     `json:"bull_sold"`
	WarnCount                int      `json:"warn_count"`
	PermanentExit            bool     `json:"permanent_exit"`
	ConsecClosesBelowSMA200  int      `json:"consecutive_closes_below_sma200"`
	LastProcessedBarDate     *string  `json:"last_processed_bar_date"`
	LastActionBarDate        *string  `json:"last_action_bar_date"`
}

// Buffers holds the bounded OHLC history.
type Buffers struct {
	OHLC []Bar `json:"ohlc"`
}

// Position is one tracked symbol inside the store.
type Position struct {
	Identity     Identity            `json:"identity"`
	Mode         Mode                `json:"mode"`
	State        State               `json:"state"`
	Targets      Targets             `json:"targets"`
	Execution    Execution           `json:"execution"`
	EntryProfile EntryProfile        `json:"entry_profile"`
	ThesisKPIs   map[string]any      `json:"thesis_kpis"`
	Fundamentals FundamentalTriggers `json:"fundamental_triggers"`
	Runtime      Runtime             `json:"runtime"`
	Buffers      Buffers             `json:"buffers"`
	Computed     Computed            `json:"computed"`
}

// NewPosition builds the WATCH/EXITED_COOLDOWN baseline for a key.
// The caller fills identity specifics (feed symbol, currency).
func NewPosition(key string) *Position {
	ticker, exchange := SplitKey(key)
	return &Position{
		Identity: Identity{
			Ticker:   ticker,
			Exchange: exchange,
			Currency: "USD",
		},
		Mode:         ModeWatch,
		State:        StateExitedCooldown,
		EntryProfile: EntryProfile{Enabled: true, Mode: "PULLBACK"},
		ThesisKPIs:   map[string]any{},
		Buffers:      Buffers{OHLC: []Bar{}},
	}
}

// MakeKey joins ticker and exchange into the canonical store key.
func MakeKey(ticker, exchange string) string {
	return ticker + ":" + exchange
}

// SplitKey is the inverse of MakeKey; a bare ticker maps to UNKNOWN.
func SplitKey(key string) (ticker, exchange string) {
	if idx := strings.Index(key, ":"); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return key, "UNKNOWN"
}

// PendingTrigger parses the stored trigger slot; empty and unknown
// values both read as TriggerNone.
func (p *Position) PendingTrigger() Trigger {
	if p.Fundamentals.PendingTrigger == nil {
		return TriggerNone
	}
	return ParseTrigger(strings.ToLower(strings.TrimSpace(*p.Fundamentals.PendingTrigger)))
}

// SymbolRef is the identity echo carried by decisions and events.
type SymbolRef struct {
	Ticker   string `json:"ticker"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// Ref projects the identity into the decision echo shape.
func (p *Position) Ref() SymbolRef {
	return SymbolRef{
		Ticker:   p.Identity.Ticker,
		Exchange: p.Identity.Exchange,
		Currency: p.Identity.Currency,
	}
}

// Pointer helpers for the nullable scalars scattered through the model.

func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
func Bool(v bool) *bool        { return &v }
func Str(v string) *string     { return &v }
