package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/psmwatch/psmwatch/internal/domain"
	"github.com/psmwatch/psmwatch/internal/marketdata"
)

// legacyStateMap translates pre-v4 state labels; anything unknown
// collapses to NORMAL_RUN and mode coercion sorts it out.
var legacyStateMap = map[string]domain.State{
	"ACTIVE":          domain.StateNormalRun,
	"NORMAL_RUN":      domain.StateNormalRun,
	"SPIKE_LOCK":      domain.StateSpikeLock,
	"EXITED_COOLDOWN": domain.StateExitedCooldown,
	"REENTRY_WINDOW":  domain.StateReentryWindow,
}

// defaultPosition is the store-side baseline: domain.NewPosition plus
// the derived feed symbol.
func defaultPosition(key string) *domain.Position {
	pos := domain.NewPosition(key)
	if symbol := marketdata.DefaultStooqSymbol(pos.Identity.Ticker, pos.Identity.Exchange); symbol != "" {
		pos.Identity.StooqSymbol = domain.Str(symbol)
	}
	return pos
}

// rawDocument splits the current-shape blob so each section can be
// decoded over its seeded defaults.
type rawDocument struct {
	Meta               json.RawMessage            `json:"meta"`
	Global             json.RawMessage            `json:"global"`
	Positions          map[string]json.RawMessage `json:"positions"`
	ResearchRows       []json.RawMessage          `json:"research_rows"`
	ResearchImportMeta map[string]json.RawMessage `json:"research_import_meta"`
}

// migrateBlob turns whatever shape the blob carries into a current
// document: the current shape decodes over defaults, a flat ticker map
// and a position list go through legacy conversion.
func migrateBlob(raw []byte, rawAny any) (*domain.Document, error) {
	doc := domain.NewDocument()

	switch parsed := rawAny.(type) {
	case map[string]any:
		_, hasMeta := parsed["meta"]
		_, hasGlobal := parsed["global"]
		_, hasPositions := parsed["positions"]
		if hasMeta && hasGlobal && hasPositions {
			return decodeCurrent(raw, doc)
		}
		// Legacy flat map keyed by ticker.
		for key, value := range parsed {
			legacy, ok := value.(map[string]any)
			if !ok {
				continue
			}
			doc.Positions[key] = migrateLegacyPosition(key, legacy)
		}
		return doc, nil

	case []any:
		for _, item := range parsed {
			legacy, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ticker := stringField(legacy, "ticker")
			if ticker == nil || *ticker == "" {
				continue
			}
			exchange := "UNKNOWN"
			if ex := stringField(legacy, "exchange"); ex != nil && *ex != "" {
				exchange = *ex
			}
			key := domain.MakeKey(*ticker, exchange)
			doc.Positions[key] = migrateLegacyPosition(key, legacy)
		}
		return doc, nil
	}

	return doc, nil
}

func decodeCurrent(raw []byte, doc *domain.Document) (*domain.Document, error) {
	var sections rawDocument
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if sections.Meta != nil {
		if err := json.Unmarshal(sections.Meta, &doc.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
	}
	doc.Meta.SchemaVersion = domain.SchemaVersion
	if sections.Global != nil {
		if err := json.Unmarshal(sections.Global, &doc.Global); err != nil {
			return nil, fmt.Errorf("decode global settings: %w", err)
		}
	}
	for key, rawPos := range sections.Positions {
		pos := defaultPosition(key)
		if err := json.Unmarshal(rawPos, pos); err != nil {
			return nil, fmt.Errorf("decode position %s: %w", key, err)
		}
		doc.Positions[key] = pos
	}
	if sections.ResearchRows != nil {
		doc.ResearchRows = sections.ResearchRows
	}
	if sections.ResearchImportMeta != nil {
		doc.ResearchImportMeta = sections.ResearchImportMeta
	}
	return doc, nil
}

// migrateLegacyPosition lifts a flat pre-v4 position into the nested
// shape, honoring the old field aliases.
func migrateLegacyPosition(key string, legacy map[string]any) *domain.Position {
	pos := defaultPosition(key)

	if t := stringField(legacy, "ticker"); t != nil {
		pos.Identity.Ticker = *t
	}
	if ex := stringField(legacy, "exchange"); ex != nil {
		pos.Identity.Exchange = *ex
	}
	pos.Identity.StooqSymbol = stringField(legacy, "stooq_symbol")
	if cur := stringField(legacy, "currency"); cur != nil {
		pos.Identity.Currency = *cur
	}

	entry := floatField(legacy, "entry_price", "entry")

	stateLabel := "ACTIVE"
	if s := stringField(legacy, "state"); s != nil {
		stateLabel = *s
	}
	state, ok := legacyStateMap[stateLabel]
	if !ok {
		state = domain.StateNormalRun
	}

	mode := domain.ModeWatch
	if entry != nil {
		mode = domain.ModeOwned
	}
	if m := stringField(legacy, "mode"); m != nil {
		if parsed, err := domain.ParseMode(*m); err == nil {
			mode = parsed
		}
	}
	if mode == domain.ModeOwned && !state.OwnedState() {
		state = domain.StateNormalRun
	}
	if mode == domain.ModeWatch && !state.WatchState() {
		state = domain.StateExitedCooldown
	}
	pos.Mode = mode
	pos.State = state

	pos.Targets.BearTotal = floatField(legacy, "bear_total")
	pos.Targets.BaseTotal = floatField(legacy, "base_total")
	pos.Targets.BullTotal = floatField(legacy, "bull_total")

	pos.Execution.EntryPrice = entry
	pos.Execution.EntryBarDate = stringField(legacy, "entry_bar_date")
	pos.Execution.TargetWeightPct = floatField(legacy, "target_weight_pct", "position_pct")
	if w := floatField(legacy, "current_weight_pct", "position_pct"); w != nil {
		pos.Execution.CurrentWeightPct = *w
	}

	if kpis, ok := legacy["thesis_kpis"].(map[string]any); ok {
		pos.ThesisKPIs = kpis
	}
	pos.Fundamentals.PendingTrigger = stringField(legacy, "trigger")
	pos.Fundamentals.LastTriggerBarDate = stringField(legacy, "last_trigger_bar_date")

	rt := &pos.Runtime
	rt.HWMClose = floatField(legacy, "hwm", "hwm_close")
	rt.HWMBarDate = stringField(legacy, "hwm_bar_date")
	rt.HWMAtExit = floatField(legacy, "hwm_exit", "hwm_at_exit")
	rt.CooldownStartBarDate = stringField(legacy, "cooldown_start_bar_date")
	rt.CooldownBarsLeft = intField(legacy, "cooldown_bars_left")
	rt.SpikeLockStartBarDate = stringField(legacy, "spike_lock_start")
	rt.LastSpikeBarDate = stringField(legacy, "last_spike_date")
	rt.ReentryWindowStartDate = stringField(legacy, "reentry_window_start")
	rt.ReentryBarsLeft = intField(legacy, "reentry_bars_left")
	rt.BaseSold = boolField(legacy, "base_hit")
	rt.BullSold = boolField(legacy, "bull_hit")
	rt.WarnCount = intField(legacy, "warn_count")
	rt.PermanentExit = boolField(legacy, "permanent_exit")
	rt.ConsecClosesBelowSMA200 = intField(legacy, "consecutive_closes_below_sma200")
	rt.LastProcessedBarDate = stringField(legacy, "last_processed_bar_date")
	rt.LastActionBarDate = stringField(legacy, "last_action_bar_date")

	pos.Buffers.OHLC = legacyBars(legacy)

	if computed, ok := legacy["computed"].(map[string]any); ok {
		if raw, err := json.Marshal(computed); err == nil {
			// Best effort; a malformed legacy snapshot just stays empty.
			_ = json.Unmarshal(raw, &pos.Computed)
		}
	}

	return pos
}

// legacyBars reads either the old row-oriented "bars" list or the
// columnar "buffers" arrays.
func legacyBars(legacy map[string]any) []domain.Bar {
	if rows, ok := legacy["bars"].([]any); ok && len(rows) > 0 {
		bars := make([]domain.Bar, 0, len(rows))
		for _, row := range rows {
			m, ok := row.(map[string]any)
			if !ok {
				continue
			}
			bar, ok := barFromMap(m)
			if !ok {
				continue
			}
			bars = append(bars, bar)
		}
		return bars
	}

	buffers, ok := legacy["buffers"].(map[string]any)
	if !ok {
		return []domain.Bar{}
	}
	dates := anySlice(buffers, "date")
	opens := anySlice(buffers, "open")
	highs := anySlice(buffers, "high")
	lows := anySlice(buffers, "low")
	closes := anySlice(buffers, "close")
	volumes := anySlice(buffers, "volume")

	bars := make([]domain.Bar, 0, len(dates))
	for i := range dates {
		if i >= len(opens) || i >= len(highs) || i >= len(lows) || i >= len(closes) {
			continue
		}
		date, ok := dates[i].(string)
		if !ok {
			continue
		}
		bar := domain.Bar{
			Date:  date,
			Open:  anyFloat(opens[i]),
			High:  anyFloat(highs[i]),
			Low:   anyFloat(lows[i]),
			Close: anyFloat(closes[i]),
		}
		if i < len(volumes) {
			bar.Volume = int64(anyFloat(volumes[i]))
		}
		bars = append(bars, bar)
	}
	return bars
}

// normalizePosition dedups and bounds the bar buffer and coerces the
// mode/state pairing into a valid combination.
func normalizePosition(pos *domain.Position, settings domain.Settings) {
	byDate := make(map[string]domain.Bar, len(pos.Buffers.OHLC))
	for _, bar := range pos.Buffers.OHLC {
		byDate[bar.Date] = bar
	}
	bars := make([]domain.Bar, 0, len(byDate))
	for _, bar := range byDate {
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	maxBars := settings.BarsBufferMax
	if maxBars > 0 && len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}
	pos.Buffers.OHLC = bars

	if pos.Mode == domain.ModeOwned {
		if !pos.State.OwnedState() {
			pos.State = domain.StateNormalRun
		}
		if pos.Execution.EntryPrice == nil {
			pos.Mode = domain.ModeWatch
			pos.State = domain.StateExitedCooldown
		}
	} else if !pos.State.WatchState() {
		pos.State = domain.StateExitedCooldown
	}

	if pos.ThesisKPIs == nil {
		pos.ThesisKPIs = map[string]any{}
	}
}

func barFromMap(m map[string]any) (domain.Bar, bool) {
	date, ok := m["date"].(string)
	if !ok || date == "" {
		return domain.Bar{}, false
	}
	bar := domain.Bar{
		Date:   date,
		Open:   anyFloat(m["open"]),
		High:   anyFloat(m["high"]),
		Low:    anyFloat(m["low"]),
		Close:  anyFloat(m["close"]),
		Volume: int64(anyFloat(m["volume"])),
	}
	return bar, true
}

func anySlice(m map[string]any, key string) []any {
	if values, ok := m[key].([]any); ok {
		return values
	}
	return nil
}

func anyFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

func stringField(m map[string]any, keys ...string) *string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			return domain.Str(s)
		}
	}
	return nil
}

func floatField(m map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		if f, ok := m[key].(float64); ok {
			return domain.Float(f)
		}
	}
	return nil
}

func intField(m map[string]any, keys ...string) int {
	for _, key := range keys {
		if f, ok := m[key].(float64); ok {
			return int(f)
		}
	}
	return 0
}

func boolField(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if b, ok := m[key].(bool); ok {
			return b
		}
	}
	return false
}
