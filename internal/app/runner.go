// Package app wires the pipeline: fetch market data, merge buffers,
// run the decision engine per new bar, persist the store and shape the
// run result. The engine stays pure; every side effect lives here.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/psmwatch/psmwatch/internal/domain"
	"github.com/psmwatch/psmwatch/internal/engine"
	"github.com/psmwatch/psmwatch/internal/marketdata"
	"github.com/psmwatch/psmwatch/internal/metrics"
	"github.com/psmwatch/psmwatch/internal/notify"
	"github.com/psmwatch/psmwatch/internal/store"
)

// BarFetcher is the injectable history source: symbol plus a day count
// to daily bars. Supplying one disables the batched quote feed.
type BarFetcher func(ctx context.Context, symbol string, days int) ([]domain.Bar, error)

// Runner executes daily and single-ticker pipeline runs against one
// store.
type Runner struct {
	store   *store.Store
	feed    marketdata.Fetcher
	fetcher BarFetcher
	metrics *metrics.Registry
	log     zerolog.Logger
	now     func() time.Time
	runID   func() string

	vixOverride string
}

// RunnerOption tweaks a Runner at construction time.
type RunnerOption func(*Runner)

// WithBarFetcher overrides the quote feed with a direct history source.
func WithBarFetcher(fetcher BarFetcher) RunnerOption {
	return func(r *Runner) { r.fetcher = fetcher }
}

// WithMetrics attaches the Prometheus registry.
func WithMetrics(reg *metrics.Registry) RunnerOption {
	return func(r *Runner) { r.metrics = reg }
}

// WithClock overrides wall-clock time for tests.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithVIXSymbol overrides the stored volatility index symbol.
func WithVIXSymbol(symbol string) RunnerOption {
	return func(r *Runner) { r.vixOverride = symbol }
}

// NewRunner builds a runner over the given store and market data feed.
func NewRunner(st *store.Store, feed marketdata.Fetcher, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		store: st,
		feed:  feed,
		log:   logger,
		now:   time.Now,
		runID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func normalizeFeedSymbol(value *string) string {
	if value == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*value))
}

func maxOf(values ...int) int {
	out := values[0]
	for _, v := range values[1:] {
		if v > out {
			out = v
		}
	}
	return out
}

func cloneKPI(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// resolveNewDates keeps only changed dates the machine has not seen.
// A position that was never processed replays every changed date.
func resolveNewDates(pos *domain.Position, changed []string) []string {
	out := append([]string(nil), changed...)
	if last := pos.Runtime.LastProcessedBarDate; last != nil && *last != "" {
		out = out[:0]
		for _, date := range changed {
			if date > *last {
				out = append(out, date)
			}
		}
	}
	sort.Strings(out)
	return out
}

func buildNoNewBarDecision(key string, pos *domain.Position, code domain.ReasonCode, text string) domain.Decision {
	barDate := ""
	if pos.Runtime.LastProcessedBarDate != nil {
		barDate = *pos.Runtime.LastProcessedBarDate
	}
	action := domain.ActionWait
	if pos.Mode == domain.ModeOwned {
		action = domain.ActionHold
	}
	return domain.Decision{
		Schema:      domain.DecisionSchema,
		BarDate:     barDate,
		Key:         key,
		Symbol:      pos.Ref(),
		Mode:        pos.Mode,
		StateBefore: pos.State,
		StateAfter:  pos.State,
		Action:      domain.ActionPayload{Type: action},
		Reason:      domain.ReasonPayload{Code: code, Text: text},
		Levels:      pos.Computed,
		Targets:     pos.Targets,
		KPI:         cloneKPI(pos.ThesisKPIs),
		Transitions: domain.Transitions{},
	}
}

// processPosition replays every new bar date chronologically through
// the engine and keeps the last decision and anomaly as the day's
// output. The anomaly diagnostics land on the computed snapshot after
// each bar so the stored tail always reflects the latest processed bar.
func processPosition(key string, pos *domain.Position, merged []domain.Bar, newDates []string, settings domain.Settings, market engine.MarketContext) (domain.Decision, *domain.AnomalyEvent) {
	if len(newDates) == 0 {
		return buildNoNewBarDecision(key, pos, domain.ReasonNoNewBar,
			"No new market bar since last processed date."), nil
	}

	var latestDecision *domain.Decision
	var latestAnomaly *domain.AnomalyEvent
	for _, barDate := range newDates {
		cut := sort.Search(len(merged), func(i int) bool { return merged[i].Date > barDate })
		barsUpToDate := merged[:cut]
		if len(barsUpToDate) == 0 {
			continue
		}
		ind := engine.ComputeIndicators(barsUpToDate, settings)
		if ind == nil {
			continue
		}
		levels := engine.ComputeLevels(pos, ind, settings, market)
		anomalyMetrics := engine.ComputeAnomalyMetrics(barsUpToDate, ind, settings)
		event := engine.ClassifyAnomaly(key, pos, barsUpToDate, ind, settings)
		decision := engine.Advance(key, pos, barsUpToDate, ind, levels, settings)

		pos.Computed.ROC5Norm = anomalyMetrics.ROC5Norm
		pos.Computed.ROC20Norm = anomalyMetrics.ROC20Norm
		pos.Computed.DrawdownInATR = anomalyMetrics.DrawdownInATR
		pos.Computed.SMA50Slope10d = anomalyMetrics.SMA50Slope10d
		pos.Computed.ATRPct = anomalyMetrics.ATRPct
		if event != nil {
			pos.Computed.AnomalyCodeLast = domain.Str(string(event.Code))
			pos.Computed.AnomalySeverityLast = domain.Str(string(event.Severity))
		} else {
			pos.Computed.AnomalyCodeLast = nil
			pos.Computed.AnomalySeverityLast = nil
		}

		latestDecision = &decision
		latestAnomaly = event
	}

	if latestDecision == nil {
		return buildNoNewBarDecision(key, pos, domain.ReasonNoNewBar,
			"No processable bars after merge."), nil
	}
	return *latestDecision, latestAnomaly
}

// resolveVIXClose reads the latest volatility index close through the
// quote feed. Any failure degrades to the neutral regime.
func (r *Runner) resolveVIXClose(ctx context.Context, settings domain.Settings) *float64 {
	symbol := strings.ToLower(strings.TrimSpace(settings.VIXSymbol))
	if r.vixOverride != "" {
		symbol = strings.ToLower(strings.TrimSpace(r.vixOverride))
	}
	if symbol == "" {
		return nil
	}
	bars, err := r.feed.FetchLastDays(ctx, symbol, 1)
	if err != nil || len(bars) == 0 {
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", symbol).Msg("vix fetch failed, using neutral regime")
		}
		return nil
	}
	return domain.Float(bars[len(bars)-1].Close)
}

type symbolData struct {
	symbol        string
	incoming      []domain.Bar
	fetchFailed   bool
	dataSuspected bool
}

// fetchIncoming resolves the feed symbol and gathers this run's bars
// for one position: quote rows first, a per-symbol history retry when
// the quote chunk failed, and a long seed when the buffer is empty.
func (r *Runner) fetchIncoming(ctx context.Context, pos *domain.Position, candidates []string, quoteBars map[string][]domain.Bar, quoteFailed map[string]bool, fetchDays, seedDays, barsLimit int) symbolData {
	out := symbolData{symbol: normalizeFeedSymbol(pos.Identity.StooqSymbol)}
	if len(candidates) > 0 {
		out.symbol = candidates[0]
	}

	if r.fetcher != nil {
		if out.symbol == "" {
			out.fetchFailed = true
			return out
		}
		bars, err := r.fetcher(ctx, out.symbol, fetchDays)
		if err != nil {
			out.fetchFailed = true
			return out
		}
		out.incoming = bars
		return out
	}

	for _, candidate := range candidates {
		if len(quoteBars[candidate]) > 0 {
			out.symbol = candidate
			out.incoming = quoteBars[candidate]
			if normalizeFeedSymbol(pos.Identity.StooqSymbol) != candidate {
				pos.Identity.StooqSymbol = domain.Str(candidate)
			}
			break
		}
	}
	if out.symbol == "" {
		out.fetchFailed = true
		return out
	}

	if quoteFailed[out.symbol] {
		bars, err := r.feed.FetchLastDays(ctx, out.symbol, fetchDays)
		if err != nil {
			out.fetchFailed = true
		} else {
			out.incoming = bars
		}
	}

	if len(pos.Buffers.OHLC) == 0 {
		seed, err := r.feed.FetchLastDays(ctx, out.symbol, seedDays)
		if err != nil {
			if len(out.incoming) == 0 {
				out.fetchFailed = true
			}
		} else if len(out.incoming) > 0 {
			seeded, _ := marketdata.MergeBars(seed, out.incoming, maxOf(seedDays, barsLimit))
			out.incoming = seeded
		} else {
			out.incoming = seed
		}
	}
	return out
}

// RunDaily executes one full pipeline pass: fetch, merge, decide,
// persist, and shape the run result. Telegram delivery is left to the
// job layer; the result carries the rendered messages.
func (r *Runner) RunDaily(ctx context.Context) (*domain.RunResult, error) {
	started := r.now()
	doc, err := r.store.Load(ctx)
	if err != nil {
		r.metrics.ObserveRun(started, "error")
		return nil, fmt.Errorf("load store: %w", err)
	}

	settings := doc.Global
	barsLimit := settings.BarsBufferMax
	fetchDays := settings.StooqFetchDays
	seedDays := maxOf(settings.StooqSeedDays, fetchDays, barsLimit)
	fallbackDays := maxOf(settings.StooqFallbackDays, fetchDays, barsLimit)
	useQuoteFeed := r.fetcher == nil

	var vixClose *float64
	quoteBars := map[string][]domain.Bar{}
	quoteFailed := map[string]bool{}
	candidatesByKey := map[string][]string{}

	if useQuoteFeed {
		vixClose = r.resolveVIXClose(ctx, settings)

		batchSize := maxOf(1, settings.StooqQuotesBatchSize)
		var symbols []string
		for _, key := range store.IterKeys(doc) {
			pos := doc.Positions[key]
			candidates := marketdata.BuildSymbolCandidates(
				pos.Identity.Ticker, pos.Identity.Exchange, normalizeFeedSymbol(pos.Identity.StooqSymbol))
			candidatesByKey[key] = candidates
			symbols = append(symbols, candidates...)
		}
		bars, failed, err := r.feed.FetchLatestQuotesBatched(ctx, symbols, batchSize)
		if err != nil {
			r.log.Warn().Err(err).Msg("quote feed unavailable, falling back to per-symbol history")
			failed = symbols
		} else {
			quoteBars = bars
		}
		for _, symbol := range failed {
			quoteFailed[symbol] = true
		}
	}

	market := engine.MarketContext{VIXClose: vixClose}
	latestBarDate := doc.Meta.AsofBarDate

	var decisions []domain.Decision
	var anomalyEvents []domain.AnomalyEvent

	for _, key := range store.IterKeys(doc) {
		pos := doc.Positions[key]
		candidates := candidatesByKey[key]
		if len(candidates) == 0 {
			candidates = marketdata.BuildSymbolCandidates(
				pos.Identity.Ticker, pos.Identity.Exchange, normalizeFeedSymbol(pos.Identity.StooqSymbol))
		}

		data := r.fetchIncoming(ctx, pos, candidates, quoteBars, quoteFailed, fetchDays, seedDays, barsLimit)
		merged, changed := marketdata.MergeBars(pos.Buffers.OHLC, data.incoming, barsLimit)

		if len(merged) > 0 && marketdata.DetectCorpActionSuspected(merged) {
			data.dataSuspected = true
			if data.symbol != "" {
				var long []domain.Bar
				var ferr error
				if useQuoteFeed {
					long, ferr = r.feed.FetchLastDays(ctx, data.symbol, fallbackDays)
				} else {
					long, ferr = r.fetcher(ctx, data.symbol, fallbackDays)
				}
				if ferr != nil {
					data.fetchFailed = true
				} else if rebuilt, rebuiltChanges := marketdata.MergeBars(nil, long, barsLimit); len(rebuilt) > 0 {
					merged, changed = rebuilt, rebuiltChanges
					r.log.Info().Str("key", key).Msg("rebuilt bar history after suspected corporate action")
				}
			}
		}

		pos.Buffers.OHLC = merged
		newDates := resolveNewDates(pos, changed)
		if data.fetchFailed {
			r.metrics.RecordFetchError()
		}

		var decision domain.Decision
		var event *domain.AnomalyEvent
		switch {
		case len(newDates) == 0 && data.fetchFailed:
			decision = buildNoNewBarDecision(key, pos, domain.ReasonDataFetchError,
				"Failed to fetch market data.")
		case len(newDates) == 0 && data.dataSuspected:
			decision = buildNoNewBarDecision(key, pos, domain.ReasonDataSuspected,
				"Corporate action suspected; rebuilt history with no new bar to process.")
		case len(newDates) == 0:
			decision = buildNoNewBarDecision(key, pos, domain.ReasonNoNewBar,
				"No new market bar since last processed date.")
		default:
			decision, event = processPosition(key, pos, merged, newDates, settings, market)
		}

		decisions = append(decisions, decision)
		if event != nil {
			anomalyEvents = append(anomalyEvents, *event)
			r.metrics.RecordAnomaly(string(event.Code), string(event.Severity))
		}
		r.metrics.RecordDecision(string(decision.Action.Type), string(decision.Reason.Code))
		if decision.BarDate != "" && (latestBarDate == nil || decision.BarDate > *latestBarDate) {
			latestBarDate = domain.Str(decision.BarDate)
		}
	}

	doc.TouchMeta(latestBarDate, r.now())
	if err := r.store.Save(ctx, doc); err != nil {
		r.metrics.ObserveRun(started, "error")
		return nil, fmt.Errorf("save store: %w", err)
	}

	result := &domain.RunResult{
		RunID:            r.runID(),
		BarDate:          latestBarDate,
		Decisions:        decisions,
		TelegramMessage:  notify.FormatRunMessage(latestBarDate, decisions, doc.Positions, anomalyEvents),
		TelegramMessages: notify.FormatPerStockMessages(latestBarDate, decisions, doc.Positions, anomalyEvents),
		AnomalyEvents:    anomalyEvents,
	}
	result.Summary = buildSummary(doc, decisions, anomalyEvents)

	for mode, count := range result.Summary.Modes {
		r.metrics.SetPositions(mode, count)
	}
	r.metrics.ObserveRun(started, "ok")
	r.log.Info().
		Str("run_id", result.RunID).
		Int("decisions", len(decisions)).
		Int("actionable", result.Summary.ActionableCount).
		Int("anomalies", len(anomalyEvents)).
		Msg("daily run complete")
	return result, nil
}

func buildSummary(doc *domain.Document, decisions []domain.Decision, anomalyEvents []domain.AnomalyEvent) domain.Summary {
	summary := notify.SummarizePositions(doc.Positions)
	summary.TotalPositions = len(doc.Positions)
	for _, d := range decisions {
		if notify.IsActionable(d) {
			summary.ActionableCount++
		}
	}
	summary.AnomalyCountTotal = len(anomalyEvents)
	for _, event := range anomalyEvents {
		switch event.Severity {
		case domain.SeverityHigh:
			summary.AnomalyCountHigh++
		case domain.SeverityInfo:
			summary.AnomalyCountInfo++
		}
		switch event.Code {
		case domain.AnomalyMultidayDrop:
			summary.AnomalyCountMultidayDrop++
		case domain.AnomalyStdPullback:
			summary.AnomalyCountStdPullback++
		}
	}
	return summary
}

func findOrCreateKey(doc *domain.Document, ticker string) string {
	upper := strings.ToUpper(strings.TrimSpace(ticker))
	for _, key := range store.IterKeys(doc) {
		if strings.ToUpper(doc.Positions[key].Identity.Ticker) == upper {
			return key
		}
	}
	key := domain.MakeKey(upper, "UNKNOWN")
	pos := store.EnsurePosition(doc, key, upper, "UNKNOWN",
		marketdata.DefaultStooqSymbol(ticker, "UNKNOWN"), "USD")
	// New symbols always start from the WATCH baseline.
	pos.Mode = domain.ModeWatch
	pos.State = domain.StateExitedCooldown
	pos.Execution.EntryPrice = nil
	pos.Execution.EntryBarDate = nil
	pos.Execution.CurrentWeightPct = 0
	pos.Runtime.PermanentExit = false
	return key
}

// RunDailyForTicker advances one ticker with externally supplied bars,
// creating the position on first sight. Used by the ticker command and
// ad-hoc integrations that push their own candles.
func (r *Runner) RunDailyForTicker(ctx context.Context, ticker string, bars []domain.Bar) (domain.Decision, error) {
	doc, err := r.store.Load(ctx)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("load store: %w", err)
	}
	settings := doc.Global

	key := findOrCreateKey(doc, ticker)
	pos := doc.Positions[key]
	merged, changed := marketdata.MergeBars(pos.Buffers.OHLC, bars, settings.BarsBufferMax)
	pos.Buffers.OHLC = merged
	newDates := resolveNewDates(pos, changed)

	decision, _ := processPosition(key, pos, merged, newDates, settings, engine.MarketContext{})

	asof := doc.Meta.AsofBarDate
	if decision.BarDate != "" {
		asof = domain.Str(decision.BarDate)
	}
	doc.TouchMeta(asof, r.now())
	if err := r.store.Save(ctx, doc); err != nil {
		return domain.Decision{}, fmt.Errorf("save store: %w", err)
	}
	return decision, nil
}

// ClearPermanentExit lifts the permanent-exit latch for a ticker so the
// machine may open a re-entry window again. Returns false when the
// ticker is unknown.
func (r *Runner) ClearPermanentExit(ctx context.Context, ticker string) (bool, error) {
	doc, err := r.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load store: %w", err)
	}
	upper := strings.ToUpper(strings.TrimSpace(ticker))
	for _, key := range store.IterKeys(doc) {
		pos := doc.Positions[key]
		if strings.ToUpper(pos.Identity.Ticker) != upper {
			continue
		}
		if !pos.Runtime.PermanentExit {
			return true, nil
		}
		pos.Runtime.PermanentExit = false
		if err := r.store.Save(ctx, doc); err != nil {
			return false, fmt.Errorf("save store: %w", err)
		}
		r.log.Info().Str("key", key).Msg("permanent exit cleared")
		return true, nil
	}
	return false, nil
}
