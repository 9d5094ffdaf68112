package notify

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/psmwatch/psmwatch/internal/domain"
)

var stateText = map[domain.State]string{
	domain.StateNormalRun:      "active run",
	domain.StateSpikeLock:      "post-spike protection",
	domain.StateExitedCooldown: "cooldown after exit",
	domain.StateReentryWindow:  "re-entry window",
}

func fmtMetric(value *float64, precision int) string {
	if value == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.*f", precision, *value)
}

func actionText(d domain.Decision) string {
	switch d.Action.Type {
	case domain.ActionSellPartial:
		if d.Action.SellPct != nil {
			return fmt.Sprintf("Trim the position by %.0f%%.", *d.Action.SellPct*100)
		}
		return "Trim part of the position."
	case domain.ActionSellAll:
		return "Close the whole position."
	case domain.ActionBuyReenter:
		if d.Action.BuyPctOfTarget != nil {
			return fmt.Sprintf("Re-enter at %.0f%% of target size.", *d.Action.BuyPctOfTarget*100)
		}
		return "Re-enter once conditions confirm."
	case domain.ActionBuyAlert:
		return "Consider a new entry: the engine confirmed a buy signal."
	case domain.ActionHold:
		return "Hold the position unchanged."
	}
	return "Watch, no new trade."
}

func stateSentence(d domain.Decision) string {
	before := stateText[d.StateBefore]
	after := stateText[d.StateAfter]
	if d.StateBefore == d.StateAfter {
		return fmt.Sprintf("State unchanged: %s.", after)
	}
	return fmt.Sprintf("State moved from %q to %q.", before, after)
}

func planText(d domain.Decision) string {
	if d.Action.Type == domain.ActionBuyAlert {
		currency := d.Symbol.Currency
		if currency == "" {
			currency = "USD"
		}
		entry := "n/a"
		if d.Levels.EntryRefPrice != nil {
			entry = fmt.Sprintf("%.2f %s", *d.Levels.EntryRefPrice, currency)
		}
		stop := "n/a"
		if d.Levels.StopLossPrice != nil {
			stop = fmt.Sprintf("%.2f %s", *d.Levels.StopLossPrice, currency)
		}
		timeStop := "n/a"
		if d.Levels.TimeStopDays != nil {
			timeStop = fmt.Sprintf("%d days", *d.Levels.TimeStopDays)
		}
		return fmt.Sprintf("Entry ref: %s. Stop loss: %s. ATR(14): %s. Time stop: %s. Size hint: %s shares.",
			entry, stop, fmtMetric(d.Levels.ATRD, 2), timeStop, fmtMetric(d.Levels.SharesHint, 2))
	}

	price := d.Action.PriceHint
	if price == nil {
		price = d.Levels.PriceClose
	}
	if price == nil {
		return "Reference price: n/a."
	}
	currency := d.Symbol.Currency
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("Reference price: %.2f %s.", *price, currency)
}

var anomalyLabel = map[domain.AnomalyCode]string{
	domain.AnomalyMomentumWarn:        "Fading price momentum",
	domain.AnomalyTrendDeterioration:  "Trend deterioration",
	domain.AnomalyAbnormalDrawdown:    "Abnormal volatility-adjusted drawdown",
	domain.AnomalyExtremeDrawdown:     "Extreme volatility-adjusted drawdown",
	domain.AnomalyFixedDailyDrop:      "One-day drop past the fixed threshold",
	domain.AnomalyMultidayDrop:        "Multi-day drop with acceleration",
	domain.AnomalyRecentAbnormalTrend: "Abnormal trend in recent sessions",
	domain.AnomalyStdPullback:         "Strong pullback versus normal volatility",
}

func anomalyMetricsLine(event domain.AnomalyEvent) string {
	m := event.Metrics
	switch event.Code {
	case domain.AnomalyRecentAbnormalTrend:
		direction := "n/a"
		if m.RecentTrendDirection != nil {
			direction = strings.ToLower(*m.RecentTrendDirection)
		}
		return fmt.Sprintf("Recent sessions: direction=%s, 3d move=%s%% (%s sigma), 5d move=%s%% (%s sigma).",
			direction, fmtMetric(m.Return3dPct, 2), fmtMetric(m.Return3dInSigma, 2),
			fmtMetric(m.Return5dPct, 2), fmtMetric(m.Return5dInSigma, 2))
	case domain.AnomalyStdPullback:
		return fmt.Sprintf("Recent sessions: 1d move=%s%% (%s sigma), daily sigma=%s.",
			fmtMetric(m.OneDayReturnPct, 2), fmtMetric(m.OneDayReturnInSigma, 2), fmtMetric(m.SigmaLog20, 4))
	case domain.AnomalyMultidayDrop:
		return fmt.Sprintf("Recent sessions: 3d=%s%%, 5d=%s%%, drop/typical ratio=%s, down days in 5d=%d.",
			fmtMetric(m.Drop3dPct, 2), fmtMetric(m.Drop5dPct, 2), fmtMetric(m.MultidayDropRatio, 2), m.DownDays5d)
	}
	return fmt.Sprintf("Recent sessions: drawdown=%s ATR units, 5d momentum/vol=%s, daily vol=%s%%.",
		fmtMetric(m.DrawdownInATR, 2), fmtMetric(m.ROC5Norm, 2), fmtMetric(m.ATRPct, 2))
}

func clampScore(v float64) int {
	return int(math.Max(0, math.Min(100, math.Round(v))))
}

func scoreBuyAlert(d domain.Decision) int {
	score := 75.0
	if d.Levels.TrendUp != nil && *d.Levels.TrendUp {
		score += 10
	}
	if d.Levels.Reversal != nil && *d.Levels.Reversal {
		score += 8
	}
	if d.Levels.Z20 != nil && *d.Levels.Z20 <= -1.5 {
		score += math.Min(10, math.Abs(*d.Levels.Z20+1.5)*8)
	}
	return clampScore(score)
}

func scoreStdPullback(event domain.AnomalyEvent) int {
	var oneDay, sigma float64
	if event.Metrics.OneDayReturnPct != nil {
		oneDay = *event.Metrics.OneDayReturnPct
	}
	if event.Metrics.OneDayReturnInSigma != nil {
		sigma = math.Abs(*event.Metrics.OneDayReturnInSigma)
	}
	return clampScore(40 + sigma*22 + math.Abs(math.Min(0, oneDay))*1.2)
}

type buyCandidate struct {
	key      string
	score    int
	priority int
	headline string
	movement string
	plan     string
}

func buildBuyCandidates(buyAlerts []domain.Decision, pullbacks []domain.AnomalyEvent) []buyCandidate {
	byKey := map[string]buyCandidate{}

	for _, d := range buyAlerts {
		candidate := buyCandidate{
			key:      d.Key,
			score:    scoreBuyAlert(d),
			priority: 2,
			headline: "Confirmed buy signal after a pullback.",
			movement: fmt.Sprintf("The engine confirmed a reversal after a pullback. z20: %s.", fmtMetric(d.Levels.Z20, 2)),
			plan:     planText(d),
		}
		if existing, ok := byKey[d.Key]; !ok || candidate.score >= existing.score {
			byKey[d.Key] = candidate
		}
	}

	for _, event := range pullbacks {
		candidate := buyCandidate{
			key:      event.Key,
			score:    scoreStdPullback(event),
			priority: 1,
			headline: "Sharp pullback worth watching for a buy.",
			movement: fmt.Sprintf("Price moved %s%% today (about %s sigma). May set up a buy after a confirmed bounce.",
				fmtMetric(event.Metrics.OneDayReturnPct, 2), fmtMetric(event.Metrics.OneDayReturnInSigma, 2)),
			plan: "Informational signal. Confirm the bounce and risk controls before considering an entry.",
		}
		existing, ok := byKey[event.Key]
		if !ok {
			byKey[event.Key] = candidate
			continue
		}
		if candidate.priority > existing.priority ||
			(candidate.priority == existing.priority && candidate.score > existing.score) {
			byKey[event.Key] = candidate
		}
	}

	candidates := make([]buyCandidate, 0, len(byKey))
	for _, candidate := range byKey {
		candidates = append(candidates, candidate)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].key < candidates[j].key
	})
	return candidates
}

func barDateLabel(barDate *string) string {
	if barDate == nil || *barDate == "" {
		return "n/a"
	}
	return *barDate
}

// FormatRunMessage renders the single-digest report: top buy
// candidates, decisions to execute, high anomalies, portfolio summary.
// A quiet day collapses to a three-line status.
func FormatRunMessage(barDate *string, decisions []domain.Decision, positions map[string]*domain.Position, anomalies []domain.AnomalyEvent) string {
	var highAnomalies, pullbacks []domain.AnomalyEvent
	for _, event := range anomalies {
		if event.Severity == domain.SeverityHigh {
			highAnomalies = append(highAnomalies, event)
		}
		if event.Code == domain.AnomalyStdPullback {
			pullbacks = append(pullbacks, event)
		}
	}
	var buyAlerts, actionableNonBuy []domain.Decision
	for _, d := range decisions {
		if !IsActionable(d) {
			continue
		}
		if d.Action.Type == domain.ActionBuyAlert {
			buyAlerts = append(buyAlerts, d)
		} else {
			actionableNonBuy = append(actionableNonBuy, d)
		}
	}
	candidates := buildBuyCandidates(buyAlerts, pullbacks)
	summary := SummarizePositions(positions)

	if len(actionableNonBuy) == 0 && len(candidates) == 0 && len(highAnomalies) == 0 {
		return fmt.Sprintf("PSM | %s\nNo trade conditions detected today.\nPortfolio: owned %d, watch %d. Active %d, spike protection %d.",
			barDateLabel(barDate),
			summary.Modes[string(domain.ModeOwned)], summary.Modes[string(domain.ModeWatch)],
			summary.States[string(domain.StateNormalRun)], summary.States[string(domain.StateSpikeLock)])
	}

	lines := []string{fmt.Sprintf("PSM | %s", barDateLabel(barDate)), "Daily engine report:", ""}

	if len(candidates) > 0 {
		const limit = 3
		lines = append(lines,
			fmt.Sprintf("Top %d buy opportunities today (scored):", limit),
			"Higher score means a stronger signal for further analysis.",
			"")
		top := candidates
		if len(top) > limit {
			top = top[:limit]
		}
		for i, candidate := range top {
			lines = append(lines,
				fmt.Sprintf("%d. %s | %d/100", i+1, candidate.key, candidate.score),
				"   "+candidate.headline,
				"   "+candidate.movement,
				"   Plan: "+candidate.plan,
				"")
		}
		if remaining := len(candidates) - len(top); remaining > 0 {
			lines = append(lines, fmt.Sprintf("Beyond the top %d there are %d more buy signals to watch.", limit, remaining), "")
		}
	}

	critical, execution := 0, 0
	if len(actionableNonBuy) > 0 {
		lines = append(lines, "Decisions to execute today:", "")
		for _, d := range actionableNonBuy {
			switch d.Action.Type {
			case domain.ActionSellAll, domain.ActionSellPartial, domain.ActionBuyReenter:
				execution++
			}
			switch d.Reason.Code {
			case domain.ReasonStopHit, domain.ReasonTrendBreak, domain.ReasonFalsifier:
				critical++
			}
			lines = append(lines,
				"Symbol: "+d.Key,
				"  Call: "+actionText(d),
				"  Why: "+d.Reason.Text,
				"  Params: "+planText(d),
				"  Status: "+stateSentence(d),
				"")
		}
	}

	if len(highAnomalies) > 0 {
		lines = append(lines, "Abnormal trends and risks (high priority):", "")
		for _, event := range highAnomalies {
			lines = append(lines,
				"Symbol: "+event.Key,
				fmt.Sprintf("  Detected: %s. Severity: %s.", anomalyLabel[event.Code], strings.ToLower(string(event.Severity))),
				"  "+anomalyMetricsLine(event),
				"  Read: "+event.Text,
				"")
		}
	}

	lines = append(lines,
		"Summary:",
		fmt.Sprintf("  Owned: %d. Watch: %d.", summary.Modes[string(domain.ModeOwned)], summary.Modes[string(domain.ModeWatch)]),
		fmt.Sprintf("  States: active %d, spike protection %d, cooldown %d, re-entry window %d.",
			summary.States[string(domain.StateNormalRun)], summary.States[string(domain.StateSpikeLock)],
			summary.States[string(domain.StateExitedCooldown)], summary.States[string(domain.StateReentryWindow)]),
		fmt.Sprintf("  Buy opportunities: %d. Critical signals: %d. Execution decisions: %d.",
			len(candidates), critical, execution))
	return strings.Join(lines, "\n")
}

type keyGroup struct {
	decisions []domain.Decision
	anomalies []domain.AnomalyEvent
}

func groupPriority(group keyGroup) int {
	for _, event := range group.anomalies {
		if event.Code == domain.AnomalyMultidayDrop {
			return 0
		}
	}
	for _, event := range group.anomalies {
		if event.Severity == domain.SeverityHigh {
			return 1
		}
	}
	return 2
}

func perStockMessage(key string, barDate *string, group keyGroup, positions map[string]*domain.Position) string {
	currency := "USD"
	var closePrice, dayChange *float64
	if len(group.decisions) > 0 {
		sym := group.decisions[0].Symbol
		if sym.Currency != "" {
			currency = sym.Currency
		}
	}
	for _, d := range group.decisions {
		if closePrice == nil {
			if d.Levels.PriceClose != nil {
				closePrice = d.Levels.PriceClose
			} else {
				closePrice = d.Action.PriceHint
			}
		}
		if dayChange == nil {
			dayChange = d.Levels.DayChangePct
		}
	}
	for _, event := range group.anomalies {
		if closePrice == nil {
			closePrice = event.Metrics.Close
		}
		if dayChange == nil {
			dayChange = event.Metrics.OneDayReturnPct
		}
	}
	if pos, ok := positions[key]; ok {
		if closePrice == nil {
			closePrice = pos.Computed.PriceClose
		}
		if dayChange == nil {
			dayChange = pos.Computed.DayChangePct
		}
	}

	priceLine := "Price: n/a. Day change: n/a."
	if closePrice != nil && dayChange != nil {
		priceLine = fmt.Sprintf("Price: %.2f %s. Day change: %+.2f%%.", *closePrice, currency, *dayChange)
	} else if closePrice != nil {
		priceLine = fmt.Sprintf("Price: %.2f %s. Day change: n/a.", *closePrice, currency)
	}

	lines := []string{
		fmt.Sprintf("PSM | %s", barDateLabel(barDate)),
		"Symbol: " + key,
		priceLine,
		"",
		"What the engine found today:",
	}
	for _, d := range group.decisions {
		lines = append(lines,
			"Decision: "+actionText(d),
			"  Why: "+d.Reason.Text,
			"  Plan: "+planText(d))
	}
	for _, event := range group.anomalies {
		lines = append(lines,
			fmt.Sprintf("Anomaly: %s (%s).", anomalyLabel[event.Code], strings.ToLower(string(event.Severity))),
			"  "+event.Text,
			"  "+anomalyMetricsLine(event))
	}
	if len(group.decisions) == 0 && len(group.anomalies) == 0 {
		lines = append(lines, "No decision signal and no anomaly.")
	}
	return strings.Join(lines, "\n")
}

// FormatPerStockMessages renders the fan-out variant: one brief
// message listing every symbol that needs attention, then one message
// per symbol. A run with nothing to report falls back to the single
// digest.
func FormatPerStockMessages(barDate *string, decisions []domain.Decision, positions map[string]*domain.Position, anomalies []domain.AnomalyEvent) []string {
	grouped := map[string]*keyGroup{}
	ensure := func(key string) *keyGroup {
		if group, ok := grouped[key]; ok {
			return group
		}
		group := &keyGroup{}
		grouped[key] = group
		return group
	}

	for _, d := range decisions {
		if IsActionable(d) {
			group := ensure(d.Key)
			group.decisions = append(group.decisions, d)
		}
	}
	for _, event := range anomalies {
		if event.Severity == domain.SeverityHigh || event.Code == domain.AnomalyStdPullback {
			group := ensure(event.Key)
			group.anomalies = append(group.anomalies, event)
		}
	}

	if len(grouped) == 0 {
		return []string{FormatRunMessage(barDate, decisions, positions, anomalies)}
	}

	keys := make([]string, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := groupPriority(*grouped[keys[i]]), groupPriority(*grouped[keys[j]])
		if pi != pj {
			return pi < pj
		}
		return keys[i] < keys[j]
	})

	brief := []string{
		fmt.Sprintf("PSM | %s", barDateLabel(barDate)),
		"Daily brief",
		fmt.Sprintf("Symbols needing attention: %d.", len(keys)),
		"A separate message follows for each symbol.",
		"",
	}
	for i, key := range keys {
		group := grouped[key]
		label := "engine decision"
		switch {
		case hasBuyAlert(group.decisions):
			label = "BUY signal"
		case hasCode(group.anomalies, domain.AnomalyMultidayDrop):
			label = "multi-day drop"
		case hasHigh(group.anomalies):
			label = "strong price anomaly"
		case hasCode(group.anomalies, domain.AnomalyStdPullback):
			label = "sharp pullback"
		case len(group.decisions) == 0:
			label = "observation"
		}
		brief = append(brief, fmt.Sprintf("%d. %s - %s", i+1, key, label))
	}

	messages := []string{strings.Join(brief, "\n")}
	for _, key := range keys {
		messages = append(messages, perStockMessage(key, barDate, *grouped[key], positions))
	}
	return messages
}

func hasBuyAlert(decisions []domain.Decision) bool {
	for _, d := range decisions {
		if d.Action.Type == domain.ActionBuyAlert {
			return true
		}
	}
	return false
}

func hasCode(events []domain.AnomalyEvent, code domain.AnomalyCode) bool {
	for _, event := range events {
		if event.Code == code {
			return true
		}
	}
	return false
}

func hasHigh(events []domain.AnomalyEvent) bool {
	for _, event := range events {
		if event.Severity == domain.SeverityHigh {
			return true
		}
	}
	return false
}
