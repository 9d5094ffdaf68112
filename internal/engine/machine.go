package engine

import (
	"fmt"

	"github.com/psmwatch/psmwatch/internal/domain"
)

// TradingDaysSince counts bars strictly after the given start date.
// Lexicographic comparison works because dates are ISO formatted.
func TradingDaysSince(startBarDate *string, bars []domain.Bar) int {
	if startBarDate == nil || *startBarDate == "" {
		return 0
	}
	n := 0
	for _, bar := range bars {
		if bar.Date > *startBarDate {
			n++
		}
	}
	return n
}

func canExecuteAction(pos *domain.Position, barDate string) bool {
	return pos.Runtime.LastActionBarDate == nil || *pos.Runtime.LastActionBarDate != barDate
}

func registerAction(pos *domain.Position, barDate string) {
	pos.Runtime.LastActionBarDate = domain.Str(barDate)
}

// setExitState flattens the position into WATCH/EXITED_COOLDOWN and
// resets the owned-side bookkeeping. The high-water mark at exit is
// captured first so the re-entry band has its anchor.
func setExitState(pos *domain.Position, barDate string, settings domain.Settings, permanentExit bool) {
	if pos.Mode == domain.ModeOwned {
		pos.Runtime.HWMAtExit = pos.Runtime.HWMClose
	}
	pos.Mode = domain.ModeWatch
	pos.State = domain.StateExitedCooldown
	pos.Execution.EntryPrice = nil
	pos.Execution.EntryBarDate = nil
	pos.Execution.CurrentWeightPct = 0.0
	pos.Runtime.CooldownStartBarDate = domain.Str(barDate)
	pos.Runtime.CooldownBarsLeft = settings.CooldownSessions
	pos.Runtime.ReentryWindowStartDate = nil
	pos.Runtime.ReentryBarsLeft = 0
	pos.Runtime.SpikeLockStartBarDate = nil
	pos.Runtime.LastSpikeBarDate = nil
	pos.Runtime.BaseSold = false
	pos.Runtime.BullSold = false
	pos.Runtime.ConsecClosesBelowSMA200 = 0
	pos.Runtime.PermanentExit = permanentExit
}

// updateRuntimeCounters runs the pre-decision bookkeeping: countdown
// decrements happen at most once per bar date, and the SMA200 break
// counter tracks closes below the buffered threshold.
func updateRuntimeCounters(pos *domain.Position, close float64, sma200 *float64, barDate string, trendBreakBufferPct float64) {
	rt := &pos.Runtime
	if rt.LastProcessedBarDate == nil || *rt.LastProcessedBarDate != barDate {
		if pos.State == domain.StateExitedCooldown && rt.CooldownBarsLeft > 0 {
			rt.CooldownBarsLeft--
		}
		if pos.State == domain.StateReentryWindow && rt.ReentryBarsLeft > 0 {
			rt.ReentryBarsLeft--
		}
	}

	if pos.Mode == domain.ModeOwned && sma200 != nil {
		buffer := trendBreakBufferPct
		if buffer < 0 {
			buffer = 0
		}
		if close < *sma200*(1.0-buffer) {
			rt.ConsecClosesBelowSMA200++
		} else {
			rt.ConsecClosesBelowSMA200 = 0
		}
	} else if pos.Mode == domain.ModeOwned {
		rt.ConsecClosesBelowSMA200 = 0
	}
}

// resolveSpikeSellPct buckets the spike trim size by unrealized PnL.
func resolveSpikeSellPct(pos *domain.Position, close float64, settings domain.Settings) float64 {
	selected := settings.SpikeSellPctFirst
	if pos.Execution.EntryPrice != nil && *pos.Execution.EntryPrice > 0 {
		entry := *pos.Execution.EntryPrice
		pnlPct := (close - entry) / entry * 100.0
		switch {
		case pnlPct > settings.SpikeSellPnlHighPct:
			selected = settings.SpikeSellPctHigh
		case pnlPct > settings.SpikeSellPnlMidPct:
			selected = settings.SpikeSellPctMid
		default:
			selected = settings.SpikeSellPctLow
		}
	}
	if selected < 0 {
		return 0
	}
	if selected > 1 {
		return 1
	}
	return selected
}

// evaluateWatchEntry is the alert-only entry funnel: data gate, price
// floor, trend gate, overheat gate, pullback setup, reversal trigger.
// The first closed gate decides the WAIT reason.
func evaluateWatchEntry(pos *domain.Position, barDate string, ind *IndicatorSnapshot, settings domain.Settings, canExecute bool) (domain.ActionPayload, domain.ReasonCode, string) {
	wait := domain.ActionPayload{Type: domain.ActionWait}

	dataReady := ind != nil && ind.ATRD != nil && ind.SMA200 != nil && ind.Z20 != nil && ind.PrevHigh != nil
	if !dataReady {
		return wait, domain.ReasonEntryWaitData, "Waiting for minimal indicator set."
	}
	if ind.Close <= settings.EntryMinPrice {
		return wait, domain.ReasonEntryWatch, "Price below entry minimum threshold."
	}
	if !ind.TrendUp {
		return wait, domain.ReasonEntryNoBuyTrend, "Trend gate is closed."
	}
	if ind.Overheated {
		return wait, domain.ReasonEntryNoBuyOverheat, "Overheat gate is active."
	}
	if !ind.SetupOversold {
		return wait, domain.ReasonEntryWatch, "Trend is open, but no pullback setup."
	}
	if !ind.Reversal {
		return wait, domain.ReasonEntrySetup, "Setup active; waiting for reversal trigger."
	}
	if !canExecute {
		return wait, domain.ReasonDuplicateActionBlocked, "Action already executed for this bar."
	}
	registerAction(pos, barDate)
	return domain.ActionPayload{Type: domain.ActionBuyAlert, PriceHint: domain.Float(ind.Close)},
		domain.ReasonBuyTrigger,
		"BUY trigger confirmed: pullback setup with reversal."
}

// Advance runs one bar through the full priority ladder and returns the
// structured decision. The position is mutated in place; levels become
// the position's new computed snapshot.
func Advance(key string, pos *domain.Position, barsUpToDate []domain.Bar, ind *IndicatorSnapshot, levels domain.Computed, settings domain.Settings) domain.Decision {
	barDate := barsUpToDate[len(barsUpToDate)-1].Date
	stateBefore := pos.State
	modeBefore := pos.Mode
	close := ind.Close

	updateRuntimeCounters(pos, close, ind.SMA200, barDate, settings.TrendBreakBuffer)

	// HWM ratchets only while owned and not already flattened.
	if modeBefore == domain.ModeOwned && (stateBefore == domain.StateNormalRun || stateBefore == domain.StateSpikeLock) {
		if pos.Runtime.HWMClose == nil || close > *pos.Runtime.HWMClose {
			pos.Runtime.HWMClose = domain.Float(close)
			pos.Runtime.HWMBarDate = domain.Str(barDate)
		}
	}

	trigger := pos.PendingTrigger()
	if trigger != domain.TriggerNone {
		pos.Fundamentals.LastTriggerBarDate = domain.Str(barDate)
		pos.Fundamentals.PendingTrigger = nil
	}

	defaultAction := domain.ActionWait
	if modeBefore == domain.ModeOwned {
		defaultAction = domain.ActionHold
	}
	action := domain.ActionPayload{Type: defaultAction}
	reasonCode := domain.ReasonNoTrigger
	reasonText := "No rule matched."

	canExecute := canExecuteAction(pos, barDate)

	duplicate := func(fallback domain.Action) {
		action = domain.ActionPayload{Type: fallback}
		reasonCode = domain.ReasonDuplicateActionBlocked
		reasonText = "Action already executed for this bar."
	}

	switch {
	case trigger == domain.TriggerFalsifier:
		if canExecute {
			setExitState(pos, barDate, settings, true)
			registerAction(pos, barDate)
			action = domain.ActionPayload{Type: domain.ActionSellAll, SellPct: domain.Float(1.0), PriceHint: domain.Float(close)}
			reasonCode = domain.ReasonFalsifier
			reasonText = "Falsifier triggered: immediate full exit and permanent watch mode."
		} else {
			duplicate(domain.ActionWait)
		}

	case modeBefore == domain.ModeOwned && pos.Execution.EntryPrice != nil:
		stopHit := levels.EffectiveStop != nil && close < *levels.EffectiveStop
		trendBreak := pos.Runtime.ConsecClosesBelowSMA200 >= 2
		switch {
		case stopHit:
			if canExecute {
				setExitState(pos, barDate, settings, false)
				registerAction(pos, barDate)
				action = domain.ActionPayload{Type: domain.ActionSellAll, SellPct: domain.Float(1.0), PriceHint: domain.Float(close)}
				reasonCode = domain.ReasonStopHit
				reasonText = "Close dropped below effective stop."
			} else {
				duplicate(domain.ActionHold)
			}
		case trendBreak:
			if canExecute {
				setExitState(pos, barDate, settings, false)
				registerAction(pos, barDate)
				action = domain.ActionPayload{Type: domain.ActionSellAll, SellPct: domain.Float(1.0), PriceHint: domain.Float(close)}
				reasonCode = domain.ReasonTrendBreak
				reasonText = "Two consecutive closes below SMA200."
			} else {
				duplicate(domain.ActionHold)
			}
		case stateBefore == domain.StateNormalRun && levels.IsSpike != nil && *levels.IsSpike:
			if canExecute {
				pos.State = domain.StateSpikeLock
				pos.Runtime.SpikeLockStartBarDate = domain.Str(barDate)
				pos.Runtime.LastSpikeBarDate = domain.Str(barDate)
				registerAction(pos, barDate)
				action = domain.ActionPayload{
					Type:      domain.ActionSellPartial,
					SellPct:   domain.Float(resolveSpikeSellPct(pos, close, settings)),
					PriceHint: domain.Float(close),
				}
				reasonCode = domain.ReasonSpikeDetected
				reasonText = "Spike detected in NORMAL_RUN."
			} else {
				duplicate(domain.ActionHold)
			}
		case trigger == domain.TriggerWarn:
			if pos.Runtime.WarnCount == 0 {
				if canExecute {
					pos.Runtime.WarnCount = 1
					registerAction(pos, barDate)
					action = domain.ActionPayload{
						Type:      domain.ActionSellPartial,
						SellPct:   domain.Float(settings.WarnSellPct),
						PriceHint: domain.Float(close),
					}
					reasonCode = domain.ReasonWarn
					reasonText = "Warn #1: partial risk reduction."
				} else {
					duplicate(domain.ActionHold)
				}
			} else {
				if canExecute {
					setExitState(pos, barDate, settings, false)
					pos.Runtime.WarnCount = 2
					registerAction(pos, barDate)
					action = domain.ActionPayload{Type: domain.ActionSellAll, SellPct: domain.Float(1.0), PriceHint: domain.Float(close)}
					reasonCode = domain.ReasonWarn
					reasonText = "Warn #2: full exit, cooldown, re-entry still allowed."
				} else {
					duplicate(domain.ActionHold)
				}
			}
		case stateBefore == domain.StateNormalRun:
			baseHit := pos.Targets.BaseTotal != nil && !pos.Runtime.BaseSold && close >= *pos.Targets.BaseTotal
			bullHit := pos.Targets.BullTotal != nil && !pos.Runtime.BullSold && close >= *pos.Targets.BullTotal
			if baseHit {
				if canExecute {
					pos.Runtime.BaseSold = true
					registerAction(pos, barDate)
					action = domain.ActionPayload{
						Type:      domain.ActionSellPartial,
						SellPct:   domain.Float(settings.ProfitAtBasePct),
						PriceHint: domain.Float(close),
					}
					reasonCode = domain.ReasonBaseHit
					reasonText = "Base target reached."
				} else {
					duplicate(domain.ActionHold)
				}
			} else if bullHit {
				if canExecute {
					pos.Runtime.BullSold = true
					registerAction(pos, barDate)
					action = domain.ActionPayload{
						Type:      domain.ActionSellPartial,
						SellPct:   domain.Float(settings.ProfitAtBullPct),
						PriceHint: domain.Float(close),
					}
					reasonCode = domain.ReasonBullHit
					reasonText = "Bull target reached."
				} else {
					duplicate(domain.ActionHold)
				}
			}
		}

	case modeBefore == domain.ModeWatch && settings.EntryMVPEnabled:
		action, reasonCode, reasonText = evaluateWatchEntry(pos, barDate, ind, settings, canExecute)
	}

	// State maintenance only runs when no rule above claimed the bar.
	if reasonCode == domain.ReasonNoTrigger {
		switch pos.State {
		case domain.StateSpikeLock:
			sessions := TradingDaysSince(pos.Runtime.SpikeLockStartBarDate, barsUpToDate)
			spikeAbsorbed := levels.FiveDMove != nil && levels.SpikeThreshold != nil &&
				*levels.FiveDMove > 0 && *levels.FiveDMove < *levels.SpikeThreshold && ind.TrendUp
			if spikeAbsorbed {
				pos.State = domain.StateNormalRun
				pos.Runtime.SpikeLockStartBarDate = nil
				pos.Runtime.LastSpikeBarDate = nil
				reasonCode = domain.ReasonSpikeAbsorbed
				reasonText = "Spike conditions normalized and trend gate is open."
			} else if sessions >= settings.SpikeLockSessions {
				pos.State = domain.StateNormalRun
				pos.Runtime.SpikeLockStartBarDate = nil
				pos.Runtime.LastSpikeBarDate = nil
				reasonCode = domain.ReasonSpikeLockTimeout
				reasonText = "Spike lock timeout reached; returning to NORMAL_RUN."
			}

		case domain.StateExitedCooldown:
			switch {
			case pos.Runtime.PermanentExit:
				action = domain.ActionPayload{Type: domain.ActionWait}
				reasonCode = domain.ReasonPermanentExit
				reasonText = "Permanent exit active."
			case pos.Runtime.CooldownBarsLeft > 0:
				action = domain.ActionPayload{Type: domain.ActionWait}
				reasonCode = domain.ReasonCooldownActive
				reasonText = fmt.Sprintf("Cooldown active: %d bars left.", pos.Runtime.CooldownBarsLeft)
			case ind.TrendUp:
				pos.State = domain.StateReentryWindow
				pos.Runtime.ReentryWindowStartDate = domain.Str(barDate)
				pos.Runtime.ReentryBarsLeft = settings.ReentryWindowSessions
				action = domain.ActionPayload{Type: domain.ActionWait}
				reasonCode = domain.ReasonOpenReentryWindow
				reasonText = "Trend recovered; opening re-entry window."
			default:
				action = domain.ActionPayload{Type: domain.ActionWait}
				reasonCode = domain.ReasonCooldownActive
				reasonText = "Cooldown complete but trend gate is still closed."
			}

		case domain.StateReentryWindow:
			inBand := levels.InBand != nil && *levels.InBand
			reentryTrigger := inBand && ReversalSignal(ind) && ind.TrendUp && !pos.Runtime.PermanentExit
			belowBand := levels.PullbackMax != nil && close < *levels.PullbackMax

			switch {
			case reentryTrigger:
				if canExecute {
					buyPct := settings.ReentryPositionPct
					pos.Mode = domain.ModeOwned
					pos.State = domain.StateNormalRun
					pos.Execution.EntryPrice = domain.Float(close)
					pos.Execution.EntryBarDate = domain.Str(barDate)
					if pos.Execution.TargetWeightPct != nil {
						pos.Execution.CurrentWeightPct = *pos.Execution.TargetWeightPct * buyPct
					}
					pos.Runtime.HWMClose = domain.Float(close)
					pos.Runtime.HWMBarDate = domain.Str(barDate)
					pos.Runtime.HWMAtExit = nil
					pos.Runtime.CooldownStartBarDate = nil
					pos.Runtime.CooldownBarsLeft = 0
					pos.Runtime.ReentryWindowStartDate = nil
					pos.Runtime.ReentryBarsLeft = 0
					pos.Runtime.ConsecClosesBelowSMA200 = 0
					registerAction(pos, barDate)
					action = domain.ActionPayload{
						Type:           domain.ActionBuyReenter,
						BuyPctOfTarget: domain.Float(buyPct),
						PriceHint:      domain.Float(close),
					}
					reasonCode = domain.ReasonReentryTriggered
					reasonText = "Re-entry trigger confirmed."
				} else {
					duplicate(domain.ActionWait)
				}
			case belowBand || !ind.TrendUp:
				pos.State = domain.StateExitedCooldown
				pos.Runtime.ReentryWindowStartDate = nil
				pos.Runtime.ReentryBarsLeft = 0
				pos.Runtime.CooldownStartBarDate = domain.Str(barDate)
				pos.Runtime.CooldownBarsLeft = settings.CooldownSessions
				action = domain.ActionPayload{Type: domain.ActionWait}
				reasonCode = domain.ReasonCooldownActive
				reasonText = "Re-entry window invalidated; back to cooldown."
			case pos.Runtime.ReentryBarsLeft == 0:
				pos.State = domain.StateExitedCooldown
				pos.Runtime.ReentryWindowStartDate = nil
				pos.Runtime.CooldownStartBarDate = domain.Str(barDate)
				pos.Runtime.CooldownBarsLeft = settings.CooldownSessions
				action = domain.ActionPayload{Type: domain.ActionWait}
				reasonCode = domain.ReasonReentryExpired
				reasonText = "Re-entry window expired."
			default:
				action = domain.ActionPayload{Type: domain.ActionWait}
				reasonCode = domain.ReasonNoTrigger
				reasonText = "Waiting for re-entry trigger."
			}
		}
	}

	if trigger == domain.TriggerConfirm && reasonCode == domain.ReasonNoTrigger {
		reasonText = "Confirm trigger is informational only."
	}

	pos.Runtime.LastProcessedBarDate = domain.Str(barDate)

	// The fresh levels replace the stored snapshot; the anomaly tail
	// fields are filled by the orchestrator after classification.
	anomalyCode := pos.Computed.AnomalyCodeLast
	anomalySeverity := pos.Computed.AnomalySeverityLast
	pos.Computed = levels
	pos.Computed.AnomalyCodeLast = anomalyCode
	pos.Computed.AnomalySeverityLast = anomalySeverity

	var triggerName *string
	if trigger != domain.TriggerNone {
		triggerName = domain.Str(string(trigger))
	}
	return domain.Decision{
		Schema:      domain.DecisionSchema,
		BarDate:     barDate,
		Key:         key,
		Symbol:      pos.Ref(),
		Mode:        pos.Mode,
		StateBefore: stateBefore,
		StateAfter:  pos.State,
		Action:      action,
		Reason:      domain.ReasonPayload{Code: reasonCode, Text: reasonText},
		Levels:      pos.Computed,
		Targets:     pos.Targets,
		KPI:         pos.ThesisKPIs,
		Transitions: domain.Transitions{
			Triggered: (action.Type != domain.ActionHold && action.Type != domain.ActionWait) || stateBefore != pos.State,
			Trigger:   triggerName,
		},
	}
}
