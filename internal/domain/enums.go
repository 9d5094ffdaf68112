// Package domain holds the shared value types of the position state
// machine: bars, positions, settings, decisions and the finite
// enumerations they carry. Everything here is plain data — computation
// lives in internal/engine, persistence in internal/store.
package domain

import (
	"encoding/json"
	"fmt"
)

// Mode is the coarse classification of a position.
type Mode string

const (
	ModeOwned Mode = "OWNED"
	ModeWatch Mode = "WATCH"
)

// ParseMode rejects anything outside the closed set.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOwned, ModeWatch:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// State is the fine lifecycle state inside a mode.
type State string

const (
	StateNormalRun      State = "NORMAL_RUN"
	StateSpikeLock      State = "SPIKE_LOCK"
	StateExitedCooldown State = "EXITED_COOLDOWN"
	StateReentryWindow  State = "REENTRY_WINDOW"
)

// ParseState rejects anything outside the closed set.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateNormalRun, StateSpikeLock, StateExitedCooldown, StateReentryWindow:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown state %q", s)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// OwnedState reports whether the state belongs to the OWNED mode.
func (s State) OwnedState() bool {
	return s == StateNormalRun || s == StateSpikeLock
}

// WatchState reports whether the state belongs to the WATCH mode.
func (s State) WatchState() bool {
	return s == StateExitedCooldown || s == StateReentryWindow
}

// Action is what the decision asks the operator to do.
type Action string

const (
	ActionHold        Action = "HOLD"
	ActionSellPartial Action = "SELL_PARTIAL"
	ActionSellAll     Action = "SELL_ALL"
	ActionWait        Action = "WAIT"
	ActionBuyReenter  Action = "BUY_REENTER"
	ActionBuyAlert    Action = "BUY_ALERT"
)

// Trigger is an externally injected fundamental signal, consumed once.
type Trigger string

const (
	TriggerNone      Trigger = "none"
	TriggerWarn      Trigger = "warn"
	TriggerFalsifier Trigger = "falsifier"
	TriggerConfirm   Trigger = "confirm"
)

// ParseTrigger maps free-form input onto the closed set; anything
// unrecognized collapses to TriggerNone, matching store semantics where
// a stale or foreign trigger value must never fire a rule.
func ParseTrigger(s string) Trigger {
	switch Trigger(s) {
	case TriggerWarn, TriggerFalsifier, TriggerConfirm:
		return Trigger(s)
	}
	return TriggerNone
}

// ReasonCode labels why a decision was taken.
type ReasonCode string

const (
	ReasonNoNewBar               ReasonCode = "NO_NEW_BAR"
	ReasonNoTrigger              ReasonCode = "NO_TRIGGER"
	ReasonEntryWaitData          ReasonCode = "ENTRY_WAIT_DATA"
	ReasonEntryWatch             ReasonCode = "ENTRY_WATCH"
	ReasonEntrySetup             ReasonCode = "ENTRY_SETUP"
	ReasonEntryNoBuyTrend        ReasonCode = "ENTRY_NO_BUY_TREND"
	ReasonEntryNoBuyOverheat     ReasonCode = "ENTRY_NO_BUY_OVERHEAT"
	ReasonBuyTrigger             ReasonCode = "BUY_TRIGGER"
	ReasonFalsifier              ReasonCode = "FALSIFIER"
	ReasonWarn                   ReasonCode = "WARN"
	ReasonStopHit                ReasonCode = "STOP_HIT"
	ReasonTrendBreak             ReasonCode = "TREND_BREAK"
	ReasonSpikeDetected          ReasonCode = "SPIKE_DETECTED"
	ReasonSpikeAbsorbed          ReasonCode = "SPIKE_ABSORBED"
	ReasonSpikeLockTimeout       ReasonCode = "SPIKE_LOCK_TIMEOUT"
	ReasonBaseHit                ReasonCode = "BASE_HIT"
	ReasonBullHit                ReasonCode = "BULL_HIT"
	ReasonCooldownActive         ReasonCode = "COOLDOWN_ACTIVE"
	ReasonOpenReentryWindow      ReasonCode = "OPEN_REENTRY_WINDOW"
	ReasonReentryTriggered       ReasonCode = "REENTRY_TRIGGERED"
	ReasonReentryExpired         ReasonCode = "REENTRY_EXPIRED"
	ReasonPermanentExit          ReasonCode = "PERMANENT_EXIT"
	ReasonDataFetchError         ReasonCode = "DATA_FETCH_ERROR"
	ReasonDataSuspected          ReasonCode = "DATA_SUSPECTED"
	ReasonDuplicateActionBlocked ReasonCode = "DUPLICATE_ACTION_BLOCKED"
)

// AnomalyCode classifies a statistical price anomaly.
type AnomalyCode string

const (
	AnomalyMomentumWarn        AnomalyCode = "MOMENTUM_WARN"
	AnomalyTrendDeterioration  AnomalyCode = "TREND_DETERIORATION"
	AnomalyAbnormalDrawdown    AnomalyCode = "ABNORMAL_DRAWDOWN"
	AnomalyExtremeDrawdown     AnomalyCode = "EXTREME_DRAWDOWN"
	AnomalyFixedDailyDrop      AnomalyCode = "FIXED_DAILY_DROP"
	AnomalyMultidayDrop        AnomalyCode = "MULTIDAY_DROP"
	AnomalyRecentAbnormalTrend AnomalyCode = "RECENT_ABNORMAL_TREND"
	AnomalyStdPullback         AnomalyCode = "STD_PULLBACK"
)

// AnomalySeverity ranks anomaly events.
type AnomalySeverity string

const (
	SeverityInfo AnomalySeverity = "INFO"
	SeverityHigh AnomalySeverity = "HIGH"
)

// SlopeRising and SlopeFlatOrFalling are the two SMA200 slope labels.
const (
	SlopeRising        = "rising"
	SlopeFlatOrFalling = "flat_or_falling"
)
