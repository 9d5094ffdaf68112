// Package notify turns run results into operator-facing Telegram
// messages and owns the delivery policy. The transport sits behind the
// Sender interface so the core never requires network credentials.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/psmwatch/psmwatch/internal/domain"
)

// Sender delivers one message payload.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, message string) error

func (f SenderFunc) Send(ctx context.Context, message string) error { return f(ctx, message) }

// TelegramSender posts through the Bot API. Token and chat ID come
// from the constructor or fall back to TELEGRAM_BOT_TOKEN and
// TELEGRAM_CHAT_ID.
type TelegramSender struct {
	token      string
	chatID     string
	httpClient *http.Client
	baseURL    string
}

// NewTelegramSender resolves credentials; empty arguments read the
// environment.
func NewTelegramSender(token, chatID string) *TelegramSender {
	if token == "" {
		token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if chatID == "" {
		chatID = os.Getenv("TELEGRAM_CHAT_ID")
	}
	return &TelegramSender{
		token:      token,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://api.telegram.org",
	}
}

// Configured reports whether both credentials are present.
func (t *TelegramSender) Configured() bool {
	return t.token != "" && t.chatID != ""
}

func (t *TelegramSender) Send(ctx context.Context, message string) error {
	if !t.Configured() {
		return fmt.Errorf("telegram sender not configured")
	}
	body, err := json.Marshal(map[string]string{"chat_id": t.chatID, "text": message})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send telegram message: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// IsActionable reports whether a decision deserves operator attention:
// an operative action, a state change, or one of the market-driven
// reason codes.
func IsActionable(d domain.Decision) bool {
	if d.Action.Type != domain.ActionHold && d.Action.Type != domain.ActionWait {
		return true
	}
	if d.StateBefore != d.StateAfter {
		return true
	}
	switch d.Reason.Code {
	case domain.ReasonSpikeDetected, domain.ReasonSpikeAbsorbed, domain.ReasonSpikeLockTimeout,
		domain.ReasonStopHit, domain.ReasonTrendBreak,
		domain.ReasonBaseHit, domain.ReasonBullHit,
		domain.ReasonReentryTriggered:
		return true
	}
	return false
}

// SummarizePositions aggregates mode/state counts and the valuation
// averages over the stored computed snapshots.
func SummarizePositions(positions map[string]*domain.Position) domain.Summary {
	summary := domain.Summary{
		Modes:  map[string]int{},
		States: map[string]int{},
	}

	var pricedIn, gapBase, gapBull, unrealized []float64
	for _, pos := range positions {
		summary.Modes[string(pos.Mode)]++
		summary.States[string(pos.State)]++
		if v := pos.Computed.PricedInPct; v != nil {
			pricedIn = append(pricedIn, *v)
		}
		if v := pos.Computed.GapToBasePct; v != nil {
			gapBase = append(gapBase, *v)
		}
		if v := pos.Computed.GapToBullPct; v != nil {
			gapBull = append(gapBull, *v)
		}
		if v := pos.Computed.UnrealizedPnlPct; v != nil {
			unrealized = append(unrealized, *v)
		}
	}

	summary.Valuation = domain.Valuation{
		PricedInPctAvg:    meanOf(pricedIn),
		GapToBasePctAvg:   meanOf(gapBase),
		GapToBullPctAvg:   meanOf(gapBull),
		UnrealizedPnlAvg:  meanOf(unrealized),
		PricedInSamples:   len(pricedIn),
		GapToBaseSamples:  len(gapBase),
		GapToBullSamples:  len(gapBull),
		UnrealizedSamples: len(unrealized),
	}
	return summary
}

func meanOf(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return domain.Float(sum / float64(len(values)))
}

// DeliveryDecision is the resolved policy outcome for one run.
type DeliveryDecision struct {
	Attempt    bool
	SkipReason string
}

// PreviousRun is the slice of the last-run artifact the delivery
// policy consults.
type PreviousRun struct {
	BarDate *string `json:"bar_date"`
	Notification struct {
		Sent bool `json:"sent"`
	} `json:"notification"`
}

// ResolveDelivery decides whether to send: disabled channels and
// already-notified bar dates are skipped, and actionable_only mode
// additionally requires something worth reading.
func ResolveDelivery(result *domain.RunResult, previous PreviousRun, enabled bool, mode string) DeliveryDecision {
	if !enabled {
		return DeliveryDecision{SkipReason: "telegram_disabled"}
	}
	if previous.Notification.Sent && result.BarDate != nil && previous.BarDate != nil &&
		*previous.BarDate == *result.BarDate {
		return DeliveryDecision{SkipReason: "already_sent_for_bar_date"}
	}
	if mode == "actionable_only" {
		stdPullbacks := 0
		for _, event := range result.AnomalyEvents {
			if event.Code == domain.AnomalyStdPullback {
				stdPullbacks++
			}
		}
		if result.Summary.ActionableCount <= 0 && result.Summary.AnomalyCountHigh <= 0 && stdPullbacks <= 0 {
			return DeliveryDecision{SkipReason: "no_actionable_changes"}
		}
	}
	return DeliveryDecision{Attempt: true}
}
