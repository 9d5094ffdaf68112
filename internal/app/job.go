package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/psmwatch/psmwatch/internal/domain"
	"github.com/psmwatch/psmwatch/internal/notify"
)

const (
	// RunReportSchema versions the CI report artifact.
	RunReportSchema = "psm_v4.run_report.v1"
	// LastRunSchema versions the delivery-dedup artifact.
	LastRunSchema = "psm_v4.last_run.v1"
)

// JobConfig parametrizes one scheduled daily job.
type JobConfig struct {
	ReportPath      string
	LastRunPath     string
	TelegramEnabled bool
	TelegramMode    string
}

// Job runs the daily pipeline, applies the delivery policy and writes
// the report and last-run artifacts.
type Job struct {
	Runner *Runner
	Sender notify.Sender
	Config JobConfig
	Log    zerolog.Logger
	Now    func() time.Time
}

// RunReport is the CI-facing report artifact.
type RunReport struct {
	Schema            string                `json:"schema"`
	GeneratedUTC      string                `json:"generated_utc"`
	BarDate           *string               `json:"bar_date"`
	Summary           domain.Summary        `json:"summary"`
	ActionableCount   int                   `json:"actionable_count"`
	ActionableEvents  []domain.Decision     `json:"actionable_events"`
	AnomalyCountTotal int                   `json:"anomaly_count_total"`
	AnomalyCountHigh  int                   `json:"anomaly_count_high"`
	AnomalyEvents     []domain.AnomalyEvent `json:"anomaly_events"`
}

// NotificationRecord is the delivery block inside the last-run artifact.
type NotificationRecord struct {
	Channel    string  `json:"channel"`
	Attempted  bool    `json:"attempted"`
	Sent       bool    `json:"sent"`
	SentUTC    *string `json:"sent_utc"`
	Policy     string  `json:"policy"`
	SkipReason *string `json:"skip_reason"`
}

// LastRun is the artifact the next job consults for delivery dedup.
type LastRun struct {
	Schema       string             `json:"schema"`
	GeneratedUTC string             `json:"generated_utc"`
	BarDate      *string            `json:"bar_date"`
	Summary      domain.Summary     `json:"summary"`
	Notification NotificationRecord `json:"notification"`
}

func utcNowISO(now time.Time) string {
	return now.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// readPreviousRun tolerates a missing or corrupt artifact: both read as
// "never sent".
func readPreviousRun(path string) notify.PreviousRun {
	var previous notify.PreviousRun
	if path == "" {
		return previous
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return previous
	}
	if err := json.Unmarshal(raw, &previous); err != nil {
		return notify.PreviousRun{}
	}
	return previous
}

func writeJSONArtifact(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// Execute runs the pipeline and the delivery/artifact tail. The run
// result is returned even when artifact writes fail, so callers can
// still log the decisions.
func (j *Job) Execute(ctx context.Context) (*domain.RunResult, error) {
	now := j.Now
	if now == nil {
		now = time.Now
	}
	previous := readPreviousRun(j.Config.LastRunPath)

	result, err := j.Runner.RunDaily(ctx)
	if err != nil {
		return nil, err
	}

	delivery := notify.ResolveDelivery(result, previous, j.Config.TelegramEnabled, j.Config.TelegramMode)
	sent := false
	skipReason := delivery.SkipReason
	if delivery.Attempt {
		payloads := result.TelegramMessages
		if len(payloads) == 0 {
			payloads = []string{result.TelegramMessage}
		}
		sent = j.sendAll(ctx, payloads)
		if !sent {
			skipReason = "send_failed_or_unconfigured"
		}
	}

	result.Summary.TelegramPolicy = j.Config.TelegramMode
	result.Summary.TelegramAttempted = delivery.Attempt
	result.Summary.TelegramSent = sent
	result.Summary.TelegramSkipReason = nil
	if skipReason != "" {
		result.Summary.TelegramSkipReason = domain.Str(skipReason)
	}

	switch {
	case sent:
		j.Runner.metrics.RecordDelivery("sent")
	case delivery.Attempt:
		j.Runner.metrics.RecordDelivery("failed")
	default:
		j.Runner.metrics.RecordDelivery("skipped")
	}

	generated := utcNowISO(now())
	var artifactErr error
	if j.Config.ReportPath != "" {
		if err := writeJSONArtifact(j.Config.ReportPath, buildRunReport(result, generated)); err != nil {
			artifactErr = errors.Join(artifactErr, fmt.Errorf("write report: %w", err))
		}
	}
	if j.Config.LastRunPath != "" {
		if err := writeJSONArtifact(j.Config.LastRunPath, buildLastRun(result, generated, sent)); err != nil {
			artifactErr = errors.Join(artifactErr, fmt.Errorf("write last run: %w", err))
		}
	}

	j.Log.Info().
		Str("bar_date", barDateOrEmpty(result.BarDate)).
		Int("decisions", len(result.Decisions)).
		Int("actionable", result.Summary.ActionableCount).
		Bool("telegram_attempted", delivery.Attempt).
		Bool("telegram_sent", sent).
		Msg("daily job complete")
	return result, artifactErr
}

func (j *Job) sendAll(ctx context.Context, payloads []string) bool {
	if j.Sender == nil {
		return false
	}
	for _, payload := range payloads {
		if err := j.Sender.Send(ctx, payload); err != nil {
			j.Log.Warn().Err(err).Msg("telegram send failed")
			return false
		}
	}
	return true
}

func buildRunReport(result *domain.RunResult, generated string) RunReport {
	actionable := make([]domain.Decision, 0, len(result.Decisions))
	for _, d := range result.Decisions {
		if notify.IsActionable(d) {
			actionable = append(actionable, d)
		}
	}
	return RunReport{
		Schema:            RunReportSchema,
		GeneratedUTC:      generated,
		BarDate:           result.BarDate,
		Summary:           result.Summary,
		ActionableCount:   len(actionable),
		ActionableEvents:  actionable,
		AnomalyCountTotal: len(result.AnomalyEvents),
		AnomalyCountHigh:  result.Summary.AnomalyCountHigh,
		AnomalyEvents:     result.AnomalyEvents,
	}
}

func buildLastRun(result *domain.RunResult, generated string, sent bool) LastRun {
	var sentUTC *string
	if sent {
		sentUTC = domain.Str(generated)
	}
	return LastRun{
		Schema:       LastRunSchema,
		GeneratedUTC: generated,
		BarDate:      result.BarDate,
		Summary:      result.Summary,
		Notification: NotificationRecord{
			Channel:    "telegram",
			Attempted:  result.Summary.TelegramAttempted,
			Sent:       sent,
			SentUTC:    sentUTC,
			Policy:     result.Summary.TelegramPolicy,
			SkipReason: result.Summary.TelegramSkipReason,
		},
	}
}

func barDateOrEmpty(barDate *string) string {
	if barDate == nil {
		return ""
	}
	return *barDate
}
