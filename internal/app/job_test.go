package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psmwatch/psmwatch/internal/domain"
	"github.com/psmwatch/psmwatch/internal/notify"
)

func newTestJob(t *testing.T, sender notify.Sender, mode string) (*Job, string, string) {
	t.Helper()
	st := newTestStore(t)
	seedWatchPosition(t, st, "ACME:NYSE", nil, "")
	fetcher := func(context.Context, string, int) ([]domain.Bar, error) {
		return daySeries(1, 6, 100), nil
	}
	runner := NewRunner(st, nil, zerolog.Nop(), WithBarFetcher(fetcher))

	dir := t.TempDir()
	reportPath := filepath.Join(dir, "out", "run.json")
	lastRunPath := filepath.Join(dir, "out", "last_run.json")
	job := &Job{
		Runner: runner,
		Sender: sender,
		Config: JobConfig{
			ReportPath:      reportPath,
			LastRunPath:     lastRunPath,
			TelegramEnabled: true,
			TelegramMode:    mode,
		},
		Log: zerolog.Nop(),
		Now: func() time.Time { return time.Date(2026, 1, 7, 21, 30, 0, 0, time.UTC) },
	}
	return job, reportPath, lastRunPath
}

func TestJobExecute_SendsAndWritesArtifacts(t *testing.T) {
	var sentMessages []string
	sender := notify.SenderFunc(func(_ context.Context, message string) error {
		sentMessages = append(sentMessages, message)
		return nil
	})
	job, reportPath, lastRunPath := newTestJob(t, sender, "always")

	result, err := job.Execute(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Summary.TelegramAttempted)
	assert.True(t, result.Summary.TelegramSent)
	assert.Nil(t, result.Summary.TelegramSkipReason)
	require.NotEmpty(t, sentMessages)

	var report RunReport
	raw, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, RunReportSchema, report.Schema)
	assert.Equal(t, "2026-01-07T21:30:00Z", report.GeneratedUTC)
	require.NotNil(t, report.BarDate)
	assert.Equal(t, "2026-01-06", *report.BarDate)

	var lastRun LastRun
	raw, err = os.ReadFile(lastRunPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &lastRun))
	assert.Equal(t, LastRunSchema, lastRun.Schema)
	assert.Equal(t, "telegram", lastRun.Notification.Channel)
	assert.True(t, lastRun.Notification.Sent)
	require.NotNil(t, lastRun.Notification.SentUTC)
	assert.Equal(t, "always", lastRun.Notification.Policy)
}

func TestJobExecute_DedupsSameBarDate(t *testing.T) {
	sendCount := 0
	sender := notify.SenderFunc(func(context.Context, string) error {
		sendCount++
		return nil
	})
	job, _, _ := newTestJob(t, sender, "always")
	ctx := context.Background()

	_, err := job.Execute(ctx)
	require.NoError(t, err)
	firstCount := sendCount

	result, err := job.Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, firstCount, sendCount, "no resend for an already-notified bar date")
	assert.False(t, result.Summary.TelegramAttempted)
	require.NotNil(t, result.Summary.TelegramSkipReason)
	assert.Equal(t, "already_sent_for_bar_date", *result.Summary.TelegramSkipReason)
}

func TestJobExecute_ActionableOnlySkipsQuietDay(t *testing.T) {
	sender := notify.SenderFunc(func(context.Context, string) error {
		t.Error("no send expected on a quiet day")
		return nil
	})
	job, _, lastRunPath := newTestJob(t, sender, "actionable_only")

	result, err := job.Execute(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Summary.TelegramAttempted)
	require.NotNil(t, result.Summary.TelegramSkipReason)
	assert.Equal(t, "no_actionable_changes", *result.Summary.TelegramSkipReason)

	var lastRun LastRun
	raw, err := os.ReadFile(lastRunPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &lastRun))
	assert.False(t, lastRun.Notification.Sent)
	require.NotNil(t, lastRun.Notification.SkipReason)
	assert.Equal(t, "no_actionable_changes", *lastRun.Notification.SkipReason)
}

func TestJobExecute_SendFailureIsRecorded(t *testing.T) {
	sender := notify.SenderFunc(func(context.Context, string) error {
		return errors.New("bot token revoked")
	})
	job, _, _ := newTestJob(t, sender, "always")

	result, err := job.Execute(context.Background())
	require.NoError(t, err, "a failed send never fails the job")

	assert.True(t, result.Summary.TelegramAttempted)
	assert.False(t, result.Summary.TelegramSent)
	require.NotNil(t, result.Summary.TelegramSkipReason)
	assert.Equal(t, "send_failed_or_unconfigured", *result.Summary.TelegramSkipReason)
}

func TestJobExecute_NilSenderCountsAsUnconfigured(t *testing.T) {
	job, _, _ := newTestJob(t, nil, "always")

	result, err := job.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Summary.TelegramSent)
	require.NotNil(t, result.Summary.TelegramSkipReason)
	assert.Equal(t, "send_failed_or_unconfigured", *result.Summary.TelegramSkipReason)
}

func TestJobExecute_ToleratesCorruptLastRun(t *testing.T) {
	sender := notify.SenderFunc(func(context.Context, string) error { return nil })
	job, _, lastRunPath := newTestJob(t, sender, "always")
	require.NoError(t, os.MkdirAll(filepath.Dir(lastRunPath), 0o755))
	require.NoError(t, os.WriteFile(lastRunPath, []byte("{broken"), 0o644))

	result, err := job.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Summary.TelegramAttempted, "a corrupt artifact reads as never sent")
}

func TestReadPreviousRun(t *testing.T) {
	assert.Equal(t, notify.PreviousRun{}, readPreviousRun(""))
	assert.Equal(t, notify.PreviousRun{}, readPreviousRun(filepath.Join(t.TempDir(), "missing.json")))

	path := filepath.Join(t.TempDir(), "last_run.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bar_date":"2026-01-06","notification":{"sent":true}}`), 0o644))
	previous := readPreviousRun(path)
	require.NotNil(t, previous.BarDate)
	assert.Equal(t, "2026-01-06", *previous.BarDate)
	assert.True(t, previous.Notification.Sent)
}
