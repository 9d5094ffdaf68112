package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/psmwatch/psmwatch/internal/app"
	"github.com/psmwatch/psmwatch/internal/config"
	"github.com/psmwatch/psmwatch/internal/marketdata"
	"github.com/psmwatch/psmwatch/internal/metrics"
	"github.com/psmwatch/psmwatch/internal/notify"
	"github.com/psmwatch/psmwatch/internal/store"
)

func buildRunner(cfg config.Config, logger zerolog.Logger, reg *metrics.Registry) (*app.Runner, error) {
	st, err := store.Open(cfg.StoreLocation, logger)
	if err != nil {
		return nil, err
	}
	client := marketdata.NewClient(logger)

	opts := []app.RunnerOption{app.WithMetrics(reg)}
	if cfg.VIXSymbolOverride != "" {
		opts = append(opts, app.WithVIXSymbol(cfg.VIXSymbolOverride))
	}
	return app.NewRunner(st, client, logger, opts...), nil
}

func buildJob(cfg config.Config, runner *app.Runner, logger zerolog.Logger) *app.Job {
	return &app.Job{
		Runner: runner,
		Sender: notify.NewTelegramSender(cfg.Telegram.Token, cfg.Telegram.ChatID),
		Config: app.JobConfig{
			ReportPath:      cfg.ReportPath,
			LastRunPath:     cfg.LastRunPath,
			TelegramEnabled: cfg.Telegram.Enabled,
			TelegramMode:    cfg.Telegram.Mode,
		},
		Log: logger,
	}
}

func newDailyCmd() *cobra.Command {
	var noTelegram bool
	var telegramMode string

	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Run the daily pipeline once and write the run artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if noTelegram {
				cfg.Telegram.Enabled = false
			}
			if telegramMode != "" {
				cfg.Telegram.Mode = telegramMode
			}
			logger := newLogger(cfg)

			runner, err := buildRunner(cfg, logger, metrics.NewRegistry(nil))
			if err != nil {
				return err
			}
			job := buildJob(cfg, runner, logger)
			result, err := job.Execute(cmd.Context())
			if err != nil {
				return err
			}

			barDate := "n/a"
			if result.BarDate != nil {
				barDate = *result.BarDate
			}
			skipReason := ""
			if result.Summary.TelegramSkipReason != nil {
				skipReason = *result.Summary.TelegramSkipReason
			}
			printf("Daily run complete: bar_date=%s decisions=%d actionable=%d telegram_attempted=%t telegram_sent=%t telegram_skip_reason=%s",
				barDate, len(result.Decisions), result.Summary.ActionableCount,
				result.Summary.TelegramAttempted, result.Summary.TelegramSent, skipReason)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noTelegram, "no-telegram", false, "Disable Telegram delivery for this run")
	cmd.Flags().StringVar(&telegramMode, "telegram-mode", "", "Delivery policy: always or actionable_only")
	return cmd
}
