package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psmwatch/psmwatch/internal/httpx"
	"github.com/psmwatch/psmwatch/internal/metrics"
	"github.com/psmwatch/psmwatch/internal/store"
)

// nextRunAfter computes the next wall-clock occurrence of the HH:MM
// UTC schedule strictly after now.
func nextRunAfter(now time.Time, dailyAtUTC string) (time.Time, error) {
	at, err := time.Parse("15:04", dailyAtUTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid daily_at_utc %q: %w", dailyAtUTC, err)
	}
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler: one daily job per day plus health and metrics endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			if _, err := nextRunAfter(time.Now(), cfg.Serve.DailyAtUTC); err != nil {
				return err
			}

			reg := metrics.NewRegistry(nil)
			runner, err := buildRunner(cfg, logger, reg)
			if err != nil {
				return err
			}
			job := buildJob(cfg, runner, logger)

			st, err := store.Open(cfg.StoreLocation, logger)
			if err != nil {
				return err
			}
			health := func() (*string, *string) {
				doc, err := st.Load(cmd.Context())
				if err != nil {
					return nil, nil
				}
				return doc.Meta.AsofBarDate, doc.Meta.LastRunUTC
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			server := httpx.New(cfg.Serve.ListenAddr, health, logger)
			serverErr := make(chan error, 1)
			go func() { serverErr <- server.Start() }()

			logger.Info().Str("daily_at_utc", cfg.Serve.DailyAtUTC).Msg("scheduler started")
			for {
				next, err := nextRunAfter(time.Now(), cfg.Serve.DailyAtUTC)
				if err != nil {
					return err
				}
				logger.Info().Time("next_run", next).Msg("waiting for next daily run")

				timer := time.NewTimer(time.Until(next))
				select {
				case <-ctx.Done():
					timer.Stop()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				case err := <-serverErr:
					timer.Stop()
					return err
				case <-timer.C:
					if _, err := job.Execute(ctx); err != nil {
						logger.Error().Err(err).Msg("scheduled daily job failed")
					}
				}
			}
		},
	}
}
