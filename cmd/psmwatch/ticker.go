package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psmwatch/psmwatch/internal/domain"
	"github.com/psmwatch/psmwatch/internal/metrics"
)

func newTickerCmd() *cobra.Command {
	var (
		date               string
		open, high         float64
		low, closePx       float64
		volume             int64
		resetPermanentExit bool
	)

	cmd := &cobra.Command{
		Use:   "ticker TICKER",
		Short: "Advance one ticker with an externally supplied daily bar",
		Long: `Pushes a single OHLCV bar through the state machine for one ticker,
creating the position on first sight. With --reset-permanent-exit the
command only lifts the permanent-exit latch and processes no bar.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			runner, err := buildRunner(cfg, logger, metrics.NewRegistry(nil))
			if err != nil {
				return err
			}
			ticker := args[0]

			if resetPermanentExit {
				found, err := runner.ClearPermanentExit(cmd.Context(), ticker)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("unknown ticker %q", ticker)
				}
				printf("Permanent exit cleared for %s", ticker)
				return nil
			}

			if date == "" {
				return fmt.Errorf("--date is required")
			}
			bar := domain.Bar{
				Date:   date,
				Open:   open,
				High:   high,
				Low:    low,
				Close:  closePx,
				Volume: volume,
			}
			if !bar.Valid() {
				return fmt.Errorf("invalid bar for %s", ticker)
			}

			decision, err := runner.RunDailyForTicker(cmd.Context(), ticker, []domain.Bar{bar})
			if err != nil {
				return err
			}
			printf("%s %s: action=%s reason=%s state=%s->%s",
				decision.Key, decision.BarDate,
				decision.Action.Type, decision.Reason.Code,
				decision.StateBefore, decision.StateAfter)
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Bar date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&open, "open", 0, "Open price")
	cmd.Flags().Float64Var(&high, "high", 0, "High price")
	cmd.Flags().Float64Var(&low, "low", 0, "Low price")
	cmd.Flags().Float64Var(&closePx, "close", 0, "Close price")
	cmd.Flags().Int64Var(&volume, "volume", 0, "Volume")
	cmd.Flags().BoolVar(&resetPermanentExit, "reset-permanent-exit", false, "Lift the permanent-exit latch instead of processing a bar")
	return cmd
}
