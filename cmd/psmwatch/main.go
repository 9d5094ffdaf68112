// psmwatch runs a daily position state machine over an equity
// watchlist: it pulls bars from the Stooq feed, advances each
// position's state, persists the store and reports decisions.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/psmwatch/psmwatch/internal/config"
)

const (
	appName = "psmwatch"
	version = "v1.2.0"
)

var (
	flagConfig   string
	flagStore    string
	flagLogLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Daily position state machine for an equity watchlist",
		Version: version,
		Long: `psmwatch advances a deterministic per-symbol state machine once per
trading day: partial profit-taking at targets, trailing and catastrophe
stops, spike handling, cooldown and re-entry windows, plus statistical
anomaly alerts over the same bar history.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "Store location: JSON file path or postgres:// DSN")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (trace|debug|info|warn|error)")

	rootCmd.AddCommand(newDailyCmd(), newTickerCmd(), newStatusCmd(), newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves config file, environment and CLI flags, most
// specific last.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagStore != "" {
		cfg.StoreLocation = flagStore
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("app", appName).Logger()
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
