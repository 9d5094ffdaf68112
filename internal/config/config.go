// Package config loads the runner configuration: a YAML file with
// defaults, overridden field by field from the environment so container
// deployments need no config file at all.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full runner configuration.
type Config struct {
	// StoreLocation is a JSON file path or a postgres:// DSN.
	StoreLocation string `yaml:"store_location"`

	ReportPath  string `yaml:"report_path"`
	LastRunPath string `yaml:"last_run_path"`

	Telegram TelegramConfig `yaml:"telegram"`
	Serve    ServeConfig    `yaml:"serve"`

	// VIXSymbolOverride replaces the stored settings' volatility
	// index symbol when non-empty.
	VIXSymbolOverride string `yaml:"vix_symbol_override"`

	LogLevel string `yaml:"log_level"`
}

// TelegramConfig controls notification delivery.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

// ServeConfig controls the long-running scheduler mode.
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// DailyAtUTC is the HH:MM wall-clock time of the scheduled run.
	DailyAtUTC string `yaml:"daily_at_utc"`
}

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() Config {
	return Config{
		StoreLocation: "data/positions.json",
		ReportPath:    "out/run.json",
		LastRunPath:   "out/last_run.json",
		Telegram: TelegramConfig{
			Enabled: true,
			Mode:    "actionable_only",
		},
		Serve: ServeConfig{
			ListenAddr: ":8090",
			DailyAtUTC: "21:30",
		},
		LogLevel: "info",
	}
}

// Load reads the optional YAML file over the defaults and then applies
// environment overrides. A missing file is not an error; a malformed
// one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.StoreLocation, "PSMWATCH_STORE")
	setString(&c.ReportPath, "PSMWATCH_REPORT_PATH")
	setString(&c.LastRunPath, "PSMWATCH_LAST_RUN_PATH")
	setString(&c.VIXSymbolOverride, "PSMWATCH_VIX_SYMBOL")
	setString(&c.LogLevel, "PSMWATCH_LOG_LEVEL")
	setBool(&c.Telegram.Enabled, "PSMWATCH_TELEGRAM_ENABLED")
	setString(&c.Telegram.Mode, "PSMWATCH_TELEGRAM_MODE")
	setString(&c.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setString(&c.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setString(&c.Serve.ListenAddr, "PSMWATCH_LISTEN_ADDR")
	setString(&c.Serve.DailyAtUTC, "PSMWATCH_DAILY_AT_UTC")
}

func (c *Config) validate() error {
	switch c.Telegram.Mode {
	case "always", "actionable_only":
	default:
		return fmt.Errorf("invalid telegram mode %q (want always or actionable_only)", c.Telegram.Mode)
	}
	if c.StoreLocation == "" {
		return fmt.Errorf("store location must not be empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}
