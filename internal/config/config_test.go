package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg, "a missing file keeps the defaults")
	assert.Equal(t, "data/positions.json", cfg.StoreLocation)
	assert.True(t, cfg.Telegram.Enabled)
	assert.Equal(t, "actionable_only", cfg.Telegram.Mode)
	assert.Equal(t, "21:30", cfg.Serve.DailyAtUTC)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_location: postgres://psm@localhost/psm
telegram:
  enabled: false
  mode: always
serve:
  listen_addr: ":9100"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://psm@localhost/psm", cfg.StoreLocation)
	assert.False(t, cfg.Telegram.Enabled)
	assert.Equal(t, "always", cfg.Telegram.Mode)
	assert.Equal(t, ":9100", cfg.Serve.ListenAddr)
	assert.Equal(t, "out/run.json", cfg.ReportPath, "unset keys keep their defaults")
	assert.Equal(t, "21:30", cfg.Serve.DailyAtUTC)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_location: from-file.json\n"), 0o644))

	t.Setenv("PSMWATCH_STORE", "from-env.json")
	t.Setenv("PSMWATCH_TELEGRAM_ENABLED", "false")
	t.Setenv("PSMWATCH_TELEGRAM_MODE", "always")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token123")
	t.Setenv("PSMWATCH_VIX_SYMBOL", "^vixy")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.json", cfg.StoreLocation)
	assert.False(t, cfg.Telegram.Enabled)
	assert.Equal(t, "always", cfg.Telegram.Mode)
	assert.Equal(t, "token123", cfg.Telegram.Token)
	assert.Equal(t, "^vixy", cfg.VIXSymbolOverride)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telegram: [not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestLoad_InvalidTelegramMode(t *testing.T) {
	t.Setenv("PSMWATCH_TELEGRAM_MODE", "whenever")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid telegram mode")
}
