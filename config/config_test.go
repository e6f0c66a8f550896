package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "wallet_bot.db", cfg.Database.URL)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.PerAttemptTimeout)
	assert.Equal(t, ReflectEdit, cfg.Reflect.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "walletbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: from-file.db
retry:
  max_attempts: 5
  per_attempt_timeout: 10s
reflect:
  mode: reply
`), 0o600))

	t.Setenv("DATABASE_URL", "sqlite:from-env.db")
	t.Setenv("PROCESSING_TIMEOUT", "45")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.example, http://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite:from-env.db", cfg.Database.URL)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Retry.PerAttemptTimeout)
	assert.Equal(t, ReflectReply, cfg.Reflect.Mode)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.HTTP.CORSAllowedOrigins)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("MAX_RETRY_ATTEMPTS", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RETRY_ATTEMPTS")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = -1
	cfg.Reflect.Mode = "shout"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retry attempts")
	assert.Contains(t, err.Error(), "reflect mode")

	cfg = Default()
	cfg.Retry.MaxAttempts = 0
	assert.NoError(t, cfg.Validate(), "zero retries is a single attempt")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletbot.yaml")
	cfg := Default()
	cfg.Telegram.BotName = "记账机器人"
	cfg.Retry.MaxDelay = 2 * time.Minute
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "记账机器人", got.Telegram.BotName)
	assert.Equal(t, 2*time.Minute, got.Retry.MaxDelay)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDuration("1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("soon")
	assert.Error(t, err)
}
