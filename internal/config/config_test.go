package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signaltrader/internal/crypto"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Exchange.APIKey = "key"
	cfg.Exchange.SecretKey = "secret"
	return cfg
}

func TestDefaultsWithCredentialsValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "scalp"
	cfg.Trading.DefaultRiskPercent = 0
	cfg.Trading.DefaultMarginType = "portfolio"
	cfg.Archive.Enabled = true
	cfg.Archive.Cron = "0 3"
	cfg.Notify.TelegramToken = "t"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "scalp"`,
		"default_risk_percent",
		"default_margin_type",
		"archive: cron",
		"telegram_token and telegram_chat_id",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateCredentialsPerMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = ModeMonitor
	assert.NoError(t, cfg.Validate(), "monitor mode needs no exchange credentials")

	cfg.Mode = ModeTrade
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange: api_key is required")

	cfg.Trading.DryRun = true
	assert.NoError(t, cfg.Validate(), "dry run never calls the exchange")
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "workers"

[trading]
default_leverage = 12
lock_ttl = "45s"

[workers]
pnl_interval = "2m"
`), 0o600))

	t.Setenv("SIGNALTRADER_TRADING_MAX_OPEN_POSITIONS", "9")
	t.Setenv("SIGNALTRADER_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SIGNALTRADER_TRADING_DRY_RUN", "true")
	t.Setenv("SIGNALTRADER_REDIS_DB", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeWorkers, cfg.Mode)
	assert.Equal(t, 12, cfg.Trading.DefaultLeverage)
	assert.Equal(t, 45*time.Second, cfg.Trading.LockTTL.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Workers.PnLInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Workers.ReconcileInterval.Duration)
	assert.Equal(t, 9, cfg.Trading.MaxOpenPositions)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Trading.DryRun)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Ingest.Stream, cfg.Ingest.Stream)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = "), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pw"
	cfg.Notify.Events = []string{"error"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Exchange.APIKey)
	assert.Equal(t, "***", out.Exchange.SecretKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Empty(t, out.Redis.Password)
	assert.Equal(t, "key", cfg.Exchange.APIKey)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "error", cfg.Notify.Events[0])
}

func TestExchangeSecretFromEncryptedFile(t *testing.T) {
	blob, err := crypto.EncryptSecret("s3cr3t", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	cfg := Defaults()
	cfg.Exchange.EncryptedSecretPath = path
	cfg.Exchange.SecretPassword = "pw"
	secret, err := cfg.ExchangeSecret()
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", secret)
}
