package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "SIGNALTRADER_"

// Load reads the TOML file at path over Defaults, loads .env when present and
// applies SIGNALTRADER_* overrides. A missing file is not an error, so a
// deployment may be configured from the environment alone. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// exchange
	setStr(&cfg.Exchange.BaseURL, "EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.APIKey, "EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.SecretKey, "EXCHANGE_SECRET_KEY")
	setStr(&cfg.Exchange.EncryptedSecretPath, "EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "EXCHANGE_SECRET_PASSWORD")
	setStr(&cfg.Exchange.ProductGroup, "EXCHANGE_PRODUCT_GROUP")
	setDuration(&cfg.Exchange.Timeout, "EXCHANGE_TIMEOUT")
	setInt(&cfg.Exchange.RetryAttempts, "EXCHANGE_RETRY_ATTEMPTS")
	setInt(&cfg.Exchange.RateLimitPublic, "EXCHANGE_RATE_LIMIT_PUBLIC")
	setInt(&cfg.Exchange.RateLimitPrivate, "EXCHANGE_RATE_LIMIT_PRIVATE")

	// trading
	setFloat64(&cfg.Trading.DefaultRiskPercent, "TRADING_DEFAULT_RISK_PERCENT")
	setInt(&cfg.Trading.DefaultLeverage, "TRADING_DEFAULT_LEVERAGE")
	setStr(&cfg.Trading.DefaultMarginType, "TRADING_DEFAULT_MARGIN_TYPE")
	setInt(&cfg.Trading.MaxOpenPositions, "TRADING_MAX_OPEN_POSITIONS")
	setInt(&cfg.Trading.DefaultClosePercent, "TRADING_DEFAULT_CLOSE_PERCENT")
	setBool(&cfg.Trading.DryRun, "TRADING_DRY_RUN")
	setDuration(&cfg.Trading.LockTTL, "TRADING_LOCK_TTL")

	// workers
	setBool(&cfg.Workers.Enabled, "WORKERS_ENABLED")
	setDuration(&cfg.Workers.ReconcileInterval, "WORKERS_RECONCILE_INTERVAL")
	setDuration(&cfg.Workers.PnLInterval, "WORKERS_PNL_INTERVAL")

	// ingest
	setStr(&cfg.Ingest.Stream, "INGEST_STREAM")
	setStr(&cfg.Ingest.StartID, "INGEST_START_ID")
	setInt(&cfg.Ingest.BatchSize, "INGEST_BATCH_SIZE")
	setDuration(&cfg.Ingest.PollInterval, "INGEST_POLL_INTERVAL")
	setInt(&cfg.Ingest.QueueSize, "INGEST_QUEUE_SIZE")

	// postgres
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// redis
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// s3 and archive
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "ARCHIVE_CRON")

	// server
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	// notify
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
	setStr(&cfg.Notify.TitlePrefix, "NOTIFY_TITLE_PREFIX")

	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// The set* helpers only touch dst when SIGNALTRADER_<key> is set, non-empty
// and parses.

func lookup(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if n, err := strconv.Atoi(lookup(key)); err == nil {
		*dst = n
	}
}

func setFloat64(dst *float64, key string) {
	if f, err := strconv.ParseFloat(lookup(key), 64); err == nil {
		*dst = f
	}
}

func setBool(dst *bool, key string) {
	if b, err := strconv.ParseBool(lookup(key)); err == nil {
		*dst = b
	}
}

func setDuration(dst *duration, key string) {
	if d, err := time.ParseDuration(lookup(key)); err == nil {
		dst.Duration = d
	}
}

func setStringSlice(dst *[]string, key string) {
	v := lookup(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
