// Package config defines the signaltrader configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and are then
// optionally overridden by SIGNALTRADER_* environment variables.
type Config struct {
	Exchange ExchangeConfig `toml:"exchange"`
	Trading  TradingConfig  `toml:"trading"`
	Workers  WorkersConfig  `toml:"workers"`
	Ingest   IngestConfig   `toml:"ingest"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ExchangeConfig holds the LBank contract API endpoint and credentials.
type ExchangeConfig struct {
	BaseURL             string   `toml:"base_url"`
	APIKey              string   `toml:"api_key"`
	SecretKey           string   `toml:"secret_key"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	SignatureMethod     string   `toml:"signature_method"`
	ProductGroup        string   `toml:"product_group"`
	Timeout             duration `toml:"timeout"`
	RetryAttempts       int      `toml:"retry_attempts"`
	RetryBaseDelay      duration `toml:"retry_base_delay"`
	RetryMaxDelay       duration `toml:"retry_max_delay"`
	// RateLimitPublic / RateLimitPrivate are requests per RateLimitWindow.
	RateLimitPublic  int      `toml:"rate_limit_public"`
	RateLimitPrivate int      `toml:"rate_limit_private"`
	RateLimitWindow  duration `toml:"rate_limit_window"`
}

// TradingConfig holds the position manager defaults.
type TradingConfig struct {
	DefaultRiskPercent  float64  `toml:"default_risk_percent"`
	DefaultLeverage     int      `toml:"default_leverage"`
	DefaultMarginType   string   `toml:"default_margin_type"`
	MaxOpenPositions    int      `toml:"max_open_positions"`
	DefaultClosePercent int      `toml:"default_close_percent"`
	DryRun              bool     `toml:"dry_run"`
	LockTTL             duration `toml:"lock_ttl"`
	LockWait            duration `toml:"lock_wait"`
	CapacityLockTTL     duration `toml:"capacity_lock_ttl"`
	HandleTimeout       duration `toml:"handle_timeout"`
	DedupTTL            duration `toml:"dedup_ttl"`
}

// WorkersConfig holds the reconcile and PnL sweep schedule.
type WorkersConfig struct {
	Enabled           bool     `toml:"enabled"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	PnLInterval       duration `toml:"pnl_interval"`
}

// IngestConfig describes the Redis stream the parsed events arrive on.
type IngestConfig struct {
	Stream       string   `toml:"stream"`
	// StartID is only used until a consumed position has been stored in
	// Redis under ingest:<stream>:last_id.
	StartID      string   `toml:"start_id"`
	BatchSize    int      `toml:"batch_size"`
	PollInterval duration `toml:"poll_interval"`
	QueueSize    int      `toml:"queue_size"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the cold-storage export.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	TitlePrefix       string   `toml:"title_prefix"`
}

// duration wraps time.Duration so TOML strings like "30s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when a key is absent from the file.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:          "https://lbkperp.lbank.com",
			SignatureMethod:  "HmacSHA256",
			ProductGroup:     "SwapU",
			Timeout:          duration{30 * time.Second},
			RetryAttempts:    3,
			RetryBaseDelay:   duration{500 * time.Millisecond},
			RetryMaxDelay:    duration{5 * time.Second},
			RateLimitPublic:  20,
			RateLimitPrivate: 10,
			RateLimitWindow:  duration{time.Second},
		},
		Trading: TradingConfig{
			DefaultRiskPercent:  1.0,
			DefaultLeverage:     8,
			DefaultMarginType:   "isolated",
			MaxOpenPositions:    5,
			DefaultClosePercent: 50,
			LockTTL:             duration{30 * time.Second},
			LockWait:            duration{10 * time.Second},
			CapacityLockTTL:     duration{2 * time.Minute},
			HandleTimeout:       duration{2 * time.Minute},
			DedupTTL:            duration{24 * time.Hour},
		},
		Workers: WorkersConfig{
			Enabled:           true,
			ReconcileInterval: duration{30 * time.Second},
			PnLInterval:       duration{60 * time.Second},
		},
		Ingest: IngestConfig{
			Stream:       "signals:events",
			StartID:      "0-0",
			BatchSize:    50,
			PollInterval: duration{time.Second},
			QueueSize:    256,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "signaltrader",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "signaltrader:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "signaltrader-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"signal_active", "position_closed", "compensation", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Modes accepted by Config.Mode.
const (
	ModeTrade   = "trade"
	ModeWorkers = "workers"
	ModeMonitor = "monitor"
	ModeFull    = "full"
)

var validModes = map[string]bool{ModeTrade: true, ModeWorkers: true, ModeMonitor: true, ModeFull: true}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// NeedsExchange reports whether the mode calls the exchange.
func (c *Config) NeedsExchange() bool {
	m := strings.ToLower(c.Mode)
	return m == ModeTrade || m == ModeWorkers || m == ModeFull
}

// Validate checks the whole config and returns one error listing every
// problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: trade, workers, monitor, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Exchange credentials are only needed where orders or account reads happen.
	if c.NeedsExchange() && !c.Trading.DryRun {
		if c.Exchange.APIKey == "" {
			add("exchange: api_key is required for mode %s", c.Mode)
		}
		if c.Exchange.SecretKey == "" && c.Exchange.EncryptedSecretPath == "" {
			add("exchange: either secret_key or encrypted_secret_path must be set for mode %s", c.Mode)
		}
		if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
			add("exchange: secret_password is required when encrypted_secret_path is set")
		}
	}
	if c.Exchange.BaseURL == "" {
		add("exchange: base_url must not be empty")
	}
	if c.Exchange.SignatureMethod != "HmacSHA256" {
		add("exchange: signature_method must be HmacSHA256, got %q", c.Exchange.SignatureMethod)
	}
	if c.Exchange.RetryAttempts < 1 {
		add("exchange: retry_attempts must be >= 1")
	}

	if c.Trading.DefaultRiskPercent <= 0 || c.Trading.DefaultRiskPercent > 100 {
		add("trading: default_risk_percent must be in (0, 100], got %g", c.Trading.DefaultRiskPercent)
	}
	if c.Trading.DefaultLeverage < 1 {
		add("trading: default_leverage must be >= 1")
	}
	if m := strings.ToLower(c.Trading.DefaultMarginType); m != "isolated" && m != "cross" {
		add("trading: default_margin_type must be isolated or cross, got %q", c.Trading.DefaultMarginType)
	}
	if c.Trading.MaxOpenPositions < 1 {
		add("trading: max_open_positions must be >= 1")
	}
	if c.Trading.DefaultClosePercent <= 0 || c.Trading.DefaultClosePercent > 100 {
		add("trading: default_close_percent must be in (0, 100], got %d", c.Trading.DefaultClosePercent)
	}
	if c.Trading.LockTTL.Duration <= 0 {
		add("trading: lock_ttl must be > 0")
	}

	if c.Workers.Enabled {
		if c.Workers.ReconcileInterval.Duration <= 0 {
			add("workers: reconcile_interval must be > 0")
		}
		if c.Workers.PnLInterval.Duration <= 0 {
			add("workers: pnl_interval must be > 0")
		}
	}

	if c.Ingest.Stream == "" {
		add("ingest: stream must not be empty")
	}
	if c.Ingest.BatchSize < 1 {
		add("ingest: batch_size must be >= 1")
	}
	if c.Ingest.QueueSize < 1 {
		add("ingest: queue_size must be >= 1")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			add("archive: cron must have 5 fields, got %q", c.Archive.Cron)
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
