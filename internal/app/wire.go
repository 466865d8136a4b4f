package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/signaltrader/internal/blob/s3"
	"github.com/alanyoungcy/signaltrader/internal/cache/redis"
	"github.com/alanyoungcy/signaltrader/internal/config"
	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/alanyoungcy/signaltrader/internal/notify"
	"github.com/alanyoungcy/signaltrader/internal/platform/lbank"
	"github.com/alanyoungcy/signaltrader/internal/server/handler"
	"github.com/alanyoungcy/signaltrader/internal/service"
	"github.com/alanyoungcy/signaltrader/internal/store/postgres"
)

// Dependencies bundles the concrete infrastructure the modes run on. It is
// built by Wire and released by the returned cleanup function.
type Dependencies struct {
	// Stores
	Signals   domain.SignalStore
	Updates   domain.SignalUpdateStore
	Positions domain.PositionStore
	Orders    domain.OrderStore
	Audit     domain.AuditStore
	Processed domain.ProcessedStore

	// Redis
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Cursor      domain.StreamCursor

	// Exchange is nil when no credentials are available (dry run or monitor).
	Exchange service.Exchange

	// Blob storage, nil unless archiving is enabled.
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier

	// HealthChecks probe each connected backend for /api/health.
	HealthChecks map[string]handler.HealthCheck
}

// Wire connects to Postgres, Redis, the exchange and S3 as the config asks.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	stores := pgClient.Stores()
	deps.Signals = stores.Signals
	deps.Updates = stores.Updates
	deps.Positions = stores.Positions
	deps.Orders = stores.Orders
	deps.Audit = stores.Audit
	deps.Processed = stores.Processed
	deps.HealthChecks["postgres"] = func(ctx context.Context) error { return pgClient.Pool().Ping(ctx) }

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	limiter := redis.NewRateLimiter(redisClient)
	window := cfg.Exchange.RateLimitWindow.Duration
	limiter.SetLimit(lbank.LimiterKeyPublic, redis.Limit{Requests: cfg.Exchange.RateLimitPublic, Window: window})
	limiter.SetLimit(lbank.LimiterKeyPrivate, redis.Limit{Requests: cfg.Exchange.RateLimitPrivate, Window: window})
	deps.RateLimiter = limiter
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Cursor = redis.NewStreamCursor(redisClient)
	deps.HealthChecks["redis"] = redisClient.Ping

	// --- Exchange ---
	if cfg.NeedsExchange() {
		secret, err := cfg.ExchangeSecret()
		switch {
		case err == nil && cfg.Exchange.APIKey != "":
			deps.Exchange = lbank.NewClient(lbank.Config{
				BaseURL:         cfg.Exchange.BaseURL,
				APIKey:          cfg.Exchange.APIKey,
				SecretKey:       secret,
				SignatureMethod: cfg.Exchange.SignatureMethod,
				ProductGroup:    cfg.Exchange.ProductGroup,
				Timeout:         cfg.Exchange.Timeout.Duration,
				Retry: lbank.Backoff{
					MaxAttempts: cfg.Exchange.RetryAttempts,
					BaseDelay:   cfg.Exchange.RetryBaseDelay.Duration,
					MaxDelay:    cfg.Exchange.RetryMaxDelay.Duration,
				},
			}, limiter)
		case cfg.Trading.DryRun:
			logger.Warn("exchange credentials unavailable; dry run continues without an exchange client")
		case err != nil:
			return fail("exchange secret", err)
		default:
			return fail("exchange", fmt.Errorf("api_key is empty"))
		}
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.Signals, deps.Positions, deps.Orders, deps.Audit,
		)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.TitlePrefix, logger)

	return deps, cleanup, nil
}

// managerConfig maps the trading section onto the position manager config.
func managerConfig(cfg *config.Config) (service.ManagerConfig, error) {
	mt, err := domain.ParseMarginType(strings.ToLower(cfg.Trading.DefaultMarginType))
	if err != nil {
		return service.ManagerConfig{}, err
	}
	return service.ManagerConfig{
		DefaultRiskPercent:  cfg.Trading.DefaultRiskPercent,
		DefaultLeverage:     cfg.Trading.DefaultLeverage,
		DefaultMarginType:   mt,
		MaxOpenPositions:    cfg.Trading.MaxOpenPositions,
		DefaultClosePercent: cfg.Trading.DefaultClosePercent,
		LockTTL:             cfg.Trading.LockTTL.Duration,
		LockWait:            cfg.Trading.LockWait.Duration,
		CapacityLockTTL:     cfg.Trading.CapacityLockTTL.Duration,
		DryRun:              cfg.Trading.DryRun,
	}, nil
}
