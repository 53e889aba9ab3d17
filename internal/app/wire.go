package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	s3blob "github.com/quantfabric/execgate/internal/blob/s3"
	"github.com/quantfabric/execgate/internal/broker"
	"github.com/quantfabric/execgate/internal/cache/redis"
	"github.com/quantfabric/execgate/internal/config"
	"github.com/quantfabric/execgate/internal/crypto"
	"github.com/quantfabric/execgate/internal/domain"
	"github.com/quantfabric/execgate/internal/notify"
	"github.com/quantfabric/execgate/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	OrderStore domain.OrderStore
	FillStore  domain.FillStore
	AuditStore domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Brokers. Broker is the failover-wrapped client the pipeline talks to;
	// Stream is the push channel for order-state updates and is nil when the
	// roster has no streaming backend.
	Broker broker.Client
	Health *broker.HealthTracker
	Stream *broker.AlpacaStream

	// Notifications
	Notifier *notify.Notifier
}

// needsBrokers returns true for modes that place orders.
func needsBrokers(mode string) bool {
	return mode == "live" || mode == "paper"
}

// needsRedis returns true for modes that use the hot-path caches.
func needsRedis(mode string) bool {
	return mode == "live" || mode == "paper"
}

// needsS3 reports whether object storage must be wired: always in archive
// mode, and in the pipeline modes when inline archival is enabled.
func needsS3(cfg *config.Config) bool {
	return cfg.Mode == "archive" || cfg.Archive.Enabled
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (every mode persists or reads orders) ---
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
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.OrderStore = postgres.NewOrderStore(pool)
	deps.FillStore = postgres.NewFillStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	if needsRedis(cfg.Mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	// --- S3 blob storage ---
	if needsS3(cfg) {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			postgres.NewOrderStore(pool),
			postgres.NewFillStore(pool),
			deps.AuditStore,
		)
	}

	// --- Brokers ---
	if needsBrokers(cfg.Mode) {
		roster := cfg.Brokers.Priority
		if cfg.Mode == "paper" {
			roster = []string{"paper"}
		}

		creds, err := loadCredentials(cfg.Secrets, roster)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: broker credentials: %w", err)
		}

		factory := broker.NewFactory(broker.FactoryConfig{
			Environment:       cfg.Environment,
			LiveTrading:       cfg.Brokers.LiveTrading,
			AlpacaBaseURL:     cfg.Brokers.AlpacaBaseURL,
			AlpacaDataURL:     cfg.Brokers.AlpacaDataURL,
			SchwabBaseURL:     cfg.Brokers.SchwabBaseURL,
			PaperStartingCash: cfg.Brokers.PaperStartingCash,
			PaperSlippagePct:  cfg.Brokers.PaperSlippagePct,
		}, creds, logger)

		clients, err := factory.CreateAll(roster)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: brokers: %w", err)
		}

		deps.Health = broker.NewHealthTracker(
			cfg.Brokers.FailureThreshold,
			cfg.Brokers.CoolDown.Duration,
			logger,
		)
		retry := broker.RetryPolicy{
			MaxAttempts: cfg.Brokers.RetryMaxAttempts,
			BaseDelay:   cfg.Brokers.RetryBaseDelay.Duration,
		}
		if retry.MaxAttempts <= 0 {
			retry = broker.DefaultRetryPolicy()
		}
		deps.Broker = broker.NewResilientBroker(clients, deps.Health, retry, logger)

		// Push-stream order updates; only live mode with Alpaca in the
		// roster has a streaming backend.
		if cfg.Mode == "live" && contains(roster, "alpaca") {
			if ac, ok := creds["alpaca"]; ok {
				deps.Stream = broker.NewAlpacaStream(
					cfg.Brokers.AlpacaStreamURL, ac.APIKey, ac.APISecret, logger,
				)
			}
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// loadCredentials decodes the broker credential payload. A roster consisting
// solely of the paper broker needs no secrets at all.
func loadCredentials(cfg config.SecretsConfig, roster []string) (map[string]broker.Credentials, error) {
	allPaper := true
	for _, name := range roster {
		if name != "paper" {
			allPaper = false
			break
		}
	}
	if allPaper && cfg.RawCredentials == "" && cfg.EncryptedPath == "" {
		return map[string]broker.Credentials{}, nil
	}

	payload, err := crypto.LoadSecrets(crypto.SecretsConfig{
		RawSecrets:    cfg.RawCredentials,
		EncryptedPath: cfg.EncryptedPath,
		Password:      cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	var creds map[string]broker.Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
