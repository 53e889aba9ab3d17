package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXECGATE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXECGATE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// Brokers
	setStringSlice(&cfg.Brokers.Priority, "EXECGATE_BROKERS_PRIORITY")
	setBool(&cfg.Brokers.LiveTrading, "EXECGATE_BROKERS_LIVE_TRADING")
	setStr(&cfg.Brokers.AlpacaBaseURL, "EXECGATE_BROKERS_ALPACA_BASE_URL")
	setStr(&cfg.Brokers.AlpacaDataURL, "EXECGATE_BROKERS_ALPACA_DATA_URL")
	setStr(&cfg.Brokers.AlpacaStreamURL, "EXECGATE_BROKERS_ALPACA_STREAM_URL")
	setStr(&cfg.Brokers.SchwabBaseURL, "EXECGATE_BROKERS_SCHWAB_BASE_URL")
	setFloat64(&cfg.Brokers.PaperStartingCash, "EXECGATE_BROKERS_PAPER_STARTING_CASH")
	setFloat64(&cfg.Brokers.PaperSlippagePct, "EXECGATE_BROKERS_PAPER_SLIPPAGE_PCT")
	setInt(&cfg.Brokers.FailureThreshold, "EXECGATE_BROKERS_FAILURE_THRESHOLD")
	setDuration(&cfg.Brokers.CoolDown, "EXECGATE_BROKERS_COOL_DOWN")

	// Risk
	setFloat64(&cfg.Risk.MaxPositionPct, "EXECGATE_RISK_MAX_POSITION_PCT")
	setFloat64(&cfg.Risk.ConcentrationThreshold, "EXECGATE_RISK_CONCENTRATION_THRESHOLD")
	setFloat64(&cfg.Risk.MaxTradeValue, "EXECGATE_RISK_MAX_TRADE_VALUE")
	setFloat64(&cfg.Risk.MaxLeverage, "EXECGATE_RISK_MAX_LEVERAGE")
	setFloat64(&cfg.Risk.ConfirmationThreshold, "EXECGATE_RISK_CONFIRMATION_THRESHOLD")
	setInt(&cfg.Risk.MaxTradesPerDay, "EXECGATE_RISK_MAX_TRADES_PER_DAY")

	// Breaker
	setInt(&cfg.Breaker.CautiousAfter, "EXECGATE_BREAKER_CAUTIOUS_AFTER")
	setInt(&cfg.Breaker.RestrictedAfter, "EXECGATE_BREAKER_RESTRICTED_AFTER")
	setInt(&cfg.Breaker.FailureThreshold, "EXECGATE_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.RetryInterval, "EXECGATE_BREAKER_RETRY_INTERVAL")
	setFloat64(&cfg.Breaker.CautiousSizing, "EXECGATE_BREAKER_CAUTIOUS_SIZING")
	setFloat64(&cfg.Breaker.RestrictedSizing, "EXECGATE_BREAKER_RESTRICTED_SIZING")

	// Execution
	setFloat64(&cfg.Execution.MaxChunkSize, "EXECGATE_EXECUTION_MAX_CHUNK_SIZE")
	setDuration(&cfg.Execution.InterChunkDelay, "EXECGATE_EXECUTION_INTER_CHUNK_DELAY")
	setDuration(&cfg.Execution.ChunkTimeout, "EXECGATE_EXECUTION_CHUNK_TIMEOUT")

	// Trading
	setInt(&cfg.Trading.OrdersPerMinute, "EXECGATE_TRADING_ORDERS_PER_MINUTE")
	setDuration(&cfg.Trading.LockTTL, "EXECGATE_TRADING_LOCK_TTL")
	setFloat64(&cfg.Trading.MaxQuantity, "EXECGATE_TRADING_MAX_QUANTITY")
	setFloat64(&cfg.Trading.MaxPrice, "EXECGATE_TRADING_MAX_PRICE")
	setDuration(&cfg.Trading.PriceMaxAge, "EXECGATE_TRADING_PRICE_MAX_AGE")
	setInt(&cfg.Trading.Workers, "EXECGATE_TRADING_WORKERS")
	setDuration(&cfg.Trading.ReconcileInterval, "EXECGATE_TRADING_RECONCILE_INTERVAL")

	// Postgres
	setStr(&cfg.Postgres.DSN, "EXECGATE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXECGATE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXECGATE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXECGATE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXECGATE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXECGATE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXECGATE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXECGATE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXECGATE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXECGATE_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.Addr, "EXECGATE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXECGATE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXECGATE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXECGATE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXECGATE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXECGATE_REDIS_TLS_ENABLED")

	// S3
	setStr(&cfg.S3.Endpoint, "EXECGATE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXECGATE_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXECGATE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXECGATE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXECGATE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXECGATE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXECGATE_S3_FORCE_PATH_STYLE")

	// Archive
	setBool(&cfg.Archive.Enabled, "EXECGATE_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "EXECGATE_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "EXECGATE_ARCHIVE_INTERVAL")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "EXECGATE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXECGATE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXECGATE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXECGATE_NOTIFY_EVENTS")

	// Secrets
	setStr(&cfg.Secrets.RawCredentials, "EXECGATE_SECRETS_RAW_CREDENTIALS")
	setStr(&cfg.Secrets.EncryptedPath, "EXECGATE_SECRETS_ENCRYPTED_PATH")
	setStr(&cfg.Secrets.Password, "EXECGATE_SECRETS_PASSWORD")

	// Top-level
	setStr(&cfg.Mode, "EXECGATE_MODE")
	setStr(&cfg.Environment, "EXECGATE_ENVIRONMENT")
	setStr(&cfg.LogLevel, "EXECGATE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
