// Package config defines the top-level configuration for the execution
// gateway and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by EXECGATE_* environment
// variables.
type Config struct {
	Brokers   BrokersConfig   `toml:"brokers"`
	Risk      RiskConfig      `toml:"risk"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Execution ExecutionConfig `toml:"execution"`
	Trading   TradingConfig   `toml:"trading"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Secrets   SecretsConfig   `toml:"secrets"`

	// Mode selects what the process runs: "live" (full pipeline against the
	// configured brokers), "paper" (full pipeline against the simulated
	// broker) or "archive" (cold-storage archival only).
	Mode string `toml:"mode"`
	// Environment gates live trading: "development", "staging" or
	// "production".
	Environment string `toml:"environment"`
	LogLevel    string `toml:"log_level"`
}

// BrokersConfig holds the broker roster and per-broker connection settings.
type BrokersConfig struct {
	// Priority lists broker names in failover order, e.g. ["alpaca",
	// "schwab", "paper"].
	Priority []string `toml:"priority"`
	// LiveTrading must be explicitly set before any non-paper broker is
	// constructed outside development.
	LiveTrading bool `toml:"live_trading"`

	AlpacaBaseURL   string `toml:"alpaca_base_url"`
	AlpacaDataURL   string `toml:"alpaca_data_url"`
	AlpacaStreamURL string `toml:"alpaca_stream_url"`
	SchwabBaseURL   string `toml:"schwab_base_url"`

	PaperStartingCash float64 `toml:"paper_starting_cash"`
	PaperSlippagePct  float64 `toml:"paper_slippage_pct"`

	// Health tracker and failover retry tuning.
	FailureThreshold int      `toml:"failure_threshold"`
	CoolDown         duration `toml:"cool_down"`
	RetryMaxAttempts int      `toml:"retry_max_attempts"`
	RetryBaseDelay   duration `toml:"retry_base_delay"`
}

// RiskConfig holds pre-trade risk thresholds.
type RiskConfig struct {
	MaxPositionPct         float64 `toml:"max_position_pct"`
	ConcentrationThreshold float64 `toml:"concentration_threshold"`
	MaxTradeValue          float64 `toml:"max_trade_value"`
	MaxLeverage            float64 `toml:"max_leverage"`
	ConfirmationThreshold  float64 `toml:"confirmation_threshold"`
	MaxTradesPerDay        int     `toml:"max_trades_per_day"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	CautiousAfter    int      `toml:"cautious_after"`
	RestrictedAfter  int      `toml:"restricted_after"`
	FailureThreshold int      `toml:"failure_threshold"`
	RetryInterval    duration `toml:"retry_interval"`
	CautiousSizing   float64  `toml:"cautious_sizing"`
	RestrictedSizing float64  `toml:"restricted_sizing"`
}

// ExecutionConfig holds chunked execution parameters.
type ExecutionConfig struct {
	MaxChunkSize    float64  `toml:"max_chunk_size"`
	InterChunkDelay duration `toml:"inter_chunk_delay"`
	ChunkTimeout    duration `toml:"chunk_timeout"`
}

// TradingConfig holds orchestrator parameters.
type TradingConfig struct {
	OrdersPerMinute   int      `toml:"orders_per_minute"`
	LockTTL           duration `toml:"lock_ttl"`
	MaxQuantity       float64  `toml:"max_quantity"`
	MaxPrice          float64  `toml:"max_price"`
	PriceMaxAge       duration `toml:"price_max_age"`
	Workers           int      `toml:"workers"`
	ReconcileInterval duration `toml:"reconcile_interval"`
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

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// SecretsConfig points at the broker credential payload. The payload is a
// JSON object mapping broker name to credentials, stored encrypted on disk
// or injected raw in development.
type SecretsConfig struct {
	RawCredentials string `toml:"raw_credentials"`
	EncryptedPath  string `toml:"encrypted_path"`
	Password       string `toml:"password"`
}

// duration wraps time.Duration so TOML can decode strings like "5m" or
// "30s".
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

var validModes = map[string]bool{
	"live":    true,
	"paper":   true,
	"archive": true,
}

var validEnvironments = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var knownBrokers = map[string]bool{
	"alpaca": true,
	"schwab": true,
	"paper":  true,
}

// Defaults returns the built-in configuration. Values mirror the documented
// defaults; anything security-sensitive is left empty so it must be supplied
// explicitly.
func Defaults() Config {
	return Config{
		Mode:        "paper",
		Environment: "development",
		LogLevel:    "info",
		Brokers: BrokersConfig{
			Priority:          []string{"paper"},
			AlpacaBaseURL:     "https://paper-api.alpaca.markets",
			AlpacaDataURL:     "https://data.alpaca.markets",
			AlpacaStreamURL:   "wss://paper-api.alpaca.markets/stream",
			SchwabBaseURL:     "https://api.schwabapi.com/trader/v1",
			PaperStartingCash: 100_000,
			PaperSlippagePct:  0.0005,
			FailureThreshold:  3,
			CoolDown:          duration{5 * time.Minute},
			RetryMaxAttempts:  3,
			RetryBaseDelay:    duration{250 * time.Millisecond},
		},
		Risk: RiskConfig{
			MaxPositionPct:         0.15,
			ConcentrationThreshold: 0.25,
			MaxTradeValue:          50_000,
			MaxLeverage:            1.0,
			ConfirmationThreshold:  10_000,
			MaxTradesPerDay:        50,
		},
		Breaker: BreakerConfig{
			CautiousAfter:    1,
			RestrictedAfter:  2,
			FailureThreshold: 3,
			RetryInterval:    duration{5 * time.Minute},
			CautiousSizing:   0.5,
			RestrictedSizing: 0.25,
		},
		Execution: ExecutionConfig{
			MaxChunkSize:    10_000,
			InterChunkDelay: duration{2 * time.Second},
			ChunkTimeout:    duration{30 * time.Second},
		},
		Trading: TradingConfig{
			OrdersPerMinute:   60,
			LockTTL:           duration{5 * time.Minute},
			MaxQuantity:       1_000_000,
			MaxPrice:          1_000_000,
			PriceMaxAge:       duration{5 * time.Minute},
			Workers:           4,
			ReconcileInterval: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "execgate",
			User:          "execgate",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
	}
}

// Validate checks the configuration for consistency. It collects every
// problem rather than stopping at the first one.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, archive)", c.Mode))
	}
	if !validEnvironments[strings.ToLower(c.Environment)] {
		errs = append(errs, fmt.Sprintf("unknown environment %q (valid: development, staging, production)", c.Environment))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(c.Brokers.Priority) == 0 {
		errs = append(errs, "brokers: priority must list at least one broker")
	}
	for _, name := range c.Brokers.Priority {
		if !knownBrokers[name] {
			errs = append(errs, fmt.Sprintf("brokers: unknown broker %q (valid: alpaca, schwab, paper)", name))
		}
	}

	if c.Mode == "live" {
		if !c.Brokers.LiveTrading {
			errs = append(errs, "brokers: live_trading must be set explicitly for mode live")
		}
		needsCreds := false
		for _, name := range c.Brokers.Priority {
			if name != "paper" {
				needsCreds = true
			}
		}
		if needsCreds && c.Secrets.RawCredentials == "" && c.Secrets.EncryptedPath == "" {
			errs = append(errs, "secrets: raw_credentials or encrypted_path required for live brokers")
		}
		if c.Secrets.EncryptedPath != "" && c.Secrets.Password == "" {
			errs = append(errs, "secrets: password is required when encrypted_path is set")
		}
	}

	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		errs = append(errs, fmt.Sprintf("risk: max_position_pct must be in (0, 1], got %v", c.Risk.MaxPositionPct))
	}
	if c.Risk.MaxTradeValue <= 0 {
		errs = append(errs, "risk: max_trade_value must be positive")
	}
	if c.Risk.MaxLeverage <= 0 {
		errs = append(errs, "risk: max_leverage must be positive")
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		errs = append(errs, "risk: max_trades_per_day must be positive")
	}

	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker: failure_threshold must be positive")
	}
	if c.Breaker.CautiousSizing <= 0 || c.Breaker.CautiousSizing > 1 {
		errs = append(errs, "breaker: cautious_sizing must be in (0, 1]")
	}
	if c.Breaker.RestrictedSizing <= 0 || c.Breaker.RestrictedSizing > 1 {
		errs = append(errs, "breaker: restricted_sizing must be in (0, 1]")
	}

	if c.Execution.MaxChunkSize <= 0 {
		errs = append(errs, "execution: max_chunk_size must be positive")
	}

	if c.Trading.Workers <= 0 {
		errs = append(errs, "trading: workers must be positive")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port %d out of range", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	if c.Mode == "archive" || c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when archiving is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region is required when archiving is enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			errs = append(errs, "archive: retention_days must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
