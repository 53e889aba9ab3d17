package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, []string{"paper"}, cfg.Brokers.Priority)
}

func TestLoadMergesTOMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execgate.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "paper"
log_level = "debug"

[brokers]
priority = ["alpaca", "paper"]

[risk]
max_trade_value = 25000.0

[execution]
inter_chunk_delay = "500ms"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"alpaca", "paper"}, cfg.Brokers.Priority)
	assert.Equal(t, 25_000.0, cfg.Risk.MaxTradeValue)
	assert.Equal(t, 500*time.Millisecond, cfg.Execution.InterChunkDelay.Duration)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.15, cfg.Risk.MaxPositionPct)
	assert.Equal(t, 10_000.0, cfg.Execution.MaxChunkSize)
}

func TestEnvOverridesWinOverTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execgate.toml")
	require.NoError(t, os.WriteFile(path, []byte(`log_level = "info"`), 0o600))

	t.Setenv("EXECGATE_LOG_LEVEL", "warn")
	t.Setenv("EXECGATE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("EXECGATE_BROKERS_PRIORITY", "schwab, paper")
	t.Setenv("EXECGATE_TRADING_LOCK_TTL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"schwab", "paper"}, cfg.Brokers.Priority)
	assert.Equal(t, 90*time.Second, cfg.Trading.LockTTL.Duration)
}

func TestValidateRejectsLiveWithoutFlag(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Brokers.Priority = []string{"alpaca"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live_trading")
	assert.Contains(t, err.Error(), "secrets")
}

func TestValidateRejectsUnknownBroker(t *testing.T) {
	cfg := Defaults()
	cfg.Brokers.Priority = []string{"robinhood"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown broker")
}

func TestValidateCollectsMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "flying"
	cfg.Risk.MaxPositionPct = 2.0
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "max_position_pct")
	assert.Contains(t, err.Error(), "redis")
}

func TestValidateArchiveRequiresBucket(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "archive"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Redis.Password = "hunter3"
	cfg.S3.SecretKey = "hunter4"
	cfg.Secrets.Password = "hunter5"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Secrets.Password)
	// The original is untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)

	// Mutating the redacted priority slice must not leak back.
	red.Brokers.Priority[0] = "mutated"
	assert.Equal(t, "paper", cfg.Brokers.Priority[0])
}
