package broker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthyUntilThreshold(t *testing.T) {
	ht := NewHealthTracker(3, time.Minute, discardLogger())

	ht.MarkFailure("alpaca")
	ht.MarkFailure("alpaca")
	assert.True(t, ht.Healthy("alpaca"))

	ht.MarkFailure("alpaca")
	assert.False(t, ht.Healthy("alpaca"))
}

func TestSuccessResetsFailures(t *testing.T) {
	ht := NewHealthTracker(3, time.Minute, discardLogger())

	ht.MarkFailure("alpaca")
	ht.MarkFailure("alpaca")
	ht.MarkSuccess("alpaca")
	ht.MarkFailure("alpaca")
	ht.MarkFailure("alpaca")

	assert.True(t, ht.Healthy("alpaca"), "counter should restart after a success")
}

func TestCoolDownAllowsRetry(t *testing.T) {
	ht := NewHealthTracker(1, 5*time.Minute, discardLogger())

	base := time.Now()
	ht.now = func() time.Time { return base }

	ht.MarkFailure("schwab")
	require.False(t, ht.Healthy("schwab"))

	ht.now = func() time.Time { return base.Add(5 * time.Minute) }
	assert.True(t, ht.Healthy("schwab"), "cool-down elapsed, broker is eligible again")

	snap := ht.Snapshot()
	assert.False(t, snap["schwab"].Healthy, "eligibility does not restore health")
	assert.Equal(t, 1, snap["schwab"].Failures)
}

func TestBrokersTrackedIndependently(t *testing.T) {
	ht := NewHealthTracker(1, time.Minute, discardLogger())

	ht.MarkFailure("alpaca")
	assert.False(t, ht.Healthy("alpaca"))
	assert.True(t, ht.Healthy("schwab"))
}
