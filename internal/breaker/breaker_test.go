package breaker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/execgate/internal/domain"
)

func testBreaker(t *testing.T) (*CircuitBreaker, *time.Time) {
	t.Helper()
	cb := New(Config{
		CautiousAfter:    1,
		RestrictedAfter:  2,
		FailureThreshold: 3,
		RetryInterval:    5 * time.Minute,
		CautiousSizing:   0.75,
		RestrictedSizing: 0.5,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestThirdConsecutiveFailureOpensScope(t *testing.T) {
	cb, _ := testBreaker(t)

	assert.False(t, cb.RecordFailure("AAPL"))
	allowed, status := cb.Check("AAPL")
	assert.True(t, allowed)
	assert.Equal(t, domain.BreakerCautious, status)
	assert.Equal(t, 0.75, cb.PositionSizing("AAPL"))

	assert.False(t, cb.RecordFailure("AAPL"))
	allowed, status = cb.Check("AAPL")
	assert.True(t, allowed)
	assert.Equal(t, domain.BreakerRestricted, status)
	assert.Equal(t, 0.5, cb.PositionSizing("AAPL"))

	assert.True(t, cb.RecordFailure("AAPL"))
	allowed, status = cb.Check("AAPL")
	assert.False(t, allowed)
	assert.Equal(t, domain.BreakerOpen, status)
}

func TestHalfOpenProbeAfterRetryInterval(t *testing.T) {
	cb, now := testBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordFailure("TSLA")
	}

	// Before the retry interval elapses the scope stays halted.
	*now = now.Add(time.Minute)
	allowed, _ := cb.Check("TSLA")
	require.False(t, allowed)

	// After the interval exactly one probe is allowed.
	*now = now.Add(5 * time.Minute)
	allowed, _ = cb.Check("TSLA")
	assert.True(t, allowed)
	allowed, _ = cb.Check("TSLA")
	assert.False(t, allowed, "only one probe per retry interval")
}

func TestProbeSuccessClosesScope(t *testing.T) {
	cb, now := testBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordFailure("NVDA")
	}
	*now = now.Add(6 * time.Minute)
	allowed, _ := cb.Check("NVDA")
	require.True(t, allowed)

	cb.RecordSuccess("NVDA")
	allowed, status := cb.Check("NVDA")
	assert.True(t, allowed)
	assert.Equal(t, domain.BreakerClosed, status)
	assert.Equal(t, 1.0, cb.PositionSizing("NVDA"))
	assert.Zero(t, cb.State("NVDA").Failures)
}

func TestProbeFailureReTrips(t *testing.T) {
	cb, now := testBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordFailure("MSFT")
	}
	*now = now.Add(6 * time.Minute)
	allowed, _ := cb.Check("MSFT")
	require.True(t, allowed)

	cb.RecordFailure("MSFT")

	// Re-tripped: the interval restarts from the failed probe.
	*now = now.Add(time.Minute)
	allowed, _ = cb.Check("MSFT")
	assert.False(t, allowed)

	*now = now.Add(5 * time.Minute)
	allowed, _ = cb.Check("MSFT")
	assert.True(t, allowed)
}

func TestScopesAreIndependent(t *testing.T) {
	cb, _ := testBreaker(t)

	cb.Trip(domain.TripTypeManual, "operator halt", "AAPL")

	allowed, _ := cb.Check("AAPL")
	assert.False(t, allowed)

	allowed, status := cb.Check("TSLA")
	assert.True(t, allowed)
	assert.Equal(t, domain.BreakerClosed, status)

	allowed, _ = cb.Check(GlobalScope)
	assert.True(t, allowed)
}

func TestVolatilityBands(t *testing.T) {
	cb, _ := testBreaker(t)

	cb.SetVolatility("SPY", domain.VolatilityElevated)
	_, status := cb.Check("SPY")
	assert.Equal(t, domain.BreakerCautious, status)

	cb.SetVolatility("SPY", domain.VolatilityExtreme)
	allowed, status := cb.Check("SPY")
	assert.False(t, allowed)
	assert.Equal(t, domain.BreakerOpen, status)

	// Normal volatility lifts a volatility-induced halt.
	cb.SetVolatility("SPY", domain.VolatilityNormal)
	allowed, status = cb.Check("SPY")
	assert.True(t, allowed)
	assert.Equal(t, domain.BreakerClosed, status)
}

func TestVolatilityDoesNotMaskFailureState(t *testing.T) {
	cb, _ := testBreaker(t)

	cb.RecordFailure("AMD")
	cb.SetVolatility("AMD", domain.VolatilityNormal)

	_, status := cb.Check("AMD")
	assert.Equal(t, domain.BreakerCautious, status, "failure-derived state survives a normal volatility signal")
}

func TestStateSnapshot(t *testing.T) {
	cb, _ := testBreaker(t)

	cb.Trip(domain.TripTypeVolatility, "extreme volatility", "QQQ")
	st := cb.State("QQQ")
	assert.Equal(t, domain.BreakerOpen, st.Status)
	assert.Equal(t, "extreme volatility", st.TripReason)
	require.NotNil(t, st.TrippedAt)
	assert.Equal(t, 0.5, st.SizingFactor)
}
