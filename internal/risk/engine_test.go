package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/execgate/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		MaxPositionPct:         0.15,
		ConcentrationThreshold: 0.25,
		MaxTradeValue:          50_000,
		MaxLeverage:            1.0,
		ConfirmationThreshold:  10_000,
		MaxTradesPerDay:        50,
	}
}

func newEngine(t *testing.T, cfg Config, vol VolatilityFunc) *Engine {
	t.Helper()
	e := NewEngine(cfg, vol, discardLogger())
	e.now = func() time.Time { return time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC) }
	return e
}

func buyRequest(symbol string, qty float64) domain.OrderRequest {
	return domain.OrderRequest{
		ID:       "req-1",
		Symbol:   symbol,
		Side:     domain.OrderSideBuy,
		Kind:     domain.OrderKindMarket,
		Quantity: qty,
	}
}

func TestAssessApprovesSmallTrade(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	snapshot := domain.PortfolioSnapshot{
		Cash:       50_000,
		TotalValue: 100_000,
		Holdings: map[string]domain.Holding{
			"AAPL": {Symbol: "AAPL", Quantity: 50, MarketValue: 5_000},
		},
	}

	a := e.Assess(context.Background(), buyRequest("AAPL", 10), snapshot, 100)

	assert.Equal(t, domain.RiskResultApproved, a.Result)
	assert.Equal(t, domain.RiskLevelLow, a.Level)
	assert.Empty(t, a.Violations)
	assert.Empty(t, a.Warnings)
	assert.True(t, a.Approved())
}

func TestAssessRejectsOversizedPosition(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	snapshot := domain.PortfolioSnapshot{
		Cash:       50_000,
		TotalValue: 100_000,
		Holdings: map[string]domain.Holding{
			"AAPL": {Symbol: "AAPL", Quantity: 50, MarketValue: 5_000},
		},
	}

	// 150 @ 100 raises the AAPL position to 20% of a portfolio capped at 15%.
	a := e.Assess(context.Background(), buyRequest("AAPL", 150), snapshot, 100)

	require.Equal(t, domain.RiskResultRejected, a.Result)
	require.NotEmpty(t, a.Violations)
	assert.Contains(t, a.Violations[0], "position in AAPL")
	assert.Greater(t, a.MaxQuantity, 0.0)
	assert.Less(t, a.MaxQuantity, 150.0)
	assert.False(t, a.Approved())
}

func TestAssessFailsClosedWithoutReferencePrice(t *testing.T) {
	e := newEngine(t, testConfig(), nil)

	a := e.Assess(context.Background(), buyRequest("AAPL", 10), domain.PortfolioSnapshot{TotalValue: 100_000}, 0)

	assert.Equal(t, domain.RiskResultRejected, a.Result)
	assert.Equal(t, domain.RiskLevelCritical, a.Level)
	require.NotEmpty(t, a.Violations)
}

func TestAssessFailsClosedOnVolatilityError(t *testing.T) {
	vol := func(context.Context, string) (float64, error) {
		return 0, errors.New("signal source unavailable")
	}
	e := newEngine(t, testConfig(), vol)

	a := e.Assess(context.Background(), buyRequest("AAPL", 10), domain.PortfolioSnapshot{
		Cash: 50_000, TotalValue: 100_000,
	}, 100)

	assert.Equal(t, domain.RiskResultRejected, a.Result)
	assert.Equal(t, domain.RiskLevelCritical, a.Level)
}

func TestAssessRejectsAtDailyTradeCap(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	snapshot := domain.PortfolioSnapshot{
		Cash:        50_000,
		TotalValue:  100_000,
		TradesToday: 50,
	}

	a := e.Assess(context.Background(), buyRequest("MSFT", 10), snapshot, 100)

	require.Equal(t, domain.RiskResultRejected, a.Result)
	assert.Contains(t, a.Violations[0], "daily trade cap")
}

func TestAssessWarnsAboveConfirmationThreshold(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	snapshot := domain.PortfolioSnapshot{
		Cash:       50_000,
		TotalValue: 100_000,
	}

	// 11,000 notional is above the 10,000 confirmation threshold but binds
	// nothing else; the overall score stays low, so this is a plain warning.
	a := e.Assess(context.Background(), buyRequest("MSFT", 110), snapshot, 100)

	assert.Equal(t, domain.RiskResultWarning, a.Result)
	require.NotEmpty(t, a.Warnings)
	assert.Empty(t, a.Violations)
}

func TestAssessEscalatesToConfirmationWhenScoreHigh(t *testing.T) {
	cfg := Config{
		MaxPositionPct:         1.0,
		ConcentrationThreshold: 0.25,
		MaxTradeValue:          20_000,
		MaxLeverage:            1.0,
		ConfirmationThreshold:  5_000,
		MaxTradesPerDay:        50,
	}
	vol := func(context.Context, string) (float64, error) { return 1, nil }
	e := newEngine(t, cfg, vol)

	snapshot := domain.PortfolioSnapshot{
		Cash:       20_000,
		TotalValue: 100_000,
		Holdings: map[string]domain.Holding{
			"AAPL": {Symbol: "AAPL", Quantity: 800, MarketValue: 80_000},
		},
	}

	a := e.Assess(context.Background(), buyRequest("AAPL", 190), snapshot, 100)

	assert.Equal(t, domain.RiskResultRequiresConfirmation, a.Result)
	assert.Empty(t, a.Violations)
	require.NotEmpty(t, a.Warnings)
	assert.Greater(t, a.Score, 0.7)
	assert.False(t, a.Approved())
}

func TestAssessRejectsLeverageBreach(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	snapshot := domain.PortfolioSnapshot{
		Cash:       5_000,
		TotalValue: 200_000,
	}

	a := e.Assess(context.Background(), buyRequest("MSFT", 100), snapshot, 100)

	require.Equal(t, domain.RiskResultRejected, a.Result)
	assert.Contains(t, a.Violations[0], "leverage")
	assert.Equal(t, 50.0, a.MaxQuantity)
}

func TestAssessIsDeterministic(t *testing.T) {
	vol := func(context.Context, string) (float64, error) { return 0.4, nil }
	e := newEngine(t, testConfig(), vol)
	snapshot := domain.PortfolioSnapshot{
		Cash:       50_000,
		TotalValue: 100_000,
		Holdings: map[string]domain.Holding{
			"AAPL": {Symbol: "AAPL", Quantity: 50, MarketValue: 5_000},
			"MSFT": {Symbol: "MSFT", Quantity: 20, MarketValue: 8_000},
		},
		TradesToday: 3,
	}
	req := buyRequest("AAPL", 120)

	first := e.Assess(context.Background(), req, snapshot, 100)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Assess(context.Background(), req, snapshot, 100))
	}
}

func TestSellSideSkipsBuyConstraints(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	snapshot := domain.PortfolioSnapshot{
		Cash:       0,
		TotalValue: 100_000,
		Holdings: map[string]domain.Holding{
			"AAPL": {Symbol: "AAPL", Quantity: 500, MarketValue: 50_000},
		},
	}

	a := e.Assess(context.Background(), domain.OrderRequest{
		ID:       "req-2",
		Symbol:   "AAPL",
		Side:     domain.OrderSideSell,
		Kind:     domain.OrderKindMarket,
		Quantity: 50,
	}, snapshot, 100)

	assert.Empty(t, a.Violations, "a sell with zero cash must not trip leverage or position size")
}
