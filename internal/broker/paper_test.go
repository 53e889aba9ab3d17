package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/execgate/internal/domain"
)

func TestPaperFillsImmediatelyWithSlippage(t *testing.T) {
	p := NewPaperBroker(100_000, 0.001)
	p.SetPrice("AAPL", 200)

	order := &domain.Order{ID: "ord-1", Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: 10}
	bo, err := p.ExecuteOrder(context.Background(), order)

	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, bo.Status)
	assert.Equal(t, 10.0, bo.FilledQty)
	assert.InDelta(t, 200.2, bo.FilledPrice, 1e-9, "buy slippage is adverse")

	fills, err := p.GetTradeDetail(context.Background(), bo.BrokerOrderID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "ord-1", fills[0].OrderID)
}

func TestPaperSellSlippageIsAdverse(t *testing.T) {
	p := NewPaperBroker(100_000, 0.001)
	p.SetPrice("AAPL", 200)

	buy := &domain.Order{ID: "b", Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: 10}
	_, err := p.ExecuteOrder(context.Background(), buy)
	require.NoError(t, err)

	sell := &domain.Order{ID: "s", Symbol: "AAPL", Side: domain.OrderSideSell, Quantity: 10}
	bo, err := p.ExecuteOrder(context.Background(), sell)

	require.NoError(t, err)
	assert.InDelta(t, 199.8, bo.FilledPrice, 1e-9)
}

func TestPaperRejectsWhenCashExhausted(t *testing.T) {
	p := NewPaperBroker(1_000, 0)
	p.SetPrice("AAPL", 200)

	order := &domain.Order{ID: "ord-1", Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: 100}
	_, err := p.ExecuteOrder(context.Background(), order)

	var berr *domain.BrokerError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "insufficient_funds", berr.Code)
}

func TestPaperTracksPositionsAndCash(t *testing.T) {
	p := NewPaperBroker(100_000, 0)
	p.SetPrice("AAPL", 100)

	_, err := p.ExecuteOrder(context.Background(), &domain.Order{
		ID: "a", Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: 50,
	})
	require.NoError(t, err)

	positions, err := p.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 50.0, positions[0].Quantity)
	assert.Equal(t, 100.0, positions[0].AvgEntry)

	acct, err := p.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 95_000.0, acct.Cash)
	assert.Equal(t, 100_000.0, acct.Equity)
}

func TestPaperPositionClosesOnFullSell(t *testing.T) {
	p := NewPaperBroker(100_000, 0)
	p.SetPrice("AAPL", 100)

	_, err := p.ExecuteOrder(context.Background(), &domain.Order{
		ID: "a", Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: 50,
	})
	require.NoError(t, err)
	_, err = p.ExecuteOrder(context.Background(), &domain.Order{
		ID: "b", Symbol: "AAPL", Side: domain.OrderSideSell, Quantity: 50,
	})
	require.NoError(t, err)

	positions, err := p.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	acct, err := p.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100_000.0, acct.Cash)
}

func TestPaperRejectsNonPositiveQuantity(t *testing.T) {
	p := NewPaperBroker(100_000, 0)

	_, err := p.ExecuteOrder(context.Background(), &domain.Order{ID: "z", Symbol: "AAPL", Quantity: 0})
	assert.Error(t, err)
}

func TestPaperOptionalCapabilities(t *testing.T) {
	p := NewPaperBroker(100_000, 0)

	_, err := p.PlaceBracketOrder(context.Background(), &domain.Order{ID: "x", Quantity: 1}, 110, 90)
	assert.ErrorIs(t, err, domain.ErrUnsupported)

	quote, err := p.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Greater(t, quote.Ask, quote.Bid)
}
