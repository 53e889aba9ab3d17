// Package broker defines the BrokerClient contract and provides the Alpaca,
// Schwab, and paper implementations, together with health tracking, failover,
// and the shared retry policy used by every client.
package broker

import (
	"context"
	"time"

	"github.com/quantfabric/execgate/internal/domain"
)

// Client is the capability set every broker backend exposes. Implementations
// that lack an optional capability (quote, market hours, bracket or
// trailing-stop orders) return domain.ErrUnsupported from the corresponding
// method rather than a generic failure, so callers can distinguish a missing
// feature from a broken broker.
type Client interface {
	// Name returns the broker identifier (e.g. "alpaca", "schwab", "paper").
	Name() string

	// ExecuteOrder submits an order for execution and returns the broker's
	// view of it.
	ExecuteOrder(ctx context.Context, order *domain.Order) (domain.BrokerOrder, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (domain.AccountInfo, error)

	// GetPositions returns all current positions held at the broker.
	GetPositions(ctx context.Context) ([]domain.BrokerPosition, error)

	// GetOrderStatus returns the broker's current view of an order.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.BrokerOrder, error)

	// CancelOrder requests cancellation of an open order. Cancellation
	// follows the broker's own semantics and may fail if already filled.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrderHistory lists orders submitted within the given window.
	GetOrderHistory(ctx context.Context, opts domain.ListOpts) ([]domain.BrokerOrder, error)

	// GetTradeDetail returns the individual fills for an order.
	GetTradeDetail(ctx context.Context, brokerOrderID string) ([]domain.Fill, error)

	// GetAsset returns reference data for a symbol.
	GetAsset(ctx context.Context, symbol string) (domain.Asset, error)

	// GetQuote returns the current bid/ask. Optional capability.
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)

	// GetMarketHours returns the trading session around now. Optional
	// capability.
	GetMarketHours(ctx context.Context) (domain.MarketHours, error)

	// PlaceBracketOrder submits an entry order with attached take-profit and
	// stop-loss legs. Optional capability.
	PlaceBracketOrder(ctx context.Context, order *domain.Order, takeProfit, stopLoss float64) ([]domain.BrokerOrder, error)

	// PlaceTrailingStop submits a trailing-stop order. Optional capability.
	PlaceTrailingStop(ctx context.Context, order *domain.Order, trailPercent float64) (domain.BrokerOrder, error)
}

// StatusUpdate is one order-state change pushed by a broker's streaming
// feed. The reconciler consumes these to repair local/broker divergence
// without waiting for the polling cycle.
type StatusUpdate struct {
	Broker        string
	BrokerOrderID string
	Status        domain.OrderStatus
	FilledQty     float64
	FilledPrice   float64
	At            time.Time
}
