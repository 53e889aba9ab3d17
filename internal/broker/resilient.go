package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quantfabric/execgate/internal/domain"
)

// ResilientBroker is a Client that fans an operation across a
// priority-ordered list of broker clients. Unhealthy brokers are skipped,
// every attempt outcome is recorded in the health tracker, and an aggregate
// error is returned only when every candidate has been exhausted.
type ResilientBroker struct {
	clients []Client
	health  *HealthTracker
	retry   RetryPolicy
	logger  *slog.Logger
}

// NewResilientBroker wraps the given clients, in priority order, with health
// tracking and the shared retry policy.
func NewResilientBroker(clients []Client, health *HealthTracker, retry RetryPolicy, logger *slog.Logger) *ResilientBroker {
	return &ResilientBroker{
		clients: clients,
		health:  health,
		retry:   retry,
		logger:  logger.With(slog.String("component", "resilient_broker")),
	}
}

// Name returns the name of the highest-priority client.
func (rb *ResilientBroker) Name() string {
	if len(rb.clients) == 0 {
		return "resilient"
	}
	return rb.clients[0].Name()
}

// failover runs op against each healthy candidate in priority order. A
// capability miss (domain.ErrUnsupported) moves on to the next candidate
// without penalizing the broker's health.
func failover[T any](ctx context.Context, rb *ResilientBroker, opName string, op func(Client) (T, error)) (T, error) {
	var zero T
	var errs []error
	attempted := 0

	for _, c := range rb.clients {
		if !rb.health.Healthy(c.Name()) {
			rb.logger.Debug("skipping unhealthy broker",
				slog.String("broker", c.Name()),
				slog.String("op", opName),
			)
			continue
		}
		attempted++

		var result T
		err := rb.retry.Do(ctx, func() error {
			var opErr error
			result, opErr = op(c)
			return opErr
		})
		if err == nil {
			rb.health.MarkSuccess(c.Name())
			return result, nil
		}

		if errors.Is(err, domain.ErrUnsupported) {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}

		rb.health.MarkFailure(c.Name())
		rb.logger.Warn("broker attempt failed, trying next",
			slog.String("broker", c.Name()),
			slog.String("op", opName),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
	}

	if attempted == 0 {
		return zero, fmt.Errorf("broker: %s: %w", opName, domain.ErrNoHealthyBrokers)
	}
	return zero, fmt.Errorf("broker: %s: all candidates failed: %w", opName, errors.Join(errs...))
}

// ExecuteOrder submits the order through the first broker that accepts it
// and stamps the winning broker's name on the order.
func (rb *ResilientBroker) ExecuteOrder(ctx context.Context, order *domain.Order) (domain.BrokerOrder, error) {
	type result struct {
		bo     domain.BrokerOrder
		broker string
	}
	res, err := failover(ctx, rb, "execute_order", func(c Client) (result, error) {
		bo, err := c.ExecuteOrder(ctx, order)
		return result{bo: bo, broker: c.Name()}, err
	})
	if err != nil {
		return domain.BrokerOrder{}, err
	}
	order.BrokerName = res.broker
	return res.bo, nil
}

func (rb *ResilientBroker) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	return failover(ctx, rb, "get_account", func(c Client) (domain.AccountInfo, error) {
		return c.GetAccount(ctx)
	})
}

func (rb *ResilientBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return failover(ctx, rb, "get_positions", func(c Client) ([]domain.BrokerPosition, error) {
		return c.GetPositions(ctx)
	})
}

func (rb *ResilientBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.BrokerOrder, error) {
	return failover(ctx, rb, "get_order_status", func(c Client) (domain.BrokerOrder, error) {
		return c.GetOrderStatus(ctx, brokerOrderID)
	})
}

func (rb *ResilientBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := failover(ctx, rb, "cancel_order", func(c Client) (struct{}, error) {
		return struct{}{}, c.CancelOrder(ctx, brokerOrderID)
	})
	return err
}

func (rb *ResilientBroker) GetOrderHistory(ctx context.Context, opts domain.ListOpts) ([]domain.BrokerOrder, error) {
	return failover(ctx, rb, "get_order_history", func(c Client) ([]domain.BrokerOrder, error) {
		return c.GetOrderHistory(ctx, opts)
	})
}

func (rb *ResilientBroker) GetTradeDetail(ctx context.Context, brokerOrderID string) ([]domain.Fill, error) {
	return failover(ctx, rb, "get_trade_detail", func(c Client) ([]domain.Fill, error) {
		return c.GetTradeDetail(ctx, brokerOrderID)
	})
}

func (rb *ResilientBroker) GetAsset(ctx context.Context, symbol string) (domain.Asset, error) {
	return failover(ctx, rb, "get_asset", func(c Client) (domain.Asset, error) {
		return c.GetAsset(ctx, symbol)
	})
}

func (rb *ResilientBroker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return failover(ctx, rb, "get_quote", func(c Client) (domain.Quote, error) {
		return c.GetQuote(ctx, symbol)
	})
}

func (rb *ResilientBroker) GetMarketHours(ctx context.Context) (domain.MarketHours, error) {
	return failover(ctx, rb, "get_market_hours", func(c Client) (domain.MarketHours, error) {
		return c.GetMarketHours(ctx)
	})
}

func (rb *ResilientBroker) PlaceBracketOrder(ctx context.Context, order *domain.Order, takeProfit, stopLoss float64) ([]domain.BrokerOrder, error) {
	return failover(ctx, rb, "place_bracket_order", func(c Client) ([]domain.BrokerOrder, error) {
		return c.PlaceBracketOrder(ctx, order, takeProfit, stopLoss)
	})
}

func (rb *ResilientBroker) PlaceTrailingStop(ctx context.Context, order *domain.Order, trailPercent float64) (domain.BrokerOrder, error) {
	return failover(ctx, rb, "place_trailing_stop", func(c Client) (domain.BrokerOrder, error) {
		return c.PlaceTrailingStop(ctx, order, trailPercent)
	})
}

// Compile-time interface check.
var _ Client = (*ResilientBroker)(nil)
