package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/execgate/internal/domain"
)

const paperDefaultPrice = 100.0

// PaperBroker is an in-memory simulated broker. Orders fill immediately at
// the configured reference price with a small synthetic slippage, so the
// full pipeline can run without touching a real venue. Safe for concurrent
// use.
type PaperBroker struct {
	slippagePct float64

	mu        sync.Mutex
	cash      float64
	prices    map[string]float64
	positions map[string]*domain.BrokerPosition
	orders    map[string]domain.BrokerOrder
	fills     map[string][]domain.Fill
}

// NewPaperBroker creates a paper broker seeded with the given cash balance.
// slippagePct is applied against the reference price on every fill, adverse
// to the order's side.
func NewPaperBroker(startingCash, slippagePct float64) *PaperBroker {
	if startingCash <= 0 {
		startingCash = 100_000
	}
	return &PaperBroker{
		slippagePct: slippagePct,
		cash:        startingCash,
		prices:      make(map[string]float64),
		positions:   make(map[string]*domain.BrokerPosition),
		orders:      make(map[string]domain.BrokerOrder),
		fills:       make(map[string][]domain.Fill),
	}
}

func (p *PaperBroker) Name() string { return "paper" }

// SetPrice sets the reference price used for fills and quotes of a symbol.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *PaperBroker) priceLocked(symbol string) float64 {
	if price, ok := p.prices[symbol]; ok {
		return price
	}
	return paperDefaultPrice
}

// ExecuteOrder fills the order in full at the reference price adjusted for
// slippage.
func (p *PaperBroker) ExecuteOrder(ctx context.Context, order *domain.Order) (domain.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return domain.BrokerOrder{}, err
	}
	if order.Quantity <= 0 {
		return domain.BrokerOrder{}, &domain.BrokerError{
			Broker:  p.Name(),
			Code:    "invalid_quantity",
			Message: fmt.Sprintf("quantity %v is not positive", order.Quantity),
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price := p.priceLocked(order.Symbol)
	switch order.Side {
	case domain.OrderSideBuy:
		price *= 1 + p.slippagePct
	case domain.OrderSideSell:
		price *= 1 - p.slippagePct
	}

	notional := order.Quantity * price
	if order.Side == domain.OrderSideBuy && notional > p.cash {
		return domain.BrokerOrder{}, &domain.BrokerError{
			Broker:  p.Name(),
			Code:    "insufficient_funds",
			Message: fmt.Sprintf("order needs %.2f, cash is %.2f", notional, p.cash),
		}
	}

	now := time.Now()
	bo := domain.BrokerOrder{
		BrokerOrderID: uuid.NewString(),
		Status:        domain.OrderStatusFilled,
		FilledQty:     order.Quantity,
		FilledPrice:   price,
		SubmittedAt:   now,
	}
	p.orders[bo.BrokerOrderID] = bo
	p.fills[bo.BrokerOrderID] = []domain.Fill{{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Broker:    p.Name(),
		Quantity:  order.Quantity,
		Price:     price,
		Timestamp: now,
	}}
	p.applyFillLocked(order.Symbol, order.Side, order.Quantity, price)

	return bo, nil
}

func (p *PaperBroker) applyFillLocked(symbol string, side domain.OrderSide, qty, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &domain.BrokerPosition{Symbol: symbol}
		p.positions[symbol] = pos
	}

	if side == domain.OrderSideBuy {
		total := pos.Quantity*pos.AvgEntry + qty*price
		pos.Quantity += qty
		if pos.Quantity > 0 {
			pos.AvgEntry = total / pos.Quantity
		}
		p.cash -= qty * price
	} else {
		pos.Quantity -= qty
		p.cash += qty * price
		if pos.Quantity <= 0 {
			delete(p.positions, symbol)
			return
		}
	}
	pos.MarketValue = pos.Quantity * p.priceLocked(symbol)
	pos.UnrealizedPL = (p.priceLocked(symbol) - pos.AvgEntry) * pos.Quantity
}

// GetAccount returns the simulated account snapshot.
func (p *PaperBroker) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.cash
	for symbol, pos := range p.positions {
		equity += pos.Quantity * p.priceLocked(symbol)
	}
	return domain.AccountInfo{
		AccountID:   "paper",
		Cash:        p.cash,
		Equity:      equity,
		BuyingPower: p.cash,
		Currency:    "USD",
		RetrievedAt: time.Now(),
	}, nil
}

// GetPositions returns the simulated positions.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := make([]domain.BrokerPosition, 0, len(p.positions))
	for symbol, pos := range p.positions {
		snapshot := *pos
		snapshot.MarketValue = pos.Quantity * p.priceLocked(symbol)
		snapshot.UnrealizedPL = (p.priceLocked(symbol) - pos.AvgEntry) * pos.Quantity
		positions = append(positions, snapshot)
	}
	return positions, nil
}

func (p *PaperBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bo, ok := p.orders[brokerOrderID]
	if !ok {
		return domain.BrokerOrder{}, fmt.Errorf("paper: order %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	return bo, nil
}

// CancelOrder always fails with a non-retryable error because paper orders
// fill synchronously and are already terminal.
func (p *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[brokerOrderID]; !ok {
		return fmt.Errorf("paper: order %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	return &domain.BrokerError{
		Broker:  p.Name(),
		Code:    "already_filled",
		Message: "paper orders fill immediately and cannot be cancelled",
	}
}

func (p *PaperBroker) GetOrderHistory(ctx context.Context, opts domain.ListOpts) ([]domain.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	orders := make([]domain.BrokerOrder, 0, len(p.orders))
	for _, bo := range p.orders {
		orders = append(orders, bo)
	}
	if opts.Limit > 0 && len(orders) > opts.Limit {
		orders = orders[:opts.Limit]
	}
	return orders, nil
}

func (p *PaperBroker) GetTradeDetail(ctx context.Context, brokerOrderID string) ([]domain.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fills, ok := p.fills[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("paper: order %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	out := make([]domain.Fill, len(fills))
	copy(out, fills)
	return out, nil
}

// GetAsset treats every symbol as active, tradable and fractionable.
func (p *PaperBroker) GetAsset(ctx context.Context, symbol string) (domain.Asset, error) {
	return domain.Asset{
		Symbol:       symbol,
		Tradable:     true,
		StatusActive: true,
		Fractionable: true,
	}, nil
}

// GetQuote synthesizes a quote around the reference price.
func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	p.mu.Lock()
	price := p.priceLocked(symbol)
	p.mu.Unlock()

	spread := price * 0.0005
	return domain.Quote{
		Symbol:    symbol,
		Bid:       price - spread,
		Ask:       price + spread,
		Last:      price,
		Timestamp: time.Now(),
	}, nil
}

// GetMarketHours reports an always-open market.
func (p *PaperBroker) GetMarketHours(ctx context.Context) (domain.MarketHours, error) {
	now := time.Now()
	return domain.MarketHours{
		IsOpen:    true,
		NextOpen:  now,
		NextClose: now.Add(24 * time.Hour),
	}, nil
}

func (p *PaperBroker) PlaceBracketOrder(ctx context.Context, order *domain.Order, takeProfit, stopLoss float64) ([]domain.BrokerOrder, error) {
	return nil, fmt.Errorf("paper: bracket order: %w", domain.ErrUnsupported)
}

func (p *PaperBroker) PlaceTrailingStop(ctx context.Context, order *domain.Order, trailPercent float64) (domain.BrokerOrder, error) {
	return domain.BrokerOrder{}, fmt.Errorf("paper: trailing stop: %w", domain.ErrUnsupported)
}

// Compile-time interface check.
var _ Client = (*PaperBroker)(nil)
