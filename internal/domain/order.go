package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind is the execution type of an order.
type OrderKind string

const (
	OrderKindMarket       OrderKind = "market"
	OrderKindLimit        OrderKind = "limit"
	OrderKindStop         OrderKind = "stop"
	OrderKindStopLimit    OrderKind = "stop_limit"
	OrderKindTrailingStop OrderKind = "trailing_stop"
)

// OrderStatus tracks the order lifecycle. Transitions only move forward:
// pending -> partially_filled -> filled, or pending -> rejected | cancelled
// | expired. A partially filled order may still be cancelled or expire with
// its fills intact.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// forwardTransitions enumerates every legal status edge.
var forwardTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCancelled, OrderStatusExpired,
	},
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Terminal states admit no transitions.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range forwardTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Order is the unit of work flowing through the pipeline. Quantity is the
// requested size in shares (fractional allowed); FilledQuantity never
// exceeds it. Chunk children and bracket legs reference their parent via
// ParentID.
type Order struct {
	ID               string
	Symbol           string
	Side             OrderSide
	Kind             OrderKind
	Quantity         float64
	InvestmentAmount float64 // fractional sizing; converted to Quantity at the reference price
	LimitPrice       *float64
	StopPrice        *float64
	TrailPercent     *float64
	Status           OrderStatus
	FilledQuantity   float64
	AvgFillPrice     float64 // quantity-weighted average across fills
	ParentID         string  // set for chunk children and bracket legs
	BrokerName       string
	BrokerOrderID    string
	Strategy         ChunkStrategy
	CreatedAt        time.Time
	ExecutedAt       *time.Time
}

// Remaining returns the unfilled quantity, never negative.
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}

// NotionalValue returns the order value at the given reference price.
func (o Order) NotionalValue(refPrice float64) float64 {
	if o.Quantity > 0 {
		return o.Quantity * refPrice
	}
	return o.InvestmentAmount
}
