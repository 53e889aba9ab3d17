package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var allStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPartiallyFilled,
	OrderStatusFilled,
	OrderStatusRejected,
	OrderStatusCancelled,
	OrderStatusExpired,
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, OrderStatusPending.Terminal())
	assert.False(t, OrderStatusPartiallyFilled.Terminal())
	assert.True(t, OrderStatusFilled.Terminal())
	assert.True(t, OrderStatusRejected.Terminal())
	assert.True(t, OrderStatusCancelled.Terminal())
	assert.True(t, OrderStatusExpired.Terminal())
}

func TestTerminalStatusAdmitsNoTransition(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(allStatuses).Draw(t, "from")
		to := rapid.SampledFrom(allStatuses).Draw(t, "to")
		if from.Terminal() {
			assert.False(t, from.CanTransition(to),
				"terminal status %s must not transition to %s", from, to)
		}
	})
}

func TestTransitionsOnlyMoveForward(t *testing.T) {
	// A reachable status can never transition back to pending, and a filled
	// order can never be anything else.
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(allStatuses).Draw(t, "from")
		assert.False(t, from.CanTransition(OrderStatusPending))
		assert.False(t, OrderStatusFilled.CanTransition(from))
	})
}

func TestPartialFillMayCancelOrExpire(t *testing.T) {
	assert.True(t, OrderStatusPending.CanTransition(OrderStatusPartiallyFilled))
	assert.True(t, OrderStatusPartiallyFilled.CanTransition(OrderStatusFilled))
	assert.True(t, OrderStatusPartiallyFilled.CanTransition(OrderStatusCancelled))
	assert.True(t, OrderStatusPartiallyFilled.CanTransition(OrderStatusExpired))
	assert.False(t, OrderStatusPartiallyFilled.CanTransition(OrderStatusRejected))
}

func TestRemainingNeverNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		qty := rapid.Float64Range(0, 1e6).Draw(t, "qty")
		filled := rapid.Float64Range(0, 2e6).Draw(t, "filled")
		o := Order{Quantity: qty, FilledQuantity: filled}
		assert.GreaterOrEqual(t, o.Remaining(), 0.0)
		if filled <= qty {
			assert.InDelta(t, qty-filled, o.Remaining(), 1e-9)
		}
	})
}

func TestNotionalValuePrefersQuantity(t *testing.T) {
	o := Order{Quantity: 10, InvestmentAmount: 500}
	assert.Equal(t, 1000.0, o.NotionalValue(100))

	amountOnly := Order{InvestmentAmount: 500}
	assert.Equal(t, 500.0, amountOnly.NotionalValue(100))
}
