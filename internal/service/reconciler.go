package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfabric/execgate/internal/broker"
	"github.com/quantfabric/execgate/internal/domain"
)

// Reconciler repairs divergence between local order state and the broker's
// view. Divergence is expected: no transaction spans the broker call and the
// local commit, so a broker success followed by a failed local write leaves
// the database behind. The reconciler closes that gap from two inputs: a
// periodic poll over open orders and pushed status updates from a broker
// stream.
type Reconciler struct {
	orders   domain.OrderStore
	fills    domain.FillStore
	broker   broker.Client
	interval time.Duration
	logger   *slog.Logger

	updates chan broker.StatusUpdate
}

// NewReconciler creates a reconciler polling at the given interval.
func NewReconciler(orders domain.OrderStore, fills domain.FillStore, client broker.Client, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		orders:   orders,
		fills:    fills,
		broker:   client,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconciler")),
		updates:  make(chan broker.StatusUpdate, 256),
	}
}

// HandleStatusUpdate enqueues a pushed broker update. Safe to call from a
// stream callback; updates are dropped with a warning when the queue is
// full, the next poll pass will catch them.
func (r *Reconciler) HandleStatusUpdate(update broker.StatusUpdate) {
	select {
	case r.updates <- update:
	default:
		r.logger.Warn("status update queue full, dropping",
			slog.String("broker_order_id", update.BrokerOrderID),
		)
	}
}

// Run processes pushed updates and polls open orders until the context is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "reconciler started",
		slog.Duration("poll_interval", r.interval),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-r.updates:
			if err := r.applyUpdate(ctx, update); err != nil {
				r.logger.WarnContext(ctx, "failed to apply pushed update",
					slog.String("broker_order_id", update.BrokerOrderID),
					slog.String("error", err.Error()),
				)
			}
		case <-ticker.C:
			if err := r.PollOnce(ctx); err != nil {
				r.logger.WarnContext(ctx, "reconcile pass failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// PollOnce reconciles every open order with a broker order ID against the
// broker's current view.
func (r *Reconciler) PollOnce(ctx context.Context) error {
	open, err := r.orders.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: list open orders: %w", err)
	}

	var repaired int
	for _, order := range open {
		if order.BrokerOrderID == "" {
			continue
		}

		bo, err := r.broker.GetOrderStatus(ctx, order.BrokerOrderID)
		if err != nil {
			r.logger.WarnContext(ctx, "order status lookup failed",
				slog.String("order_id", order.ID),
				slog.String("broker_order_id", order.BrokerOrderID),
				slog.String("error", err.Error()),
			)
			continue
		}

		changed, err := r.repair(ctx, order, bo.Status, bo.FilledQty, bo.FilledPrice)
		if err != nil {
			return err
		}
		if changed {
			repaired++
		}
	}

	if repaired > 0 {
		r.logger.InfoContext(ctx, "reconcile pass repaired orders",
			slog.Int("repaired", repaired),
			slog.Int("open", len(open)),
		)
	}
	return nil
}

// applyUpdate matches a pushed update to a local open order and repairs it.
func (r *Reconciler) applyUpdate(ctx context.Context, update broker.StatusUpdate) error {
	open, err := r.orders.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: list open orders: %w", err)
	}
	for _, order := range open {
		if order.BrokerOrderID != update.BrokerOrderID {
			continue
		}
		_, err := r.repair(ctx, order, update.Status, update.FilledQty, update.FilledPrice)
		return err
	}
	// Unknown broker order IDs are normal when the update races order
	// creation; the poll pass retries.
	return nil
}

// repair writes the broker's view over the local one when they diverge. It
// returns whether a write happened, and surfaces local write failures as
// InconsistencyError so callers never mistake them for clean state.
func (r *Reconciler) repair(ctx context.Context, local domain.Order, status domain.OrderStatus, filledQty, filledPrice float64) (bool, error) {
	if filledQty > local.Quantity {
		filledQty = local.Quantity
	}

	sameStatus := status == local.Status
	sameFill := filledQty <= local.FilledQuantity
	if sameStatus && sameFill {
		return false, nil
	}
	if !sameStatus && !local.Status.CanTransition(status) {
		// The broker reports an earlier lifecycle stage than we hold
		// locally; our state is ahead, nothing to repair.
		return false, nil
	}

	newQty := local.FilledQuantity
	newAvg := local.AvgFillPrice
	if filledQty > local.FilledQuantity {
		incoming := filledQty - local.FilledQuantity
		if filledPrice > 0 {
			newAvg = (newAvg*newQty + filledPrice*incoming) / filledQty
		}
		newQty = filledQty
	}
	newStatus := local.Status
	if !sameStatus {
		newStatus = status
	}

	if err := r.orders.UpdateFill(ctx, local.ID, newQty, newAvg, newStatus); err != nil {
		return false, &domain.InconsistencyError{
			OrderID:       local.ID,
			BrokerOrderID: local.BrokerOrderID,
			Cause:         fmt.Errorf("reconciler: update order: %w", err),
		}
	}

	r.logger.InfoContext(ctx, "order repaired from broker state",
		slog.String("order_id", local.ID),
		slog.String("from_status", string(local.Status)),
		slog.String("to_status", string(newStatus)),
		slog.Float64("filled", newQty),
	)
	return true, nil
}
