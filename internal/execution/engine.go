package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/execgate/internal/broker"
	"github.com/quantfabric/execgate/internal/domain"
)

// fillEpsilon absorbs float accumulation noise when deciding whether a
// parent order is completely filled.
const fillEpsilon = 1e-9

// Config holds the execution engine's tunables.
type Config struct {
	// MaxChunkSize is the largest quantity a single child order may carry.
	MaxChunkSize float64
	// InterChunkDelay is the enforced minimum pause between chunk
	// submissions.
	InterChunkDelay time.Duration
	// ChunkTimeout bounds each broker call.
	ChunkTimeout time.Duration
}

// DefaultConfig returns the execution defaults.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize:    10_000,
		InterChunkDelay: 2 * time.Second,
		ChunkTimeout:    30 * time.Second,
	}
}

// Engine runs chunk plans against a broker. When no broker is supplied the
// engine simulates fills at the reference price, which keeps the pipeline
// testable without a venue. Chunks within one order are strictly sequential;
// different orders may run through separate Execute calls concurrently.
type Engine struct {
	cfg     Config
	broker  broker.Client
	orders  domain.OrderStore
	fills   domain.FillStore
	planner *Planner
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an execution engine. client may be nil for simulated
// fills.
func NewEngine(cfg Config, client broker.Client, orders domain.OrderStore, fills domain.FillStore, logger *slog.Logger) (*Engine, error) {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultConfig().MaxChunkSize
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultConfig().ChunkTimeout
	}
	planner, err := NewPlanner(cfg.MaxChunkSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		broker:  client,
		orders:  orders,
		fills:   fills,
		planner: planner,
		logger:  logger.With(slog.String("component", "execution_engine")),
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

// Planner exposes the engine's chunk planner.
func (e *Engine) Planner() *Planner {
	return e.planner
}

// chunkResult records one chunk attempt for the metrics report.
type chunkResult struct {
	size      float64
	filledQty float64
	price     float64
	err       error
	elapsed   time.Duration
}

// Execute runs the plan for the parent order. Chunks are submitted one at a
// time with the configured delay between them; a failed chunk is recorded
// and execution continues with the next one. Cancellation between chunks
// skips the remainder. The parent's fill totals and status are updated as
// fills arrive, and a metrics report is computed once execution concludes.
func (e *Engine) Execute(ctx context.Context, parent *domain.Order, plan domain.ChunkPlan, refPrice float64) (*domain.ExecutionMetrics, error) {
	if plan.Total() <= 0 {
		return nil, fmt.Errorf("execution: empty chunk plan for order %s", parent.ID)
	}

	start := e.now()
	results := make([]chunkResult, 0, len(plan.Sizes))
	var failures []error
	cancelled := false

	for i, size := range plan.Sizes {
		if i > 0 && e.cfg.InterChunkDelay > 0 {
			if err := e.sleep(ctx, e.cfg.InterChunkDelay); err != nil {
				cancelled = true
			}
		}
		if cancelled || ctx.Err() != nil {
			cancelled = true
			e.logger.InfoContext(ctx, "execution cancelled, skipping remaining chunks",
				slog.String("order_id", parent.ID),
				slog.Int("completed_chunks", i),
				slog.Int("skipped_chunks", len(plan.Sizes)-i),
			)
			break
		}

		res := e.executeChunk(ctx, parent, i, size, refPrice)
		results = append(results, res)

		if res.err != nil {
			failures = append(failures, fmt.Errorf("chunk %d: %w", i, res.err))
			e.logger.WarnContext(ctx, "chunk failed",
				slog.String("order_id", parent.ID),
				slog.Int("chunk", i),
				slog.Float64("size", size),
				slog.String("error", res.err.Error()),
			)
			continue
		}

		e.HandlePartialFill(parent, res.filledQty, res.price)
		if err := e.persistFill(ctx, parent, res); err != nil {
			// Broker accepted the chunk but the local commit failed. This
			// is a recoverable divergence for the reconciler, not data
			// loss.
			failures = append(failures, &domain.InconsistencyError{
				OrderID:       parent.ID,
				BrokerOrderID: parent.BrokerOrderID,
				Cause:         err,
			})
		}
	}

	e.finalizeStatus(parent, cancelled)
	if err := e.persistParent(ctx, parent); err != nil {
		failures = append(failures, &domain.InconsistencyError{OrderID: parent.ID, Cause: err})
	}

	metrics := e.computeMetrics(parent, refPrice, results, start)

	switch {
	case parent.FilledQuantity <= 0 && len(failures) > 0:
		return metrics, fmt.Errorf("execution: order %s: all chunks failed: %w", parent.ID, errors.Join(failures...))
	case parent.FilledQuantity < parent.Quantity-fillEpsilon && len(failures) > 0:
		return metrics, &domain.PartialExecutionError{
			OrderID:   parent.ID,
			Filled:    parent.FilledQuantity,
			Requested: parent.Quantity,
			Failures:  failures,
		}
	case len(failures) > 0:
		// Filled in full but with local persistence divergence.
		return metrics, errors.Join(failures...)
	}
	return metrics, nil
}

// executeChunk submits one chunk through the broker, or fills it at the
// reference price when no broker is configured.
func (e *Engine) executeChunk(ctx context.Context, parent *domain.Order, index int, size, refPrice float64) chunkResult {
	started := e.now()
	res := chunkResult{size: size}

	child := domain.Order{
		ID:         uuid.NewString(),
		Symbol:     parent.Symbol,
		Side:       parent.Side,
		Kind:       parent.Kind,
		Quantity:   size,
		LimitPrice: parent.LimitPrice,
		StopPrice:  parent.StopPrice,
		Status:     domain.OrderStatusPending,
		ParentID:   parent.ID,
		Strategy:   domain.ChunkStrategySingle,
		CreatedAt:  started,
	}
	if e.orders != nil {
		if err := e.orders.Create(ctx, child); err != nil {
			res.err = fmt.Errorf("create child order: %w", err)
			res.elapsed = e.now().Sub(started)
			return res
		}
	}

	if e.broker == nil {
		// Price-simulation fallback.
		res.filledQty = size
		res.price = refPrice
		res.elapsed = e.now().Sub(started)
		e.recordChildOutcome(ctx, child.ID, "", size, refPrice)
		return res
	}

	chunkCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
	defer cancel()

	bo, err := e.broker.ExecuteOrder(chunkCtx, &child)
	res.elapsed = e.now().Sub(started)
	if err != nil {
		res.err = err
		if e.orders != nil {
			_ = e.orders.UpdateStatus(ctx, child.ID, domain.OrderStatusRejected)
		}
		return res
	}

	res.filledQty = bo.FilledQty
	res.price = bo.FilledPrice
	if res.price <= 0 {
		res.price = refPrice
	}
	e.recordChildOutcome(ctx, child.ID, bo.BrokerOrderID, res.filledQty, res.price)
	return res
}

func (e *Engine) recordChildOutcome(ctx context.Context, childID, brokerOrderID string, filledQty, price float64) {
	if e.orders == nil {
		return
	}
	if brokerOrderID != "" {
		if e.broker != nil {
			_ = e.orders.SetBrokerOrder(ctx, childID, e.broker.Name(), brokerOrderID)
		}
	}
	status := domain.OrderStatusFilled
	if filledQty <= 0 {
		status = domain.OrderStatusRejected
	}
	_ = e.orders.UpdateFill(ctx, childID, filledQty, price, status)
}

// persistFill records the chunk's fill row.
func (e *Engine) persistFill(ctx context.Context, parent *domain.Order, res chunkResult) error {
	if e.fills == nil || res.filledQty <= 0 {
		return nil
	}
	brokerName := "simulated"
	if e.broker != nil {
		brokerName = e.broker.Name()
	}
	fill := domain.Fill{
		ID:        uuid.NewString(),
		OrderID:   parent.ID,
		Broker:    brokerName,
		Quantity:  res.filledQty,
		Price:     res.price,
		Timestamp: e.now(),
	}
	if err := e.fills.Insert(ctx, fill); err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

func (e *Engine) persistParent(ctx context.Context, parent *domain.Order) error {
	if e.orders == nil {
		return nil
	}
	if err := e.orders.UpdateFill(ctx, parent.ID, parent.FilledQuantity, parent.AvgFillPrice, parent.Status); err != nil {
		return fmt.Errorf("update parent order: %w", err)
	}
	return nil
}

// HandlePartialFill is the single mutation point for fill accounting. The
// new filled quantity is clamped so it never exceeds the requested size, the
// average price is the quantity-weighted blend of previous and incoming
// fills, and status is recomputed from the updated totals.
func (e *Engine) HandlePartialFill(order *domain.Order, fillQty, fillPrice float64) {
	if fillQty <= 0 {
		return
	}

	remaining := order.Quantity - order.FilledQuantity
	if fillQty > remaining {
		fillQty = remaining
	}
	if fillQty <= 0 {
		return
	}

	prevQty := order.FilledQuantity
	newQty := prevQty + fillQty
	order.AvgFillPrice = (order.AvgFillPrice*prevQty + fillPrice*fillQty) / newQty
	order.FilledQuantity = newQty

	if order.FilledQuantity >= order.Quantity-fillEpsilon {
		order.FilledQuantity = order.Quantity
		e.transition(order, domain.OrderStatusFilled)
	} else {
		e.transition(order, domain.OrderStatusPartiallyFilled)
	}
}

// finalizeStatus settles the parent's terminal status after all chunks have
// been attempted or skipped.
func (e *Engine) finalizeStatus(order *domain.Order, cancelled bool) {
	switch {
	case order.FilledQuantity >= order.Quantity-fillEpsilon:
		e.transition(order, domain.OrderStatusFilled)
	case order.FilledQuantity > 0:
		e.transition(order, domain.OrderStatusPartiallyFilled)
	case cancelled:
		e.transition(order, domain.OrderStatusCancelled)
	default:
		e.transition(order, domain.OrderStatusRejected)
	}
	if order.Status.Terminal() && order.ExecutedAt == nil {
		at := e.now()
		order.ExecutedAt = &at
	}
}

// transition applies a status change only when the state graph allows it;
// statuses never move backwards.
func (e *Engine) transition(order *domain.Order, to domain.OrderStatus) {
	if order.Status == to {
		return
	}
	if !order.Status.CanTransition(to) {
		e.logger.Warn("refusing backwards status transition",
			slog.String("order_id", order.ID),
			slog.String("from", string(order.Status)),
			slog.String("to", string(to)),
		)
		return
	}
	order.Status = to
}

// computeMetrics builds the execution-quality report. It is a report only,
// never an input to further decisions.
func (e *Engine) computeMetrics(order *domain.Order, refPrice float64, results []chunkResult, start time.Time) *domain.ExecutionMetrics {
	m := &domain.ExecutionMetrics{
		OrderID:    order.ID,
		ChunkCount: len(results),
		Latency:    e.now().Sub(start),
		ComputedAt: e.now(),
	}

	var prices []float64
	var totalElapsed time.Duration
	for _, r := range results {
		totalElapsed += r.elapsed
		if r.err != nil {
			m.FailedChunks++
			continue
		}
		if r.filledQty > 0 {
			prices = append(prices, r.price)
		}
	}

	if order.Quantity > 0 {
		m.FillRate = order.FilledQuantity / order.Quantity
	}
	if len(results) > 0 {
		m.AvgTimePerChunk = totalElapsed / time.Duration(len(results))
	}

	if order.FilledQuantity > 0 && refPrice > 0 {
		benchmark := refPrice
		if order.LimitPrice != nil && *order.LimitPrice > 0 {
			benchmark = *order.LimitPrice
		}
		m.SlippagePct = signedImpact(order.Side, order.AvgFillPrice, benchmark)
		m.ShortfallPct = signedImpact(order.Side, order.AvgFillPrice, refPrice)
	}

	m.PriceStdDev = stdDev(prices)
	return m
}

// signedImpact is positive when the realized price is worse than the
// benchmark for the given side.
func signedImpact(side domain.OrderSide, realized, benchmark float64) float64 {
	if benchmark <= 0 {
		return 0
	}
	impact := (realized - benchmark) / benchmark * 100
	if side == domain.OrderSideSell {
		impact = -impact
	}
	return impact
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

// sleepCtx pauses for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
