// Package executor runs the asynchronous order intake: a worker pool that
// consumes order requests from the signal bus, deduplicates them, drops
// expired ones and pushes the rest through the trading service.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfabric/execgate/internal/domain"
)

// RequestStream is the durable stream order requests are read from.
const RequestStream = "orders:requests"

// OrderPlacer submits an admitted request to the trading pipeline. It is
// implemented by the service layer.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacementResult, error)
}

// Executor reads order requests from a channel, applies deduplication and
// expiry checks, and places orders through the OrderPlacer interface. Workers
// run concurrently; per-symbol serialization is the trading service's job.
type Executor struct {
	requests <-chan domain.OrderRequest
	placer   OrderPlacer
	dedup    *Dedup
	workers  int
	logger   *slog.Logger

	cleanupInterval time.Duration
	retryDelay      time.Duration
}

// NewExecutor creates an Executor reading from requests with the given number
// of concurrent workers.
func NewExecutor(requests <-chan domain.OrderRequest, placer OrderPlacer, workers int, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = 1
	}
	return &Executor{
		requests:        requests,
		placer:          placer,
		dedup:           NewDedup(2 * time.Minute),
		workers:         workers,
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
		retryDelay:      500 * time.Millisecond,
	}
}

// Run starts the worker pool and processes requests until the context is
// cancelled, at which point buffered requests are drained and the context
// error is returned.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started", slog.Int("workers", e.workers))
	defer e.logger.Info("executor stopped")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			e.workerLoop(gctx)
			return nil
		})
	}

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-cleanupTicker.C:
				e.dedup.Cleanup()
			}
		}
	})

	_ = g.Wait()
	e.drain()
	return ctx.Err()
}

func (e *Executor) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-e.requests:
			if !ok {
				return
			}
			e.process(ctx, req)
		}
	}
}

// process handles a single request through dedup, expiry and placement.
func (e *Executor) process(ctx context.Context, req domain.OrderRequest) {
	log := e.logger.With(
		slog.String("request_id", req.ID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("source", req.Source),
	)

	if req.ID != "" && e.dedup.IsDuplicate(req.ID) {
		log.Debug("request deduplicated, skipping")
		return
	}

	if !req.ExpiresAt.IsZero() && time.Now().UTC().After(req.ExpiresAt) {
		log.Warn("request expired, skipping", slog.Time("expires_at", req.ExpiresAt))
		return
	}

	result, err := e.placer.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			e.retryAfterLimit(ctx, req, log)
			return
		}
		log.Error("order placement failed",
			slog.String("outcome", string(result.Outcome)),
			slog.String("error", err.Error()),
		)
		return
	}

	switch result.Outcome {
	case domain.OutcomeFilled, domain.OutcomePartiallyFilled, domain.OutcomeAccepted:
		log.Info("order placed",
			slog.String("order_id", result.OrderID),
			slog.String("outcome", string(result.Outcome)),
			slog.Float64("filled", result.FilledQuantity),
		)
	default:
		log.Warn("order not admitted",
			slog.String("order_id", result.OrderID),
			slog.String("outcome", string(result.Outcome)),
			slog.String("message", result.Message),
		)
	}
}

// retryAfterLimit makes a single delayed retry for a rate-limited request.
func (e *Executor) retryAfterLimit(ctx context.Context, req domain.OrderRequest, log *slog.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(e.retryDelay):
	}
	if !req.ExpiresAt.IsZero() && time.Now().UTC().After(req.ExpiresAt) {
		log.Warn("request expired during retry, giving up")
		return
	}

	result, err := e.placer.PlaceOrder(ctx, req)
	if err != nil {
		log.Error("retry placement failed", slog.String("error", err.Error()))
		return
	}
	log.Info("retry placed",
		slog.String("order_id", result.OrderID),
		slog.String("outcome", string(result.Outcome)),
	)
}

// drain processes requests already buffered in the channel after shutdown so
// in-flight submissions are not silently dropped. Each uses a short-lived
// context to bound external calls.
func (e *Executor) drain() {
	for {
		select {
		case req, ok := <-e.requests:
			if !ok {
				return
			}
			e.logger.Warn("draining request after shutdown", slog.String("request_id", req.ID))
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(drainCtx, req)
			cancel()
		default:
			return
		}
	}
}

// SetDedupTTL replaces the dedup instance with one using the given TTL.
// Must be called before Run.
func (e *Executor) SetDedupTTL(ttl time.Duration) {
	e.dedup = NewDedup(ttl)
}

// SetRetryDelay changes the pause before a rate-limit retry. Must be called
// before Run.
func (e *Executor) SetRetryDelay(d time.Duration) {
	e.retryDelay = d
}

var _ fmt.Stringer = (*Executor)(nil)

func (e *Executor) String() string {
	return fmt.Sprintf("Executor(workers=%d)", e.workers)
}

// StreamSource tails the request stream on the signal bus and feeds decoded
// requests into a channel for the executor.
type StreamSource struct {
	bus      domain.SignalBus
	stream   string
	interval time.Duration
	out      chan domain.OrderRequest
	logger   *slog.Logger
	lastID   string
}

// NewStreamSource creates a source tailing stream on bus. interval is the
// poll pause when the stream is empty.
func NewStreamSource(bus domain.SignalBus, stream string, interval time.Duration, logger *slog.Logger) *StreamSource {
	if stream == "" {
		stream = RequestStream
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &StreamSource{
		bus:      bus,
		stream:   stream,
		interval: interval,
		out:      make(chan domain.OrderRequest, 64),
		logger:   logger.With(slog.String("component", "stream_source")),
		lastID:   "0",
	}
}

// Requests returns the channel decoded requests are delivered on. It is
// closed when Run returns.
func (s *StreamSource) Requests() <-chan domain.OrderRequest {
	return s.out
}

// Run tails the stream until the context is cancelled.
func (s *StreamSource) Run(ctx context.Context) error {
	defer close(s.out)
	for {
		msgs, err := s.bus.StreamRead(ctx, s.stream, s.lastID, 32)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("stream read failed", slog.String("error", err.Error()))
		}
		for _, msg := range msgs {
			s.lastID = msg.ID
			var req domain.OrderRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				s.logger.Warn("malformed request dropped",
					slog.String("stream_id", msg.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case s.out <- req:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(msgs) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.interval):
		}
	}
}
