package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfabric/execgate/internal/breaker"
	"github.com/quantfabric/execgate/internal/execution"
	"github.com/quantfabric/execgate/internal/executor"
	"github.com/quantfabric/execgate/internal/risk"
	"github.com/quantfabric/execgate/internal/service"
)

// PipelineMode runs the full admission-to-execution pipeline: the stream
// source feeds order requests to the executor pool, the trading service
// admits and dispatches them, and the reconciler keeps local state aligned
// with the broker. Live and paper differ only in which brokers Wire built.
func (a *App) PipelineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting pipeline mode",
		slog.String("broker", deps.Broker.Name()),
		slog.Int("workers", a.cfg.Trading.Workers),
	)

	cb := breaker.New(breaker.Config{
		CautiousAfter:    a.cfg.Breaker.CautiousAfter,
		RestrictedAfter:  a.cfg.Breaker.RestrictedAfter,
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		RetryInterval:    a.cfg.Breaker.RetryInterval.Duration,
		CautiousSizing:   a.cfg.Breaker.CautiousSizing,
		RestrictedSizing: a.cfg.Breaker.RestrictedSizing,
	}, a.logger)

	riskEngine := risk.NewEngine(risk.Config{
		MaxPositionPct:         a.cfg.Risk.MaxPositionPct,
		ConcentrationThreshold: a.cfg.Risk.ConcentrationThreshold,
		MaxTradeValue:          a.cfg.Risk.MaxTradeValue,
		MaxLeverage:            a.cfg.Risk.MaxLeverage,
		ConfirmationThreshold:  a.cfg.Risk.ConfirmationThreshold,
		MaxTradesPerDay:        a.cfg.Risk.MaxTradesPerDay,
	}, nil, a.logger)

	engine, err := execution.NewEngine(execution.Config{
		MaxChunkSize:    a.cfg.Execution.MaxChunkSize,
		InterChunkDelay: a.cfg.Execution.InterChunkDelay.Duration,
		ChunkTimeout:    a.cfg.Execution.ChunkTimeout.Duration,
	}, deps.Broker, deps.OrderStore, deps.FillStore, a.logger)
	if err != nil {
		return fmt.Errorf("app: execution engine: %w", err)
	}

	svc := service.NewTradingService(
		service.TradingConfig{
			OrdersPerMinute: a.cfg.Trading.OrdersPerMinute,
			LockTTL:         a.cfg.Trading.LockTTL.Duration,
			MaxQuantity:     a.cfg.Trading.MaxQuantity,
			MaxPrice:        a.cfg.Trading.MaxPrice,
			PriceMaxAge:     a.cfg.Trading.PriceMaxAge.Duration,
		},
		riskEngine, cb, engine, deps.Broker,
		deps.OrderStore, deps.AuditStore,
		deps.PriceCache, deps.RateLimiter, deps.LockManager, deps.SignalBus,
		deps.Notifier, a.logger,
	)

	recon := service.NewReconciler(
		deps.OrderStore, deps.FillStore, deps.Broker,
		a.cfg.Trading.ReconcileInterval.Duration, a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Order intake: tail the request stream and fan out to the worker pool.
	source := executor.NewStreamSource(deps.SignalBus, executor.RequestStream, time.Second, a.logger)
	exec := executor.NewExecutor(source.Requests(), svc, a.cfg.Trading.Workers, a.logger)
	g.Go(func() error {
		return source.Run(ctx)
	})
	g.Go(func() error {
		return exec.Run(ctx)
	})

	// Reconciliation: periodic polling plus pushed updates when a stream
	// backend is available.
	g.Go(func() error {
		return recon.Run(ctx)
	})
	if deps.Stream != nil {
		deps.Stream.OnStatusUpdate(recon.HandleStatusUpdate)
		if err := deps.Stream.Connect(ctx); err != nil {
			a.logger.WarnContext(ctx, "order status stream unavailable, relying on polling",
				slog.String("error", err.Error()),
			)
		} else {
			stream := deps.Stream
			g.Go(func() error {
				<-ctx.Done()
				_ = stream.Close()
				return ctx.Err()
			})
		}
	}

	// Inline archival, when enabled alongside the pipeline.
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			return a.archiveLoop(ctx, deps)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil {
		return fmt.Errorf("app: pipeline mode: %w", err)
	}
	return nil
}

// ArchiveMode runs cold-storage archival only: no brokers, no order intake.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)
	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode requires object storage")
	}

	// One pass immediately, then on the configured interval.
	a.archiveOnce(ctx, deps)
	return a.archiveLoop(ctx, deps)
}

func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.archiveOnce(ctx, deps)
		}
	}
}

// archiveOnce archives everything older than the retention window. Failures
// are logged and retried on the next tick rather than killing the process.
func (a *App) archiveOnce(ctx context.Context, deps *Dependencies) {
	cutoff := time.Now().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

	orders, err := deps.Archiver.ArchiveOrders(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "order archival failed", slog.String("error", err.Error()))
	}
	fills, err := deps.Archiver.ArchiveFills(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "fill archival failed", slog.String("error", err.Error()))
	}
	audit, err := deps.Archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "audit archival failed", slog.String("error", err.Error()))
	}

	a.logger.InfoContext(ctx, "archival pass complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("orders", orders),
		slog.Int64("fills", fills),
		slog.Int64("audit_entries", audit),
	)
}
