// Package service contains the trading orchestrator and the order
// reconciler. The orchestrator owns the admission pipeline: validation,
// risk assessment, circuit-breaker consultation, dispatch through the
// execution engine, and failure accounting back into the breaker.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/execgate/internal/breaker"
	"github.com/quantfabric/execgate/internal/broker"
	"github.com/quantfabric/execgate/internal/domain"
	"github.com/quantfabric/execgate/internal/execution"
	"github.com/quantfabric/execgate/internal/notify"
	"github.com/quantfabric/execgate/internal/risk"
)

// symbolPattern accepts plain US equity tickers plus class suffixes
// (BRK.B).
var symbolPattern = regexp.MustCompile(`^[A-Z]{1,10}(\.[A-Z])?$`)

// EventStream is the durable stream execution events are appended to.
const EventStream = "orders:events"

// TradingConfig holds the orchestrator's tunables.
type TradingConfig struct {
	// OrdersPerMinute throttles admissions through the rate limiter.
	OrdersPerMinute int
	// LockTTL bounds how long a per-symbol execution lock is held.
	LockTTL time.Duration
	// MaxQuantity is a hard syntactic ceiling on requested quantity.
	MaxQuantity float64
	// MaxPrice is a hard syntactic ceiling on limit/stop prices.
	MaxPrice float64
	// PriceMaxAge rejects cached reference prices older than this.
	PriceMaxAge time.Duration
}

// DefaultTradingConfig returns the orchestrator defaults.
func DefaultTradingConfig() TradingConfig {
	return TradingConfig{
		OrdersPerMinute: 60,
		LockTTL:         5 * time.Minute,
		MaxQuantity:     1_000_000,
		MaxPrice:        1_000_000,
		PriceMaxAge:     5 * time.Minute,
	}
}

// TradingService is the orchestrator. One instance serves concurrent
// PlaceOrder calls; all cross-order state lives in the injected breaker,
// health tracker, and stores.
type TradingService struct {
	cfg      TradingConfig
	risk     *risk.Engine
	breaker  *breaker.CircuitBreaker
	engine   *execution.Engine
	broker   broker.Client
	orders   domain.OrderStore
	audit    domain.AuditStore
	prices   domain.PriceCache
	limiter  domain.RateLimiter
	locks    domain.LockManager
	bus      domain.SignalBus
	notifier *notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	tradingDay  string
	tradesToday int
}

// NewTradingService creates the orchestrator with all collaborators.
// notifier, bus, limiter and locks may be nil; the corresponding behavior is
// skipped.
func NewTradingService(
	cfg TradingConfig,
	riskEngine *risk.Engine,
	cb *breaker.CircuitBreaker,
	engine *execution.Engine,
	client broker.Client,
	orders domain.OrderStore,
	audit domain.AuditStore,
	prices domain.PriceCache,
	limiter domain.RateLimiter,
	locks domain.LockManager,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *TradingService {
	return &TradingService{
		cfg:      cfg,
		risk:     riskEngine,
		breaker:  cb,
		engine:   engine,
		broker:   client,
		orders:   orders,
		audit:    audit,
		prices:   prices,
		limiter:  limiter,
		locks:    locks,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "trading_service")),
		now:      time.Now,
	}
}

// PlaceOrder runs one request through the admission pipeline. Validation and
// risk rejections terminate with no side effects beyond the audit log; a
// denied circuit breaker terminates before any broker interaction; execution
// failures feed the breaker's failure counters.
func (s *TradingService) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacementResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// Step 1: syntactic validation, terminal with no side effects.
	if err := s.validate(req); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			s.auditEvent(ctx, "order_rejected_validation", map[string]any{
				"request_id": req.ID,
				"symbol":     req.Symbol,
				"field":      verr.Field,
				"reason":     verr.Reason,
			})
			return domain.PlacementResult{
				OrderID:    req.ID,
				Outcome:    domain.OutcomeRejectedValidation,
				Status:     domain.OrderStatusRejected,
				Violations: []string{verr.Reason},
				Message:    fmt.Sprintf("validation failed: %s", verr.Reason),
			}, nil
		}
		return domain.PlacementResult{}, err
	}

	if s.limiter != nil && s.cfg.OrdersPerMinute > 0 {
		allowed, err := s.limiter.Allow(ctx, "orders:submit", s.cfg.OrdersPerMinute, time.Minute)
		if err != nil {
			return domain.PlacementResult{}, fmt.Errorf("trading_service: rate limiter: %w", err)
		}
		if !allowed {
			return domain.PlacementResult{
				OrderID: req.ID,
				Outcome: domain.OutcomeRejectedValidation,
				Status:  domain.OrderStatusRejected,
				Message: "submission rate limit exceeded",
			}, domain.ErrRateLimited
		}
	}

	// Resolve the reference price; a missing price fails risk assessment
	// closed rather than being treated as zero cost.
	refPrice := s.referencePrice(ctx, req)

	// Tradability is checked against broker reference data when available.
	if result, stop := s.checkTradable(ctx, req); stop {
		return result, nil
	}

	// An investment amount converts to quantity at the reference price.
	if req.Quantity <= 0 && req.InvestmentAmount > 0 && refPrice > 0 {
		req.Quantity = s.convertInvestment(ctx, req, refPrice)
	}

	// Step 2: risk assessment.
	snapshot := s.portfolioSnapshot(ctx)
	assessment := s.risk.Assess(ctx, req, snapshot, refPrice)
	if assessment.Result == domain.RiskResultRejected {
		s.auditEvent(ctx, "order_rejected_risk", map[string]any{
			"request_id":   req.ID,
			"symbol":       req.Symbol,
			"score":        assessment.Score,
			"level":        string(assessment.Level),
			"violations":   assessment.Violations,
			"max_quantity": assessment.MaxQuantity,
		})
		s.notify(ctx, notify.Event{
			Type:    notify.EventOrderRejected,
			Symbol:  req.Symbol,
			OrderID: req.ID,
			Title:   "Order rejected",
			Detail:  fmt.Sprintf("%s %.2f rejected: %v", req.Side, req.Quantity, assessment.Violations),
		})
		return domain.PlacementResult{
			OrderID:    req.ID,
			Outcome:    domain.OutcomeRejectedRisk,
			Status:     domain.OrderStatusRejected,
			Violations: assessment.Violations,
			Warnings:   assessment.Warnings,
			Message:    fmt.Sprintf("risk rejected (max allowed quantity %.0f)", assessment.MaxQuantity),
		}, nil
	}

	// Step 3: circuit breaker, symbol scope then global.
	for _, scope := range []string{req.Symbol, breaker.GlobalScope} {
		if allowed, status := s.breaker.Check(scope); !allowed {
			s.auditEvent(ctx, "order_circuit_open", map[string]any{
				"request_id": req.ID,
				"symbol":     req.Symbol,
				"scope":      scope,
				"status":     string(status),
			})
			return domain.PlacementResult{
				OrderID:  req.ID,
				Outcome:  domain.OutcomeCircuitOpen,
				Status:   domain.OrderStatusRejected,
				Warnings: assessment.Warnings,
				Message:  fmt.Sprintf("circuit breaker open for scope %s", scope),
			}, nil
		}
	}

	// The admitted size shrinks with the worst applicable sizing factor.
	sizing := math.Min(
		s.breaker.PositionSizing(req.Symbol),
		s.breaker.PositionSizing(breaker.GlobalScope),
	)
	quantity := req.Quantity
	if sizing < 1 {
		quantity = math.Floor(req.Quantity * sizing)
		if quantity <= 0 {
			quantity = req.Quantity * sizing
		}
		s.logger.InfoContext(ctx, "order size reduced by circuit breaker",
			slog.String("symbol", req.Symbol),
			slog.Float64("requested", req.Quantity),
			slog.Float64("admitted", quantity),
			slog.Float64("sizing", sizing),
		)
	}

	// Step 4: dispatch.
	result, err := s.dispatch(ctx, req, quantity, refPrice, sizing)
	result.Warnings = append(result.Warnings, assessment.Warnings...)

	// Step 5: failure accounting into the breaker.
	s.recordOutcome(ctx, req, result, err)

	return result, err
}

// validate applies the syntactic checks. Failures are terminal and carry the
// offending field.
func (s *TradingService) validate(req domain.OrderRequest) error {
	if !symbolPattern.MatchString(req.Symbol) {
		return &domain.ValidationError{Field: "symbol", Reason: fmt.Sprintf("malformed symbol %q", req.Symbol)}
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return &domain.ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", req.Side)}
	}
	switch req.Kind {
	case domain.OrderKindMarket, domain.OrderKindLimit, domain.OrderKindStop,
		domain.OrderKindStopLimit, domain.OrderKindTrailingStop:
	default:
		return &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown order kind %q", req.Kind)}
	}

	hasQty := req.Quantity > 0
	hasAmount := req.InvestmentAmount > 0
	if hasQty == hasAmount {
		return &domain.ValidationError{
			Field:  "quantity",
			Reason: "exactly one of quantity or investment_amount must be positive",
		}
	}
	if req.Quantity > s.cfg.MaxQuantity {
		return &domain.ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("quantity %v exceeds ceiling %v", req.Quantity, s.cfg.MaxQuantity),
		}
	}

	for field, price := range map[string]*float64{
		"limit_price": req.LimitPrice,
		"stop_price":  req.StopPrice,
	} {
		if price == nil {
			continue
		}
		if *price <= 0 || *price > s.cfg.MaxPrice {
			return &domain.ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("%s %v outside (0, %v]", field, *price, s.cfg.MaxPrice),
			}
		}
	}
	if req.Kind == domain.OrderKindLimit && req.LimitPrice == nil {
		return &domain.ValidationError{Field: "limit_price", Reason: "limit order requires a limit price"}
	}
	if (req.Kind == domain.OrderKindStop || req.Kind == domain.OrderKindStopLimit) && req.StopPrice == nil {
		return &domain.ValidationError{Field: "stop_price", Reason: "stop order requires a stop price"}
	}
	if req.Strategy != "" && !domain.ValidChunkStrategy(req.Strategy) {
		return &domain.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown chunk strategy %q", req.Strategy)}
	}
	if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(s.now()) {
		return &domain.ValidationError{Field: "expires_at", Reason: "request already expired"}
	}
	return nil
}

// referencePrice resolves the price used for risk and conversion: explicit
// limit price, then the price cache, then a broker quote (cached on
// success). Zero means unavailable and the risk engine fails closed.
func (s *TradingService) referencePrice(ctx context.Context, req domain.OrderRequest) float64 {
	if req.LimitPrice != nil && *req.LimitPrice > 0 {
		return *req.LimitPrice
	}

	if s.prices != nil {
		price, ts, err := s.prices.GetPrice(ctx, req.Symbol)
		if err == nil && price > 0 {
			if s.cfg.PriceMaxAge <= 0 || s.now().Sub(ts) <= s.cfg.PriceMaxAge {
				return price
			}
		}
	}

	if s.broker != nil {
		quote, err := s.broker.GetQuote(ctx, req.Symbol)
		if err == nil && quote.Last > 0 {
			if s.prices != nil {
				_ = s.prices.SetPrice(ctx, req.Symbol, quote.Last, quote.Timestamp)
			}
			return quote.Last
		}
		if err != nil && !errors.Is(err, domain.ErrUnsupported) {
			s.logger.WarnContext(ctx, "quote lookup failed",
				slog.String("symbol", req.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return 0
}

// checkTradable rejects symbols the broker marks untradable. A missing
// asset endpoint or lookup failure does not block; risk checks still apply.
func (s *TradingService) checkTradable(ctx context.Context, req domain.OrderRequest) (domain.PlacementResult, bool) {
	if s.broker == nil {
		return domain.PlacementResult{}, false
	}
	asset, err := s.broker.GetAsset(ctx, req.Symbol)
	if err != nil {
		s.logger.WarnContext(ctx, "asset lookup failed",
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()),
		)
		return domain.PlacementResult{}, false
	}
	if asset.Valid() {
		return domain.PlacementResult{}, false
	}

	reason := fmt.Sprintf("symbol %s is not tradable", req.Symbol)
	s.auditEvent(ctx, "order_rejected_validation", map[string]any{
		"request_id": req.ID,
		"symbol":     req.Symbol,
		"reason":     reason,
	})
	return domain.PlacementResult{
		OrderID:    req.ID,
		Outcome:    domain.OutcomeRejectedValidation,
		Status:     domain.OrderStatusRejected,
		Violations: []string{reason},
		Message:    reason,
	}, true
}

// convertInvestment turns a dollar amount into a quantity at the reference
// price: fractional to four decimals for fractionable assets, whole shares
// otherwise.
func (s *TradingService) convertInvestment(ctx context.Context, req domain.OrderRequest, refPrice float64) float64 {
	raw := req.InvestmentAmount / refPrice

	fractionable := false
	if s.broker != nil {
		if asset, err := s.broker.GetAsset(ctx, req.Symbol); err == nil {
			fractionable = asset.Fractionable
		}
	}
	if fractionable {
		return math.Floor(raw*10_000) / 10_000
	}
	return math.Floor(raw)
}

// portfolioSnapshot assembles the accounting view for the risk engine. A
// broker outage yields an empty snapshot, which the risk checks treat
// conservatively.
func (s *TradingService) portfolioSnapshot(ctx context.Context) domain.PortfolioSnapshot {
	snapshot := domain.PortfolioSnapshot{
		Holdings:    make(map[string]domain.Holding),
		TradesToday: s.tradesSoFar(),
		AsOf:        s.now(),
	}
	if s.broker == nil {
		return snapshot
	}

	account, err := s.broker.GetAccount(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "account snapshot failed", slog.String("error", err.Error()))
		return snapshot
	}
	snapshot.Cash = account.Cash
	snapshot.TotalValue = account.Equity

	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "positions snapshot failed", slog.String("error", err.Error()))
		return snapshot
	}
	for _, p := range positions {
		snapshot.Holdings[p.Symbol] = domain.Holding{
			Symbol:      p.Symbol,
			Quantity:    p.Quantity,
			MarketValue: p.MarketValue,
		}
	}
	return snapshot
}

// dispatch persists the parent order and runs it through the execution
// engine under the per-symbol lock.
func (s *TradingService) dispatch(ctx context.Context, req domain.OrderRequest, quantity, refPrice, sizing float64) (domain.PlacementResult, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = s.engine.Planner().SelectStrategy(quantity)
	}

	order := &domain.Order{
		ID:               req.ID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Kind:             req.Kind,
		Quantity:         quantity,
		InvestmentAmount: req.InvestmentAmount,
		LimitPrice:       req.LimitPrice,
		StopPrice:        req.StopPrice,
		TrailPercent:     req.TrailPercent,
		Status:           domain.OrderStatusPending,
		Strategy:         strategy,
		CreatedAt:        s.now(),
	}
	// Plan before persisting so a plan failure never strands a PENDING row
	// that neither the engine nor the reconciler will ever touch.
	plan, err := s.engine.Planner().Plan(strategy, order.ID, quantity, sizing)
	if err != nil {
		return domain.PlacementResult{
			OrderID: order.ID,
			Outcome: domain.OutcomeRejectedValidation,
			Status:  domain.OrderStatusRejected,
			Message: err.Error(),
		}, nil
	}

	if s.orders != nil {
		if err := s.orders.Create(ctx, *order); err != nil {
			return domain.PlacementResult{OrderID: order.ID}, fmt.Errorf("trading_service: persist order: %w", err)
		}
	}

	if s.locks != nil {
		unlock, lockErr := s.locks.Acquire(ctx, "exec:"+req.Symbol, s.cfg.LockTTL)
		if lockErr != nil {
			return domain.PlacementResult{OrderID: order.ID}, fmt.Errorf("trading_service: acquire symbol lock: %w", lockErr)
		}
		defer unlock()
	}

	metrics, execErr := s.engine.Execute(ctx, order, plan, refPrice)
	s.countTrade()

	result := domain.PlacementResult{
		OrderID:        order.ID,
		Status:         order.Status,
		FilledQuantity: order.FilledQuantity,
		AvgPrice:       order.AvgFillPrice,
		Metrics:        metrics,
	}
	switch {
	case execErr == nil && order.Status == domain.OrderStatusFilled:
		result.Outcome = domain.OutcomeFilled
	case execErr == nil && order.Status == domain.OrderStatusPartiallyFilled:
		result.Outcome = domain.OutcomePartiallyFilled
	case execErr == nil:
		result.Outcome = domain.OutcomeAccepted
	default:
		var pee *domain.PartialExecutionError
		if errors.As(execErr, &pee) {
			result.Outcome = domain.OutcomePartiallyFilled
			result.Message = fmt.Sprintf("partially filled: %.2f of %.2f (remaining %.2f)",
				pee.Filled, pee.Requested, pee.Requested-pee.Filled)
		} else {
			result.Outcome = domain.OutcomeFailed
			result.Message = execErr.Error()
		}
	}
	return result, execErr
}

// recordOutcome updates breaker counters, audit, events and notifications
// for a dispatch outcome.
func (s *TradingService) recordOutcome(ctx context.Context, req domain.OrderRequest, result domain.PlacementResult, execErr error) {
	switch result.Outcome {
	case domain.OutcomeFilled, domain.OutcomePartiallyFilled, domain.OutcomeAccepted:
		s.breaker.RecordSuccess(req.Symbol)
		s.breaker.RecordSuccess(breaker.GlobalScope)
	case domain.OutcomeFailed:
		if s.breaker.RecordFailure(req.Symbol) {
			s.notify(ctx, notify.Event{
				Type:   notify.EventBreakerTripped,
				Symbol: req.Symbol,
				Title:  "Circuit breaker tripped",
				Detail: "scope opened after repeated execution failures",
			})
		}
		if s.breaker.RecordFailure(breaker.GlobalScope) {
			s.notify(ctx, notify.Event{
				Type:   notify.EventBreakerTripped,
				Title:  "Circuit breaker tripped",
				Detail: "global scope opened: execution failure storm",
			})
		}
	}

	detail := map[string]any{
		"request_id":      req.ID,
		"symbol":          req.Symbol,
		"side":            string(req.Side),
		"outcome":         string(result.Outcome),
		"status":          string(result.Status),
		"filled_quantity": result.FilledQuantity,
		"avg_price":       result.AvgPrice,
	}
	if execErr != nil {
		detail["error"] = execErr.Error()
	}
	s.auditEvent(ctx, "order_"+string(result.Outcome), detail)
	s.publishEvent(ctx, result)

	if result.Outcome == domain.OutcomeFilled {
		s.notify(ctx, notify.Event{
			Type:    notify.EventOrderFilled,
			Symbol:  req.Symbol,
			OrderID: result.OrderID,
			Title:   "Order filled",
			Detail:  fmt.Sprintf("%s %.2f @ %.2f", req.Side, result.FilledQuantity, result.AvgPrice),
		})
	}
}

// CancelOrder cancels an open order. An order mid-chunk follows broker
// cancel semantics for the submitted chunk; unsubmitted chunks are skipped
// by the execution context's cancellation.
func (s *TradingService) CancelOrder(ctx context.Context, orderID string) error {
	if s.orders == nil {
		return fmt.Errorf("trading_service: no order store configured")
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("trading_service: cancel %s: %w", orderID, err)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("trading_service: cancel %s: order already %s", orderID, order.Status)
	}

	if order.BrokerOrderID != "" && s.broker != nil {
		if err := s.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
			return fmt.Errorf("trading_service: broker cancel %s: %w", orderID, err)
		}
	}
	if err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusCancelled); err != nil {
		return fmt.Errorf("trading_service: cancel %s: %w", orderID, err)
	}
	s.auditEvent(ctx, "order_cancelled", map[string]any{"order_id": orderID})
	return nil
}

// BreakerState exposes breaker status for operational surfaces.
func (s *TradingService) BreakerState(scope string) domain.BreakerState {
	return s.breaker.State(scope)
}

func (s *TradingService) tradesSoFar() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.now().Format("2006-01-02")
	if day != s.tradingDay {
		return 0
	}
	return s.tradesToday
}

func (s *TradingService) countTrade() {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.now().Format("2006-01-02")
	if day != s.tradingDay {
		s.tradingDay = day
		s.tradesToday = 0
	}
	s.tradesToday++
}

func (s *TradingService) auditEvent(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradingService) publishEvent(ctx context.Context, result domain.PlacementResult) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.bus.StreamAppend(ctx, EventStream, payload); err != nil {
		s.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}

func (s *TradingService) notify(ctx context.Context, ev notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("event", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}
