package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/execgate/internal/breaker"
	"github.com/quantfabric/execgate/internal/broker"
	"github.com/quantfabric/execgate/internal/domain"
	"github.com/quantfabric/execgate/internal/execution"
	"github.com/quantfabric/execgate/internal/risk"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memOrderStore is an in-memory OrderStore for orchestrator tests.
type memOrderStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{orders: make(map[string]domain.Order)}
}

func (s *memOrderStore) Create(ctx context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.orders[order.ID] = order
	return nil
}

func (s *memOrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = status
	s.orders[id] = o
	return nil
}

func (s *memOrderStore) UpdateFill(ctx context.Context, id string, filledQty, avgPrice float64, status domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.FilledQuantity = filledQty
	o.AvgFillPrice = avgPrice
	o.Status = status
	s.orders[id] = o
	return nil
}

func (s *memOrderStore) SetBrokerOrder(ctx context.Context, id, brokerName, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.BrokerName = brokerName
	o.BrokerOrderID = brokerOrderID
	s.orders[id] = o
	return nil
}

func (s *memOrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *memOrderStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}

func (s *memOrderStore) ListOpen(ctx context.Context) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []domain.Order
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			open = append(open, o)
		}
	}
	return open, nil
}

func (s *memOrderStore) ListChildren(ctx context.Context, parentID string) ([]domain.Order, error) {
	return nil, nil
}

func (s *memOrderStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	return nil, nil
}

var _ domain.OrderStore = (*memOrderStore)(nil)

// memAuditStore records audit events in memory.
type memAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (s *memAuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *memAuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *memAuditStore) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, e := range s.entries {
		names = append(names, e.Event)
	}
	return names
}

var _ domain.AuditStore = (*memAuditStore)(nil)

// testBroker is a configurable broker client for orchestrator tests.
type testBroker struct {
	mu          sync.Mutex
	executeErr  error
	executeHits int
	statusByID  map[string]domain.BrokerOrder
	cash        float64
	equity      float64
	positions   []domain.BrokerPosition
	tradable    bool
}

func newTestBroker() *testBroker {
	return &testBroker{
		statusByID: make(map[string]domain.BrokerOrder),
		cash:       1_000_000,
		equity:     1_000_000,
		tradable:   true,
	}
}

func (b *testBroker) Name() string { return "test" }

func (b *testBroker) ExecuteOrder(ctx context.Context, order *domain.Order) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executeHits++
	if b.executeErr != nil {
		return domain.BrokerOrder{}, b.executeErr
	}
	return domain.BrokerOrder{
		BrokerOrderID: fmt.Sprintf("test-%d", b.executeHits),
		Status:        domain.OrderStatusFilled,
		FilledQty:     order.Quantity,
		FilledPrice:   100,
		SubmittedAt:   time.Now(),
	}, nil
}

func (b *testBroker) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	return domain.AccountInfo{Cash: b.cash, Equity: b.equity, Currency: "USD"}, nil
}

func (b *testBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return b.positions, nil
}

func (b *testBroker) GetOrderStatus(ctx context.Context, id string) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bo, ok := b.statusByID[id]
	if !ok {
		return domain.BrokerOrder{}, domain.ErrNotFound
	}
	return bo, nil
}

func (b *testBroker) CancelOrder(ctx context.Context, id string) error { return nil }

func (b *testBroker) GetOrderHistory(ctx context.Context, opts domain.ListOpts) ([]domain.BrokerOrder, error) {
	return nil, nil
}

func (b *testBroker) GetTradeDetail(ctx context.Context, id string) ([]domain.Fill, error) {
	return nil, nil
}

func (b *testBroker) GetAsset(ctx context.Context, symbol string) (domain.Asset, error) {
	return domain.Asset{Symbol: symbol, Tradable: b.tradable, StatusActive: b.tradable}, nil
}

func (b *testBroker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{Symbol: symbol, Bid: 99.5, Ask: 100.5, Last: 100, Timestamp: time.Now()}, nil
}

func (b *testBroker) GetMarketHours(ctx context.Context) (domain.MarketHours, error) {
	return domain.MarketHours{IsOpen: true}, nil
}

func (b *testBroker) PlaceBracketOrder(ctx context.Context, order *domain.Order, tp, sl float64) ([]domain.BrokerOrder, error) {
	return nil, domain.ErrUnsupported
}

func (b *testBroker) PlaceTrailingStop(ctx context.Context, order *domain.Order, trail float64) (domain.BrokerOrder, error) {
	return domain.BrokerOrder{}, domain.ErrUnsupported
}

var _ broker.Client = (*testBroker)(nil)

type testHarness struct {
	svc    *TradingService
	broker *testBroker
	orders *memOrderStore
	audit  *memAuditStore
	cb     *breaker.CircuitBreaker
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	tb := newTestBroker()
	orders := newMemOrderStore()
	audit := &memAuditStore{}
	cb := breaker.New(breaker.DefaultConfig(), discardLogger())

	engine, err := execution.NewEngine(execution.Config{
		MaxChunkSize:    10_000,
		InterChunkDelay: 0,
		ChunkTimeout:    time.Second,
	}, tb, orders, nil, discardLogger())
	require.NoError(t, err)

	riskEngine := risk.NewEngine(risk.Config{
		MaxPositionPct:         0.15,
		ConcentrationThreshold: 0.25,
		MaxTradeValue:          500_000,
		MaxLeverage:            1.0,
		ConfirmationThreshold:  400_000,
		MaxTradesPerDay:        1_000,
	}, nil, discardLogger())

	svc := NewTradingService(
		DefaultTradingConfig(),
		riskEngine, cb, engine, tb,
		orders, audit, nil, nil, nil, nil, nil,
		discardLogger(),
	)
	return &testHarness{svc: svc, broker: tb, orders: orders, audit: audit, cb: cb}
}

func marketBuy(symbol string, qty float64) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:   symbol,
		Side:     domain.OrderSideBuy,
		Kind:     domain.OrderKindMarket,
		Quantity: qty,
	}
}

func TestPlaceOrderFillsAndAudits(t *testing.T) {
	h := newHarness(t)

	result, err := h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 100))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFilled, result.Outcome)
	assert.Equal(t, domain.OrderStatusFilled, result.Status)
	assert.Equal(t, 100.0, result.FilledQuantity)
	assert.Equal(t, 100.0, result.AvgPrice)
	require.NotNil(t, result.Metrics)
	assert.Equal(t, 1.0, result.Metrics.FillRate)

	assert.Contains(t, h.audit.events(), "order_filled")
}

func TestPlaceOrderRejectsMalformedSymbol(t *testing.T) {
	h := newHarness(t)

	result, err := h.svc.PlaceOrder(context.Background(), marketBuy("aapl!!", 100))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejectedValidation, result.Outcome)
	assert.Zero(t, h.broker.executeHits, "validation failures must not reach the broker")
	assert.Contains(t, h.audit.events(), "order_rejected_validation")
}

func TestDispatchPlanFailureLeavesNoStoredOrder(t *testing.T) {
	h := newHarness(t)

	// Bypass validation so the planner itself rejects the strategy. The
	// failure must resolve before the order row is written; otherwise the
	// row stays pending with no broker ID and nothing ever repairs it.
	req := marketBuy("AAPL", 100)
	req.ID = "plan-fail-1"
	req.Strategy = domain.ChunkStrategy("bogus")

	result, err := h.svc.dispatch(context.Background(), req, req.Quantity, 100, 1)

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejectedValidation, result.Outcome)
	assert.Equal(t, domain.OrderStatusRejected, result.Status)
	assert.Zero(t, h.broker.executeHits)

	_, getErr := h.orders.GetByID(context.Background(), "plan-fail-1")
	assert.ErrorIs(t, getErr, domain.ErrNotFound)

	open, listErr := h.orders.ListOpen(context.Background())
	require.NoError(t, listErr)
	assert.Empty(t, open)
}

func TestPlaceOrderRejectsAmbiguousSizing(t *testing.T) {
	h := newHarness(t)

	req := marketBuy("AAPL", 100)
	req.InvestmentAmount = 5_000

	result, err := h.svc.PlaceOrder(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejectedValidation, result.Outcome)
}

func TestPlaceOrderConvertsInvestmentAmount(t *testing.T) {
	h := newHarness(t)

	req := domain.OrderRequest{
		Symbol:           "AAPL",
		Side:             domain.OrderSideBuy,
		Kind:             domain.OrderKindMarket,
		InvestmentAmount: 5_000,
	}

	result, err := h.svc.PlaceOrder(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFilled, result.Outcome)
	assert.Equal(t, 50.0, result.FilledQuantity, "5000 at the 100 reference price is 50 shares")
}

func TestPlaceOrderRejectsOnRisk(t *testing.T) {
	h := newHarness(t)

	// 400,000 notional against 150,000 cap (15% of 1M equity).
	result, err := h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 4_000))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejectedRisk, result.Outcome)
	assert.NotEmpty(t, result.Violations)
	assert.Zero(t, h.broker.executeHits, "risk rejections must not reach the broker")
	assert.Contains(t, h.audit.events(), "order_rejected_risk")
}

func TestPlaceOrderRejectsUntradableSymbol(t *testing.T) {
	h := newHarness(t)
	h.broker.tradable = false

	result, err := h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 10))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejectedValidation, result.Outcome)
	assert.Zero(t, h.broker.executeHits)
}

func TestPlaceOrderBlockedByOpenBreaker(t *testing.T) {
	h := newHarness(t)
	h.cb.Trip(domain.TripTypeManual, "operator halt", "AAPL")

	result, err := h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 10))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCircuitOpen, result.Outcome)
	assert.Zero(t, h.broker.executeHits, "an open breaker must stop the order before the broker")
	assert.Contains(t, h.audit.events(), "order_circuit_open")
}

func TestExecutionFailureStormTripsBreaker(t *testing.T) {
	h := newHarness(t)
	h.broker.executeErr = &domain.BrokerError{Broker: "test", Code: "503", Retryable: true}

	for i := 0; i < 3; i++ {
		result, err := h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 10))
		require.Error(t, err)
		assert.Equal(t, domain.OutcomeFailed, result.Outcome)
	}

	state := h.svc.BreakerState("AAPL")
	assert.Equal(t, domain.BreakerOpen, state.Status)

	// The next order is refused at admission without a broker call.
	before := h.broker.executeHits
	result, err := h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCircuitOpen, result.Outcome)
	assert.Equal(t, before, h.broker.executeHits)
}

func TestSuccessResetsBreakerCounters(t *testing.T) {
	h := newHarness(t)

	h.broker.executeErr = &domain.BrokerError{Broker: "test", Code: "503", Retryable: true}
	_, err := h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 10))
	require.Error(t, err)
	_, err = h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 10))
	require.Error(t, err)

	h.broker.executeErr = nil
	result, err := h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFilled, result.Outcome)

	state := h.svc.BreakerState("AAPL")
	assert.Equal(t, domain.BreakerClosed, state.Status)
	assert.Zero(t, state.Failures)
}

func TestBreakerScopesAreIndependentAcrossSymbols(t *testing.T) {
	h := newHarness(t)
	h.cb.Trip(domain.TripTypeManual, "bad tape", "TSLA")

	result, err := h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 10))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFilled, result.Outcome, "a TSLA halt must not block AAPL")
}

func TestCancelOrderRejectsTerminalOrders(t *testing.T) {
	h := newHarness(t)

	result, err := h.svc.PlaceOrder(context.Background(), marketBuy("AAPL", 10))
	require.NoError(t, err)

	err = h.svc.CancelOrder(context.Background(), result.OrderID)
	assert.Error(t, err, "a filled order cannot be cancelled")
}

func TestReconcilerRepairsDivergentOrder(t *testing.T) {
	h := newHarness(t)

	// Local state says pending; the broker already filled it.
	order := domain.Order{
		ID:            "ord-div",
		Symbol:        "AAPL",
		Side:          domain.OrderSideBuy,
		Kind:          domain.OrderKindMarket,
		Quantity:      100,
		Status:        domain.OrderStatusPending,
		BrokerName:    "test",
		BrokerOrderID: "test-77",
		CreatedAt:     time.Now(),
	}
	require.NoError(t, h.orders.Create(context.Background(), order))
	h.broker.statusByID["test-77"] = domain.BrokerOrder{
		BrokerOrderID: "test-77",
		Status:        domain.OrderStatusFilled,
		FilledQty:     100,
		FilledPrice:   101.5,
	}

	rec := NewReconciler(h.orders, nil, h.broker, time.Minute, discardLogger())
	require.NoError(t, rec.PollOnce(context.Background()))

	repaired, err := h.orders.GetByID(context.Background(), "ord-div")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, repaired.Status)
	assert.Equal(t, 100.0, repaired.FilledQuantity)
	assert.Equal(t, 101.5, repaired.AvgFillPrice)
}

func TestReconcilerAppliesPushedUpdate(t *testing.T) {
	h := newHarness(t)

	order := domain.Order{
		ID:            "ord-push",
		Symbol:        "AAPL",
		Side:          domain.OrderSideBuy,
		Kind:          domain.OrderKindMarket,
		Quantity:      50,
		Status:        domain.OrderStatusPending,
		BrokerOrderID: "test-88",
		CreatedAt:     time.Now(),
	}
	require.NoError(t, h.orders.Create(context.Background(), order))

	rec := NewReconciler(h.orders, nil, h.broker, time.Minute, discardLogger())
	require.NoError(t, rec.applyUpdate(context.Background(), broker.StatusUpdate{
		Broker:        "test",
		BrokerOrderID: "test-88",
		Status:        domain.OrderStatusPartiallyFilled,
		FilledQty:     20,
		FilledPrice:   99,
		At:            time.Now(),
	}))

	updated, err := h.orders.GetByID(context.Background(), "ord-push")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, updated.Status)
	assert.Equal(t, 20.0, updated.FilledQuantity)
}
