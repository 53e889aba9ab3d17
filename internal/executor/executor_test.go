package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/execgate/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPlacer struct {
	mu     sync.Mutex
	placed []domain.OrderRequest
	err    error
	// errOnce makes only the first call fail.
	errOnce bool
}

func (p *recordingPlacer) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacementResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, req)
	if p.err != nil {
		err := p.err
		if p.errOnce {
			p.err = nil
		}
		return domain.PlacementResult{OrderID: req.ID, Outcome: domain.OutcomeFailed}, err
	}
	return domain.PlacementResult{
		OrderID:        req.ID,
		Outcome:        domain.OutcomeFilled,
		Status:         domain.OrderStatusFilled,
		FilledQuantity: req.Quantity,
	}, nil
}

func (p *recordingPlacer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.placed)
}

func runExecutor(t *testing.T, e *Executor) (cancel func(), done chan struct{}) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	return stop, done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func request(id string) domain.OrderRequest {
	return domain.OrderRequest{
		ID:       id,
		Symbol:   "AAPL",
		Side:     domain.OrderSideBuy,
		Kind:     domain.OrderKindMarket,
		Quantity: 10,
	}
}

func TestExecutorPlacesRequests(t *testing.T) {
	ch := make(chan domain.OrderRequest, 4)
	placer := &recordingPlacer{}
	e := NewExecutor(ch, placer, 2, discardLogger())
	cancel, done := runExecutor(t, e)
	defer func() { cancel(); <-done }()

	ch <- request("req-1")
	ch <- request("req-2")

	waitFor(t, func() bool { return placer.count() == 2 })
}

func TestExecutorDeduplicatesByRequestID(t *testing.T) {
	ch := make(chan domain.OrderRequest, 4)
	placer := &recordingPlacer{}
	e := NewExecutor(ch, placer, 1, discardLogger())
	cancel, done := runExecutor(t, e)
	defer func() { cancel(); <-done }()

	ch <- request("req-dup")
	ch <- request("req-dup")
	ch <- request("req-other")

	waitFor(t, func() bool { return placer.count() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, placer.count(), "the duplicate must be dropped")
}

func TestExecutorDropsExpiredRequests(t *testing.T) {
	ch := make(chan domain.OrderRequest, 2)
	placer := &recordingPlacer{}
	e := NewExecutor(ch, placer, 1, discardLogger())
	cancel, done := runExecutor(t, e)
	defer func() { cancel(); <-done }()

	expired := request("req-exp")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	ch <- expired
	ch <- request("req-live")

	waitFor(t, func() bool { return placer.count() == 1 })
	assert.Equal(t, "req-live", placer.placed[0].ID)
}

func TestExecutorRetriesAfterRateLimit(t *testing.T) {
	ch := make(chan domain.OrderRequest, 1)
	placer := &recordingPlacer{err: domain.ErrRateLimited, errOnce: true}
	e := NewExecutor(ch, placer, 1, discardLogger())
	e.SetRetryDelay(time.Millisecond)
	cancel, done := runExecutor(t, e)
	defer func() { cancel(); <-done }()

	ch <- request("req-limited")

	waitFor(t, func() bool { return placer.count() == 2 })
}

func TestExecutorDrainsBufferedRequestsOnShutdown(t *testing.T) {
	ch := make(chan domain.OrderRequest, 4)
	placer := &recordingPlacer{}
	e := NewExecutor(ch, placer, 1, discardLogger())

	ch <- request("req-a")
	ch <- request("req-b")

	ctx, stop := context.WithCancel(context.Background())
	stop()
	err := e.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, placer.count(), "drain must process buffered requests")
}

// stubBus is a fixed-content SignalBus stream for StreamSource tests.
type stubBus struct {
	mu   sync.Mutex
	msgs []domain.StreamMessage
}

func (b *stubBus) Publish(ctx context.Context, channel string, payload []byte) error { return nil }
func (b *stubBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, domain.ErrUnsupported
}
func (b *stubBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", len(b.msgs)+1),
		Payload: payload,
	})
	return nil
}

func (b *stubBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.msgs {
		if m.ID > lastID {
			out = append(out, m)
		}
		if len(out) == count {
			break
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*stubBus)(nil)

func TestStreamSourceDecodesRequests(t *testing.T) {
	bus := &stubBus{}
	payload, err := json.Marshal(request("req-stream"))
	require.NoError(t, err)
	require.NoError(t, bus.StreamAppend(context.Background(), RequestStream, payload))
	require.NoError(t, bus.StreamAppend(context.Background(), RequestStream, []byte("not json")))

	src := NewStreamSource(bus, RequestStream, 10*time.Millisecond, discardLogger())
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = src.Run(ctx)
	}()
	defer func() { stop(); <-done }()

	select {
	case req := <-src.Requests():
		assert.Equal(t, "req-stream", req.ID)
		assert.Equal(t, "AAPL", req.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no request delivered")
	}

	// The malformed entry is dropped, not delivered.
	select {
	case req := <-src.Requests():
		t.Fatalf("unexpected request %q", req.ID)
	case <-time.After(50 * time.Millisecond):
	}
}
