package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfabric/execgate/internal/domain"
)

const (
	// streamWriteWait is the time allowed to write a message to the peer.
	streamWriteWait = 10 * time.Second

	// streamPongWait is the time allowed to read the next pong from the peer.
	streamPongWait = 60 * time.Second

	// streamPingPeriod sends pings at this interval. Must be less than
	// streamPongWait.
	streamPingPeriod = (streamPongWait * 9) / 10

	// streamReconnectDelay is the base delay before reconnecting.
	streamReconnectDelay = 2 * time.Second

	// streamMaxReconnectDelay caps the reconnect backoff.
	streamMaxReconnectDelay = 60 * time.Second
)

// StatusUpdateHandler is called for every trade update pushed by the stream.
type StatusUpdateHandler func(StatusUpdate)

// AlpacaStream is a WebSocket client for the Alpaca trade-updates stream.
// It authenticates, subscribes to the trade_updates channel, converts each
// event into a StatusUpdate, and reconnects with backoff after drops.
type AlpacaStream struct {
	wsURL     string
	apiKey    string
	apiSecret string
	logger    *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	handlerMu sync.RWMutex
	handlers  []StatusUpdateHandler

	done chan struct{}
}

// NewAlpacaStream creates a trade-updates stream client.
//
// wsURL is the streaming endpoint, e.g. "wss://paper-api.alpaca.markets/stream".
func NewAlpacaStream(wsURL, apiKey, apiSecret string, logger *slog.Logger) *AlpacaStream {
	return &AlpacaStream{
		wsURL:     wsURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		logger:    logger.With(slog.String("component", "alpaca_stream")),
		done:      make(chan struct{}),
	}
}

// OnStatusUpdate registers a handler for pushed order-state changes.
func (s *AlpacaStream) OnStatusUpdate(handler StatusUpdateHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Connect dials the stream, authenticates, and subscribes to trade updates.
func (s *AlpacaStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("alpaca/stream: client is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("alpaca/stream: connect: %w", err)
	}
	s.conn = conn

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	auth := map[string]any{
		"action": "auth",
		"key":    s.apiKey,
		"secret": s.apiSecret,
	}
	if err := s.send(auth); err != nil {
		return fmt.Errorf("alpaca/stream: auth: %w", err)
	}

	listen := map[string]any{
		"action": "listen",
		"data":   map[string]any{"streams": []string{"trade_updates"}},
	}
	if err := s.send(listen); err != nil {
		return fmt.Errorf("alpaca/stream: subscribe: %w", err)
	}

	go s.readLoop()
	go s.pingLoop()

	return nil
}

// Close shuts down the stream and stops the read loop.
func (s *AlpacaStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	if s.conn != nil {
		_ = s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return s.conn.Close()
	}
	return nil
}

// send writes a JSON message. Caller must hold s.mu.
func (s *AlpacaStream) send(msg any) error {
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads stream messages and dispatches trade updates. It runs in
// its own goroutine and triggers reconnection on disconnect.
func (s *AlpacaStream) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			s.logger.Warn("stream disconnected, reconnecting",
				slog.String("error", err.Error()),
			)
			s.reconnect()
			return
		}

		s.handleMessage(message)
	}
}

// pingLoop keeps the connection alive.
func (s *AlpacaStream) pingLoop() {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type alpacaTradeUpdate struct {
	Event string `json:"event"`
	Qty   string `json:"qty"`
	Price string `json:"price"`
	At    string `json:"timestamp"`
	Order alpacaOrder `json:"order"`
}

// handleMessage parses a stream envelope and routes trade updates to the
// registered handlers. Other stream types are dropped.
func (s *AlpacaStream) handleMessage(raw []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	if envelope.Stream != "trade_updates" {
		return
	}

	var update alpacaTradeUpdate
	if err := json.Unmarshal(envelope.Data, &update); err != nil {
		return
	}

	at, err := time.Parse(time.RFC3339Nano, update.At)
	if err != nil {
		at = time.Now()
	}

	su := StatusUpdate{
		Broker:        "alpaca",
		BrokerOrderID: update.Order.ID,
		Status:        mapStreamEvent(update.Event, update.Order.Status),
		FilledQty:     parseFloat(update.Order.FilledQty),
		FilledPrice:   streamFilledPrice(update),
		At:            at,
	}

	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()

	for _, h := range handlers {
		h(su)
	}
}

// reconnect re-establishes the stream with exponential backoff. It blocks
// until successful or the client is closed.
func (s *AlpacaStream) reconnect() {
	delay := streamReconnectDelay

	for {
		select {
		case <-s.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := s.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > streamMaxReconnectDelay {
			delay = streamMaxReconnectDelay
		}
	}
}

// mapStreamEvent prefers the push event name over the embedded order status
// because the status field can lag the event on partial fills.
func mapStreamEvent(event, orderStatus string) domain.OrderStatus {
	switch event {
	case "fill":
		return domain.OrderStatusFilled
	case "partial_fill":
		return domain.OrderStatusPartiallyFilled
	case "canceled":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return mapAlpacaStatus(orderStatus)
	}
}

func streamFilledPrice(update alpacaTradeUpdate) float64 {
	if update.Order.FilledAvgPrice != nil {
		return parseFloat(*update.Order.FilledAvgPrice)
	}
	return parseFloat(update.Price)
}
