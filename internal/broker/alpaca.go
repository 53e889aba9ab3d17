package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantfabric/execgate/internal/domain"
)

// AlpacaBroker is the REST client for the Alpaca trading API. It is the
// full-capability broker: quotes, bracket orders and trailing stops are all
// supported.
type AlpacaBroker struct {
	baseURL    string
	dataURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewAlpacaBroker creates a new Alpaca REST client.
//
// baseURL is the trading API root, e.g. "https://paper-api.alpaca.markets".
// dataURL is the market data API root, e.g. "https://data.alpaca.markets".
func NewAlpacaBroker(baseURL, dataURL, apiKey, apiSecret string) *AlpacaBroker {
	return &AlpacaBroker{
		baseURL:   baseURL,
		dataURL:   dataURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (a *AlpacaBroker) Name() string { return "alpaca" }

type alpacaOrder struct {
	ID             string  `json:"id"`
	Symbol         string  `json:"symbol"`
	Qty            string  `json:"qty"`
	FilledQty      string  `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price"`
	Status         string  `json:"status"`
	Side           string  `json:"side"`
	Type           string  `json:"type"`
	SubmittedAt    string  `json:"submitted_at"`
}

type alpacaOrderRequest struct {
	Symbol       string             `json:"symbol"`
	Qty          string             `json:"qty"`
	Side         string             `json:"side"`
	Type         string             `json:"type"`
	TimeInForce  string             `json:"time_in_force"`
	LimitPrice   *string            `json:"limit_price,omitempty"`
	StopPrice    *string            `json:"stop_price,omitempty"`
	TrailPercent *string            `json:"trail_percent,omitempty"`
	OrderClass   string             `json:"order_class,omitempty"`
	TakeProfit   *alpacaTakeProfit  `json:"take_profit,omitempty"`
	StopLoss     *alpacaStopLoss    `json:"stop_loss,omitempty"`
	ClientID     string             `json:"client_order_id,omitempty"`
}

type alpacaTakeProfit struct {
	LimitPrice string `json:"limit_price"`
}

type alpacaStopLoss struct {
	StopPrice string `json:"stop_price"`
}

// ExecuteOrder submits the order to Alpaca.
func (a *AlpacaBroker) ExecuteOrder(ctx context.Context, order *domain.Order) (domain.BrokerOrder, error) {
	req := alpacaOrderRequest{
		Symbol:      order.Symbol,
		Qty:         formatQty(order.Quantity),
		Side:        string(order.Side),
		Type:        alpacaOrderType(order.Kind),
		TimeInForce: "day",
		ClientID:    order.ID,
	}
	if order.LimitPrice != nil {
		s := formatPrice(*order.LimitPrice)
		req.LimitPrice = &s
	}
	if order.StopPrice != nil {
		s := formatPrice(*order.StopPrice)
		req.StopPrice = &s
	}
	if order.Kind == domain.OrderKindTrailingStop && order.TrailPercent != nil {
		s := formatPrice(*order.TrailPercent)
		req.TrailPercent = &s
	}

	body, err := a.doRequest(ctx, http.MethodPost, a.baseURL, "/v2/orders", req)
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("alpaca: execute order: %w", err)
	}

	var resp alpacaOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("alpaca: decode order response: %w", err)
	}
	return a.toBrokerOrder(resp), nil
}

// GetAccount returns account balances and buying power.
func (a *AlpacaBroker) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	body, err := a.doRequest(ctx, http.MethodGet, a.baseURL, "/v2/account", nil)
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("alpaca: get account: %w", err)
	}

	var resp struct {
		AccountNumber     string `json:"account_number"`
		Cash              string `json:"cash"`
		Equity            string `json:"equity"`
		BuyingPower       string `json:"buying_power"`
		PatternDayTrader  bool   `json:"pattern_day_trader"`
		Currency          string `json:"currency"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.AccountInfo{}, fmt.Errorf("alpaca: decode account: %w", err)
	}

	return domain.AccountInfo{
		AccountID:   resp.AccountNumber,
		Cash:        parseFloat(resp.Cash),
		Equity:      parseFloat(resp.Equity),
		BuyingPower: parseFloat(resp.BuyingPower),
		PatternDay:  resp.PatternDayTrader,
		Currency:    resp.Currency,
		RetrievedAt: time.Now(),
	}, nil
}

// GetPositions returns all open positions.
func (a *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	body, err := a.doRequest(ctx, http.MethodGet, a.baseURL, "/v2/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: get positions: %w", err)
	}

	var resp []struct {
		Symbol        string `json:"symbol"`
		Qty           string `json:"qty"`
		AvgEntryPrice string `json:"avg_entry_price"`
		MarketValue   string `json:"market_value"`
		UnrealizedPL  string `json:"unrealized_pl"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alpaca: decode positions: %w", err)
	}

	positions := make([]domain.BrokerPosition, 0, len(resp))
	for _, p := range resp {
		positions = append(positions, domain.BrokerPosition{
			Symbol:       p.Symbol,
			Quantity:     parseFloat(p.Qty),
			AvgEntry:     parseFloat(p.AvgEntryPrice),
			MarketValue:  parseFloat(p.MarketValue),
			UnrealizedPL: parseFloat(p.UnrealizedPL),
		})
	}
	return positions, nil
}

// GetOrderStatus fetches the current state of a single order.
func (a *AlpacaBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.BrokerOrder, error) {
	path := fmt.Sprintf("/v2/orders/%s", url.PathEscape(brokerOrderID))
	body, err := a.doRequest(ctx, http.MethodGet, a.baseURL, path, nil)
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("alpaca: get order %s: %w", brokerOrderID, err)
	}

	var resp alpacaOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("alpaca: decode order: %w", err)
	}
	return a.toBrokerOrder(resp), nil
}

// CancelOrder cancels an open order.
func (a *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	path := fmt.Sprintf("/v2/orders/%s", url.PathEscape(brokerOrderID))
	if _, err := a.doRequest(ctx, http.MethodDelete, a.baseURL, path, nil); err != nil {
		return fmt.Errorf("alpaca: cancel order %s: %w", brokerOrderID, err)
	}
	return nil
}

// GetOrderHistory lists closed orders, newest first.
func (a *AlpacaBroker) GetOrderHistory(ctx context.Context, opts domain.ListOpts) ([]domain.BrokerOrder, error) {
	params := url.Values{}
	params.Set("status", "closed")
	params.Set("direction", "desc")
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	body, err := a.doRequest(ctx, http.MethodGet, a.baseURL, "/v2/orders?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: get order history: %w", err)
	}

	var resp []alpacaOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alpaca: decode order history: %w", err)
	}

	orders := make([]domain.BrokerOrder, 0, len(resp))
	for _, o := range resp {
		orders = append(orders, a.toBrokerOrder(o))
	}
	return orders, nil
}

// GetTradeDetail returns per-fill detail for an order from account activities.
func (a *AlpacaBroker) GetTradeDetail(ctx context.Context, brokerOrderID string) ([]domain.Fill, error) {
	path := "/v2/account/activities/FILL"
	body, err := a.doRequest(ctx, http.MethodGet, a.baseURL, path, nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: get trade detail: %w", err)
	}

	var resp []struct {
		ID              string `json:"id"`
		OrderID         string `json:"order_id"`
		Qty             string `json:"qty"`
		Price           string `json:"price"`
		TransactionTime string `json:"transaction_time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alpaca: decode activities: %w", err)
	}

	var fills []domain.Fill
	for _, act := range resp {
		if act.OrderID != brokerOrderID {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, act.TransactionTime)
		fills = append(fills, domain.Fill{
			ID:        act.ID,
			Broker:    a.Name(),
			Quantity:  parseFloat(act.Qty),
			Price:     parseFloat(act.Price),
			Timestamp: ts,
		})
	}
	return fills, nil
}

// GetAsset returns the asset record for a symbol, used for tradability checks.
func (a *AlpacaBroker) GetAsset(ctx context.Context, symbol string) (domain.Asset, error) {
	path := fmt.Sprintf("/v2/assets/%s", url.PathEscape(symbol))
	body, err := a.doRequest(ctx, http.MethodGet, a.baseURL, path, nil)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("alpaca: get asset %s: %w", symbol, err)
	}

	var resp struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		Tradable     bool   `json:"tradable"`
		Fractionable bool   `json:"fractionable"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Asset{}, fmt.Errorf("alpaca: decode asset: %w", err)
	}

	return domain.Asset{
		Symbol:       resp.Symbol,
		Tradable:     resp.Tradable,
		StatusActive: resp.Status == "active",
		Fractionable: resp.Fractionable,
	}, nil
}

// GetQuote returns the latest NBBO quote for a symbol.
func (a *AlpacaBroker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	path := fmt.Sprintf("/v2/stocks/%s/quotes/latest", url.PathEscape(symbol))
	body, err := a.doRequest(ctx, http.MethodGet, a.dataURL, path, nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("alpaca: get quote %s: %w", symbol, err)
	}

	var resp struct {
		Quote struct {
			BidPrice  float64 `json:"bp"`
			AskPrice  float64 `json:"ap"`
			Timestamp string  `json:"t"`
		} `json:"quote"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("alpaca: decode quote: %w", err)
	}

	ts, _ := time.Parse(time.RFC3339Nano, resp.Quote.Timestamp)
	return domain.Quote{
		Symbol:    symbol,
		Bid:       resp.Quote.BidPrice,
		Ask:       resp.Quote.AskPrice,
		Last:      (resp.Quote.BidPrice + resp.Quote.AskPrice) / 2,
		Timestamp: ts,
	}, nil
}

// GetMarketHours returns the trading clock.
func (a *AlpacaBroker) GetMarketHours(ctx context.Context) (domain.MarketHours, error) {
	body, err := a.doRequest(ctx, http.MethodGet, a.baseURL, "/v2/clock", nil)
	if err != nil {
		return domain.MarketHours{}, fmt.Errorf("alpaca: get clock: %w", err)
	}

	var resp struct {
		IsOpen    bool   `json:"is_open"`
		NextOpen  string `json:"next_open"`
		NextClose string `json:"next_close"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.MarketHours{}, fmt.Errorf("alpaca: decode clock: %w", err)
	}

	nextOpen, _ := time.Parse(time.RFC3339, resp.NextOpen)
	nextClose, _ := time.Parse(time.RFC3339, resp.NextClose)
	return domain.MarketHours{
		IsOpen:    resp.IsOpen,
		NextOpen:  nextOpen,
		NextClose: nextClose,
	}, nil
}

// PlaceBracketOrder submits an entry order with attached take-profit and
// stop-loss legs.
func (a *AlpacaBroker) PlaceBracketOrder(ctx context.Context, order *domain.Order, takeProfit, stopLoss float64) ([]domain.BrokerOrder, error) {
	req := alpacaOrderRequest{
		Symbol:      order.Symbol,
		Qty:         formatQty(order.Quantity),
		Side:        string(order.Side),
		Type:        alpacaOrderType(order.Kind),
		TimeInForce: "gtc",
		OrderClass:  "bracket",
		TakeProfit:  &alpacaTakeProfit{LimitPrice: formatPrice(takeProfit)},
		StopLoss:    &alpacaStopLoss{StopPrice: formatPrice(stopLoss)},
		ClientID:    order.ID,
	}
	if order.LimitPrice != nil {
		s := formatPrice(*order.LimitPrice)
		req.LimitPrice = &s
	}

	body, err := a.doRequest(ctx, http.MethodPost, a.baseURL, "/v2/orders", req)
	if err != nil {
		return nil, fmt.Errorf("alpaca: place bracket order: %w", err)
	}

	var resp struct {
		alpacaOrder
		Legs []alpacaOrder `json:"legs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alpaca: decode bracket response: %w", err)
	}

	orders := []domain.BrokerOrder{a.toBrokerOrder(resp.alpacaOrder)}
	for _, leg := range resp.Legs {
		orders = append(orders, a.toBrokerOrder(leg))
	}
	return orders, nil
}

// PlaceTrailingStop submits a trailing stop order with the given trail percent.
func (a *AlpacaBroker) PlaceTrailingStop(ctx context.Context, order *domain.Order, trailPercent float64) (domain.BrokerOrder, error) {
	trail := formatPrice(trailPercent)
	req := alpacaOrderRequest{
		Symbol:       order.Symbol,
		Qty:          formatQty(order.Quantity),
		Side:         string(order.Side),
		Type:         "trailing_stop",
		TimeInForce:  "gtc",
		TrailPercent: &trail,
		ClientID:     order.ID,
	}

	body, err := a.doRequest(ctx, http.MethodPost, a.baseURL, "/v2/orders", req)
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("alpaca: place trailing stop: %w", err)
	}

	var resp alpacaOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("alpaca: decode trailing stop response: %w", err)
	}
	return a.toBrokerOrder(resp), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest builds, authenticates, sends, and reads an HTTP request against
// the Alpaca API.
func (a *AlpacaBroker) doRequest(ctx context.Context, method, base, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.apiSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &domain.BrokerError{
			Broker:    a.Name(),
			Code:      "transport",
			Message:   err.Error(),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := a.checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to BrokerError values with
// retryability hints.
func (a *AlpacaBroker) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)

	berr := &domain.BrokerError{
		Broker:  a.Name(),
		Code:    strconv.Itoa(statusCode),
		Message: apiErr.Message,
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		berr.Retryable = true
	case statusCode >= 500:
		berr.Retryable = true
	default:
		// 4xx other than 429 will not succeed on retry.
		berr.Retryable = false
	}
	return berr
}

func (a *AlpacaBroker) toBrokerOrder(o alpacaOrder) domain.BrokerOrder {
	submittedAt, _ := time.Parse(time.RFC3339, o.SubmittedAt)
	var filledPrice float64
	if o.FilledAvgPrice != nil {
		filledPrice = parseFloat(*o.FilledAvgPrice)
	}
	return domain.BrokerOrder{
		BrokerOrderID: o.ID,
		Status:        mapAlpacaStatus(o.Status),
		FilledQty:     parseFloat(o.FilledQty),
		FilledPrice:   filledPrice,
		SubmittedAt:   submittedAt,
	}
}

func mapAlpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "pending_cancel":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusPending
	}
}

func alpacaOrderType(kind domain.OrderKind) string {
	switch kind {
	case domain.OrderKindLimit:
		return "limit"
	case domain.OrderKindStop:
		return "stop"
	case domain.OrderKindStopLimit:
		return "stop_limit"
	case domain.OrderKindTrailingStop:
		return "trailing_stop"
	default:
		return "market"
	}
}

func formatQty(qty float64) string {
	return strconv.FormatFloat(qty, 'f', -1, 64)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// Compile-time interface check.
var _ Client = (*AlpacaBroker)(nil)
