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

// SchwabBroker is the REST client for the Schwab trading API. It covers the
// core order and account surface; quotes, bracket orders and trailing stops
// are not offered through this integration and return domain.ErrUnsupported.
type SchwabBroker struct {
	baseURL     string
	accountHash string
	accessToken string
	httpClient  *http.Client
}

// NewSchwabBroker creates a new Schwab REST client.
//
// baseURL is the trader API root, e.g. "https://api.schwabapi.com/trader/v1".
// accountHash is the encrypted account identifier required on account-scoped
// routes.
func NewSchwabBroker(baseURL, accountHash, accessToken string) *SchwabBroker {
	return &SchwabBroker{
		baseURL:     baseURL,
		accountHash: accountHash,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (s *SchwabBroker) Name() string { return "schwab" }

type schwabOrderLeg struct {
	Instruction string           `json:"instruction"`
	Quantity    float64          `json:"quantity"`
	Instrument  schwabInstrument `json:"instrument"`
}

type schwabInstrument struct {
	Symbol    string `json:"symbol"`
	AssetType string `json:"assetType"`
}

type schwabOrder struct {
	OrderID        int64            `json:"orderId"`
	Status         string           `json:"status"`
	FilledQuantity float64          `json:"filledQuantity"`
	Price          float64          `json:"price"`
	EnteredTime    string           `json:"enteredTime"`
	OrderLegs      []schwabOrderLeg `json:"orderLegCollection"`
}

// ExecuteOrder submits the order to Schwab. The broker order ID comes back
// in the Location header rather than the response body.
func (s *SchwabBroker) ExecuteOrder(ctx context.Context, order *domain.Order) (domain.BrokerOrder, error) {
	req := map[string]any{
		"orderType":          schwabOrderType(order.Kind),
		"session":            "NORMAL",
		"duration":           "DAY",
		"orderStrategyType":  "SINGLE",
		"orderLegCollection": []schwabOrderLeg{
			{
				Instruction: schwabInstruction(order.Side),
				Quantity:    order.Quantity,
				Instrument:  schwabInstrument{Symbol: order.Symbol, AssetType: "EQUITY"},
			},
		},
	}
	if order.LimitPrice != nil {
		req["price"] = *order.LimitPrice
	}
	if order.StopPrice != nil {
		req["stopPrice"] = *order.StopPrice
	}

	path := fmt.Sprintf("/accounts/%s/orders", url.PathEscape(s.accountHash))
	resp, err := s.doRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("schwab: execute order: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	orderID := orderIDFromLocation(resp.Header.Get("Location"))
	if orderID == "" {
		return domain.BrokerOrder{}, fmt.Errorf("schwab: execute order: no order id in response")
	}
	return domain.BrokerOrder{
		BrokerOrderID: orderID,
		Status:        domain.OrderStatusPending,
		SubmittedAt:   time.Now(),
	}, nil
}

// GetAccount returns the account's balances.
func (s *SchwabBroker) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	path := fmt.Sprintf("/accounts/%s", url.PathEscape(s.accountHash))
	body, err := s.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("schwab: get account: %w", err)
	}

	var resp struct {
		SecuritiesAccount struct {
			AccountNumber   string `json:"accountNumber"`
			IsDayTrader     bool   `json:"isDayTrader"`
			CurrentBalances struct {
				CashBalance       float64 `json:"cashBalance"`
				Equity            float64 `json:"equity"`
				BuyingPower       float64 `json:"buyingPower"`
			} `json:"currentBalances"`
		} `json:"securitiesAccount"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.AccountInfo{}, fmt.Errorf("schwab: decode account: %w", err)
	}

	acct := resp.SecuritiesAccount
	return domain.AccountInfo{
		AccountID:   acct.AccountNumber,
		Cash:        acct.CurrentBalances.CashBalance,
		Equity:      acct.CurrentBalances.Equity,
		BuyingPower: acct.CurrentBalances.BuyingPower,
		PatternDay:  acct.IsDayTrader,
		Currency:    "USD",
		RetrievedAt: time.Now(),
	}, nil
}

// GetPositions returns all open positions in the account.
func (s *SchwabBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	path := fmt.Sprintf("/accounts/%s?fields=positions", url.PathEscape(s.accountHash))
	body, err := s.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("schwab: get positions: %w", err)
	}

	var resp struct {
		SecuritiesAccount struct {
			Positions []struct {
				LongQuantity  float64          `json:"longQuantity"`
				ShortQuantity float64          `json:"shortQuantity"`
				AveragePrice  float64          `json:"averagePrice"`
				MarketValue   float64          `json:"marketValue"`
				UnrealizedPL  float64          `json:"longOpenProfitLoss"`
				Instrument    schwabInstrument `json:"instrument"`
			} `json:"positions"`
		} `json:"securitiesAccount"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("schwab: decode positions: %w", err)
	}

	positions := make([]domain.BrokerPosition, 0, len(resp.SecuritiesAccount.Positions))
	for _, p := range resp.SecuritiesAccount.Positions {
		qty := p.LongQuantity - p.ShortQuantity
		positions = append(positions, domain.BrokerPosition{
			Symbol:       p.Instrument.Symbol,
			Quantity:     qty,
			AvgEntry:     p.AveragePrice,
			MarketValue:  p.MarketValue,
			UnrealizedPL: p.UnrealizedPL,
		})
	}
	return positions, nil
}

// GetOrderStatus fetches a single order by its broker ID.
func (s *SchwabBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.BrokerOrder, error) {
	path := fmt.Sprintf("/accounts/%s/orders/%s", url.PathEscape(s.accountHash), url.PathEscape(brokerOrderID))
	body, err := s.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("schwab: get order %s: %w", brokerOrderID, err)
	}

	var resp schwabOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("schwab: decode order: %w", err)
	}
	return s.toBrokerOrder(resp), nil
}

// CancelOrder cancels an open order.
func (s *SchwabBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	path := fmt.Sprintf("/accounts/%s/orders/%s", url.PathEscape(s.accountHash), url.PathEscape(brokerOrderID))
	if _, err := s.doJSON(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("schwab: cancel order %s: %w", brokerOrderID, err)
	}
	return nil
}

// GetOrderHistory lists recent orders for the account.
func (s *SchwabBroker) GetOrderHistory(ctx context.Context, opts domain.ListOpts) ([]domain.BrokerOrder, error) {
	params := url.Values{}
	if opts.Limit > 0 {
		params.Set("maxResults", strconv.Itoa(opts.Limit))
	}
	path := fmt.Sprintf("/accounts/%s/orders", url.PathEscape(s.accountHash))
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	body, err := s.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("schwab: get order history: %w", err)
	}

	var resp []schwabOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("schwab: decode order history: %w", err)
	}

	orders := make([]domain.BrokerOrder, 0, len(resp))
	for _, o := range resp {
		orders = append(orders, s.toBrokerOrder(o))
	}
	return orders, nil
}

// GetTradeDetail returns the execution legs recorded against an order.
func (s *SchwabBroker) GetTradeDetail(ctx context.Context, brokerOrderID string) ([]domain.Fill, error) {
	path := fmt.Sprintf("/accounts/%s/orders/%s", url.PathEscape(s.accountHash), url.PathEscape(brokerOrderID))
	body, err := s.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("schwab: get trade detail %s: %w", brokerOrderID, err)
	}

	var resp struct {
		OrderActivityCollection []struct {
			ExecutionLegs []struct {
				LegID    int64   `json:"legId"`
				Quantity float64 `json:"quantity"`
				Price    float64 `json:"price"`
				Time     string  `json:"time"`
			} `json:"executionLegs"`
		} `json:"orderActivityCollection"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("schwab: decode trade detail: %w", err)
	}

	var fills []domain.Fill
	for _, act := range resp.OrderActivityCollection {
		for _, leg := range act.ExecutionLegs {
			ts, _ := time.Parse(time.RFC3339, leg.Time)
			fills = append(fills, domain.Fill{
				ID:        fmt.Sprintf("%s-%d", brokerOrderID, leg.LegID),
				Broker:    s.Name(),
				Quantity:  leg.Quantity,
				Price:     leg.Price,
				Timestamp: ts,
			})
		}
	}
	return fills, nil
}

// GetAsset returns reference data for a symbol. Schwab exposes no dedicated
// asset endpoint on the trader API, so symbols it can resolve via instrument
// search are treated as active and tradable.
func (s *SchwabBroker) GetAsset(ctx context.Context, symbol string) (domain.Asset, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("projection", "symbol-search")

	body, err := s.doJSON(ctx, http.MethodGet, "/instruments?"+params.Encode(), nil)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("schwab: get asset %s: %w", symbol, err)
	}

	var resp struct {
		Instruments []schwabInstrument `json:"instruments"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Asset{}, fmt.Errorf("schwab: decode instruments: %w", err)
	}
	if len(resp.Instruments) == 0 {
		return domain.Asset{}, fmt.Errorf("schwab: asset %s: %w", symbol, domain.ErrNotFound)
	}

	return domain.Asset{
		Symbol:       resp.Instruments[0].Symbol,
		Tradable:     true,
		StatusActive: true,
		Fractionable: false,
	}, nil
}

// GetQuote is not available through this integration.
func (s *SchwabBroker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{}, fmt.Errorf("schwab: quote: %w", domain.ErrUnsupported)
}

// GetMarketHours returns the equity session for today.
func (s *SchwabBroker) GetMarketHours(ctx context.Context) (domain.MarketHours, error) {
	body, err := s.doJSON(ctx, http.MethodGet, "/markets/equity", nil)
	if err != nil {
		return domain.MarketHours{}, fmt.Errorf("schwab: get market hours: %w", err)
	}

	var resp struct {
		Equity struct {
			EQ struct {
				IsOpen       bool `json:"isOpen"`
				SessionHours struct {
					RegularMarket []struct {
						Start string `json:"start"`
						End   string `json:"end"`
					} `json:"regularMarket"`
				} `json:"sessionHours"`
			} `json:"EQ"`
		} `json:"equity"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.MarketHours{}, fmt.Errorf("schwab: decode market hours: %w", err)
	}

	hours := domain.MarketHours{IsOpen: resp.Equity.EQ.IsOpen}
	if sessions := resp.Equity.EQ.SessionHours.RegularMarket; len(sessions) > 0 {
		hours.NextOpen, _ = time.Parse(time.RFC3339, sessions[0].Start)
		hours.NextClose, _ = time.Parse(time.RFC3339, sessions[0].End)
	}
	return hours, nil
}

// PlaceBracketOrder is not available through this integration.
func (s *SchwabBroker) PlaceBracketOrder(ctx context.Context, order *domain.Order, takeProfit, stopLoss float64) ([]domain.BrokerOrder, error) {
	return nil, fmt.Errorf("schwab: bracket order: %w", domain.ErrUnsupported)
}

// PlaceTrailingStop is not available through this integration.
func (s *SchwabBroker) PlaceTrailingStop(ctx context.Context, order *domain.Order, trailPercent float64) (domain.BrokerOrder, error) {
	return domain.BrokerOrder{}, fmt.Errorf("schwab: trailing stop: %w", domain.ErrUnsupported)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest builds, authenticates and sends an HTTP request. The caller owns
// the response body.
func (s *SchwabBroker) doRequest(ctx context.Context, method, path string, reqBody any) (*http.Response, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &domain.BrokerError{
			Broker:    s.Name(),
			Code:      "transport",
			Message:   err.Error(),
			Retryable: true,
		}
	}

	if err := s.checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// doJSON sends a request and reads the full response body.
func (s *SchwabBroker) doJSON(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	resp, err := s.doRequest(ctx, method, path, reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// checkStatus maps non-2xx HTTP status codes to BrokerError values.
func (s *SchwabBroker) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)

	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Error
	}

	return &domain.BrokerError{
		Broker:    s.Name(),
		Code:      strconv.Itoa(resp.StatusCode),
		Message:   msg,
		Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}

func (s *SchwabBroker) toBrokerOrder(o schwabOrder) domain.BrokerOrder {
	enteredAt, _ := time.Parse(time.RFC3339, o.EnteredTime)
	return domain.BrokerOrder{
		BrokerOrderID: strconv.FormatInt(o.OrderID, 10),
		Status:        mapSchwabStatus(o.Status),
		FilledQty:     o.FilledQuantity,
		FilledPrice:   o.Price,
		SubmittedAt:   enteredAt,
	}
}

func mapSchwabStatus(status string) domain.OrderStatus {
	switch status {
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "EXPIRED":
		return domain.OrderStatusExpired
	case "QUEUED", "WORKING", "ACCEPTED", "PENDING_ACTIVATION":
		return domain.OrderStatusPending
	default:
		return domain.OrderStatusPending
	}
}

func schwabOrderType(kind domain.OrderKind) string {
	switch kind {
	case domain.OrderKindLimit:
		return "LIMIT"
	case domain.OrderKindStop:
		return "STOP"
	case domain.OrderKindStopLimit:
		return "STOP_LIMIT"
	default:
		return "MARKET"
	}
}

func schwabInstruction(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

// orderIDFromLocation extracts the trailing order ID from a Location header
// like ".../accounts/<hash>/orders/456".
func orderIDFromLocation(location string) string {
	if location == "" {
		return ""
	}
	for i := len(location) - 1; i >= 0; i-- {
		if location[i] == '/' {
			return location[i+1:]
		}
	}
	return location
}

// Compile-time interface check.
var _ Client = (*SchwabBroker)(nil)
