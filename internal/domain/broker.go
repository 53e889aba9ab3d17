package domain

import "time"

// AccountInfo is a snapshot of a brokerage account's financial metrics.
type AccountInfo struct {
	AccountID    string
	Cash         float64
	Equity       float64
	BuyingPower  float64
	PatternDay   bool
	Currency     string
	RetrievedAt  time.Time
}

// BrokerPosition is one position as reported by a broker.
type BrokerPosition struct {
	Symbol       string
	Quantity     float64
	AvgEntry     float64
	MarketValue  float64
	UnrealizedPL float64
}

// BrokerOrder is the broker-side view of a submitted order, returned by
// execute and status calls.
type BrokerOrder struct {
	BrokerOrderID string
	Status        OrderStatus
	FilledQty     float64
	FilledPrice   float64
	SubmittedAt   time.Time
}

// Fill is one execution against an order. Fills are the only input to fill
// accounting; FilledQuantity/AvgFillPrice on Order are derived from them.
type Fill struct {
	ID        string
	OrderID   string
	Broker    string
	Quantity  float64
	Price     float64
	Timestamp time.Time
}

// BrokerHealth is the externally visible health record for one broker.
type BrokerHealth struct {
	Name        string
	Healthy     bool
	Failures    int
	LastChecked time.Time
}

// Quote is a bid/ask snapshot from a broker that supports quoting.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Timestamp time.Time
}

// MarketHours describes the trading session around a given moment.
type MarketHours struct {
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// Asset is broker reference data for one symbol. Tradability is the plain
// conjunction of the tradable flag and an active status; fractionability is
// a separate capability, not part of validity.
type Asset struct {
	Symbol       string
	Tradable     bool
	StatusActive bool
	Fractionable bool
}

// Valid reports whether the asset may be traded at all.
func (a Asset) Valid() bool {
	return a.Tradable && a.StatusActive
}
