package notify

// Canonical event types emitted by the trading pipeline. Operators list a
// subset in configuration to filter what gets delivered.
const (
	EventOrderFilled    = "order_filled"
	EventOrderRejected  = "order_rejected"
	EventBreakerTripped = "breaker_tripped"
	EventBrokerFailover = "broker_failover"
	EventReconcileDrift = "reconcile_drift"
)

// Event is one pipeline occurrence worth telling an operator about. Type
// drives filtering; Symbol and OrderID are optional context the senders
// render when present (a breaker trip on the global scope has neither).
type Event struct {
	Type    string
	Symbol  string
	OrderID string
	Title   string
	Detail  string
}
