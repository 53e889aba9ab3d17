package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnsupported      = errors.New("operation not supported by this broker")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrNoHealthyBrokers = errors.New("no healthy brokers available")
	ErrLockHeld         = errors.New("lock already held")
	ErrContextDone      = errors.New("context cancelled")
)

// ValidationError reports a syntactically invalid order request. It is
// returned before any side effect has taken place.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// RiskRejectionError reports a pre-trade risk rejection. Violations carries
// the specific reasons the assessment rejected the trade.
type RiskRejectionError struct {
	Violations []string
}

func (e *RiskRejectionError) Error() string {
	return fmt.Sprintf("risk rejected: %v", e.Violations)
}

// BrokerError reports a failed broker call. Code is the broker-specific
// error code when one was returned; Retryable hints whether the same call
// may succeed if repeated.
type BrokerError struct {
	Broker    string
	Code      string
	Message   string
	Retryable bool
}

func (e *BrokerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker %s: %s (%s)", e.Broker, e.Message, e.Code)
	}
	return fmt.Sprintf("broker %s: %s", e.Broker, e.Message)
}

// PartialExecutionError reports a chunked execution in which some chunks
// filled and others did not.
type PartialExecutionError struct {
	OrderID   string
	Filled    float64
	Requested float64
	Failures  []error
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("partial execution of order %s: filled %.4f of %.4f (%d chunk failures)",
		e.OrderID, e.Filled, e.Requested, len(e.Failures))
}

// Unwrap exposes the per-chunk failures to errors.Is/As.
func (e *PartialExecutionError) Unwrap() []error { return e.Failures }

// InconsistencyError reports a divergence between broker-confirmed state and
// local state, e.g. a broker accepted an order but the local commit failed.
// It must always be surfaced for reconciliation, never swallowed.
type InconsistencyError struct {
	OrderID       string
	BrokerOrderID string
	Cause         error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("inconsistent state for order %s (broker id %s): %v",
		e.OrderID, e.BrokerOrderID, e.Cause)
}

func (e *InconsistencyError) Unwrap() error { return e.Cause }
