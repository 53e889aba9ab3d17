package domain

import "time"

// OrderRequest is an order-placement request as received from a caller or
// from the intake stream. Exactly one of Quantity or InvestmentAmount must
// be positive.
type OrderRequest struct {
	ID               string // UUID assigned at intake, used for dedup
	Symbol           string
	Side             OrderSide
	Kind             OrderKind
	Quantity         float64
	InvestmentAmount float64
	LimitPrice       *float64
	StopPrice        *float64
	TrailPercent     *float64
	Strategy         ChunkStrategy // optional; engine picks when empty
	Source           string        // originating strategy or client name
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// PlacementOutcome classifies how an order placement concluded.
type PlacementOutcome string

const (
	OutcomeFilled             PlacementOutcome = "filled"
	OutcomePartiallyFilled    PlacementOutcome = "partially_filled"
	OutcomeAccepted           PlacementOutcome = "accepted" // submitted, awaiting fills
	OutcomeRejectedValidation PlacementOutcome = "rejected_validation"
	OutcomeRejectedRisk       PlacementOutcome = "rejected_risk"
	OutcomeCircuitOpen        PlacementOutcome = "circuit_breaker_open"
	OutcomeFailed             PlacementOutcome = "failed"
)

// PlacementResult is the orchestrator's report for one order request. Every
// terminal outcome carries enough detail to reconstruct why it happened.
type PlacementResult struct {
	OrderID        string
	Outcome        PlacementOutcome
	Status         OrderStatus
	Violations     []string
	Warnings       []string
	FilledQuantity float64
	AvgPrice       float64
	Metrics        *ExecutionMetrics
	Message        string
}
