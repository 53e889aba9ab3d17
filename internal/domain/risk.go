package domain

import "time"

// RiskLevel is a coarse bucketing of the overall risk score.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskResult is the check verdict for one proposed trade.
type RiskResult string

const (
	RiskResultApproved             RiskResult = "approved"
	RiskResultWarning              RiskResult = "warning"
	RiskResultRequiresConfirmation RiskResult = "requires_confirmation"
	RiskResultRejected             RiskResult = "rejected"
)

// RiskAssessment is a snapshot verdict for one proposed trade. It is created
// fresh on every assessment and never mutated afterwards.
type RiskAssessment struct {
	Score       float64 // overall risk in [0,1], mean of the sub-scores
	Level       RiskLevel
	Result      RiskResult
	Violations  []string
	Warnings    []string
	MaxQuantity float64 // largest quantity the binding constraint would admit; 0 when unconstrained
	CheckScores map[string]float64
	AssessedAt  time.Time
}

// Approved reports whether the trade may proceed without operator action.
func (a RiskAssessment) Approved() bool {
	return a.Result == RiskResultApproved || a.Result == RiskResultWarning
}

// Holding is one position inside a portfolio snapshot.
type Holding struct {
	Symbol      string
	Quantity    float64
	MarketValue float64
}

// PortfolioSnapshot is the accounting view the risk engine assesses against.
// It is supplied by an external accounting collaborator and treated as
// read-only here.
type PortfolioSnapshot struct {
	Cash        float64
	TotalValue  float64
	Holdings    map[string]Holding
	TradesToday int
	AsOf        time.Time
}
