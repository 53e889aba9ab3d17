package domain

import "time"

// BreakerStatus is the admission state of one circuit-breaker scope. It
// worsens from closed through cautious and restricted to open (halted).
type BreakerStatus string

const (
	BreakerClosed     BreakerStatus = "closed"
	BreakerCautious   BreakerStatus = "cautious"
	BreakerRestricted BreakerStatus = "restricted"
	BreakerOpen       BreakerStatus = "open"
)

// TripType records what caused a scope to open.
type TripType string

const (
	TripTypeFailures   TripType = "consecutive_failures"
	TripTypeVolatility TripType = "volatility"
	TripTypeManual     TripType = "manual"
)

// VolatilityBand is the coarse market-volatility classification fed to the
// circuit breaker by an external signal.
type VolatilityBand string

const (
	VolatilityNormal   VolatilityBand = "normal"
	VolatilityElevated VolatilityBand = "elevated"
	VolatilityExtreme  VolatilityBand = "extreme"
)

// BreakerState is the externally visible state of one scope.
type BreakerState struct {
	Scope        string
	Status       BreakerStatus
	Failures     int
	TrippedAt    *time.Time
	TripReason   string
	SizingFactor float64 // position-sizing multiplier in (0,1]
}
