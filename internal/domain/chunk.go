package domain

import "time"

// ChunkStrategy selects how a large parent order is split into child orders.
type ChunkStrategy string

const (
	ChunkStrategySingle   ChunkStrategy = "single"
	ChunkStrategyTWAP     ChunkStrategy = "twap"
	ChunkStrategyVWAP     ChunkStrategy = "vwap"
	ChunkStrategyIceberg  ChunkStrategy = "iceberg"
	ChunkStrategyAdaptive ChunkStrategy = "adaptive"
)

// ValidChunkStrategy reports whether s is a known strategy name.
func ValidChunkStrategy(s ChunkStrategy) bool {
	switch s {
	case ChunkStrategySingle, ChunkStrategyTWAP, ChunkStrategyVWAP,
		ChunkStrategyIceberg, ChunkStrategyAdaptive:
		return true
	}
	return false
}

// ChunkPlan is the ordered sequence of child-order sizes derived from a
// parent order. It is created once at dispatch time and never mutated; the
// sizes sum exactly to the parent's requested quantity, with any rounding
// residual absorbed by the last element.
type ChunkPlan struct {
	ParentID  string
	Strategy  ChunkStrategy
	Sizes     []float64
	CreatedAt time.Time
}

// Total returns the sum of all chunk sizes.
func (p ChunkPlan) Total() float64 {
	var sum float64
	for _, s := range p.Sizes {
		sum += s
	}
	return sum
}
