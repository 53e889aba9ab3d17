package domain

import "time"

// ExecutionMetrics is a read-only execution-quality report produced once an
// execution attempt concludes. It is never an input to further decisions.
type ExecutionMetrics struct {
	OrderID string

	// SlippagePct is signed: positive means the realized average price was
	// worse than the requested/reference price for the order's side.
	SlippagePct float64

	// ShortfallPct is the implementation shortfall relative to the market
	// price observed at execution start.
	ShortfallPct float64

	FillRate        float64 // filled / requested, in [0,1]
	ChunkCount      int
	FailedChunks    int
	PriceStdDev     float64 // inter-chunk fill price dispersion
	Latency         time.Duration
	AvgTimePerChunk time.Duration
	ComputedAt      time.Time
}
