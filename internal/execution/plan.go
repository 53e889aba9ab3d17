// Package execution plans and runs chunked order execution: strategy
// selection, chunk plan construction, sequential paced submission through a
// broker, fill accounting, and the execution-quality report.
package execution

import (
	"fmt"
	"math"
	"time"

	"github.com/quantfabric/execgate/internal/domain"
)

// icebergVisiblePct caps the first (visible) iceberg chunk at this fraction
// of the order.
const icebergVisiblePct = 0.20

// Planner builds chunk plans. maxChunkSize is the largest quantity a single
// child order may carry.
type Planner struct {
	maxChunkSize float64
	now          func() time.Time
}

// NewPlanner creates a Planner. maxChunkSize must be positive.
func NewPlanner(maxChunkSize float64) (*Planner, error) {
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("execution: max chunk size must be positive, got %v", maxChunkSize)
	}
	return &Planner{maxChunkSize: maxChunkSize, now: time.Now}, nil
}

// NeedsChunking reports whether an order of the given size must be split.
func (p *Planner) NeedsChunking(size float64) bool {
	return size > p.maxChunkSize
}

// SelectStrategy returns the strategy to use when the caller did not pick
// one: SINGLE for orders within the chunk cap, TWAP otherwise.
func (p *Planner) SelectStrategy(size float64) domain.ChunkStrategy {
	if p.NeedsChunking(size) {
		return domain.ChunkStrategyTWAP
	}
	return domain.ChunkStrategySingle
}

// Plan builds the chunk plan for a parent order. sizingFactor in (0,1] is
// the circuit breaker's position-sizing multiplier; only the ADAPTIVE
// strategy consumes it, shrinking its effective chunk cap accordingly. The
// returned sizes always sum exactly to size, with rounding residual carried
// by the last chunk.
func (p *Planner) Plan(strategy domain.ChunkStrategy, parentID string, size, sizingFactor float64) (domain.ChunkPlan, error) {
	if size <= 0 {
		return domain.ChunkPlan{}, fmt.Errorf("execution: plan size must be positive, got %v", size)
	}
	if !domain.ValidChunkStrategy(strategy) {
		return domain.ChunkPlan{}, fmt.Errorf("execution: unknown chunk strategy %q", strategy)
	}

	var sizes []float64
	switch strategy {
	case domain.ChunkStrategySingle:
		sizes = []float64{size}
	case domain.ChunkStrategyTWAP:
		sizes = p.twap(size, p.maxChunkSize)
	case domain.ChunkStrategyVWAP:
		sizes = p.vwap(size)
	case domain.ChunkStrategyIceberg:
		sizes = p.iceberg(size)
	case domain.ChunkStrategyAdaptive:
		effective := p.maxChunkSize * clampSizing(sizingFactor)
		sizes = p.twap(size, effective)
	}

	return domain.ChunkPlan{
		ParentID:  parentID,
		Strategy:  strategy,
		Sizes:     sizes,
		CreatedAt: p.now(),
	}, nil
}

// twap splits size into ceil(size/chunkCap) near-equal chunks.
func (p *Planner) twap(size, chunkCap float64) []float64 {
	n := int(math.Ceil(size / chunkCap))
	if n < 1 {
		n = 1
	}
	return evenSplit(size, n)
}

// vwap approximates a volume profile with a fixed 25/50/25 split across
// opening, midday, and closing buckets; any bucket above the chunk cap is
// further divided into cap-sized pieces.
func (p *Planner) vwap(size float64) []float64 {
	opening := math.Floor(size * 0.25)
	closing := math.Floor(size * 0.25)
	midday := size - opening - closing

	var sizes []float64
	for _, bucket := range []float64{opening, midday, closing} {
		if bucket <= 0 {
			continue
		}
		if bucket > p.maxChunkSize {
			sizes = append(sizes, p.twap(bucket, p.maxChunkSize)...)
		} else {
			sizes = append(sizes, bucket)
		}
	}
	if len(sizes) == 0 {
		sizes = []float64{size}
	}
	return sizes
}

// iceberg emits a visible first chunk capped at min(20% of size, the chunk
// cap), with the remainder split into even chunks.
func (p *Planner) iceberg(size float64) []float64 {
	visible := math.Min(size*icebergVisiblePct, p.maxChunkSize)
	if visible >= 1 {
		visible = math.Floor(visible)
	}
	remainder := size - visible
	if remainder <= 0 {
		return []float64{size}
	}

	n := int(math.Ceil(remainder / p.maxChunkSize))
	if n < 1 {
		n = 1
	}
	return append([]float64{visible}, evenSplit(remainder, n)...)
}

// evenSplit divides size into n chunks that sum exactly to size. Chunks are
// kept to whole units where possible, with rounding units spread from the
// front and any sub-unit residual landing on the last chunk.
func evenSplit(size float64, n int) []float64 {
	sizes := make([]float64, n)

	base := math.Floor(size / float64(n))
	if base < 1 {
		// Sub-unit chunks: plain equal split, residual on the last.
		each := size / float64(n)
		var sum float64
		for i := 0; i < n-1; i++ {
			sizes[i] = each
			sum += each
		}
		sizes[n-1] = size - sum
		return sizes
	}

	for i := range sizes {
		sizes[i] = base
	}
	residual := size - base*float64(n)
	for i := 0; residual >= 1 && i < n; i++ {
		sizes[i]++
		residual--
	}
	sizes[n-1] += residual
	return sizes
}

func clampSizing(f float64) float64 {
	if f <= 0 || f > 1 {
		return 1
	}
	return f
}
