package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quantfabric/execgate/internal/domain"
)

// HealthTracker keeps per-broker success/failure counters. A broker is
// marked unhealthy after FailureThreshold consecutive failures and becomes
// eligible for retry once CoolDown has elapsed since the last failure. It is
// explicitly constructed and injected, and safe for concurrent use.
type HealthTracker struct {
	failureThreshold int
	coolDown         time.Duration
	logger           *slog.Logger
	now              func() time.Time

	mu      sync.Mutex
	records map[string]*healthRecord
}

type healthRecord struct {
	healthy     bool
	failures    int
	lastChecked time.Time
}

// NewHealthTracker creates a HealthTracker. failureThreshold must be >= 1;
// coolDown is how long an unhealthy broker sits out before retry.
func NewHealthTracker(failureThreshold int, coolDown time.Duration, logger *slog.Logger) *HealthTracker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &HealthTracker{
		failureThreshold: failureThreshold,
		coolDown:         coolDown,
		logger:           logger.With(slog.String("component", "broker_health")),
		now:              time.Now,
		records:          make(map[string]*healthRecord),
	}
}

func (h *HealthTracker) record(name string) *healthRecord {
	r, ok := h.records[name]
	if !ok {
		r = &healthRecord{healthy: true}
		h.records[name] = r
	}
	return r
}

// Healthy reports whether the broker should be attempted. An unhealthy
// broker becomes eligible again once the cool-down has elapsed.
func (h *HealthTracker) Healthy(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.record(name)
	if r.healthy {
		return true
	}
	if h.now().Sub(r.lastChecked) >= h.coolDown {
		// Cool-down elapsed: allow a retry without resetting the failure
		// count; only a recorded success fully restores health.
		return true
	}
	return false
}

// MarkSuccess resets the broker's failure count and restores health.
func (h *HealthTracker) MarkSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.record(name)
	if !r.healthy {
		h.logger.Info("broker recovered", slog.String("broker", name))
	}
	r.healthy = true
	r.failures = 0
	r.lastChecked = h.now()
}

// MarkFailure increments the broker's consecutive failure count, marking it
// unhealthy once the threshold is reached.
func (h *HealthTracker) MarkFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.record(name)
	r.failures++
	r.lastChecked = h.now()
	if r.healthy && r.failures >= h.failureThreshold {
		r.healthy = false
		h.logger.Warn("broker marked unhealthy",
			slog.String("broker", name),
			slog.Int("consecutive_failures", r.failures),
		)
	}
}

// Snapshot returns the current health records for observability.
func (h *HealthTracker) Snapshot() map[string]domain.BrokerHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]domain.BrokerHealth, len(h.records))
	for name, r := range h.records {
		out[name] = domain.BrokerHealth{
			Name:        name,
			Healthy:     r.healthy,
			Failures:    r.failures,
			LastChecked: r.lastChecked,
		}
	}
	return out
}
