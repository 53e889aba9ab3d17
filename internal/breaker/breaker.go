// Package breaker implements a scope-keyed circuit breaker for trading
// admission control. Each scope (a symbol, or the global scope) worsens from
// closed through cautious and restricted to open as consecutive execution
// failures accumulate or the volatility classification deteriorates, and
// recovers through a time-gated half-open probe.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quantfabric/execgate/internal/domain"
)

// GlobalScope is the scope key for system-wide conditions, independent of
// any per-symbol scope.
const GlobalScope = "global"

// Config holds the breaker's tunable parameters.
type Config struct {
	// CautiousAfter / RestrictedAfter / FailureThreshold are the consecutive
	// failure counts at which a scope enters cautious, restricted, and open.
	CautiousAfter    int
	RestrictedAfter  int
	FailureThreshold int

	// RetryInterval is how long an open scope stays fully halted before one
	// probe attempt is allowed.
	RetryInterval time.Duration

	// Position-sizing multipliers applied while a scope is degraded.
	CautiousSizing   float64
	RestrictedSizing float64
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		CautiousAfter:    1,
		RestrictedAfter:  2,
		FailureThreshold: 3,
		RetryInterval:    5 * time.Minute,
		CautiousSizing:   0.75,
		RestrictedSizing: 0.5,
	}
}

type scopeState struct {
	status       domain.BreakerStatus
	failures     int
	trippedAt    time.Time
	tripReason   string
	tripType     domain.TripType
	probeGranted bool
}

// CircuitBreaker tracks admission state per scope. It is constructed at
// service startup and shared by reference between the orchestrator and the
// execution engine; all methods are safe for concurrent use.
type CircuitBreaker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	scopes map[string]*scopeState
}

// New creates a CircuitBreaker with the given configuration.
func New(cfg Config, logger *slog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if cfg.CautiousSizing <= 0 || cfg.CautiousSizing > 1 {
		cfg.CautiousSizing = DefaultConfig().CautiousSizing
	}
	if cfg.RestrictedSizing <= 0 || cfg.RestrictedSizing > 1 {
		cfg.RestrictedSizing = DefaultConfig().RestrictedSizing
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "circuit_breaker")),
		now:    time.Now,
		scopes: make(map[string]*scopeState),
	}
}

func (cb *CircuitBreaker) scope(key string) *scopeState {
	s, ok := cb.scopes[key]
	if !ok {
		s = &scopeState{status: domain.BreakerClosed}
		cb.scopes[key] = s
	}
	return s
}

// Check reports whether new work may be admitted for the scope. An open
// scope denies admission until the retry interval has elapsed, at which
// point exactly one probe attempt is allowed; the probe's outcome must be
// reported through RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Check(scope string) (bool, domain.BreakerStatus) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.scope(scope)
	if s.status != domain.BreakerOpen {
		return true, s.status
	}

	if !s.probeGranted && cb.now().Sub(s.trippedAt) >= cb.cfg.RetryInterval {
		s.probeGranted = true
		cb.logger.Info("half-open probe granted",
			slog.String("scope", scope),
			slog.String("tripped_reason", s.tripReason),
		)
		return true, s.status
	}
	return false, s.status
}

// PositionSizing returns the multiplier in (0,1] to apply to admitted order
// size for the scope. It shrinks as the scope's status worsens.
func (cb *CircuitBreaker) PositionSizing(scope string) float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.scope(scope).status {
	case domain.BreakerCautious:
		return cb.cfg.CautiousSizing
	case domain.BreakerRestricted:
		return cb.cfg.RestrictedSizing
	case domain.BreakerOpen:
		// Open scopes are not admitted; a granted probe runs at the most
		// conservative sizing.
		return cb.cfg.RestrictedSizing
	default:
		return 1.0
	}
}

// RecordFailure registers one execution failure for the scope and returns
// true when the failure count just tripped the scope open.
func (cb *CircuitBreaker) RecordFailure(scope string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.scope(scope)
	s.failures++

	if s.status == domain.BreakerOpen {
		// A failed half-open probe re-trips the scope.
		if s.probeGranted {
			s.probeGranted = false
			s.trippedAt = cb.now()
			cb.logger.Warn("half-open probe failed, re-tripping",
				slog.String("scope", scope),
				slog.Int("failures", s.failures),
			)
		}
		return false
	}

	switch {
	case s.failures >= cb.cfg.FailureThreshold:
		cb.trip(s, scope, domain.TripTypeFailures, "consecutive execution failures")
		return true
	case cb.cfg.RestrictedAfter > 0 && s.failures >= cb.cfg.RestrictedAfter:
		s.status = domain.BreakerRestricted
	case cb.cfg.CautiousAfter > 0 && s.failures >= cb.cfg.CautiousAfter:
		s.status = domain.BreakerCautious
	}
	return false
}

// RecordSuccess registers a successful execution for the scope, resetting
// the failure count and closing the scope (including a successful half-open
// probe).
func (cb *CircuitBreaker) RecordSuccess(scope string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.scope(scope)
	if s.status == domain.BreakerOpen {
		cb.logger.Info("half-open probe succeeded, closing scope",
			slog.String("scope", scope),
		)
	}
	s.status = domain.BreakerClosed
	s.failures = 0
	s.probeGranted = false
	s.trippedAt = time.Time{}
	s.tripReason = ""
}

// Trip forces the scope open immediately, recording the reason and time.
func (cb *CircuitBreaker) Trip(tripType domain.TripType, reason, scope string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(cb.scope(scope), scope, tripType, reason)
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip(s *scopeState, scope string, tripType domain.TripType, reason string) {
	s.status = domain.BreakerOpen
	s.trippedAt = cb.now()
	s.tripReason = reason
	s.tripType = tripType
	s.probeGranted = false
	cb.logger.Warn("circuit breaker tripped",
		slog.String("scope", scope),
		slog.String("type", string(tripType)),
		slog.String("reason", reason),
	)
}

// SetVolatility applies a volatility classification to the scope. Elevated
// volatility degrades the scope to at least cautious, extreme volatility
// trips it open; a return to normal lifts a volatility-induced degradation
// but leaves failure-derived state alone.
func (cb *CircuitBreaker) SetVolatility(scope string, band domain.VolatilityBand) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.scope(scope)
	switch band {
	case domain.VolatilityExtreme:
		cb.trip(s, scope, domain.TripTypeVolatility, "extreme volatility")
	case domain.VolatilityElevated:
		if s.status == domain.BreakerClosed {
			s.status = domain.BreakerCautious
		}
	case domain.VolatilityNormal:
		if s.status == domain.BreakerOpen && s.tripType == domain.TripTypeVolatility {
			s.status = domain.BreakerClosed
			s.probeGranted = false
			s.trippedAt = time.Time{}
			s.tripReason = ""
		} else if s.status == domain.BreakerCautious && s.failures < cb.cfg.CautiousAfter {
			s.status = domain.BreakerClosed
		}
	}
}

// State returns a copy of the scope's externally visible state.
func (cb *CircuitBreaker) State(scope string) domain.BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.scope(scope)
	st := domain.BreakerState{
		Scope:        scope,
		Status:       s.status,
		Failures:     s.failures,
		TripReason:   s.tripReason,
		SizingFactor: 1.0,
	}
	switch s.status {
	case domain.BreakerCautious:
		st.SizingFactor = cb.cfg.CautiousSizing
	case domain.BreakerRestricted, domain.BreakerOpen:
		st.SizingFactor = cb.cfg.RestrictedSizing
	}
	if !s.trippedAt.IsZero() {
		t := s.trippedAt
		st.TrippedAt = &t
	}
	return st
}
