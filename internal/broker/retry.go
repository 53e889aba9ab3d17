package broker

import (
	"context"
	"errors"
	"time"

	"github.com/quantfabric/execgate/internal/domain"
)

// RetryPolicy is the single retry/backoff configuration shared by every
// broker client and by the failover wrapper. Attempts are spaced by an
// exponentially growing delay starting at BaseDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond}
}

// Do calls fn up to MaxAttempts times with exponential backoff. It returns
// nil on the first success, stops early when fn returns a non-retryable
// broker error or domain.ErrUnsupported, and respects context cancellation
// between attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}

// Retryable reports whether repeating the failed call may succeed. An
// unsupported capability or an explicitly non-retryable broker error never
// does; everything else (timeouts, transient transport failures) may.
func Retryable(err error) bool {
	if errors.Is(err, domain.ErrUnsupported) || errors.Is(err, context.Canceled) {
		return false
	}
	var be *domain.BrokerError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return true
}
