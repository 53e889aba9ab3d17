// Package notify pushes pipeline events (fills, rejections, breaker trips,
// broker failovers) to operator channels. Delivery is fire-and-forget from
// the pipeline's point of view: a down webhook must never hold up an order.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Sender is one delivery channel for pipeline events.
type Sender interface {
	// Send delivers the event, rendering it however the channel prefers.
	Send(ctx context.Context, ev Event) error
	// Name identifies the channel in logs, e.g. "telegram".
	Name() string
}

// Notifier fans events out to every configured sender, filtered by event
// type. The filter comes from config; an operator who only wants breaker
// trips lists just that type.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. Only event types in
// events pass the filter; an empty list admits everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Publish delivers ev to every sender if its type passes the filter. All
// senders are attempted even when one fails; the combined failures come back
// as one error for the caller to log.
func (n *Notifier) Publish(ctx context.Context, ev Event) error {
	if len(n.allowed) > 0 && !n.allowed[ev.Type] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", ev.Type),
		)
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	var failed []string
	for _, s := range n.senders {
		if err := s.Send(ctx, ev); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
			failed = append(failed, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "event delivered",
			slog.String("sender", s.Name()),
			slog.String("event", ev.Type),
		)
	}

	if len(failed) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}
