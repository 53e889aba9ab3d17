package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/quantfabric/execgate/internal/domain"
)

// bodyField is the single stream-entry field carrying the JSON payload.
const bodyField = "body"

// streamMaxLen caps every stream at roughly this many entries (XADD
// MAXLEN ~). The intake stream only needs to cover executor downtime; fills
// and breaker events are durably recorded in Postgres, not here.
const streamMaxLen int64 = 10000

// SignalBus carries the order flow: placement requests arrive on the
// orders:requests stream (durable, resumable by entry ID so the executor can
// pick up where it stopped), while execution outcomes and breaker trips fan
// out over pub/sub to whoever is listening right now.
type SignalBus struct {
	client *Client
}

// NewSignalBus creates a SignalBus over the shared client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{client: c}
}

var _ domain.SignalBus = (*SignalBus)(nil)

// Publish fans a payload out to a pub/sub channel. Delivery is best-effort;
// anything that must survive a restart goes through the stream instead.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.client.raw().Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw payloads for the given pub/sub channel.
// Glob patterns ("orders:*") are honoured via PSUBSCRIBE. The subscription
// and the returned channel close when ctx ends.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	subscribe := sb.client.raw().Subscribe
	if strings.ContainsAny(channel, "*?[") {
		subscribe = sb.client.raw().PSubscribe
	}
	sub := subscribe(ctx, channel)

	// Block until the server confirms, so a caller that immediately
	// publishes cannot race its own subscription.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go sb.forward(ctx, sub, out)
	return out, nil
}

func (sb *SignalBus) forward(ctx context.Context, sub *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer sub.Close()

	in := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

// StreamAppend appends a payload to a capped stream.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.client.raw().XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{bodyField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID, or an empty slice
// when the stream has nothing new. Pass "0" to start from the beginning;
// the executor persists the last ID it processed and resumes from there.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	res, err := sb.client.raw().XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var out []domain.StreamMessage
	for _, s := range res {
		for _, entry := range s.Messages {
			body, ok := entryBody(entry)
			if !ok {
				continue
			}
			out = append(out, domain.StreamMessage{ID: entry.ID, Payload: body})
		}
	}
	return out, nil
}

// entryBody extracts the payload field, tolerating both string and []byte
// since the driver's decoding differs by reply protocol.
func entryBody(entry redis.XMessage) ([]byte, bool) {
	v, ok := entry.Values[bodyField]
	if !ok {
		return nil, false
	}
	switch body := v.(type) {
	case string:
		return []byte(body), true
	case []byte:
		return body, true
	}
	return nil, false
}
