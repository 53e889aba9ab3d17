package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	name string
	err  error
	got  []Event
}

func (f *fakeSender) Send(ctx context.Context, ev Event) error {
	f.got = append(f.got, ev)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func TestPublishFiltersUnlistedEvents(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, []string{EventBreakerTripped}, discardLogger())

	require.NoError(t, n.Publish(context.Background(), Event{
		Type: EventOrderFilled, Title: "Filled",
	}))
	assert.Empty(t, sender.got)

	require.NoError(t, n.Publish(context.Background(), Event{
		Type: EventBreakerTripped, Symbol: "TSLA", Title: "Tripped",
	}))
	require.Len(t, sender.got, 1)
	assert.Equal(t, "Tripped", sender.got[0].Title)
	assert.Equal(t, "TSLA", sender.got[0].Symbol)
}

func TestPublishEmptyEventListAllowsAll(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	require.NoError(t, n.Publish(context.Background(), Event{
		Type: EventOrderRejected, OrderID: "o-1", Title: "Rejected",
	}))
	require.Len(t, sender.got, 1)
	assert.Equal(t, "o-1", sender.got[0].OrderID)
}

func TestPublishContinuesPastFailedSender(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Publish(context.Background(), Event{Type: EventOrderFilled, Title: "Filled"})
	assert.Error(t, err, "a sender failure surfaces after delivery")
	assert.Len(t, good.got, 1, "remaining senders still receive the event")
}

func TestPublishNoSendersIsNoop(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	assert.NoError(t, n.Publish(context.Background(), Event{Type: EventOrderFilled}))
}
