package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erigate/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitStampsAndPersists(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pub := NewPublisher(store, discard(), WithClock(func() time.Time { return fixed }))

	err := pub.Emit(ctx, Event{FilingID: "f-1", Action: "submit", Outcome: "ok"})
	require.NoError(t, err)

	events, err := pub.List(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fixed, events[0].Timestamp)
	assert.Equal(t, "submit", events[0].Action)
}

func TestEmitQueuesForSink(t *testing.T) {
	pub := NewPublisher(NewInMemoryStore(), discard())

	require.NoError(t, pub.Emit(context.Background(), Event{FilingID: "f-1", Action: "validate"}))

	select {
	case got := <-pub.Inbox():
		assert.Equal(t, "validate", got.Action)
	default:
		t.Fatal("event not queued for sink")
	}
}

func TestListFiltersByFiling(t *testing.T) {
	ctx := context.Background()
	pub := NewPublisher(NewInMemoryStore(), discard())

	require.NoError(t, pub.Emit(ctx, Event{FilingID: "f-1", Action: "a"}))
	require.NoError(t, pub.Emit(ctx, Event{FilingID: "f-2", Action: "b"}))
	require.NoError(t, pub.Emit(ctx, Event{FilingID: "f-1", Action: "c"}))

	events, err := pub.List(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Action)
	assert.Equal(t, "c", events[1].Action)
}

type captureSink struct {
	got  chan Event
	fail bool
}

func (c *captureSink) Send(_ context.Context, e Event) error {
	if c.fail {
		return errors.New("broker down")
	}
	c.got <- e
	return nil
}

func TestWorkerDrainsInboxToSink(t *testing.T) {
	pub := NewPublisher(NewInMemoryStore(), discard())
	sink := &captureSink{got: make(chan Event, 1)}
	worker := NewWorker(sink, pub.Inbox(), discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	require.NoError(t, pub.Emit(ctx, Event{FilingID: "f-1", Action: "submit"}))

	select {
	case got := <-sink.got:
		assert.Equal(t, "submit", got.Action)
	case <-time.After(time.Second):
		t.Fatal("sink never received event")
	}
}

func TestWorkerSurvivesSinkFailure(t *testing.T) {
	pub := NewPublisher(NewInMemoryStore(), discard())
	sink := &captureSink{got: make(chan Event, 1), fail: true}
	worker := NewWorker(sink, pub.Inbox(), discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.NoError(t, pub.Emit(ctx, Event{FilingID: "f-1", Action: "submit"}))

	// The failing sink must not stop the worker; only cancellation does.
	time.Sleep(50 * time.Millisecond)
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	// The store copy is still there.
	events, err := pub.List(context.Background(), "f-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHashPANIsStableAndOpaque(t *testing.T) {
	pan, err := domain.ParsePAN("ABCDE1234F")
	require.NoError(t, err)

	d1 := HashPAN(pan)
	d2 := HashPAN(pan)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)
	assert.NotContains(t, d1, "ABCDE1234F")
}
