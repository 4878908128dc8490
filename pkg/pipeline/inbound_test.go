package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGate struct {
	diverted map[string]bool
	err      error
	calls    int
}

func (g *fakeGate) Divert(ctx context.Context, userID, text, externalMessageID string) (bool, error) {
	g.calls++
	if g.err != nil {
		return false, g.err
	}
	return g.diverted[userID], nil
}

// advance replaces the queue's clock with one frozen at a controllable
// offset, so debounce-window tests don't sleep.
func advance(q *InboundQueue) func(d time.Duration) {
	base := time.Now()
	offset := time.Duration(0)
	q.now = func() time.Time { return base.Add(offset) }
	return func(d time.Duration) { offset += d }
}

func TestInboundDebounceCoalescesBurst(t *testing.T) {
	q := NewInboundQueue(&fakeGate{}, InboundQueueConfig{DebounceWindow: 2 * time.Second})
	tick := advance(q)
	ctx := context.Background()

	q.Push(ctx, Inbound{ID: "1", UserID: "u1", UserMessage: "first"})
	q.Push(ctx, Inbound{ID: "2", UserID: "u1", UserMessage: "second"})

	// Window still open: nothing handed out yet.
	_, err := q.Next(ctx)
	require.ErrorIs(t, err, ErrNoInbound)

	tick(3 * time.Second)
	batch, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", batch.UserID)
	require.Equal(t, "first\nsecond", batch.UserMessage)
	require.Equal(t, "2", batch.ID)
}

func TestInboundLaneSerializesPerUser(t *testing.T) {
	q := NewInboundQueue(&fakeGate{}, InboundQueueConfig{DebounceWindow: time.Millisecond})
	tick := advance(q)
	ctx := context.Background()

	q.Push(ctx, Inbound{ID: "1", UserID: "u1", UserMessage: "a"})
	tick(time.Second)
	first, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", first.UserMessage)

	// Same user sends again while the first batch is still in flight: the
	// lane stays busy until Done releases it.
	q.Push(ctx, Inbound{ID: "2", UserID: "u1", UserMessage: "b"})
	tick(time.Second)
	_, err = q.Next(ctx)
	require.ErrorIs(t, err, ErrNoInbound)

	q.Done("u1")
	second, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", second.UserMessage)
}

func TestInboundDifferentUsersProceedInParallel(t *testing.T) {
	q := NewInboundQueue(&fakeGate{}, InboundQueueConfig{DebounceWindow: time.Millisecond})
	tick := advance(q)
	ctx := context.Background()

	q.Push(ctx, Inbound{ID: "1", UserID: "u1", UserMessage: "a"})
	q.Push(ctx, Inbound{ID: "2", UserID: "u2", UserMessage: "b"})
	tick(time.Second)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		batch, err := q.Next(ctx)
		require.NoError(t, err)
		got[batch.UserID] = true
	}
	require.True(t, got["u1"])
	require.True(t, got["u2"])
}

func TestInboundOverflowDropsOldest(t *testing.T) {
	q := NewInboundQueue(&fakeGate{}, InboundQueueConfig{PerUserCapacity: 2, DebounceWindow: time.Millisecond})
	tick := advance(q)
	ctx := context.Background()

	q.Push(ctx, Inbound{ID: "1", UserID: "u1", UserMessage: "one"})
	q.Push(ctx, Inbound{ID: "2", UserID: "u1", UserMessage: "two"})
	q.Push(ctx, Inbound{ID: "3", UserID: "u1", UserMessage: "three"})

	require.Equal(t, int64(1), q.Dropped())

	tick(time.Second)
	batch, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "two\nthree", batch.UserMessage)
}

func TestInboundDivertedMessageNeverQueued(t *testing.T) {
	gate := &fakeGate{diverted: map[string]bool{"u1": true}}
	q := NewInboundQueue(gate, InboundQueueConfig{DebounceWindow: time.Millisecond})
	tick := advance(q)
	ctx := context.Background()

	q.Push(ctx, Inbound{ID: "1", UserID: "u1", UserMessage: "quarantined"})
	tick(time.Second)
	_, err := q.Next(ctx)
	require.ErrorIs(t, err, ErrNoInbound)
	require.Equal(t, 1, gate.calls)
}

func TestInboundFailsClosedOnGateError(t *testing.T) {
	gate := &fakeGate{err: errors.New("store down")}
	q := NewInboundQueue(gate, InboundQueueConfig{DebounceWindow: time.Millisecond})
	tick := advance(q)
	ctx := context.Background()

	q.Push(ctx, Inbound{ID: "1", UserID: "u1", UserMessage: "hi"})
	tick(time.Second)
	_, err := q.Next(ctx)
	require.ErrorIs(t, err, ErrNoInbound)
}
