package outbound_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/outbound"
)

type fakeTransport struct {
	calls     int64
	failUntil int64
}

func (f *fakeTransport) Send(ctx context.Context, userID, text string) (string, error) {
	n := atomic.AddInt64(&f.calls, 1)
	if n <= f.failUntil {
		return "", errors.New("transient send failure")
	}
	return "ext-" + text, nil
}

func TestDeliverBubblesAllSucceed(t *testing.T) {
	transport := &fakeTransport{}
	sender := outbound.New(transport, outbound.Config{})

	results := sender.DeliverBubbles(context.Background(), "u1", []string{"hello", "world"})
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
		require.NotEmpty(t, r.ExternalMessageID)
	}
}

func TestDeliverBubblesContinuesPastFailure(t *testing.T) {
	transport := &fakeTransport{failUntil: 100} // always fails within retry budget
	sender := outbound.New(transport, outbound.Config{})

	results := sender.DeliverBubbles(context.Background(), "u1", []string{"a", "b"})
	require.Len(t, results, 2)
	require.Error(t, results[0].Err)
	require.Error(t, results[1].Err)
}
