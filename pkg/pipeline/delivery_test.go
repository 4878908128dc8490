package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/memory"
	"github.com/robehgc/hitl-pipeline/pkg/outbound"
	"github.com/robehgc/hitl-pipeline/pkg/pipeline"
	"github.com/robehgc/hitl-pipeline/pkg/review"
)

type recordingTransport struct {
	mu    sync.Mutex
	sends []string
	times []time.Time
}

func (r *recordingTransport) Send(ctx context.Context, userID, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, text)
	r.times = append(r.times, time.Now())
	return "ext-" + text, nil
}

type fakeReviewStore struct {
	mu        sync.Mutex
	pending   []review.Interaction
	delivered []string
}

func (f *fakeReviewStore) ListUndeliveredApproved(ctx context.Context, olderThan time.Duration) ([]review.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeReviewStore) MarkDelivered(ctx context.Context, interactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, interactionID)
	return nil
}

type recordingMemory struct {
	mu    sync.Mutex
	items []memory.Item
}

func (r *recordingMemory) Store(ctx context.Context, item memory.Item, autoTier bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return nil
}

// TestDeliveryWorkerHappyPath is spec.md §8's S1 scenario tail: an approved
// interaction's bubbles go out in order, separated by at least the bubble
// delay, then the interaction is marked delivered and a conversation memory
// with importance >= 0.3 is written.
func TestDeliveryWorkerHappyPath(t *testing.T) {
	transport := &recordingTransport{}
	sender := outbound.New(transport, outbound.Config{})
	reviews := &fakeReviewStore{pending: []review.Interaction{{
		ID: "i1", UserID: "u1", UserMessage: "hello",
		FinalBubbles: []string{"hi", "how are you"},
	}}}
	mem := &recordingMemory{}

	w := pipeline.NewDeliveryWorker(reviews, sender, mem, pipeline.DeliveryConfig{
		PollInterval: 10 * time.Millisecond,
		BubbleDelay:  50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		reviews.mu.Lock()
		defer reviews.mu.Unlock()
		return len(reviews.delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Equal(t, []string{"hi", "how are you"}, transport.sends)
	assert.GreaterOrEqual(t, transport.times[1].Sub(transport.times[0]), 50*time.Millisecond)

	mem.mu.Lock()
	defer mem.mu.Unlock()
	require.Len(t, mem.items, 1)
	assert.Equal(t, "conversation", mem.items[0].MemoryType)
	assert.GreaterOrEqual(t, mem.items[0].Importance, 0.3)
}

func TestConversationImportanceBounds(t *testing.T) {
	// Base case: short neutral exchange sits at the 0.3 floor plus a small
	// length signal.
	low := pipeline.ConversationImportance("hi", "hello")
	assert.GreaterOrEqual(t, low, 0.3)
	assert.Less(t, low, 0.4)

	// Emotional keywords add up to +0.2.
	emotional := pipeline.ConversationImportance("i am scared and worried", "i hope you feel better, sending love")
	assert.Greater(t, emotional, low)

	// A very long exchange with many emotional keywords clamps at 1.0.
	long := ""
	for i := 0; i < 300; i++ {
		long += "love hope proud grateful excited "
	}
	assert.LessOrEqual(t, pipeline.ConversationImportance(long, long), 1.0)
}
