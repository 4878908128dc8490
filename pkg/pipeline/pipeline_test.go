package pipeline_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/pipeline"
	"github.com/robehgc/hitl-pipeline/pkg/ragcontext"
	"github.com/robehgc/hitl-pipeline/pkg/review"
)

type fakeSource struct {
	mu    sync.Mutex
	items []pipeline.Inbound
}

func (f *fakeSource) Next(ctx context.Context) (pipeline.Inbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return pipeline.Inbound{}, pipeline.ErrNoInbound
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, nil
}

type fakeBuilder struct{}

func (fakeBuilder) Build(ctx context.Context, userID, userMessage string) (ragcontext.Enhancement, error) {
	return ragcontext.Enhancement{UserMessage: userMessage, EnhancedText: userMessage, Success: true}, nil
}

type fakeStage struct{}

func (fakeStage) Draft(ctx context.Context, userID, userMessage string, rc ragcontext.Enhancement) (review.Interaction, error) {
	return review.Interaction{UserID: userID, UserMessage: userMessage, RefinedBubbles: []string{userMessage}}, nil
}

type fakeSink struct {
	count int64
}

func (f *fakeSink) Create(ctx context.Context, it review.Interaction) error {
	atomic.AddInt64(&f.count, 1)
	return nil
}

func TestPoolDrainsInboundMessages(t *testing.T) {
	source := &fakeSource{items: []pipeline.Inbound{
		{ID: "1", UserID: "u1", UserMessage: "hi"},
		{ID: "2", UserID: "u2", UserMessage: "hello"},
	}}
	sink := &fakeSink{}
	pool := pipeline.New(source, fakeBuilder{}, fakeStage{}, sink, pipeline.Config{WorkerCount: 2, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&sink.count) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	pool.Stop()
}
