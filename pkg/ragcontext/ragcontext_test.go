package ragcontext_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/embedding"
	"github.com/robehgc/hitl-pipeline/pkg/memory"
	"github.com/robehgc/hitl-pipeline/pkg/ragcontext"
)

// fakeBackend returns a fixed vector per input text.
type fakeBackend struct {
	vectors map[string]embedding.Vector
	err     error
}

func (f *fakeBackend) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return embedding.Vector{1, 0}, nil
}

func (f *fakeBackend) Dimension() int { return 2 }

type fakeMemories struct {
	docs    []memory.Item
	history []memory.Item
}

func (f *fakeMemories) Retrieve(ctx context.Context, userID, query string, memoryTypes []string, limit int, minImportance float64) ([]memory.Item, error) {
	if len(memoryTypes) == 1 && memoryTypes[0] == "conversation" {
		return f.history, nil
	}
	return f.docs, nil
}

type fakePrefs struct {
	interests []string
}

func (f fakePrefs) Interests(ctx context.Context, userID string) ([]string, error) {
	return f.interests, nil
}

func newService(t *testing.T, backend embedding.Backend, threshold float64) *embedding.Service {
	t.Helper()
	svc, err := embedding.NewService(backend, embedding.BackendConfig{
		Name:                "test",
		SimilarityThreshold: threshold,
	}, 16)
	require.NoError(t, err)
	return svc
}

// vectorAtSimilarity returns a unit vector whose cosine similarity against
// (1, 0) is exactly sim.
func vectorAtSimilarity(sim float64) embedding.Vector {
	return embedding.Vector{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func TestBuildNoDocumentsPassesMessageThrough(t *testing.T) {
	svc := newService(t, &fakeBackend{}, 0.6)
	b := ragcontext.NewBuilder(&fakeMemories{}, svc, nil, ragcontext.Config{})

	out, err := b.Build(context.Background(), "u1", "hello")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "hello", out.EnhancedText)
	assert.Zero(t, out.Confidence)
	assert.Empty(t, out.RelevantDocuments)
}

func TestBuildEmbedFailureDegrades(t *testing.T) {
	svc := newService(t, &fakeBackend{err: errors.New("backend down")}, 0.6)
	b := ragcontext.NewBuilder(&fakeMemories{}, svc, nil, ragcontext.Config{})

	out, err := b.Build(context.Background(), "u1", "hello")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "hello", out.EnhancedText)
	assert.Zero(t, out.Confidence)
}

func TestBuildConfidenceFormula(t *testing.T) {
	mems := &fakeMemories{
		docs: []memory.Item{
			{ID: "m1", Content: "likes espresso in the morning", MemoryType: "preference", Embedding: vectorAtSimilarity(0.7)},
			{ID: "m2", Content: "works as a nurse", MemoryType: "factual", Embedding: vectorAtSimilarity(0.7)},
		},
	}
	svc := newService(t, &fakeBackend{}, 0.6)
	b := ragcontext.NewBuilder(mems, svc, fakePrefs{interests: []string{"coffee", "cycling"}}, ragcontext.Config{})

	out, err := b.Build(context.Background(), "u1", "what coffee do I like")
	require.NoError(t, err)
	assert.True(t, out.Success)
	// 0.6 * 0.7 mean doc similarity + 0.2 for preferences present.
	assert.InDelta(t, 0.62, out.Confidence, 0.01)
	assert.Len(t, out.RelevantDocuments, 2)
	assert.Contains(t, out.EnhancedText, "User Message: what coffee do I like")
	assert.Contains(t, out.EnhancedText, "Relevant Knowledge:")
	assert.Contains(t, out.EnhancedText, "User Interests: coffee, cycling")
}

func TestBuildBelowThresholdDocumentsExcluded(t *testing.T) {
	mems := &fakeMemories{
		docs: []memory.Item{
			{ID: "m3", Content: "irrelevant memory", MemoryType: "conversation", Embedding: vectorAtSimilarity(0.2)},
		},
	}
	svc := newService(t, &fakeBackend{}, 0.6)
	b := ragcontext.NewBuilder(mems, svc, nil, ragcontext.Config{})

	out, err := b.Build(context.Background(), "u1", "hello")
	require.NoError(t, err)
	assert.Empty(t, out.RelevantDocuments)
	assert.Equal(t, "hello", out.EnhancedText)
}

func TestBuildLowConfidenceUsesRawMessage(t *testing.T) {
	mems := &fakeMemories{
		docs: []memory.Item{
			// One document barely over threshold: 0.6*0.45 = 0.27 < 0.3 floor.
			{ID: "m4", Content: "weak match", MemoryType: "factual", Embedding: vectorAtSimilarity(0.45)},
		},
	}
	svc := newService(t, &fakeBackend{}, 0.4)
	b := ragcontext.NewBuilder(mems, svc, nil, ragcontext.Config{})

	out, err := b.Build(context.Background(), "u1", "hello")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "hello", out.EnhancedText)
	assert.Greater(t, out.Confidence, 0.0)
	assert.Less(t, out.Confidence, 0.3)
}

func TestBuildCapsDocumentsAtConfiguredMax(t *testing.T) {
	docs := make([]memory.Item, 6)
	for i := range docs {
		docs[i] = memory.Item{ID: fmt.Sprintf("doc-%d", i), Content: "doc", MemoryType: "factual", Embedding: vectorAtSimilarity(0.9)}
	}
	svc := newService(t, &fakeBackend{}, 0.6)
	b := ragcontext.NewBuilder(&fakeMemories{docs: docs}, svc, nil, ragcontext.Config{MaxDocuments: 3})

	out, err := b.Build(context.Background(), "u1", "hello")
	require.NoError(t, err)
	assert.Len(t, out.RelevantDocuments, 3)
}

func TestRenderPromptReturnsEnhancedText(t *testing.T) {
	e := ragcontext.Enhancement{UserMessage: "hi", EnhancedText: "enhanced hi"}
	assert.Equal(t, "enhanced hi", e.RenderPrompt())
}

func TestSummaryTruncatedToBound(t *testing.T) {
	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'a'
	}
	mems := &fakeMemories{
		docs: []memory.Item{
			{ID: "m5", Content: string(long), MemoryType: "factual", Embedding: vectorAtSimilarity(0.9)},
		},
	}
	svc := newService(t, &fakeBackend{}, 0.6)
	b := ragcontext.NewBuilder(mems, svc, nil, ragcontext.Config{SummaryMaxChars: 300})

	out, err := b.Build(context.Background(), "u1", "hello")
	require.NoError(t, err)
	// EnhancedText = message + summary + instructions; the summary section
	// itself is bounded, so the whole prompt stays well under the raw doc.
	assert.Less(t, len(out.EnhancedText), 600)
	assert.Contains(t, out.EnhancedText, "...")
}
