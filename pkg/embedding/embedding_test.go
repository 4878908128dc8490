package embedding_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/embedding"
)

type fakeBackend struct {
	calls int
	vec   embedding.Vector
}

func (f *fakeBackend) Dimension() int { return len(f.vec) }

func (f *fakeBackend) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	f.calls++
	return f.vec, nil
}

func TestServiceCachesByText(t *testing.T) {
	backend := &fakeBackend{vec: embedding.Vector{1, 0, 0}}
	svc, err := embedding.NewService(backend, embedding.BackendConfig{Name: "fake", SimilarityThreshold: 0.8}, 16)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	_, err = svc.Embed(context.Background(), "hello")
	require.NoError(t, err)

	require.Equal(t, 1, backend.calls)
	hits, misses := svc.CacheStats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)
}

func TestEmbedEmptyInputYieldsNilWithoutBackendCall(t *testing.T) {
	backend := &fakeBackend{vec: embedding.Vector{1, 0}}
	svc, err := embedding.NewService(backend, embedding.BackendConfig{Name: "fake"}, 4)
	require.NoError(t, err)

	for _, input := range []string{"", "   ", "\n\t"} {
		v, err := svc.Embed(context.Background(), input)
		require.NoError(t, err)
		require.Nil(t, v)
	}
	require.Zero(t, backend.calls)
}

func TestEmbedNormalizesToUnitLength(t *testing.T) {
	backend := &fakeBackend{vec: embedding.Vector{3, 4}}
	svc, err := embedding.NewService(backend, embedding.BackendConfig{Name: "fake"}, 4)
	require.NoError(t, err)

	v, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, norm, 1e-6)
}

func TestEmbedBatchPreservesPositions(t *testing.T) {
	backend := &fakeBackend{vec: embedding.Vector{1, 0}}
	svc, err := embedding.NewService(backend, embedding.BackendConfig{Name: "fake"}, 16)
	require.NoError(t, err)

	vecs, err := svc.EmbedBatch(context.Background(), []string{"a", "", "b", "a"})
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	require.NotNil(t, vecs[0])
	require.Nil(t, vecs[1])
	require.NotNil(t, vecs[2])
	// "a" repeated hits the cache, so the backend saw only two distinct texts.
	require.Equal(t, 2, backend.calls)
}

func TestCosineSimilarityIdentical(t *testing.T) {
	a := embedding.Vector{1, 2, 3}
	require.InDelta(t, 1.0, embedding.CosineSimilarity(a, a), 1e-9)
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := embedding.Vector{1, 0}
	b := embedding.Vector{0, 1}
	require.InDelta(t, 0.0, embedding.CosineSimilarity(a, b), 1e-9)
}

func TestIsRelevantThreshold(t *testing.T) {
	backend := &fakeBackend{vec: embedding.Vector{1}}
	svc, err := embedding.NewService(backend, embedding.BackendConfig{Name: "fake", SimilarityThreshold: 0.75}, 4)
	require.NoError(t, err)

	require.True(t, svc.IsRelevant(0.8))
	require.False(t, svc.IsRelevant(0.5))
}
