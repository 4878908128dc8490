package embedding

import (
	"context"
	"sync"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

// HashBackend derives a deterministic pseudo-embedding from an FNV-style
// hash of the input text. It makes no network or model call: embedding
// model internals are out of scope for this service, and the hash keeps
// every downstream consumer (cache, similarity scoring, cold-tier search)
// exercisable without one. Deployments that want real semantic vectors
// wire LocalBackend at an embedding model server instead.
type HashBackend struct {
	dim int
}

// NewHashBackend builds a hash-projection backend of the given dimension.
func NewHashBackend(dim int) *HashBackend {
	if dim <= 0 {
		dim = 256
	}
	return &HashBackend{dim: dim}
}

func (b *HashBackend) Dimension() int { return b.dim }

func (b *HashBackend) Embed(ctx context.Context, text string) (Vector, error) {
	return hashProjection(text, b.dim), nil
}

// LocalBackend calls a locally hosted embedding model over HTTP (the
// counterpart to the original local_embeddings_service.py path), grounded on
// the spec's EMBEDDING_BACKEND=local configuration branch. Calls to the
// model are serialized by a single mutex.
type LocalBackend struct {
	Endpoint string
	dim      int
	do       func(ctx context.Context, endpoint, text string) (Vector, error)
	mu       sync.Mutex
}

// NewLocalBackend builds a backend against a local embedding server. do is
// injectable for tests.
func NewLocalBackend(endpoint string, dim int, do func(ctx context.Context, endpoint, text string) (Vector, error)) *LocalBackend {
	return &LocalBackend{Endpoint: endpoint, dim: dim, do: do}
}

func (b *LocalBackend) Dimension() int { return b.dim }

func (b *LocalBackend) Embed(ctx context.Context, text string) (Vector, error) {
	if b.do == nil {
		return nil, hitlerr.Failure("local embedding backend not configured", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.do(ctx, b.Endpoint, text)
}

func hashProjection(text string, dim int) Vector {
	v := make(Vector, dim)
	h := uint32(2166136261)
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
		v[i%dim] += float32(h%1000) / 1000.0
	}
	return v
}
