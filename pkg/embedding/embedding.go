// Package embedding implements the embedding backend abstraction
// (component D): a pluggable vector backend behind an LRU result cache, with
// cosine similarity scoring against a per-backend similarity threshold.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

// Vector is a dense embedding.
type Vector []float32

// Backend produces embeddings for text. Concrete backends (an external API
// client, or a local model server) implement this.
type Backend interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dimension() int
}

// BackendConfig configures a backend's identity and its similarity
// threshold for "is this memory relevant" decisions. The threshold is
// scoped per-backend rather than a single shared constant, since different
// embedding models produce differently-scaled cosine similarities.
type BackendConfig struct {
	Name               string
	SimilarityThreshold float64
}

// Service wraps a Backend with a bounded LRU cache keyed by a hash of the
// input text, avoiding redundant embedding calls for repeated content.
type Service struct {
	backend Backend
	cfg     BackendConfig
	cache   *lru.Cache[string, Vector]
	hits    int64
	misses  int64
}

// NewService builds a cached embedding service. cacheSize of 0 defaults to
// 2048 entries.
func NewService(backend Backend, cfg BackendConfig, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 2048
	}
	c, err := lru.New[string, Vector](cacheSize)
	if err != nil {
		return nil, hitlerr.Failure("constructing embedding cache", err)
	}
	return &Service{backend: backend, cfg: cfg, cache: c}, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the text's unit-normalized vector, serving from cache when
// possible. Empty or whitespace-only input yields a nil vector with no
// error and no backend call.
func (s *Service) Embed(ctx context.Context, text string) (Vector, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	key := cacheKey(text)
	if v, ok := s.cache.Get(key); ok {
		atomic.AddInt64(&s.hits, 1)
		return v, nil
	}
	atomic.AddInt64(&s.misses, 1)
	v, err := s.backend.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	v = Normalize(v)
	s.cache.Add(key, v)
	return v, nil
}

// EmbedBatch embeds each input in order, reusing cached vectors and calling
// the backend only for misses. Empty inputs yield nil entries at their
// positions, mirroring Embed.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// CacheStats reports hit/miss counters, exposed via pkg/metrics.
func (s *Service) CacheStats() (hits, misses int64) {
	return atomic.LoadInt64(&s.hits), atomic.LoadInt64(&s.misses)
}

// Threshold returns the configured similarity cutoff for this backend.
func (s *Service) Threshold() float64 {
	return s.cfg.SimilarityThreshold
}

// Name returns the backend's configured identity, used in audit metadata.
func (s *Service) Name() string {
	return s.cfg.Name
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors; a mismatched length returns 0.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// IsRelevant reports whether sim clears this service's similarity threshold.
func (s *Service) IsRelevant(sim float64) bool {
	return sim >= s.cfg.SimilarityThreshold
}

// Normalize scales v to unit length so that dot products are cosine
// similarities. A zero or nil vector is returned unchanged.
func Normalize(v Vector) Vector {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
