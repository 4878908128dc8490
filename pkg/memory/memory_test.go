package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/kvstore"
	"github.com/robehgc/hitl-pipeline/pkg/memory"
)

func newHotOnlyManager(t *testing.T) *memory.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return memory.New(kv, nil, nil, nil, memory.Config{})
}

func TestDetermineTierFreshImportant(t *testing.T) {
	m := newHotOnlyManager(t)
	item := memory.Item{Timestamp: time.Now(), Importance: 0.9}
	require.Equal(t, memory.TierHot, m.DetermineTier(item))
}

func TestDetermineTierOldUnimportant(t *testing.T) {
	m := newHotOnlyManager(t)
	item := memory.Item{Timestamp: time.Now().Add(-120 * 24 * time.Hour), Importance: 0.1}
	require.Equal(t, memory.TierCold, m.DetermineTier(item))
}

func TestStoreAndRetrieveHot(t *testing.T) {
	m := newHotOnlyManager(t)
	ctx := context.Background()

	item := memory.Item{
		ID: "mem-1", UserID: "u1", Content: "likes espresso",
		MemoryType: "preference", Importance: 0.8, Timestamp: time.Now(),
	}
	require.NoError(t, m.Store(ctx, item, true))

	got, err := m.Retrieve(ctx, "u1", "", nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "likes espresso", got[0].Content)
}
