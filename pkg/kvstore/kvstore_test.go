package kvstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/kvstore"
)

func newTestClient(t *testing.T) (*kvstore.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kvstore.NewFromClient(rdb), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	_, ok, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIncrWithExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)

	n, err := c.Incr(ctx, "counter", 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "counter", 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	ttl := mr.TTL("counter")
	require.Greater(t, ttl, time.Duration(0))
}

func TestHashOps(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, c.HSet(ctx, "h", "f2", "v2"))

	all, err := c.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	require.NoError(t, c.HDel(ctx, "h", "f1"))
	v, ok, err := c.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, v)
}

func TestListOps(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.LPush(ctx, "l", "a", "b", "c"))
	n, err := c.LLen(ctx, "l")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	require.NoError(t, c.LTrim(ctx, "l", 0, 1))
	vals, err := c.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	require.Len(t, vals, 2)
}

func TestSortedSetOps(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.ZAdd(ctx, "z", 1, "one"))
	require.NoError(t, c.ZAdd(ctx, "z", 2, "two"))
	require.NoError(t, c.ZAdd(ctx, "z", 3, "three"))

	vals, err := c.ZRangeByScore(ctx, "z", "2", "+inf")
	require.NoError(t, err)
	require.Equal(t, []string{"two", "three"}, vals)

	require.NoError(t, c.ZRemRangeByScore(ctx, "z", "-inf", "1"))
	vals, err = c.ZRangeByScore(ctx, "z", "-inf", "+inf")
	require.NoError(t, err)
	require.Equal(t, []string{"two", "three"}, vals)
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	err := c.Pipeline(ctx, func(p kvstore.Pipeliner) error {
		p.Incr(ctx, "pcounter")
		p.Expire(ctx, "pcounter", time.Minute)
		return nil
	})
	require.NoError(t, err)

	v, ok, err := c.Get(ctx, "pcounter")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestConnectionErrorIsTransient(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := kvstore.NewFromClient(rdb)
	mr.Close()

	_, _, err := c.Get(ctx, "anything")
	require.Error(t, err)
	require.Equal(t, hitlerr.KindTransient, hitlerr.KindOf(err))
}
