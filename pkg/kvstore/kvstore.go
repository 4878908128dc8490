// Package kvstore implements the hot-tier key-value client (component A):
// a single shared, lazily-initialized, connection-pooled Redis client
// exposing the primitives the rest of the pipeline needs (string GET/SET
// with TTL, INCR with expiry, hash/list/sorted-set operations, pipelines,
// PING, and DELETE), with every operation taking a deadline.
//
// Connection errors are translated to hitlerr.Transient so that callers
// (notably pkg/ratelimit, which must fail open) can distinguish "store is
// down" from "key not found".
package kvstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

// Store is the minimal connection-pooled hot-tier client contract. Both the
// real Redis-backed implementation and the in-memory test double satisfy it.
type Store interface {
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, keys ...string) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LIndex(ctx context.Context, key string, index int64) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max string) error

	// Pipeline runs fn against a batched pipeline and executes it atomically
	// from the caller's perspective (commands are sent together).
	Pipeline(ctx context.Context, fn func(Pipeliner) error) error
}

// Pipeliner exposes the subset of operations usable inside Pipeline; it
// mirrors redis.Pipeliner closely enough that the real implementation is a
// thin adapter.
type Pipeliner interface {
	Incr(ctx context.Context, key string)
	Expire(ctx context.Context, key string, ttl time.Duration)
}

// Client wraps a shared *redis.Client. Construct once per process with New
// and pass by reference to consumers (no package-level singleton).
type Client struct {
	rdb *redis.Client
}

// Config configures the underlying Redis connection pool.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// New lazily constructs a Client. The connection is not established until
// the first operation (or an explicit Ping) is issued, matching the
// "lazy-initialized" requirement in §4.A.
func New(cfg Config) *Client {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: poolSize,
		}),
	}
}

// NewFromClient wraps a pre-constructed *redis.Client, used by tests that
// point at a miniredis instance.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func translate(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	return hitlerr.Transient("kvstore operation failed", err)
}

func (c *Client) Ping(ctx context.Context) error {
	return translate(c.rdb.Ping(ctx).Err())
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate(err)
	}
	return v, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return translate(c.rdb.Set(ctx, key, value, ttl).Err())
}

func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, translate(err)
	}
	return incr.Val(), nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return translate(c.rdb.Del(ctx, keys...).Err())
}

func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return translate(c.rdb.HSet(ctx, key, field, value).Err())
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate(err)
	}
	return v, true, nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, translate(err)
	}
	return m, nil
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return translate(c.rdb.HDel(ctx, key, fields...).Err())
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return translate(c.rdb.Expire(ctx, key, ttl).Err())
}

func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return translate(c.rdb.LPush(ctx, key, vals...).Err())
}

func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return translate(c.rdb.LTrim(ctx, key, start, stop).Err())
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, translate(err)
	}
	return v, nil
}

func (c *Client) LIndex(ctx context.Context, key string, index int64) (string, bool, error) {
	v, err := c.rdb.LIndex(ctx, key, index).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate(err)
	}
	return v, true, nil
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, translate(err)
	}
	return v, nil
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return translate(c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	v, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, translate(err)
	}
	return v, nil
}

func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return translate(c.rdb.ZRemRangeByScore(ctx, key, min, max).Err())
}

type redisPipeliner struct {
	pipe redis.Pipeliner
}

func (p *redisPipeliner) Incr(ctx context.Context, key string)                   { p.pipe.Incr(ctx, key) }
func (p *redisPipeliner) Expire(ctx context.Context, key string, ttl time.Duration) { p.pipe.Expire(ctx, key, ttl) }

func (c *Client) Pipeline(ctx context.Context, fn func(Pipeliner) error) error {
	pipe := c.rdb.Pipeline()
	if err := fn(&redisPipeliner{pipe: pipe}); err != nil {
		return err
	}
	_, err := pipe.Exec(ctx)
	return translate(err)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
