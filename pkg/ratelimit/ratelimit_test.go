package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/kvstore"
	"github.com/robehgc/hitl-pipeline/pkg/ratelimit"
)

func newLimiter(t *testing.T, rules ratelimit.RuleSource) *ratelimit.Limiter {
	t.Helper()
	l, _ := newLimiterWithMiniredis(t, rules)
	return l
}

func newLimiterWithMiniredis(t *testing.T, rules ratelimit.RuleSource) (*ratelimit.Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return ratelimit.New(kv, rules), mr
}

func TestCheckAllowsWithinLimit(t *testing.T) {
	l := newLimiter(t, ratelimit.StaticRules{
		"*/*": {RequestsPerMinute: 5},
	})
	ctx := context.Background()

	res, err := l.Check(ctx, "user:alice", "viewer", "/chat")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(1), res.RequestsMade)
}

func TestCheckBlocksOverLimit(t *testing.T) {
	l := newLimiter(t, ratelimit.StaticRules{
		"*/*": {RequestsPerMinute: 2, ProgressiveBackoff: true, ViolationPenaltyMinutes: 1},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "user:bob", "viewer", "/chat")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Check(ctx, "user:bob", "viewer", "/chat")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfterSeconds, int64(0))
	require.Error(t, res.ToError())
}

func TestCheckBlockedIdentityStaysBlocked(t *testing.T) {
	l := newLimiter(t, ratelimit.StaticRules{
		"*/*": {RequestsPerMinute: 1, ViolationPenaltyMinutes: 5},
	})
	ctx := context.Background()

	_, _ = l.Check(ctx, "user:carl", "viewer", "/chat")
	blocked, err := l.Check(ctx, "user:carl", "viewer", "/chat")
	require.NoError(t, err)
	require.False(t, blocked.Allowed)

	again, err := l.Check(ctx, "user:carl", "viewer", "/chat")
	require.NoError(t, err)
	require.False(t, again.Allowed)
}

// TestUnauthenticatedBurstAndProgressivePenalty is spec.md §8's S4 scenario:
// an unauthenticated client (limit 20 + burst 5 = 25/min, base penalty 30
// min, progressive) makes 26 requests in one minute. The 26th is rejected
// with retry_after = 1800s; a subsequent violation after unblocking doubles
// the penalty to 60 minutes.
func TestUnauthenticatedBurstAndProgressivePenalty(t *testing.T) {
	rules := ratelimit.RoleEndpointRules{
		Roles: map[string]ratelimit.RuleConfig{
			"": {
				RequestsPerMinute:       20,
				BurstAllowance:          5,
				ProgressiveBackoff:      true,
				ViolationPenaltyMinutes: 30,
				MaxPenaltyMinutes:       480,
			},
		},
	}
	l, mr := newLimiterWithMiniredis(t, rules)
	ctx := context.Background()

	var last ratelimit.Result
	for i := 0; i < 26; i++ {
		res, err := l.Check(ctx, "ip:203.0.113.5", "", "/chat")
		require.NoError(t, err)
		last = res
	}
	require.False(t, last.Allowed)
	require.Equal(t, int64(1800), last.RetryAfterSeconds)
	require.Equal(t, 30, last.PenaltyMinutes)

	// Advance past the 30 minute block (the window counter expires with it;
	// the violation record stays, its TTL is 7 days) then re-violate with a
	// fresh burst: one prior violation in the last 24h doubles the penalty
	// to 60 minutes.
	mr.FastForward(31 * time.Minute)
	var second ratelimit.Result
	for i := 0; i < 26; i++ {
		res, err := l.Check(ctx, "ip:203.0.113.5", "", "/chat")
		require.NoError(t, err)
		second = res
	}
	require.False(t, second.Allowed)
	require.Equal(t, 60, second.PenaltyMinutes)
}
