package hitlerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		kind hitlerr.Kind
	}{
		{hitlerr.Validation("bad input %d", 7), hitlerr.KindValidation},
		{hitlerr.Auth("no token"), hitlerr.KindAuth},
		{hitlerr.Conflict("already claimed"), hitlerr.KindConflict},
		{hitlerr.Transient("redis down", errors.New("dial tcp")), hitlerr.KindTransient},
		{hitlerr.RateLimited(30), hitlerr.KindRateLimited},
		{hitlerr.Failure("unexpected", errors.New("boom")), hitlerr.KindFailure},
		{errors.New("untranslated"), hitlerr.KindFailure},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, hitlerr.KindOf(tc.err), "for %v", tc.err)
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := hitlerr.Transient("store timeout", errors.New("context deadline exceeded"))
	wrapped := fmt.Errorf("retrieving memories: %w", inner)
	assert.Equal(t, hitlerr.KindTransient, hitlerr.KindOf(wrapped))

	e, ok := hitlerr.As(wrapped)
	require.True(t, ok)
	assert.Equal(t, hitlerr.KindTransient, e.Kind)
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := hitlerr.RateLimited(1800)
	e, ok := hitlerr.As(err)
	require.True(t, ok)
	assert.Equal(t, 1800, e.RetryAfter)
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := hitlerr.Transient("dialing redis", cause)
	assert.ErrorIs(t, err, cause)
}
