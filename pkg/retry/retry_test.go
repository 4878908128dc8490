package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/retry"
)

func fastBudget() retry.Budget {
	return retry.Budget{MaxAttempts: 3, MaxElapsed: time.Second, BaseDelay: time.Millisecond}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	attempts := 0
	err := retry.Do(context.Background(), fastBudget(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return hitlerr.Transient("flaky", errors.New("try again"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsImmediatelyOnNonTransient(t *testing.T) {
	attempts := 0
	err := retry.Do(context.Background(), fastBudget(), func(ctx context.Context) error {
		attempts++
		return hitlerr.Conflict("already claimed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, hitlerr.KindConflict, hitlerr.KindOf(err))
}

func TestDoPromotesExhaustedBudgetToFailure(t *testing.T) {
	attempts := 0
	err := retry.Do(context.Background(), fastBudget(), func(ctx context.Context) error {
		attempts++
		return hitlerr.Transient("still down", errors.New("dial tcp"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, hitlerr.KindFailure, hitlerr.KindOf(err))
}
