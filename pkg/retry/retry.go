// Package retry provides the shared bounded-exponential-backoff helper used
// by every component that talks to an external store or AI provider. It
// wraps cenkalti/backoff/v4 with the taxonomy in pkg/hitlerr: only
// hitlerr.KindTransient errors are retried, everything else returns
// immediately.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

// Budget bounds a retry loop by attempt count and total elapsed time.
type Budget struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	BaseDelay   time.Duration
}

// DefaultBudget matches §7's "3 attempts, exponential" propagation policy.
func DefaultBudget() Budget {
	return Budget{MaxAttempts: 3, MaxElapsed: 10 * time.Second, BaseDelay: 200 * time.Millisecond}
}

// Do runs fn, retrying on hitlerr.KindTransient errors per budget. Any other
// error kind (or a non-taxonomy error) is returned immediately without
// retry. If the budget is exhausted, the last error is promoted to
// hitlerr.KindFailure per §7's propagation policy.
func Do(ctx context.Context, budget Budget, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = budget.BaseDelay
	b.MaxElapsedTime = budget.MaxElapsed
	bc := backoff.WithContext(b, ctx)

	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if hitlerr.KindOf(err) != hitlerr.KindTransient {
			return backoff.Permanent(err)
		}
		if attempt >= budget.MaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, bc)
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if hitlerr.KindOf(err) == hitlerr.KindTransient {
		return hitlerr.Failure("retry budget exhausted", lastErr)
	}
	return err
}
