package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/robehgc/hitl-pipeline/pkg/review"
)

// StaleReviewStore is the subset of *review.Store the startup recovery scan
// needs to requeue abandoned claims.
type StaleReviewStore interface {
	ListStaleInReview(ctx context.Context, olderThan time.Duration) ([]review.Interaction, error)
	RequeuePending(ctx context.Context, interactionID string) error
}

// RecoverStaleClaims re-marks pending any interaction left in_review longer
// than threshold without a live reviewer session, so reviewers can reclaim
// it. Run once at orchestrator startup per spec §4.J "Recovery".
func RecoverStaleClaims(ctx context.Context, store StaleReviewStore, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	stale, err := store.ListStaleInReview(ctx, threshold)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, it := range stale {
		if err := store.RequeuePending(ctx, it.ID); err != nil {
			slog.Error("recovery: requeuing stale in_review interaction failed", "interaction_id", it.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("recovery: requeued stale in_review interactions", "count", recovered)
	}
	return recovered, nil
}
