//go:build integration

package review_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/review"
	"github.com/robehgc/hitl-pipeline/test/testutil"
)

func TestClaimDecideDeliverLifecycle(t *testing.T) {
	pool := testutil.RequirePool(t)
	store := review.New(pool)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, store.Create(ctx, review.Interaction{
		ID: id, UserID: "u1", UserMessage: "hi",
		RefinedBubbles: []string{"Hello!"}, PriorityScore: 1,
	}))

	claimed, err := store.ClaimNext(ctx, "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	require.Equal(t, review.StatusInReview, claimed.ReviewStatus)

	_, err = store.ClaimNext(ctx, "reviewer-2")
	require.ErrorIs(t, err, review.ErrNoneAvailable)

	require.NoError(t, store.Decide(ctx, id, "reviewer-1", review.Decision{
		Status: review.StatusApproved, FinalBubbles: []string{"Hello!"},
	}))

	require.NoError(t, store.MarkDelivered(ctx, id))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, review.StatusDelivered, got.ReviewStatus)
	require.NotNil(t, got.DeliveredAt)
}

func TestDecideRejectsWrongReviewer(t *testing.T) {
	pool := testutil.RequirePool(t)
	store := review.New(pool)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, store.Create(ctx, review.Interaction{ID: id, UserID: "u2", UserMessage: "hi"}))
	_, err := store.ClaimNext(ctx, "reviewer-a")
	require.NoError(t, err)

	err = store.Decide(ctx, id, "reviewer-b", review.Decision{Status: review.StatusApproved})
	require.Error(t, err)
}
