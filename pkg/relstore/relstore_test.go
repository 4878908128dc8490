package relstore_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/relstore"
)

// Classify is pure and needs no live connection, so it is exercised directly
// against constructed pgconn.PgError values rather than a sqlmock pool.

func TestClassifyNil(t *testing.T) {
	require.NoError(t, relstore.Classify(nil))
}

func TestClassifyNotFound(t *testing.T) {
	err := relstore.Classify(pgx.ErrNoRows)
	require.ErrorIs(t, err, hitlerr.ErrNotFound)
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	err := relstore.Classify(context.DeadlineExceeded)
	herr, ok := hitlerr.As(err)
	require.True(t, ok)
	require.Equal(t, hitlerr.KindTransient, herr.Kind)
}

func TestClassifyConstraintViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "uq_interactions_one_in_review_per_user"}
	herr, ok := hitlerr.As(relstore.Classify(pgErr))
	require.True(t, ok)
	require.Equal(t, hitlerr.KindConflict, herr.Kind)
}

func TestClassifyDeadlockIsTransient(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "40P01"}
	herr, ok := hitlerr.As(relstore.Classify(pgErr))
	require.True(t, ok)
	require.Equal(t, hitlerr.KindTransient, herr.Kind)
}
