// Package testutil provides shared test infrastructure: a disposable
// Postgres container for relstore-backed integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/robehgc/hitl-pipeline/pkg/relstore"
)

// RequirePool starts a disposable Postgres container, opens a relstore.Pool
// against it (running the embedded migrations), and registers cleanup.
// Skips the test if Docker is unavailable in the current environment.
func RequirePool(t *testing.T) *relstore.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("hitl_test"),
		postgres.WithUsername("hitl"),
		postgres.WithPassword("hitl"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("skipping: could not start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := relstore.Open(ctx, relstore.Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}
