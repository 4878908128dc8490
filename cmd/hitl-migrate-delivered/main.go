// hitl-migrate-delivered is a one-shot backfill for data written before the
// review state machine split mark_delivered out from approve: it sets
// delivered_at on approved rows that never received one, inferring
// delivered_at = decided_at per spec.md §9's migration note. It never
// transitions review_status; rows stay approved.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/robehgc/hitl-pipeline/pkg/config"
	"github.com/robehgc/hitl-pipeline/pkg/relstore"
	"github.com/robehgc/hitl-pipeline/pkg/review"
)

func main() {
	configDir := flag.String("config", "deploy/config", "directory containing hitl.yaml")
	dryRun := flag.Bool("dry-run", false, "log candidates without writing")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	rel, err := relstore.Open(ctx, cfg.PostgresConfig())
	if err != nil {
		slog.Error("failed to connect to warm-tier store", "error", err)
		os.Exit(1)
	}
	defer rel.Close()

	store := review.New(rel)
	candidates, err := store.LegacyUndelivered(ctx)
	if err != nil {
		slog.Error("failed to list legacy undelivered interactions", "error", err)
		os.Exit(1)
	}

	slog.Info("found legacy undelivered interactions", "count", len(candidates))
	var backfilled int
	for _, it := range candidates {
		deliveredAt := review.InferDeliveredAt(it)
		if deliveredAt == nil {
			continue
		}
		if *dryRun {
			slog.Info("would backfill delivered_at", "interaction_id", it.ID, "user_id", it.UserID, "delivered_at", *deliveredAt)
			continue
		}
		if err := store.BackfillDeliveredAt(ctx, it.ID, *deliveredAt); err != nil {
			slog.Error("failed to backfill interaction", "interaction_id", it.ID, "error", err)
			continue
		}
		backfilled++
	}

	slog.Info("backfill complete", "backfilled", backfilled, "dry_run", *dryRun)
}
