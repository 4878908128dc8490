// hitl-server is the HITL pipeline's single deployable binary: it wires
// every component (hot/warm/cold stores, the draft/refine/review pipeline,
// the quarantine protocol, the rate limiter, auth, and the HTTP control
// surface) and serves the control surface until told to stop.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/robehgc/hitl-pipeline/pkg/aiprovider"
	"github.com/robehgc/hitl-pipeline/pkg/authn"
	"github.com/robehgc/hitl-pipeline/pkg/authn/oauth"
	"github.com/robehgc/hitl-pipeline/pkg/audit"
	"github.com/robehgc/hitl-pipeline/pkg/config"
	"github.com/robehgc/hitl-pipeline/pkg/docstore"
	"github.com/robehgc/hitl-pipeline/pkg/embedding"
	"github.com/robehgc/hitl-pipeline/pkg/httpapi"
	"github.com/robehgc/hitl-pipeline/pkg/httpapi/rbac"
	"github.com/robehgc/hitl-pipeline/pkg/kvstore"
	"github.com/robehgc/hitl-pipeline/pkg/memory"
	"github.com/robehgc/hitl-pipeline/pkg/metrics"
	"github.com/robehgc/hitl-pipeline/pkg/outbound"
	"github.com/robehgc/hitl-pipeline/pkg/pipeline"
	"github.com/robehgc/hitl-pipeline/pkg/policyfilter"
	"github.com/robehgc/hitl-pipeline/pkg/protocol"
	"github.com/robehgc/hitl-pipeline/pkg/ragcontext"
	"github.com/robehgc/hitl-pipeline/pkg/ratelimit"
	"github.com/robehgc/hitl-pipeline/pkg/relstore"
	"github.com/robehgc/hitl-pipeline/pkg/review"
)

// activeMemoryUsers builds the user enumerator RunConsolidationSweeps needs,
// listing every user with at least one warm-tier row
// (memory_interaction_metadata) rather than maintaining a separate
// active-user registry. Users whose memories sit only in the hot or cold
// tier are not listed, so the sweep does not consolidate them.
func activeMemoryUsers(rel *relstore.Pool) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		ctx, cancel := rel.WithTimeout(ctx)
		defer cancel()
		rows, err := rel.Raw().Query(ctx, `SELECT DISTINCT user_id FROM memory_interaction_metadata`)
		if err != nil {
			return nil, relstore.Classify(err)
		}
		defer rows.Close()
		var users []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, relstore.Classify(err)
			}
			users = append(users, id)
		}
		return users, rows.Err()
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment file", "path", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	kv := kvstore.New(cfg.RedisConfig())

	rel, err := relstore.Open(ctx, cfg.PostgresConfig())
	if err != nil {
		slog.Error("failed to connect to warm-tier store", "error", err)
		os.Exit(1)
	}
	defer rel.Close()
	slog.Info("connected to warm-tier store")

	var cold docstore.Store
	if mongoCfg, enabled := cfg.MongoConfig(); enabled {
		client, err := docstore.Connect(ctx, mongoCfg)
		if err != nil {
			slog.Error("failed to connect to cold-tier store, continuing without it", "error", err)
		} else {
			cold = client
			defer func() { _ = client.Close(context.Background()) }()
			slog.Info("connected to cold-tier store")
		}
	} else {
		slog.Info("cold-tier store disabled (no mongo URI configured)")
	}

	anthropicAPIKey := cfg.AIProviderAPIKey()
	sdkClient := anthropic.NewClient(option.WithAPIKey(anthropicAPIKey))

	aiCfg := cfg.AIProvider()
	aiClient := aiprovider.New(sdkClient, aiprovider.Config{
		Model:               anthropic.Model(aiCfg.Model),
		ConsecutiveFailures: aiCfg.ConsecutiveFailures,
		OpenTimeout:         aiCfg.OpenTimeout,
	})

	embCfg := cfg.Embedding()
	var backend embedding.Backend
	switch embCfg.Backend {
	case "local":
		backend = embedding.NewLocalBackend(embCfg.LocalEndpoint, embCfg.Dimension, embedding.HTTPLocalEmbed)
	default:
		backend = embedding.NewHashBackend(embCfg.Dimension)
	}
	embedSvc, err := embedding.NewService(backend, embedding.BackendConfig{
		Name:                embCfg.Backend,
		SimilarityThreshold: embCfg.SimilarityThreshold,
	}, embCfg.CacheSize)
	if err != nil {
		slog.Error("failed to build embedding service", "error", err)
		os.Exit(1)
	}

	memCfg := cfg.Memory()
	mem := memory.New(kv, rel, cold, embedSvc, memory.Config{
		Thresholds: memory.TierThresholds{
			HotDays:  memCfg.HotTierDays,
			WarmDays: memCfg.WarmTierDays,
			ColdDays: memCfg.ColdTierDays,
		},
		SweepInterval: memCfg.SweepInterval,
	})

	ragCfg := cfg.RAG()
	ragBuilder := ragcontext.NewBuilder(mem, embedSvc, mem, ragcontext.Config{
		MaxDocuments:      ragCfg.MaxDocuments,
		MaxInterests:      ragCfg.MaxInterests,
		MaxHistoryTurns:   ragCfg.MaxHistoryTurns,
		HistorySimilarity: ragCfg.HistorySimilarity,
		SummaryMaxChars:   ragCfg.SummaryMaxChars,
		ConfidenceFloor:   ragCfg.ConfidenceFloor,
		GlobalCorpusID:    ragCfg.GlobalCorpusID,
	})

	quarantineCfg := cfg.Quarantine()
	protocolMgr := protocol.New(rel, protocol.Config{
		Retention:      quarantineCfg.Retention,
		CostPerMessage: quarantineCfg.CostPerMessage,
	})

	patterns, err := cfg.PolicyPatterns()
	if err != nil {
		slog.Error("failed to compile policy masking patterns", "error", err)
		os.Exit(1)
	}
	filter := policyfilter.New(patterns)

	rateLimitWatcher, err := config.WatchRateLimits(cfg)
	if err != nil {
		slog.Error("failed to start rate limit config watcher", "error", err)
		os.Exit(1)
	}
	defer rateLimitWatcher.Close()
	limiter := ratelimit.New(kv, rateLimitWatcher)

	reviews := review.New(rel)

	auditLog := audit.New(rel)

	accessTTL, refreshTTL, maxSessions := cfg.AuthTTLs()
	issuer := authn.New(kv, authn.Config{
		Secret:             cfg.JWTSecret(),
		Issuer:             cfg.Issuer(),
		AccessTokenTTL:     accessTTL,
		RefreshTokenTTL:    refreshTTL,
		LegacyStaticKey:    cfg.LegacyAPIKey(),
		MaxSessionsPerUser: maxSessions,
	})
	sessions := authn.NewSessionManager(rel, issuer, auditLog, maxSessions)

	authorizer, err := rbac.New(ctx)
	if err != nil {
		slog.Error("failed to compile rbac policy", "error", err)
		os.Exit(1)
	}

	providers := map[string]*oauth.Handler{}
	for _, p := range cfg.OAuthProviders() {
		adminEmails := make(map[string]bool, len(p.AdminEmails))
		for _, e := range p.AdminEmails {
			adminEmails[e] = true
		}
		providers[p.Name] = oauth.NewHandler(oauth.Config{
			Config: oauth2.Config{
				ClientID:     p.ClientID,
				ClientSecret: p.ClientSecret,
				RedirectURL:  p.RedirectURL,
				Scopes:       p.Scopes,
				Endpoint: oauth2.Endpoint{
					AuthURL:  p.AuthURL,
					TokenURL: p.TokenURL,
				},
			},
			UserInfoURL: p.UserInfoURL,
			MapRole: func(info oauth.UserInfo) authn.Role {
				if adminEmails[info.Email] {
					return authn.RoleAdmin
				}
				return authn.RoleViewer
			},
		}, kv, issuer, http.DefaultClient)
	}

	pipelineCfg := cfg.Pipeline()
	recovered, err := pipeline.RecoverStaleClaims(ctx, reviews, pipelineCfg.StaleReviewAfter)
	if err != nil {
		slog.Error("startup recovery scan failed", "error", err)
	} else if recovered > 0 {
		slog.Info("requeued stale in-review interactions at startup", "count", recovered)
	}

	inbound := pipeline.NewInboundQueue(pipeline.ProtocolGate{Manager: protocolMgr}, pipeline.InboundQueueConfig{
		PerUserCapacity: pipelineCfg.InboundLaneCapacity,
		DebounceWindow:  pipelineCfg.DebounceWindow,
	})

	drafter := pipeline.ThrottledGenerator{
		Inner:       pipeline.AIProviderGenerator{Client: aiClient, MaxTokens: 1024},
		Limiter:     limiter,
		ProviderKey: "provider:anthropic",
	}
	draftStage := pipeline.NewDraftStage(drafter, drafter, filter)

	pool := pipeline.New(inbound, ragBuilder, draftStage, reviews, pipeline.Config{
		WorkerCount:        pipelineCfg.WorkerCount,
		PollInterval:       pipelineCfg.PollInterval,
		PollIntervalJitter: pipelineCfg.PollIntervalJitter,
		MaxInFlight:        pipelineCfg.MaxInFlight,
	})
	pool.Start(ctx)
	defer pool.Stop()

	metricsRegistry := prometheus.NewRegistry()
	metrics.Register(metricsRegistry, metrics.Observers{
		BackpressureDropped: inbound.Dropped,
		PipelineInFlight:    pool.InFlight,
		PipelineWorkers:     pool.WorkerCount,
		EmbeddingCacheHits: func() int64 {
			hits, _ := embedSvc.CacheStats()
			return hits
		},
		EmbeddingCacheMisses: func() int64 {
			_, misses := embedSvc.CacheStats()
			return misses
		},
	})

	server := httpapi.NewServer(httpapi.Config{
		Issuer:   issuer,
		Sessions: sessions,
		OAuth:    providers,
		Reviews:  reviews,
		Protocol: protocolMgr,
		Limiter:  limiter,
		Rel:      rel,
		Rbac:     authorizer,
		Health: &pipeline.Health{
			Pool:     pool,
			Provider: aiClient,
			Inbound:  inbound,
		},
		Metrics:     promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}),
		Inbound:     inbound,
		AccessTTL:   accessTTL,
		RefreshTTL:  refreshTTL,
		FrontendURL: cfg.FrontendURL(),
	})

	outboundCfg := cfg.Outbound()
	transport := outbound.NewWebhookTransport(outboundCfg.WebhookURL, nil)
	sender := outbound.New(transport, outbound.Config{
		ConsecutiveFailures: outboundCfg.ConsecutiveFailures,
		OpenTimeout:         outboundCfg.OpenTimeout,
	})
	deliveryWorker := pipeline.NewDeliveryWorker(reviews, sender, mem, pipeline.DeliveryConfig{
		PollInterval: outboundCfg.PollInterval,
		BubbleDelay:  outboundCfg.BubbleDelay,
	})
	go deliveryWorker.Run(ctx)
	defer deliveryWorker.Stop()

	go protocolMgr.RunExpirySweep(ctx, cfg.Retention().CleanupInterval)
	go limiter.RunAlertLoop(ctx, time.Minute)
	go mem.RunConsolidationSweeps(ctx, activeMemoryUsers(rel))

	srvCfg := cfg.Server()
	slog.Info("starting hitl-server", "bind_addr", srvCfg.BindAddr, "config_dir", *configDir)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(srvCfg.BindAddr)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("http server exited unexpectedly", "error", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during graceful shutdown", "error", err)
		}
	}

	slog.Info("hitl-server stopped")
}
