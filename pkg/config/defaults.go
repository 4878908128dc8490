package config

import "time"

// withDefaults fills unset fields of a freshly-parsed YAMLConfig, mirroring
// each component's own withDefaults conventions so a near-empty hitl.yaml
// still produces a runnable configuration in development.
func (c *YAMLConfig) withDefaults() {
	if c.Server.BindAddr == "" {
		c.Server.BindAddr = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Stores.Redis.Addr == "" {
		c.Stores.Redis.Addr = "localhost:6379"
	}
	if c.Stores.Redis.PoolSize <= 0 {
		c.Stores.Redis.PoolSize = 10
	}
	if c.Stores.Postgres.DSNEnv == "" {
		c.Stores.Postgres.DSNEnv = "DATABASE_URL"
	}
	if c.Stores.Postgres.MinConns <= 0 {
		c.Stores.Postgres.MinConns = 2
	}
	if c.Stores.Postgres.MaxConns <= 0 {
		c.Stores.Postgres.MaxConns = 10
	}
	if c.Stores.Postgres.OperationTimeout <= 0 {
		c.Stores.Postgres.OperationTimeout = 30 * time.Second
	}
	if c.Stores.Postgres.MigrationsPath == "" {
		c.Stores.Postgres.MigrationsPath = "pkg/relstore/migrations"
	}
	if c.Stores.Mongo.Database == "" {
		c.Stores.Mongo.Database = "hitl"
	}
	if c.Stores.Mongo.Collection == "" {
		c.Stores.Mongo.Collection = "archived_memories"
	}

	if c.AIProvider.Model == "" {
		c.AIProvider.Model = "claude-sonnet-4-5"
	}
	if c.AIProvider.APIKeyEnv == "" {
		c.AIProvider.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.AIProvider.ConsecutiveFailures == 0 {
		c.AIProvider.ConsecutiveFailures = 5
	}
	if c.AIProvider.OpenTimeout <= 0 {
		c.AIProvider.OpenTimeout = 30 * time.Second
	}
	if c.AIProvider.MaxRetries <= 0 {
		c.AIProvider.MaxRetries = 3
	}
	if c.AIProvider.RetryBaseDelay <= 0 {
		c.AIProvider.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.AIProvider.RetryMaxDelay <= 0 {
		c.AIProvider.RetryMaxDelay = 10 * time.Second
	}

	if c.Embedding.Backend == "" {
		c.Embedding.Backend = "hash"
	}
	if c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = 1536
	}
	if c.Embedding.SimilarityThreshold <= 0 {
		// The local model's score distribution sits much lower than the
		// default backend's, so it needs a different cutoff.
		if c.Embedding.Backend == "local" {
			c.Embedding.SimilarityThreshold = 0.05
		} else {
			c.Embedding.SimilarityThreshold = 0.6
		}
	}
	if c.Embedding.CacheSize <= 0 {
		c.Embedding.CacheSize = 2048
	}

	if c.Memory.HotTierDays <= 0 {
		c.Memory.HotTierDays = 7
	}
	if c.Memory.WarmTierDays <= 0 {
		c.Memory.WarmTierDays = 30
	}
	if c.Memory.ColdTierDays <= 0 {
		c.Memory.ColdTierDays = 90
	}
	if c.Memory.SweepInterval <= 0 {
		c.Memory.SweepInterval = time.Hour
	}

	if c.RAG.MaxDocuments <= 0 {
		c.RAG.MaxDocuments = 3
	}
	if c.RAG.MaxInterests <= 0 {
		c.RAG.MaxInterests = 5
	}
	if c.RAG.MaxHistoryTurns <= 0 {
		c.RAG.MaxHistoryTurns = 3
	}
	if c.RAG.HistorySimilarity <= 0 {
		c.RAG.HistorySimilarity = 0.6
	}
	if c.RAG.SummaryMaxChars <= 0 {
		c.RAG.SummaryMaxChars = 2000
	}
	if c.RAG.ConfidenceFloor <= 0 {
		c.RAG.ConfidenceFloor = 0.3
	}

	if c.Pipeline.WorkerCount <= 0 {
		c.Pipeline.WorkerCount = 4
	}
	if c.Pipeline.PollInterval <= 0 {
		c.Pipeline.PollInterval = 500 * time.Millisecond
	}
	if c.Pipeline.PollIntervalJitter <= 0 {
		c.Pipeline.PollIntervalJitter = 200 * time.Millisecond
	}
	if c.Pipeline.MaxInFlight <= 0 {
		c.Pipeline.MaxInFlight = 16
	}
	if c.Pipeline.InboundLaneCapacity <= 0 {
		c.Pipeline.InboundLaneCapacity = 100
	}
	if c.Pipeline.DebounceWindow <= 0 {
		c.Pipeline.DebounceWindow = 2 * time.Second
	}
	if c.Pipeline.BubbleMinDelay <= 0 {
		c.Pipeline.BubbleMinDelay = 800 * time.Millisecond
	}
	if c.Pipeline.BubbleMaxDelay <= 0 {
		c.Pipeline.BubbleMaxDelay = 2500 * time.Millisecond
	}
	if c.Pipeline.StaleReviewAfter <= 0 {
		c.Pipeline.StaleReviewAfter = 30 * time.Minute
	}

	if c.Quarantine.Retention <= 0 {
		c.Quarantine.Retention = 7 * 24 * time.Hour
	}
	if c.Quarantine.CostPerMessage <= 0 {
		c.Quarantine.CostPerMessage = 0.000307
	}

	if c.Auth.JWTSecretEnv == "" {
		c.Auth.JWTSecretEnv = "JWT_SECRET"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "hitl-pipeline"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.MaxSessionsPerUser <= 0 {
		c.Auth.MaxSessionsPerUser = 5
	}

	if c.Retention.AuditLogRetention <= 0 {
		c.Retention.AuditLogRetention = 90 * 24 * time.Hour
	}
	if c.Retention.CleanupInterval <= 0 {
		c.Retention.CleanupInterval = time.Hour
	}

	if c.Outbound.PollInterval <= 0 {
		c.Outbound.PollInterval = time.Second
	}
	if c.Outbound.BubbleDelay <= 0 {
		c.Outbound.BubbleDelay = 500 * time.Millisecond
	}
	if c.Outbound.ConsecutiveFailures == 0 {
		c.Outbound.ConsecutiveFailures = 5
	}
	if c.Outbound.OpenTimeout <= 0 {
		c.Outbound.OpenTimeout = 30 * time.Second
	}

	if c.Frontend.URL == "" {
		c.Frontend.URL = "http://localhost:3000"
	}
}

// defaultRateLimitRule is the unauthenticated-caller base rule applied when
// hitl.yaml carries no "" entry in rate_limit.roles, matching §4.H's
// Unauthenticated row (20 req/min, burst 5, 30 min penalty doubling to a
// 480 min cap).
func defaultRateLimitRule() RateLimitRule {
	return RateLimitRule{
		RequestsPerMinute:       20,
		BurstAllowance:          5,
		ProgressiveBackoff:      true,
		ViolationPenaltyMinutes: 30,
		MaxPenaltyMinutes:       480,
	}
}
