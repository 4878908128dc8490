package config

import "time"

// YAMLConfig is the complete hitl.yaml file structure: every section maps
// onto one component's own Config type, so Initialize does little more than
// parse, apply defaults, and hand each section to its component's
// constructor at wiring time in cmd/hitl-server.
type YAMLConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Stores     StoresConfig     `yaml:"stores"`
	AIProvider AIProviderConfig `yaml:"ai_provider"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Memory     MemoryConfig     `yaml:"memory"`
	RAG        RAGConfig        `yaml:"rag"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Auth       AuthConfig       `yaml:"auth"`
	Policy     PolicyConfig     `yaml:"policy"`
	Retention  RetentionConfig  `yaml:"retention"`
	Outbound   OutboundConfig   `yaml:"outbound"`
	Frontend   FrontendConfig   `yaml:"frontend"`
}

// OutboundConfig configures delivery of approved reply bubbles back to the
// user's external messaging surface.
type OutboundConfig struct {
	WebhookURL          string        `yaml:"webhook_url"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	BubbleDelay         time.Duration `yaml:"bubble_delay"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"breaker_open_timeout"`
}

// FrontendConfig names the reviewer dashboard URL the OAuth callback
// redirects to once it has minted a token pair.
type FrontendConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig configures the HTTP control surface (component K).
type ServerConfig struct {
	BindAddr        string        `yaml:"bind_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// StoresConfig configures the hot/warm/cold persistence tier connections.
type StoresConfig struct {
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
}

// RedisConfig configures the hot-tier kvstore.Client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// PostgresConfig configures the warm-tier relstore.Pool.
type PostgresConfig struct {
	DSNEnv           string        `yaml:"dsn_env"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConns         int32         `yaml:"max_conns"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	MigrationsPath   string        `yaml:"migrations_path"`
}

// MongoConfig configures the cold-tier docstore.Client. Empty URI disables
// cold-tier consolidation entirely (memory.New accepts a nil docstore.Store).
type MongoConfig struct {
	URIEnv     string `yaml:"uri_env"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// AIProviderConfig configures the draft/refine generation backend
// (component J's generator, grounded on the Anthropic SDK client).
type AIProviderConfig struct {
	Model               string        `yaml:"model"`
	APIKeyEnv           string        `yaml:"api_key_env"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"breaker_open_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
}

// EmbeddingConfig configures the vector backend (component D).
type EmbeddingConfig struct {
	Backend             string  `yaml:"backend"` // "hash" or "local"
	Model               string  `yaml:"model"`
	Dimension           int     `yaml:"dimension"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	CacheSize           int     `yaml:"cache_size"`
	LocalEndpoint       string  `yaml:"local_endpoint"` // used when backend == "local"
}

// MemoryConfig configures tiered memory placement and consolidation
// (component E).
type MemoryConfig struct {
	HotTierDays   int           `yaml:"hot_tier_days"`
	WarmTierDays  int           `yaml:"warm_tier_days"`
	ColdTierDays  int           `yaml:"cold_tier_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RAGConfig configures context assembly (component F).
type RAGConfig struct {
	MaxDocuments      int     `yaml:"max_documents"`
	MaxInterests      int     `yaml:"max_interests"`
	MaxHistoryTurns   int     `yaml:"max_history_turns"`
	HistorySimilarity float64 `yaml:"history_similarity"`
	SummaryMaxChars   int     `yaml:"summary_max_chars"`
	ConfidenceFloor   float64 `yaml:"confidence_floor"`
	GlobalCorpusID    string  `yaml:"global_corpus_id"`
}

// PipelineConfig configures the orchestrator worker pool, the inbound
// admission queue, and the paced delivery worker (component J).
type PipelineConfig struct {
	WorkerCount         int           `yaml:"worker_count"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	PollIntervalJitter  time.Duration `yaml:"poll_interval_jitter"`
	MaxInFlight         int           `yaml:"max_in_flight"`
	InboundLaneCapacity int           `yaml:"inbound_lane_capacity"`
	DebounceWindow      time.Duration `yaml:"debounce_window"`
	BubbleMinDelay      time.Duration `yaml:"bubble_min_delay"`
	BubbleMaxDelay      time.Duration `yaml:"bubble_max_delay"`
	StaleReviewAfter    time.Duration `yaml:"stale_review_after"`
}

// QuarantineConfig configures the protocol/quarantine manager (component G).
// CostPerMessage is the per-diverted-message spend estimate accumulated into
// cost_saved.
type QuarantineConfig struct {
	Retention      time.Duration `yaml:"retention"`
	CostPerMessage float64       `yaml:"cost_per_message"`
}

// RateLimitConfig configures the role x endpoint limiter (component H):
// Roles carries the per-role base table (keyed by role name, "" for
// unauthenticated) and EndpointModifiers carries the per-endpoint
// request/burst multiplier table, combined by ratelimit.RoleEndpointRules.
// Rules is a legacy flat "role/endpoint" escape hatch kept for deployments
// that want to pin one exact combination outside the role x modifier model;
// an entry there is folded in as an extra exact-match RuleFor key.
type RateLimitConfig struct {
	Roles             map[string]RateLimitRule    `yaml:"roles"`
	EndpointModifiers []RateLimitEndpointModifier `yaml:"endpoint_modifiers"`
	Rules             map[string]RateLimitRule    `yaml:"rules"`
}

// RateLimitRule mirrors ratelimit.RuleConfig in YAML-friendly form.
type RateLimitRule struct {
	RequestsPerMinute       int  `yaml:"requests_per_minute"`
	BurstAllowance          int  `yaml:"burst_allowance"`
	ProgressiveBackoff      bool `yaml:"progressive_backoff"`
	ViolationPenaltyMinutes int  `yaml:"violation_penalty_minutes"`
	MaxPenaltyMinutes       int  `yaml:"max_penalty_minutes"`
}

// RateLimitEndpointModifier mirrors ratelimit.EndpointModifier in
// YAML-friendly form.
type RateLimitEndpointModifier struct {
	Pattern           string  `yaml:"pattern"`
	RequestMultiplier float64 `yaml:"request_multiplier"`
	BurstMultiplier   float64 `yaml:"burst_multiplier"`
}

// AuthConfig configures JWT issuance/validation and OAuth login providers
// (the supplemented authn component).
type AuthConfig struct {
	JWTSecretEnv       string          `yaml:"jwt_secret_env"`
	Issuer             string          `yaml:"issuer"`
	AccessTokenTTL     time.Duration   `yaml:"access_token_ttl"`
	RefreshTokenTTL    time.Duration   `yaml:"refresh_token_ttl"`
	LegacyAPIKeyEnv    string          `yaml:"legacy_api_key_env"`
	MaxSessionsPerUser int             `yaml:"max_sessions_per_user"`
	OAuthProviders     []OAuthProvider `yaml:"oauth_providers"`
}

// OAuthProvider describes one external identity provider.
type OAuthProvider struct {
	Name            string   `yaml:"name"`
	ClientIDEnv     string   `yaml:"client_id_env"`
	ClientSecretEnv string   `yaml:"client_secret_env"`
	AuthURL         string   `yaml:"auth_url"`
	TokenURL        string   `yaml:"token_url"`
	UserInfoURL     string   `yaml:"user_info_url"`
	RedirectURL     string   `yaml:"redirect_url"`
	Scopes          []string `yaml:"scopes"`
	AdminEmails     []string `yaml:"admin_emails"`
}

// PolicyConfig configures the deterministic masking/risk filter
// (component J.5's policy filter).
type PolicyConfig struct {
	MaskingPatterns []PolicyPattern `yaml:"masking_patterns"`
}

// PolicyPattern mirrors policyfilter.Pattern in YAML-friendly form.
type PolicyPattern struct {
	Name        string `yaml:"name"`
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
}

// RetentionConfig configures periodic cleanup. CleanupInterval paces the
// quarantine expiry sweep (protocol.Manager.RunExpirySweep). Nothing in this
// repository reads AuditLogRetention, and no sweep prunes audit log entries
// or stale sessions.
type RetentionConfig struct {
	AuditLogRetention   time.Duration `yaml:"audit_log_retention"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
}
