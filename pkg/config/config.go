// Package config loads the service's hitl.yaml configuration file,
// resolving environment-variable secrets and component sub-configs, in the
// layered YAML+env-expand+validate style the rest of this codebase's
// ambient infrastructure follows. Secret values (API keys, DSNs, JWT
// signing keys) are never written directly into YAML: the file names the
// environment variable that holds the secret, and Config resolves it at
// construction time.
package config

import (
	"os"
	"regexp"
	"time"

	"github.com/robehgc/hitl-pipeline/pkg/docstore"
	"github.com/robehgc/hitl-pipeline/pkg/kvstore"
	"github.com/robehgc/hitl-pipeline/pkg/policyfilter"
	"github.com/robehgc/hitl-pipeline/pkg/ratelimit"
	"github.com/robehgc/hitl-pipeline/pkg/relstore"
)

// Config is the umbrella configuration object returned by Initialize and
// used throughout cmd/hitl-server to construct every component.
type Config struct {
	configDir string
	raw       YAMLConfig
}

// ConfigDir returns the directory hitl.yaml was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// Server returns the HTTP control surface configuration.
func (c *Config) Server() ServerConfig { return c.raw.Server }

// RedisConfig resolves the hot-tier connection config, reading the Redis
// password from its named environment variable.
func (c *Config) RedisConfig() kvstore.Config {
	r := c.raw.Stores.Redis
	return kvstore.Config{
		Addr:     r.Addr,
		Password: os.Getenv(r.PasswordEnv),
		DB:       r.DB,
		PoolSize: r.PoolSize,
	}
}

// PostgresConfig resolves the warm-tier connection config, reading the DSN
// from its named environment variable.
func (c *Config) PostgresConfig() relstore.Config {
	p := c.raw.Stores.Postgres
	return relstore.Config{
		DSN:              os.Getenv(p.DSNEnv),
		MinConns:         p.MinConns,
		MaxConns:         p.MaxConns,
		OperationTimeout: p.OperationTimeout,
	}
}

// MigrationsPath returns the directory containing the warm-tier's embedded
// golang-migrate SQL migrations.
func (c *Config) MigrationsPath() string { return c.raw.Stores.Postgres.MigrationsPath }

// MongoConfig resolves the cold-tier connection config. An empty URI means
// cold-tier archival is disabled for this deployment.
func (c *Config) MongoConfig() (docstore.Config, bool) {
	m := c.raw.Stores.Mongo
	uri := os.Getenv(m.URIEnv)
	if uri == "" {
		return docstore.Config{}, false
	}
	return docstore.Config{URI: uri, Database: m.Database, Collection: m.Collection}, true
}

// AIProviderAPIKey resolves the generation backend's API key from its named
// environment variable.
func (c *Config) AIProviderAPIKey() string {
	return os.Getenv(c.raw.AIProvider.APIKeyEnv)
}

// AIProvider returns the raw AI provider section. cmd/hitl-server passes
// only the model name and breaker tuning to aiprovider.New; the retry fields
// (max_retries, retry_base_delay, retry_max_delay) are loaded but not passed
// on, so the provider runs with retry.DefaultBudget.
func (c *Config) AIProvider() AIProviderConfig { return c.raw.AIProvider }

// Embedding returns the embedding backend section.
func (c *Config) Embedding() EmbeddingConfig { return c.raw.Embedding }

// Memory returns the tiered memory manager section.
func (c *Config) Memory() MemoryConfig { return c.raw.Memory }

// RAG returns the context-builder section.
func (c *Config) RAG() RAGConfig { return c.raw.RAG }

// Pipeline returns the orchestrator/inbound-queue/delivery section.
func (c *Config) Pipeline() PipelineConfig { return c.raw.Pipeline }

// Quarantine returns the protocol manager section.
func (c *Config) Quarantine() QuarantineConfig { return c.raw.Quarantine }

// Retention returns the cleanup section (see RetentionConfig).
func (c *Config) Retention() RetentionConfig { return c.raw.Retention }

// Outbound returns the reply-delivery transport section.
func (c *Config) Outbound() OutboundConfig { return c.raw.Outbound }

// FrontendURL returns the reviewer dashboard URL the OAuth callback
// redirects to.
func (c *Config) FrontendURL() string { return c.raw.Frontend.URL }

// JWTSecret resolves the JWT signing key from its named environment
// variable.
func (c *Config) JWTSecret() []byte {
	return []byte(os.Getenv(c.raw.Auth.JWTSecretEnv))
}

// LegacyAPIKey resolves the deprecated static dashboard key, if configured.
func (c *Config) LegacyAPIKey() string {
	if c.raw.Auth.LegacyAPIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.raw.Auth.LegacyAPIKeyEnv)
}

// AuthTTLs returns the access/refresh token lifetimes and session cap.
func (c *Config) AuthTTLs() (access, refresh time.Duration, maxSessions int) {
	return c.raw.Auth.AccessTokenTTL, c.raw.Auth.RefreshTokenTTL, c.raw.Auth.MaxSessionsPerUser
}

// Issuer returns the JWT issuer string.
func (c *Config) Issuer() string { return c.raw.Auth.Issuer }

// OAuthProviders returns the configured external identity providers, with
// client id/secret resolved from their named environment variables.
func (c *Config) OAuthProviders() []ResolvedOAuthProvider {
	out := make([]ResolvedOAuthProvider, 0, len(c.raw.Auth.OAuthProviders))
	for _, p := range c.raw.Auth.OAuthProviders {
		out = append(out, ResolvedOAuthProvider{
			Name:         p.Name,
			ClientID:     os.Getenv(p.ClientIDEnv),
			ClientSecret: os.Getenv(p.ClientSecretEnv),
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			UserInfoURL:  p.UserInfoURL,
			RedirectURL:  p.RedirectURL,
			Scopes:       p.Scopes,
			AdminEmails:  p.AdminEmails,
		})
	}
	return out
}

// ResolvedOAuthProvider is an OAuthProvider with its secrets read from the
// environment, ready to build an oauth.Config.
type ResolvedOAuthProvider struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
	AdminEmails  []string
}

// RateLimitSource builds a static ratelimit.RuleSource snapshot of the
// currently loaded rules; the snapshot does not change when hitl.yaml is
// edited. cmd/hitl-server uses WatchRateLimits (see watch.go) instead, whose
// RateLimitWatcher picks up hitl.yaml edits without a restart.
func (c *Config) RateLimitSource() ratelimit.RuleSource {
	return buildStaticRules(c.raw.RateLimit)
}

func buildStaticRules(rl RateLimitConfig) ratelimit.RuleSource {
	roles := make(map[string]ratelimit.RuleConfig, len(rl.Roles))
	for name, r := range rl.Roles {
		roles[name] = toRuleConfig(r)
	}
	if _, ok := roles[""]; !ok {
		roles[""] = toRuleConfig(defaultRateLimitRule())
	}

	mods := make([]ratelimit.EndpointModifier, 0, len(rl.EndpointModifiers))
	for _, m := range rl.EndpointModifiers {
		mods = append(mods, ratelimit.EndpointModifier{
			Pattern:           m.Pattern,
			RequestMultiplier: m.RequestMultiplier,
			BurstMultiplier:   m.BurstMultiplier,
		})
	}
	base := ratelimit.RoleEndpointRules{Roles: roles, Endpoints: mods}

	if len(rl.Rules) == 0 {
		return base
	}
	// Legacy flat "role/endpoint" pins take precedence over the role x
	// endpoint-modifier model wherever an operator names one explicitly.
	exact := make(ratelimit.StaticRules, len(rl.Rules))
	for key, r := range rl.Rules {
		exact[key] = toRuleConfig(r)
	}
	return ratelimit.RuleSourceFunc(func(role, endpoint string) ratelimit.RuleConfig {
		if r, ok := exact.Lookup(role, endpoint); ok {
			return r
		}
		return base.RuleFor(role, endpoint)
	})
}

func toRuleConfig(r RateLimitRule) ratelimit.RuleConfig {
	return ratelimit.RuleConfig{
		RequestsPerMinute:       r.RequestsPerMinute,
		BurstAllowance:          r.BurstAllowance,
		ProgressiveBackoff:      r.ProgressiveBackoff,
		ViolationPenaltyMinutes: r.ViolationPenaltyMinutes,
		MaxPenaltyMinutes:       r.MaxPenaltyMinutes,
	}
}

// PolicyPatterns compiles the configured masking patterns, falling back to
// policyfilter.DefaultPatterns when none are configured.
func (c *Config) PolicyPatterns() ([]policyfilter.Pattern, error) {
	if len(c.raw.Policy.MaskingPatterns) == 0 {
		return policyfilter.DefaultPatterns(), nil
	}
	out := make([]policyfilter.Pattern, 0, len(c.raw.Policy.MaskingPatterns))
	for _, p := range c.raw.Policy.MaskingPatterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, NewValidationError("policy.masking_patterns", p.Name, err)
		}
		out = append(out, policyfilter.Pattern{Name: p.Name, Regex: re, Replacement: p.Replacement})
	}
	return out, nil
}
