package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
server:
  bind_addr: ":9090"
stores:
  postgres:
    dsn_env: TEST_DATABASE_URL
  redis:
    addr: "localhost:6379"
ai_provider:
  api_key_env: TEST_ANTHROPIC_API_KEY
auth:
  jwt_secret_env: TEST_JWT_SECRET
rate_limit:
  rules:
    "admin/*":
      requests_per_minute: 300
    "reviewer/*":
      requests_per_minute: 120
`

func setupTestConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hitl.yaml"), []byte(minimalYAML), 0o644))
	return dir
}

func TestInitialize(t *testing.T) {
	dir := setupTestConfigDir(t)
	t.Setenv("TEST_DATABASE_URL", "postgres://localhost/hitl")
	t.Setenv("TEST_ANTHROPIC_API_KEY", "test-key")
	t.Setenv("TEST_JWT_SECRET", "test-secret")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":9090", cfg.Server().BindAddr)
	assert.Equal(t, "postgres://localhost/hitl", cfg.PostgresConfig().DSN)
	assert.Equal(t, "test-key", cfg.AIProviderAPIKey())
	assert.Equal(t, []byte("test-secret"), cfg.JWTSecret())

	rules := cfg.RateLimitSource()
	// "admin/*" and "reviewer/*" are legacy flat pins and take precedence
	// over the role table below.
	assert.Equal(t, 300, rules.RuleFor("admin", "anything").RequestsPerMinute)
	assert.Equal(t, 120, rules.RuleFor("reviewer", "anything").RequestsPerMinute)
	// a role with no pin and no rate_limit.roles entry falls back to the
	// unauthenticated base rule (§4.H: 20 req/min).
	assert.Equal(t, 20, rules.RuleFor("viewer", "anything").RequestsPerMinute)
}

func TestInitializeConfigNotFound(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load")
}

func TestInitializeMissingSecretFails(t *testing.T) {
	dir := setupTestConfigDir(t)
	// Deliberately do not set TEST_DATABASE_URL / TEST_ANTHROPIC_API_KEY / TEST_JWT_SECRET.
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestInitializeLocalOverrideWins(t *testing.T) {
	dir := setupTestConfigDir(t)
	t.Setenv("TEST_DATABASE_URL", "postgres://localhost/hitl")
	t.Setenv("TEST_ANTHROPIC_API_KEY", "test-key")
	t.Setenv("TEST_JWT_SECRET", "test-secret")

	localYAML := `
server:
  bind_addr: ":7070"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hitl.local.yaml"), []byte(localYAML), 0o644))

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server().BindAddr)
}

func TestInitializeAppliesDefaults(t *testing.T) {
	dir := setupTestConfigDir(t)
	t.Setenv("TEST_DATABASE_URL", "postgres://localhost/hitl")
	t.Setenv("TEST_ANTHROPIC_API_KEY", "test-key")
	t.Setenv("TEST_JWT_SECRET", "test-secret")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pipeline().WorkerCount)
	assert.Equal(t, 7, cfg.Memory().HotTierDays)
	assert.Equal(t, 3, cfg.RAG().MaxDocuments)
	access, refresh, maxSessions := cfg.AuthTTLs()
	assert.Equal(t, 15*time.Minute, access)
	assert.Greater(t, refresh, access)
	assert.Equal(t, 5, maxSessions)
}
