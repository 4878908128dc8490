package config

import (
	"fmt"
	"os"
)

// validator performs cross-field and environment-presence checks that
// withDefaults alone cannot: it runs after defaults are applied, so a
// failure here means the deployment is missing something only an operator
// can supply (a secret, a DSN), not a YAML typo.
type validator struct {
	cfg *Config
}

func newValidator(cfg *Config) *validator {
	return &validator{cfg: cfg}
}

func (v *validator) validateAll() error {
	checks := []func() error{
		v.validateServer,
		v.validateStores,
		v.validateAIProvider,
		v.validateEmbedding,
		v.validateAuth,
		v.validateRateLimit,
		v.validatePolicy,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) validateServer() error {
	if v.cfg.raw.Server.BindAddr == "" {
		return NewValidationError("server", "bind_addr", ErrMissingRequiredField)
	}
	return nil
}

func (v *validator) validateStores() error {
	if os.Getenv(v.cfg.raw.Stores.Postgres.DSNEnv) == "" {
		return NewValidationError("stores.postgres", "dsn_env",
			fmt.Errorf("%w: environment variable %s is unset", ErrMissingRequiredField, v.cfg.raw.Stores.Postgres.DSNEnv))
	}
	if v.cfg.raw.Stores.Redis.Addr == "" {
		return NewValidationError("stores.redis", "addr", ErrMissingRequiredField)
	}
	return nil
}

func (v *validator) validateAIProvider() error {
	if os.Getenv(v.cfg.raw.AIProvider.APIKeyEnv) == "" {
		return NewValidationError("ai_provider", "api_key_env",
			fmt.Errorf("%w: environment variable %s is unset", ErrMissingRequiredField, v.cfg.raw.AIProvider.APIKeyEnv))
	}
	return nil
}

func (v *validator) validateEmbedding() error {
	switch v.cfg.raw.Embedding.Backend {
	case "hash", "local":
	default:
		return NewValidationError("embedding", "backend",
			fmt.Errorf("%w: %q (expected \"hash\" or \"local\")", ErrInvalidValue, v.cfg.raw.Embedding.Backend))
	}
	if v.cfg.raw.Embedding.Backend == "local" && v.cfg.raw.Embedding.LocalEndpoint == "" {
		return NewValidationError("embedding", "local_endpoint", ErrMissingRequiredField)
	}
	if v.cfg.raw.Embedding.SimilarityThreshold <= 0 || v.cfg.raw.Embedding.SimilarityThreshold > 1 {
		return NewValidationError("embedding", "similarity_threshold",
			fmt.Errorf("%w: must be in (0, 1]", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateAuth() error {
	if os.Getenv(v.cfg.raw.Auth.JWTSecretEnv) == "" {
		return NewValidationError("auth", "jwt_secret_env",
			fmt.Errorf("%w: environment variable %s is unset", ErrMissingRequiredField, v.cfg.raw.Auth.JWTSecretEnv))
	}
	for _, p := range v.cfg.raw.Auth.OAuthProviders {
		if p.Name == "" {
			return NewValidationError("auth.oauth_providers", "name", ErrMissingRequiredField)
		}
		if p.AuthURL == "" || p.TokenURL == "" {
			return NewValidationError("auth.oauth_providers", p.Name+".auth_url/token_url", ErrMissingRequiredField)
		}
	}
	return nil
}

func (v *validator) validateRateLimit() error {
	for key, rule := range v.cfg.raw.RateLimit.Rules {
		if rule.RequestsPerMinute < 0 {
			return NewValidationError("rate_limit.rules", key,
				fmt.Errorf("%w: requests_per_minute must be >= 0", ErrInvalidValue))
		}
	}
	for role, rule := range v.cfg.raw.RateLimit.Roles {
		if rule.RequestsPerMinute < 0 {
			return NewValidationError("rate_limit.roles", role,
				fmt.Errorf("%w: requests_per_minute must be >= 0", ErrInvalidValue))
		}
	}
	for _, mod := range v.cfg.raw.RateLimit.EndpointModifiers {
		if mod.Pattern == "" {
			return NewValidationError("rate_limit.endpoint_modifiers", "pattern", ErrMissingRequiredField)
		}
	}
	return nil
}

func (v *validator) validatePolicy() error {
	if _, err := v.cfg.PolicyPatterns(); err != nil {
		return err
	}
	return nil
}
