package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads hitl.yaml (and, if present, a hitl.local.yaml override
// merged on top) from configDir, expands environment variables, applies
// defaults, validates, and returns a ready-to-use Config.
//
// Steps performed:
//  1. Load hitl.yaml
//  2. Load hitl.local.yaml, if present, and merge it over the base (local
//     values win, matching the base+llm-providers override pattern)
//  3. Apply defaults for any still-unset fields
//  4. Validate (which compiles the policy masking patterns to check them)
//  5. Return Config
//
// The rate-limit rule source and policy filter patterns are built later, on
// demand, by the Config accessors.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	base, err := loadYAMLConfig(configDir, "hitl.yaml")
	if err != nil {
		return nil, NewLoadError("hitl.yaml", err)
	}

	localPath := filepath.Join(configDir, "hitl.local.yaml")
	if _, err := os.Stat(localPath); err == nil {
		local, err := loadYAMLConfig(configDir, "hitl.local.yaml")
		if err != nil {
			return nil, NewLoadError("hitl.local.yaml", err)
		}
		if err := mergo.Merge(base, local, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging hitl.local.yaml over hitl.yaml: %w", err)
		}
	}

	base.withDefaults()

	cfg := &Config{configDir: configDir, raw: *base}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized",
		"bind_addr", cfg.raw.Server.BindAddr,
		"embedding_backend", cfg.raw.Embedding.Backend,
		"oauth_providers", len(cfg.raw.Auth.OAuthProviders),
		"rate_limit_roles", len(cfg.raw.RateLimit.Roles),
		"rate_limit_endpoint_modifiers", len(cfg.raw.RateLimit.EndpointModifiers))

	return cfg, nil
}

func loadYAMLConfig(configDir, filename string) (*YAMLConfig, error) {
	path := filepath.Join(configDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg YAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	return newValidator(cfg).validateAll()
}
