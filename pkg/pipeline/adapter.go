package pipeline

import (
	"context"

	"github.com/robehgc/hitl-pipeline/pkg/aiprovider"
	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/ratelimit"
	"github.com/robehgc/hitl-pipeline/pkg/retry"
)

// AIProviderGenerator adapts *aiprovider.Client to the Generator interface
// DraftStage depends on, keeping this package's public surface free of the
// Anthropic SDK's types.
type AIProviderGenerator struct {
	Client    *aiprovider.Client
	MaxTokens int64
}

// Draft implements Generator.
func (g AIProviderGenerator) Draft(ctx context.Context, req GenerateRequest) (string, error) {
	resp, err := g.Client.Draft(ctx, aiprovider.Request{
		SystemPrompt: req.SystemPrompt,
		UserMessage:  req.UserMessage,
		MaxTokens:    g.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ProviderLimiter is the slice of *ratelimit.Limiter that gates outbound AI
// traffic, the same limiter instance the HTTP surface uses (spec applies
// component H to external AI calls, not just reviewer requests).
type ProviderLimiter interface {
	Check(ctx context.Context, identity, role, endpoint string) (ratelimit.Result, error)
}

// ThrottledGenerator guards a Generator with the rate limiter under a
// provider-specific key. A throttled call retries with exponential backoff
// up to the budget; once exhausted, the error surfaces and the pool stages
// a failed interaction for reviewer visibility.
type ThrottledGenerator struct {
	Inner   Generator
	Limiter ProviderLimiter
	// ProviderKey identifies the external provider in the limiter's
	// identity space, e.g. "provider:anthropic".
	ProviderKey string
	Budget      retry.Budget
}

// Draft implements Generator.
func (g ThrottledGenerator) Draft(ctx context.Context, req GenerateRequest) (string, error) {
	budget := g.Budget
	if budget == (retry.Budget{}) {
		budget = retry.DefaultBudget()
	}
	var out string
	err := retry.Do(ctx, budget, func(ctx context.Context) error {
		if g.Limiter != nil {
			result, err := g.Limiter.Check(ctx, g.ProviderKey, "admin", "/providers/generate")
			if err == nil && !result.Allowed {
				return hitlerr.Transient("provider call throttled", nil)
			}
		}
		text, err := g.Inner.Draft(ctx, req)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	return out, err
}
