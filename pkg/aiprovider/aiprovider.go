// Package aiprovider wraps the external AI provider used for message
// drafting and refinement: an Anthropic Messages client guarded by a
// circuit breaker and the shared retry budget, so a provider outage
// degrades to rejected drafts (handled upstream by pkg/pipeline) rather
// than hanging workers.
package aiprovider

import (
	"context"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sony/gobreaker"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/retry"
)

// Request is a single drafting call.
type Request struct {
	SystemPrompt string
	UserMessage  string
	MaxTokens    int64
}

// Response is the model's raw output, refined downstream by the risk
// scoring stage before it ever reaches a reviewer.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Client is the guarded Anthropic client.
type Client struct {
	sdk     anthropic.Client
	model   anthropic.Model
	breaker *gobreaker.CircuitBreaker
	budget  retry.Budget
}

// Config configures the model and resilience posture.
type Config struct {
	Model               anthropic.Model
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	RetryBudget         retry.Budget
}

// New builds a Client over a pre-constructed Anthropic SDK client.
func New(sdk anthropic.Client, cfg Config) *Client {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	budget := cfg.RetryBudget
	if budget == (retry.Budget{}) {
		budget = retry.DefaultBudget()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "aiprovider",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("ai provider circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})

	return &Client{sdk: sdk, model: cfg.Model, breaker: breaker, budget: budget}
}

// BreakerState reports the circuit breaker's current state, used by the
// health surface to flag a degraded provider without issuing a probe call.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Draft calls the model to produce raw reply content for a user message.
func (c *Client) Draft(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserMessage)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	var resp Response
	err := retry.Do(ctx, c.budget, func(ctx context.Context) error {
		result, breakerErr := c.breaker.Execute(func() (interface{}, error) {
			return c.sdk.Messages.New(ctx, params)
		})
		if breakerErr != nil {
			if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
				return hitlerr.Transient("ai provider circuit open", breakerErr)
			}
			return hitlerr.Transient("ai provider call failed", breakerErr)
		}
		message := result.(*anthropic.Message)
		resp.InputTokens = message.Usage.InputTokens
		resp.OutputTokens = message.Usage.OutputTokens
		for _, block := range message.Content {
			if block.Type == "text" {
				resp.Text += block.Text
			}
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}
