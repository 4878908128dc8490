// Package outbound implements delivery of reviewed reply bubbles back to
// the user over an external messaging transport: a single retrying,
// circuit-broken call per bubble, so one failed bubble in a multi-bubble
// reply doesn't silently drop the rest.
package outbound

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/retry"
)

// Transport sends a single bubble of text to userID over whatever external
// channel the deployment integrates (Telegram, Slack DM, SMS, etc).
type Transport interface {
	Send(ctx context.Context, userID, text string) (externalMessageID string, err error)
}

// Delivery tracks the outcome of sending one final_bubbles entry.
type Delivery struct {
	Bubble             string
	ExternalMessageID  string
	Err                error
}

// Sender wraps a Transport with retry and circuit-breaking, matching the
// review-approved fan-out of final_bubbles into individually delivered
// messages described by the Open Question resolution in the project's
// expanded specification.
type Sender struct {
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	budget    retry.Budget
}

// Config configures the circuit breaker guarding the transport.
type Config struct {
	BreakerName       string
	MaxRequests       uint32
	ConsecutiveFailures uint32
	OpenTimeout       time.Duration
	RetryBudget       retry.Budget
}

// New builds a Sender.
func New(transport Transport, cfg Config) *Sender {
	if cfg.BreakerName == "" {
		cfg.BreakerName = "outbound-transport"
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
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
		Name:        cfg.BreakerName,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("outbound circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})

	return &Sender{transport: transport, breaker: breaker, budget: budget}
}

// DeliverBubbles sends each bubble in order, continuing past individual
// failures so the rest of the reply still reaches the user; failures are
// reported per-bubble in the returned slice.
func (s *Sender) DeliverBubbles(ctx context.Context, userID string, bubbles []string) []Delivery {
	out := make([]Delivery, 0, len(bubbles))
	for _, bubble := range bubbles {
		extID, err := s.deliverOne(ctx, userID, bubble)
		out = append(out, Delivery{Bubble: bubble, ExternalMessageID: extID, Err: err})
	}
	return out
}

func (s *Sender) deliverOne(ctx context.Context, userID, bubble string) (string, error) {
	var extID string
	err := retry.Do(ctx, s.budget, func(ctx context.Context) error {
		result, breakerErr := s.breaker.Execute(func() (interface{}, error) {
			return s.transport.Send(ctx, userID, bubble)
		})
		if breakerErr != nil {
			if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
				return hitlerr.Transient("outbound transport circuit open", breakerErr)
			}
			return breakerErr
		}
		extID, _ = result.(string)
		return nil
	})
	return extID, err
}
