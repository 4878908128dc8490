// Package pipeline implements the message pipeline orchestrator
// (component J): a worker pool that pulls inbound messages from a Source
// (the in-memory InboundQueue), builds RAG context, runs the draft/score
// Stage, and hands the resulting interaction to the review state machine.
// Workers poll with jittered backoff rather than blocking on a queue
// primitive.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robehgc/hitl-pipeline/pkg/ragcontext"
	"github.com/robehgc/hitl-pipeline/pkg/review"
)

// Stage runs the drafting pipeline for one inbound message and returns the
// interaction to be persisted in pending review status. Concrete
// implementations call out to pkg/aiprovider for generation and to
// pkg/policyfilter for scoring;
// this package only owns the orchestration loop and backpressure policy.
type Stage interface {
	Draft(ctx context.Context, userID, userMessage string, rc ragcontext.Enhancement) (review.Interaction, error)
}

// Config controls pool sizing and polling cadence.
type Config struct {
	WorkerCount        int
	PollInterval       time.Duration
	PollIntervalJitter time.Duration
	MaxInFlight        int
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PollIntervalJitter <= 0 {
		c.PollIntervalJitter = 200 * time.Millisecond
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = c.WorkerCount * 2
	}
	return c
}

// ErrAtCapacity signals the pool should back off rather than pull more
// inbound work this tick.
var ErrAtCapacity = errors.New("pipeline: at capacity")

// Inbound is a raw message entering the pipeline, ahead of drafting.
type Inbound struct {
	ID          string
	UserID      string
	UserMessage string
}

// Source supplies inbound messages to be drafted, e.g. a Redis list consumer
// or an HTTP webhook handoff channel.
type Source interface {
	Next(ctx context.Context) (Inbound, error)
}

// ErrNoInbound is returned by a Source with nothing queued.
var ErrNoInbound = errors.New("pipeline: no inbound messages available")

// ContextBuilder assembles the retrieval context ahead of drafting.
type ContextBuilder interface {
	Build(ctx context.Context, userID, userMessage string) (ragcontext.Enhancement, error)
}

// Sink persists the drafted interaction, typically *review.Store.
type Sink interface {
	Create(ctx context.Context, it review.Interaction) error
}

// Pool runs a fixed number of draft workers pulling from Source.
type Pool struct {
	cfg     Config
	source  Source
	builder ContextBuilder
	stage   Stage
	sink    Sink

	inFlight int64
	mu       sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a draft pool.
func New(source Source, builder ContextBuilder, stage Stage, sink Sink, cfg Config) *Pool {
	return &Pool{
		cfg: cfg.withDefaults(), source: source, builder: builder,
		stage: stage, sink: sink, stopCh: make(chan struct{}),
	}
}

// Start launches the worker goroutines. Safe to call once.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		id := i
		go func() {
			defer p.wg.Done()
			p.run(ctx, id)
		}()
	}
	slog.Info("pipeline pool started", "workers", p.cfg.WorkerCount)
}

// Stop signals all workers to finish their current draft and exit.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	slog.Info("pipeline pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID int) {
	log := slog.With("worker_id", workerID)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if err := p.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoInbound) || errors.Is(err, ErrAtCapacity) {
					p.sleep(p.pollInterval())
					continue
				}
				log.Error("pipeline worker: processing failed", "error", err)
				p.sleep(time.Second)
			}
		}
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

func (p *Pool) pollInterval() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(p.cfg.PollIntervalJitter) + 1))
	return p.cfg.PollInterval + jitter
}

// InFlight reports the number of drafts currently being processed, used by
// the health surface to show worker-pool saturation.
func (p *Pool) InFlight() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// WorkerCount reports the configured worker count.
func (p *Pool) WorkerCount() int {
	return p.cfg.WorkerCount
}

// laneCompleter is implemented by sources (notably *InboundQueue) that
// serialize per-user work and need to be told when a batch finishes.
type laneCompleter interface {
	Done(userID string)
}

func (p *Pool) pollAndProcess(ctx context.Context) error {
	p.mu.Lock()
	if p.inFlight >= int64(p.cfg.MaxInFlight) {
		p.mu.Unlock()
		return ErrAtCapacity
	}
	p.inFlight++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	msg, err := p.source.Next(ctx)
	if err != nil {
		return err
	}
	if lc, ok := p.source.(laneCompleter); ok {
		defer lc.Done(msg.UserID)
	}

	rc, err := p.builder.Build(ctx, msg.UserID, msg.UserMessage)
	if err != nil {
		return err
	}

	it, err := p.stage.Draft(ctx, msg.UserID, msg.UserMessage, rc)
	if err != nil {
		// Generation exhausted its retry budget: stage a pre-rejected
		// interaction so the drop stays visible to reviewers instead of the
		// message silently vanishing (spec §4.J step 3).
		failed := review.Interaction{
			ID:            msg.ID,
			UserID:        msg.UserID,
			UserMessage:   msg.UserMessage,
			ReviewStatus:  review.StatusRejected,
			ReviewerNotes: "generation failed: " + err.Error(),
		}
		if createErr := p.sink.Create(ctx, failed); createErr != nil {
			slog.Error("pipeline: staging failed interaction", "user_id", msg.UserID, "error", createErr)
		}
		return err
	}
	it.ID = msg.ID
	return p.sink.Create(ctx, it)
}
