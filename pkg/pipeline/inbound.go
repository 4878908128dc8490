package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robehgc/hitl-pipeline/pkg/protocol"
)

// QuarantineGate is the subset of *protocol.Manager the inbound queue
// consults before admitting a message to the draft pipeline (spec §4.J
// step 1 / component G). On error, callers should fail closed (treat the
// user as ACTIVE) per §4.G's failure semantics; InboundQueue.Push does this
// itself so a quarantine-store outage never results in wasted AI spend.
type QuarantineGate interface {
	Divert(ctx context.Context, userID, text, externalMessageID string) (diverted bool, err error)
}

// ProtocolGate adapts *protocol.Manager to QuarantineGate.
type ProtocolGate struct {
	Manager *protocol.Manager
}

// Divert implements QuarantineGate.
func (g ProtocolGate) Divert(ctx context.Context, userID, text, externalMessageID string) (bool, error) {
	_, diverted, err := g.Manager.Divert(ctx, userID, text, externalMessageID)
	return diverted, err
}

// lane is one user's serial message queue. While busy, Next never hands out
// another batch for the same user, so a user's messages are processed
// strictly in ingress order regardless of how many workers are polling. A
// short debounce window coalesces a burst into a single logical turn.
type lane struct {
	msgs    []Inbound
	readyAt time.Time
	busy    bool
}

// InboundQueue fans inbound messages into per-user bounded lanes so that
// one user's burst can never starve or reorder another user's messages
// (spec §5 ordering guarantees), while quarantined users' messages never
// reach a lane at all.
type InboundQueue struct {
	gate     QuarantineGate
	capacity int
	debounce time.Duration
	now      func() time.Time

	mu    sync.Mutex
	lanes map[string]*lane

	dropped int64
}

// InboundQueueConfig bounds per-user lane capacity (spec §5 backpressure,
// default 100) and the debounce window coalescing message bursts into one
// logical turn (default 2 s).
type InboundQueueConfig struct {
	PerUserCapacity int
	DebounceWindow  time.Duration
}

// NewInboundQueue builds a queue gated by a quarantine check.
func NewInboundQueue(gate QuarantineGate, cfg InboundQueueConfig) *InboundQueue {
	capacity := cfg.PerUserCapacity
	if capacity <= 0 {
		capacity = 100
	}
	debounce := cfg.DebounceWindow
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &InboundQueue{
		gate:     gate,
		capacity: capacity,
		debounce: debounce,
		now:      time.Now,
		lanes:    make(map[string]*lane),
	}
}

// Push admits an inbound message to its user's lane, performing the
// quarantine check first. A diverted message never enters a lane. On
// overflow, the oldest queued message for that user is dropped and a
// backpressure_drop condition is logged (spec §4.J backpressure), matching
// the metric pkg/metrics exposes as Observers.BackpressureDropped
// (hitl_pipeline_backpressure_drops_total). Each push
// extends the lane's debounce deadline so a burst drains as one batch.
func (q *InboundQueue) Push(ctx context.Context, msg Inbound) {
	diverted, err := q.gate.Divert(ctx, msg.UserID, msg.UserMessage, msg.ID)
	if err != nil {
		// Fail closed: treat as diverted so a quarantine-store outage never
		// burns AI spend on a message we couldn't classify (spec §4.G).
		slog.Error("inbound: quarantine check failed, failing closed", "user_id", msg.UserID, "error", err)
		return
	}
	if diverted {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[msg.UserID]
	if !ok {
		l = &lane{}
		q.lanes[msg.UserID] = l
	}
	if len(l.msgs) >= q.capacity {
		// Lane full: drop the oldest queued message for this user to make
		// room, per §4.J's overflow policy.
		l.msgs = l.msgs[1:]
		q.dropped++
		slog.Warn("backpressure_drop", "user_id", msg.UserID)
	}
	l.msgs = append(l.msgs, msg)
	l.readyAt = q.now().Add(q.debounce)
}

// Next implements pipeline.Source: it hands out the coalesced batch of one
// user whose debounce window has elapsed and whose lane is not already in
// flight. The lane stays busy until Done(userID) is called, which is what
// serializes a user's turns across the worker pool.
func (q *InboundQueue) Next(ctx context.Context) (Inbound, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, l := range q.lanes {
		if l.busy || len(l.msgs) == 0 || now.Before(l.readyAt) {
			continue
		}
		batch := coalesce(l.msgs)
		l.msgs = nil
		l.busy = true
		return batch, nil
	}
	return Inbound{}, ErrNoInbound
}

// Done releases a user's lane after the worker finishes their batch,
// allowing the next debounced batch for that user to be handed out.
func (q *InboundQueue) Done(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[userID]; ok {
		l.busy = false
		if len(l.msgs) == 0 {
			// Idle lane: garbage-collect so an inactive user doesn't pin a
			// map entry forever.
			delete(q.lanes, userID)
		}
	}
}

// coalesce folds a debounced burst into one logical turn: the messages'
// texts joined in ingress order, carrying the last message's external id.
func coalesce(msgs []Inbound) Inbound {
	if len(msgs) == 1 {
		return msgs[0]
	}
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.UserMessage
	}
	last := msgs[len(msgs)-1]
	return Inbound{
		ID:          last.ID,
		UserID:      last.UserID,
		UserMessage: strings.Join(texts, "\n"),
	}
}

// Dropped reports the cumulative backpressure_drop count, exposed via
// pkg/metrics.
func (q *InboundQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
