package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robehgc/hitl-pipeline/pkg/memory"
	"github.com/robehgc/hitl-pipeline/pkg/outbound"
	"github.com/robehgc/hitl-pipeline/pkg/review"
)

// DeliveryConfig controls the delivery worker's polling cadence and the
// inter-bubble pacing described by spec §4.J step 7.
type DeliveryConfig struct {
	PollInterval    time.Duration
	BubbleDelay     time.Duration
	ImportanceFloor float64
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BubbleDelay <= 0 {
		c.BubbleDelay = 500 * time.Millisecond
	}
	if c.ImportanceFloor <= 0 {
		c.ImportanceFloor = 0.3
	}
	return c
}

// ReviewStore is the subset of *review.Store the delivery worker needs.
type ReviewStore interface {
	ListUndeliveredApproved(ctx context.Context, olderThan time.Duration) ([]review.Interaction, error)
	MarkDelivered(ctx context.Context, interactionID string) error
}

// MemoryWriter is the subset of *memory.Manager the delivery worker needs
// to record a conversation turn for future retrieval (spec §4.J step 8).
type MemoryWriter interface {
	Store(ctx context.Context, item memory.Item, autoTier bool) error
}

// DeliveryWorker emits approved interactions' final_bubbles to the outbound
// transport in order, one bubble at a time with a pacing delay, then writes
// a conversation MemoryItem and marks the interaction delivered. There is no
// separate recovery scan: every poll lists all approved, undelivered
// interactions, so ones left by an earlier process are picked up on the
// first poll.
type DeliveryWorker struct {
	reviews ReviewStore
	sender  *outbound.Sender
	mem     MemoryWriter
	cfg     DeliveryConfig
	stopCh  chan struct{}
}

// NewDeliveryWorker wires the review store, outbound sender, and memory
// writer into a worker ready to Run.
func NewDeliveryWorker(reviews ReviewStore, sender *outbound.Sender, mem MemoryWriter, cfg DeliveryConfig) *DeliveryWorker {
	return &DeliveryWorker{reviews: reviews, sender: sender, mem: mem, cfg: cfg.withDefaults(), stopCh: make(chan struct{})}
}

// Run polls for approved-but-undelivered interactions until ctx is done or
// Stop is called, delivering each one found.
func (w *DeliveryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			its, err := w.reviews.ListUndeliveredApproved(ctx, 0)
			if err != nil {
				slog.Error("delivery worker: listing undelivered approved interactions failed", "error", err)
				continue
			}
			for _, it := range its {
				w.deliverOne(ctx, it)
			}
		}
	}
}

// Stop halts Run.
func (w *DeliveryWorker) Stop() { close(w.stopCh) }

func (w *DeliveryWorker) deliverOne(ctx context.Context, it review.Interaction) {
	log := slog.With("interaction_id", it.ID, "user_id", it.UserID)
	for i, bubble := range it.FinalBubbles {
		deliveries := w.sender.DeliverBubbles(ctx, it.UserID, []string{bubble})
		if len(deliveries) > 0 && deliveries[0].Err != nil {
			log.Error("delivery: sending bubble failed", "bubble_index", i, "error", deliveries[0].Err)
			return
		}
		if i < len(it.FinalBubbles)-1 {
			time.Sleep(w.cfg.BubbleDelay)
		}
	}

	if w.mem != nil {
		item := memory.Item{
			ID:         it.ID,
			UserID:     it.UserID,
			Content:    strings.Join(it.FinalBubbles, " "),
			MemoryType: "conversation",
			Importance: ConversationImportance(it.UserMessage, strings.Join(it.FinalBubbles, " ")),
			Timestamp:  time.Now(),
		}
		if err := w.mem.Store(ctx, item, true); err != nil {
			log.Error("delivery: writing memory item failed", "error", err)
		}
	}

	if err := w.reviews.MarkDelivered(ctx, it.ID); err != nil {
		log.Error("delivery: marking delivered failed", "error", err)
	}
}

var emotionalKeywords = []string{
	"love", "hate", "scared", "afraid", "excited", "worried", "anxious",
	"happy", "sad", "angry", "grateful", "proud", "hurt", "hope",
}

// ConversationImportance implements the pinned heuristic from spec §4.J:
// base 0.3, up to +0.5 from a length signal (combined word count / 100; no
// entity signal is computed), up to +0.2 from
// emotional-keyword signals, clamped to [0, 1]. It is a fixed, documented
// weighting rather than a source-specific regex pattern, per §9's design
// note calling out the original's under-specified heuristic.
func ConversationImportance(userMessage, reply string) float64 {
	score := 0.3

	combined := userMessage + " " + reply
	wordCount := len(strings.Fields(combined))
	lengthSignal := float64(wordCount) / 100.0
	if lengthSignal > 0.5 {
		lengthSignal = 0.5
	}
	score += lengthSignal

	lower := strings.ToLower(combined)
	hits := 0
	for _, kw := range emotionalKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	emotionalSignal := float64(hits) * 0.05
	if emotionalSignal > 0.2 {
		emotionalSignal = 0.2
	}
	score += emotionalSignal

	if score > 1.0 {
		score = 1.0
	}
	if score < 0 {
		score = 0
	}
	return score
}
