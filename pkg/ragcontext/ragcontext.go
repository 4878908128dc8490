// Package ragcontext builds the retrieval-augmented context assembled
// before a user message enters the draft/review pipeline (component F):
// relevant documents retrieved via embeddings, user preferences, a brief
// conversation-history slice, and a confidence score reflecting how much of
// that context was actually usable. Every sub-failure degrades to the
// original message rather than failing the pipeline.
package ragcontext

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/robehgc/hitl-pipeline/pkg/embedding"
	"github.com/robehgc/hitl-pipeline/pkg/memory"
)

// ScoredDocument is one retrieved document that cleared the similarity
// threshold, carried in the Enhancement for reviewer/debug visibility.
type ScoredDocument struct {
	Title      string
	Preview    string
	Similarity float64
}

// Enhancement is the assembled retrieval context for one user message.
// EnhancedText is what the drafting model receives: either the raw user
// message (low confidence or degraded build) or a composite prompt folding
// in the context summary.
type Enhancement struct {
	UserMessage       string
	EnhancedText      string
	RelevantDocuments []ScoredDocument
	Confidence        float64
	Success           bool
}

// RenderPrompt returns the text handed to the drafting model.
func (e Enhancement) RenderPrompt() string { return e.EnhancedText }

// PreferenceSource loads a user's stored interests for the "User Interests"
// section. A nil source skips the section.
type PreferenceSource interface {
	Interests(ctx context.Context, userID string) ([]string, error)
}

// Config bounds retrieval and assembly. Zero values take the documented
// defaults: 3 documents, 3 history turns at 0.6 similarity, a 2000-char
// summary, and a 0.3 confidence floor below which the raw message is used
// unmodified.
type Config struct {
	MaxDocuments      int
	MaxInterests      int
	MaxHistoryTurns   int
	HistorySimilarity float64
	SummaryMaxChars   int
	ConfidenceFloor   float64
	// GlobalCorpusID names the pseudo-user whose memories act as the shared
	// biographical corpus searched alongside the user's own. Empty disables
	// the global corpus.
	GlobalCorpusID string
}

func (c Config) withDefaults() Config {
	if c.MaxDocuments <= 0 {
		c.MaxDocuments = 3
	}
	if c.MaxInterests <= 0 {
		c.MaxInterests = 5
	}
	if c.MaxHistoryTurns <= 0 {
		c.MaxHistoryTurns = 3
	}
	if c.HistorySimilarity <= 0 {
		c.HistorySimilarity = 0.6
	}
	if c.SummaryMaxChars <= 0 {
		c.SummaryMaxChars = 2000
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.3
	}
	return c
}

// MemorySource is the slice of *memory.Manager the builder retrieves
// candidate documents and history through.
type MemorySource interface {
	Retrieve(ctx context.Context, userID, query string, memoryTypes []string, limit int, minImportance float64) ([]memory.Item, error)
}

// Builder assembles Enhancement values ahead of draft generation.
type Builder struct {
	mem   MemorySource
	embed *embedding.Service
	prefs PreferenceSource
	cfg   Config
}

// NewBuilder wires a memory manager and embedding service into a Builder.
// prefs may be nil.
func NewBuilder(mem MemorySource, embed *embedding.Service, prefs PreferenceSource, cfg Config) *Builder {
	return &Builder{mem: mem, embed: embed, prefs: prefs, cfg: cfg.withDefaults()}
}

// degraded is the graceful-failure result: the raw message passes through
// with zero confidence but the pipeline keeps moving.
func degraded(userMessage string, success bool) Enhancement {
	return Enhancement{UserMessage: userMessage, EnhancedText: userMessage, Success: success}
}

// Build assembles the retrieval context for userMessage. It never returns a
// non-nil error for a sub-system failure: an embedding failure yields
// Success=false, any other degraded path yields Success=true with zero
// confidence, both with EnhancedText equal to the raw message.
func (b *Builder) Build(ctx context.Context, userID, userMessage string) (Enhancement, error) {
	queryVec, err := b.embed.Embed(ctx, userMessage)
	if err != nil || queryVec == nil {
		return degraded(userMessage, false), nil
	}

	docs := b.scoreDocuments(ctx, userID, userMessage, queryVec)

	var interests []string
	if b.prefs != nil {
		if got, err := b.prefs.Interests(ctx, userID); err == nil {
			interests = got
		}
	}
	if len(interests) > b.cfg.MaxInterests {
		interests = interests[:b.cfg.MaxInterests]
	}

	history, meanHistSim := b.historySlice(ctx, userID, userMessage, queryVec)

	var meanDocSim float64
	for _, d := range docs {
		meanDocSim += d.Similarity
	}
	if len(docs) > 0 {
		meanDocSim /= float64(len(docs))
	}

	hasPrefs := 0.0
	if len(interests) > 0 {
		hasPrefs = 1.0
	}
	confidence := 0.6*meanDocSim + 0.2*hasPrefs + 0.2*meanHistSim
	if confidence > 1.0 {
		confidence = 1.0
	}

	out := Enhancement{
		UserMessage:       userMessage,
		RelevantDocuments: docs,
		Confidence:        confidence,
		Success:           true,
	}
	if confidence < b.cfg.ConfidenceFloor {
		out.EnhancedText = userMessage
		return out, nil
	}

	summary := b.assembleSummary(docs, interests, history)
	out.EnhancedText = fmt.Sprintf(
		"User Message: %s\n\nRelevant Context:\n%s\n\nInstructions: Use the context above only where it is clearly relevant to the user's message.",
		userMessage, summary)
	return out, nil
}

// scoreDocuments collects candidate documents from the user's own memories
// plus the global biographical corpus, scores each by cosine similarity
// against queryVec, and keeps the top MaxDocuments that clear the backend's
// similarity threshold.
func (b *Builder) scoreDocuments(ctx context.Context, userID, userMessage string, queryVec embedding.Vector) []ScoredDocument {
	scopes := []string{userID}
	if b.cfg.GlobalCorpusID != "" && b.cfg.GlobalCorpusID != userID {
		scopes = append(scopes, b.cfg.GlobalCorpusID)
	}

	var docs []ScoredDocument
	seen := make(map[string]bool)
	for _, scope := range scopes {
		// Two passes: an unfiltered sweep of the hot/warm tiers (a substring
		// match against the whole message would exclude nearly everything)
		// plus a semantic pass that reaches the cold tier, deduped by id.
		var items []memory.Item
		if broad, err := b.mem.Retrieve(ctx, scope, "", nil, b.cfg.MaxDocuments*5, 0); err == nil {
			items = append(items, broad...)
		}
		if semantic, err := b.mem.Retrieve(ctx, scope, userMessage, nil, b.cfg.MaxDocuments*5, 0); err == nil {
			items = append(items, semantic...)
		}
		for _, it := range items {
			if it.ID != "" && seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			itemVec := it.Embedding
			if itemVec == nil {
				vec, err := b.embed.Embed(ctx, it.Content)
				if err != nil || vec == nil {
					continue
				}
				itemVec = vec
			}
			sim := embedding.CosineSimilarity(queryVec, itemVec)
			if !b.embed.IsRelevant(sim) {
				continue
			}
			docs = append(docs, ScoredDocument{
				Title:      docTitle(it),
				Preview:    truncate(it.Content, 200),
				Similarity: sim,
			})
		}
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Similarity > docs[j].Similarity })
	if len(docs) > b.cfg.MaxDocuments {
		docs = docs[:b.cfg.MaxDocuments]
	}
	return docs
}

// historySlice pulls recent conversation turns and keeps those whose
// similarity to the query clears the history threshold, up to
// MaxHistoryTurns, returning their topics and the mean similarity.
func (b *Builder) historySlice(ctx context.Context, userID, userMessage string, queryVec embedding.Vector) (topics []string, meanSim float64) {
	items, err := b.mem.Retrieve(ctx, userID, "", []string{"conversation"}, b.cfg.MaxHistoryTurns*4, 0)
	if err != nil {
		return nil, 0
	}
	var sum float64
	for _, it := range items {
		if len(topics) >= b.cfg.MaxHistoryTurns {
			break
		}
		vec := it.Embedding
		if vec == nil {
			vec, err = b.embed.Embed(ctx, it.Content)
			if err != nil || vec == nil {
				continue
			}
		}
		sim := embedding.CosineSimilarity(queryVec, vec)
		if sim < b.cfg.HistorySimilarity {
			continue
		}
		topics = append(topics, truncate(it.Content, 120))
		sum += sim
	}
	if len(topics) > 0 {
		meanSim = sum / float64(len(topics))
	}
	return topics, meanSim
}

// assembleSummary composes the bounded context_summary: a "Relevant
// Knowledge" section of document titles and previews, "User Interests", and
// up to two "Related Previous Topics", truncated with an ellipsis past the
// configured character bound.
func (b *Builder) assembleSummary(docs []ScoredDocument, interests, history []string) string {
	var sb strings.Builder
	if len(docs) > 0 {
		sb.WriteString("Relevant Knowledge:\n")
		for _, d := range docs {
			fmt.Fprintf(&sb, "- %s: %s\n", d.Title, d.Preview)
		}
	}
	if len(interests) > 0 {
		sb.WriteString("User Interests: ")
		sb.WriteString(strings.Join(interests, ", "))
		sb.WriteString("\n")
	}
	if len(history) > 0 {
		sb.WriteString("Related Previous Topics:\n")
		max := 2
		if len(history) < max {
			max = len(history)
		}
		for _, h := range history[:max] {
			fmt.Fprintf(&sb, "- %s\n", h)
		}
	}
	return truncate(strings.TrimRight(sb.String(), "\n"), b.cfg.SummaryMaxChars)
}

func docTitle(it memory.Item) string {
	if t, ok := it.Metadata["title"].(string); ok && t != "" {
		return t
	}
	if it.MemoryType != "" {
		return it.MemoryType
	}
	return "memory"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
