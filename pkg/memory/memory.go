// Package memory implements the tiered context/memory subsystem
// (component E): a hot tier in Redis, a warm tier in Postgres, and a cold
// tier in MongoDB, with a periodic consolidation sweep that moves items
// between tiers based on age and importance.
package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/robehgc/hitl-pipeline/pkg/docstore"
	"github.com/robehgc/hitl-pipeline/pkg/embedding"
	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/kvstore"
	"github.com/robehgc/hitl-pipeline/pkg/relstore"
)

// Tier identifies which store currently holds a memory item.
type Tier string

const (
	TierHot      Tier = "hot"
	TierWarm     Tier = "warm"
	TierCold     Tier = "cold"
	TierArchived Tier = "archived"
)

// Item is a single memory entry, the unit moved between tiers.
type Item struct {
	ID             string
	UserID         string
	Content        string
	MemoryType     string
	Importance     float64
	Tier           Tier
	Metadata       map[string]any
	Embedding      embedding.Vector
	Timestamp      time.Time
	RetrievalCount int
	LastRetrieved  *time.Time
}

// ConsolidationResult reports what a single consolidate(user_id) call moved,
// per §4.E's {promoted, demoted, archived, compressed} return shape. This
// manager never promotes an item to a hotter tier or compresses duplicate
// content, so those two fields are always zero; they are kept in the
// result so callers (and tests asserting idempotency) see the full shape
// the spec defines rather than a narrower ad-hoc struct.
type ConsolidationResult struct {
	Promoted  int
	Demoted   int
	Archived  int
	Compressed int
}

// TierThresholds configures the age boundaries (in days) that drive
// consolidation, matching the original manager's HOT_TIER_DAYS /
// WARM_TIER_DAYS / COLD_TIER_DAYS constants.
type TierThresholds struct {
	HotDays  int
	WarmDays int
	ColdDays int
}

func (t TierThresholds) withDefaults() TierThresholds {
	if t.HotDays <= 0 {
		t.HotDays = 7
	}
	if t.WarmDays <= 0 {
		t.WarmDays = 30
	}
	if t.ColdDays <= 0 {
		t.ColdDays = 90
	}
	return t
}

// Manager coordinates the three tiers and periodic consolidation.
type Manager struct {
	kv         kvstore.Store
	rel        *relstore.Pool
	cold       docstore.Store
	embed      *embedding.Service
	thresholds TierThresholds

	sweepInterval time.Duration
	stopCh        chan struct{}
}

// Config configures a Manager.
type Config struct {
	Thresholds    TierThresholds
	SweepInterval time.Duration
}

// New builds a Manager over the three tier stores. cold may be nil, in
// which case consolidation into the archived tier is skipped (the
// deployment has no cold-tier document store configured). embed may also
// be nil, in which case cold-tier retrieval degrades to a text search
// instead of cosine-similarity ranking.
func New(kv kvstore.Store, rel *relstore.Pool, cold docstore.Store, embed *embedding.Service, cfg Config) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Manager{
		kv:            kv,
		rel:           rel,
		cold:          cold,
		embed:         embed,
		thresholds:    cfg.Thresholds.withDefaults(),
		sweepInterval: cfg.SweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// DetermineTier places a just-created item based on its age and importance,
// mirroring the original _determine_tier logic: fresh and important items
// go hot, moderately important items go warm, everything else goes cold.
func (m *Manager) DetermineTier(item Item) Tier {
	ageHours := time.Since(item.Timestamp).Hours()
	switch {
	case ageHours < 24*float64(m.thresholds.HotDays) && item.Importance >= 0.3:
		return TierHot
	case ageHours < 24*float64(m.thresholds.WarmDays) && item.Importance >= 0.2:
		return TierWarm
	default:
		return TierCold
	}
}

// Store persists item in its tier, determining placement automatically
// unless item.Tier is already set.
func (m *Manager) Store(ctx context.Context, item Item, autoTier bool) error {
	if autoTier {
		item.Tier = m.DetermineTier(item)
	}
	switch item.Tier {
	case TierHot:
		return m.storeHot(ctx, item)
	case TierWarm:
		return m.storeWarm(ctx, item)
	case TierCold, TierArchived:
		return m.storeCold(ctx, item)
	default:
		return hitlerr.Validation("unknown memory tier %q", item.Tier)
	}
}

func (m *Manager) storeHot(ctx context.Context, item Item) error {
	meta, err := json.Marshal(item)
	if err != nil {
		return hitlerr.Failure("marshaling memory item", err)
	}
	key := kvstore.HotMemoryKey(item.UserID)
	if err := m.kv.HSet(ctx, key, item.ID, string(meta)); err != nil {
		return err
	}
	return m.kv.Expire(ctx, key, time.Duration(m.thresholds.HotDays)*24*time.Hour)
}

func (m *Manager) storeWarm(ctx context.Context, item Item) error {
	if m.rel == nil {
		return hitlerr.ErrNoStore
	}
	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return hitlerr.Failure("marshaling memory metadata", err)
	}
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	_, err = m.rel.Raw().Exec(ctx, `
		INSERT INTO memory_interaction_metadata
			(id, user_id, content, memory_type, importance, tier, metadata, timestamp, retrieval_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content, importance = EXCLUDED.importance,
			tier = EXCLUDED.tier, metadata = EXCLUDED.metadata`,
		item.ID, item.UserID, item.Content, item.MemoryType, item.Importance,
		string(TierWarm), metaJSON, item.Timestamp, item.RetrievalCount)
	if err != nil {
		return relstore.Classify(err)
	}
	return nil
}

// storeCold persists item in the cold store, carrying its embedding when it
// has one (§3's invariant asks it of ARCHIVED items, but embedForArchival
// can leave an item without one, and consolidateCold marks stored documents
// ARCHIVED without embedding them again).
func (m *Manager) storeCold(ctx context.Context, item Item) error {
	if m.cold == nil {
		// No cold store configured: fall back to warm so the item is not
		// lost, matching a deployment that omits MONGODB_URI entirely.
		return m.storeWarm(ctx, item)
	}
	tier := string(TierCold)
	if item.Tier == TierArchived {
		tier = string(TierArchived)
	}
	doc := docstore.Document{
		ID: item.ID, UserID: item.UserID, Content: item.Content,
		MemoryType: item.MemoryType, Importance: item.Importance, Tier: tier,
		Embedding: item.Embedding, Timestamp: item.Timestamp, ArchivedAt: time.Now(),
		RetrievalCount: item.RetrievalCount, LastRetrieved: item.LastRetrieved,
	}
	return m.cold.Archive(ctx, doc)
}

// embedForArchival computes item's embedding if it doesn't already carry
// one, satisfying the ARCHIVED-must-carry-an-embedding invariant before a
// WARM or COLD item crosses into the cold tier. A nil embedding service
// (no backend configured) leaves the item without one; the cold store
// then degrades gracefully to text search for it.
func (m *Manager) embedForArchival(ctx context.Context, item *Item) {
	if item.Embedding != nil || m.embed == nil {
		return
	}
	vec, err := m.embed.Embed(ctx, item.Content)
	if err != nil {
		slog.Warn("memory: failed to embed item for cold-tier archival", "memory_id", item.ID, "error", err)
		return
	}
	item.Embedding = vec
}

// Retrieve searches all tiers concurrently for a user's memories, merges
// by (importance desc, timestamp desc), truncates to limit, and
// write-throughs a retrieval-count bump for every item returned, per
// §4.E. HOT and WARM use substring containment on content when query is
// non-empty; COLD uses cosine similarity against the query's embedding.
func (m *Manager) Retrieve(ctx context.Context, userID, query string, memoryTypes []string, limit int, minImportance float64) ([]Item, error) {
	type tierResult struct {
		items []Item
		err   error
	}
	hotCh := make(chan tierResult, 1)
	warmCh := make(chan tierResult, 1)
	coldCh := make(chan tierResult, 1)

	go func() {
		items, err := m.retrieveHot(ctx, userID, query, memoryTypes)
		hotCh <- tierResult{items, err}
	}()
	go func() {
		items, err := m.retrieveWarm(ctx, userID, query, memoryTypes)
		warmCh <- tierResult{items, err}
	}()
	go func() {
		items, err := m.retrieveCold(ctx, userID, query)
		coldCh <- tierResult{items, err}
	}()

	hot, warm, cold := <-hotCh, <-warmCh, <-coldCh
	if hot.err != nil {
		return nil, hot.err
	}
	if warm.err != nil {
		return nil, warm.err
	}
	if cold.err != nil {
		return nil, cold.err
	}

	seen := make(map[string]bool)
	var merged []Item
	for _, bucket := range [][]Item{hot.items, warm.items, cold.items} {
		for _, it := range bucket {
			key := it.UserID + "|" + it.Timestamp.Format(time.RFC3339Nano)
			if seen[key] {
				continue // dedupe overlap from an in-flight consolidation move
			}
			seen[key] = true
			if it.Importance < minImportance {
				continue
			}
			merged = append(merged, it)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Importance != merged[j].Importance {
			return merged[i].Importance > merged[j].Importance
		}
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	merged = capItems(merged, limit)

	m.touchRetrieved(ctx, merged)
	return merged, nil
}

// touchRetrieved increments retrieval_count and sets last_retrieved on
// every returned item, write-through to whichever tier it lives in. Best
// effort: a touch failure doesn't fail the retrieval itself.
func (m *Manager) touchRetrieved(ctx context.Context, items []Item) {
	now := time.Now()
	for i := range items {
		it := &items[i]
		it.RetrievalCount++
		it.LastRetrieved = &now
		var err error
		switch it.Tier {
		case TierHot:
			err = m.storeHot(ctx, *it)
		case TierWarm:
			err = m.touchWarm(ctx, it.ID, now)
		case TierCold, TierArchived:
			if m.cold != nil {
				err = m.cold.Touch(ctx, it.ID, now)
			}
		}
		if err != nil {
			slog.Warn("memory: failed to write through retrieval stats", "memory_id", it.ID, "error", err)
		}
	}
}

func capItems(items []Item, limit int) []Item {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func (m *Manager) retrieveHot(ctx context.Context, userID, query string, memoryTypes []string) ([]Item, error) {
	raw, err := m.kv.HGetAll(ctx, kvstore.HotMemoryKey(userID))
	if err != nil {
		return nil, err
	}
	var out []Item
	for _, v := range raw {
		var item Item
		if err := json.Unmarshal([]byte(v), &item); err != nil {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(item.Content), strings.ToLower(query)) {
			continue
		}
		if len(memoryTypes) > 0 && !contains(memoryTypes, item.MemoryType) {
			continue
		}
		item.Tier = TierHot
		out = append(out, item)
	}
	return out, nil
}

func (m *Manager) retrieveWarm(ctx context.Context, userID, query string, memoryTypes []string) ([]Item, error) {
	if m.rel == nil {
		return nil, nil
	}
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	rows, err := m.rel.Raw().Query(ctx, `
		SELECT id, user_id, content, memory_type, importance, timestamp, retrieval_count, last_retrieved
		FROM memory_interaction_metadata
		WHERE user_id = $1 AND tier = 'warm'
		ORDER BY timestamp DESC`, userID)
	if err != nil {
		return nil, relstore.Classify(err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.UserID, &it.Content, &it.MemoryType, &it.Importance, &it.Timestamp, &it.RetrievalCount, &it.LastRetrieved); err != nil {
			return nil, relstore.Classify(err)
		}
		it.Tier = TierWarm
		if query != "" && !strings.Contains(strings.ToLower(it.Content), strings.ToLower(query)) {
			continue
		}
		if len(memoryTypes) > 0 && !contains(memoryTypes, it.MemoryType) {
			continue
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// retrieveCold runs the cold tier's semantic search: cosine similarity
// against the query's embedding when both a cold store and an embedding
// backend are configured, degrading to a plain text search otherwise. An
// empty query skips cold-tier retrieval entirely (nothing to rank by).
func (m *Manager) retrieveCold(ctx context.Context, userID, query string) ([]Item, error) {
	if m.cold == nil || query == "" {
		return nil, nil
	}
	var docs []docstore.Document
	var err error
	if m.embed != nil {
		var qvec embedding.Vector
		qvec, err = m.embed.Embed(ctx, query)
		if err == nil && qvec != nil {
			docs, err = m.cold.VectorSearch(ctx, userID, qvec, 20)
		} else {
			docs, err = m.cold.SearchText(ctx, userID, query, 20)
		}
	} else {
		docs, err = m.cold.SearchText(ctx, userID, query, 20)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(docs))
	for _, d := range docs {
		tier := TierArchived
		if d.Tier == string(TierCold) {
			tier = TierCold
		}
		out = append(out, Item{
			ID: d.ID, UserID: d.UserID, Content: d.Content, MemoryType: d.MemoryType,
			Importance: d.Importance, Tier: tier, Embedding: d.Embedding,
			Timestamp: d.Timestamp, RetrievalCount: d.RetrievalCount, LastRetrieved: d.LastRetrieved,
		})
	}
	return out, nil
}

func (m *Manager) touchWarm(ctx context.Context, id string, at time.Time) error {
	if m.rel == nil {
		return nil
	}
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	_, err := m.rel.Raw().Exec(ctx, `
		UPDATE memory_interaction_metadata
		SET retrieval_count = retrieval_count + 1, last_retrieved = $2
		WHERE id = $1`, id, at)
	return relstore.Classify(err)
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// Consolidate sweeps a single user's memories through all three age-based
// transitions in §4.E: HOT items older than HotDays or below the HOT
// importance floor demote to WARM; WARM items older than WarmDays or
// never retrieved demote to COLD; COLD items older than ColdDays are
// marked ARCHIVED in place. Each move writes to the destination before
// deleting from the source, so a concurrent Retrieve sees both briefly
// and dedupes by (user_id, timestamp). Running Consolidate twice in a row
// with no intervening writes yields a zero result the second time: every
// item that crossed a boundary no longer lives in the source tier, and an
// already-ARCHIVED item no longer matches the "mark ARCHIVED" condition.
func (m *Manager) Consolidate(ctx context.Context, userID string) (ConsolidationResult, error) {
	var result ConsolidationResult

	hotToWarm, err := m.consolidateHot(ctx, userID)
	if err != nil {
		return result, err
	}
	result.Demoted += hotToWarm

	warmToCold, err := m.consolidateWarm(ctx, userID)
	if err != nil {
		return result, err
	}
	result.Demoted += warmToCold

	archived, err := m.consolidateCold(ctx, userID)
	if err != nil {
		return result, err
	}
	result.Archived += archived

	if err := m.updateLastConsolidation(ctx, userID); err != nil {
		slog.Warn("memory: failed to record last_consolidation_at", "user_id", userID, "error", err)
	}
	return result, nil
}

func (m *Manager) consolidateHot(ctx context.Context, userID string) (int, error) {
	items, err := m.retrieveHot(ctx, userID, "", nil)
	if err != nil {
		return 0, err
	}
	var moved int
	key := kvstore.HotMemoryKey(userID)
	for _, it := range items {
		ageDays := time.Since(it.Timestamp).Hours() / 24
		if ageDays <= float64(m.thresholds.HotDays) && it.Importance >= 0.3 {
			continue
		}
		it.Tier = TierWarm
		if err := m.storeWarm(ctx, it); err != nil {
			slog.Error("consolidation: demoting hot item to warm failed", "memory_id", it.ID, "error", err)
			continue
		}
		if err := m.kv.HDel(ctx, key, it.ID); err != nil {
			slog.Error("consolidation: removing demoted hot item failed", "memory_id", it.ID, "error", err)
			continue
		}
		moved++
	}
	return moved, nil
}

func (m *Manager) consolidateWarm(ctx context.Context, userID string) (int, error) {
	// Without a cold store, storeCold falls back to the same warm row the
	// move would then delete, so warm items stay where they are.
	if m.rel == nil || m.cold == nil {
		return 0, nil
	}
	queryCtx, cancel := m.rel.WithTimeout(ctx)
	rows, err := m.rel.Raw().Query(queryCtx, `
		SELECT id, user_id, content, memory_type, importance, timestamp, retrieval_count, last_retrieved
		FROM memory_interaction_metadata
		WHERE user_id = $1 AND tier = 'warm'`, userID)
	if err != nil {
		cancel()
		return 0, relstore.Classify(err)
	}
	var candidates []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.UserID, &it.Content, &it.MemoryType, &it.Importance, &it.Timestamp, &it.RetrievalCount, &it.LastRetrieved); err != nil {
			rows.Close()
			cancel()
			return 0, relstore.Classify(err)
		}
		ageDays := time.Since(it.Timestamp).Hours() / 24
		if ageDays > float64(m.thresholds.WarmDays) || it.RetrievalCount == 0 {
			it.Tier = TierCold
			candidates = append(candidates, it)
		}
	}
	rows.Close()
	cancelErr := rows.Err()
	cancel()
	if cancelErr != nil {
		return 0, relstore.Classify(cancelErr)
	}

	var moved int
	for _, it := range candidates {
		m.embedForArchival(ctx, &it)
		if err := m.storeCold(ctx, it); err != nil {
			slog.Error("consolidation: demoting warm item to cold failed", "memory_id", it.ID, "error", err)
			continue
		}
		if err := m.deleteWarm(ctx, it.ID); err != nil {
			slog.Error("consolidation: deleting demoted warm row failed", "memory_id", it.ID, "error", err)
			continue
		}
		moved++
	}
	return moved, nil
}

func (m *Manager) consolidateCold(ctx context.Context, userID string) (int, error) {
	if m.cold == nil {
		return 0, nil
	}
	docs, err := m.cold.FindByUser(ctx, userID, 0)
	if err != nil {
		return 0, err
	}
	var archived int
	for _, d := range docs {
		if d.Tier == string(TierArchived) {
			continue
		}
		ageDays := time.Since(d.Timestamp).Hours() / 24
		if ageDays <= float64(m.thresholds.ColdDays) {
			continue
		}
		if err := m.cold.UpdateTier(ctx, d.ID, string(TierArchived)); err != nil {
			slog.Error("consolidation: archiving cold item failed", "memory_id", d.ID, "error", err)
			continue
		}
		archived++
	}
	return archived, nil
}

// Interests loads the user's stored interest list from their profile row,
// serving pkg/ragcontext's "User Interests" section. A missing profile is
// not an error; it just means no interests have been recorded yet.
func (m *Manager) Interests(ctx context.Context, userID string) ([]string, error) {
	if m.rel == nil {
		return nil, nil
	}
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	var raw []byte
	err := m.rel.Raw().QueryRow(ctx, `
		SELECT interests FROM memory_user_profiles WHERE user_id = $1`, userID).Scan(&raw)
	if err != nil {
		return nil, nil
	}
	var interests []string
	if err := json.Unmarshal(raw, &interests); err != nil {
		return nil, hitlerr.Failure("decoding profile interests", err)
	}
	return interests, nil
}

func (m *Manager) updateLastConsolidation(ctx context.Context, userID string) error {
	if m.rel == nil {
		return nil
	}
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	_, err := m.rel.Raw().Exec(ctx, `
		INSERT INTO memory_user_profiles (user_id, last_consolidation_at, updated_at)
		VALUES ($1, now(), now())
		ON CONFLICT (user_id) DO UPDATE SET last_consolidation_at = now(), updated_at = now()`, userID)
	return relstore.Classify(err)
}

func (m *Manager) deleteWarm(ctx context.Context, id string) error {
	if m.rel == nil {
		return nil
	}
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	_, err := m.rel.Raw().Exec(ctx, `DELETE FROM memory_interaction_metadata WHERE id = $1`, id)
	return relstore.Classify(err)
}

// RunConsolidationSweeps periodically consolidates every active user's
// memories until ctx is done or Stop is called. Run as a background
// goroutine from the server entrypoint.
func (m *Manager) RunConsolidationSweeps(ctx context.Context, users func(ctx context.Context) ([]string, error)) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			ids, err := users(ctx)
			if err != nil {
				slog.Error("consolidation sweep: listing users failed", "error", err)
				continue
			}
			for _, id := range ids {
				if _, err := m.Consolidate(ctx, id); err != nil {
					slog.Error("consolidation sweep failed", "user_id", id, "error", err)
				}
			}
		}
	}
}

// Stop halts RunConsolidationSweeps.
func (m *Manager) Stop() { close(m.stopCh) }
