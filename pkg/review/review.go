// Package review implements the human review state machine (component I):
// Interaction rows move pending -> in_review -> approved|rejected ->
// delivered, claimed for review with SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent reviewers never double-claim the same interaction, and the
// per-user "at most one in_review" invariant is enforced by a partial
// unique index rather than application-level locking.
package review

import (
	"encoding/json"
	"errors"
	"time"

	"context"

	"github.com/jackc/pgx/v5"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/relstore"
)

// Status is an Interaction's place in the review lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInReview  Status = "in_review"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusDelivered Status = "delivered"
)

// ErrNoneAvailable is returned by ClaimNext when no pending interaction
// exists, mirroring the teacher's ErrNoSessionsAvailable sentinel.
var ErrNoneAvailable = errors.New("review: no pending interactions available")

// Interaction is a single drafted message awaiting or undergoing review.
type Interaction struct {
	ID                 string
	UserID             string
	UserMessage        string
	RawGeneration      string
	RefinedBubbles     []string
	RiskScore          *float64
	RiskFlags          []string
	RiskRecommendation string
	PriorityScore      float64
	ReviewStatus       Status
	ReviewerID         string
	EditTags           []string
	FinalBubbles       []string
	QualityScore       *int
	ReviewerNotes      string
	CreatedAt          time.Time
	ReviewStartedAt    *time.Time
	DecidedAt          *time.Time
	DeliveredAt        *time.Time
}

// Store is the review state machine, backed by the warm relational tier.
type Store struct {
	rel *relstore.Pool
}

// New builds a Store.
func New(rel *relstore.Pool) *Store {
	return &Store{rel: rel}
}

// Create inserts a newly drafted interaction. Status defaults to pending; a
// policy-filter reject or a generation failure stages the row pre-rejected
// so it stays visible to reviewers without being claimable.
func (s *Store) Create(ctx context.Context, it Interaction) error {
	refined, err := json.Marshal(it.RefinedBubbles)
	if err != nil {
		return hitlerr.Failure("marshaling refined bubbles", err)
	}
	flags, err := json.Marshal(it.RiskFlags)
	if err != nil {
		return hitlerr.Failure("marshaling risk flags", err)
	}
	status := it.ReviewStatus
	if status == "" {
		status = StatusPending
	}
	ctx, cancel := s.rel.WithTimeout(ctx)
	defer cancel()
	_, err = s.rel.Raw().Exec(ctx, `
		INSERT INTO interactions
			(id, user_id, user_message, raw_generation, refined_bubbles, risk_score,
			 risk_flags, risk_recommendation, priority_score, review_status, reviewer_notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		it.ID, it.UserID, it.UserMessage, it.RawGeneration, refined, it.RiskScore,
		flags, it.RiskRecommendation, it.PriorityScore, string(status), it.ReviewerNotes)
	if err != nil {
		return relstore.Classify(err)
	}
	return nil
}

// ClaimNext atomically claims the highest-priority pending interaction for
// reviewerID, skipping any row locked by a concurrent claim. Returns
// ErrNoneAvailable if nothing is pending, and honors the one-in-review-per-
// user constraint implicitly: a user with an existing in_review row is not
// re-claimable until that row leaves in_review.
func (s *Store) ClaimNext(ctx context.Context, reviewerID string) (Interaction, error) {
	var claimed Interaction
	err := s.rel.Tx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, user_id, user_message, raw_generation, refined_bubbles, risk_score,
			       risk_flags, risk_recommendation, priority_score, created_at
			FROM interactions
			WHERE review_status = 'pending'
			ORDER BY priority_score DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`)

		var it Interaction
		var refinedJSON, flagsJSON []byte
		if err := row.Scan(&it.ID, &it.UserID, &it.UserMessage, &it.RawGeneration,
			&refinedJSON, &it.RiskScore, &flagsJSON, &it.RiskRecommendation,
			&it.PriorityScore, &it.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNoneAvailable
			}
			return relstore.Classify(err)
		}
		_ = json.Unmarshal(refinedJSON, &it.RefinedBubbles)
		_ = json.Unmarshal(flagsJSON, &it.RiskFlags)

		now := time.Now()
		_, err := tx.Exec(ctx, `
			UPDATE interactions
			SET review_status = 'in_review', reviewer_id = $2, review_started_at = $3
			WHERE id = $1`, it.ID, reviewerID, now)
		if err != nil {
			return relstore.Classify(err)
		}

		it.ReviewStatus = StatusInReview
		it.ReviewerID = reviewerID
		it.ReviewStartedAt = &now
		claimed = it
		return nil
	})
	if err != nil {
		return Interaction{}, err
	}
	return claimed, nil
}

// Claim transitions a specific interaction from pending to in_review under
// reviewerID (spec §4.I's claim transition, exposed indirectly through
// approve/reject rather than its own endpoint). Idempotent: a retry by the
// same reviewer against an interaction already in_review under them
// succeeds without error; any other state or reviewer mismatch is a
// Conflict.
func (s *Store) Claim(ctx context.Context, interactionID, reviewerID string) error {
	ctx, cancel := s.rel.WithTimeout(ctx)
	defer cancel()
	tag, err := s.rel.Raw().Exec(ctx, `
		UPDATE interactions
		SET review_status = 'in_review', reviewer_id = $2, review_started_at = now()
		WHERE id = $1 AND review_status = 'pending'`, interactionID, reviewerID)
	if err != nil {
		return relstore.Classify(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status Status
	var reviewer *string
	err = s.rel.Raw().QueryRow(ctx, `
		SELECT review_status, reviewer_id FROM interactions WHERE id = $1`, interactionID).
		Scan(&status, &reviewer)
	if err != nil {
		return relstore.Classify(err)
	}
	if status == StatusInReview && reviewer != nil && *reviewer == reviewerID {
		return nil // retry of an already-successful claim
	}
	return hitlerr.Conflict("interaction %s is not claimable (status=%s)", interactionID, status)
}

// Decision is the reviewer's verdict on a claimed interaction.
type Decision struct {
	Status        Status // approved or rejected; an edit is an approval carrying EditTags
	EditTags      []string
	FinalBubbles  []string
	QualityScore  *int
	ReviewerNotes string
}

// Decide records a reviewer's verdict on an in_review interaction. A
// decision of StatusApproved copies RefinedBubbles into FinalBubbles
// automatically if the caller left FinalBubbles empty.
func (s *Store) Decide(ctx context.Context, interactionID, reviewerID string, d Decision) error {
	if d.Status != StatusApproved && d.Status != StatusRejected {
		return hitlerr.Validation("invalid decision status %q", d.Status)
	}
	editTags, err := json.Marshal(d.EditTags)
	if err != nil {
		return hitlerr.Failure("marshaling edit tags", err)
	}
	// A nil finalJSON on approval lets COALESCE fall back to the row's own
	// refined_bubbles, so approve-without-edit delivers the drafted reply.
	var finalJSON []byte
	if d.Status == StatusApproved && len(d.FinalBubbles) > 0 {
		finalJSON, err = json.Marshal(d.FinalBubbles)
		if err != nil {
			return hitlerr.Failure("marshaling final bubbles", err)
		}
	}

	return s.rel.Tx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE interactions
			SET review_status = $2, edit_tags = $3,
			    final_bubbles = CASE WHEN $2 = 'approved' THEN COALESCE($4, refined_bubbles) ELSE NULL END,
			    quality_score = $5, reviewer_notes = $6, decided_at = now()
			WHERE id = $1 AND review_status = 'in_review' AND reviewer_id = $7`,
			interactionID, string(d.Status), editTags, finalJSON, d.QualityScore,
			d.ReviewerNotes, reviewerID)
		if err != nil {
			return relstore.Classify(err)
		}
		if tag.RowsAffected() == 0 {
			var status Status
			var reviewer *string
			lookupErr := tx.QueryRow(ctx, `
				SELECT review_status, reviewer_id FROM interactions WHERE id = $1`, interactionID).
				Scan(&status, &reviewer)
			if lookupErr == nil && status == d.Status && reviewer != nil && *reviewer == reviewerID {
				return nil // retry of an already-decided interaction
			}
			return hitlerr.Conflict("interaction %s is not in_review under reviewer %s", interactionID, reviewerID)
		}
		if d.Status != StatusRejected {
			_, err = tx.Exec(ctx, `
				INSERT INTO human_edits (interaction_id, reviewer_id, edit_tags, quality_score, reviewer_notes)
				VALUES ($1,$2,$3,$4,$5)`,
				interactionID, reviewerID, editTags, d.QualityScore, d.ReviewerNotes)
			if err != nil {
				return relstore.Classify(err)
			}
		}
		return nil
	})
}

// MarkDelivered transitions an approved interaction to delivered,
// the terminal state once final_bubbles have actually reached the user.
// A distinct transition from Decide rather than folded into it, since
// delivery may lag the review decision by an arbitrary amount of time
// (outbound transport retries, user offline, etc).
func (s *Store) MarkDelivered(ctx context.Context, interactionID string) error {
	ctx, cancel := s.rel.WithTimeout(ctx)
	defer cancel()
	tag, err := s.rel.Raw().Exec(ctx, `
		UPDATE interactions
		SET review_status = 'delivered', delivered_at = now()
		WHERE id = $1 AND review_status = 'approved'`, interactionID)
	if err != nil {
		return relstore.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		var status Status
		if err := s.rel.Raw().QueryRow(ctx, `
			SELECT review_status FROM interactions WHERE id = $1`, interactionID).Scan(&status); err == nil {
			if status == StatusDelivered {
				return nil // retry of an already-delivered interaction
			}
		}
		return hitlerr.Conflict("interaction %s is not in a deliverable state", interactionID)
	}
	return nil
}

// Get fetches a single interaction by id.
func (s *Store) Get(ctx context.Context, id string) (Interaction, error) {
	ctx, cancel := s.rel.WithTimeout(ctx)
	defer cancel()
	row := s.rel.Raw().QueryRow(ctx, `
		SELECT id, user_id, user_message, raw_generation, refined_bubbles, risk_score,
		       risk_flags, risk_recommendation, priority_score, review_status, reviewer_id,
		       edit_tags, final_bubbles, quality_score, reviewer_notes, created_at,
		       review_started_at, decided_at, delivered_at
		FROM interactions WHERE id = $1`, id)

	var it Interaction
	var refinedJSON, flagsJSON, editTagsJSON, finalJSON []byte
	var reviewerID, recommendation, notes *string
	if err := row.Scan(&it.ID, &it.UserID, &it.UserMessage, &it.RawGeneration, &refinedJSON,
		&it.RiskScore, &flagsJSON, &recommendation, &it.PriorityScore, &it.ReviewStatus,
		&reviewerID, &editTagsJSON, &finalJSON, &it.QualityScore, &notes, &it.CreatedAt,
		&it.ReviewStartedAt, &it.DecidedAt, &it.DeliveredAt); err != nil {
		return Interaction{}, relstore.Classify(err)
	}
	_ = json.Unmarshal(refinedJSON, &it.RefinedBubbles)
	_ = json.Unmarshal(flagsJSON, &it.RiskFlags)
	_ = json.Unmarshal(editTagsJSON, &it.EditTags)
	_ = json.Unmarshal(finalJSON, &it.FinalBubbles)
	if reviewerID != nil {
		it.ReviewerID = *reviewerID
	}
	if recommendation != nil {
		it.RiskRecommendation = *recommendation
	}
	if notes != nil {
		it.ReviewerNotes = *notes
	}
	return it, nil
}

// ListPending returns the reviewer-facing queue view from §3's
// ReviewQueueEntry: pending interactions ordered by priority_score DESC,
// created_at ASC, optionally filtered to a minimum priority.
func (s *Store) ListPending(ctx context.Context, limit int, minPriority float64) ([]Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := s.rel.WithTimeout(ctx)
	defer cancel()
	rows, err := s.rel.Raw().Query(ctx, `
		SELECT id, user_id, user_message, raw_generation, refined_bubbles, risk_score,
		       risk_flags, risk_recommendation, priority_score, created_at
		FROM interactions
		WHERE review_status = 'pending' AND priority_score >= $1
		ORDER BY priority_score DESC, created_at ASC
		LIMIT $2`, minPriority, limit)
	if err != nil {
		return nil, relstore.Classify(err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var it Interaction
		var refinedJSON, flagsJSON []byte
		var recommendation *string
		if err := rows.Scan(&it.ID, &it.UserID, &it.UserMessage, &it.RawGeneration,
			&refinedJSON, &it.RiskScore, &flagsJSON, &recommendation,
			&it.PriorityScore, &it.CreatedAt); err != nil {
			return nil, relstore.Classify(err)
		}
		_ = json.Unmarshal(refinedJSON, &it.RefinedBubbles)
		_ = json.Unmarshal(flagsJSON, &it.RiskFlags)
		if recommendation != nil {
			it.RiskRecommendation = *recommendation
		}
		it.ReviewStatus = StatusPending
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListStaleInReview returns interactions stuck in_review longer than
// olderThan, for the orchestrator's startup recovery scan (spec §4.J
// "Recovery"). It does not check whether the reviewer's session is still
// live.
func (s *Store) ListStaleInReview(ctx context.Context, olderThan time.Duration) ([]Interaction, error) {
	ctx, cancel := s.rel.WithTimeout(ctx)
	defer cancel()
	rows, err := s.rel.Raw().Query(ctx, `
		SELECT id, user_id FROM interactions
		WHERE review_status = 'in_review' AND review_started_at < now() - $1::interval`,
		olderThan.String())
	if err != nil {
		return nil, relstore.Classify(err)
	}
	defer rows.Close()
	var out []Interaction
	for rows.Next() {
		var it Interaction
		if err := rows.Scan(&it.ID, &it.UserID); err != nil {
			return nil, relstore.Classify(err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// RequeuePending reverts a stale in_review interaction back to pending so
// another reviewer may reclaim it.
func (s *Store) RequeuePending(ctx context.Context, interactionID string) error {
	ctx, cancel := s.rel.WithTimeout(ctx)
	defer cancel()
	tag, err := s.rel.Raw().Exec(ctx, `
		UPDATE interactions SET review_status = 'pending', reviewer_id = NULL, review_started_at = NULL
		WHERE id = $1 AND review_status = 'in_review'`, interactionID)
	if err != nil {
		return relstore.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return hitlerr.Conflict("interaction %s is not in_review", interactionID)
	}
	return nil
}

// ListUndeliveredApproved returns approved interactions older than
// olderThan that have never been delivered, for the delivery worker's poll
// (which passes an olderThan of 0).
func (s *Store) ListUndeliveredApproved(ctx context.Context, olderThan time.Duration) ([]Interaction, error) {
	ctx, cancel := s.rel.WithTimeout(ctx)
	defer cancel()
	rows, err := s.rel.Raw().Query(ctx, `
		SELECT id, user_id, final_bubbles FROM interactions
		WHERE review_status = 'approved' AND delivered_at IS NULL
		  AND decided_at < now() - $1::interval
		ORDER BY decided_at ASC`, olderThan.String())
	if err != nil {
		return nil, relstore.Classify(err)
	}
	defer rows.Close()
	var out []Interaction
	for rows.Next() {
		var it Interaction
		var finalJSON []byte
		if err := rows.Scan(&it.ID, &it.UserID, &finalJSON); err != nil {
			return nil, relstore.Classify(err)
		}
		_ = json.Unmarshal(finalJSON, &it.FinalBubbles)
		out = append(out, it)
	}
	return out, rows.Err()
}

// InferDeliveredAt backfills delivered_at for interactions that reached a
// terminal deliverable state before the distinct mark_delivered transition
// existed, approximating it as decided_at. Used only by the one-shot
// cmd/hitl-migrate-delivered backfill command.
func InferDeliveredAt(it Interaction) *time.Time {
	if it.DeliveredAt != nil {
		return it.DeliveredAt
	}
	if it.ReviewStatus == StatusApproved {
		return it.DecidedAt
	}
	return nil
}

// LegacyUndelivered lists approved interactions carrying a
// decided_at but no delivered_at, the candidate set for InferDeliveredAt.
func (s *Store) LegacyUndelivered(ctx context.Context) ([]Interaction, error) {
	ctx, cancel := s.rel.WithTimeout(ctx)
	defer cancel()
	rows, err := s.rel.Raw().Query(ctx, `
		SELECT id, user_id, review_status, decided_at FROM interactions
		WHERE review_status = 'approved'
		  AND delivered_at IS NULL AND decided_at IS NOT NULL`)
	if err != nil {
		return nil, relstore.Classify(err)
	}
	defer rows.Close()
	var out []Interaction
	for rows.Next() {
		var it Interaction
		if err := rows.Scan(&it.ID, &it.UserID, &it.ReviewStatus, &it.DecidedAt); err != nil {
			return nil, relstore.Classify(err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// BackfillDeliveredAt sets delivered_at on a single legacy row without
// touching review_status, used by cmd/hitl-migrate-delivered. It never
// transitions state: a row this touches stays approved, it only
// gains the delivered_at timestamp the pre-split data model never wrote.
func (s *Store) BackfillDeliveredAt(ctx context.Context, interactionID string, deliveredAt time.Time) error {
	ctx, cancel := s.rel.WithTimeout(ctx)
	defer cancel()
	_, err := s.rel.Raw().Exec(ctx, `
		UPDATE interactions SET delivered_at = $2
		WHERE id = $1 AND delivered_at IS NULL`, interactionID, deliveredAt)
	if err != nil {
		return relstore.Classify(err)
	}
	return nil
}
