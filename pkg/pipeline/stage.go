package pipeline

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/robehgc/hitl-pipeline/pkg/policyfilter"
	"github.com/robehgc/hitl-pipeline/pkg/ragcontext"
	"github.com/robehgc/hitl-pipeline/pkg/review"
)

// Generator produces raw reply text for a prompt, satisfied by
// *aiprovider.Client for the creative-draft call (spec §4.J step 3) and
// again for the refinement call (step 4) with a different system prompt.
type Generator interface {
	Draft(ctx context.Context, req GenerateRequest) (string, error)
}

// GenerateRequest is the subset of aiprovider.Request a Stage needs,
// decoupled so callers can wire any Generator (including test fakes)
// without importing pkg/aiprovider.
type GenerateRequest struct {
	SystemPrompt string
	UserMessage  string
}

// DraftStage implements Stage end to end: it runs the creative-draft call,
// the refinement call that splits the reply into bubbles, and the
// deterministic policy filter, assembling a pending review.Interaction.
// A filter verdict of "reject" short-circuits into a pre-rejected
// interaction per spec §4.J step 5, never reaching a human reviewer queue
// in an approvable state.
type DraftStage struct {
	drafter    Generator
	refiner    Generator
	filter     *policyfilter.Filter
	idFn       func() string
}

// NewDraftStage wires the two generation calls and the policy filter into a
// Stage. refiner may be the same Generator as drafter when a deployment
// uses one model for both passes.
func NewDraftStage(drafter, refiner Generator, filter *policyfilter.Filter) *DraftStage {
	if filter == nil {
		filter = policyfilter.New(nil)
	}
	return &DraftStage{drafter: drafter, refiner: refiner, filter: filter, idFn: uuid.NewString}
}

const refinementSystemPrompt = "Split the draft reply into short, natural chat bubbles. " +
	"Reply with one bubble per line, no numbering."

// Draft implements the Stage interface consumed by Pool.
func (d *DraftStage) Draft(ctx context.Context, userID, userMessage string, rc ragcontext.Enhancement) (review.Interaction, error) {
	prompt := rc.RenderPrompt()

	raw, err := d.drafter.Draft(ctx, GenerateRequest{UserMessage: prompt})
	if err != nil {
		return review.Interaction{}, err
	}

	refinedText, err := d.refiner.Draft(ctx, GenerateRequest{
		SystemPrompt: refinementSystemPrompt,
		UserMessage:  raw,
	})
	if err != nil {
		return review.Interaction{}, err
	}
	bubbles := splitBubbles(refinedText)

	// The interaction's score and recommendation come from the riskiest
	// bubble; flags accumulate across all of them.
	masked := make([]string, len(bubbles))
	var assessment policyfilter.Assessment
	var allFlags []string
	for i, b := range bubbles {
		masked[i] = d.filter.MaskDraft(b)
		a := policyfilter.Assess(b)
		allFlags = append(allFlags, a.RiskFlags...)
		if i == 0 || a.RiskScore > assessment.RiskScore {
			assessment = a
		}
	}
	assessment.RiskFlags = dedupeFlags(allFlags)

	it := review.Interaction{
		ID:                 d.idFn(),
		UserID:             userID,
		UserMessage:        userMessage,
		RawGeneration:      raw,
		RefinedBubbles:     masked,
		RiskScore:          &assessment.RiskScore,
		RiskFlags:          assessment.RiskFlags,
		RiskRecommendation: string(assessment.Recommendation),
		PriorityScore:      priorityScore(assessment),
		ReviewStatus:       review.StatusPending,
	}
	if assessment.Recommendation == policyfilter.RecommendReject {
		it.ReviewStatus = review.StatusRejected
	}
	return it, nil
}

func dedupeFlags(flags []string) []string {
	seen := make(map[string]bool, len(flags))
	out := flags[:0]
	for _, f := range flags {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// splitBubbles turns the refinement model's newline-delimited output into
// the ordered bubble list, dropping blank lines.
func splitBubbles(text string) []string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	return out
}

// priorityScore favors reviewing flagged content sooner: a higher risk
// score surfaces the interaction earlier in the reviewer queue, fixed at
// creation per the Interaction invariant in §3.
func priorityScore(a policyfilter.Assessment) float64 {
	return 0.5 + a.RiskScore*0.5
}
