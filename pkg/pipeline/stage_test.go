package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/pipeline"
	"github.com/robehgc/hitl-pipeline/pkg/ragcontext"
	"github.com/robehgc/hitl-pipeline/pkg/review"
)

// scriptedGenerator returns a fixed reply regardless of prompt.
type scriptedGenerator struct {
	reply string
	seen  []pipeline.GenerateRequest
}

func (g *scriptedGenerator) Draft(ctx context.Context, req pipeline.GenerateRequest) (string, error) {
	g.seen = append(g.seen, req)
	return g.reply, nil
}

func enhancement(msg string) ragcontext.Enhancement {
	return ragcontext.Enhancement{UserMessage: msg, EnhancedText: msg, Success: true}
}

func TestDraftStageSplitsBubbles(t *testing.T) {
	drafter := &scriptedGenerator{reply: "a long draft reply"}
	refiner := &scriptedGenerator{reply: "hi\nhow are you\n"}
	stage := pipeline.NewDraftStage(drafter, refiner, nil)

	it, err := stage.Draft(context.Background(), "u1", "hello", enhancement("hello"))
	require.NoError(t, err)
	assert.Equal(t, review.StatusPending, it.ReviewStatus)
	assert.Equal(t, "a long draft reply", it.RawGeneration)
	assert.Equal(t, []string{"hi", "how are you"}, it.RefinedBubbles)
	assert.Equal(t, "u1", it.UserID)
	// The refiner saw the drafter's output, not the user message.
	require.Len(t, refiner.seen, 1)
	assert.Equal(t, "a long draft reply", refiner.seen[0].UserMessage)
}

func TestDraftStageUsesEnhancedPrompt(t *testing.T) {
	drafter := &scriptedGenerator{reply: "ok"}
	refiner := &scriptedGenerator{reply: "ok"}
	stage := pipeline.NewDraftStage(drafter, refiner, nil)

	rc := ragcontext.Enhancement{
		UserMessage:  "hello",
		EnhancedText: "User Message: hello\n\nRelevant Context:\n- fact",
		Success:      true,
	}
	_, err := stage.Draft(context.Background(), "u1", "hello", rc)
	require.NoError(t, err)
	require.Len(t, drafter.seen, 1)
	assert.Contains(t, drafter.seen[0].UserMessage, "Relevant Context")
}

func TestDraftStageMasksPIIInBubbles(t *testing.T) {
	drafter := &scriptedGenerator{reply: "draft"}
	refiner := &scriptedGenerator{reply: "reach me at alice@example.com"}
	stage := pipeline.NewDraftStage(drafter, refiner, nil)

	it, err := stage.Draft(context.Background(), "u1", "hello", enhancement("hello"))
	require.NoError(t, err)
	require.Len(t, it.RefinedBubbles, 1)
	assert.NotContains(t, it.RefinedBubbles[0], "alice@example.com")
	assert.Contains(t, it.RefinedBubbles[0], "[REDACTED_EMAIL]")
}

func TestDraftStageRejectShortCircuits(t *testing.T) {
	drafter := &scriptedGenerator{reply: "draft"}
	refiner := &scriptedGenerator{reply: "api_key: abc123\npassword = hunter2\nI will kill you"}
	stage := pipeline.NewDraftStage(drafter, refiner, nil)

	it, err := stage.Draft(context.Background(), "u1", "hello", enhancement("hello"))
	require.NoError(t, err)
	assert.Equal(t, review.StatusRejected, it.ReviewStatus)
	require.NotNil(t, it.RiskScore)
	assert.GreaterOrEqual(t, *it.RiskScore, 0.7)
	assert.NotEmpty(t, it.RiskFlags)
}

func TestDraftStageAccumulatesFlagsAcrossBubbles(t *testing.T) {
	drafter := &scriptedGenerator{reply: "draft"}
	// The second bubble carries the higher score; the first bubble's flag
	// must survive the aggregation anyway.
	refiner := &scriptedGenerator{reply: "password = hunter2\nI will kill you, this is self-harm"}
	stage := pipeline.NewDraftStage(drafter, refiner, nil)

	it, err := stage.Draft(context.Background(), "u1", "hello", enhancement("hello"))
	require.NoError(t, err)
	assert.Contains(t, it.RiskFlags, "credentials_leak")
	assert.Contains(t, it.RiskFlags, "violence")
	assert.Contains(t, it.RiskFlags, "self_harm")
}

func TestDraftStagePriorityTracksRisk(t *testing.T) {
	drafter := &scriptedGenerator{reply: "draft"}
	clean := &scriptedGenerator{reply: "have a nice day"}
	flagged := &scriptedGenerator{reply: "password = hunter2"}

	cleanIt, err := pipeline.NewDraftStage(drafter, clean, nil).
		Draft(context.Background(), "u1", "hi", enhancement("hi"))
	require.NoError(t, err)
	flaggedIt, err := pipeline.NewDraftStage(drafter, flagged, nil).
		Draft(context.Background(), "u1", "hi", enhancement("hi"))
	require.NoError(t, err)

	assert.Greater(t, flaggedIt.PriorityScore, cleanIt.PriorityScore)
}
