package policyfilter_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/policyfilter"
)

func TestMaskDraftRedactsEmail(t *testing.T) {
	f := policyfilter.New(nil)
	out := f.MaskDraft("reach me at jane@example.com please")
	require.Contains(t, out, "[REDACTED_EMAIL]")
	require.NotContains(t, out, "jane@example.com")
}

func TestMaskAlertPayloadRedactsToken(t *testing.T) {
	f := policyfilter.New(nil)
	out := f.MaskAlertPayload("Authorization: Bearer abcdef1234567890")
	require.Contains(t, out, "[REDACTED_TOKEN]")
}
