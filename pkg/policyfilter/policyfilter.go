// Package policyfilter implements the deterministic content policy filter
// applied to drafted replies before they reach a reviewer: PII redaction
// patterns and a fail-closed/fail-open posture that depends on what is
// being filtered. Drafted message content fails closed (a masking bug must
// never leak unredacted text to a reviewer); informational alert payloads
// fail open (masking a monitoring signal is worse than losing redaction on
// it).
package policyfilter

import (
	"log/slog"
	"regexp"
)

// Pattern is a named regex substitution, applied in registration order.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// DefaultPatterns redacts common PII shapes: emails, phone numbers, and
// bearer-token-looking strings. Patterns apply in order, so bearer_token
// runs before phone and a token's digit run is not redacted as a phone.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "email", Regex: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), Replacement: "[REDACTED_EMAIL]"},
		{Name: "bearer_token", Regex: regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]{10,}`), Replacement: "[REDACTED_TOKEN]"},
		{Name: "phone", Regex: regexp.MustCompile(`\+?\d[\d\-. ()]{7,}\d`), Replacement: "[REDACTED_PHONE]"},
	}
}

// Filter applies a fixed set of patterns to text.
type Filter struct {
	patterns []Pattern
}

// New builds a Filter. An empty patterns slice uses DefaultPatterns.
func New(patterns []Pattern) *Filter {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Filter{patterns: patterns}
}

// MaskDraft filters a drafted reply bubble before it reaches a reviewer.
// On an internal failure it fails closed: the caller gets a redaction
// notice rather than unfiltered content.
func (f *Filter) MaskDraft(content string) string {
	masked, err := f.apply(content)
	if err != nil {
		slog.Error("policy filter failed, redacting draft (fail-closed)", "error", err)
		return "[REDACTED: content could not be safely filtered]"
	}
	return masked
}

// MaskAlertPayload filters an informational payload (e.g. a monitoring
// alert passed to staff tooling). On failure it fails open, returning the
// original payload, since losing a redaction on a low-stakes alert is
// preferable to losing the alert's signal entirely.
func (f *Filter) MaskAlertPayload(payload string) string {
	masked, err := f.apply(payload)
	if err != nil {
		slog.Error("policy filter failed, continuing with unmasked payload (fail-open)", "error", err)
		return payload
	}
	return masked
}

func (f *Filter) apply(content string) (string, error) {
	out := content
	for _, p := range f.patterns {
		out = p.Regex.ReplaceAllString(out, p.Replacement)
	}
	return out, nil
}

// Recommendation is the filter's verdict on whether a drafted reply may
// proceed to human review untouched.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendReject  Recommendation = "reject"
)

// Assessment is the deterministic risk verdict described in spec §4.J.5:
// every drafted reply is scored before it is staged for review.
type Assessment struct {
	RiskScore      float64
	RiskFlags      []string
	Recommendation Recommendation
}

var blockedPatterns = []struct {
	flag string
	re   *regexp.Regexp
}{
	{"self_harm", regexp.MustCompile(`(?i)\b(kill myself|suicide|self[- ]harm)\b`)},
	{"violence", regexp.MustCompile(`(?i)\b(kill you|shoot up|bomb threat)\b`)},
	{"credentials_leak", regexp.MustCompile(`(?i)\b(api[_ -]?key|password|secret)\s*[:=]\s*\S+`)},
}

// Assess scores a drafted reply's content for risk. It is purely
// deterministic (regex-based), not a model call, so it never blocks on an
// external provider and never needs a circuit breaker.
func Assess(content string) Assessment {
	var flags []string
	score := 0.0
	for _, bp := range blockedPatterns {
		if bp.re.MatchString(content) {
			flags = append(flags, bp.flag)
			score += 0.4
		}
	}
	if len(content) > 2000 {
		flags = append(flags, "overlong")
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}

	rec := RecommendApprove
	switch {
	case score >= 0.7:
		rec = RecommendReject
	case score > 0:
		rec = RecommendReview
	}
	return Assessment{RiskScore: score, RiskFlags: flags, Recommendation: rec}
}
