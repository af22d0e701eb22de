package adapter

import (
	"testing"

	"github.com/harun/parley/pkg/capability"
	"github.com/harun/parley/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidates() []capability.Model {
	return []capability.Model{
		{ID: "demo-model", Capabilities: capability.Capabilities{SupportsFunctionCalling: true}},
		{ID: "demo-advanced", Capabilities: capability.Capabilities{SupportsImages: true, SupportsFunctionCalling: true}},
		{ID: "demo-simple", Capabilities: capability.Capabilities{}},
	}
}

func TestAnalyzeCompatibility(t *testing.T) {
	history := []*conversation.Message{
		withTools(msg("calc", pngAttachment())),
		msg("plain"),
	}
	target := candidates()[2]

	report := AnalyzeCompatibility(history, target, candidates(), Options{Estimator: wordEstimator})

	assert.False(t, report.Compatible)
	assert.Equal(t, 2, report.TotalMessages)
	assert.Equal(t, FeatureUsage{Images: 1, Tools: 2}, report.Features)

	types := []string{}
	for _, issue := range report.Issues {
		types = append(types, issue.Type)
	}
	assert.ElementsMatch(t, []string{IssueImages, IssueTools, IssueToolCalls}, types)
	assert.InDelta(t, 0.0, report.CompatibilityScore, 1e-9)

	require.Len(t, report.SuggestedAlternatives, 2)
	assert.Equal(t, "demo-advanced", report.SuggestedAlternatives[0].Model)
	assert.InDelta(t, 1.0, report.SuggestedAlternatives[0].CompatibilityScore, 1e-9)
	assert.True(t, report.SuggestedAlternatives[0].Recommended)
	// demo-model: (5 + 3 + 10) / 25
	assert.InDelta(t, 0.72, report.SuggestedAlternatives[1].CompatibilityScore, 1e-9)
	assert.False(t, report.SuggestedAlternatives[1].Recommended)
}

func TestAnalyzeCompatibility_FullyCompatible(t *testing.T) {
	history := []*conversation.Message{msg("hello")}
	report := AnalyzeCompatibility(history, candidates()[0], candidates(), Options{Estimator: wordEstimator})

	assert.True(t, report.Compatible)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 1.0, report.CompatibilityScore)
	for _, s := range report.SuggestedAlternatives {
		assert.NotEqual(t, "demo-model", s.Model)
		assert.Equal(t, 1.0, s.CompatibilityScore)
	}
}

func TestAnalyzeCompatibility_ContextOverflow(t *testing.T) {
	history := []*conversation.Message{msg("one two three"), msg("four five six")}
	target := capability.Model{ID: "tiny", Capabilities: capability.Capabilities{ContextLimit: 4}}

	report := AnalyzeCompatibility(history, target, nil, Options{Estimator: wordEstimator})

	require.Len(t, report.Issues, 1)
	assert.Equal(t, IssueContextOverflow, report.Issues[0].Type)
	assert.False(t, report.Compatible)
	assert.Equal(t, 6, report.EstimatedTokens)
}

func TestSuggestAlternatives_PartialSupport(t *testing.T) {
	out := SuggestAlternatives(FeatureUsage{Images: 2}, "", []capability.Model{
		{ID: "blind"},
		{ID: "vision", Capabilities: capability.Capabilities{SupportsImages: true}},
	})

	require.Len(t, out, 2)
	assert.Equal(t, "vision", out[0].Model)
	// (5 + 3) / 15
	assert.InDelta(t, 8.0/15.0, out[1].CompatibilityScore, 1e-9)
}

func TestCharEstimator(t *testing.T) {
	assert.Equal(t, 0, CharEstimator.Count(""))
	assert.Equal(t, 1, CharEstimator.Count("abcd"))
	assert.Equal(t, 2, CharEstimator.Count("abcde"))
	assert.Positive(t, DefaultEstimator().Count("hello world"))
}
