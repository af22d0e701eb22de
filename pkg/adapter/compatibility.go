package adapter

import (
	"fmt"
	"sort"

	"github.com/harun/parley/pkg/capability"
	"github.com/harun/parley/pkg/conversation"
)

// Issue types reported by AnalyzeCompatibility.
const (
	IssueImages          = "images"
	IssueImageType       = "image_type"
	IssueTools           = "tools"
	IssueToolCalls       = "tool_calls"
	IssueContextOverflow = "context_overflow"
)

// Issue is one adaptation the target model would force.
type Issue struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// FeatureUsage counts the features a history relies on.
type FeatureUsage struct {
	Images      int `json:"images"`
	Tools       int `json:"tools"`
	Attachments int `json:"attachments"`
}

// Suggestion is a scored alternative model.
type Suggestion struct {
	Model              string  `json:"model"`
	CompatibilityScore float64 `json:"compatibility_score"`
	Recommended        bool    `json:"recommended"`
}

// Report summarises how well a history fits a target model.
type Report struct {
	Model                 string       `json:"model"`
	Compatible            bool         `json:"compatible"`
	TotalMessages         int          `json:"total_messages"`
	Features              FeatureUsage `json:"features_used"`
	Issues                []Issue      `json:"issues"`
	CompatibilityScore    float64      `json:"compatibility_score"`
	EstimatedTokens       int          `json:"estimated_tokens"`
	SuggestedAlternatives []Suggestion `json:"suggested_alternatives"`
}

// AnalyzeCompatibility reports the adaptations target would need for history
// and ranks candidates, excluding target, by how well they fit it.
func AnalyzeCompatibility(history []*conversation.Message, target capability.Model, candidates []capability.Model, opts Options) Report {
	opts = opts.withDefaults()
	caps := target.Capabilities

	report := Report{
		Model:              target.ID,
		TotalMessages:      len(history),
		Issues:             []Issue{},
		CompatibilityScore: 1.0,
	}

	seen := make(map[string]bool)
	addIssue := func(typ, desc string) {
		if seen[typ] {
			return
		}
		seen[typ] = true
		report.Issues = append(report.Issues, Issue{Type: typ, Description: desc})
	}

	issues, total := 0, 0
	for _, m := range history {
		for _, att := range m.Attachments {
			if !conversation.IsImage(att.ContentType) {
				report.Features.Attachments++
				continue
			}
			report.Features.Images++
			total++
			switch {
			case !caps.SupportsImages:
				issues++
				addIssue(IssueImages, "Images will be replaced by text placeholders")
			case !caps.AcceptsImage(att.ContentType):
				issues++
				addIssue(IssueImageType, fmt.Sprintf("Image type %s is not supported and will be replaced by a placeholder", att.ContentType))
			}
		}

		for _, r := range m.Responses {
			if len(r.ToolResults) > 0 {
				report.Features.Tools++
				total++
				if !caps.SupportsFunctionCalling {
					issues++
					addIssue(IssueTools, "Tool results will be summarized as text")
				}
			}
			if len(r.ToolUses) > 0 {
				report.Features.Tools++
				total++
				if !caps.SupportsFunctionCalling {
					issues++
					addIssue(IssueToolCalls, "Tool calls will be explained as intended actions")
				}
			}
		}
	}

	report.EstimatedTokens = estimateHistory(history, capability.Capabilities{SupportsImages: true, SupportsFunctionCalling: true}, opts)
	if caps.ContextLimit > 0 && report.EstimatedTokens > caps.ContextLimit {
		addIssue(IssueContextOverflow, fmt.Sprintf("History of ~%d tokens exceeds the context limit of %d; older messages will be dropped", report.EstimatedTokens, caps.ContextLimit))
	}

	if total > 0 {
		report.CompatibilityScore = 1.0 - float64(issues)/float64(total)
	}
	report.Compatible = len(report.Issues) == 0
	report.SuggestedAlternatives = SuggestAlternatives(report.Features, target.ID, candidates)
	return report
}

// SuggestAlternatives scores candidates for the given feature usage. Images
// and tools are worth 10 points when supported natively and 3 or 5 when they
// can only be described; every model gets a base of 5. Models scoring above
// 0.8 are recommended.
func SuggestAlternatives(features FeatureUsage, exclude string, candidates []capability.Model) []Suggestion {
	out := make([]Suggestion, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == exclude {
			continue
		}
		score, maxScore := 5.0, 5.0
		if features.Images > 0 {
			maxScore += 10
			if c.Capabilities.SupportsImages {
				score += 10
			} else {
				score += 3
			}
		}
		if features.Tools > 0 {
			maxScore += 10
			if c.Capabilities.SupportsFunctionCalling {
				score += 10
			} else {
				score += 5
			}
		}
		final := score / maxScore
		out = append(out, Suggestion{Model: c.ID, CompatibilityScore: final, Recommended: final > 0.8})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CompatibilityScore != out[j].CompatibilityScore {
			return out[i].CompatibilityScore > out[j].CompatibilityScore
		}
		return out[i].Model < out[j].Model
	})
	return out
}
