// Package adapter projects a resolved conversation history onto the
// capabilities of a target model.
//
// Adapt is a pure read-time projection: the input history is deep-copied and
// never mutated, and the same inputs always produce the same output. Applying
// Adapt to its own output changes nothing.
package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/huandu/go-clone"

	"github.com/harun/parley/pkg/capability"
	"github.com/harun/parley/pkg/conversation"
)

// DefaultKeepRecent is the number of trailing messages truncation never drops.
const DefaultKeepRecent = 2

// Options tunes an adaptation.
type Options struct {
	// KeepRecent trailing messages are never dropped. Zero means DefaultKeepRecent.
	KeepRecent int
	// Label selects the active response of each message.
	Label string
	// Estimator counts tokens. Nil means DefaultEstimator.
	Estimator Estimator
}

func (o Options) withDefaults() Options {
	if o.KeepRecent <= 0 {
		o.KeepRecent = DefaultKeepRecent
	}
	if o.Estimator == nil {
		o.Estimator = DefaultEstimator()
	}
	return o
}

// Result is an adapted history with a record of what changed.
type Result struct {
	Messages        []*conversation.Message
	Dropped         int
	ImagesReplaced  int
	ToolsStripped   int
	EstimatedTokens int
	Notes           []string
}

// Adapt applies, in order: image placeholders, context truncation and tool
// stripping.
func Adapt(history []*conversation.Message, caps capability.Capabilities, opts Options) Result {
	opts = opts.withDefaults()

	messages := clone.Clone(history).([]*conversation.Message)
	if messages == nil {
		messages = []*conversation.Message{}
	}
	res := Result{}

	res.ImagesReplaced = replaceImages(messages, caps)
	if res.ImagesReplaced > 0 {
		res.Notes = append(res.Notes, fmt.Sprintf("replaced %d image attachment(s) with text placeholders", res.ImagesReplaced))
	}

	messages, res.Dropped = truncate(messages, caps, opts)
	if res.Dropped > 0 {
		res.Notes = append(res.Notes, fmt.Sprintf("dropped %d earlier message(s) to fit a context of %d tokens", res.Dropped, caps.ContextLimit))
	}

	if !caps.SupportsFunctionCalling {
		res.ToolsStripped = stripTools(messages)
		if res.ToolsStripped > 0 {
			res.Notes = append(res.Notes, fmt.Sprintf("explained tool activity of %d response(s) as text", res.ToolsStripped))
		}
	}

	res.Messages = messages
	res.EstimatedTokens = estimateHistory(messages, caps, opts)
	return res
}

// PlaceholderText describes an image removed for a model without vision.
func PlaceholderText(contentType string) string {
	return fmt.Sprintf("[image attachment removed: model lacks vision support (%s)]", contentType)
}

func replaceImages(messages []*conversation.Message, caps capability.Capabilities) int {
	replaced := 0
	for _, m := range messages {
		for i, att := range m.Attachments {
			if !conversation.IsImage(att.ContentType) || caps.AcceptsImage(att.ContentType) {
				continue
			}
			m.Attachments[i] = conversation.Attachment{
				ID:          att.ID,
				ContentType: "text/plain",
				Payload:     PlaceholderText(att.ContentType),
				SourceType:  conversation.SourcePlaceholder,
			}
			replaced++
		}
	}
	return replaced
}

func truncate(messages []*conversation.Message, caps capability.Capabilities, opts Options) ([]*conversation.Message, int) {
	if caps.ContextLimit <= 0 || len(messages) == 0 {
		return messages, 0
	}

	costs := make([]int, len(messages))
	total := 0
	for i, m := range messages {
		costs[i] = estimateMessage(m, caps, opts)
		total += costs[i]
	}
	if total <= caps.ContextLimit {
		return messages, 0
	}

	keepFrom := len(messages) - opts.KeepRecent
	first := 0
	if messages[0].Role == conversation.RoleSystem {
		first = 1
	}

	drop := make([]bool, len(messages))
	dropped := 0
	for i := first; i < keepFrom && total > caps.ContextLimit; i++ {
		drop[i] = true
		total -= costs[i]
		dropped++
	}
	if dropped == 0 {
		return messages, 0
	}

	kept := make([]*conversation.Message, 0, len(messages)-dropped)
	for i, m := range messages {
		if !drop[i] {
			kept = append(kept, m)
		}
	}
	return kept, dropped
}

func stripTools(messages []*conversation.Message) int {
	stripped := 0
	for _, m := range messages {
		for _, r := range m.Responses {
			if len(r.ToolUses) == 0 && len(r.ToolResults) == 0 {
				continue
			}
			if note := toolNote(r.ToolUses); note != "" {
				if r.Text != "" {
					r.Text += "\n\n"
				}
				r.Text += note
			}
			r.ToolUses = nil
			r.ToolResults = nil
			stripped++
		}
	}
	return stripped
}

func toolNote(uses []conversation.ToolUse) string {
	lines := make([]string, 0, len(uses))
	for _, tu := range uses {
		lines = append(lines, "["+ExplainToolUse(tu)+"]")
	}
	return strings.Join(lines, "\n")
}

var toolExplanations = []struct {
	key   string
	param string
	verb  string
	dflt  string
}{
	{"web_search", "query", "I would search the web for", "information"},
	{"search", "query", "I would search for", "information"},
	{"calculat", "expression", "I would calculate", "a mathematical expression"},
	{"file_read", "path", "I would read the file", "specified file"},
	{"image_generation", "prompt", "I would generate an image", "based on description"},
}

// ExplainToolUse describes a tool call in words for a model that cannot see it.
func ExplainToolUse(tu conversation.ToolUse) string {
	name := strings.ToLower(tu.Name)
	for _, e := range toolExplanations {
		if !strings.Contains(name, e.key) {
			continue
		}
		value := e.dflt
		if v, ok := tu.Input[e.param]; ok {
			value = fmt.Sprint(v)
		}
		return fmt.Sprintf("%s: %s", e.verb, value)
	}

	args, err := json.Marshal(tu.Input)
	if err != nil {
		args = []byte("{}")
	}
	params := string(args)
	if len(params) > 100 {
		cut := 100
		for cut > 0 && !utf8.RuneStart(params[cut]) {
			cut--
		}
		params = params[:cut]
	}
	return fmt.Sprintf("I would use the %s tool with parameters: %s", tu.Name, params)
}

func estimateHistory(messages []*conversation.Message, caps capability.Capabilities, opts Options) int {
	total := 0
	for _, m := range messages {
		total += estimateMessage(m, caps, opts)
	}
	return total
}

// estimateMessage charges the message as it is transmitted: its text,
// attachments and active response, with tool activity counted the way the
// target will receive it.
func estimateMessage(m *conversation.Message, caps capability.Capabilities, opts Options) int {
	n := opts.Estimator.Count(m.Text)
	for _, att := range m.Attachments {
		switch {
		case att.SourceType == conversation.SourcePlaceholder || strings.HasPrefix(att.ContentType, "text/"):
			n += opts.Estimator.Count(att.Payload)
		case conversation.IsImage(att.ContentType):
			n += ImageTokenCost
		}
	}

	r := m.ActiveResponse(opts.Label)
	if r == nil {
		return n
	}
	n += opts.Estimator.Count(r.Text)
	if caps.SupportsFunctionCalling {
		for _, tu := range r.ToolUses {
			args, _ := json.Marshal(tu.Input)
			n += opts.Estimator.Count(tu.Name) + opts.Estimator.Count(string(args))
		}
		for _, tr := range r.ToolResults {
			n += opts.Estimator.Count(resultText(tr))
		}
	} else if len(r.ToolUses) > 0 {
		sep := ""
		if r.Text != "" {
			sep = "\n\n"
		}
		// Counted as the delta the note adds to the already-counted text.
		n += opts.Estimator.Count(r.Text+sep+toolNote(r.ToolUses)) - opts.Estimator.Count(r.Text)
	}
	return n
}

func resultText(tr conversation.ToolResult) string {
	if tr.Error != "" {
		return tr.Error
	}
	switch v := tr.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
