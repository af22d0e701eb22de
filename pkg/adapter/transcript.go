package adapter

import (
	"strings"

	"github.com/harun/parley/pkg/capability"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/provider"
)

// Transcript converts an adapted history into provider messages. Every
// message becomes a user (or system) turn; the active response of each
// message except the last becomes an assistant turn, preceded by its tool
// calls and results when present.
func Transcript(history []*conversation.Message, caps capability.Capabilities, label string) []provider.Message {
	out := make([]provider.Message, 0, len(history)*2)

	for i, m := range history {
		out = append(out, userTurn(m, caps))
		if i == len(history)-1 {
			break
		}

		r := m.ActiveResponse(label)
		if r == nil {
			continue
		}
		out = append(out, toolTurns(r)...)
		if r.Text != "" {
			out = append(out, provider.Message{Role: provider.RoleAssistant, Content: r.Text})
		}
	}
	return out
}

func userTurn(m *conversation.Message, caps capability.Capabilities) provider.Message {
	role := provider.RoleUser
	if m.Role == conversation.RoleSystem {
		role = provider.RoleSystem
	}

	texts := []string{}
	if m.Text != "" {
		texts = append(texts, m.Text)
	}
	msg := provider.Message{Role: role}
	for _, att := range m.Attachments {
		switch {
		case att.SourceType == conversation.SourcePlaceholder, strings.HasPrefix(att.ContentType, "text/"):
			texts = append(texts, att.Payload)
		case conversation.IsImage(att.ContentType) && caps.AcceptsImage(att.ContentType) && att.SourceType != conversation.SourceURL:
			msg.Images = append(msg.Images, provider.Image{MediaType: strings.ToLower(att.ContentType), Data: att.Payload})
		}
	}
	msg.Content = strings.Join(texts, "\n\n")
	return msg
}

// toolTurns pairs each tool use with its result. Uses without a result are
// not replayed.
func toolTurns(r *conversation.Response) []provider.Message {
	if len(r.ToolUses) == 0 {
		return nil
	}
	results := make(map[string]conversation.ToolResult, len(r.ToolResults))
	for _, tr := range r.ToolResults {
		results[tr.ToolUseID] = tr
	}

	var out []provider.Message
	currentIteration := -1
	var pending []conversation.ToolResult
	flush := func() {
		for _, tr := range pending {
			out = append(out, provider.Message{
				Role:       provider.RoleTool,
				ToolCallID: tr.ToolUseID,
				Content:    resultText(tr),
				IsError:    tr.IsError(),
			})
		}
		pending = nil
	}

	for _, tu := range r.ToolUses {
		tr, ok := results[tu.ID]
		if !ok {
			continue
		}
		if tu.Iteration != currentIteration || len(out) == 0 {
			flush()
			out = append(out, provider.Message{Role: provider.RoleAssistant})
			currentIteration = tu.Iteration
		}
		last := &out[len(out)-1]
		last.ToolCalls = append(last.ToolCalls, provider.ToolCall{ID: tu.ID, Name: tu.Name, Input: tu.Input})
		pending = append(pending, tr)
	}
	flush()
	return out
}
