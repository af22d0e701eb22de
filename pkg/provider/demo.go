package provider

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/parley/pkg/capability"
)

// DemoProvider returns canned replies without calling any API.
type DemoProvider struct {
	count atomic.Int64
}

// NewDemoProvider creates a demo provider.
func NewDemoProvider() *DemoProvider {
	return &DemoProvider{}
}

func (p *DemoProvider) Name() string { return "demo" }

func (p *DemoProvider) Models() []capability.Model { return KnownModels("demo") }

// Invoke answers with a numbered mock reply that echoes the last user turn,
// or lists the offered tools when there are any.
func (p *DemoProvider) Invoke(ctx context.Context, request Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	n := p.count.Add(1)

	visible := 0
	last := "No message"
	inputChars := 0
	for _, m := range request.Messages {
		inputChars += len(m.Content)
		if m.Role == RoleSystem {
			continue
		}
		visible++
		if m.Role == RoleUser {
			last = m.Content
		}
	}

	var text string
	if len(request.Tools) > 0 {
		names := make([]string, len(request.Tools))
		for i, t := range request.Tools {
			names[i] = t.Name
		}
		text = fmt.Sprintf("Demo response #%d. I can see %d message(s) and have access to %d tool(s): %s. This is a mock response for testing purposes.",
			n, visible, len(request.Tools), strings.Join(names, ", "))
	} else {
		quoted := last
		if len(quoted) > 50 {
			quoted = quoted[:50] + "..."
		}
		text = fmt.Sprintf("Demo response #%d. You said: '%s'. This is a mock response for testing purposes.", n, quoted)
	}

	return &Result{
		Text: text,
		Usage: Usage{
			InputTokens:  (inputChars + 3) / 4,
			OutputTokens: (len(text) + 3) / 4,
		},
		Latency: time.Since(start),
	}, nil
}
