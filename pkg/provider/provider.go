// Package provider invokes language models behind one interface.
//
// Variants: Anthropic (anthropic-sdk-go), OpenAI (openai-go) and a
// deterministic Demo provider. WithRetry and WithRateLimit wrap any Provider.
package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/harun/parley/pkg/capability"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Provider is a model backend.
type Provider interface {
	// Name returns the provider name.
	Name() string
	// Models lists the models this provider serves with their capabilities.
	Models() []capability.Model
	// Invoke makes one model call.
	Invoke(ctx context.Context, request Request) (*Result, error)
}

// Image is an inline base64 image.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolCall is a tool invocation proposed by a model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// Message is one transcript turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Images     []Image    `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"input_schema"`
}

// Params are generation parameters.
type Params struct {
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	// MaxIterations bounds the tool chain of the turn. Providers ignore it.
	MaxIterations int `json:"max_iterations,omitempty"`
}

// Request is a model call.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolSpec
	Params   Params
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is a model reply.
type Result struct {
	Text      string        `json:"text"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Usage     Usage         `json:"usage"`
	Latency   time.Duration `json:"latency"`
}

// DefaultMaxTokens is used when a request does not set MaxTokens.
const DefaultMaxTokens = 4096

// ErrNoChoices is returned when a backend replies without any content.
var ErrNoChoices = errors.New("no response choices returned")

// IsRetryableError reports whether a call failure is worth retrying:
// connection resets, timeouts, rate limits and 5xx responses.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "timeout",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// systemPrompt joins the system prompt parameter with any system messages.
func systemPrompt(req Request) string {
	parts := []string{}
	if s := strings.TrimSpace(req.Params.SystemPrompt); s != "" {
		parts = append(parts, s)
	}
	for _, m := range req.Messages {
		if m.Role == RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func maxTokens(req Request) int {
	if req.Params.MaxTokens > 0 {
		return req.Params.MaxTokens
	}
	return DefaultMaxTokens
}
