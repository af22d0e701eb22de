package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/parley/pkg/capability"
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	models []capability.Model
}

// NewAnthropicProvider creates an Anthropic provider. baseURL may be empty.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		models: KnownModels("anthropic"),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []capability.Model { return p.models }

func (p *AnthropicProvider) Invoke(ctx context.Context, request Request) (*Result, error) {
	start := time.Now()

	messages := []anthropic.MessageParam{}
	pendingResults := []anthropic.ContentBlockParamUnion{}
	flushResults := func() {
		if len(pendingResults) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleTool:
			// Consecutive tool results travel in one user turn.
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			continue
		}
		flushResults()

		switch msg.Role {
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Input
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case RoleUser:
			blocks := []anthropic.ContentBlockParamUnion{}
			for _, img := range msg.Images {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, img.Data))
			}
			if msg.Content != "" || len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}
	flushResults()

	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens(request)),
	}

	if sp := systemPrompt(request); sp != "" {
		reqParams.System = []anthropic.TextBlockParam{{Text: sp}}
	}
	if request.Params.Temperature > 0 {
		reqParams.Temperature = anthropic.Float(request.Params.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
		for _, tool := range request.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Schema["properties"],
				},
			}
			toolParam.InputSchema.Required = requiredFields(tool.Schema)
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		reqParams.Tools = tools
	}

	response, err := p.client.Messages.New(ctx, reqParams)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Usage: Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Text += b.Text
		case anthropic.ToolUseBlock:
			var input map[string]interface{}
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &input); err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Input: input})
		}
	}
	result.Latency = time.Since(start)
	return result, nil
}

func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
