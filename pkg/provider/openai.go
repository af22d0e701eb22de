package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/parley/pkg/capability"
)

// OpenAIProvider calls the OpenAI Chat Completions API, or any compatible
// endpoint when a base URL is set.
type OpenAIProvider struct {
	client openai.Client
	models []capability.Model
}

// NewOpenAIProvider creates an OpenAI provider. baseURL may be empty.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		models: KnownModels("openai"),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []capability.Model { return p.models }

func (p *OpenAIProvider) Invoke(ctx context.Context, request Request) (*Result, error) {
	start := time.Now()

	messages, err := toOpenAIMessages(request)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}
	if request.Params.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.Params.MaxTokens))
	}
	if request.Params.Temperature > 0 {
		params.Temperature = openai.Float(request.Params.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, tool := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.Schema),
				},
			})
		}
		params.Tools = tools
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := response.Choices[0]
	result := &Result{
		Text: choice.Message.Content,
		Usage: Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	result.Latency = time.Since(start)
	return result, nil
}

func toOpenAIMessages(request Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if sp := systemPrompt(request); sp != "" {
		messages = append(messages, openai.SystemMessage(sp))
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleUser:
			if len(msg.Images) == 0 {
				messages = append(messages, openai.UserMessage(msg.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Images)+1)
			if msg.Content != "" {
				parts = append(parts, openai.TextContentPart(msg.Content))
			}
			for _, img := range msg.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:" + img.MediaType + ";base64," + img.Data,
				}))
			}
			messages = append(messages, openai.UserMessage(parts))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Input)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool parameters: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return messages, nil
}
