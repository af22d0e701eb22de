package provider

import "github.com/harun/parley/pkg/capability"

var visionTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// Known model capabilities. Configuration may override or extend them.
var knownModels = map[string][]capability.Model{
	"anthropic": {
		{
			ID:       "claude-sonnet-4-5",
			Provider: "anthropic",
			Capabilities: capability.Capabilities{
				SupportsImages: true, SupportedImageTypes: visionTypes,
				SupportsFunctionCalling: true, ContextLimit: 200000,
			},
			Pricing: capability.Pricing{InputPerMTok: 3, OutputPerMTok: 15},
		},
		{
			ID:       "claude-haiku-4-5",
			Provider: "anthropic",
			Capabilities: capability.Capabilities{
				SupportsImages: true, SupportedImageTypes: visionTypes,
				SupportsFunctionCalling: true, ContextLimit: 200000,
			},
			Pricing: capability.Pricing{InputPerMTok: 1, OutputPerMTok: 5},
		},
		{
			ID:       "claude-3-5-sonnet-20241022",
			Provider: "anthropic",
			Capabilities: capability.Capabilities{
				SupportsImages: true, SupportedImageTypes: visionTypes,
				SupportsFunctionCalling: true, ContextLimit: 200000,
			},
			Pricing: capability.Pricing{InputPerMTok: 3, OutputPerMTok: 15},
		},
	},
	"openai": {
		{
			ID:       "gpt-4o",
			Provider: "openai",
			Capabilities: capability.Capabilities{
				SupportsImages: true, SupportedImageTypes: visionTypes,
				SupportsFunctionCalling: true, ContextLimit: 128000,
			},
			Pricing: capability.Pricing{InputPerMTok: 2.5, OutputPerMTok: 10},
		},
		{
			ID:       "gpt-4o-mini",
			Provider: "openai",
			Capabilities: capability.Capabilities{
				SupportsImages: true, SupportedImageTypes: visionTypes,
				SupportsFunctionCalling: true, ContextLimit: 128000,
			},
			Pricing: capability.Pricing{InputPerMTok: 0.15, OutputPerMTok: 0.6},
		},
		{
			ID:       "gpt-3.5-turbo",
			Provider: "openai",
			Capabilities: capability.Capabilities{
				SupportsFunctionCalling: true, ContextLimit: 16385,
			},
			Pricing: capability.Pricing{InputPerMTok: 0.5, OutputPerMTok: 1.5},
		},
	},
	"demo": {
		{
			ID:       "demo-model",
			Provider: "demo",
			Capabilities: capability.Capabilities{
				SupportsFunctionCalling: true, ContextLimit: 4096,
			},
		},
		{
			ID:       "demo-advanced",
			Provider: "demo",
			Capabilities: capability.Capabilities{
				SupportsImages: true, SupportedImageTypes: []string{"image/png", "image/jpeg"},
				SupportsFunctionCalling: true, ContextLimit: 8192,
			},
		},
		{
			ID:       "demo-simple",
			Provider: "demo",
			Capabilities: capability.Capabilities{
				ContextLimit: 2048,
			},
		},
	},
}

// KnownModels returns the built-in capability table of a provider kind.
func KnownModels(kind string) []capability.Model {
	models := knownModels[kind]
	out := make([]capability.Model, len(models))
	for i, m := range models {
		m.Capabilities.SupportedImageTypes = append([]string(nil), m.Capabilities.SupportedImageTypes...)
		out[i] = m
	}
	return out
}
