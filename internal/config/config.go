package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/harun/parley/pkg/capability"
	"github.com/harun/parley/pkg/hooks"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/toolchain"
	"github.com/harun/parley/pkg/toolexecutor"
)

// Config represents the main parley configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Conversation storage
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Model backends
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Capability overrides
	Models []ModelConfig `json:"models" mapstructure:"models"`

	// Defaults applied by the CLI
	Defaults DefaultsConfig `json:"defaults" mapstructure:"defaults"`

	// Tool loop
	Chain ChainConfig `json:"chain" mapstructure:"chain"`

	// History adaptation
	Adapter AdapterConfig `json:"adapter" mapstructure:"adapter"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics and tracing
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`

	// Scripts run on conversation events
	Hooks []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig binds a shell script to a conversation event
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// StoreConfig selects the conversation backend
type StoreConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // file, sqlite, memory
	Dir     string `json:"dir" mapstructure:"dir"`
	DSN     string `json:"dsn" mapstructure:"dsn"`
}

// ProviderConfig represents one model backend
type ProviderConfig struct {
	ID                string `json:"id" mapstructure:"id"`
	Kind              string `json:"kind" mapstructure:"kind"` // anthropic, openai, demo
	APIKey            string `json:"api_key" mapstructure:"api_key"`
	BaseURL           string `json:"base_url" mapstructure:"base_url"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxRetries        int    `json:"max_retries" mapstructure:"max_retries"`
}

// ModelConfig overrides or declares the capabilities of a model
type ModelConfig struct {
	ID                string   `json:"id" mapstructure:"id"`
	Provider          string   `json:"provider" mapstructure:"provider"`
	SupportsImages    bool     `json:"supports_images" mapstructure:"supports_images"`
	ImageTypes        []string `json:"image_types" mapstructure:"image_types"`
	FunctionCalling   bool     `json:"function_calling" mapstructure:"function_calling"`
	ContextLimit      int      `json:"context_limit" mapstructure:"context_limit"`
	InputCostPerMTok  float64  `json:"input_cost_per_mtok" mapstructure:"input_cost_per_mtok"`
	OutputCostPerMTok float64  `json:"output_cost_per_mtok" mapstructure:"output_cost_per_mtok"`
}

// DefaultsConfig holds per-call defaults
type DefaultsConfig struct {
	Model        string  `json:"model" mapstructure:"model"`
	UserID       string  `json:"user_id" mapstructure:"user_id"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
}

// ChainConfig tunes the tool loop
type ChainConfig struct {
	MaxIterations          int    `json:"max_iterations" mapstructure:"max_iterations"`
	MaxParallelTools       int    `json:"max_parallel_tools" mapstructure:"max_parallel_tools"`
	ToolTimeoutSeconds     int    `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	ApprovalMode           string `json:"approval_mode" mapstructure:"approval_mode"` // sync, async
	ApprovalTimeoutSeconds int    `json:"approval_timeout_seconds" mapstructure:"approval_timeout_seconds"`
	CheckpointTTLSeconds   int    `json:"checkpoint_ttl_seconds" mapstructure:"checkpoint_ttl_seconds"`
	SweepSchedule          string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// AdapterConfig tunes history adaptation
type AdapterConfig struct {
	KeepRecent int `json:"keep_recent" mapstructure:"keep_recent"`
}

// ToolsConfig holds tool configuration
type ToolsConfig struct {
	Builtins bool     `json:"builtins" mapstructure:"builtins"`
	Disabled []string `json:"disabled" mapstructure:"disabled"`

	// RequireApproval gates the named tools behind the approval flow.
	RequireApproval []string `json:"require_approval" mapstructure:"require_approval"`
	// AutoApprove approves gated calls without asking in sync mode.
	AutoApprove bool `json:"auto_approve" mapstructure:"auto_approve"`

	// MCPServers are launched over stdio and their tools registered as
	// <name>_<tool>.
	MCPServers []MCPServerConfig `json:"mcp_servers" mapstructure:"mcp_servers"`
}

// MCPServerConfig describes one MCP server process
type MCPServerConfig struct {
	Name            string   `json:"name" mapstructure:"name"`
	Command         string   `json:"command" mapstructure:"command"`
	Args            []string `json:"args" mapstructure:"args"`
	Env             []string `json:"env" mapstructure:"env"` // KEY=VALUE, viper lowercases map keys
	TimeoutSeconds  int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	RequireApproval bool     `json:"require_approval" mapstructure:"require_approval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TelemetryConfig holds metrics and tracing settings
type TelemetryConfig struct {
	MetricsAddr string  `json:"metrics_addr" mapstructure:"metrics_addr"`
	Tracing     bool    `json:"tracing" mapstructure:"tracing"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	// ResourceAttributes are key=value pairs; viper would split dotted map keys.
	ResourceAttributes []string `json:"resource_attributes" mapstructure:"resource_attributes"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "file",
		},
		Providers: []ProviderConfig{
			{ID: "demo", Kind: provider.KindDemo},
		},
		Models: []ModelConfig{},
		Defaults: DefaultsConfig{
			Model:  "demo-model",
			UserID: "local",
		},
		Chain: ChainConfig{
			MaxIterations:          toolchain.DefaultMaxIterations,
			MaxParallelTools:       toolchain.DefaultMaxParallelTools,
			ToolTimeoutSeconds:     30,
			ApprovalMode:           string(toolchain.ApprovalSync),
			ApprovalTimeoutSeconds: 60,
			CheckpointTTLSeconds:   3600,
			SweepSchedule:          toolchain.DefaultSweepSchedule,
		},
		Adapter: AdapterConfig{
			KeepRecent: 2,
		},
		Tools: ToolsConfig{
			Builtins: true,
			Disabled: []string{},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   false,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			MetricsAddr: "127.0.0.1:9464",
			ServiceName: "parley",
		},
	}
}

// String returns a JSON representation of the config with API keys masked
func (c *Config) String() string {
	masked := *c
	masked.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Providers[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store backend %q (must be: file, sqlite, memory)", c.Store.Backend)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	ids := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: id is required", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		ids[p.ID] = true
		switch p.Kind {
		case provider.KindAnthropic, provider.KindOpenAI, provider.KindDemo:
		default:
			return fmt.Errorf("provider %s: invalid kind %q (must be: anthropic, openai, demo)", p.ID, p.Kind)
		}
	}

	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model %d: id is required", i)
		}
		if m.Provider != "" && !ids[m.Provider] && !isKind(m.Provider) {
			return fmt.Errorf("model %s: unknown provider %s", m.ID, m.Provider)
		}
		if m.ContextLimit < 0 {
			return fmt.Errorf("model %s: context_limit must be >= 0", m.ID)
		}
	}

	switch toolchain.ApprovalMode(c.Chain.ApprovalMode) {
	case "", toolchain.ApprovalSync, toolchain.ApprovalAsync:
	default:
		return fmt.Errorf("invalid approval mode %q (must be: sync, async)", c.Chain.ApprovalMode)
	}
	if c.Chain.MaxIterations < 0 || c.Chain.MaxParallelTools < 0 {
		return fmt.Errorf("chain limits must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be between 0 and 1")
	}
	for _, kv := range c.Telemetry.ResourceAttributes {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("telemetry resource attribute %q must be key=value", kv)
		}
	}
	if c.Adapter.KeepRecent < 0 {
		return fmt.Errorf("adapter keep_recent must be >= 0")
	}
	servers := make(map[string]bool, len(c.Tools.MCPServers))
	for i, m := range c.Tools.MCPServers {
		if !mcpNamePattern.MatchString(m.Name) {
			return fmt.Errorf("mcp server %d: name %q must match %s", i, m.Name, mcpNamePattern)
		}
		if servers[m.Name] {
			return fmt.Errorf("mcp server %s: duplicate name", m.Name)
		}
		servers[m.Name] = true
		if strings.TrimSpace(m.Command) == "" {
			return fmt.Errorf("mcp server %s: command is required", m.Name)
		}
		if m.TimeoutSeconds < 0 {
			return fmt.Errorf("mcp server %s: timeout_seconds must be >= 0", m.Name)
		}
		for _, kv := range m.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				return fmt.Errorf("mcp server %s: env entry %q must be KEY=VALUE", m.Name, kv)
			}
		}
	}
	for i, h := range c.Hooks {
		if !knownEvents[h.Event] {
			return fmt.Errorf("hook %d: unknown event %q", i, h.Event)
		}
		if strings.TrimSpace(h.Script) == "" {
			return fmt.Errorf("hook %d: script is required", i)
		}
	}
	return nil
}

// TraceAttributes parses the telemetry resource attributes.
func (c *Config) TraceAttributes() map[string]string {
	out := make(map[string]string, len(c.Telemetry.ResourceAttributes))
	for _, kv := range c.Telemetry.ResourceAttributes {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			out[k] = v
		}
	}
	return out
}

// Tool names built from it must stay within what providers accept.
var mcpNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,32}$`)

// MCPServerList converts the mcp_servers section for toolexecutor.NewMCPClient.
func (c *Config) MCPServerList() []toolexecutor.MCPServerConfig {
	out := make([]toolexecutor.MCPServerConfig, len(c.Tools.MCPServers))
	for i, m := range c.Tools.MCPServers {
		out[i] = toolexecutor.MCPServerConfig{
			Name:             m.Name,
			Command:          m.Command,
			Args:             m.Args,
			Env:              m.Env,
			Timeout:          time.Duration(m.TimeoutSeconds) * time.Second,
			RequiresApproval: m.RequireApproval,
		}
	}
	return out
}

var knownEvents = map[string]bool{
	hooks.EventConversationCreated: true,
	hooks.EventMessageAdded:        true,
	hooks.EventResponseGenerated:   true,
	hooks.EventBranchCreated:       true,
	hooks.EventApprovalPending:     true,
}

// HookList converts the hooks section for hooks.NewDispatcher.
func (c *Config) HookList() []hooks.Hook {
	out := make([]hooks.Hook, len(c.Hooks))
	for i, h := range c.Hooks {
		out[i] = hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
		}
	}
	return out
}

func isKind(name string) bool {
	return name == provider.KindAnthropic || name == provider.KindOpenAI || name == provider.KindDemo
}

// Profiles converts the provider section into factory profiles.
func (c *Config) Profiles() []provider.Profile {
	out := make([]provider.Profile, len(c.Providers))
	for i, p := range c.Providers {
		out[i] = provider.Profile{
			ID:                p.ID,
			Kind:              p.Kind,
			APIKey:            p.APIKey,
			BaseURL:           p.BaseURL,
			RequestsPerMinute: p.RequestsPerMinute,
			MaxRetries:        p.MaxRetries,
		}
	}
	return out
}

// CapabilityModels converts the model section into capability declarations.
func (c *Config) CapabilityModels() []capability.Model {
	out := make([]capability.Model, len(c.Models))
	for i, m := range c.Models {
		types := make([]string, 0, len(m.ImageTypes))
		for _, t := range m.ImageTypes {
			types = append(types, strings.ToLower(strings.TrimSpace(t)))
		}
		out[i] = capability.Model{
			ID:       m.ID,
			Provider: m.Provider,
			Capabilities: capability.Capabilities{
				SupportsImages:          m.SupportsImages,
				SupportedImageTypes:     types,
				SupportsFunctionCalling: m.FunctionCalling,
				ContextLimit:            m.ContextLimit,
			},
			Pricing: capability.Pricing{
				InputPerMTok:  m.InputCostPerMTok,
				OutputPerMTok: m.OutputCostPerMTok,
			},
		}
	}
	return out
}
