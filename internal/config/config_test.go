package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "file", cfg.Store.Backend)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "demo", cfg.Providers[0].Kind)
	assert.Equal(t, "demo-model", cfg.Defaults.Model)
	assert.Equal(t, 5, cfg.Chain.MaxIterations)
	assert.Equal(t, 4, cfg.Chain.MaxParallelTools)
	assert.Equal(t, "sync", cfg.Chain.ApprovalMode)
	assert.Equal(t, 2, cfg.Adapter.KeepRecent)
	assert.True(t, cfg.Tools.Builtins)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad backend", func(c *Config) { c.Store.Backend = "redis" }, "invalid store backend"},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"provider without id", func(c *Config) { c.Providers[0].ID = "" }, "id is required"},
		{"duplicate provider", func(c *Config) { c.Providers = append(c.Providers, c.Providers[0]) }, "duplicate id"},
		{"bad kind", func(c *Config) { c.Providers[0].Kind = "gemini" }, "invalid kind"},
		{"model without id", func(c *Config) { c.Models = []ModelConfig{{Provider: "demo"}} }, "id is required"},
		{"model with unknown provider", func(c *Config) { c.Models = []ModelConfig{{ID: "x", Provider: "ghost"}} }, "unknown provider"},
		{"model by provider kind", func(c *Config) { c.Models = []ModelConfig{{ID: "x", Provider: "anthropic"}} }, ""},
		{"bad approval mode", func(c *Config) { c.Chain.ApprovalMode = "later" }, "invalid approval mode"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "sample_ratio"},
		{"resource attribute without value", func(c *Config) { c.Telemetry.ResourceAttributes = []string{"region"} }, "key=value"},
		{"sample ratio in range", func(c *Config) { c.Telemetry.SampleRatio = 0.25 }, ""},
		{"mcp server without command", func(c *Config) { c.Tools.MCPServers = []MCPServerConfig{{Name: "files"}} }, "command is required"},
		{"mcp server with bad name", func(c *Config) { c.Tools.MCPServers = []MCPServerConfig{{Name: "my files", Command: "srv"}} }, "must match"},
		{"duplicate mcp server", func(c *Config) {
			c.Tools.MCPServers = []MCPServerConfig{{Name: "files", Command: "a"}, {Name: "files", Command: "b"}}
		}, "duplicate name"},
		{"negative mcp timeout", func(c *Config) {
			c.Tools.MCPServers = []MCPServerConfig{{Name: "files", Command: "srv", TimeoutSeconds: -1}}
		}, "timeout_seconds"},
		{"mcp env without equals", func(c *Config) {
			c.Tools.MCPServers = []MCPServerConfig{{Name: "files", Command: "srv", Env: []string{"TOKEN"}}}
		}, "KEY=VALUE"},
		{"valid mcp server", func(c *Config) { c.Tools.MCPServers = []MCPServerConfig{{Name: "files", Command: "srv"}} }, ""},
		{"negative keep recent", func(c *Config) { c.Adapter.KeepRecent = -1 }, "keep_recent"},
		{"hook with unknown event", func(c *Config) { c.Hooks = []HookConfig{{Event: "daemon:startup", Script: "true"}} }, "unknown event"},
		{"hook without script", func(c *Config) { c.Hooks = []HookConfig{{Event: "message.added"}} }, "script is required"},
		{"valid hook", func(c *Config) { c.Hooks = []HookConfig{{Event: "branch.created", Script: "true"}} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigString_MasksKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = append(cfg.Providers, ProviderConfig{ID: "claude", Kind: "anthropic", APIKey: "sk-ant-secret"})

	out := cfg.String()
	assert.NotContains(t, out, "sk-ant-secret")
	assert.Contains(t, out, `"api_key": "***"`)
	assert.Equal(t, "sk-ant-secret", cfg.Providers[1].APIKey, "String must not mutate the config")
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{{ID: "oa", Kind: "openai", APIKey: "sk-x", RequestsPerMinute: 30, MaxRetries: 2}}
	cfg.Models = []ModelConfig{{
		ID: "gpt-4o", Provider: "oa", SupportsImages: true, ImageTypes: []string{" Image/PNG "},
		FunctionCalling: true, ContextLimit: 1000, InputCostPerMTok: 2.5, OutputCostPerMTok: 10,
	}}

	profiles := cfg.Profiles()
	require.Len(t, profiles, 1)
	assert.Equal(t, "oa", profiles[0].ID)
	assert.Equal(t, 30, profiles[0].RequestsPerMinute)
	assert.Equal(t, 2, profiles[0].MaxRetries)

	models := cfg.CapabilityModels()
	require.Len(t, models, 1)
	assert.Equal(t, []string{"image/png"}, models[0].Capabilities.SupportedImageTypes)
	assert.True(t, models[0].Capabilities.SupportsFunctionCalling)
	assert.Equal(t, 1000, models[0].Capabilities.ContextLimit)
	assert.Equal(t, 10.0, models[0].Pricing.OutputPerMTok)
}

func TestHookList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hooks = []HookConfig{{ID: "notify", Event: "response.generated", Script: "notify-send done", TimeoutSeconds: 3}}

	list := cfg.HookList()
	require.Len(t, list, 1)
	assert.Equal(t, "notify", list[0].ID)
	assert.Equal(t, 3*time.Second, list[0].Timeout)
}

func TestMCPServerList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tools.MCPServers = []MCPServerConfig{{
		Name:            "files",
		Command:         "mcp-files",
		Args:            []string{"--root", "/srv"},
		Env:             []string{"API_TOKEN=t", "ZONE=eu"},
		TimeoutSeconds:  15,
		RequireApproval: true,
	}}

	servers := cfg.MCPServerList()
	require.Len(t, servers, 1)
	assert.Equal(t, "files", servers[0].Name)
	assert.Equal(t, []string{"--root", "/srv"}, servers[0].Args)
	assert.Equal(t, []string{"API_TOKEN=t", "ZONE=eu"}, servers[0].Env)
	assert.Equal(t, 15*time.Second, servers[0].Timeout)
	assert.True(t, servers[0].RequiresApproval)
}
