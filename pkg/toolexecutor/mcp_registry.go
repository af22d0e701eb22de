package toolexecutor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// MCPToolName is the registry name of a server tool. Server tools are always
// prefixed so two servers cannot shadow each other or a builtin.
func MCPToolName(server, tool string) string {
	return server + "_" + tool
}

// RegisterMCPServer lists the tools of an MCP server and registers each one
// with a handler that forwards to tools/call, plus a resources list and read
// tool. It returns the registered names.
func (te *ToolExecutor) RegisterMCPServer(ctx context.Context, client *MCPClient) ([]string, error) {
	if client == nil {
		return nil, fmt.Errorf("mcp client is required")
	}
	server := client.Name()
	if strings.TrimSpace(server) == "" {
		return nil, fmt.Errorf("mcp server name is required")
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch MCP tools from %s: %w", server, err)
	}

	gated := client.cfg.RequiresApproval
	registered := make([]string, 0, len(tools)+2)
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		remote := tool.Name
		schema := map[string]interface{}{"type": "object"}
		for k, v := range tool.InputSchema {
			// Servers may declare drafts the validator does not know.
			if k != "$schema" {
				schema[k] = v
			}
		}
		description := tool.Description
		if description == "" {
			description = fmt.Sprintf("%s tool from MCP server %s", remote, server)
		}

		def := ToolDefinition{
			Name:             MCPToolName(server, remote),
			Description:      description,
			Schema:           schema,
			Category:         CategoryMCP,
			RequiresApproval: gated,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return client.CallTool(ctx, remote, params)
			},
		}
		if err := te.Register(def, false); err != nil {
			return registered, fmt.Errorf("failed to register MCP tool %s: %w", def.Name, err)
		}
		registered = append(registered, def.Name)
	}

	listTool := ToolDefinition{
		Name:        MCPToolName(server, "resources_list"),
		Description: fmt.Sprintf("List resources exposed by MCP server %s", server),
		Category:    CategoryMCP,
		Handler: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return client.ListResources(ctx)
		},
	}
	readTool := ToolDefinition{
		Name:        MCPToolName(server, "resource_read"),
		Description: fmt.Sprintf("Read a resource exposed by MCP server %s", server),
		Category:    CategoryMCP,
		Parameters: []ToolParameter{{
			Name:        "uri",
			Type:        "string",
			Description: "Resource URI",
			Required:    true,
		}},
		RequiresApproval: gated,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			uri, _ := params["uri"].(string)
			if strings.TrimSpace(uri) == "" {
				return nil, fmt.Errorf("uri parameter is required")
			}
			return client.ReadResource(ctx, uri)
		},
	}
	for _, def := range []ToolDefinition{listTool, readTool} {
		if err := te.Register(def, false); err != nil {
			return registered, fmt.Errorf("failed to register MCP resource tool %s: %w", def.Name, err)
		}
		registered = append(registered, def.Name)
	}

	log.Info().Str("mcp_server", server).Int("tools", len(registered)).Msg("MCP server tools registered")
	return registered, nil
}
