package toolexecutor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultMCPTimeout bounds a single request to an MCP server.
	DefaultMCPTimeout = 10 * time.Second

	mcpProtocolVersion = "2024-11-05"
	mcpMaxLine         = 4 * 1024 * 1024
)

// ErrMCPClosed is returned for requests to a server that exited or was closed.
var ErrMCPClosed = errors.New("mcp server closed")

// MCP JSON-RPC messages
type mcpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type mcpError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *mcpError) Error() string {
	return fmt.Sprintf("mcp error (%d): %s", e.Code, e.Message)
}

// MCPServerConfig describes how to launch an MCP server over stdio.
type MCPServerConfig struct {
	Name    string
	Command string
	Args    []string
	// Env entries are KEY=VALUE pairs added to the parent environment.
	Env     []string
	Timeout time.Duration
	// RequiresApproval gates every tool of the server behind approval.
	RequiresApproval bool
}

// MCPTool is a tool advertised by tools/list.
type MCPTool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// MCPClient speaks JSON-RPC to one MCP server process over its stdin and
// stdout, one message per line.
type MCPClient struct {
	cfg MCPServerConfig

	// startMu is held across the handshake so no request overtakes it.
	startMu sync.Mutex
	started bool

	mu      sync.Mutex
	process *exec.Cmd
	stdin   io.WriteCloser
	id      int
	pending map[int]chan *mcpResponse
	done    chan struct{}
	closed  bool
}

// NewMCPClient creates a client. The server is started on first use.
func NewMCPClient(cfg MCPServerConfig) *MCPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMCPTimeout
	}
	return &MCPClient{
		cfg:     cfg,
		pending: make(map[int]chan *mcpResponse),
	}
}

// Name returns the configured server name.
func (c *MCPClient) Name() string { return c.cfg.Name }

// Start launches the server process and performs the initialize handshake.
func (c *MCPClient) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrMCPClosed
	}

	// The process outlives ctx; Close stops it.
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to start mcp server %s: %w", c.cfg.Name, err)
	}

	c.process = cmd
	c.stdin = stdin
	c.done = make(chan struct{})
	go c.listen(stdout, c.done)
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		return errors.Join(fmt.Errorf("mcp server %s: initialize: %w", c.cfg.Name, err), c.Close())
	}
	c.started = true
	log.Info().Str("mcp_server", c.cfg.Name).Str("command", c.cfg.Command).Msg("MCP server started")
	return nil
}

func (c *MCPClient) listen(stdout io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), mcpMaxLine)
	for scanner.Scan() {
		var resp mcpResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Warn().Err(err).Str("mcp_server", c.cfg.Name).Msg("Failed to unmarshal MCP message")
			continue
		}
		// Server notifications and requests carry no numeric id we issued.
		id, ok := resp.ID.(float64)
		if !ok {
			continue
		}

		c.mu.Lock()
		ch, exists := c.pending[int(id)]
		if exists {
			delete(c.pending, int(id))
			ch <- &resp
		}
		c.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("mcp_server", c.cfg.Name).Msg("MCP server stream failed")
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *MCPClient) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "parley",
			"version": "0.1.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return err
	}
	return c.notify("notifications/initialized")
}

func (c *MCPClient) write(req mcpRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return ErrMCPClosed
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *MCPClient) notify(method string) error {
	return c.write(mcpRequest{JSONRPC: "2.0", Method: method})
}

func (c *MCPClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.stdin == nil {
		c.mu.Unlock()
		return nil, ErrMCPClosed
	}
	c.id++
	id := c.id
	ch := make(chan *mcpResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(mcpRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrMCPClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("mcp server %s: %s timed out after %s", c.cfg.Name, method, c.cfg.Timeout)
	}
}

// ListTools fetches the tools the server offers.
func (c *MCPClient) ListTools(ctx context.Context) ([]MCPTool, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []struct {
			Name        string                 `json:"name"`
			Description string                 `json:"description"`
			InputSchema map[string]interface{} `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listResult); err != nil {
		return nil, fmt.Errorf("mcp server %s: decode tools/list: %w", c.cfg.Name, err)
	}

	tools := make([]MCPTool, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		tools = append(tools, MCPTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return tools, nil
}

// CallTool runs tools/call. Text content comes back as one string; any
// other content is returned as the decoded result. A result flagged
// isError becomes an error carrying its text.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp server %s: decode tools/call: %w", c.cfg.Name, err)
	}

	texts := make([]string, 0, len(result.Content))
	onlyText := len(result.Content) > 0
	for _, item := range result.Content {
		if item.Type != "text" {
			onlyText = false
			continue
		}
		texts = append(texts, item.Text)
	}
	if result.IsError {
		msg := strings.Join(texts, "\n")
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, errors.New(msg)
	}
	if onlyText {
		return strings.Join(texts, "\n"), nil
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// ListResources fetches resource listings from the server.
func (c *MCPClient) ListResources(ctx context.Context) ([]map[string]interface{}, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	raw, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Resources []map[string]interface{} `json:"resources"`
	}
	if err := json.Unmarshal(raw, &listResult); err != nil {
		return nil, err
	}
	return listResult.Resources, nil
}

// ReadResource reads one resource by uri.
func (c *MCPClient) ReadResource(ctx context.Context, uri string) (map[string]interface{}, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	raw, err := c.call(ctx, "resources/read", map[string]interface{}{"uri": uri})
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Close stops the server process. Pending requests fail with ErrMCPClosed.
func (c *MCPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cmd, stdin, done := c.process, c.stdin, c.done
	c.stdin = nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}

	_ = stdin.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	// Wait reports the kill; only a failure to reap matters.
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return err
		}
	}
	log.Info().Str("mcp_server", c.cfg.Name).Msg("MCP server stopped")
	return nil
}
