package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/errs"
)

const (
	// DefaultTimeout bounds a single handler invocation.
	DefaultTimeout = 30 * time.Second
	// MaxOutputSize is the size above which tool output is truncated.
	MaxOutputSize = 10 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Required    bool          `json:"required"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler. Schema, when set, is
// used as the JSON Schema of the arguments instead of Parameters.
type ToolDefinition struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Parameters       []ToolParameter        `json:"parameters,omitempty"`
	Schema           map[string]interface{} `json:"schema,omitempty"`
	Handler          ToolHandler            `json:"-"`
	RequiresApproval bool                   `json:"requires_approval"`
	Category         ToolCategory           `json:"category"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

type registeredTool struct {
	def       ToolDefinition
	schema    *gojsonschema.Schema
	schemaMap map[string]interface{}
	active    bool
	favorite  bool
}

// ToolExecutor registers tools and executes them against validated arguments.
type ToolExecutor struct {
	tools   map[string]*registeredTool
	timeout time.Duration
	mu      sync.RWMutex
}

// New creates a new ToolExecutor
func New() *ToolExecutor {
	return &ToolExecutor{
		tools:   make(map[string]*registeredTool),
		timeout: DefaultTimeout,
	}
}

// SetTimeout changes the per-handler timeout. Non-positive values restore the default.
func (te *ToolExecutor) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	te.timeout = d
}

// Register validates and registers a tool. Registering over an existing name
// fails with a DuplicateTool error unless overwrite is set.
func (te *ToolExecutor) Register(def ToolDefinition, overwrite bool) error {
	if def.Category == "" {
		def.Category = CategoryGeneral
	}
	if err := validateToolDefinition(def); err != nil {
		return errs.InvalidArgument("tool "+def.Name, err.Error())
	}

	schemaMap := def.Schema
	if schemaMap == nil {
		schemaMap = schemaFromParameters(def.Parameters)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return errs.InvalidArgument("tool "+def.Name, fmt.Sprintf("invalid schema: %v", err))
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	existing, exists := te.tools[def.Name]
	if exists && !overwrite {
		return errs.DuplicateTool(def.Name)
	}

	rt := &registeredTool{def: def, schema: schema, schemaMap: schemaMap, active: true}
	if exists {
		rt.active = existing.active
		rt.favorite = existing.favorite
	}
	te.tools[def.Name] = rt

	log.Info().Str("tool", def.Name).Str("category", string(def.Category)).Bool("overwrite", exists).Msg("Tool registered")
	return nil
}

// Unregister removes a tool and reports whether it existed.
func (te *ToolExecutor) Unregister(name string) bool {
	te.mu.Lock()
	defer te.mu.Unlock()

	if _, ok := te.tools[name]; !ok {
		return false
	}
	delete(te.tools, name)
	log.Info().Str("tool", name).Msg("Tool unregistered")
	return true
}

// Get returns a copy of a tool definition.
func (te *ToolExecutor) Get(name string) (ToolDefinition, bool) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	rt, ok := te.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return rt.def, true
}

// RequiresApproval reports whether a registered tool is approval-gated.
func (te *ToolExecutor) RequiresApproval(name string) bool {
	def, ok := te.Get(name)
	return ok && def.RequiresApproval
}

// Names returns the registered tool names, sorted.
func (te *ToolExecutor) Names() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (te *ToolExecutor) Count() int {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return len(te.tools)
}

// Execute validates args against the tool schema and runs the handler.
//
// Unknown tools and invalid arguments are reported as errors and the handler
// is not invoked. Calls to inactive tools come back as a ToolResult error. Handler failures, panics and timeouts are reported in the
// returned ToolResult and never as an error.
func (te *ToolExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (conversation.ToolResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "toolexecutor.execute", attribute.String("tool", name))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	te.mu.RLock()
	rt, ok := te.tools[name]
	timeout := te.timeout
	te.mu.RUnlock()

	if !ok {
		err := errs.ToolNotFound(name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool not found")
		return conversation.ToolResult{}, err
	}
	// Inactive tools are not offered, but a model may still name one.
	if !rt.active {
		logger.Warn().Str("tool", name).Msg("Inactive tool call rejected")
		span.SetStatus(codes.Error, "tool not active")
		return conversation.ToolResult{Error: "tool not active: " + name}, nil
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if details := validateParameters(rt.schema, args); len(details) > 0 {
		err := errs.SchemaValidation(name, details)
		logger.Warn().Str("tool", name).Strs("errors", details).Msg("Tool arguments rejected")
		span.RecordError(err)
		span.SetStatus(codes.Error, "schema validation failed")
		return conversation.ToolResult{}, err
	}

	start := time.Now()
	output, err := invoke(ctx, rt.def.Handler, args, timeout)
	duration := time.Since(start)

	observability.RecordToolExecution(name, duration, err == nil)
	if err != nil {
		logger.Error().Str("tool", name).Dur("duration", duration).Err(err).Msg("Tool execution failed")
		observability.RecordToolAudit(ctx, name, "failure", map[string]interface{}{"error": err.Error(), "duration_ms": duration.Milliseconds()})
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		return conversation.ToolResult{Error: err.Error()}, nil
	}

	output, truncated := truncateOutput(output)
	logger.Debug().Str("tool", name).Dur("duration", duration).Bool("truncated", truncated).Msg("Tool execution completed")
	observability.RecordToolAudit(ctx, name, "success", map[string]interface{}{"duration_ms": duration.Milliseconds(), "truncated": truncated})
	return conversation.ToolResult{Output: output}, nil
}

// invoke runs the handler on its own goroutine so a stuck handler cannot hold
// the caller past timeout.
func invoke(ctx context.Context, handler ToolHandler, args map[string]interface{}, timeout time.Duration) (interface{}, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := handler(timeoutCtx, args)
		done <- outcome{output: out, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool execution cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("tool execution timeout after %v", timeout)
	}
}

var validParameterTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if !IsValidCategory(string(def.Category)) {
		return fmt.Errorf("invalid category %s", def.Category)
	}
	if def.Schema != nil && len(def.Parameters) > 0 {
		return fmt.Errorf("parameters and schema are mutually exclusive")
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParameterTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

func schemaFromParameters(params []ToolParameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		properties[param.Name] = paramSchema
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) []string {
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return details
}

func truncateOutput(output interface{}) (interface{}, bool) {
	var str string
	switch v := output.(type) {
	case nil:
		return nil, false
	case string:
		str = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			str = fmt.Sprintf("%v", v)
		} else {
			str = string(data)
		}
	}

	if len(str) <= MaxOutputSize {
		return output, false
	}

	log.Warn().Int("original", len(str)).Int("truncated", MaxOutputSize).Msg("Output truncated")
	return cutUTF8(str, MaxOutputSize) + "\n... [output truncated]", true
}

// cutUTF8 returns at most n bytes of s without splitting a rune.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
