// Package toolexecutor registers and executes structured tools for the
// tool-chain engine.
//
// Invariants:
// - Tool names are unique unless a registration explicitly overwrites.
// - Arguments are schema-validated before a handler runs; invalid input never reaches it.
// - Handler failures, including panics and timeouts, yield a ToolResult with Error set.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.Register(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	}, false)
//	result, err := exec.Execute(ctx, "echo", map[string]interface{}{"text": "hi"})
package toolexecutor
