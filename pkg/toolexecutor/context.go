package toolexecutor

import "context"

// CallInfo identifies the tool call a handler is serving.
type CallInfo struct {
	ToolUseID      string
	ConversationID string
	Iteration      int
}

type callInfoKey struct{}

// WithCallInfo attaches call details to a context for tool handlers.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFromContext extracts the call details, if any.
func CallInfoFromContext(ctx context.Context) (CallInfo, bool) {
	if ctx == nil {
		return CallInfo{}, false
	}
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}
