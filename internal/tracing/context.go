package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TurnIDKey is the context key for the id of one generation turn
	TurnIDKey ContextKey = "turn_id"
	// ConversationIDKey is the context key for conversation ID
	ConversationIDKey ContextKey = "conversation_id"
	// BranchIDKey is the context key for branch ID
	BranchIDKey ContextKey = "branch_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID        string
	TurnID         string
	ConversationID string
	BranchID       string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewTurnID generates a new turn ID
func NewTurnID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTurnID adds a turn ID to the context
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// WithConversationID adds a conversation ID to the context
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

// WithBranchID adds a branch ID to the context
func WithBranchID(ctx context.Context, branchID string) context.Context {
	return context.WithValue(ctx, BranchIDKey, branchID)
}

func getString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetTurnID retrieves the turn ID from the context
func GetTurnID(ctx context.Context) string {
	return getString(ctx, TurnIDKey)
}

// GetConversationID retrieves the conversation ID from the context
func GetConversationID(ctx context.Context) string {
	return getString(ctx, ConversationIDKey)
}

// GetBranchID retrieves the branch ID from the context
func GetBranchID(ctx context.Context) string {
	return getString(ctx, BranchIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:        GetTraceID(ctx),
		TurnID:         GetTurnID(ctx),
		ConversationID: GetConversationID(ctx),
		BranchID:       GetBranchID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.TurnID != "" {
		ctx = WithTurnID(ctx, tc.TurnID)
	}
	if tc.ConversationID != "" {
		ctx = WithConversationID(ctx, tc.ConversationID)
	}
	if tc.BranchID != "" {
		ctx = WithBranchID(ctx, tc.BranchID)
	}
	return ctx
}

// NewTurnContext starts a generation turn on a conversation. The trace ID is
// kept when present so a regeneration and its turn share one trace.
func NewTurnContext(ctx context.Context, conversationID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithTurnID(ctx, NewTurnID())
	return WithConversationID(ctx, conversationID)
}
