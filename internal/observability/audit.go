package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one entry of the approval and tool-execution audit trail.
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

var (
	auditMu   sync.RWMutex
	auditInst = NewAuditLogger(os.Stderr)
)

// NewAuditLogger creates an audit logger writing to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// GetAuditLogger returns the process audit logger.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// SetAuditLogger replaces the process audit logger and returns the previous one.
func SetAuditLogger(a *AuditLogger) *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	prev := auditInst
	auditInst = a
	return prev
}

// InitAuditLogger points the process audit logger at a file.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	a := NewAuditLogger(file)
	a.closer = file
	SetAuditLogger(a)
	return nil
}

// Record emits an audit event and mirrors it as a span event when a span is active.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

func RecordToolAudit(ctx context.Context, toolName, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "tool",
		Action:   "execute:" + toolName,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordApprovalAudit(ctx context.Context, toolName, actor string, approved bool, reason string) {
	status := "denied"
	if approved {
		status = "approved"
	}
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "approval",
		Actor:    actor,
		Action:   "approve:" + toolName,
		Status:   status,
		Metadata: map[string]interface{}{"reason": reason},
	})
}
