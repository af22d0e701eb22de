package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithConversationID(ctx, "conv-1")
	ctx = WithBranchID(ctx, "main")

	tc := FromContext(ctx)
	assert.Equal(t, &TraceContext{TraceID: "trace-1", TurnID: "turn-1", ConversationID: "conv-1", BranchID: "main"}, tc)

	rebuilt := NewContext(context.Background(), &TraceContext{TraceID: "trace-2"})
	assert.Equal(t, "trace-2", GetTraceID(rebuilt))
	assert.Empty(t, GetTurnID(rebuilt))
}

func TestNewTurnContext(t *testing.T) {
	ctx := NewTurnContext(context.Background(), "conv-1")
	first := GetTraceID(ctx)
	require.Len(t, first, 36)
	assert.Equal(t, "conv-1", GetConversationID(ctx))

	next := NewTurnContext(ctx, "conv-1")
	assert.Equal(t, first, GetTraceID(next))
	assert.NotEqual(t, GetTurnID(ctx), GetTurnID(next))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithConversationID(WithTraceID(context.Background(), "trace-9"), "conv-9")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "trace-9", line["trace_id"])
	assert.Equal(t, "conv-9", line["conversation_id"])
	_, hasTurn := line["turn_id"]
	assert.False(t, hasTurn)
}

func TestDetach(t *testing.T) {
	source := WithTurnID(WithTraceID(context.Background(), "trace-s"), "turn-s")

	cancelled, cancel := context.WithCancel(source)
	cancel()
	detached := Detach(cancelled)
	assert.NoError(t, detached.Err())
	assert.Equal(t, "trace-s", GetTraceID(detached))
	assert.Equal(t, "turn-s", GetTurnID(detached))
}

func TestStartSpanSetsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "parley-test"}))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	ctx, span := StartSpan(context.Background(), TracerStore, "store.get")
	defer span.End()
	assert.NotEmpty(t, GetTraceID(ctx))

	existing := WithTraceID(context.Background(), "fixed")
	ctx, span2 := StartSpan(existing, TracerStore, "store.save")
	defer span2.End()
	assert.Equal(t, "fixed", GetTraceID(ctx))
}

// recordingExporter keeps every exported span.
type recordingExporter struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error { return nil }

func TestInitOpenTelemetry_ResourceAndShutdown(t *testing.T) {
	exporter := &recordingExporter{}
	require.NoError(t, InitOpenTelemetry(Options{
		ServiceName:    "parley-test",
		ServiceVersion: "1.2.3",
		Attributes:     map[string]string{"deployment.environment": "ci"},
		Exporter:       exporter,
	}))
	// A second init keeps the installed provider.
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "ignored"}))

	_, span := StartSpan(context.Background(), TracerManager, "manager.generate_response")
	span.End()
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))

	require.Len(t, exporter.spans, 1)
	got := exporter.spans[0]
	assert.Equal(t, "manager.generate_response", got.Name())
	res := got.Resource().Set()
	name, _ := res.Value(semconv.ServiceNameKey)
	version, _ := res.Value(semconv.ServiceVersionKey)
	env, _ := res.Value(attribute.Key("deployment.environment"))
	assert.Equal(t, "parley-test", name.AsString())
	assert.Equal(t, "1.2.3", version.AsString())
	assert.Equal(t, "ci", env.AsString())

	// After shutdown spans are no longer recorded.
	ctx, span := StartSpan(context.Background(), TracerManager, "manager.after")
	span.End()
	assert.Empty(t, GetTraceID(ctx))
	assert.NoError(t, ShutdownOpenTelemetry(context.Background()))
}
