package tracing

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer names used across parley.
const (
	TracerStore    = "parley.store"
	TracerManager  = "parley.manager"
	TracerChain    = "parley.toolchain"
	TracerTools    = "parley.toolexecutor"
	TracerProvider = "parley.provider"
)

// DefaultShutdownTimeout bounds the span flush when the caller sets no deadline.
const DefaultShutdownTimeout = 5 * time.Second

// Options configures the process tracer provider.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of root traces kept. Zero keeps all of them.
	SampleRatio float64
	// Attributes are attached to the resource of every span.
	Attributes map[string]string
	// Exporter receives finished spans in batches. Nil records without exporting.
	Exporter sdktrace.SpanExporter
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the process tracer provider. Calling it again
// before ShutdownOpenTelemetry keeps the installed provider.
func InitOpenTelemetry(opts Options) error {
	providerMu.Lock()
	defer providerMu.Unlock()
	if provider != nil {
		return nil
	}

	if opts.ServiceName == "" {
		opts.ServiceName = "parley"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	keys := make([]string, 0, len(opts.Attributes))
	for k := range opts.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, opts.Attributes[k]))
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return err
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}
	if opts.Exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(opts.Exporter))
	}

	provider = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownOpenTelemetry flushes pending spans and uninstalls the provider.
// Without a deadline on ctx the flush is bounded by DefaultShutdownTimeout.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and records its trace id in the context when none
// is set yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		sc := span.SpanContext()
		if sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
