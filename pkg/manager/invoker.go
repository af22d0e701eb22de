package manager

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/errs"
	"github.com/harun/parley/pkg/provider"
)

// routingInvoker sends a request to the provider bound to its model and
// records the call in the registry and the generation metrics.
type routingInvoker struct {
	m *Manager
}

func (r *routingInvoker) Invoke(ctx context.Context, req provider.Request) (*provider.Result, error) {
	p, ok := r.m.providerFor(req.Model)
	if !ok {
		return nil, errs.ModelNotFound(req.Model)
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerProvider, "provider.invoke",
		attribute.String("provider", p.Name()),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("tools", len(req.Tools)),
	)
	defer span.End()

	start := time.Now()
	res, err := p.Invoke(ctx, req)
	elapsed := time.Since(start)

	r.m.registry.RecordCall(req.Model, elapsed, err == nil)
	if err != nil {
		observability.RecordGeneration(req.Model, elapsed, false, 0, 0)
		span.RecordError(err)
		logger := tracing.LoggerFromContext(ctx, r.m.logger)
		logger.Warn().Err(err).Str("model", req.Model).Dur("duration", elapsed).Msg("Model call failed")
		return nil, err
	}
	if res.Latency == 0 {
		res.Latency = elapsed
	}
	observability.RecordGeneration(req.Model, elapsed, true, res.Usage.InputTokens, res.Usage.OutputTokens)
	span.SetAttributes(
		attribute.Int("input_tokens", res.Usage.InputTokens),
		attribute.Int("output_tokens", res.Usage.OutputTokens),
		attribute.Int("tool_calls", len(res.ToolCalls)),
	)
	return res, nil
}
