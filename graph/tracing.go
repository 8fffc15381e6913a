package graph

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this instrumentation in exported spans.
const tracerName = "github.com/agentflow/agentflow-go/graph"

// TracingMiddleware opens one OpenTelemetry span per node visit, child of
// whatever span is active on the incoming context. Retried attempts share the
// visit span; the final attempt count is recorded as an attribute.
//
// The runner installs this middleware outermost when constructed with
// WithTracerProvider, so user middlewares run inside the span.
type TracingMiddleware struct {
	tracer trace.Tracer
}

// NewTracingMiddleware builds the middleware from a tracer provider. A nil
// provider disables tracing: Around returns next unchanged.
func NewTracingMiddleware(tp trace.TracerProvider) *TracingMiddleware {
	m := &TracingMiddleware{}
	if tp != nil {
		m.tracer = tp.Tracer(tracerName)
	}
	return m
}

// Name implements Middleware.
func (m *TracingMiddleware) Name() string { return "tracing" }

// Around implements Middleware.
func (m *TracingMiddleware) Around(next Handler) Handler {
	if m.tracer == nil {
		return next
	}
	return func(ctx context.Context, nc *NodeContext) (NodeResult, error) {
		ctx, span := m.tracer.Start(ctx, "graph.node "+nc.NodeID,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("agentflow.run_id", nc.Exec.RunID),
				attribute.String("agentflow.graph_id", nc.Exec.GraphID),
				attribute.String("agentflow.node_id", nc.NodeID),
			),
		)
		defer span.End()

		res, err := next(ctx, nc)
		span.SetAttributes(attribute.Int("agentflow.attempts", nc.Attempt+1))
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res.Pause != nil:
			span.SetAttributes(attribute.Bool("agentflow.paused", true))
		case res.Skip:
			span.SetAttributes(attribute.Bool("agentflow.skipped", true))
		}
		return res, err
	}
}
