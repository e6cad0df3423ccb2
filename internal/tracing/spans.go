package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const brokerTracerName = "orc-broker"

func brokerTracer() trace.Tracer {
	return Tracer(brokerTracerName)
}

// TraceRPCRequest starts a span for an incoming JSON-RPC request.
// Caller must call span.End() when the response is written.
func TraceRPCRequest(ctx context.Context, method, agent string) (context.Context, trace.Span) {
	ctx, span := brokerTracer().Start(ctx, "rpc."+method,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("rpc.method", method),
		attribute.String("agent", agent),
	)
	return ctx, span
}

// TraceRPCResponse records the outcome of a JSON-RPC dispatch on the span.
func TraceRPCResponse(span trace.Span, rpcErrCode int) {
	if rpcErrCode != 0 {
		span.SetAttributes(attribute.Int("rpc.error_code", rpcErrCode))
		span.SetStatus(codes.Error, "rpc error")
	}
}

// TraceToolCall starts a span for a tools/call dispatch.
// Caller must call span.End() when the tool returns.
func TraceToolCall(ctx context.Context, tool, agent string) (context.Context, trace.Span) {
	ctx, span := brokerTracer().Start(ctx, "tool."+tool,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("tool.name", tool),
		attribute.String("agent", agent),
	)
	return ctx, span
}

// TraceToolResult records whether the tool produced an error result.
func TraceToolResult(span trace.Span, isError bool, err error) {
	span.SetAttributes(attribute.Bool("tool.is_error", isError))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceInjection creates a single span for a pane text injection.
func TraceInjection(ctx context.Context, agent, kind string) {
	_, span := brokerTracer().Start(ctx, "inject."+kind,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("agent", agent),
		attribute.String("inject.kind", kind),
	)
}
