package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrTaskID     = attribute.Key("gocompany.task.id")
	AttrAgentID    = attribute.Key("gocompany.agent.id")
	AttrSessionID  = attribute.Key("gocompany.session.id")
	AttrProvider   = attribute.Key("gocompany.provider")
	AttrEndpoint   = attribute.Key("gocompany.ingress.endpoint")
	AttrOutcome    = attribute.Key("gocompany.ingress.outcome")
	AttrDecisionID = attribute.Key("gocompany.decision.id")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
