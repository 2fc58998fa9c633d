package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for burrow spans.
var (
	AttrGroupFolder  = attribute.Key("burrow.group.folder")
	AttrChatJID      = attribute.Key("burrow.chat.jid")
	AttrRunID        = attribute.Key("burrow.run.id")
	AttrTaskID       = attribute.Key("burrow.task.id")
	AttrEnvelopeType = attribute.Key("burrow.envelope.type")
	AttrScheduled    = attribute.Key("burrow.run.scheduled")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
