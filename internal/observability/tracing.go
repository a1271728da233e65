package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span names used across the runtime.
const (
	SpanTaskRun       = "task.run"
	SpanToolDispatch  = "tool.dispatch"
	SpanLLMGenerate   = "llm.generate"
	SpanTurn          = "conversation.turn"
	SpanRetrieval     = "knowledge.retrieve"
	SpanIngest        = "knowledge.ingest"
	SpanTriggerFire   = "trigger.fire"
	SpanParentResolve = "workflow.resolve_parent"
)

// Attribute keys attached to spans.
const (
	AttrTaskID         = attribute.Key("ember.task.id")
	AttrTaskKind       = attribute.Key("ember.task.kind")
	AttrToolName       = attribute.Key("ember.tool.name")
	AttrModel          = attribute.Key("ember.llm.model")
	AttrConversationID = attribute.Key("ember.conversation.id")
	AttrTriggerID      = attribute.Key("ember.trigger.id")
	AttrBucket         = attribute.Key("ember.knowledge.bucket")
)

const tracerName = "ember"

// Tracer resolves the runtime tracer. With no SDK installed the global
// provider is a no-op, so instrumentation stays free until a deployment
// registers one.
func Tracer(enabled bool) trace.Tracer {
	if !enabled {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

// StartSpan opens a span on the given tracer with the provided attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
