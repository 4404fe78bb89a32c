package agentloop

import "context"

// Span name constants: invoke_agent spans the whole Run/RunStream call,
// chat spans one cycle's model stream, and observer_panic marks an Observer
// that panicked. execute_tool names a tool-dispatch span; the Agent does not
// start spans of that name.
const (
	SpanInvokeAgent   = "invoke_agent"
	SpanChat          = "chat"
	SpanExecuteTool   = "execute_tool"
	SpanObserverPanic = "observer_panic"
)

// Tracer creates the spans named by the Span* constants. The telemetry/otel
// package provides an OTEL-backed implementation. When no Tracer is
// configured, an Agent uses a no-op Tracer.
type Tracer interface {
	// Start creates a new span with the given name and optional attributes.
	// Returns a child context carrying the span and the span itself.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents a traced operation. Callers must call End() when the
// operation completes to flush the span to the configured exporter.
type Span interface {
	// SetAttr adds attributes to the span after creation.
	SetAttr(attrs ...SpanAttr)
	// Event records a named event (annotation) on the span timeline.
	Event(name string, attrs ...SpanAttr)
	// Error records an error on the span and marks it as failed.
	Error(err error)
	// End completes the span. Must be called exactly once.
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr creates a string-typed span attribute.
func StringAttr(k, v string) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// IntAttr creates an int-typed span attribute.
func IntAttr(k string, v int) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// BoolAttr creates a bool-typed span attribute.
func BoolAttr(k string, v bool) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// Float64Attr creates a float64-typed span attribute.
func Float64Attr(k string, v float64) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// noopTracer is used when an Agent is built without a Tracer: Start returns
// ctx unchanged and a Span whose methods do nothing.
type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ ...SpanAttr) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttr(...SpanAttr)        {}
func (noopSpan) Event(string, ...SpanAttr) {}
func (noopSpan) Error(error)               {}
func (noopSpan) End()                       {}
