// Package otel implements agentloop.Tracer on top of OpenTelemetry, so
// the spans an Agent starts (and span-start/span-error counters) flow to any
// OTLP-compatible backend.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cortexflow/agentloop"
)

const scopeName = "github.com/cortexflow/agentloop/telemetry/otel"

// Tracer implements agentloop.Tracer using the global OTEL TracerProvider.
// Call Init first to configure OTLP exporters; otherwise spans go to OTEL's
// default no-op backend.
type Tracer struct {
	inner trace.Tracer
	instr *Instruments
}

// NewTracer returns an agentloop.Tracer backed by the global TracerProvider.
// If instr is non-nil, span-start and span-error counters (labelled by span
// name) are recorded alongside spans.
func NewTracer(instr *Instruments) *Tracer {
	return &Tracer{inner: otel.Tracer(scopeName), instr: instr}
}

func (t *Tracer) Start(ctx context.Context, name string, attrs ...agentloop.SpanAttr) (context.Context, agentloop.Span) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))
	if t.instr != nil {
		recordSpanStart(ctx, t.instr, name)
	}
	return ctx, &span_{inner: span, instr: t.instr, name: name, ctx: ctx}
}

// span_ implements agentloop.Span using an OTEL trace.Span. Named with a
// trailing underscore to avoid colliding with the imported trace.Span type.
type span_ struct {
	inner trace.Span
	instr *Instruments
	name  string
	ctx   context.Context
}

func (s *span_) SetAttr(attrs ...agentloop.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *span_) Event(name string, attrs ...agentloop.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *span_) Error(err error) {
	if err == nil {
		return
	}
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
	if s.instr != nil {
		recordSpanError(s.ctx, s.instr, s.name)
	}
}

func (s *span_) End() {
	s.inner.End()
}

func toOTELAttr(a agentloop.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

var (
	_ agentloop.Tracer = (*Tracer)(nil)
	_ agentloop.Span   = (*span_)(nil)
)
