package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with relay-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include parameters in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer on the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFrom creates a tracer on a specific provider.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Command Spans ---

// StartCommandSpan starts a span for one inbound downstream command.
func (t *Tracer) StartCommandSpan(ctx context.Context, relay, cmdType, id string, params map[string]any) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "command."+cmdType, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("relay.name", relay),
		attribute.String("command.type", cmdType),
		attribute.String("command.id", id),
	)
	if t.debug {
		for k, v := range params {
			span.SetAttributes(attribute.String("command.param."+k, truncateAny(v, 200)))
		}
	}
	return ctx, span
}

// --- Publish Spans ---

// StartPublishSpan starts a span for one outbound envelope.
func (t *Tracer) StartPublishSpan(ctx context.Context, relay, source, topic string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "publish."+topic, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("relay.name", relay),
		attribute.String("envelope.source", source),
		attribute.String("envelope.topic", topic),
	)
	return ctx, span
}

// --- Bus Spans ---

// StartBusRequestSpan starts a span for a command forwarded on the control bus.
func (t *Tracer) StartBusRequestSpan(ctx context.Context, subject string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "bus.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("bus.subject", subject))
	return ctx, span
}

// EndSpan records err, if any, and ends the span.
func (t *Tracer) EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v any, maxLen int) string {
	switch val := v.(type) {
	case string:
		return truncate(val, maxLen)
	case nil:
		return ""
	default:
		return truncate(fmt.Sprint(val), maxLen)
	}
}
