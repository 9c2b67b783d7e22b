package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the name of the tracer for sync operations.
const TracerName = "rostersync"

// Span attribute keys
const (
	AttrRunID    = "run_id"
	AttrMode     = "mode"
	AttrTrigger  = "trigger"
	AttrKind     = "kind"
	AttrBaseName = "base_name"
	AttrService  = "service"
	AttrOp       = "operation"
)

// Span names
const (
	SpanRun    = "sync.run"
	SpanEntity = "sync.entity"
)

// Tracer provides distributed tracing for sync operations. Without an SDK
// installed the global provider is a no-op, so tracing is safe to leave
// unwired in one-shot runs and tests.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a sync tracer on the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// StartRunSpan starts the root span for one sync run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, mode string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanRun,
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.String(AttrMode, mode),
		),
	)
}

// StartEntitySpan starts a span for reconciling one entity.
func (t *Tracer) StartEntitySpan(ctx context.Context, kind, baseName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanEntity,
		trace.WithAttributes(
			attribute.String(AttrKind, kind),
			attribute.String(AttrBaseName, baseName),
		),
	)
}

// StartReconcilerSpan starts a span for one reconciler invocation.
func (t *Tracer) StartReconcilerSpan(ctx context.Context, service string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sync.reconciler."+service,
		trace.WithAttributes(
			attribute.String(AttrService, service),
		),
	)
}

// StartClientSpan starts a span for one outbound client call.
func (t *Tracer) StartClientSpan(ctx context.Context, service, op string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "client."+service+"."+op,
		trace.WithAttributes(
			attribute.String(AttrService, service),
			attribute.String(AttrOp, op),
		),
	)
}

// SpanHelper provides convenient methods for working with a span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// SetCounts records result counts on the span.
func (h *SpanHelper) SetCounts(succeeded, skipped, failed int) {
	h.span.SetAttributes(
		attribute.Int("records_succeeded", succeeded),
		attribute.Int("records_skipped", skipped),
		attribute.Int("records_failed", failed),
	)
}

// AddEvent adds an event to the span.
func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// GetSpanID returns the span ID from the context.
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasSpanID() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}
