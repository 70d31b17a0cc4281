package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer with vessel-migration helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // include peer addresses and digests in spans
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

// NewTracer creates a tracer named name from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// SetDebug enables or disables debug attributes.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug attributes are enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Respawn Spans ---

// RespawnSpanOptions describes a finished migration attempt.
type RespawnSpanOptions struct {
	Successor  string
	Collected  int
	Threshold  int
	Requests   int
	NextVessel string
	Duration   time.Duration
}

// StartRespawnSpan starts the span covering one migration of agent.
func (t *Tracer) StartRespawnSpan(ctx context.Context, agent string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "respawn", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("respawn.agent", agent))
	return ctx, span
}

// EndRespawnSpan ends a respawn span.
func (t *Tracer) EndRespawnSpan(span trace.Span, opts RespawnSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("respawn.successor", opts.Successor),
		attribute.Int("respawn.collected", opts.Collected),
		attribute.Int("respawn.threshold", opts.Threshold),
		attribute.Int("respawn.requests", opts.Requests),
		attribute.Int64("respawn.duration_ms", opts.Duration.Milliseconds()),
	}
	if opts.NextVessel != "" {
		attrs = append(attrs, attribute.String("respawn.next_vessel", opts.NextVessel))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Fragment Spans ---

// FragmentSpanOptions describes one fragment exchange.
type FragmentSpanOptions struct {
	Outcome string
	Attempt int
	Digest  string // only with debug
}

// StartFragmentSpan starts a span for requesting (client) or granting
// (server) one fragment.
func (t *Tracer) StartFragmentSpan(ctx context.Context, role, fragment, peer string) (context.Context, trace.Span) {
	kind := trace.SpanKindClient
	if role == "grant" {
		kind = trace.SpanKindServer
	}
	ctx, span := t.tracer.Start(ctx, "fragment."+role, trace.WithSpanKind(kind))
	span.SetAttributes(
		attribute.String("fragment.key", fragment),
		attribute.String("fragment.peer", peer),
	)
	return ctx, span
}

// EndFragmentSpan ends a fragment span.
func (t *Tracer) EndFragmentSpan(span trace.Span, opts FragmentSpanOptions, err error) {
	attrs := []attribute.KeyValue{attribute.String("fragment.outcome", opts.Outcome)}
	if opts.Attempt > 0 {
		attrs = append(attrs, attribute.Int("fragment.attempt", opts.Attempt))
	}
	if t.debug && opts.Digest != "" {
		attrs = append(attrs, attribute.String("fragment.digest", opts.Digest))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Carry returns ctx's trace context as a map, or nil when there is none.
func Carry(ctx context.Context) map[string]string {
	c := MapCarrier{}
	InjectContext(ctx, c)
	if len(c) == 0 {
		return nil
	}
	return c
}
