package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig holds tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Environment    string
	SamplingRate   float64
}

// TracingManager handles distributed tracing
type TracingManager struct {
	tracer   trace.Tracer
	config   *TracingConfig
	provider *sdktrace.TracerProvider
}

// NewTracingManager exports spans over OTLP/HTTP and installs the provider globally
func NewTracingManager(ctx context.Context, config *TracingConfig) (*TracingManager, error) {
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(config.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingManager{
		tracer:   tp.Tracer(config.ServiceName),
		config:   config,
		provider: tp,
	}, nil
}

// NewLocalTracingManager records spans in-process without exporting them
func NewLocalTracingManager(serviceName string) *TracingManager {
	tp := sdktrace.NewTracerProvider()
	return &TracingManager{
		tracer:   tp.Tracer(serviceName),
		config:   &TracingConfig{ServiceName: serviceName},
		provider: tp,
	}
}

// StartSpan starts a new span. A nil manager falls back to the global tracer.
func (tm *TracingManager) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tm == nil {
		return otel.Tracer("medrex").Start(ctx, operationName, opts...)
	}
	return tm.tracer.Start(ctx, operationName, opts...)
}

// StartHTTPSpan starts a span for HTTP requests
func (tm *TracingManager) StartHTTPSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return tm.StartSpan(ctx, fmt.Sprintf("%s %s", method, route),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.HTTPRoute(route),
		),
	)
}

// StartFlowSpan starts a span for a record flow
func (tm *TracingManager) StartFlowSpan(ctx context.Context, flow string) (context.Context, trace.Span) {
	return tm.StartSpan(ctx, "records."+flow,
		trace.WithAttributes(
			attribute.String("records.flow", flow),
			attribute.Bool("phi.sensitive", true),
		),
	)
}

// StartLedgerSpan starts a client span for a contract method
func (tm *TracingManager) StartLedgerSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return tm.StartSpan(ctx, "ledger."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ledger.method", method),
		),
	)
}

// StartStoreSpan starts a client span for a document store operation
func (tm *TracingManager) StartStoreSpan(ctx context.Context, backend, operation string) (context.Context, trace.Span) {
	return tm.StartSpan(ctx, "store."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("store.backend", backend),
			attribute.String("store.operation", operation),
		),
	)
}

// RecordError records an error in the span
func (tm *TracingManager) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes pending spans
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm == nil || tm.provider == nil {
		return nil
	}
	return tm.provider.Shutdown(ctx)
}

// ExtractTraceContext extracts the caller's trace context from HTTP headers
func (tm *TracingManager) ExtractTraceContext(ctx context.Context, headers propagation.HeaderCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, headers)
}

// InjectTraceContext writes the current trace context into HTTP headers
func (tm *TracingManager) InjectTraceContext(ctx context.Context, headers propagation.HeaderCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, headers)
}

// TraceIDFromContext extracts trace ID from context
func (tm *TracingManager) TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// SpanIDFromContext extracts span ID from context
func (tm *TracingManager) SpanIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}
