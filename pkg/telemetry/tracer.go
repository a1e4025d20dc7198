package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer. It satisfies engine.Tracer.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates the tracer of a process. With tracing disabled spans are
// created on a provider that never samples.
func NewTracer(cfg *Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{
			provider: provider,
			tracer:   provider.Tracer(cfg.ServiceName),
			config:   tc,
		}, nil
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	}
	if cfg.Role != "" {
		attrs = append(attrs, AttrRole.String(cfg.Role))
	}
	if cfg.WorkerID != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(cfg.WorkerID))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch tc.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(tc)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "", "none":
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", tc.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(tc.MaxExportBatchSize),
			sdktrace.WithExportTimeout(tc.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		config:   tc,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	return otlptracegrpc.New(context.Background(), opts...)
}

// StartSpan starts a span carrying the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartStepSpan starts the span of one dispatched step.
func (t *Tracer) StartStepSpan(ctx context.Context, taskID, program, step string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "task.step",
		AttrTaskID.String(taskID),
		AttrProgram.String(program),
		AttrStep.String(step),
	)
}

// StartScanSpan starts the span of one monitor scan.
func (t *Tracer) StartScanSpan(ctx context.Context, worker string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "monitor.scan", AttrWorker.String(worker))
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Attribute keys used on keel spans.
var (
	AttrTaskID    = attribute.Key("task.id")
	AttrProgram   = attribute.Key("task.program")
	AttrStep      = attribute.Key("task.step")
	AttrDirective = attribute.Key("task.directive")
	AttrWorker    = attribute.Key("worker.id")
	AttrRole      = attribute.Key("keel.role")
	AttrResource  = attribute.Key("resource.id")
)
