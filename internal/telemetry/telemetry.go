// Package telemetry wraps OpenTelemetry span creation for per-turn and
// per-tool-call tracing, generalized from the teacher's
// internal/observability.Tracer (message/LLM/webhook spans) down to this
// engine's turn/model/tool/supervisor domain. Unlike the teacher, this
// package has no OTLP exporter wired (out of the example pack's go.mod
// surface for this module); its TracerProvider is otherwise fully real and
// ready for a processor/exporter to be attached at startup.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the tracer's resource attributes and sampling rate.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64 // 0.0-1.0; defaults to 1.0
}

// Tracer issues spans for turns, model calls, tool executions, and
// supervisor lifecycle events.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a Tracer and registers its provider as the global one. The
// returned shutdown func must be called on process exit.
func New(cfg Config) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "coderd"
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown
}

// StartTurn opens a span covering one agent turn.
func (t *Tracer) StartTurn(ctx context.Context, mode, conversationID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "turn", trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(
		attribute.String("turn.mode", mode),
		attribute.String("turn.conversation_id", conversationID),
	))
}

// StartModelCall opens a span covering one model-client request.
func (t *Tracer) StartModelCall(ctx context.Context, role, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("model.%s", role), trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("model.role", role),
		attribute.String("model.name", model),
	))
}

// StartToolExecution opens a span covering one tool call.
func (t *Tracer) StartToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("tool.%s", toolName), trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(
		attribute.String("tool.name", toolName),
	))
}

// StartSupervisorStart opens a span covering one project supervisor start
// attempt.
func (t *Tracer) StartSupervisorStart(ctx context.Context, projectPath string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "supervisor.start", trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(
		attribute.String("project.path", projectPath),
	))
}

// RecordError marks span as failed and attaches err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
