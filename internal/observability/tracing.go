package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	SampleRate     float64 `yaml:"sample_rate" mapstructure:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string  `yaml:"service_version" mapstructure:"service_version"`
}

// TracerProvider wraps the OpenTelemetry tracer.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a new tracer provider. Disabled tracing returns
// a noop tracer so span helpers stay safe to call everywhere.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("hive"),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "hive"
	}

	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	endpoint := config.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)

	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("hive"),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a new span, carrying agent and task identity from the context.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if agentID := AgentIDFromContext(ctx); agentID != "" {
		attrs = append(attrs, attribute.String(AttrAgentID, agentID))
	}
	if taskID := TaskIDFromContext(ctx); taskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	}

	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names
const (
	SpanTaskClaim      = "hive.task.claim"
	SpanTaskComplete   = "hive.task.complete"
	SpanTaskFail       = "hive.task.fail"
	SpanWorkerIterate  = "hive.worker.iterate"
	SpanMemorySearch   = "hive.memory.search"
	SpanMemoryCompact  = "hive.memory.compact"
	SpanQualityRecord  = "hive.quality.record"
	SpanJanitorSweep   = "hive.janitor.sweep"
	SpanRunnerExecute  = "hive.runner.execute"
	SpanEmbeddingBatch = "hive.embedding.batch"
)

// Common attribute keys
const (
	AttrAgentID   = "hive.agent_id"
	AttrTaskID    = "hive.task_id"
	AttrMessageID = "hive.message_id"
	AttrMemoryID  = "hive.memory_id"
	AttrPriority  = "hive.priority"
	AttrStatus    = "hive.status"
	AttrAttempt   = "hive.attempt"
	AttrError     = "hive.error"
)

// TaskAttrs creates task attributes.
func TaskAttrs(taskID, priority string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrPriority, priority),
	}
}

// AgentAttrs creates agent attributes.
func AgentAttrs(agentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrAgentID, agentID),
	}
}

// StatusAttrs creates status attributes.
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// ErrorAttrs creates error attributes.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
