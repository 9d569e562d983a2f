package observability

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerConfig holds configuration for OpenTelemetry tracing
type TracerConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `mapstructure:"service_name"` // Service name for traces
	Environment string  `mapstructure:"environment"`  // Environment (development, staging, production)
	SampleRate  float64 `mapstructure:"sample_rate"`  // Sample rate 0.0-1.0 (1.0 = 100%)
	Insecure    bool    `mapstructure:"insecure"`     // Use insecure connection (for local dev)
}

// DefaultTracerConfig returns sensible defaults for tracing
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:     false,
		Endpoint:    "localhost:4317",
		ServiceName: "cirrus",
		Environment: "development",
		SampleRate:  1.0,
		Insecure:    true,
	}
}

// Tracer wraps OpenTelemetry tracer functionality
type Tracer struct {
	provider *sdktrace.TracerProvider
	enabled  bool
}

// NewTracer creates a new OpenTelemetry tracer
func NewTracer(ctx context.Context, cfg TracerConfig) (*Tracer, error) {
	if !cfg.Enabled {
		log.Info().Msg("OpenTelemetry tracing is disabled")
		return &Tracer{enabled: false}, nil
	}

	// Fill unset fields from the defaults
	defaults := DefaultTracerConfig()
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaults.ServiceName
	}
	if cfg.Environment == "" {
		cfg.Environment = defaults.Environment
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaults.SampleRate
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}

	// Create OTLP exporter
	var opts []otlptracegrpc.Option
	opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("0.1.0"),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("service.namespace", "cirrus"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create sampler based on configuration
	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if cfg.SampleRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(cfg.SampleRate),
		)
	}

	// Create trace provider
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Set global tracer provider
	otel.SetTracerProvider(provider)

	// Set global propagator for distributed tracing
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Float64("sample_rate", cfg.SampleRate).
		Msg("OpenTelemetry tracing initialized")

	return &Tracer{
		provider: provider,
		enabled:  true,
	}, nil
}

// Shutdown gracefully shuts down the tracer
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		log.Info().Msg("Shutting down OpenTelemetry tracer")
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// IsEnabled returns whether tracing is enabled
func (t *Tracer) IsEnabled() bool {
	return t.enabled
}

// Database tracing helpers

// StartDBSpan starts a span for a database operation
func StartDBSpan(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	tracer := otel.Tracer("cirrus-db")
	return tracer.Start(ctx, fmt.Sprintf("db.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBOperation(operation),
			attribute.String("db.table", table),
		),
	)
}

// Storage tracing helpers

// StartStorageSpan starts a span for a storage provider operation
func StartStorageSpan(ctx context.Context, operation, backend, key string) (context.Context, trace.Span) {
	tracer := otel.Tracer("cirrus-storage")
	return tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("storage.operation", operation),
			attribute.String("storage.backend", backend),
			attribute.String("storage.key", key),
		),
	)
}

// EndSpan ends a span started by one of the helpers above, recording
// the error when the operation failed
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Log correlation helpers

// ExtractTraceID extracts the trace ID from context as a string
func ExtractTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// ExtractSpanID extracts the span ID from context as a string
func ExtractSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasSpanID() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}
