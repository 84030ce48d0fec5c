package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracingConfig holds configuration for tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// Tracing provides OpenTelemetry spans around the analyze/route/dispatch
// pipeline.
type Tracing struct {
	config TracingConfig
	tracer trace.Tracer
}

// NewTracing creates a tracing instance. Without a configured global tracer
// provider this is a no-op tracer, which is the intended default.
func NewTracing(config TracingConfig, logger *zap.Logger) *Tracing {
	if !config.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
	}
	return &Tracing{
		config: config,
		tracer: otel.Tracer(config.ServiceName),
	}
}

// StartSpan starts a span for the given operation.
func (t *Tracing) StartSpan(ctx context.Context, operation string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, opts...)
}

// SetAttributes sets string attributes on the current span.
func (t *Tracing) SetAttributes(ctx context.Context, attributes map[string]string) {
	span := trace.SpanFromContext(ctx)
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	span.SetAttributes(attrs...)
}

// RecordError records an error on the current span.
func (t *Tracing) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// IsEnabled reports whether tracing is enabled.
func (t *Tracing) IsEnabled() bool {
	return t.config.Enabled
}
