// Package tracing installs the OpenTelemetry tracer provider. Tracing is opt-in: with tracing
// disabled or no endpoint, Setup leaves the global no-op provider in place.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/c360/backtrack/errors"
)

// Config controls span export.
type Config struct {
	Enabled     bool    `json:"enabled"      yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `json:"endpoint"     yaml:"endpoint"     env:"ENDPOINT"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// DefaultConfig samples every trace once enabled.
func DefaultConfig() Config {
	return Config{SampleRatio: 1}
}

// Validate checks the sampling ratio.
func (c Config) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tracing", "Validate", "sample_ratio must be within [0, 1]")
	}
	return nil
}

// Setup initialises tracing for serviceName. The returned shutdown function flushes pending spans
// and should be deferred by the caller.
func Setup(ctx context.Context, serviceName, version string, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, errors.WrapFatal(err, "tracing", "Setup", "create OTLP exporter")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return noop, errors.WrapFatal(err, "tracing", "Setup", "build resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
