// Package observability wires OpenTelemetry for the server: Prometheus
// metrics, OTLP traces and OTLP logs over gRPC or HTTP.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceNamespace groups the service with the rest of the Cytoid backend.
const ServiceNamespace = "cytoid"

const flushTimeout = 5 * time.Second

// Config describes the service resource and where signals are exported.
type Config struct {
	ServiceName      string
	ServiceVersion   string
	Environment      string
	TraceSampleRatio float64
	OTLPConfig       OTLPExporterConfig
}

func (c Config) resource() (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.namespace", ServiceNamespace),
		attribute.String("service.version", c.ServiceVersion),
		attribute.String("deployment.environment", c.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// flush stops one provider within flushTimeout and logs the outcome.
func flush(ctx context.Context, logger *slog.Logger, name string, stop func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Error(name+" shutdown failed", slog.String("error", err.Error()))
		return err
	}
	logger.Debug(name + " flushed")
	return nil
}

// MeterProvider is the global meter provider, read by the Prometheus
// exporter on the default registry.
type MeterProvider struct {
	provider *metric.MeterProvider
	exporter *prometheus.Exporter
}

func InitMeterProvider(cfg Config) (*MeterProvider, error) {
	res, err := cfg.resource()
	if err != nil {
		return nil, err
	}
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := &MeterProvider{
		provider: metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(exporter)),
		exporter: exporter,
	}
	otel.SetMeterProvider(mp.provider)
	return mp, nil
}

func (mp *MeterProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return flush(ctx, logger, "meter provider", mp.provider.Shutdown)
}

// TracerProvider is the global tracer provider, batching spans to OTLP.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

func InitTracerProvider(cfg Config) (*TracerProvider, error) {
	res, err := cfg.resource()
	if err != nil {
		return nil, err
	}
	exporter, err := newTraceExporter(context.Background(), cfg.OTLPConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	tp := &TracerProvider{provider: sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(traceSamplerForRatio(cfg.TraceSampleRatio)),
	)}
	otel.SetTracerProvider(tp.provider)
	return tp, nil
}

// traceSamplerForRatio drops everything at 0 and keeps everything at 1. In
// between, root spans are sampled by trace id and children follow their
// parent.
func traceSamplerForRatio(ratio float64) sdktrace.Sampler {
	if ratio <= 0 {
		return sdktrace.NeverSample()
	}
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func (tp *TracerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return flush(ctx, logger, "tracer provider", tp.provider.Shutdown)
}

// LoggerProvider batches slog records to OTLP. It is not installed globally;
// hand Provider to logging.Config.
type LoggerProvider struct {
	provider *log.LoggerProvider
}

func InitLoggerProvider(cfg Config) (*LoggerProvider, error) {
	res, err := cfg.resource()
	if err != nil {
		return nil, err
	}
	exporter, err := newLogExporter(context.Background(), cfg.OTLPConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}
	return &LoggerProvider{provider: log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(exporter)),
	)}, nil
}

func (lp *LoggerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return flush(ctx, logger, "logger provider", lp.provider.Shutdown)
}

func (lp *LoggerProvider) Provider() *log.LoggerProvider {
	return lp.provider
}
