package serverapp

import (
	"context"
	"fmt"
	"log/slog"

	"cytoid-graphql/internal/config"
	"cytoid-graphql/internal/logging"
	"cytoid-graphql/internal/observability"
)

// InitLogger builds the process logger and makes it the slog default. When
// log exports are enabled, records are also sent to an OTLP logger provider
// that the caller owns.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	obs := cfg.Observability
	opts := logging.Config{Level: obs.Logging.Level, Format: obs.Logging.Format}
	logger := logging.NewLogger(opts)
	slog.SetDefault(logger.Logger)
	if !obs.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	target := obs.LogsConfig()
	provider, err := observability.InitLoggerProvider(providerConfig(cfg, target))
	if err != nil {
		return nil, nil, err
	}
	opts.LoggerProvider = provider.Provider()
	logger = logging.NewLogger(opts)
	slog.SetDefault(logger.Logger)
	logger.Info("log export enabled",
		slog.String("otlp_endpoint", target.Endpoint),
		slog.String("otlp_protocol", target.Protocol),
	)
	return logger, provider, nil
}

func providerConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	obs := cfg.Observability
	return observability.Config{
		ServiceName:      obs.ServiceName,
		ServiceVersion:   obs.ServiceVersion,
		Environment:      obs.Environment,
		TraceSampleRatio: obs.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
		},
	}
}

// telemetry holds the instruments shared by the handler chain. Every field is
// nil when metrics are disabled.
type telemetry struct {
	meterProvider   *observability.MeterProvider
	graphqlMetrics  *observability.GraphQLMetrics
	securityMetrics *observability.SecurityMetrics
}

// initTelemetry starts the meter and tracer providers that cfg enables and
// registers their shutdown with acquired.
func (a *App) initTelemetry(acquired *releasers) (telemetry, error) {
	var tel telemetry
	obs := a.cfg.Observability

	if obs.MetricsEnabled {
		mp, err := observability.InitMeterProvider(providerConfig(a.cfg, config.OTLPConfig{}))
		if err != nil {
			return tel, fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
		}
		acquired.add("meter provider", func(c context.Context) error {
			return mp.Shutdown(c, a.logger.Logger)
		})
		tel.meterProvider = mp

		if tel.graphqlMetrics, err = observability.InitGraphQLMetrics(); err != nil {
			return tel, fmt.Errorf("failed to create GraphQL metrics: %w", err)
		}
		if tel.securityMetrics, err = observability.InitSecurityMetrics(); err != nil {
			return tel, fmt.Errorf("failed to create security metrics: %w", err)
		}
		a.logger.Info("metrics enabled", slog.String("service_name", obs.ServiceName))
	}

	if obs.TracingEnabled {
		target := obs.TracesConfig()
		tp, err := observability.InitTracerProvider(providerConfig(a.cfg, target))
		if err != nil {
			return tel, fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
		}
		acquired.add("tracer provider", func(c context.Context) error {
			return tp.Shutdown(c, a.logger.Logger)
		})
		a.logger.Info("tracing enabled",
			slog.String("otlp_endpoint", target.Endpoint),
			slog.String("otlp_protocol", target.Protocol),
			slog.Float64("sample_ratio", obs.TraceSampleRatio),
		)
	}
	return tel, nil
}
