package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// OTLPExporterConfig is shared by the trace and log exporters.
type OTLPExporterConfig struct {
	Endpoint          string
	Protocol          string // grpc or http/protobuf
	Insecure          bool
	TLSCertFile       string
	TLSClientCertFile string
	TLSClientKeyFile  string
	Headers           map[string]string
	Timeout           time.Duration
	Compression       string
	RetryEnabled      bool
}

type otlpProtocol string

const (
	otlpProtocolGRPC otlpProtocol = "grpc"
	otlpProtocolHTTP otlpProtocol = "http/protobuf"
)

func parseOTLPProtocol(value string) (otlpProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(otlpProtocolGRPC):
		return otlpProtocolGRPC, nil
	case "http", string(otlpProtocolHTTP):
		return otlpProtocolHTTP, nil
	}
	return "", fmt.Errorf("unsupported OTLP protocol %q (use grpc or http/protobuf)", value)
}

// Exporter retry bounds when retries are enabled.
const (
	retryInitial = time.Second
	retryMax     = 5 * time.Second
	retryElapsed = 30 * time.Second
)

// exportTarget is an OTLPExporterConfig with the protocol parsed and the
// TLS material loaded.
type exportTarget struct {
	OTLPExporterConfig
	protocol otlpProtocol
	tls      *tls.Config
	url      bool // Endpoint is a full URL rather than host:port
	gzip     bool
}

func resolveTarget(cfg OTLPExporterConfig) (exportTarget, error) {
	protocol, err := parseOTLPProtocol(cfg.Protocol)
	if err != nil {
		return exportTarget{}, err
	}
	t := exportTarget{
		OTLPExporterConfig: cfg,
		protocol:           protocol,
		url:                strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://"),
		gzip:               cfg.Compression == "gzip",
	}
	if !cfg.Insecure {
		if t.tls, err = buildTLSConfig(cfg); err != nil {
			return exportTarget{}, err
		}
	}
	return t, nil
}

func buildTLSConfig(cfg OTLPExporterConfig) (*tls.Config, error) {
	out := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCertFile != "" {
		pem, err := os.ReadFile(cfg.TLSCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read OTLP TLS CA file: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse OTLP TLS CA file")
		}
		out.RootCAs = roots
	}

	switch {
	case cfg.TLSClientCertFile == "" && cfg.TLSClientKeyFile == "":
	case cfg.TLSClientCertFile == "" || cfg.TLSClientKeyFile == "":
		return nil, errors.New("OTLP TLS client cert and key must both be set")
	default:
		pair, err := tls.LoadX509KeyPair(cfg.TLSClientCertFile, cfg.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load OTLP TLS client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}
	return out, nil
}

func newTraceExporter(ctx context.Context, cfg OTLPExporterConfig) (sdktrace.SpanExporter, error) {
	t, err := resolveTarget(cfg)
	if err != nil {
		return nil, err
	}
	if t.protocol == otlpProtocolGRPC {
		return otlptracegrpc.New(ctx, traceGRPCOptions(t)...)
	}
	return otlptracehttp.New(ctx, traceHTTPOptions(t)...)
}

func traceGRPCOptions(t exportTarget) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(t.Endpoint),
		otlptracegrpc.WithHeaders(t.Headers),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled: t.RetryEnabled, InitialInterval: retryInitial, MaxInterval: retryMax, MaxElapsedTime: retryElapsed,
		}),
	}
	if t.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(t.tls)))
	}
	if t.Timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(t.Timeout))
	}
	if t.gzip {
		opts = append(opts, otlptracegrpc.WithCompressor("gzip"))
	}
	return opts
}

func traceHTTPOptions(t exportTarget) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithHeaders(t.Headers),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled: t.RetryEnabled, InitialInterval: retryInitial, MaxInterval: retryMax, MaxElapsedTime: retryElapsed,
		}),
	}
	if t.url {
		opts = append(opts, otlptracehttp.WithEndpointURL(t.Endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(t.Endpoint))
	}
	if t.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(t.tls))
	}
	if t.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(t.Timeout))
	}
	if t.gzip {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}
	return opts
}

func newLogExporter(ctx context.Context, cfg OTLPExporterConfig) (log.Exporter, error) {
	t, err := resolveTarget(cfg)
	if err != nil {
		return nil, err
	}
	if t.protocol == otlpProtocolGRPC {
		return otlploggrpc.New(ctx, logGRPCOptions(t)...)
	}
	return otlploghttp.New(ctx, logHTTPOptions(t)...)
}

func logGRPCOptions(t exportTarget) []otlploggrpc.Option {
	opts := []otlploggrpc.Option{
		otlploggrpc.WithEndpoint(t.Endpoint),
		otlploggrpc.WithHeaders(t.Headers),
		otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
			Enabled: t.RetryEnabled, InitialInterval: retryInitial, MaxInterval: retryMax, MaxElapsedTime: retryElapsed,
		}),
	}
	if t.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	} else {
		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(t.tls)))
	}
	if t.Timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(t.Timeout))
	}
	if t.gzip {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	return opts
}

func logHTTPOptions(t exportTarget) []otlploghttp.Option {
	opts := []otlploghttp.Option{
		otlploghttp.WithHeaders(t.Headers),
		otlploghttp.WithRetry(otlploghttp.RetryConfig{
			Enabled: t.RetryEnabled, InitialInterval: retryInitial, MaxInterval: retryMax, MaxElapsedTime: retryElapsed,
		}),
	}
	if t.url {
		opts = append(opts, otlploghttp.WithEndpointURL(t.Endpoint))
	} else {
		opts = append(opts, otlploghttp.WithEndpoint(t.Endpoint))
	}
	if t.Insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	} else {
		opts = append(opts, otlploghttp.WithTLSClientConfig(t.tls))
	}
	if t.Timeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(t.Timeout))
	}
	if t.gzip {
		opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
	}
	return opts
}
