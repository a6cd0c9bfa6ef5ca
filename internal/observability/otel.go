// Package observability wires up the process-wide telemetry for Civitas:
// a slog logger tagged with the service name, an OTLP trace pipeline, and
// a Prometheus-backed meter provider scraped via /metrics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const shutdownGrace = 10 * time.Second

// Config controls telemetry bootstrap.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string // deployment.environment.name resource attribute
	LogLevel       string
	LogFormat      string
	OTLPEndpoint   string  // empty disables trace export entirely
	SampleRatio    float64 // fraction of root traces kept; <=0 means keep all
}

// Provider owns the SDK providers created by New and flushes them on Shutdown.
type Provider struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	logger  *slog.Logger
}

// New builds the logger and telemetry providers and installs them as the
// otel globals. The returned logger carries the service name on every record.
func New(ctx context.Context, cfg *Config) (*Provider, *slog.Logger, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat).With("service", cfg.ServiceName)

	res, err := newResource(cfg)
	if err != nil {
		return nil, nil, err
	}

	tp, err := newTracerProvider(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, nil, err
	}
	otel.SetMeterProvider(mp)

	return &Provider{traces: tp, metrics: mp, logger: logger}, logger, nil
}

// Shutdown flushes both pipelines, giving each a bounded grace period.
func (p *Provider) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	if err := p.traces.Shutdown(ctx); err != nil {
		p.logger.Error("trace pipeline shutdown", "err", err)
	}
	if err := p.metrics.Shutdown(ctx); err != nil {
		p.logger.Error("metric pipeline shutdown", "err", err)
	}
}

func newResource(cfg *Config) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(
			semconv.DeploymentEnvironmentName(cfg.Environment),
		))
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, resource.WithAttributes(semconv.HostName(host)))
	}

	res, err := resource.New(context.Background(), attrs...)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}
	return resource.Merge(resource.Default(), res)
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	if cfg.OTLPEndpoint == "" {
		// Spans are still recorded locally for context propagation but
		// never leave the process.
		logger.Debug("no OTLP endpoint configured, trace export disabled")
		return sdktrace.NewTracerProvider(opts...), nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("build otlp trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(append(opts, sdktrace.WithBatcher(exp))...), nil
}

func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	reader, err := otelprometheus.New()
	if err != nil {
		return nil, fmt.Errorf("build prometheus reader: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	), nil
}

func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
