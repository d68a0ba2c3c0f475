// Package otel configures the OpenTelemetry SDK for the broker proxy:
// OTLP push, stdout debugging output and a Prometheus scrape handler.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/terrpan/brokerproxy/internal/buildinfo"
)

const (
	exportInterval = 10 * time.Second
	batchTimeout   = time.Second
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push of traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics to stdout.
	StdOut bool

	// Prometheus collects metrics into a private registry exposed by
	// Telemetry.MetricsHandler.
	Prometheus bool
}

// Telemetry is the result of SetupOTelSDK.
type Telemetry struct {
	// Shutdown flushes and stops every provider. It is safe to call more
	// than once.
	Shutdown func(context.Context) error

	// MetricsHandler serves the Prometheus exposition format. It is nil
	// unless Config.Prometheus is set.
	MetricsHandler http.Handler
}

// SetupOTelSDK installs global tracer and meter providers for
// serviceName. Call it once at startup and defer Telemetry.Shutdown.
//
// A tracer provider is installed when OTLP push or stdout output is
// enabled; a meter provider when any metric reader is configured. With
// everything disabled the otel no-op providers stay in place.
func SetupOTelSDK(ctx context.Context, serviceName string, cfg Config) (*Telemetry, error) {
	var closers []func(context.Context) error
	tel := &Telemetry{
		Shutdown: func(ctx context.Context) error {
			var err error
			for _, fn := range closers {
				err = errors.Join(err, fn(ctx))
			}
			closers = nil
			return err
		},
	}
	fail := func(err error) (*Telemetry, error) {
		return nil, errors.Join(err, tel.Shutdown(ctx))
	}

	// Service attributes carry no schema URL; the detectors set it.
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return fail(fmt.Errorf("building resource: %w", err))
	}

	exporters, err := spanExporters(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if len(exporters) > 0 {
		opts := []trace.TracerProviderOption{trace.WithResource(res)}
		for _, exp := range exporters {
			opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(batchTimeout)))
		}
		tp := trace.NewTracerProvider(opts...)
		closers = append(closers, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	var registry *prometheus.Registry
	if cfg.Prometheus {
		registry = prometheus.NewRegistry()
		tel.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	readers, err := metricReaders(ctx, cfg, registry)
	if err != nil {
		return fail(err)
	}
	if len(readers) > 0 {
		opts := []metric.Option{metric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, metric.WithReader(r))
		}
		mp := metric.NewMeterProvider(opts...)
		closers = append(closers, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return tel, nil
}

func spanExporters(ctx context.Context, cfg Config) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter
	if cfg.Enabled {
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	if cfg.StdOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	return exporters, nil
}

// metricReaders builds one reader per enabled sink. registry is nil
// unless Prometheus is enabled.
func metricReaders(ctx context.Context, cfg Config, registry *prometheus.Registry) ([]metric.Reader, error) {
	var readers []metric.Reader
	if cfg.Enabled {
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		readers = append(readers, metric.NewPeriodicReader(exp, metric.WithInterval(exportInterval)))
	}
	if cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		readers = append(readers, metric.NewPeriodicReader(exp, metric.WithInterval(exportInterval)))
	}
	if registry != nil {
		exp, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		readers = append(readers, exp)
	}
	return readers, nil
}
