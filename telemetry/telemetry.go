package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/getlantern/golog"
	"github.com/getlantern/ops"

	"github.com/outpostd/outpostd/config"
)

var (
	log = golog.LoggerFor("telemetry")
)

// Start configures opentelemetry for collecting metrics and traces, and
// returns a function to shut down telemetry collection. When telemetry is
// disabled it returns a no-op shutdown.
func Start(cfg *config.TelemetryConfig) func() {
	if !cfg.Enabled {
		log.Debug("Telemetry disabled, will not report traces and metrics")
		return func() {}
	}

	ctx := context.Background()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	)

	traceExporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	))
	if err != nil {
		log.Errorf("Unable to initialize trace exporter, will not report traces and metrics: %v", err)
		return func() {}
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		log.Errorf("Unable to initialize metric exporter, will not report metrics: %v", err)
		metricExporter = nil
	}
	var mp *sdkmetric.MeterProvider
	if metricExporter != nil {
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(15*time.Second))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
	}

	ops.EnableOpenTelemetry(cfg.ServiceName)
	log.Debugf("Will report traces and metrics to %v", cfg.Endpoint)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if mp != nil {
			if err := mp.Shutdown(shutdownCtx); err != nil {
				log.Errorf("error shutting down meter provider: %v", err)
			}
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Errorf("error shutting down tracer provider: %v", err)
		}
	}
}
