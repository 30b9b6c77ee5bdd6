package config

import (
	"context"
	"errors"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/version"
)

const StdoutEndpoint = "stdout"

type Telemetry struct {
	meters  *sdkmetric.MeterProvider
	tracers *sdktrace.TracerProvider
}

// SetupTelemetry installs global meter and tracer providers exporting to
// TelemetryEndpoint.
func SetupTelemetry(ctx context.Context) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", "rbx"),
			attribute.String("service.version", version.Version),
		))
	if err != nil {
		return nil, err
	}
	metricReader, err := newMetricReader(ctx)
	if err != nil {
		return nil, err
	}
	spanExporter, err := newSpanExporter(ctx)
	if err != nil {
		return nil, err
	}
	t := &Telemetry{
		meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(metricReader)),
		tracers: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(spanExporter)),
	}
	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracers)
	return t, nil
}

func newMetricReader(ctx context.Context) (sdkmetric.Reader, error) {
	var exporter sdkmetric.Exporter
	var err error
	if TelemetryEndpoint == StdoutEndpoint {
		exporter, err = stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
	} else {
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(TelemetryEndpoint),
			otlpmetricgrpc.WithInsecure())
	}
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second)), nil
}

func newSpanExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if TelemetryEndpoint == StdoutEndpoint {
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	}
	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(TelemetryEndpoint),
		otlptracegrpc.WithInsecure())
}

// Shutdown flushes pending data.
func (t *Telemetry) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := errors.Join(
		t.tracers.Shutdown(ctx),
		t.meters.Shutdown(ctx))
	if err != nil {
		log.Warn("telemetry shutdown", log.ErrorField(err))
	}
}
