// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires the OpenTelemetry SDK, the trace-aware slog
// handler and the execution metrics.
package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer and meter used by the runtime.
const InstrumentationName = "github.com/jllopis/kairosforge"

// ErrDisabled is returned by Init when no exporter is configured.
var ErrDisabled = stderrors.New("telemetry disabled")

// ShutdownFunc flushes and releases telemetry resources.
type ShutdownFunc func(context.Context) error

// Config controls exporter selection.
type Config struct {
	Exporter       string // none, stdout, otlp
	OTLPEndpoint   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string

	// Writer receives stdout exporter output; defaults to os.Stdout.
	Writer io.Writer
}

// Providers holds the initialised SDK providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	Shutdown       ShutdownFunc
}

// Tracer returns the runtime tracer.
func (p *Providers) Tracer() oteltrace.Tracer {
	return p.TracerProvider.Tracer(InstrumentationName)
}

// Meter returns the runtime meter.
func (p *Providers) Meter() otelmetric.Meter {
	return p.MeterProvider.Meter(InstrumentationName)
}

// Init initialises the SDK for cfg and registers the providers globally.
// It returns ErrDisabled for the "none" exporter so callers can fall back
// to untraced execution.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		return nil, ErrDisabled
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "kairosforge"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var (
		spanExporter   sdktrace.SpanExporter
		metricExporter metric.Exporter
	)
	switch cfg.Exporter {
	case "stdout":
		spanExporter, metricExporter, err = stdoutExporters(cfg)
	case "otlp":
		spanExporter, metricExporter, err = otlpExporters(ctx, cfg)
	default:
		err = fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(time.Minute))),
		metric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		Shutdown: func(ctx context.Context) error {
			return stderrors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

func stdoutExporters(cfg Config) (sdktrace.SpanExporter, metric.Exporter, error) {
	traceOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	metricOpts := []stdoutmetric.Option{}
	if cfg.Writer != nil {
		traceOpts = append(traceOpts, stdouttrace.WithWriter(cfg.Writer))
		metricOpts = append(metricOpts, stdoutmetric.WithWriter(cfg.Writer))
	}
	se, err := stdouttrace.New(traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}
	me, err := stdoutmetric.New(metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return se, me, nil
}

func otlpExporters(ctx context.Context, cfg Config) (sdktrace.SpanExporter, metric.Exporter, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, nil, fmt.Errorf("otlp endpoint is required")
	}
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	se, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}
	me, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}
	return se, me, nil
}
