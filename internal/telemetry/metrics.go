// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/jeranaias/rigrun-chat/internal/config"
)

// ServiceName identifies rigrun-chat in exported telemetry.
const ServiceName = "rigrun-chat"

// Instrument names.
const (
	MetricFragments       = "chat.fragments"
	MetricParseErrors     = "chat.parse_errors"
	MetricRequests        = "chat.requests"
	MetricRequestDuration = "chat.request.duration"
)

// =============================================================================
// RECORDER
// =============================================================================

// Metrics records streaming client activity. It satisfies cloud.Recorder.
type Metrics struct {
	fragments   metric.Int64Counter
	parseErrors metric.Int64Counter
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewMetrics creates the chat instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	fragments, err := meter.Int64Counter(MetricFragments,
		metric.WithDescription("Content fragments received from the completion stream"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricFragments, err)
	}
	parseErrors, err := meter.Int64Counter(MetricParseErrors,
		metric.WithDescription("Stream lines that failed to decode"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricParseErrors, err)
	}
	requests, err := meter.Int64Counter(MetricRequests,
		metric.WithDescription("Completion requests by response status"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricRequests, err)
	}
	duration, err := meter.Float64Histogram(MetricRequestDuration,
		metric.WithDescription("Time until response headers arrive"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricRequestDuration, err)
	}
	return &Metrics{
		fragments:   fragments,
		parseErrors: parseErrors,
		requests:    requests,
		duration:    duration,
	}, nil
}

// Fragment counts one delivered fragment.
func (m *Metrics) Fragment(ctx context.Context) {
	m.fragments.Add(ctx, 1)
}

// ParseError counts one malformed stream line.
func (m *Metrics) ParseError(ctx context.Context) {
	m.parseErrors.Add(ctx, 1)
}

// Request records a completed request round trip. Status 0 means the
// request never got a response.
func (m *Metrics) Request(ctx context.Context, status int, d time.Duration) {
	attrs := metric.WithAttributes(attribute.Int("status", status))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// =============================================================================
// PROVIDER SETUP
// =============================================================================

// Provider bundles the meter and tracer used by the application.
type Provider struct {
	Meter  metric.Meter
	Tracer trace.Tracer

	shutdown []func(context.Context) error
}

// Shutdown flushes pending telemetry and closes the export file.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	return &Provider{
		Meter:  metricnoop.NewMeterProvider().Meter(ServiceName),
		Tracer: tracenoop.NewTracerProvider().Tracer(ServiceName),
	}
}

// Setup builds SDK meter and tracer providers exporting to a rotating file
// at path. When cfg.Enabled is false it returns Noop().
func Setup(ctx context.Context, cfg config.TelemetryConfig, path, version string) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // 10 MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(file))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(file))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	interval := time.Duration(cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	return &Provider{
		Meter:  mp.Meter(ServiceName),
		Tracer: tp.Tracer(ServiceName),
		shutdown: []func(context.Context) error{
			tp.Shutdown,
			mp.Shutdown,
			func(context.Context) error { return file.Close() },
		},
	}, nil
}
