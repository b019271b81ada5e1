// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitDisabled(t *testing.T) {
	for _, exporter := range []string{"", "none"} {
		if _, err := Init(context.Background(), Config{Exporter: exporter}); !errors.Is(err, ErrDisabled) {
			t.Fatalf("exporter %q: expected ErrDisabled, got %v", exporter, err)
		}
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitStdout(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), Config{Exporter: "stdout", ServiceName: "forge-test", Writer: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "agent.execute")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "agent.execute") {
		t.Fatalf("expected span in stdout output, got %q", buf.String())
	}
}

func TestLoggerAddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "json")

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.InfoContext(ctx, "inside span")
	span.End()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Fatalf("expected trace_id in record, got %v", rec)
	}
	if rec["span_id"] == nil {
		t.Fatalf("expected span_id in record, got %v", rec)
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestCallerAttributes(t *testing.T) {
	attrs := CallerAttributes(map[string]any{"channel": "ws", "retry": 2, "beta": true})
	want := []attribute.KeyValue{
		attribute.Bool("forge.caller.beta", true),
		attribute.String("forge.caller.channel", "ws"),
		attribute.Int("forge.caller.retry", 2),
	}
	if len(attrs) != len(want) {
		t.Fatalf("got %v", attrs)
	}
	for i := range want {
		if attrs[i] != want[i] {
			t.Errorf("attr %d: got %v want %v", i, attrs[i], want[i])
		}
	}
	if CallerAttributes(nil) != nil {
		t.Error("expected nil for empty map")
	}
}

func TestExecutionMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m, err := NewExecutionMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewExecutionMetrics: %v", err)
	}
	m.RecordExecution(context.Background(), "a1", true, 15*time.Millisecond, 2, 3)
	m.RecordExecution(context.Background(), "a1", false, time.Millisecond, 0, 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if sum, ok := mt.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[mt.Name] += dp.Value
				}
			}
		}
	}
	if totals["forge.executions.total"] != 2 || totals["forge.executions.failed"] != 1 {
		t.Fatalf("unexpected counters %v", totals)
	}
	if totals["forge.tool.calls"] != 2 || totals["forge.llm.calls"] != 4 {
		t.Fatalf("unexpected call counters %v", totals)
	}

	var nilMetrics *ExecutionMetrics
	nilMetrics.RecordExecution(context.Background(), "a1", true, 0, 0, 0)
}
