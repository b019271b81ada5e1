// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ExecutionMetrics records agent turn counters. A nil receiver is a no-op.
type ExecutionMetrics struct {
	executions metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	toolCalls  metric.Int64Counter
	llmCalls   metric.Int64Counter
}

// NewExecutionMetrics creates the instruments on meter.
func NewExecutionMetrics(meter metric.Meter) (*ExecutionMetrics, error) {
	executions, err := meter.Int64Counter("forge.executions.total",
		metric.WithDescription("Agent turns executed"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("forge.executions.failed",
		metric.WithDescription("Agent turns that returned success=false"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("forge.execution.duration",
		metric.WithDescription("Agent turn wall-clock time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	toolCalls, err := meter.Int64Counter("forge.tool.calls",
		metric.WithDescription("Tool invocations observed during agent turns"))
	if err != nil {
		return nil, err
	}
	llmCalls, err := meter.Int64Counter("forge.llm.calls",
		metric.WithDescription("Model calls observed during agent turns"))
	if err != nil {
		return nil, err
	}
	return &ExecutionMetrics{
		executions: executions,
		failures:   failures,
		duration:   duration,
		toolCalls:  toolCalls,
		llmCalls:   llmCalls,
	}, nil
}

// RecordExecution records one finished turn.
func (m *ExecutionMetrics) RecordExecution(ctx context.Context, agentID string, success bool, elapsed time.Duration, toolCalls, llmCalls int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrAgentID, agentID),
		attribute.Bool(AttrSuccess, success),
	)
	m.executions.Add(ctx, 1, attrs)
	if !success {
		m.failures.Add(ctx, 1, attrs)
	}
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	if toolCalls > 0 {
		m.toolCalls.Add(ctx, int64(toolCalls), attrs)
	}
	if llmCalls > 0 {
		m.llmCalls.Add(ctx, int64(llmCalls), attrs)
	}
}
