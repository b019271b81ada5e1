// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/telemetry"
)

// Traced decorates an Executor with one span per execution. Outcomes are
// those of the wrapped executor; only trace metadata is added.
type Traced struct {
	next    Executor
	tracer  trace.Tracer
	metrics *telemetry.ExecutionMetrics
	appName string
}

// TracedOption configures a Traced executor.
type TracedOption func(*Traced)

// WithMetrics records execution counters alongside the span.
func WithMetrics(m *telemetry.ExecutionMetrics) TracedOption {
	return func(t *Traced) { t.metrics = m }
}

// WithSpanAppName sets the app name recorded on spans.
func WithSpanAppName(name string) TracedOption {
	return func(t *Traced) { t.appName = name }
}

// NewTraced wraps next.
func NewTraced(next Executor, tracer trace.Tracer, opts ...TracedOption) *Traced {
	t := &Traced{next: next, tracer: tracer, appName: DefaultAppName}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Execute implements Executor.
func (t *Traced) Execute(ctx context.Context, req Request) (res Result) {
	started := time.Now()
	ctx, runID := core.EnsureRunID(ctx)
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	agentID := ""
	if req.Agent != nil {
		agentID = req.Agent.ID()
	}

	attrs := telemetry.ExecutionAttributes(agentID, req.UserID, req.SessionID, t.appName)
	attrs = append(attrs,
		attribute.String(telemetry.AttrRunID, runID),
		attribute.String(telemetry.AttrStartedAt, started.UTC().Format(time.RFC3339Nano)),
	)
	attrs = append(attrs, telemetry.CallerAttributes(req.Attributes)...)
	ctx, span := t.tracer.Start(ctx, "agent.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	counter := &eventCounter{next: core.EmitterFromContext(ctx), span: span}
	ctx = core.WithEmitter(ctx, counter)

	defer func() {
		if rec := recover(); rec != nil {
			res = Result{
				Success:  false,
				Error:    fmt.Sprintf("%spanic: %v", errorPrefix, rec),
				Code:     errors.CodeExecution,
				Metadata: map[string]any{"session_id": req.SessionID},
			}
			span.RecordError(fmt.Errorf("panic: %v", rec))
		}
		if res.ExecutionTime == 0 {
			res.ExecutionTime = time.Since(started)
		}

		toolCalls, llmCalls, names := counter.snapshot()
		span.SetAttributes(
			attribute.Bool(telemetry.AttrSuccess, res.Success),
			attribute.Float64(telemetry.AttrDurationMs, float64(res.ExecutionTime.Microseconds())/1000),
			attribute.Int(telemetry.AttrToolCallCount, toolCalls),
			attribute.Int(telemetry.AttrLLMCallCount, llmCalls),
		)
		if len(names) > 0 {
			span.SetAttributes(attribute.StringSlice(telemetry.AttrToolNames, names))
		}
		if res.Success {
			span.SetAttributes(attribute.Int(telemetry.AttrResponseLen, len(res.Response)))
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetAttributes(attribute.String(telemetry.AttrErrorMessage, res.Error))
			span.SetStatus(codes.Error, res.Error)
		}

		sc := span.SpanContext()
		meta := make(map[string]any, len(res.Metadata)+2)
		maps.Copy(meta, res.Metadata)
		if sc.IsValid() {
			meta["trace_id"] = sc.TraceID().String()
			meta["span_id"] = sc.SpanID().String()
		}
		res.Metadata = meta

		t.metrics.RecordExecution(ctx, agentID, res.Success, res.ExecutionTime, toolCalls, llmCalls)
		span.End()
	}()

	return t.next.Execute(ctx, req)
}

// eventCounter observes the events of one execution, tags them on the span
// and forwards them to the emitter already present in the context.
type eventCounter struct {
	next core.EventEmitter
	span trace.Span

	mu        sync.Mutex
	toolCalls int
	llmCalls  int
	names     map[string]struct{}
}

func (c *eventCounter) Emit(ctx context.Context, ev core.Event) {
	c.mu.Lock()
	switch ev.Type {
	case core.EventToolCall:
		c.toolCalls++
		if c.names == nil {
			c.names = make(map[string]struct{})
		}
		c.names[ev.ToolName] = struct{}{}
	case core.EventLLMCall:
		c.llmCalls++
	}
	c.mu.Unlock()

	attrs := []attribute.KeyValue{attribute.String(telemetry.AttrEventAgent, ev.Agent)}
	if ev.ToolName != "" {
		attrs = append(attrs, attribute.String(telemetry.AttrToolName, ev.ToolName))
	}
	c.span.AddEvent(string(ev.Type), trace.WithAttributes(attrs...))
	c.next.Emit(ctx, ev)
}

func (c *eventCounter) snapshot() (int, int, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.names))
	for n := range c.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return c.toolCalls, c.llmCalls, names
}

// NewExecutor picks the executor once: traced when telemetry providers
// are available, the plain engine otherwise.
func NewExecutor(engine *Engine, providers *telemetry.Providers, logger *slog.Logger) Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if providers == nil || providers.TracerProvider == nil {
		logger.Info("runtime.executor.selected", slog.String("executor", "plain"))
		return engine
	}
	opts := []TracedOption{WithSpanAppName(engine.AppName())}
	if providers.MeterProvider != nil {
		m, err := telemetry.NewExecutionMetrics(providers.Meter())
		if err != nil {
			logger.Warn("runtime.executor.metrics.error", slog.String("error", err.Error()))
		} else {
			opts = append(opts, WithMetrics(m))
		}
	}
	logger.Info("runtime.executor.selected", slog.String("executor", "traced"))
	return NewTraced(engine, providers.Tracer(), opts...)
}
