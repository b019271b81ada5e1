// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/llm"
	"github.com/jllopis/kairosforge/pkg/session"
	"github.com/jllopis/kairosforge/pkg/telemetry"
	"github.com/jllopis/kairosforge/pkg/tools"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr, tp
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func echoTool() agent.BoundTool {
	return agent.BoundTool{ID: "echo", Tool: tools.NewFuncTool("echo", "", nil, func(_ context.Context, in string) (string, error) {
		return in, nil
	})}
}

func scriptedAgent(t *testing.T) *agent.Agent {
	provider := llm.NewScriptedProvider(
		llm.ToolCallResponse("1", "echo", `{"input":"ping"}`),
		llm.ChatResponse{Content: "pong"},
	)
	return llmAgent(t, "echoer", provider, agent.WithTools(echoTool()))
}

func TestTracedMatchesPlainOutcome(t *testing.T) {
	_, tp := newRecorder(t)
	ctx := context.Background()

	plain := NewEngine(NewLLMBackend(), session.NewMemoryStore(), WithEngineLogger(quiet()))
	traced := NewTraced(NewEngine(NewLLMBackend(), session.NewMemoryStore(), WithEngineLogger(quiet())), tp.Tracer("test"))

	a := plain.Execute(ctx, Request{Agent: scriptedAgent(t), Prompt: "hi", SessionID: "s"})
	b := traced.Execute(ctx, Request{Agent: scriptedAgent(t), Prompt: "hi", SessionID: "s"})
	if a.Success != b.Success || a.Response != b.Response || a.Error != b.Error {
		t.Fatalf("outcomes differ:\nplain  %+v\ntraced %+v", a, b)
	}
	if _, ok := a.Metadata["trace_id"]; ok {
		t.Fatal("plain result must not carry a trace id")
	}
	if b.Metadata["trace_id"] == "" || b.Metadata["span_id"] == "" || b.Metadata["session_id"] != "s" {
		t.Fatalf("unexpected traced metadata %v", b.Metadata)
	}
}

func TestTracedRecordsSpan(t *testing.T) {
	sr, tp := newRecorder(t)
	exec := NewTraced(NewEngine(NewLLMBackend(), nil, WithEngineLogger(quiet())), tp.Tracer("test"), WithSpanAppName("forge-test"))

	res := exec.Execute(context.Background(), Request{
		Agent:      scriptedAgent(t),
		Prompt:     "hi",
		UserID:     "u1",
		Attributes: map[string]any{"channel": "web"},
	})
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}

	var root sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "agent.execute" {
			root = s
		}
	}
	if root == nil {
		t.Fatal("agent.execute span not recorded")
	}
	attrs := attrMap(root.Attributes())
	checks := map[string]attribute.Value{
		telemetry.AttrAgentID:                 attribute.StringValue("echoer"),
		telemetry.AttrUserID:                  attribute.StringValue("u1"),
		telemetry.AttrAppName:                 attribute.StringValue("forge-test"),
		telemetry.AttrCallerPrefix + "channel": attribute.StringValue("web"),
		telemetry.AttrSuccess:                 attribute.BoolValue(true),
		telemetry.AttrToolCallCount:           attribute.IntValue(1),
		telemetry.AttrLLMCallCount:            attribute.IntValue(2),
		telemetry.AttrResponseLen:             attribute.IntValue(len("pong")),
	}
	for k, want := range checks {
		if got, ok := attrs[attribute.Key(k)]; !ok || got != want {
			t.Errorf("attribute %s = %v, want %v", k, got.Emit(), want.Emit())
		}
	}
	if names := attrs[attribute.Key(telemetry.AttrToolNames)].AsStringSlice(); len(names) != 1 || names[0] != "echo" {
		t.Errorf("tool names = %v", names)
	}
	if root.Status().Code != codes.Ok {
		t.Errorf("status = %v", root.Status())
	}
	if res.Metadata["trace_id"] != root.SpanContext().TraceID().String() {
		t.Errorf("trace id mismatch: %v", res.Metadata["trace_id"])
	}

	var children int
	for _, s := range sr.Ended() {
		if s.Parent().SpanID() == root.SpanContext().SpanID() {
			children++
		}
	}
	if children != 3 {
		t.Errorf("expected 2 model spans and 1 tool span under the root, got %d", children)
	}
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, Request) Result { panic("nope") }

func TestTracedRecoversPanics(t *testing.T) {
	sr, tp := newRecorder(t)
	res := NewTraced(panicExecutor{}, tp.Tracer("test")).Execute(context.Background(), Request{Prompt: "hi"})
	if res.Success || res.Error != "Error executing agent: panic: nope" {
		t.Fatalf("unexpected result %+v", res)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("expected one errored span, got %+v", spans)
	}
}

func TestTracedFailureStatus(t *testing.T) {
	sr, tp := newRecorder(t)
	res := NewTraced(NewEngine(&events{}, nil, WithEngineLogger(quiet())), tp.Tracer("test")).
		Execute(context.Background(), Request{Prompt: "hi"})
	if res.Success {
		t.Fatal("expected failure without an agent")
	}
	span := sr.Ended()[0]
	if span.Status().Code != codes.Error || span.Status().Description != res.Error {
		t.Fatalf("status = %+v", span.Status())
	}
}

func TestNewExecutorWithoutTelemetry(t *testing.T) {
	engine := NewEngine(&events{}, nil)
	if _, ok := NewExecutor(engine, nil, quiet()).(*Engine); !ok {
		t.Fatal("expected the plain engine without providers")
	}
	_, tp := newRecorder(t)
	if _, ok := NewExecutor(engine, &telemetry.Providers{TracerProvider: tp}, quiet()).(*Traced); !ok {
		t.Fatal("expected the traced executor with providers")
	}
}
