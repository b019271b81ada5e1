// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/llm"
	"github.com/jllopis/kairosforge/pkg/sandbox"
	"github.com/jllopis/kairosforge/pkg/session"
	"github.com/jllopis/kairosforge/pkg/tools"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func customAgent(t *testing.T, id string, h agent.Handler) *agent.Agent {
	t.Helper()
	a, err := agent.New(id, agent.WithKind(agent.KindCustom), agent.WithHandler(h))
	if err != nil {
		t.Fatalf("agent.New(%s): %v", id, err)
	}
	return a
}

func llmAgent(t *testing.T, id string, p llm.Provider, opts ...agent.Option) *agent.Agent {
	t.Helper()
	base := []agent.Option{agent.WithModel(p, agent.ModelSettings{Model: "test-model"})}
	a, err := agent.New(id, append(base, opts...)...)
	if err != nil {
		t.Fatalf("agent.New(%s): %v", id, err)
	}
	return a
}

// events is a backend replaying a fixed event list. It records whether it
// was asked to continue after the consumer stopped.
type events struct {
	list    []core.Event
	err     error
	stopped bool
}

func (e *events) Run(_ context.Context, _ Turn) iter.Seq2[core.Event, error] {
	return func(yield func(core.Event, error) bool) {
		for _, ev := range e.list {
			if !yield(ev, nil) {
				e.stopped = true
				return
			}
		}
		if e.err != nil {
			yield(core.Event{Type: core.EventError}, e.err)
		}
	}
}

func final(content string) core.Event {
	ev := core.NewEvent(core.EventMessage, "a")
	ev.Content = content
	ev.Final = true
	return ev
}

func dummyAgent(t *testing.T) *agent.Agent {
	return customAgent(t, "a", func(context.Context, string) (string, error) { return "", nil })
}

func TestExecuteCalcScenario(t *testing.T) {
	ctx := context.Background()
	logger := quiet()
	reg := tools.NewRegistry(tools.WithLogger(logger), tools.WithBuilder(sandbox.NewBuilder(sandbox.WithLogger(logger))))
	err := reg.Register(ctx, core.ToolDefinition{
		ID:         "calc",
		Kind:       core.ToolKindFunction,
		SourceCode: "def execute(input_data, tool_context=None):\n  return str(eval(input_data))\n",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	provider := llm.NewScriptedProvider(
		llm.ToolCallResponse("call-1", "calc", `{"input":"2+2"}`),
		llm.ChatResponse{Content: "2+2 is 4"},
	)
	a := llmAgent(t, "math", provider, agent.WithTools(agent.BoundTool{ID: "calc", Tool: reg.Get("calc")}))

	store := session.NewMemoryStore()
	engine := NewEngine(NewLLMBackend(WithBackendLogger(logger)), store, WithEngineLogger(logger))
	res := engine.Execute(ctx, Request{Agent: a, Prompt: "What is 2+2?", UserID: "u1"})

	if !res.Success || !strings.Contains(res.Response, "4") {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Metadata["tool_calls"] != 1 || res.Metadata["llm_calls"] != 2 {
		t.Fatalf("unexpected counts %v", res.Metadata)
	}
	if res.ExecutionTime <= 0 {
		t.Fatal("execution time not recorded")
	}

	reqs := provider.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleTool || last.Content != "4" || last.ToolCallID != "call-1" {
		t.Fatalf("tool result not fed back: %+v", last)
	}

	sid, _ := res.Metadata["session_id"].(string)
	s, err := store.Get(ctx, sid)
	if err != nil {
		t.Fatalf("session %q: %v", sid, err)
	}
	if len(s.Messages) != 2 || s.Messages[0].Content != "What is 2+2?" || s.Messages[1].Content != res.Response {
		t.Fatalf("unexpected transcript %+v", s.Messages)
	}
	if s.UserID != "u1" || s.AppName != DefaultAppName {
		t.Fatalf("unexpected session identity %+v", s)
	}
}

func TestExecuteStopsAtFirstFinal(t *testing.T) {
	be := &events{list: []core.Event{
		core.NewEvent(core.EventLLMCall, "a"),
		final("first"),
		final("second"),
	}}
	res := NewEngine(be, nil, WithEngineLogger(quiet())).Execute(context.Background(), Request{Agent: dummyAgent(t), Prompt: "hi"})
	if !res.Success || res.Response != "first" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !be.stopped {
		t.Fatal("backend should observe the consumer stopping")
	}
}

func TestExecuteFinalWithoutTextIsSkipped(t *testing.T) {
	be := &events{list: []core.Event{final(""), final("text")}}
	res := NewEngine(be, nil, WithEngineLogger(quiet())).Execute(context.Background(), Request{Agent: dummyAgent(t)})
	if res.Response != "text" {
		t.Fatalf("Response = %q", res.Response)
	}
}

func TestExecuteNoResponse(t *testing.T) {
	be := &events{list: []core.Event{core.NewEvent(core.EventLLMCall, "a")}}
	store := session.NewMemoryStore()
	res := NewEngine(be, store, WithEngineLogger(quiet())).Execute(context.Background(), Request{Agent: dummyAgent(t), Prompt: "hi", SessionID: "s1"})
	if !res.Success || res.Response != NoResponse {
		t.Fatalf("unexpected result %+v", res)
	}
	s, _ := store.Get(context.Background(), "s1")
	if len(s.Messages) != 2 || s.Messages[1].Content != NoResponse {
		t.Fatalf("unexpected transcript %+v", s.Messages)
	}
}

func TestExecuteBackendError(t *testing.T) {
	be := &events{err: stderrors.New("boom")}
	store := session.NewMemoryStore()
	res := NewEngine(be, store, WithEngineLogger(quiet())).Execute(context.Background(), Request{Agent: dummyAgent(t), Prompt: "hi", SessionID: "s1"})
	if res.Success || res.Error != "Error executing agent: boom" || res.Code != errors.CodeExecution {
		t.Fatalf("unexpected result %+v", res)
	}
	s, _ := store.Get(context.Background(), "s1")
	if len(s.Messages) != 0 {
		t.Fatalf("failed turns must not be stored: %+v", s.Messages)
	}
}

func TestExecuteTimeout(t *testing.T) {
	blocking := BackendFunc(func(ctx context.Context, _ Turn) iter.Seq2[core.Event, error] {
		return func(yield func(core.Event, error) bool) {
			<-ctx.Done()
			yield(core.Event{}, ctx.Err())
		}
	})
	engine := NewEngine(blocking, session.NewMemoryStore(), WithTimeout(20*time.Millisecond), WithEngineLogger(quiet()))
	res := engine.Execute(context.Background(), Request{Agent: dummyAgent(t), Prompt: "hi"})
	if res.Success || res.Error != "timeout" || res.Code != errors.CodeTimeout {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	panicking := BackendFunc(func(context.Context, Turn) iter.Seq2[core.Event, error] {
		return func(func(core.Event, error) bool) { panic("kaboom") }
	})
	for _, timeout := range []time.Duration{0, time.Second} {
		res := NewEngine(panicking, nil, WithTimeout(timeout), WithEngineLogger(quiet())).
			Execute(context.Background(), Request{Agent: dummyAgent(t)})
		if res.Success || !strings.HasPrefix(res.Error, "Error executing agent: panic: kaboom") {
			t.Fatalf("timeout %v: unexpected result %+v", timeout, res)
		}
	}
}

func TestExecuteRequiresAgent(t *testing.T) {
	res := NewEngine(&events{}, nil, WithEngineLogger(quiet())).Execute(context.Background(), Request{Prompt: "hi"})
	if res.Success || res.Error != "Error executing agent: agent is required" {
		t.Fatalf("unexpected result %+v", res)
	}
}

type failingStore struct{ session.Store }

func (failingStore) Get(context.Context, string) (*session.Session, error) {
	return nil, stderrors.New("disk on fire")
}

type appendFailingStore struct{ session.Store }

func (appendFailingStore) Append(context.Context, string, ...session.Message) error {
	return stderrors.New("append failed")
}

func TestExecuteSessionStoreFailure(t *testing.T) {
	tests := []struct {
		name  string
		store session.Store
		cause string
	}{
		{"load", failingStore{session.NewMemoryStore()}, "disk on fire"},
		{"append", appendFailingStore{session.NewMemoryStore()}, "append failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewEngine(&events{list: []core.Event{final("hello")}}, tt.store, WithEngineLogger(quiet())).
				Execute(context.Background(), Request{Agent: dummyAgent(t)})
			if res.Success || res.Code != errors.CodeSessionStore || !strings.Contains(res.Error, tt.cause) {
				t.Fatalf("unexpected result %+v", res)
			}
			if res.Response != "" {
				t.Fatalf("failed result carries response %q", res.Response)
			}
		})
	}
}

func TestSessionGrowsTwoMessagesPerTurn(t *testing.T) {
	const turns = 5
	var n atomic.Int32
	a := customAgent(t, "counter", func(_ context.Context, in string) (string, error) {
		return fmt.Sprintf("reply %d to %s", n.Add(1), in), nil
	})
	sessions := session.NewMemoryStore()
	engine := NewEngine(NewLLMBackend(WithBackendLogger(quiet())), sessions, WithEngineLogger(quiet()))
	ctx := context.Background()

	for i := 1; i <= turns; i++ {
		res := engine.Execute(ctx, Request{Agent: a, Prompt: fmt.Sprintf("msg %d", i), SessionID: "s"})
		if !res.Success {
			t.Fatalf("turn %d: %+v", i, res)
		}
	}

	s, err := sessions.Get(ctx, "s")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(s.Messages) != 2*turns {
		t.Fatalf("got %d messages, want %d", len(s.Messages), 2*turns)
	}
	for i := 0; i < turns; i++ {
		user, assistant := s.Messages[2*i], s.Messages[2*i+1]
		prompt := fmt.Sprintf("msg %d", i+1)
		if user.Role != session.RoleUser || user.Content != prompt {
			t.Fatalf("message %d = %s %q, want user %q", 2*i, user.Role, user.Content, prompt)
		}
		reply := fmt.Sprintf("reply %d to %s", i+1, prompt)
		if assistant.Role != session.RoleAssistant || assistant.Content != reply {
			t.Fatalf("message %d = %s %q, want assistant %q", 2*i+1, assistant.Role, assistant.Content, reply)
		}
	}
}

func TestExecuteReplaysHistory(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.ChatResponse{Content: "Hello Ada"},
		llm.ChatResponse{Content: "Your name is Ada"},
	)
	a := llmAgent(t, "chat", provider, agent.WithSystemPrompt("be brief"))
	engine := NewEngine(NewLLMBackend(WithBackendLogger(quiet())), session.NewMemoryStore(), WithEngineLogger(quiet()))
	ctx := context.Background()

	first := engine.Execute(ctx, Request{Agent: a, Prompt: "I am Ada", SessionID: "s"})
	second := engine.Execute(ctx, Request{Agent: a, Prompt: "Who am I?", SessionID: "s"})
	if !first.Success || !second.Success {
		t.Fatalf("unexpected results %+v %+v", first, second)
	}
	msgs := provider.Requests()[1].Messages
	want := []string{"be brief", "I am Ada", "Hello Ada", "Who am I?"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Fatalf("message %d = %q, want %q", i, msgs[i].Content, w)
		}
	}
}

func TestExecuteForwardsEventsToContextEmitter(t *testing.T) {
	var seen []core.EventType
	ctx := core.WithEmitter(context.Background(), core.EmitterFunc(func(_ context.Context, ev core.Event) {
		seen = append(seen, ev.Type)
	}))
	be := &events{list: []core.Event{core.NewEvent(core.EventLLMCall, "a"), final("ok")}}
	NewEngine(be, nil, WithEngineLogger(quiet())).Execute(ctx, Request{Agent: dummyAgent(t)})
	if len(seen) != 2 || seen[0] != core.EventLLMCall || seen[1] != core.EventMessage {
		t.Fatalf("unexpected events %v", seen)
	}
}

func TestResultJSON(t *testing.T) {
	data, err := json.Marshal(Result{Success: false, Error: "timeout", Code: errors.CodeTimeout, ExecutionTime: 1500 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["response"] != nil || got["execution_time"] != 1.5 || got["error_code"] != "TIMEOUT" {
		t.Fatalf("unexpected JSON %s", data)
	}
}
