// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/llm"
	"github.com/jllopis/kairosforge/pkg/runtime"
	"github.com/jllopis/kairosforge/pkg/sandbox"
	"github.com/jllopis/kairosforge/pkg/session"
	"github.com/jllopis/kairosforge/pkg/store"
	"github.com/jllopis/kairosforge/pkg/tools"
)

const calcSource = "def execute(input_data, tool_context=None):\n  return str(eval(input_data))\n"

type counter struct{ n atomic.Int32 }

func (c *counter) Sync() int { return int(c.n.Add(1)) }

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	registry *tools.Registry
	resolver *agent.Resolver
	synced   *counter
}

func newFixture(t *testing.T, provider llm.Provider, opts ...Option) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	reg := tools.NewRegistry(
		tools.WithLogger(logger),
		tools.WithBuilder(sandbox.NewBuilder(sandbox.WithLogger(logger))),
	)
	echo := func(_ context.Context, desc agent.Descriptor, _ []agent.BoundTool, _ []*agent.Agent) (agent.Handler, error) {
		prefix, _ := desc.Config["prefix"].(string)
		return func(_ context.Context, in string) (string, error) { return prefix + in, nil }, nil
	}
	res := agent.NewResolver(reg,
		agent.WithSource(st),
		agent.WithProvider(provider),
		agent.WithCustomFactory("echo", echo),
		agent.WithResolverLogger(logger),
	)
	engine := runtime.NewEngine(
		runtime.NewLLMBackend(runtime.WithBackendLogger(logger)),
		session.NewMemoryStore(),
		runtime.WithEngineLogger(logger),
	)
	synced := &counter{}
	all := append([]Option{WithLogger(logger), WithPublisher(synced)}, opts...)
	return fixture{
		svc:      New(st, reg, res, engine, all...),
		store:    st,
		registry: reg,
		resolver: res,
		synced:   synced,
	}
}

func echoAgent(id, prefix string) agent.Descriptor {
	return agent.Descriptor{
		ID:     id,
		Kind:   agent.KindCustom,
		Config: map[string]any{"type": "echo", "prefix": prefix},
	}
}

func TestChatCalcScenario(t *testing.T) {
	ctx := context.Background()
	provider := llm.NewScriptedProvider(
		llm.ToolCallResponse("call-1", "calc", `{"input":"2+2"}`),
		llm.ChatResponse{Content: "The answer is 4"},
	)
	f := newFixture(t, provider)

	if err := f.svc.RegisterTool(ctx, core.ToolDefinition{ID: "calc", Kind: core.ToolKindFunction, SourceCode: calcSource}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	warnings, err := f.svc.RegisterAgent(ctx, agent.Descriptor{ID: "math", ToolIDs: []string{"calc"}})
	if err != nil || len(warnings) != 0 {
		t.Fatalf("RegisterAgent: %v %v", warnings, err)
	}

	res := f.svc.Chat(ctx, ChatRequest{AgentID: "math", Message: "What is 2+2?"})
	if !res.Success || !strings.Contains(res.Response, "4") {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Metadata["session_id"] == "" {
		t.Fatalf("expected a generated session id, got %v", res.Metadata)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	f := newFixture(t, &llm.MockProvider{Response: "hi"})
	ctx := context.Background()

	cases := []struct {
		name string
		req  ChatRequest
		code errors.ErrorCode
		msg  string
	}{
		{"missing agent", ChatRequest{Message: "hi"}, errors.CodeInvalidInput, "agent_id is required"},
		{"missing message", ChatRequest{AgentID: "a"}, errors.CodeInvalidInput, "message is required"},
		{"unknown agent", ChatRequest{AgentID: "ghost", Message: "hi"}, errors.CodeNotFound, "not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.svc.Chat(ctx, tc.req)
			if res.Success || res.Code != tc.code || !strings.Contains(res.Error, tc.msg) {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
}

func TestRegisterToolFailureStoresNothing(t *testing.T) {
	f := newFixture(t, &llm.MockProvider{})
	ctx := context.Background()

	err := f.svc.RegisterTool(ctx, core.ToolDefinition{ID: "bad", Kind: core.ToolKindFunction, SourceCode: "def execute(:\n"})
	if !errors.IsCode(err, errors.CodeToolBuild) {
		t.Fatalf("expected TOOL_BUILD_ERROR, got %v", err)
	}
	if _, err := f.store.GetTool(ctx, "bad"); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected nothing stored, got %v", err)
	}
	if f.registry.Len() != 0 || f.synced.n.Load() != 0 {
		t.Fatalf("registry or publisher touched on failure")
	}
}

// saveFailer fails every SaveTool while err is set.
type saveFailer struct {
	store.Store
	err error
}

func (s *saveFailer) SaveTool(ctx context.Context, def core.ToolDefinition) error {
	if s.err != nil {
		return s.err
	}
	return s.Store.SaveTool(ctx, def)
}

func TestFailedSaveKeepsRegistryAndStoreInStep(t *testing.T) {
	f := newFixture(t, &llm.MockProvider{})
	ctx := context.Background()
	st := &saveFailer{Store: f.store}
	svc := New(st, f.registry, f.resolver, nil, WithLogger(f.svc.logger))

	v1 := core.ToolDefinition{ID: "calc", Kind: core.ToolKindFunction, SourceCode: calcSource, Description: "v1"}
	if err := svc.RegisterTool(ctx, v1); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	before := f.registry.Get("calc")

	st.err = errors.New(errors.CodeInternal, "disk full", nil)
	v2 := v1
	v2.Description = "v2"
	if err := svc.RegisterTool(ctx, v2); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected save failure, got %v", err)
	}
	e, ok := f.registry.Lookup("calc")
	if !ok || e.Definition.Description != "v1" || e.Tool != before {
		t.Fatalf("previous registration must survive a failed save, got %+v (ok=%v)", e.Definition, ok)
	}
	stored, err := f.store.GetTool(ctx, "calc")
	if err != nil || stored.Description != "v1" {
		t.Fatalf("store = %+v, %v", stored, err)
	}

	if err := svc.RegisterTool(ctx, core.ToolDefinition{ID: "fresh", Kind: core.ToolKindFunction, SourceCode: calcSource}); err == nil {
		t.Fatal("expected save failure")
	}
	if _, ok := f.registry.Lookup("fresh"); ok {
		t.Fatal("a new tool whose save failed must not stay registered")
	}
}

func TestToolChangeInvalidatesAgents(t *testing.T) {
	f := newFixture(t, &llm.MockProvider{Response: "ok"})
	ctx := context.Background()

	def := core.ToolDefinition{ID: "calc", Kind: core.ToolKindFunction, SourceCode: calcSource}
	if err := f.svc.RegisterTool(ctx, def); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	if _, err := f.svc.RegisterAgent(ctx, agent.Descriptor{ID: "math", ToolIDs: []string{"calc"}}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := f.resolver.Get(ctx, "math"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if err := f.svc.RegisterTool(ctx, def); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if _, ok := f.resolver.Cached("math"); ok {
		t.Fatal("agent using the tool should be invalidated")
	}

	if _, err := f.resolver.Get(ctx, "math"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := f.svc.DeleteTool(ctx, "calc"); err != nil {
		t.Fatalf("DeleteTool: %v", err)
	}
	if _, ok := f.resolver.Cached("math"); ok {
		t.Fatal("agent using a deleted tool should be invalidated")
	}
	if len(f.svc.ListTools(ctx)) != 0 {
		t.Fatal("tool still listed after delete")
	}
	if got := f.synced.n.Load(); got != 3 {
		t.Fatalf("expected 3 publishes, got %d", got)
	}

	a, err := f.resolver.Get(ctx, "math")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if len(a.Tools()) != 0 || len(a.Warnings()) != 1 {
		t.Fatalf("expected the missing tool to be dropped with a warning, got %v", a.Warnings())
	}
}

func TestDeleteUnknown(t *testing.T) {
	f := newFixture(t, &llm.MockProvider{})
	ctx := context.Background()

	if err := f.svc.DeleteTool(ctx, "ghost"); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("DeleteTool: expected NOT_FOUND, got %v", err)
	}
	if err := f.svc.DeleteAgent(ctx, "ghost"); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("DeleteAgent: expected NOT_FOUND, got %v", err)
	}
}

func TestAgentChangeInvalidatesParents(t *testing.T) {
	f := newFixture(t, &llm.MockProvider{})
	ctx := context.Background()

	if _, err := f.svc.RegisterAgent(ctx, echoAgent("child", "v1:")); err != nil {
		t.Fatalf("RegisterAgent child: %v", err)
	}
	parent := agent.Descriptor{
		ID:        "parent",
		Kind:      agent.KindSequential,
		SubAgents: []agent.SubAgent{{Ref: "child"}},
	}
	if _, err := f.svc.RegisterAgent(ctx, parent); err != nil {
		t.Fatalf("RegisterAgent parent: %v", err)
	}

	res := f.svc.Chat(ctx, ChatRequest{AgentID: "parent", Message: "hi"})
	if !res.Success || res.Response != "v1:hi" {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := f.svc.RegisterAgent(ctx, echoAgent("child", "v2:")); err != nil {
		t.Fatalf("update child: %v", err)
	}
	if _, ok := f.resolver.Cached("parent"); ok {
		t.Fatal("parent embedding the child should be invalidated")
	}
	res = f.svc.Chat(ctx, ChatRequest{AgentID: "parent", Message: "hi"})
	if res.Response != "v2:hi" {
		t.Fatalf("expected updated child, got %+v", res)
	}

	if err := f.svc.DeleteAgent(ctx, "parent"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	res = f.svc.Chat(ctx, ChatRequest{AgentID: "parent", Message: "hi"})
	if res.Success || res.Code != errors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND after delete, got %+v", res)
	}
}

func TestRegisterAgentRejectsStructuralErrors(t *testing.T) {
	f := newFixture(t, &llm.MockProvider{})
	ctx := context.Background()

	_, err := f.svc.RegisterAgent(ctx, agent.Descriptor{ID: "x", Kind: "quantum"})
	if !errors.IsCode(err, errors.CodeAgentBuild) {
		t.Fatalf("expected AGENT_BUILD_ERROR, got %v", err)
	}
	if _, err := f.store.GetAgent(ctx, "x"); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("invalid agent was stored: %v", err)
	}
}

func TestSeedResolvesRefsRegardlessOfOrder(t *testing.T) {
	f := newFixture(t, &llm.MockProvider{})
	ctx := context.Background()

	seed := &store.Seed{
		Tools: []core.ToolDefinition{
			{ID: "calc", Kind: core.ToolKindFunction, SourceCode: calcSource},
			{ID: "broken", Kind: core.ToolKindFunction, SourceCode: "def execute(:\n"},
		},
		Agents: []agent.Descriptor{
			{ID: "parent", Kind: agent.KindSequential, SubAgents: []agent.SubAgent{{Ref: "child"}}},
			echoAgent("child", ">"),
		},
	}
	err := f.svc.Seed(ctx, seed)
	if !errors.IsCode(err, errors.CodeToolBuild) {
		t.Fatalf("expected the broken tool to be reported, got %v", err)
	}
	if f.registry.Get("calc") == nil || f.registry.Get("broken") != nil {
		t.Fatal("unexpected registry content")
	}

	res := f.svc.Chat(ctx, ChatRequest{AgentID: "parent", Message: "x"})
	if !res.Success || res.Response != ">x" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRestoreRebuildsRegistry(t *testing.T) {
	f := newFixture(t, &llm.MockProvider{})
	ctx := context.Background()

	if err := f.store.SaveTool(ctx, core.ToolDefinition{ID: "calc", Kind: core.ToolKindFunction, SourceCode: calcSource}); err != nil {
		t.Fatalf("SaveTool: %v", err)
	}
	if err := f.svc.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if f.registry.Get("calc") == nil {
		t.Fatal("stored tool not registered")
	}

	if _, err := f.svc.RegisterAgent(ctx, agent.Descriptor{ID: "math", ToolIDs: []string{"calc"}}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := f.resolver.Get(ctx, "math"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := f.svc.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, ok := f.resolver.Cached("math"); ok {
		t.Fatal("agents bound to replaced tools must be dropped on restore")
	}
}

func TestSessionLockingSerialisesChats(t *testing.T) {
	var active, peak atomic.Int32
	provider := llm.ProviderFunc(func(ctx context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &llm.ChatResponse{Content: "ok"}, nil
	})
	f := newFixture(t, provider, WithSessionLocking())
	ctx := context.Background()
	if _, err := f.svc.RegisterAgent(ctx, agent.Descriptor{ID: "a"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := f.svc.Chat(ctx, ChatRequest{AgentID: "a", Message: "hi", SessionID: "s1"}); !res.Success {
				t.Errorf("chat failed: %+v", res)
			}
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Fatalf("expected serialised turns, peak concurrency %d", peak.Load())
	}
	if f.svc.locks.size() != 0 {
		t.Fatalf("lock table not drained: %d", f.svc.locks.size())
	}
}

func TestSessionLockHonoursContext(t *testing.T) {
	l := newSessionLocks()
	unlock, err := l.lock(context.Background(), "s")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.lock(ctx, "s"); err == nil {
		t.Fatal("expected the second lock to give up")
	}
	unlock()
	unlock()
	if l.size() != 0 {
		t.Fatalf("expected empty table, got %d", l.size())
	}
}
