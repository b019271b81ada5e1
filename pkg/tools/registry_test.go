// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/sandbox"
)

func newTestRegistry(opts ...Option) *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []Option{
		WithLogger(logger),
		WithBuilder(sandbox.NewBuilder(sandbox.WithLogger(logger))),
	}
	return NewRegistry(append(base, opts...)...)
}

const calcSource = "def execute(input_data, tool_context=None):\n  return str(eval(input_data))\n"

func TestRegisterFunctionTool(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if err := r.Register(ctx, core.ToolDefinition{ID: "calc", Kind: core.ToolKindFunction, SourceCode: calcSource}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool := r.Get("calc")
	if tool == nil {
		t.Fatal("expected calc to be registered")
	}
	if got := Invoke(ctx, tool, "calc", "2+2"); got != "4" {
		t.Fatalf("Invoke = %q", got)
	}
}

func TestRegisterInvalidSourceLeavesRegistryUnchanged(t *testing.T) {
	r := newTestRegistry()
	err := r.Register(context.Background(), core.ToolDefinition{ID: "bad_tool_id", Kind: core.ToolKindFunction, SourceCode: "def execute(:"})
	if !errors.IsCode(err, errors.CodeToolBuild) {
		t.Fatalf("expected TOOL_BUILD_ERROR, got %v", err)
	}
	if r.Get("bad_tool_id") != nil {
		t.Fatal("broken tool must not be stored")
	}
	if _, ok := r.Lookup("bad_tool_id"); ok || r.Len() != 0 {
		t.Fatal("registry should be empty")
	}
}

func TestFailedReRegistrationKeepsPreviousTool(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if err := r.Register(ctx, core.ToolDefinition{ID: "echo", Kind: core.ToolKindFunction, SourceCode: "def execute(x):\n    return 'v1:' + x\n"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, core.ToolDefinition{ID: "echo", Kind: core.ToolKindFunction, SourceCode: "def execute(:"}); err == nil {
		t.Fatal("expected failure")
	}
	if got := Invoke(ctx, r.Get("echo"), "echo", "a"); got != "v1:a" {
		t.Fatalf("got %q", got)
	}
}

func TestReRegistrationReplaces(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	for _, v := range []string{"v1", "v2"} {
		src := fmt.Sprintf("def execute(x):\n    return '%s:' + x\n", v)
		if err := r.Register(ctx, core.ToolDefinition{ID: "echo", Kind: core.ToolKindFunction, SourceCode: src}); err != nil {
			t.Fatal(err)
		}
	}
	if got := Invoke(ctx, r.Get("echo"), "echo", "a"); got != "v2:a" {
		t.Fatalf("got %q", got)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one entry, got %d", r.Len())
	}
}

func TestRegisterBuiltin(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if err := r.Register(ctx, core.ToolDefinition{ID: "clock", Kind: core.ToolKindBuiltin, BuiltinName: "current_time"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.Get("clock") == nil || r.Get("clock").Name() != "clock" {
		t.Fatal("expected builtin named after its id")
	}

	err := r.Register(ctx, core.ToolDefinition{ID: "nope", Kind: core.ToolKindBuiltin, BuiltinName: "teleport"})
	if !errors.IsCode(err, errors.CodeToolBuild) {
		t.Fatalf("expected TOOL_BUILD_ERROR for unknown builtin, got %v", err)
	}
}

func TestRegisterOpaque(t *testing.T) {
	bound := NewFuncTool("remote", "", nil, func(_ context.Context, in string) (string, error) {
		return "remote:" + in, nil
	})
	r := newTestRegistry(WithOpaqueBinder("mcp", OpaqueBinderFunc(func(_ context.Context, def core.ToolDefinition) (core.Tool, error) {
		if def.Config["fail"] == true {
			return nil, fmt.Errorf("server unreachable")
		}
		return bound, nil
	})))
	ctx := context.Background()

	defs := []core.ToolDefinition{
		{ID: "plain", Kind: core.ToolKindOpaque, Config: map[string]any{"anything": 1}},
		{ID: "remote", Kind: core.ToolKindOpaque, Config: map[string]any{"transport": "MCP"}},
		{ID: "down", Kind: core.ToolKindOpaque, Config: map[string]any{"transport": "mcp", "fail": true}},
	}
	for _, d := range defs {
		if err := r.Register(ctx, d); err != nil {
			t.Fatalf("Register(%s): %v", d.ID, err)
		}
	}

	if e, ok := r.Lookup("plain"); !ok || e.Tool != nil || e.Definition.Config["anything"] != 1 {
		t.Fatalf("opaque definition should be stored as-is, got %+v", e)
	}
	if got := Invoke(ctx, r.Get("remote"), "remote", "x"); got != "remote:x" {
		t.Fatalf("got %q", got)
	}
	if r.Get("down") != nil {
		t.Fatal("failed binding should leave the definition unbound")
	}
}

func TestRegisterRejectsMissingIDAndUnknownKind(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if err := r.Register(ctx, core.ToolDefinition{Kind: core.ToolKindOpaque}); err == nil {
		t.Fatal("expected error for missing id")
	}
	if err := r.Register(ctx, core.ToolDefinition{ID: "x", Kind: "plugin"}); !errors.IsCode(err, errors.CodeToolBuild) {
		t.Fatalf("expected TOOL_BUILD_ERROR, got %v", err)
	}
}

func TestListAndRemove(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_ = r.Register(ctx, core.ToolDefinition{ID: "b", Name: "Bee", Kind: core.ToolKindFunction, SourceCode: "def main(x):\n    return x\n"})
	_ = r.Register(ctx, core.ToolDefinition{ID: "a", Kind: core.ToolKindBuiltin, BuiltinName: "web_search", Description: "search"})
	_ = r.Register(ctx, core.ToolDefinition{ID: "c", Kind: core.ToolKindOpaque})

	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if list[1].Name != "Bee" || list[1].Kind != core.ToolKindFunction || !list[1].Bound {
		t.Fatalf("unexpected summary %+v", list[1])
	}
	if list[2].Bound {
		t.Fatal("opaque entry without binder should be unbound")
	}
	schema := list[0].Parameters.(map[string]any)
	if req := schema["required"].([]string); req[0] != "query" {
		t.Fatalf("unexpected web_search schema %v", schema)
	}

	if !r.Remove("b") || r.Remove("b") {
		t.Fatal("Remove should report presence once")
	}
	if r.Get("b") != nil || r.Len() != 2 {
		t.Fatal("tool b should be gone")
	}
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			src := fmt.Sprintf("def execute(x):\n    return '%d'\n", n)
			_ = r.Register(ctx, core.ToolDefinition{ID: "t", Kind: core.ToolKindFunction, SourceCode: src})
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if tool := r.Get("t"); tool != nil {
					if out := Invoke(ctx, tool, "t", ""); strings.HasPrefix(out, "Error") {
						t.Errorf("reader observed broken tool: %s", out)
					}
				}
				_ = r.List()
			}
		}()
	}
	wg.Wait()
	if r.Len() != 1 {
		t.Fatalf("expected one entry, got %d", r.Len())
	}
}
