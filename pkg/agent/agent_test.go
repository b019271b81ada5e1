// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"testing"

	"github.com/jllopis/kairosforge/pkg/llm"
)

func TestNewValidatesKind(t *testing.T) {
	if _, err := New("", WithModel(&llm.MockProvider{}, ModelSettings{})); err == nil {
		t.Fatal("expected missing id error")
	}
	if _, err := New("a"); err != ErrMissingProvider {
		t.Fatalf("expected ErrMissingProvider, got %v", err)
	}
	if _, err := New("c", WithKind(KindCustom)); err != ErrMissingHandler {
		t.Fatalf("expected ErrMissingHandler, got %v", err)
	}
	loop, err := New("l", WithKind(KindLoop))
	if err != nil {
		t.Fatal(err)
	}
	if loop.MaxIterations() != DefaultMaxIterations {
		t.Fatalf("expected default max iterations, got %d", loop.MaxIterations())
	}
}

func TestAgentAccessors(t *testing.T) {
	child, _ := New("child", WithKind(KindCustom), WithHandler(func(context.Context, string) (string, error) { return "", nil }))
	a, err := New("root",
		WithName("Root"),
		WithModel(&llm.MockProvider{}, ModelSettings{Model: "m", Temperature: 0.2, MaxTokens: 64}),
		WithSystemPrompt("be brief"),
		WithSubAgents(child),
	)
	if err != nil {
		t.Fatal(err)
	}
	if a.Name() != "Root" || a.SystemPrompt() != "be brief" || a.Model().MaxTokens != 64 {
		t.Fatalf("unexpected agent %+v", a)
	}
	if !a.Embeds("child") || a.Embeds("other") {
		t.Fatal("Embeds mismatch")
	}
	subs := a.SubAgents()
	subs[0] = nil
	if a.SubAgents()[0] == nil {
		t.Fatal("SubAgents must return a copy")
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"":                    KindLLM,
		"LLM":                 KindLLM,
		"workflow-sequential": KindSequential,
		"parallel":            KindParallel,
		"loop":                KindLoop,
		"custom":              KindCustom,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("swarm"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestModelSettingsMerge(t *testing.T) {
	got := ModelSettings{Temperature: 0.5}.Merge(ModelSettings{Model: "base", Temperature: 0.9, MaxTokens: 100})
	if got != (ModelSettings{Model: "base", Temperature: 0.5, MaxTokens: 100}) {
		t.Fatalf("got %+v", got)
	}
}
