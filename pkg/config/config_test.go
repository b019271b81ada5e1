// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected default provider ollama, got %s", cfg.LLM.Provider)
	}
	if cfg.Execution.Timeout != 120*time.Second {
		t.Errorf("expected 120s execution timeout, got %s", cfg.Execution.Timeout)
	}
	if cfg.Sandbox.CallTimeout != 10*time.Second {
		t.Errorf("expected 10s call timeout, got %s", cfg.Sandbox.CallTimeout)
	}
	if cfg.Sandbox.MaxSteps != 1_000_000 {
		t.Errorf("unexpected max steps %d", cfg.Sandbox.MaxSteps)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory store, got %s", cfg.Store.Driver)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("FORGE_LLM_PROVIDER", "openai")
	t.Setenv("FORGE_SANDBOX_MAX_STEPS", "5000")
	t.Setenv("FORGE_EXECUTION_TIMEOUT", "3s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("expected provider openai from env, got %s", cfg.LLM.Provider)
	}
	if cfg.Sandbox.MaxSteps != 5000 {
		t.Errorf("expected max steps from env, got %d", cfg.Sandbox.MaxSteps)
	}
	if cfg.Execution.Timeout != 3*time.Second {
		t.Errorf("expected 3s timeout from env, got %s", cfg.Execution.Timeout)
	}
}

func TestLoadFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	content := `
llm:
  provider: anthropic
  model: claude-sonnet-4
sandbox:
  fs_root: /srv/tools
  allow_network: true
store:
  driver: sqlite
  dsn: file:test.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	overrides, err := ParseOverrides([]string{"llm.model=claude-haiku", "telemetry.exporter=stdout"})
	if err != nil {
		t.Fatalf("ParseOverrides: %v", err)
	}
	cfg, err := LoadWithOverrides(path, overrides)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Model != "claude-haiku" {
		t.Errorf("unexpected llm config %+v", cfg.LLM)
	}
	if !cfg.Sandbox.AllowNetwork || cfg.Sandbox.FSRoot != "/srv/tools" {
		t.Errorf("unexpected sandbox config %+v", cfg.Sandbox)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Telemetry.Exporter != "stdout" {
		t.Errorf("unexpected store/telemetry %+v %+v", cfg.Store, cfg.Telemetry)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	if _, err := LoadWithOverrides("", map[string]any{"llm.provider": "nope"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestParseOverridesInvalid(t *testing.T) {
	if _, err := ParseOverrides([]string{"novalue"}); err == nil {
		t.Fatal("expected error for pair without '='")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSessionRetention(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.Retention != 168*time.Hour || cfg.Session.SweepInterval != time.Hour {
		t.Errorf("unexpected session defaults %+v", cfg.Session)
	}

	t.Setenv("FORGE_SESSION_SWEEP_INTERVAL", "5m")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.SweepInterval != 5*time.Minute {
		t.Errorf("expected sweep interval from env, got %s", cfg.Session.SweepInterval)
	}

	if _, err := LoadWithOverrides("", map[string]any{"session.retention": "-1h"}); err == nil {
		t.Fatal("expected negative retention to be rejected")
	}
}
