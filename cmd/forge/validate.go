// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/mcp"
	"github.com/jllopis/kairosforge/pkg/sandbox"
	"github.com/jllopis/kairosforge/pkg/store"
	"github.com/jllopis/kairosforge/pkg/tools"
)

type validateResult struct {
	Checks  []checkResult `json:"checks"`
	Overall string        `json:"overall"`
}

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "ok", "warn", "error"
	Message string `json:"message,omitempty"`
}

// runValidate compiles every tool and checks every agent in the given
// definition files or directories without starting anything.
func runValidate(ctx context.Context, flags globalFlags, args []string) {
	if len(args) == 0 {
		fatal(NewInvalidArgumentError("validate", "at least one file or directory is required"))
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		fatalJSON(err, flags.JSON)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	builder, err := newBuilder(cfg.Sandbox, logger)
	if err != nil {
		fatalJSON(NewStartupError(err, "sandbox"), flags.JSON)
	}

	seed := &store.Seed{}
	var checks []checkResult
	for _, path := range args {
		s, err := loadSeed(path)
		if err != nil {
			checks = append(checks, checkResult{Name: path, Status: "error", Message: err.Error()})
			continue
		}
		seed.Tools = append(seed.Tools, s.Tools...)
		seed.Agents = append(seed.Agents, s.Agents...)
	}
	checks = append(checks, validateSeed(ctx, seed, builder, tools.DefaultBuiltins(tools.BuiltinConfig{}))...)

	result := validateResult{Checks: checks, Overall: overall(checks)}
	if flags.JSON {
		printJSON(result)
	} else {
		writer := newTabWriter()
		writeRow(writer, "CHECK", "STATUS", "MESSAGE")
		for _, c := range result.Checks {
			writeRow(writer, c.Name, c.Status, c.Message)
		}
		_ = writer.Flush()
		fmt.Printf("\noverall: %s\n", result.Overall)
	}
	if result.Overall == "error" {
		os.Exit(1)
	}
}

func loadSeed(path string) (*store.Seed, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return store.LoadSeedDir(path)
	}
	return store.LoadSeedFile(path)
}

func validateSeed(ctx context.Context, seed *store.Seed, builder *sandbox.Builder, builtins *tools.Builtins) []checkResult {
	var checks []checkResult
	toolIDs := make(map[string]bool, len(seed.Tools))
	for _, def := range seed.Tools {
		c := validateTool(ctx, def, builder, builtins)
		if c.Status != "error" {
			toolIDs[def.ID] = true
		}
		checks = append(checks, c)
	}

	agentIDs := make(map[string]bool, len(seed.Agents))
	for _, desc := range seed.Agents {
		agentIDs[desc.ID] = true
	}
	for _, desc := range seed.Agents {
		checks = append(checks, validateAgent(desc, toolIDs, agentIDs))
	}
	return checks
}

func validateTool(ctx context.Context, def core.ToolDefinition, builder *sandbox.Builder, builtins *tools.Builtins) checkResult {
	name := "tool " + def.ID
	var err error
	switch def.Kind {
	case core.ToolKindFunction:
		_, err = builder.Build(ctx, def)
	case core.ToolKindBuiltin:
		_, err = builtins.Build(def)
	case core.ToolKindOpaque:
		if transport, _ := def.Config["transport"].(string); strings.EqualFold(transport, mcp.Transport) {
			_, err = mcp.ParseServerConfig(def)
		} else {
			return checkResult{Name: name, Status: "warn", Message: "opaque tool without a known transport stays unbound"}
		}
	default:
		err = fmt.Errorf("unknown tool kind %q", def.Kind)
	}
	if err != nil {
		return checkResult{Name: name, Status: "error", Message: err.Error()}
	}
	return checkResult{Name: name, Status: "ok"}
}

func validateAgent(desc agent.Descriptor, toolIDs, agentIDs map[string]bool) checkResult {
	name := "agent " + desc.ID
	if desc.ID == "" {
		return checkResult{Name: "agent", Status: "error", Message: "agent id is required"}
	}
	kind, err := agent.ParseKind(string(desc.Kind))
	if err != nil {
		return checkResult{Name: name, Status: "error", Message: err.Error()}
	}

	var missing []string
	for _, id := range desc.ToolIDs {
		if !toolIDs[id] {
			missing = append(missing, "tool "+id)
		}
	}
	for _, sub := range desc.SubAgents {
		if sub.Ref != "" && !agentIDs[sub.Ref] {
			missing = append(missing, "agent "+sub.Ref)
		}
	}
	switch {
	case len(missing) > 0:
		slices.Sort(missing)
		return checkResult{Name: name, Status: "warn", Message: fmt.Sprintf("unresolved references dropped at runtime: %v", missing)}
	case kind.IsWorkflow() && len(desc.SubAgents) == 0:
		return checkResult{Name: name, Status: "warn", Message: "workflow agent has no sub-agents"}
	}
	return checkResult{Name: name, Status: "ok"}
}

func overall(checks []checkResult) string {
	status := "ok"
	for _, c := range checks {
		switch c.Status {
		case "error":
			return "error"
		case "warn":
			status = "warn"
		}
	}
	return status
}
