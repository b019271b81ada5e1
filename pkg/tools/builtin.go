// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/llm"
)

// TextFunc is the body of a host-provided tool.
type TextFunc func(ctx context.Context, input string) (string, error)

// FuncTool adapts a TextFunc to the tool contracts. Errors from the
// function are reported in the returned text.
type FuncTool struct {
	name        string
	description string
	parameters  any
	fn          TextFunc
}

// NewFuncTool builds a text tool. A nil parameters schema advertises the
// single "input" string field.
func NewFuncTool(name, description string, parameters any, fn TextFunc) *FuncTool {
	if parameters == nil {
		parameters = core.DefaultParameters()
	}
	return &FuncTool{name: name, description: description, parameters: parameters, fn: fn}
}

// Name implements core.Tool.
func (t *FuncTool) Name() string { return t.name }

// Run implements core.TextRunner.
func (t *FuncTool) Run(ctx context.Context, input string) string {
	out, err := t.fn(ctx, input)
	if err != nil {
		return fmt.Sprintf("Error executing tool %s: %s", t.name, err)
	}
	return out
}

// Call implements core.Tool.
func (t *FuncTool) Call(ctx context.Context, input any) (any, error) {
	return t.Run(ctx, core.InputText(input)), nil
}

// ToolDefinition implements core.ToolDefiner.
func (t *FuncTool) ToolDefinition() llm.Tool {
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        t.name,
			Description: t.description,
			Parameters:  t.parameters,
		},
	}
}

// BuiltinFactory creates a host capability for a builtin definition.
type BuiltinFactory func(def core.ToolDefinition) (core.Tool, error)

// Builtins is the fixed table of host capabilities keyed by builtin name.
type Builtins struct {
	mu        sync.RWMutex
	factories map[string]BuiltinFactory
}

// NewBuiltins returns an empty table.
func NewBuiltins() *Builtins {
	return &Builtins{factories: make(map[string]BuiltinFactory)}
}

// Add registers factory under name.
func (b *Builtins) Add(name string, factory BuiltinFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[name] = factory
}

// Names lists the available builtin names.
func (b *Builtins) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.factories))
	for n := range b.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the capability named by def.BuiltinName. An unknown
// name fails with TOOL_BUILD_ERROR.
func (b *Builtins) Build(def core.ToolDefinition) (core.Tool, error) {
	name := strings.TrimSpace(def.BuiltinName)
	if name == "" {
		name = def.ID
	}
	b.mu.RLock()
	factory, ok := b.factories[name]
	b.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CodeToolBuild, "tool %q references unknown builtin %q", def.ID, name).
			WithContext("available", b.Names())
	}
	tool, err := factory(def)
	if err != nil {
		return nil, errors.New(errors.CodeToolBuild, fmt.Sprintf("builtin %q", name), err)
	}
	return tool, nil
}

// BuiltinConfig configures the default host capabilities.
type BuiltinConfig struct {
	// SearchEndpoint is the HTML search endpoint queried by web_search.
	SearchEndpoint string
	HTTPClient     *http.Client
	Now            func() time.Time
}

const defaultSearchEndpoint = "https://html.duckduckgo.com/html/"

// DefaultBuiltins returns the web_search, fetch_url and current_time
// capabilities.
func DefaultBuiltins(cfg BuiltinConfig) *Builtins {
	if cfg.SearchEndpoint == "" {
		cfg.SearchEndpoint = defaultSearchEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	b := NewBuiltins()
	b.Add("web_search", func(def core.ToolDefinition) (core.Tool, error) {
		s := &webSearch{endpoint: cfg.SearchEndpoint, client: cfg.HTTPClient, maxResults: configInt(def.Config, "max_results", 5)}
		return NewFuncTool(nameOr(def, "web_search"),
			descriptionOr(def, "Searches the web and returns the top results with titles, links and snippets."),
			queryParameters("query", "The search query"), s.search), nil
	})
	b.Add("fetch_url", func(def core.ToolDefinition) (core.Tool, error) {
		f := &urlFetcher{client: cfg.HTTPClient, maxChars: configInt(def.Config, "max_chars", 8000)}
		return NewFuncTool(nameOr(def, "fetch_url"),
			descriptionOr(def, "Fetches a web page and returns its readable text."),
			queryParameters("url", "The http or https URL to fetch"), f.fetch), nil
	})
	b.Add("current_time", func(def core.ToolDefinition) (core.Tool, error) {
		return NewFuncTool(nameOr(def, "current_time"),
			descriptionOr(def, "Returns the current date and time, optionally in an IANA time zone."),
			queryParameters("timezone", "IANA time zone name such as Europe/Madrid"),
			func(_ context.Context, input string) (string, error) {
				return currentTime(cfg.Now(), input)
			}), nil
	})
	return b
}

func currentTime(now time.Time, zone string) (string, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return now.UTC().Format(time.RFC3339), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", fmt.Errorf("unknown time zone %q", zone)
	}
	return now.In(loc).Format(time.RFC3339), nil
}

func queryParameters(field, description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			field: map[string]any{"type": "string", "description": description},
		},
		"required": []string{field},
	}
}

func nameOr(def core.ToolDefinition, fallback string) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return fallback
}

func descriptionOr(def core.ToolDefinition, fallback string) string {
	if def.Description != "" {
		return def.Description
	}
	return fallback
}

func configInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}
