// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent turns stored agent descriptors into resolved, tool-bound
// agents and caches them by id.
package agent

import (
	"context"
	"errors"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/llm"
)

// DefaultMaxIterations bounds loop agents that do not set a limit.
const DefaultMaxIterations = 10

// Handler runs a custom agent turn.
type Handler func(ctx context.Context, input string) (string, error)

// BoundTool is a registry tool attached to an agent under its id.
type BoundTool struct {
	ID   string
	Tool core.Tool
}

// Agent is the resolved, invocable form of a Descriptor. It is immutable
// once built.
type Agent struct {
	id            string
	name          string
	description   string
	kind          Kind
	model         ModelSettings
	provider      llm.Provider
	systemPrompt  string
	tools         []BoundTool
	subAgents     []*Agent
	maxIterations int
	handler       Handler
	warnings      []string

	// ids named by the descriptor, including the ones dropped
	declaredTools []string
	declaredSubs  []string
}

var (
	ErrMissingHandler  = errors.New("custom agent handler is required")
	ErrMissingProvider = errors.New("llm agent provider is required")
)

// Option configures an Agent instance.
type Option func(*Agent) error

// New creates a resolved agent with a required id and options.
func New(id string, opts ...Option) (*Agent, error) {
	a := &Agent{id: id, kind: KindLLM}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.id == "" {
		return nil, errors.New("agent id is required")
	}
	switch a.kind {
	case KindCustom:
		if a.handler == nil {
			return nil, ErrMissingHandler
		}
	case KindLLM:
		if a.provider == nil {
			return nil, ErrMissingProvider
		}
	case KindLoop:
		if a.maxIterations <= 0 {
			a.maxIterations = DefaultMaxIterations
		}
	}
	return a, nil
}

// WithName sets the display name.
func WithName(name string) Option {
	return func(a *Agent) error {
		a.name = name
		return nil
	}
}

// WithDescription sets the description advertised to delegating parents.
func WithDescription(desc string) Option {
	return func(a *Agent) error {
		a.description = desc
		return nil
	}
}

// WithKind sets the agent kind.
func WithKind(kind Kind) Option {
	return func(a *Agent) error {
		a.kind = kind
		return nil
	}
}

// WithModel binds the model backend and its settings.
func WithModel(provider llm.Provider, settings ModelSettings) Option {
	return func(a *Agent) error {
		a.provider = provider
		a.model = settings
		return nil
	}
}

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) error {
		a.systemPrompt = prompt
		return nil
	}
}

// WithTools attaches tools in order.
func WithTools(tools ...BoundTool) Option {
	return func(a *Agent) error {
		a.tools = append(a.tools, tools...)
		return nil
	}
}

// WithSubAgents attaches sub-agents in order.
func WithSubAgents(subs ...*Agent) Option {
	return func(a *Agent) error {
		a.subAgents = append(a.subAgents, subs...)
		return nil
	}
}

// WithMaxIterations bounds a loop agent.
func WithMaxIterations(n int) Option {
	return func(a *Agent) error {
		a.maxIterations = n
		return nil
	}
}

// WithHandler sets the custom agent handler.
func WithHandler(handler Handler) Option {
	return func(a *Agent) error {
		a.handler = handler
		return nil
	}
}

func withResolution(warnings, tools, subs []string) Option {
	return func(a *Agent) error {
		a.warnings = append([]string(nil), warnings...)
		a.declaredTools = append([]string(nil), tools...)
		a.declaredSubs = append([]string(nil), subs...)
		return nil
	}
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Name returns the display name, falling back to the id.
func (a *Agent) Name() string {
	if a.name != "" {
		return a.name
	}
	return a.id
}

// Description returns the agent description.
func (a *Agent) Description() string { return a.description }

// Kind returns the agent kind.
func (a *Agent) Kind() Kind { return a.kind }

// Model returns the model settings.
func (a *Agent) Model() ModelSettings { return a.model }

// Provider returns the model backend handle.
func (a *Agent) Provider() llm.Provider { return a.provider }

// SystemPrompt returns the system prompt.
func (a *Agent) SystemPrompt() string { return a.systemPrompt }

// Tools returns the bound tools.
func (a *Agent) Tools() []BoundTool {
	return append([]BoundTool(nil), a.tools...)
}

// SubAgents returns the resolved sub-agents.
func (a *Agent) SubAgents() []*Agent {
	return append([]*Agent(nil), a.subAgents...)
}

// MaxIterations returns the loop bound.
func (a *Agent) MaxIterations() int { return a.maxIterations }

// Handler returns the custom handler, if any.
func (a *Agent) Handler() Handler { return a.handler }

// Warnings lists the tools and sub-agents dropped during resolution.
func (a *Agent) Warnings() []string {
	return append([]string(nil), a.warnings...)
}

// Embeds reports whether id is a or one of its descendants, counting
// sub-agents that were declared but dropped.
func (a *Agent) Embeds(id string) bool {
	if a.id == id {
		return true
	}
	for _, d := range a.declaredSubs {
		if d == id {
			return true
		}
	}
	for _, sub := range a.subAgents {
		if sub.Embeds(id) {
			return true
		}
	}
	return false
}

// UsesTool reports whether a or a descendant binds or declares toolID.
func (a *Agent) UsesTool(toolID string) bool {
	for _, t := range a.tools {
		if t.ID == toolID {
			return true
		}
	}
	for _, id := range a.declaredTools {
		if id == toolID {
			return true
		}
	}
	for _, sub := range a.subAgents {
		if sub.UsesTool(toolID) {
			return true
		}
	}
	return false
}
