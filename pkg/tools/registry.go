// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools owns the registry of tool capabilities: sandboxed function
// tools, host builtins and opaque definitions bound by transport.
package tools

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/sandbox"
)

// OpaqueBinder turns an opaque definition into a callable tool. Binders are
// selected by the definition's "transport" config value.
type OpaqueBinder interface {
	Bind(ctx context.Context, def core.ToolDefinition) (core.Tool, error)
}

// OpaqueBinderFunc adapts a function to OpaqueBinder.
type OpaqueBinderFunc func(ctx context.Context, def core.ToolDefinition) (core.Tool, error)

// Bind implements OpaqueBinder.
func (f OpaqueBinderFunc) Bind(ctx context.Context, def core.ToolDefinition) (core.Tool, error) {
	return f(ctx, def)
}

// Entry is a registered definition and the callable built from it. Tool is
// nil for opaque definitions no binder could interpret.
type Entry struct {
	Definition core.ToolDefinition
	Tool       core.Tool
}

// Summary is the listing form of a registered tool.
type Summary struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Kind        core.ToolKind `json:"kind"`
	Description string        `json:"description,omitempty"`
	Parameters  any           `json:"parameters,omitempty"`
	Bound       bool          `json:"bound"`
}

type entries map[string]*Entry

// Registry maps tool ids to callables. Reads are lock-free; writers
// serialise and publish a fresh map so readers never see a partial update.
type Registry struct {
	current  atomic.Pointer[entries]
	writeMu  sync.Mutex
	builder  *sandbox.Builder
	builtins *Builtins
	binders  map[string]OpaqueBinder
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithBuilder sets the sandbox builder used for function tools.
func WithBuilder(b *sandbox.Builder) Option {
	return func(r *Registry) {
		if b != nil {
			r.builder = b
		}
	}
}

// WithBuiltins replaces the builtin capability table.
func WithBuiltins(b *Builtins) Option {
	return func(r *Registry) {
		if b != nil {
			r.builtins = b
		}
	}
}

// WithOpaqueBinder registers a binder for opaque tools using transport.
func WithOpaqueBinder(transport string, b OpaqueBinder) Option {
	return func(r *Registry) {
		r.binders[strings.ToLower(transport)] = b
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		binders: make(map[string]OpaqueBinder),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.builder == nil {
		r.builder = sandbox.NewBuilder(sandbox.WithLogger(r.logger))
	}
	if r.builtins == nil {
		r.builtins = DefaultBuiltins(BuiltinConfig{})
	}
	empty := entries{}
	r.current.Store(&empty)
	return r
}

// Register builds def and publishes it under def.ID, replacing any previous
// entry. On failure the registry is left unchanged.
func (r *Registry) Register(ctx context.Context, def core.ToolDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return errors.New(errors.CodeToolBuild, "tool id is required", nil)
	}
	tool, err := r.build(ctx, def)
	if err != nil {
		r.logger.WarnContext(ctx, "tool.register.failed",
			slog.String("tool_id", def.ID),
			slog.String("kind", string(def.Kind)),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	prev := *r.current.Load()
	next := make(entries, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	_, replaced := prev[def.ID]
	next[def.ID] = &Entry{Definition: def, Tool: tool}
	r.current.Store(&next)

	r.logger.InfoContext(ctx, "tool.registered",
		slog.String("tool_id", def.ID),
		slog.String("kind", string(def.Kind)),
		slog.Bool("replaced", replaced),
		slog.Bool("bound", tool != nil),
	)
	return nil
}

func (r *Registry) build(ctx context.Context, def core.ToolDefinition) (core.Tool, error) {
	switch def.Kind {
	case core.ToolKindFunction:
		tool, err := r.builder.Build(ctx, def)
		if err != nil {
			return nil, err
		}
		return tool, nil
	case core.ToolKindBuiltin:
		return r.builtins.Build(def)
	case core.ToolKindOpaque:
		return r.bindOpaque(ctx, def), nil
	default:
		return nil, errors.Newf(errors.CodeToolBuild, "tool %q has unknown kind %q", def.ID, def.Kind)
	}
}

// bindOpaque never fails: an opaque definition is stored as-is even when
// no binder can interpret it.
func (r *Registry) bindOpaque(ctx context.Context, def core.ToolDefinition) core.Tool {
	transport, _ := def.Config["transport"].(string)
	binder, ok := r.binders[strings.ToLower(transport)]
	if !ok || transport == "" {
		return nil
	}
	tool, err := binder.Bind(ctx, def)
	if err != nil {
		r.logger.WarnContext(ctx, "tool.opaque.bind_failed",
			slog.String("tool_id", def.ID),
			slog.String("transport", transport),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return tool
}

// Get returns the callable registered under id, or nil.
func (r *Registry) Get(id string) core.Tool {
	if e, ok := (*r.current.Load())[id]; ok {
		return e.Tool
	}
	return nil
}

// Lookup returns the entry registered under id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	e, ok := (*r.current.Load())[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns a summary of every registered tool ordered by id.
func (r *Registry) List() []Summary {
	snapshot := *r.current.Load()
	out := make([]Summary, 0, len(snapshot))
	for id, e := range snapshot {
		out = append(out, Summary{
			ID:          id,
			Name:        e.Definition.DisplayName(),
			Kind:        e.Definition.Kind,
			Description: e.Definition.Description,
			Parameters:  parametersOf(e),
			Bound:       e.Tool != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func parametersOf(e *Entry) any {
	if d, ok := e.Tool.(core.ToolDefiner); ok {
		return d.ToolDefinition().Function.Parameters
	}
	return e.Definition.ParametersSchema()
}

// Remove deletes id from the registry and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	prev := *r.current.Load()
	if _, ok := prev[id]; !ok {
		return false
	}
	next := make(entries, len(prev))
	for k, v := range prev {
		if k != id {
			next[k] = v
		}
	}
	r.current.Store(&next)
	r.logger.Info("tool.removed", slog.String("tool_id", id))
	return true
}

// Put publishes an entry that was already built, replacing any entry with
// the same id. It is how a caller rolls back a registration.
func (r *Registry) Put(e Entry) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	prev := *r.current.Load()
	next := make(entries, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[e.Definition.ID] = &e
	r.current.Store(&next)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(*r.current.Load())
}

// Builder returns the sandbox builder used for function tools.
func (r *Registry) Builder() *sandbox.Builder { return r.builder }
