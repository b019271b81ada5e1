// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/llm"
)

// ToolSource supplies registered tools by id. A nil result means the tool
// is not available.
type ToolSource interface {
	Get(id string) core.Tool
}

// Source loads stored descriptors. Missing agents are reported with a
// NOT_FOUND error.
type Source interface {
	GetAgent(ctx context.Context, id string) (*Descriptor, error)
}

// ProviderFactory builds the model backend handle for a set of settings.
type ProviderFactory func(settings ModelSettings) (llm.Provider, error)

// CustomFactory builds the handler of a custom agent. It is selected by the
// descriptor's config "type" value.
type CustomFactory func(ctx context.Context, desc Descriptor, tools []BoundTool, subAgents []*Agent) (Handler, error)

type cache map[string]*Agent

// Resolver resolves descriptors into agents and caches them by id until
// invalidated. Cache reads are lock-free.
type Resolver struct {
	tools     ToolSource
	source    Source
	providers ProviderFactory
	defaults  ModelSettings
	custom    map[string]CustomFactory
	logger    *slog.Logger

	cached  atomic.Pointer[cache]
	writeMu sync.Mutex
	// generation counts invalidations. A build only lands in the cache if
	// no invalidation happened since it started reading.
	generation uint64
	loads      singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSource sets the descriptor store used by Get and by sub-agent refs.
func WithSource(s Source) ResolverOption {
	return func(r *Resolver) { r.source = s }
}

// WithProviderFactory sets how model backends are built.
func WithProviderFactory(f ProviderFactory) ResolverOption {
	return func(r *Resolver) { r.providers = f }
}

// WithProvider binds every LLM agent to p.
func WithProvider(p llm.Provider) ResolverOption {
	return func(r *Resolver) {
		r.providers = func(ModelSettings) (llm.Provider, error) { return p, nil }
	}
}

// WithDefaultModel sets the settings used where descriptors leave gaps.
func WithDefaultModel(s ModelSettings) ResolverOption {
	return func(r *Resolver) { r.defaults = s }
}

// WithCustomFactory registers the factory for custom agents of type name.
func WithCustomFactory(name string, f CustomFactory) ResolverOption {
	return func(r *Resolver) { r.custom[name] = f }
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver reading tools from tools.
func NewResolver(tools ToolSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		tools:  tools,
		custom: make(map[string]CustomFactory),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := cache{}
	r.cached.Store(&empty)
	return r
}

// Resolve builds desc and caches the result under desc.ID. Missing tools and
// failing sub-agents are dropped with a warning; only structural problems
// fail with AGENT_BUILD_ERROR.
func (r *Resolver) Resolve(ctx context.Context, desc Descriptor) (*Agent, error) {
	return r.resolve(ctx, desc, r.currentGeneration())
}

func (r *Resolver) resolve(ctx context.Context, desc Descriptor, gen uint64) (*Agent, error) {
	a, err := r.build(ctx, desc, ModelSettings{}, map[string]bool{}, nil)
	if err != nil {
		r.logger.ErrorContext(ctx, "agent.resolve.failed",
			slog.String("agent_id", desc.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if !r.store(a, gen) {
		r.logger.DebugContext(ctx, "agent.cache.skipped", slog.String("agent_id", a.ID()))
	}
	r.logger.InfoContext(ctx, "agent.resolved",
		slog.String("agent_id", a.ID()),
		slog.String("kind", string(a.Kind())),
		slog.Int("tools", len(a.tools)),
		slog.Int("sub_agents", len(a.subAgents)),
		slog.Int("warnings", len(a.warnings)),
	)
	return a, nil
}

// Check builds desc without caching it. Sub-agent refs are read from the
// Source, so a descriptor can be validated before it is stored.
func (r *Resolver) Check(ctx context.Context, desc Descriptor) (*Agent, error) {
	return r.build(ctx, desc, ModelSettings{}, map[string]bool{}, nil)
}

// Get returns the cached agent for id, resolving it from the Source on a
// miss. Concurrent misses for the same id share one resolution.
func (r *Resolver) Get(ctx context.Context, id string) (*Agent, error) {
	if a, ok := r.Cached(id); ok {
		return a, nil
	}
	if r.source == nil {
		return nil, errors.Newf(errors.CodeNotFound, "agent %q not found", id)
	}
	v, err, _ := r.loads.Do(id, func() (any, error) {
		if a, ok := r.Cached(id); ok {
			return a, nil
		}
		gen := r.currentGeneration()
		desc, err := r.source.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		if desc == nil {
			return nil, errors.Newf(errors.CodeNotFound, "agent %q not found", id)
		}
		return r.resolve(ctx, *desc, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Agent), nil
}

// Cached returns the cached agent for id without resolving.
func (r *Resolver) Cached(id string) (*Agent, bool) {
	a, ok := (*r.cached.Load())[id]
	return a, ok
}

// Invalidate drops id and every cached agent embedding it. It returns the
// ids dropped.
func (r *Resolver) Invalidate(id string) []string {
	return r.evict(func(a *Agent) bool { return a.Embeds(id) })
}

// InvalidateTool drops every cached agent that declares toolID.
func (r *Resolver) InvalidateTool(toolID string) []string {
	return r.evict(func(a *Agent) bool { return a.UsesTool(toolID) })
}

// Purge empties the cache.
func (r *Resolver) Purge() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.generation++
	empty := cache{}
	r.cached.Store(&empty)
}

func (r *Resolver) currentGeneration() uint64 {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.generation
}

// store caches a unless an invalidation happened after gen was taken.
func (r *Resolver) store(a *Agent, gen uint64) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.generation != gen {
		return false
	}
	prev := *r.cached.Load()
	next := make(cache, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[a.ID()] = a
	r.cached.Store(&next)
	return true
}

func (r *Resolver) evict(match func(*Agent) bool) []string {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.generation++
	prev := *r.cached.Load()
	next := make(cache, len(prev))
	var dropped []string
	for k, v := range prev {
		if match(v) {
			dropped = append(dropped, k)
			continue
		}
		next[k] = v
	}
	if len(dropped) > 0 {
		r.cached.Store(&next)
		r.logger.Debug("agent.cache.invalidated", slog.Any("agent_ids", dropped))
	}
	return dropped
}

// build resolves desc; stack holds the ids being resolved above it.
func (r *Resolver) build(ctx context.Context, desc Descriptor, inherited ModelSettings, stack map[string]bool, path []string) (*Agent, error) {
	path = append(path, desc.ID)
	if strings.TrimSpace(desc.ID) == "" {
		return nil, errors.New(errors.CodeAgentBuild, "agent id is required", nil)
	}
	if stack[desc.ID] {
		return nil, errors.New(errors.CodeAgentBuild, "cyclic sub-agent reference", nil).
			WithContext("agent_id", desc.ID).
			WithContext("path", strings.Join(path, " -> "))
	}
	kind, err := ParseKind(string(desc.Kind))
	if err != nil {
		return nil, errors.New(errors.CodeAgentBuild, err.Error(), nil).WithContext("agent_id", desc.ID)
	}
	stack[desc.ID] = true
	defer delete(stack, desc.ID)

	settings := desc.Model.Merge(inherited).Merge(r.defaults)
	var warnings []string
	log := r.logger.With(slog.String("agent_id", desc.ID))

	tools := make([]BoundTool, 0, len(desc.ToolIDs))
	for _, id := range desc.ToolIDs {
		var t core.Tool
		if r.tools != nil {
			t = r.tools.Get(id)
		}
		if t == nil {
			warnings = append(warnings, fmt.Sprintf("tool %q not found", id))
			log.WarnContext(ctx, "agent.resolve.tool_missing", slog.String("tool_id", id))
			continue
		}
		tools = append(tools, BoundTool{ID: id, Tool: t})
	}

	subs := make([]*Agent, 0, len(desc.SubAgents))
	declaredSubs := make([]string, 0, len(desc.SubAgents))
	for _, sub := range desc.SubAgents {
		subID := sub.ID
		if sub.Ref != "" {
			subID = sub.Ref
		}
		declaredSubs = append(declaredSubs, subID)
		child, err := r.buildSub(ctx, sub, settings, stack, path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("sub-agent %q dropped: %s", subID, err))
			log.WarnContext(ctx, "agent.resolve.sub_agent_dropped",
				slog.String("sub_agent_id", subID),
				slog.String("error", err.Error()),
			)
			continue
		}
		subs = append(subs, child)
	}
	if kind.IsWorkflow() && len(subs) == 0 {
		warnings = append(warnings, "workflow agent has no sub-agents")
		log.WarnContext(ctx, "agent.resolve.empty_workflow")
	}

	opts := []Option{
		WithName(desc.Name),
		WithDescription(desc.Description),
		WithKind(kind),
		WithSystemPrompt(desc.SystemPrompt),
		WithTools(tools...),
		WithSubAgents(subs...),
		WithMaxIterations(desc.MaxIterations),
		withResolution(warnings, desc.ToolIDs, declaredSubs),
	}
	switch kind {
	case KindLLM:
		if r.providers == nil {
			return nil, errors.Newf(errors.CodeAgentBuild, "no model provider configured for agent %q", desc.ID)
		}
		provider, err := r.providers(settings)
		if err != nil {
			return nil, errors.New(errors.CodeAgentBuild, fmt.Sprintf("model backend for agent %q", desc.ID), err)
		}
		opts = append(opts, WithModel(provider, settings))
	case KindCustom:
		name, _ := desc.Config["type"].(string)
		factory, ok := r.custom[name]
		if !ok {
			return nil, errors.Newf(errors.CodeAgentBuild, "no custom agent factory %q for agent %q", name, desc.ID)
		}
		handler, err := factory(ctx, desc, tools, subs)
		if err != nil {
			return nil, errors.New(errors.CodeAgentBuild, fmt.Sprintf("custom agent %q", desc.ID), err)
		}
		opts = append(opts, WithHandler(handler))
	default:
		opts = append(opts, WithModel(nil, settings))
	}

	a, err := New(desc.ID, opts...)
	if err != nil {
		return nil, errors.New(errors.CodeAgentBuild, "invalid agent", err).WithContext("agent_id", desc.ID)
	}
	return a, nil
}

func (r *Resolver) buildSub(ctx context.Context, sub SubAgent, inherited ModelSettings, stack map[string]bool, path []string) (*Agent, error) {
	if sub.Ref == "" {
		return r.build(ctx, sub.Descriptor(), inherited, stack, path)
	}
	if stack[sub.Ref] {
		return r.build(ctx, Descriptor{ID: sub.Ref}, inherited, stack, path)
	}
	if r.source == nil {
		return nil, errors.Newf(errors.CodeNotFound, "agent %q not found", sub.Ref)
	}
	desc, err := r.source.GetAgent(ctx, sub.Ref)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, errors.Newf(errors.CodeNotFound, "agent %q not found", sub.Ref)
	}
	return r.build(ctx, *desc, inherited, stack, path)
}
