// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the entry point used by every surface: it keeps the
// descriptor store, the tool registry and the agent cache consistent and
// funnels chats into the executor.
package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/runtime"
	"github.com/jllopis/kairosforge/pkg/store"
	"github.com/jllopis/kairosforge/pkg/tools"
)

// Publisher republishes the tool set on an outer surface after a change.
type Publisher interface {
	Sync() int
}

// ChatRequest is one user message addressed to a stored agent.
type ChatRequest struct {
	AgentID   string         `json:"agent_id"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Service composes the store, registry, resolver and executor.
type Service struct {
	store     store.Store
	registry  *tools.Registry
	resolver  *agent.Resolver
	executor  runtime.Executor
	publisher Publisher
	locks     *sessionLocks
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher registers p to be synced after tool changes.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithSessionLocking serialises chats that share a session id.
func WithSessionLocking() Option {
	return func(s *Service) { s.locks = newSessionLocks() }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Service.
func New(st store.Store, reg *tools.Registry, res *agent.Resolver, exec runtime.Executor, opts ...Option) *Service {
	s := &Service{
		store:    st,
		registry: reg,
		resolver: res,
		executor: exec,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Chat resolves the agent and runs one turn. Like the executor it never
// fails: resolution problems are reported in the Result.
func (s *Service) Chat(ctx context.Context, req ChatRequest) runtime.Result {
	start := time.Now()
	if strings.TrimSpace(req.AgentID) == "" {
		return failure(start, errors.New(errors.CodeInvalidInput, "agent_id is required", nil))
	}
	if strings.TrimSpace(req.Message) == "" {
		return failure(start, errors.New(errors.CodeInvalidInput, "message is required", nil))
	}

	a, err := s.resolver.Get(ctx, req.AgentID)
	if err != nil {
		s.logger.WarnContext(ctx, "service.chat.resolve_failed",
			slog.String("agent_id", req.AgentID),
			slog.String("error", err.Error()),
		)
		return failure(start, err)
	}

	if s.locks != nil && req.SessionID != "" {
		unlock, err := s.locks.lock(ctx, req.SessionID)
		if err != nil {
			return failure(start, errors.New(errors.CodeTimeout, "waiting for session", err))
		}
		defer unlock()
	}

	return s.executor.Execute(ctx, runtime.Request{
		Agent:      a,
		Prompt:     req.Message,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Attributes: req.Metadata,
	})
}

func failure(start time.Time, err error) runtime.Result {
	code := errors.CodeInternal
	if fe := errors.AsForgeError(err); fe != nil {
		code = fe.Code
	}
	return runtime.Result{
		Error:         runtime.Message(err),
		Code:          code,
		ExecutionTime: time.Since(start),
		Metadata:      map[string]any{},
	}
}

// RegisterTool builds def, persists it and drops cached agents using it.
// Nothing is stored when the build fails, and a failed save puts back the
// entry def was replacing.
func (s *Service) RegisterTool(ctx context.Context, def core.ToolDefinition) error {
	prev, hadPrev := s.registry.Lookup(def.ID)
	if err := s.registry.Register(ctx, def); err != nil {
		return err
	}
	if err := s.store.SaveTool(ctx, def); err != nil {
		if hadPrev {
			s.registry.Put(prev)
		} else {
			s.registry.Remove(def.ID)
		}
		s.resolver.InvalidateTool(def.ID)
		return err
	}
	s.toolChanged(ctx, def.ID)
	return nil
}

// DeleteTool removes the tool from the registry and the store.
func (s *Service) DeleteTool(ctx context.Context, id string) error {
	err := s.store.DeleteTool(ctx, id)
	removed := s.registry.Remove(id)
	if err != nil && !(removed && errors.IsCode(err, errors.CodeNotFound)) {
		return err
	}
	s.toolChanged(ctx, id)
	return nil
}

func (s *Service) toolChanged(ctx context.Context, id string) {
	dropped := s.resolver.InvalidateTool(id)
	published := -1
	if s.publisher != nil {
		published = s.publisher.Sync()
	}
	s.logger.InfoContext(ctx, "service.tool.changed",
		slog.String("tool_id", id),
		slog.Int("agents_invalidated", len(dropped)),
		slog.Int("published", published),
	)
}

// ListTools summarises the registered tools.
func (s *Service) ListTools(context.Context) []tools.Summary {
	return s.registry.List()
}

// GetTool returns the stored definition of id.
func (s *Service) GetTool(ctx context.Context, id string) (*core.ToolDefinition, error) {
	return s.store.GetTool(ctx, id)
}

// RegisterAgent validates desc, stores it and invalidates the cached agent
// and every cached parent embedding it. The resolution warnings are
// returned so callers can surface dropped tools and sub-agents.
func (s *Service) RegisterAgent(ctx context.Context, desc agent.Descriptor) ([]string, error) {
	a, err := s.resolver.Check(ctx, desc)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveAgent(ctx, desc); err != nil {
		return nil, err
	}
	dropped := s.resolver.Invalidate(desc.ID)
	s.logger.InfoContext(ctx, "service.agent.registered",
		slog.String("agent_id", desc.ID),
		slog.Int("warnings", len(a.Warnings())),
		slog.Int("agents_invalidated", len(dropped)),
	)
	return a.Warnings(), nil
}

// DeleteAgent removes the descriptor and invalidates every cached agent
// embedding it.
func (s *Service) DeleteAgent(ctx context.Context, id string) error {
	if err := s.store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	dropped := s.resolver.Invalidate(id)
	s.logger.InfoContext(ctx, "service.agent.deleted",
		slog.String("agent_id", id),
		slog.Int("agents_invalidated", len(dropped)),
	)
	return nil
}

// GetAgent returns the stored descriptor of id.
func (s *Service) GetAgent(ctx context.Context, id string) (*agent.Descriptor, error) {
	return s.store.GetAgent(ctx, id)
}

// ListAgents returns every stored descriptor.
func (s *Service) ListAgents(ctx context.Context) ([]agent.Descriptor, error) {
	return s.store.ListAgents(ctx)
}

// Restore rebuilds the registry from the stored tool definitions. Tools
// that no longer build are skipped and reported together.
func (s *Service) Restore(ctx context.Context) error {
	defs, err := s.store.ListTools(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, def := range defs {
		if err := s.registry.Register(ctx, def); err != nil {
			errs = append(errs, err)
		}
	}
	// Cached agents hold the tool instances that were just replaced.
	s.resolver.Purge()
	if s.publisher != nil {
		s.publisher.Sync()
	}
	s.logger.InfoContext(ctx, "service.restored",
		slog.Int("tools", len(defs)),
		slog.Int("failed", len(errs)),
	)
	return stderrors.Join(errs...)
}

// Seed registers the tools of seed and then its agents. Failing entries are
// skipped and reported together.
func (s *Service) Seed(ctx context.Context, seed *store.Seed) error {
	if seed == nil {
		return nil
	}
	var errs []error
	for _, def := range seed.Tools {
		if err := s.RegisterTool(ctx, def); err != nil {
			errs = append(errs, err)
		}
	}
	// Agents are saved before any is checked so refs between them resolve
	// regardless of file order.
	for _, desc := range seed.Agents {
		if err := s.store.SaveAgent(ctx, desc); err != nil {
			errs = append(errs, err)
		}
	}
	for _, desc := range seed.Agents {
		if _, err := s.RegisterAgent(ctx, desc); err != nil {
			errs = append(errs, err)
			if derr := s.store.DeleteAgent(ctx, desc.ID); derr != nil {
				errs = append(errs, derr)
			}
		}
	}
	s.logger.InfoContext(ctx, "service.seeded",
		slog.Int("tools", len(seed.Tools)),
		slog.Int("agents", len(seed.Agents)),
		slog.Int("failed", len(errs)),
	)
	return stderrors.Join(errs...)
}
