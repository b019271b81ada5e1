// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime executes resolved agents: it drives a backend through one
// turn, persists the exchange in the session store and reports the outcome
// as an ExecutionResult.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/resilience"
	"github.com/jllopis/kairosforge/pkg/session"
)

const (
	// NoResponse is returned when a turn ends without a final response.
	NoResponse = "No response received"
	// DefaultAppName is the session namespace used when none is configured.
	DefaultAppName = "kairosforge"

	errorPrefix = "Error executing agent: "
	timeoutText = "timeout"
)

// Request describes one execution.
type Request struct {
	Agent     *agent.Agent
	Prompt    string
	SessionID string
	UserID    string
	// Attributes are caller-supplied tags recorded on the execution span.
	Attributes map[string]any
}

// Result is the outcome of one execution.
type Result struct {
	Success       bool
	Response      string
	Error         string
	Code          errors.ErrorCode
	ExecutionTime time.Duration
	Metadata      map[string]any
}

// MarshalJSON renders the execution time in seconds.
func (r Result) MarshalJSON() ([]byte, error) {
	type wire struct {
		Success       bool             `json:"success"`
		Response      *string          `json:"response"`
		Error         string           `json:"error,omitempty"`
		Code          errors.ErrorCode `json:"error_code,omitempty"`
		ExecutionTime float64          `json:"execution_time"`
		Metadata      map[string]any   `json:"metadata,omitempty"`
	}
	w := wire{
		Success:       r.Success,
		Error:         r.Error,
		Code:          r.Code,
		ExecutionTime: r.ExecutionTime.Seconds(),
		Metadata:      r.Metadata,
	}
	if r.Success {
		w.Response = &r.Response
	}
	return json.Marshal(w)
}

// Executor runs agents. It never returns an error: every failure is folded
// into the Result.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// Engine is the plain Executor.
type Engine struct {
	backend       Backend
	sessions      session.Store
	appName       string
	timeout       time.Duration
	historyWindow int
	logger        *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAppName sets the namespace under which sessions are created.
func WithAppName(name string) EngineOption {
	return func(e *Engine) {
		if name != "" {
			e.appName = name
		}
	}
}

// WithTimeout bounds each execution. Zero disables the bound.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// WithHistoryWindow sets how many stored messages are replayed to the
// backend. Zero replays none; negative replays all.
func WithHistoryWindow(n int) EngineOption {
	return func(e *Engine) { e.historyWindow = n }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an Engine. A nil store keeps executions stateless.
func NewEngine(backend Backend, sessions session.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		backend:       backend,
		sessions:      sessions,
		appName:       DefaultAppName,
		historyWindow: 20,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AppName returns the session namespace.
func (e *Engine) AppName() string { return e.appName }

type outcome struct {
	response  string
	final     bool
	toolCalls int
	llmCalls  int
}

// Execute runs one turn of req.Agent.
func (e *Engine) Execute(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	ctx, runID := core.EnsureRunID(ctx)
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	res.Metadata = map[string]any{
		"session_id": req.SessionID,
		"run_id":     runID,
	}

	agentID := ""
	if req.Agent != nil {
		agentID = req.Agent.ID()
	}
	log := e.logger.With(
		slog.String("agent_id", agentID),
		slog.String("session_id", req.SessionID),
		slog.String("run_id", runID),
	)

	defer func() {
		if rec := recover(); rec != nil {
			res.Success = false
			res.Response = ""
			res.Code = errors.CodeExecution
			res.Error = fmt.Sprintf("%spanic: %v", errorPrefix, rec)
			log.ErrorContext(ctx, "runtime.execute.panic", slog.Any("panic", rec))
		}
		res.ExecutionTime = time.Since(start)
	}()

	fail := func(err error) Result {
		res.Success = false
		res.Response = ""
		res.Code = errors.CodeExecution
		if fe := errors.AsForgeError(err); fe != nil {
			res.Code = fe.Code
		}
		if res.Code == errors.CodeTimeout {
			res.Error = timeoutText
		} else {
			res.Error = errorPrefix + Message(err)
		}
		log.ErrorContext(ctx, "runtime.execute.error",
			slog.String("code", string(res.Code)),
			slog.String("error", err.Error()),
		)
		return res
	}

	if req.Agent == nil {
		return fail(errors.New(errors.CodeExecution, "agent is required", nil))
	}
	log.InfoContext(ctx, "runtime.execute.start")

	history, err := e.prepareSession(ctx, req)
	if err != nil {
		return fail(err)
	}

	out, err := resilience.WithDeadline(ctx, e.timeout, func(ctx context.Context) (outcome, error) {
		return e.consume(ctx, Turn{
			Agent:     req.Agent,
			Prompt:    req.Prompt,
			History:   history,
			SessionID: req.SessionID,
			UserID:    req.UserID,
		})
	})
	res.Metadata["tool_calls"] = out.toolCalls
	res.Metadata["llm_calls"] = out.llmCalls
	if err != nil {
		return fail(err)
	}

	res.Success = true
	res.Response = out.response
	if !out.final {
		res.Response = NoResponse
	}

	if e.sessions != nil {
		err := e.sessions.Append(ctx, req.SessionID,
			session.NewMessage(session.RoleUser, req.Prompt),
			session.NewMessage(session.RoleAssistant, res.Response),
		)
		if err != nil {
			return fail(errors.New(errors.CodeSessionStore, "failed to store messages", err))
		}
	}

	log.InfoContext(ctx, "runtime.execute.complete",
		slog.Int("tool_calls", out.toolCalls),
		slog.Int("llm_calls", out.llmCalls),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res
}

func (e *Engine) prepareSession(ctx context.Context, req Request) ([]session.Message, error) {
	if e.sessions == nil {
		return nil, nil
	}
	err := session.EnsureExists(ctx, e.sessions, session.Session{
		ID:      req.SessionID,
		UserID:  req.UserID,
		AppName: e.appName,
	})
	if err != nil {
		return nil, errors.New(errors.CodeSessionStore, "failed to prepare session", err)
	}
	if e.historyWindow == 0 {
		return nil, nil
	}
	s, err := e.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, errors.New(errors.CodeSessionStore, "failed to load session", err)
	}
	return session.Window(s.Messages, e.historyWindow), nil
}

// consume ranges over the backend until the first final response. Breaking
// out of the range abandons whatever the backend would emit next.
func (e *Engine) consume(ctx context.Context, turn Turn) (out outcome, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf(errors.CodeExecution, "panic: %v", rec)
		}
	}()

	emitter := core.EmitterFromContext(ctx)
	for ev, runErr := range e.backend.Run(ctx, turn) {
		if runErr != nil {
			return out, runErr
		}
		switch ev.Type {
		case core.EventToolCall:
			out.toolCalls++
		case core.EventLLMCall:
			out.llmCalls++
		}
		emitter.Emit(ctx, ev)
		if ev.IsFinalResponse() {
			out.response = ev.Content
			out.final = true
			break
		}
	}
	if !out.final && ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}
