// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/llm"
	"github.com/jllopis/kairosforge/pkg/resilience"
	"github.com/jllopis/kairosforge/pkg/session"
	"github.com/jllopis/kairosforge/pkg/telemetry"
	"github.com/jllopis/kairosforge/pkg/tools"
)

// Turn is one user message addressed to a resolved agent.
type Turn struct {
	Agent     *agent.Agent
	Prompt    string
	History   []session.Message
	SessionID string
	UserID    string
}

// Backend produces the events of one turn. Consumers may stop ranging at
// any point; the backend then abandons the turn.
type Backend interface {
	Run(ctx context.Context, turn Turn) iter.Seq2[core.Event, error]
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, turn Turn) iter.Seq2[core.Event, error]

// Run implements Backend.
func (f BackendFunc) Run(ctx context.Context, turn Turn) iter.Seq2[core.Event, error] {
	return f(ctx, turn)
}

const (
	defaultMaxToolRounds = 8
	exitLoopTool         = "exit_loop"
)

// errStopped unwinds a turn whose consumer stopped ranging.
var errStopped = stderrors.New("turn consumer stopped")

// ErrExitLoop may be returned, possibly wrapped, by custom agent handlers
// running inside a loop agent to end the loop after the current iteration.
var ErrExitLoop = stderrors.New("exit loop")

// LLMBackend drives resolved agents against their model providers.
type LLMBackend struct {
	maxToolRounds int
	retry         resilience.RetryConfig
	logger        *slog.Logger
}

// BackendOption configures an LLMBackend.
type BackendOption func(*LLMBackend)

// WithMaxToolRounds bounds the model/tool round trips of one LLM agent.
func WithMaxToolRounds(n int) BackendOption {
	return func(b *LLMBackend) {
		if n > 0 {
			b.maxToolRounds = n
		}
	}
}

// WithRetry retries failed model calls with the given policy.
func WithRetry(rc resilience.RetryConfig) BackendOption {
	return func(b *LLMBackend) { b.retry = rc }
}

// WithBackendLogger sets the backend logger.
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(b *LLMBackend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewLLMBackend creates a backend for resolved agents of every kind.
func NewLLMBackend(opts ...BackendOption) *LLMBackend {
	b := &LLMBackend{
		maxToolRounds: defaultMaxToolRounds,
		retry:         resilience.RetryConfig{MaxAttempts: 1},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run implements Backend. Intermediate messages, model calls, tool calls
// and delegations are emitted as they happen; the turn closes with a single
// final message event.
func (b *LLMBackend) Run(ctx context.Context, turn Turn) iter.Seq2[core.Event, error] {
	return func(yield func(core.Event, error) bool) {
		if turn.Agent == nil {
			yield(core.Event{Type: core.EventError}, errors.New(errors.CodeExecution, "agent is required", nil))
			return
		}
		r := &run{
			backend: b,
			emit:    func(ev core.Event) bool { return yield(ev, nil) },
		}
		out, err := r.agent(ctx, turn.Agent, turn.Prompt, historyMessages(turn.History), nil)
		if stderrors.Is(err, errStopped) {
			return
		}
		if err != nil {
			ev := core.NewEvent(core.EventError, turn.Agent.ID())
			ev.Err = err
			yield(ev, err)
			return
		}
		final := core.NewEvent(core.EventMessage, turn.Agent.ID())
		final.Content = out
		final.Final = true
		yield(final, nil)
	}
}

// run carries the state of one turn across nested agents.
type run struct {
	backend *LLMBackend
	emit    func(core.Event) bool
}

// loopFrame is shared by the children of a loop agent.
type loopFrame struct {
	escalate atomic.Bool
}

func (r *run) send(ev core.Event) error {
	if !r.emit(ev) {
		return errStopped
	}
	return nil
}

func (r *run) agent(ctx context.Context, a *agent.Agent, input string, history []llm.Message, loop *loopFrame) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch a.Kind() {
	case agent.KindLLM:
		return r.llm(ctx, a, input, history, loop)
	case agent.KindSequential:
		return r.sequential(ctx, a, input, loop)
	case agent.KindParallel:
		return r.parallel(ctx, a, input, loop)
	case agent.KindLoop:
		return r.loop(ctx, a, input)
	case agent.KindCustom:
		out, err := a.Handler()(ctx, input)
		if err != nil && loop != nil && stderrors.Is(err, ErrExitLoop) {
			loop.escalate.Store(true)
			err = nil
		}
		if err != nil {
			return "", err
		}
		return out, r.message(a, out)
	default:
		return "", errors.Newf(errors.CodeExecution, "agent %q has unsupported kind %q", a.ID(), a.Kind())
	}
}

func (r *run) message(a *agent.Agent, content string) error {
	if content == "" {
		return nil
	}
	ev := core.NewEvent(core.EventMessage, a.ID())
	ev.Content = content
	return r.send(ev)
}

type callable struct {
	bound    *agent.BoundTool
	subAgent *agent.Agent
	exitLoop bool
}

func (r *run) llm(ctx context.Context, a *agent.Agent, input string, history []llm.Message, loop *loopFrame) (string, error) {
	provider := a.Provider()
	if provider == nil {
		return "", errors.Newf(errors.CodeExecution, "agent %q has no model backend", a.ID())
	}

	messages := make([]llm.Message, 0, len(history)+2)
	if a.SystemPrompt() != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: a.SystemPrompt()})
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: input})

	defs, table := r.toolset(a, loop != nil)
	settings := a.Model()
	log := r.backend.logger.With(slog.String("agent_id", a.ID()))

	for round := 0; round < r.backend.maxToolRounds; round++ {
		call := core.NewEvent(core.EventLLMCall, a.ID())
		call.Payload = map[string]any{"model": settings.Model, "round": round}
		if err := r.send(call); err != nil {
			return "", err
		}

		req := llm.ChatRequest{
			Model:       settings.Model,
			Messages:    messages,
			Tools:       defs,
			Temperature: settings.Temperature,
			MaxTokens:   settings.MaxTokens,
		}
		var resp *llm.ChatResponse
		err := r.backend.retry.Do(ctx, func() error {
			var err error
			resp, err = chat(ctx, provider, req)
			return err
		})
		if err != nil {
			log.ErrorContext(ctx, "agent.llm.error", slog.Int("round", round), slog.String("error", err.Error()))
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			if err := r.message(a, resp.Content); err != nil {
				return "", err
			}
			return resp.Content, nil
		}
		if resp.Content != "" {
			if err := r.message(a, resp.Content); err != nil {
				return "", err
			}
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			out, err := r.toolCall(ctx, a, tc, table, loop)
			if err != nil {
				return "", err
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    out,
				Name:       tc.Function.Name,
				ToolCallID: tc.ID,
			})
		}
	}
	return "", errors.Newf(errors.CodeExecution, "agent %q exceeded %d tool rounds", a.ID(), r.backend.maxToolRounds)
}

func (r *run) toolCall(ctx context.Context, a *agent.Agent, tc llm.ToolCall, table map[string]callable, loop *loopFrame) (string, error) {
	name := tc.Function.Name
	ev := core.NewEvent(core.EventToolCall, a.ID())
	ev.ToolName = name
	ev.Payload = map[string]any{"arguments": tc.Function.Arguments, "call_id": tc.ID}
	if err := r.send(ev); err != nil {
		return "", err
	}

	ctx, span := tracer(ctx).Start(ctx, "tool.call",
		trace.WithAttributes(attribute.String(telemetry.AttrToolName, name)))
	defer span.End()

	var out string
	target, ok := table[name]
	switch {
	case !ok:
		out = fmt.Sprintf("Error executing tool %s: tool not found", name)
	case target.exitLoop:
		loop.escalate.Store(true)
		out = "Loop exit requested."
	case target.subAgent != nil:
		sub := target.subAgent
		del := core.NewEvent(core.EventDelegation, a.ID())
		del.ToolName = name
		del.Payload = map[string]any{"sub_agent": sub.ID()}
		if err := r.send(del); err != nil {
			return "", err
		}
		res, err := r.agent(ctx, sub, core.InputText(tc.Function.Arguments), nil, nil)
		if stderrors.Is(err, errStopped) || (err != nil && ctx.Err() != nil) {
			return "", err
		}
		if err != nil {
			res = fmt.Sprintf("Error executing agent %s: %s", sub.ID(), Message(err))
		}
		out = res
	default:
		out = tools.Invoke(ctx, target.bound.Tool, name, tc.Function.Arguments)
	}
	if strings.HasPrefix(out, "Error executing") {
		span.SetStatus(codes.Error, out)
	}

	res := core.NewEvent(core.EventToolResult, a.ID())
	res.ToolName = name
	res.Content = out
	if err := r.send(res); err != nil {
		return "", err
	}
	return out, nil
}

// toolset builds the function definitions offered to the model and the
// dispatch table behind them. Sub-agents are offered as delegation tools.
func (r *run) toolset(a *agent.Agent, inLoop bool) ([]llm.Tool, map[string]callable) {
	var defs []llm.Tool
	table := make(map[string]callable)
	for _, bt := range a.Tools() {
		bt := bt
		def := tools.Definition(bt.Tool, "")
		if _, dup := table[def.Function.Name]; dup {
			continue
		}
		table[def.Function.Name] = callable{bound: &bt}
		defs = append(defs, def)
	}
	for _, sub := range a.SubAgents() {
		name := toolName(sub.ID())
		if _, dup := table[name]; dup {
			name = "agent_" + name
		}
		desc := sub.Description()
		if desc == "" {
			desc = "Delegates the task to the " + sub.Name() + " agent and returns its answer."
		}
		table[name] = callable{subAgent: sub}
		defs = append(defs, llm.Tool{
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionDef{
				Name:        name,
				Description: desc,
				Parameters:  delegationParameters,
			},
		})
	}
	if inLoop {
		table[exitLoopTool] = callable{exitLoop: true}
		defs = append(defs, llm.Tool{
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionDef{
				Name:        exitLoopTool,
				Description: "Call this when the loop's goal is met to stop further iterations.",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		})
	}
	return defs, table
}

var delegationParameters = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"input": map[string]any{"type": "string", "description": "The task for the sub-agent"},
	},
	"required": []string{"input"},
}

var invalidToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func toolName(id string) string {
	name := invalidToolChars.ReplaceAllString(id, "_")
	if name == "" {
		return "agent"
	}
	return name
}

func chat(ctx context.Context, p llm.Provider, req llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, span := tracer(ctx).Start(ctx, "llm.chat",
		trace.WithAttributes(attribute.String(telemetry.AttrLLMModel, req.Model)))
	defer span.End()

	resp, err := p.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, err
		}
		var fe *errors.ForgeError
		if stderrors.As(err, &fe) {
			return nil, err
		}
		return nil, errors.New(errors.CodeLLMError, "model call failed", err).WithRecoverable(true)
	}
	if resp == nil {
		return nil, errors.New(errors.CodeLLMError, "model returned no response", nil)
	}
	span.SetAttributes(
		attribute.Int(telemetry.AttrLLMTokensIn, resp.Usage.PromptTokens),
		attribute.Int(telemetry.AttrLLMTokensOut, resp.Usage.CompletionTokens),
	)
	return resp, nil
}

// tracer returns a tracer from the provider of the span in ctx so nested
// spans land next to their parent.
func tracer(ctx context.Context) trace.Tracer {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.TracerProvider().Tracer(telemetry.InstrumentationName)
	}
	return otel.Tracer(telemetry.InstrumentationName)
}

func historyMessages(msgs []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// Message renders err for a user-facing result: the typed message and
// cause without the error code.
func Message(err error) string {
	var fe *errors.ForgeError
	if stderrors.As(err, &fe) {
		if fe.Err != nil {
			return fe.Message + ": " + fe.Err.Error()
		}
		return fe.Message
	}
	return err.Error()
}
