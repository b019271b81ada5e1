// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/llm"
)

// Convention is the calling convention fixed for a tool at build time.
type Convention int

const (
	// ConventionStub marks a tool without an entry point.
	ConventionStub Convention = iota
	// ConventionSingleArg calls fn(input).
	ConventionSingleArg
	// ConventionDualArg calls fn(input, None).
	ConventionDualArg
)

func (c Convention) String() string {
	switch c {
	case ConventionSingleArg:
		return "single_arg"
	case ConventionDualArg:
		return "dual_arg"
	default:
		return "stub"
	}
}

type invoker interface {
	invoke(thread *starlark.Thread, input starlark.String) (starlark.Value, error)
	convention() Convention
}

type singleArg struct{ fn starlark.Callable }

func (s singleArg) invoke(thread *starlark.Thread, input starlark.String) (starlark.Value, error) {
	return starlark.Call(thread, s.fn, starlark.Tuple{input}, nil)
}

func (singleArg) convention() Convention { return ConventionSingleArg }

type dualArg struct{ fn starlark.Callable }

func (d dualArg) invoke(thread *starlark.Thread, input starlark.String) (starlark.Value, error) {
	return starlark.Call(thread, d.fn, starlark.Tuple{input, starlark.None}, nil)
}

func (dualArg) convention() Convention { return ConventionDualArg }

type stub struct{ name string }

func (s stub) invoke(*starlark.Thread, starlark.String) (starlark.Value, error) {
	return starlark.String(fmt.Sprintf("Tool %s executed successfully", s.name)), nil
}

func (stub) convention() Convention { return ConventionStub }

// selectInvoker finds the entry point in globals and fixes its convention
// from the declared parameters: two or more positional parameters, or
// *args, select the dual-argument form.
func selectInvoker(globals starlark.StringDict, name string) (invoker, string) {
	for _, entry := range entryPoints {
		fn, ok := globals[entry].(starlark.Callable)
		if !ok {
			continue
		}
		if f, ok := fn.(*starlark.Function); ok && acceptsContext(f) {
			return dualArg{fn: fn}, entry
		}
		return singleArg{fn: fn}, entry
	}
	return stub{name: name}, ""
}

func acceptsContext(f *starlark.Function) bool {
	if f.HasVarargs() {
		return true
	}
	positional := f.NumParams() - f.NumKwonlyParams()
	if f.HasKwargs() {
		positional--
	}
	return positional >= 2
}

// Tool is a compiled Function tool. It implements core.Tool,
// core.TextRunner and core.ToolDefiner.
type Tool struct {
	id          string
	name        string
	description string
	parameters  any
	entry       string
	invoker     invoker
	builder     *Builder
}

// ID returns the tool definition id.
func (t *Tool) ID() string { return t.id }

// Name returns the tool name.
func (t *Tool) Name() string { return t.name }

// Convention reports the calling convention selected at build time.
func (t *Tool) Convention() Convention { return t.invoker.convention() }

// EntryPoint returns the function name invoked, empty for stubs.
func (t *Tool) EntryPoint() string { return t.entry }

// ToolDefinition returns the function definition advertised to the model.
func (t *Tool) ToolDefinition() llm.Tool {
	desc := t.description
	if desc == "" {
		desc = "Runs the " + t.name + " tool on a text input"
	}
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        t.name,
			Description: desc,
			Parameters:  t.parameters,
		},
	}
}

// Run invokes the tool on input and returns its result as text. Failures,
// including panics, step exhaustion and cancellation, are reported as
// "Error executing tool <name>: <message>".
func (t *Tool) Run(ctx context.Context, input string) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			out = t.failure(ctx, fmt.Errorf("panic: %v", rec))
		}
	}()

	b := t.builder
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	thread := b.newThread(t.name)
	stop := bindContext(ctx, thread)
	defer stop()

	result, err := t.invoker.invoke(thread, starlark.String(input))
	if err != nil {
		return t.failure(ctx, err)
	}
	return toText(result)
}

// Call implements core.Tool. It never returns an error.
func (t *Tool) Call(ctx context.Context, input any) (any, error) {
	return t.Run(ctx, core.InputText(input)), nil
}

func (t *Tool) failure(ctx context.Context, err error) string {
	msg := err.Error()
	var evalErr *starlark.EvalError
	if stderrors.As(err, &evalErr) {
		msg = evalErr.Msg
	}
	t.builder.logger.DebugContext(ctx, "tool invocation failed",
		"tool", t.name,
		"error", errors.New(errors.CodeToolExecution, msg, nil))
	return fmt.Sprintf("Error executing tool %s: %s", t.name, msg)
}

// toText renders a Starlark value the way str() would.
func toText(v starlark.Value) string {
	if v == nil {
		return "None"
	}
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}

var (
	_ core.Tool        = (*Tool)(nil)
	_ core.TextRunner  = (*Tool)(nil)
	_ core.ToolDefiner = (*Tool)(nil)
)
