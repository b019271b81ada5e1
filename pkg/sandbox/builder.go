// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox compiles user-submitted Starlark tool source into
// callables with a curated set of builtins and host modules.
package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
)

const (
	defaultMaxSteps    = 1_000_000
	defaultCallTimeout = 10 * time.Second
)

// entryPoints are tried in order when locating the tool function.
var entryPoints = []string{"execute", "main"}

// Builder compiles Function tool definitions. It is safe for concurrent use.
type Builder struct {
	library     *Library
	resolver    *Resolver
	builtins    starlark.StringDict
	maxSteps    uint64
	callTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLibrary sets the importable module library.
func WithLibrary(lib *Library) Option {
	return func(b *Builder) { b.library = lib }
}

// WithMaxSteps bounds the Starlark steps of one invocation.
func WithMaxSteps(n uint64) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxSteps = n
		}
	}
}

// WithCallTimeout bounds the wall-clock time of one invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// WithFileRoot confines open() to root. Without it open() always fails.
func WithFileRoot(root *os.Root) Option {
	return func(b *Builder) { b.builtins = curatedBuiltins(root) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		maxSteps:    defaultMaxSteps,
		callTimeout: defaultCallTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.library == nil {
		b.library = NewLibrary()
	}
	if b.builtins == nil {
		b.builtins = curatedBuiltins(nil)
	}
	b.resolver = NewResolver(b.library, b.logger)
	return b
}

// Library returns the module library used for imports.
func (b *Builder) Library() *Library { return b.library }

// Build compiles def into a Tool. It fails with TOOL_BUILD_ERROR when def
// is not a Function tool, has no source, or the source does not compile or
// initialise. Runtime failures of the built tool never surface as errors.
func (b *Builder) Build(ctx context.Context, def core.ToolDefinition) (*Tool, error) {
	if def.Kind != core.ToolKindFunction {
		return nil, errors.Newf(errors.CodeToolBuild, "tool %q has kind %q, want %q", def.ID, def.Kind, core.ToolKindFunction)
	}
	if strings.TrimSpace(def.SourceCode) == "" {
		return nil, errors.Newf(errors.CodeToolBuild, "tool %q has empty source", def.ID)
	}
	name := def.DisplayName()
	filename := name + ".star"

	imports := b.resolver.ResolveImports(def.SourceCode)

	f, err := fileOptions.Parse(filename, def.SourceCode, 0)
	if err != nil {
		return nil, buildError(def.ID, "parse", err)
	}
	declared := stripLoads(f)

	predeclared := make(starlark.StringDict, len(b.builtins)+len(imports)+len(declared))
	for k, v := range b.builtins {
		predeclared[k] = v
	}
	for _, local := range declared {
		if _, ok := imports[local]; !ok {
			predeclared[local] = unresolved{name: local}
		}
	}
	for k, v := range imports {
		predeclared[k] = v
	}

	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return nil, buildError(def.ID, "compile", err)
	}

	thread := b.newThread(name)
	initCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	stop := bindContext(initCtx, thread)
	globals, err := prog.Init(thread, predeclared)
	stop()
	if err != nil {
		return nil, buildError(def.ID, "initialise", err)
	}
	globals.Freeze()

	tool := &Tool{
		id:          def.ID,
		name:        name,
		description: def.Description,
		parameters:  def.ParametersSchema(),
		builder:     b,
	}
	tool.invoker, tool.entry = selectInvoker(globals, name)
	b.logger.Debug("tool built",
		"tool", name,
		"entry", tool.entry,
		"convention", tool.invoker.convention().String(),
		"imports", len(imports))
	return tool, nil
}

func (b *Builder) newThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: "tool:" + name,
		Print: func(_ *starlark.Thread, msg string) {
			b.logger.Debug("tool print", "tool", name, "message", msg)
		},
	}
	thread.SetMaxExecutionSteps(b.maxSteps)
	return thread
}

// bindContext cancels thread when ctx is done and exposes ctx to host
// modules. The returned func releases the binding.
func bindContext(ctx context.Context, thread *starlark.Thread) func() bool {
	thread.SetLocal(contextLocal, ctx)
	return context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
}

func buildError(id, stage string, err error) error {
	fe := errors.New(errors.CodeToolBuild, fmt.Sprintf("%s tool %q", stage, id), err)
	var syntaxErr syntax.Error
	if stderrors.As(err, &syntaxErr) {
		fe.WithContext("line", syntaxErr.Pos.Line).WithContext("column", syntaxErr.Pos.Col)
	}
	var evalErr *starlark.EvalError
	if stderrors.As(err, &evalErr) {
		fe.WithContext("backtrace", evalErr.Backtrace())
	}
	return fe
}

// unresolved stands in for an import that could not be bound. Any use of
// it fails the running tool instead of the build.
type unresolved struct{ name string }

func (u unresolved) String() string        { return fmt.Sprintf("<unresolved import %s>", u.name) }
func (u unresolved) Type() string          { return "unresolved" }
func (u unresolved) Freeze()               {}
func (u unresolved) Truth() starlark.Bool  { return starlark.False }
func (u unresolved) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", u.Type()) }
func (u unresolved) Name() string          { return u.name }

func (u unresolved) Attr(string) (starlark.Value, error) {
	return nil, fmt.Errorf("import %q could not be resolved", u.name)
}

func (u unresolved) AttrNames() []string { return nil }

func (u unresolved) CallInternal(*starlark.Thread, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return nil, fmt.Errorf("import %q could not be resolved", u.name)
}
