// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

const (
	contextLocal = "forge.context"
	maxReadBytes = 1 << 20
)

// exceptionNames are builtins that fail the running tool with their message.
var exceptionNames = []string{
	"Exception", "ValueError", "TypeError", "KeyError", "RuntimeError", "ZeroDivisionError",
}

// typeNames maps the builtin constructors accepted by isinstance to the
// Starlark type names they stand for.
var typeNames = map[string]string{
	"str":   "string",
	"int":   "int",
	"float": "float",
	"bool":  "bool",
	"list":  "list",
	"dict":  "dict",
	"tuple": "tuple",
	"bytes": "bytes",
	"set":   "set",
}

// curatedBuiltins returns the names predeclared for every tool on top of
// the Starlark universe. A nil root disables open.
func curatedBuiltins(root *os.Root) starlark.StringDict {
	b := starlark.StringDict{
		"eval":       starlark.NewBuiltin("eval", evalBuiltin),
		"isinstance": starlark.NewBuiltin("isinstance", isinstance),
		"open":       starlark.NewBuiltin("open", openBuiltin(root)),
	}
	for _, name := range exceptionNames {
		b[name] = starlark.NewBuiltin(name, raise)
	}
	return b
}

func evalBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var expr string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &expr); err != nil {
		return nil, err
	}
	return starlark.EvalOptions(&syntax.FileOptions{}, thread, "<eval>", strings.TrimSpace(expr), starlark.StringDict{})
}

func raise(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if s, ok := starlark.AsString(a); ok {
			parts = append(parts, s)
		} else {
			parts = append(parts, a.String())
		}
	}
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	return nil, fmt.Errorf("%s: %s", b.Name(), strings.Join(parts, " "))
}

func isinstance(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value, kinds starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &value, &kinds); err != nil {
		return nil, err
	}
	want, err := wantedTypes(kinds)
	if err != nil {
		return nil, fmt.Errorf("isinstance: %w", err)
	}
	for _, w := range want {
		if value.Type() == w {
			return starlark.True, nil
		}
	}
	return starlark.False, nil
}

func wantedTypes(v starlark.Value) ([]string, error) {
	switch k := v.(type) {
	case starlark.String:
		if t, ok := typeNames[string(k)]; ok {
			return []string{t}, nil
		}
		return []string{string(k)}, nil
	case *starlark.Builtin:
		if t, ok := typeNames[k.Name()]; ok {
			return []string{t}, nil
		}
		return nil, fmt.Errorf("%s is not a type", k.Name())
	case starlark.Tuple:
		return flattenTypes(k)
	case *starlark.List:
		items := make(starlark.Tuple, k.Len())
		for i := range items {
			items[i] = k.Index(i)
		}
		return flattenTypes(items)
	default:
		return nil, fmt.Errorf("want type, string or tuple, got %s", v.Type())
	}
}

func flattenTypes(items starlark.Tuple) ([]string, error) {
	var out []string
	for _, item := range items {
		names, err := wantedTypes(item)
		if err != nil {
			return nil, err
		}
		out = append(out, names...)
	}
	return out, nil
}

// openBuiltin returns a read-only open confined to root. The returned
// object offers read(), readlines() and close() over the file content.
func openBuiltin(root *os.Root) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		mode := "r"
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "file", &path, "mode?", &mode); err != nil {
			return nil, err
		}
		if root == nil {
			return nil, fmt.Errorf("open: file access is disabled")
		}
		if strings.ContainsAny(mode, "wax+") {
			return nil, fmt.Errorf("open: mode %q not permitted, files are read-only", mode)
		}
		f, err := root.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
		if err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		content := string(data)
		return starlarkstruct.FromStringDict(starlark.String("file"), starlark.StringDict{
			"name": starlark.String(path),
			"read": starlark.NewBuiltin("read", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
				return starlark.String(content), nil
			}),
			"readlines": starlark.NewBuiltin("readlines", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
				lines := strings.SplitAfter(content, "\n")
				out := make([]starlark.Value, 0, len(lines))
				for _, l := range lines {
					if l != "" {
						out = append(out, starlark.String(l))
					}
				}
				return starlark.NewList(out), nil
			}),
			"close": starlark.NewBuiltin("close", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
				return starlark.None, nil
			}),
		}), nil
	}
}

func threadContext(thread *starlark.Thread) context.Context {
	if thread != nil {
		if ctx, ok := thread.Local(contextLocal).(context.Context); ok {
			return ctx
		}
	}
	return context.Background()
}
