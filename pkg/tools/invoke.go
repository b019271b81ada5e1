// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/llm"
)

// Invoke runs any tool-shaped value on input and returns text. It tries the
// text form first, then core.Tool, then plain functions. Failures are
// reported as "Error executing tool <name>: <message>".
func Invoke(ctx context.Context, tool any, name string, input any) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			out = fmt.Sprintf("Error executing tool %s: panic: %v", name, rec)
		}
	}()

	switch t := tool.(type) {
	case core.TextRunner:
		return t.Run(ctx, core.InputText(input))
	case core.Tool:
		res, err := t.Call(ctx, input)
		if err != nil {
			return fmt.Sprintf("Error executing tool %s: %s", name, err)
		}
		return Text(res)
	case func(context.Context, string) string:
		return t(ctx, core.InputText(input))
	case func(context.Context, string) (string, error):
		res, err := t(ctx, core.InputText(input))
		if err != nil {
			return fmt.Sprintf("Error executing tool %s: %s", name, err)
		}
		return res
	case func(string) string:
		return t(core.InputText(input))
	case nil:
		return fmt.Sprintf("Error executing tool %s: tool is not available", name)
	default:
		return fmt.Sprintf("Error executing tool %s: unsupported tool type %T", name, tool)
	}
}

// Text renders a tool result for the model.
func Text(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case []byte:
		return string(r)
	case fmt.Stringer:
		return r.String()
	case error:
		return r.Error()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Definition returns the function definition advertised for tool.
func Definition(tool core.Tool, description string) llm.Tool {
	if d, ok := tool.(core.ToolDefiner); ok {
		return d.ToolDefinition()
	}
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        tool.Name(),
			Description: description,
			Parameters:  core.DefaultParameters(),
		},
	}
}
