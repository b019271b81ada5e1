// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds the contracts shared by the tool registry, the agent
// resolver and the execution runtime.
package core

import (
	"context"

	"github.com/jllopis/kairosforge/pkg/llm"
)

// Tool is a named capability an agent can call during a turn.
type Tool interface {
	Name() string
	Call(ctx context.Context, input any) (any, error)
}

// ToolDefiner exposes the function definition advertised to the model.
type ToolDefiner interface {
	ToolDefinition() llm.Tool
}

// TextRunner is the text-in/text-out form of a tool. Implementations
// never return an error; failures are reported inside the text.
type TextRunner interface {
	Run(ctx context.Context, input string) string
}
