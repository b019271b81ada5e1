// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists agent descriptors and tool definitions. Deletes
// are soft: records stay in storage but are no longer returned.
package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
)

// AgentStore persists agent descriptors. It satisfies agent.Source.
type AgentStore interface {
	SaveAgent(ctx context.Context, desc agent.Descriptor) error
	GetAgent(ctx context.Context, id string) (*agent.Descriptor, error)
	ListAgents(ctx context.Context) ([]agent.Descriptor, error)
	DeleteAgent(ctx context.Context, id string) error
}

// ToolStore persists tool definitions.
type ToolStore interface {
	SaveTool(ctx context.Context, def core.ToolDefinition) error
	GetTool(ctx context.Context, id string) (*core.ToolDefinition, error)
	ListTools(ctx context.Context) ([]core.ToolDefinition, error)
	DeleteTool(ctx context.Context, id string) error
}

// Store combines both descriptor stores.
type Store interface {
	AgentStore
	ToolStore
}

const (
	kindAgent = "agent"
	kindTool  = "tool"
)

func notFound(kind, id string) error {
	return errors.Newf(errors.CodeNotFound, "%s %q not found", kind, id)
}

func requireID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.Newf(errors.CodeInvalidInput, "%s id is required", kind)
	}
	return nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode record", err)
	}
	return data, nil
}

func decodeAgent(data []byte) (agent.Descriptor, error) {
	var d agent.Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return d, errors.New(errors.CodeInternal, "decode agent record", err)
	}
	return d, nil
}

func decodeTool(data []byte) (core.ToolDefinition, error) {
	var d core.ToolDefinition
	if err := json.Unmarshal(data, &d); err != nil {
		return d, errors.New(errors.CodeInternal, "decode tool record", err)
	}
	return d, nil
}

var (
	_ agent.Source = (Store)(nil)
	_ Store        = (*MemoryStore)(nil)
	_ Store        = (*SQLiteStore)(nil)
)
