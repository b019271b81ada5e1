// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
)

type record struct {
	data    []byte
	deleted bool
}

// MemoryStore keeps encoded records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]map[string]*record{
		kindAgent: {},
		kindTool:  {},
	}}
}

func (m *MemoryStore) put(kind, id string, v any) error {
	if err := requireID(kind, id); err != nil {
		return err
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[kind][id] = &record{data: data}
	return nil
}

func (m *MemoryStore) get(kind, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[kind][id]
	if !ok || r.deleted {
		return nil, notFound(kind, id)
	}
	return r.data, nil
}

func (m *MemoryStore) list(kind string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records[kind]))
	for id, r := range m.records[kind] {
		if !r.deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = m.records[kind][id].data
	}
	return out
}

func (m *MemoryStore) remove(kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[kind][id]
	if !ok || r.deleted {
		return notFound(kind, id)
	}
	r.deleted = true
	return nil
}

// SaveAgent implements AgentStore.
func (m *MemoryStore) SaveAgent(_ context.Context, desc agent.Descriptor) error {
	return m.put(kindAgent, desc.ID, desc)
}

// GetAgent implements AgentStore.
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*agent.Descriptor, error) {
	data, err := m.get(kindAgent, id)
	if err != nil {
		return nil, err
	}
	d, err := decodeAgent(data)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListAgents implements AgentStore.
func (m *MemoryStore) ListAgents(_ context.Context) ([]agent.Descriptor, error) {
	var out []agent.Descriptor
	for _, data := range m.list(kindAgent) {
		d, err := decodeAgent(data)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DeleteAgent implements AgentStore.
func (m *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	return m.remove(kindAgent, id)
}

// SaveTool implements ToolStore.
func (m *MemoryStore) SaveTool(_ context.Context, def core.ToolDefinition) error {
	return m.put(kindTool, def.ID, def)
}

// GetTool implements ToolStore.
func (m *MemoryStore) GetTool(_ context.Context, id string) (*core.ToolDefinition, error) {
	data, err := m.get(kindTool, id)
	if err != nil {
		return nil, err
	}
	d, err := decodeTool(data)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListTools implements ToolStore.
func (m *MemoryStore) ListTools(_ context.Context) ([]core.ToolDefinition, error) {
	var out []core.ToolDefinition
	for _, data := range m.list(kindTool) {
		d, err := decodeTool(data)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DeleteTool implements ToolStore.
func (m *MemoryStore) DeleteTool(_ context.Context, id string) error {
	return m.remove(kindTool, id)
}
