// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"
	"strings"
)

// Kind tags how a resolved agent runs a turn.
type Kind string

const (
	KindLLM        Kind = "llm"
	KindSequential Kind = "sequential"
	KindParallel   Kind = "parallel"
	KindLoop       Kind = "loop"
	KindCustom     Kind = "custom"
)

// ParseKind accepts the kind names used in definition files. An empty
// string is an LLM agent.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", KindLLM:
		return KindLLM, nil
	case KindSequential, "workflow-sequential":
		return KindSequential, nil
	case KindParallel, "workflow-parallel":
		return KindParallel, nil
	case KindLoop, "workflow-loop":
		return KindLoop, nil
	case KindCustom:
		return KindCustom, nil
	default:
		return "", fmt.Errorf("unknown agent kind %q", s)
	}
}

// IsWorkflow reports whether the kind orchestrates sub-agents instead of
// calling a model.
func (k Kind) IsWorkflow() bool {
	return k == KindSequential || k == KindParallel || k == KindLoop
}

// ModelSettings selects and tunes the model backing an agent.
type ModelSettings struct {
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Merge fills zero fields of s from fallback.
func (s ModelSettings) Merge(fallback ModelSettings) ModelSettings {
	if s.Model == "" {
		s.Model = fallback.Model
	}
	if s.Temperature == 0 {
		s.Temperature = fallback.Temperature
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = fallback.MaxTokens
	}
	return s
}

// Descriptor is the stored configuration of an agent.
type Descriptor struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Kind          Kind           `json:"kind,omitempty" yaml:"kind,omitempty"`
	Model         ModelSettings  `json:"model_settings,omitempty" yaml:"model_settings,omitempty"`
	SystemPrompt  string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	ToolIDs       []string       `json:"tool_ids,omitempty" yaml:"tool_ids,omitempty"`
	SubAgents     []SubAgent     `json:"sub_agents,omitempty" yaml:"sub_agents,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Config        map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// SubAgent is a reduced descriptor owned by its parent. Ref names a stored
// agent to embed instead of an inline definition.
type SubAgent struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Kind          Kind           `json:"kind,omitempty" yaml:"kind,omitempty"`
	Model         ModelSettings  `json:"model_settings,omitempty" yaml:"model_settings,omitempty"`
	SystemPrompt  string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	ToolIDs       []string       `json:"tool_ids,omitempty" yaml:"tool_ids,omitempty"`
	SubAgents     []SubAgent     `json:"sub_agents,omitempty" yaml:"sub_agents,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Ref           string         `json:"ref,omitempty" yaml:"ref,omitempty"`
	Config        map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Descriptor widens s to a full descriptor.
func (s SubAgent) Descriptor() Descriptor {
	return Descriptor{
		ID:            s.ID,
		Name:          s.Name,
		Description:   s.Description,
		Kind:          s.Kind,
		Model:         s.Model,
		SystemPrompt:  s.SystemPrompt,
		ToolIDs:       s.ToolIDs,
		SubAgents:     s.SubAgents,
		MaxIterations: s.MaxIterations,
		Config:        s.Config,
	}
}

// DisplayName returns Name, falling back to ID.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// ReferencesTool reports whether d or any inline sub-agent lists toolID.
func (d Descriptor) ReferencesTool(toolID string) bool {
	for _, id := range d.ToolIDs {
		if id == toolID {
			return true
		}
	}
	for _, sub := range d.SubAgents {
		if sub.Descriptor().ReferencesTool(toolID) {
			return true
		}
	}
	return false
}
