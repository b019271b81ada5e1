// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolKind tags how a ToolDefinition becomes a callable.
type ToolKind string

const (
	// ToolKindFunction tools carry user source compiled by the sandbox.
	ToolKindFunction ToolKind = "function"
	// ToolKindBuiltin tools name a host capability.
	ToolKindBuiltin ToolKind = "builtin"
	// ToolKindOpaque tools are stored as-is for the caller to interpret.
	ToolKindOpaque ToolKind = "opaque"
)

// ParseToolKind accepts the kind names used in definition files.
func ParseToolKind(s string) (ToolKind, error) {
	switch ToolKind(strings.ToLower(strings.TrimSpace(s))) {
	case ToolKindFunction, "code":
		return ToolKindFunction, nil
	case ToolKindBuiltin:
		return ToolKindBuiltin, nil
	case ToolKindOpaque, "":
		return ToolKindOpaque, nil
	default:
		return "", fmt.Errorf("unknown tool kind %q", s)
	}
}

// ToolDefinition describes a tool before it is built.
type ToolDefinition struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        ToolKind        `json:"kind" yaml:"kind"`
	SourceCode  string          `json:"source_code,omitempty" yaml:"source_code,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty" yaml:"-"`
	BuiltinName string          `json:"builtin_name,omitempty" yaml:"builtin_name,omitempty"`
	Config      map[string]any  `json:"config,omitempty" yaml:"config,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (d ToolDefinition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// DefaultParameters is the schema advertised for text-in tools.
func DefaultParameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"input": map[string]any{
				"type":        "string",
				"description": "Input passed to the tool",
			},
		},
		"required": []string{"input"},
	}
}

// ParametersSchema decodes Parameters, falling back to DefaultParameters.
func (d ToolDefinition) ParametersSchema() any {
	if len(d.Parameters) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(d.Parameters, &schema); err == nil && len(schema) > 0 {
			return schema
		}
	}
	return DefaultParameters()
}

// InputText flattens a tool call payload to the text a text-in tool reads.
// JSON objects with an "input" string field yield that field; other
// payloads are rendered as JSON.
func InputText(input any) string {
	switch v := input.(type) {
	case nil:
		return ""
	case string:
		return textFromJSON([]byte(v), v)
	case json.RawMessage:
		return textFromJSON(v, string(v))
	case []byte:
		return textFromJSON(v, string(v))
	case map[string]any:
		if s, ok := v["input"].(string); ok {
			return s
		}
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(data)
}

func textFromJSON(raw []byte, fallback string) string {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return fallback
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return fallback
	}
	if s, ok := obj["input"].(string); ok {
		return s
	}
	if len(obj) == 1 {
		for _, v := range obj {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return fallback
}
