// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
)

// Seed is the content of one or more definition files.
type Seed struct {
	Tools  []core.ToolDefinition
	Agents []agent.Descriptor
}

type seedFile struct {
	Tools  []toolDoc          `yaml:"tools"`
	Agents []agent.Descriptor `yaml:"agents"`
}

// toolDoc is the YAML shape of a tool. Source may be inline or read from
// SourceFile, relative to the definition file.
type toolDoc struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Kind        string         `yaml:"kind"`
	Source      string         `yaml:"source"`
	SourceFile  string         `yaml:"source_file"`
	Parameters  map[string]any `yaml:"parameters"`
	BuiltinName string         `yaml:"builtin_name"`
	Config      map[string]any `yaml:"config"`
}

// LoadSeedDir reads every .yaml and .yml file in dir in name order.
func LoadSeedDir(dir string) (*Seed, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read seed dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	out := &Seed{}
	for _, f := range files {
		s, err := LoadSeedFile(f)
		if err != nil {
			return nil, err
		}
		out.Tools = append(out.Tools, s.Tools...)
		out.Agents = append(out.Agents, s.Agents...)
	}
	return out, nil
}

// LoadSeedFile parses one definition file.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var raw seedFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := &Seed{}
	for i, doc := range raw.Tools {
		def, err := doc.definition(filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("%s: tool #%d: %w", path, i+1, err)
		}
		out.Tools = append(out.Tools, def)
	}
	for i, desc := range raw.Agents {
		if desc.ID == "" {
			return nil, fmt.Errorf("%s: agent #%d: id is required", path, i+1)
		}
		kind, err := agent.ParseKind(string(desc.Kind))
		if err != nil {
			return nil, fmt.Errorf("%s: agent %q: %w", path, desc.ID, err)
		}
		desc.Kind = kind
		out.Agents = append(out.Agents, desc)
	}
	return out, nil
}

func (d toolDoc) definition(base string) (core.ToolDefinition, error) {
	if d.ID == "" {
		return core.ToolDefinition{}, fmt.Errorf("id is required")
	}
	kind, err := core.ParseToolKind(d.Kind)
	if err != nil {
		return core.ToolDefinition{}, err
	}
	def := core.ToolDefinition{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Kind:        kind,
		SourceCode:  d.Source,
		BuiltinName: d.BuiltinName,
		Config:      d.Config,
	}
	if d.SourceFile != "" {
		path := d.SourceFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return core.ToolDefinition{}, fmt.Errorf("read source: %w", err)
		}
		def.SourceCode = string(src)
	}
	if len(d.Parameters) > 0 {
		raw, err := json.Marshal(d.Parameters)
		if err != nil {
			return core.ToolDefinition{}, fmt.Errorf("parameters: %w", err)
		}
		def.Parameters = raw
	}
	return def, nil
}
