// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// fileOptions enables the Python-like constructs tool authors expect.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Resolver binds the imports of a tool snippet against a Library.
//
// Imports are written as load statements:
//
//	load("encoding.json", "encoding.json")    # import encoding.json
//	load("encoding.json", js="encoding.json") # import encoding.json as js
//	load("math", "sqrt", root="sqrt")         # from math import sqrt, sqrt as root
//	load("hashlib", "*")                      # from hashlib import *
type Resolver struct {
	lib    *Library
	logger *slog.Logger
}

// NewResolver creates a Resolver over lib.
func NewResolver(lib *Library, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{lib: lib, logger: logger}
}

// ResolveImports parses src and returns the bindings produced by its
// import statements at any nesting depth. It never fails: unparsable
// input yields an empty mapping and unresolved imports are logged and
// skipped.
func (r *Resolver) ResolveImports(src string) (out starlark.StringDict) {
	out = starlark.StringDict{}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("import resolution aborted", "panic", fmt.Sprint(rec))
			out = starlark.StringDict{}
		}
	}()

	f, err := fileOptions.Parse("<tool>", src, 0)
	if err != nil {
		r.logger.Debug("import resolution skipped, source does not parse", "error", err)
		return out
	}
	for _, load := range collectLoads(f) {
		r.bindLoad(out, load)
	}
	return out
}

func (r *Resolver) bindLoad(out starlark.StringDict, load *syntax.LoadStmt) {
	path := load.ModuleName()
	for i := range load.From {
		name, local := load.From[i].Name, load.To[i].Name
		switch {
		case name == "*":
			r.bindWildcard(out, path)
		case name == path:
			alias := ""
			if local != name {
				alias = local
			}
			r.bindModule(out, path, alias)
		default:
			r.bindName(out, path, name, local)
		}
	}
}

// bindModule handles a plain import. Without alias the top-level name and
// every loadable dotted prefix of path are bound.
func (r *Resolver) bindModule(out starlark.StringDict, path, alias string) {
	mod, _, err := r.load(path)
	if err != nil {
		r.logger.Warn("import failed", "module", path, "error", err, "available", r.lib.Paths())
		return
	}
	if alias != "" {
		out[alias] = mod
		return
	}
	top, _, _ := strings.Cut(path, ".")
	out[top] = mod
	parts := strings.Split(path, ".")
	for i := 1; i <= len(parts); i++ {
		prefix := strings.Join(parts[:i], ".")
		if v, err := r.lib.Load(prefix); err == nil {
			out[prefix] = v
		}
	}
}

func (r *Resolver) bindName(out starlark.StringDict, path, name, local string) {
	mod, loaded, err := r.load(path)
	if err != nil {
		r.logger.Warn("import failed", "module", path, "name", name, "error", err, "available", r.lib.Paths())
		return
	}
	if v, ok := attr(mod, name); ok {
		out[local] = v
		return
	}
	if sub, err := r.lib.Load(loaded + "." + name); err == nil {
		out[local] = sub
		return
	}
	if v, ok := searchMembers(mod, name); ok {
		out[local] = v
		return
	}
	r.logger.Warn("import failed", "module", path, "name", name, "error", "name not found")
}

func (r *Resolver) bindWildcard(out starlark.StringDict, path string) {
	mod, _, err := r.load(path)
	if err != nil {
		r.logger.Warn("import failed", "module", path, "name", "*", "error", err, "available", r.lib.Paths())
		return
	}
	for _, name := range exportedNames(mod) {
		if v, ok := attr(mod, name); ok {
			out[name] = v
		}
	}
}

// load returns the module at path, retrying once at the parent path.
func (r *Resolver) load(path string) (starlark.Value, string, error) {
	mod, err := r.lib.Load(path)
	if err == nil {
		return mod, path, nil
	}
	if i := strings.LastIndexByte(path, '.'); i > 0 {
		parent := path[:i]
		if pmod, perr := r.lib.Load(parent); perr == nil {
			r.logger.Debug("import resolved at parent module", "module", path, "parent", parent)
			return pmod, parent, nil
		}
	}
	return nil, "", err
}

func attr(v starlark.Value, name string) (starlark.Value, bool) {
	ha, ok := v.(starlark.HasAttrs)
	if !ok {
		return nil, false
	}
	x, err := ha.Attr(name)
	if err != nil || x == nil {
		return nil, false
	}
	return x, true
}

// searchMembers looks one level into the public members of v for one
// that itself exposes name.
func searchMembers(v starlark.Value, name string) (starlark.Value, bool) {
	ha, ok := v.(starlark.HasAttrs)
	if !ok {
		return nil, false
	}
	for _, member := range ha.AttrNames() {
		if strings.HasPrefix(member, "_") {
			continue
		}
		inner, ok := attr(v, member)
		if !ok {
			continue
		}
		if x, ok := attr(inner, name); ok {
			return x, true
		}
	}
	return nil, false
}

// exportedNames honours __all__ when present, else every public member.
func exportedNames(v starlark.Value) []string {
	if all, ok := attr(v, "__all__"); ok {
		if it, ok := all.(starlark.Iterable); ok {
			var names []string
			iter := it.Iterate()
			defer iter.Done()
			var x starlark.Value
			for iter.Next(&x) {
				if s, ok := starlark.AsString(x); ok {
					names = append(names, s)
				}
			}
			return names
		}
	}
	ha, ok := v.(starlark.HasAttrs)
	if !ok {
		return nil
	}
	var names []string
	for _, name := range ha.AttrNames() {
		if !strings.HasPrefix(name, "_") {
			names = append(names, name)
		}
	}
	return names
}

func collectLoads(f *syntax.File) []*syntax.LoadStmt {
	var loads []*syntax.LoadStmt
	syntax.Walk(f, func(n syntax.Node) bool {
		if load, ok := n.(*syntax.LoadStmt); ok {
			loads = append(loads, load)
		}
		return true
	})
	return loads
}

// stripLoads removes load statements at any depth and returns the local
// names they declared. Their bindings are supplied as predeclared values.
func stripLoads(f *syntax.File) []string {
	var names []string
	f.Stmts = stripStmts(f.Stmts, &names)
	return names
}

func stripStmts(stmts []syntax.Stmt, names *[]string) []syntax.Stmt {
	out := stmts[:0]
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *syntax.LoadStmt:
			for _, id := range s.To {
				*names = append(*names, id.Name)
			}
			continue
		case *syntax.DefStmt:
			s.Body = keepNonEmpty(stripStmts(s.Body, names), s)
		case *syntax.IfStmt:
			s.True = keepNonEmpty(stripStmts(s.True, names), s)
			if len(s.False) > 0 {
				s.False = keepNonEmpty(stripStmts(s.False, names), s)
			}
		case *syntax.ForStmt:
			s.Body = keepNonEmpty(stripStmts(s.Body, names), s)
		case *syntax.WhileStmt:
			s.Body = keepNonEmpty(stripStmts(s.Body, names), s)
		}
		out = append(out, stmt)
	}
	return out
}

// keepNonEmpty replaces a block emptied by stripping with a pass statement.
func keepNonEmpty(body []syntax.Stmt, owner syntax.Node) []syntax.Stmt {
	if len(body) > 0 {
		return body
	}
	start, _ := owner.Span()
	return []syntax.Stmt{&syntax.BranchStmt{Token: syntax.PASS, TokenPos: start}}
}
