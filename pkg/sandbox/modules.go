// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math/rand/v2"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const maxHTTPBody = 1 << 20

// Library is the fixed set of host modules tool code may import, keyed by
// dotted path. It is read-only once built and safe for concurrent use.
type Library struct {
	modules map[string]starlark.Value
}

// LibraryOption configures a Library.
type LibraryOption func(*libraryConfig)

type libraryConfig struct {
	allowNetwork bool
	httpClient   *http.Client
	extra        map[string]starlark.Value
}

// WithNetwork exposes the "http" module backed by client.
func WithNetwork(client *http.Client) LibraryOption {
	return func(c *libraryConfig) {
		c.allowNetwork = true
		c.httpClient = client
	}
}

// WithModule adds or replaces the module at path.
func WithModule(path string, module starlark.Value) LibraryOption {
	return func(c *libraryConfig) {
		if c.extra == nil {
			c.extra = make(map[string]starlark.Value)
		}
		c.extra[path] = module
	}
}

// NewLibrary builds the host module library.
func NewLibrary(opts ...LibraryOption) *Library {
	cfg := libraryConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	b64 := newModule("encoding.base64", starlark.StringDict{
		"encode":         starlark.NewBuiltin("encode", base64Encode(base64.StdEncoding)),
		"decode":         starlark.NewBuiltin("decode", base64Decode(base64.StdEncoding)),
		"urlsafe_encode": starlark.NewBuiltin("urlsafe_encode", base64Encode(base64.URLEncoding)),
		"urlsafe_decode": starlark.NewBuiltin("urlsafe_decode", base64Decode(base64.URLEncoding)),
	})
	hexm := newModule("encoding.hex", starlark.StringDict{
		"encode": starlark.NewBuiltin("encode", hexEncode),
		"decode": starlark.NewBuiltin("decode", hexDecode),
	})
	encoding := newModule("encoding", starlark.StringDict{
		"json":    starlarkjson.Module,
		"base64":  b64,
		"hex":     hexm,
		"__all__": starlark.NewList([]starlark.Value{starlark.String("json"), starlark.String("base64"), starlark.String("hex")}),
	})

	modules := map[string]starlark.Value{
		"math":            starlarkmath.Module,
		"json":            starlarkjson.Module,
		"time":            starlarktime.Module,
		"encoding":        encoding,
		"encoding.json":   starlarkjson.Module,
		"encoding.base64": b64,
		"encoding.hex":    hexm,
		"re":              reModule(),
		"hashlib":         hashlibModule(),
		"random":          randomModule(),
	}
	if cfg.allowNetwork {
		client := cfg.httpClient
		if client == nil {
			client = &http.Client{Timeout: 15 * time.Second}
		}
		modules["http"] = httpModule(client)
	}
	for path, mod := range cfg.extra {
		modules[path] = mod
	}
	for _, mod := range modules {
		mod.Freeze()
	}
	return &Library{modules: modules}
}

// Load returns the module registered at path.
func (l *Library) Load(path string) (starlark.Value, error) {
	if l == nil {
		return nil, fmt.Errorf("no module named %q", path)
	}
	if mod, ok := l.modules[path]; ok {
		return mod, nil
	}
	return nil, fmt.Errorf("no module named %q", path)
}

// Paths lists importable module paths in sorted order.
func (l *Library) Paths() []string {
	if l == nil {
		return nil
	}
	paths := make([]string, 0, len(l.modules))
	for p := range l.modules {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func newModule(name string, members starlark.StringDict) *starlarkstruct.Module {
	return &starlarkstruct.Module{Name: name, Members: members}
}

func base64Encode(enc *base64.Encoding) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		return starlark.String(enc.EncodeToString([]byte(s))), nil
	}
}

func base64Decode(enc *base64.Encoding) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		out, err := enc.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.String(out), nil
	}
}

func hexEncode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	return starlark.String(hex.EncodeToString([]byte(s))), nil
}

func hexDecode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(out), nil
}

func reModule() *starlarkstruct.Module {
	compile := func(fn string, pattern string) (*regexp.Regexp, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("re.%s: %w", fn, err)
		}
		return re, nil
	}
	patternAndText := func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*regexp.Regexp, string, error) {
		var pattern, text string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &text); err != nil {
			return nil, "", err
		}
		re, err := compile(b.Name(), pattern)
		return re, text, err
	}
	matchAt := func(anchored, full bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			re, text, err := patternAndText(b, args, kwargs)
			if err != nil {
				return nil, err
			}
			loc := re.FindStringIndex(text)
			if loc == nil || (anchored && loc[0] != 0) || (full && loc[1] != len(text)) {
				return starlark.None, nil
			}
			return starlark.String(text[loc[0]:loc[1]]), nil
		}
	}

	return newModule("re", starlark.StringDict{
		"search":    starlark.NewBuiltin("search", matchAt(false, false)),
		"match":     starlark.NewBuiltin("match", matchAt(true, false)),
		"fullmatch": starlark.NewBuiltin("fullmatch", matchAt(true, true)),
		"findall": starlark.NewBuiltin("findall", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			re, text, err := patternAndText(b, args, kwargs)
			if err != nil {
				return nil, err
			}
			var out []starlark.Value
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				switch len(m) {
				case 1:
					out = append(out, starlark.String(m[0]))
				case 2:
					out = append(out, starlark.String(m[1]))
				default:
					groups := make(starlark.Tuple, 0, len(m)-1)
					for _, g := range m[1:] {
						groups = append(groups, starlark.String(g))
					}
					out = append(out, groups)
				}
			}
			return starlark.NewList(out), nil
		}),
		"sub": starlark.NewBuiltin("sub", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern, repl, text string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "repl", &repl, "string", &text); err != nil {
				return nil, err
			}
			re, err := compile(b.Name(), pattern)
			if err != nil {
				return nil, err
			}
			return starlark.String(re.ReplaceAllString(text, repl)), nil
		}),
		"split": starlark.NewBuiltin("split", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			re, text, err := patternAndText(b, args, kwargs)
			if err != nil {
				return nil, err
			}
			parts := re.Split(text, -1)
			out := make([]starlark.Value, len(parts))
			for i, p := range parts {
				out[i] = starlark.String(p)
			}
			return starlark.NewList(out), nil
		}),
	})
}

func hashlibModule() *starlarkstruct.Module {
	digest := func(name string, newHash func() hash.Hash) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			h := newHash()
			_, _ = io.WriteString(h, s)
			return starlark.String(hex.EncodeToString(h.Sum(nil))), nil
		})
	}
	return newModule("hashlib", starlark.StringDict{
		"md5":    digest("md5", md5.New),
		"sha1":   digest("sha1", sha1.New),
		"sha256": digest("sha256", sha256.New),
		"sha512": digest("sha512", sha512.New),
	})
}

func randomModule() *starlarkstruct.Module {
	return newModule("random", starlark.StringDict{
		"random": starlark.NewBuiltin("random", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.Float(rand.Float64()), nil
		}),
		"randint": starlark.NewBuiltin("randint", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var lo, hi int
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, fmt.Errorf("randint: empty range (%d, %d)", lo, hi)
			}
			return starlark.MakeInt(lo + rand.IntN(hi-lo+1)), nil
		}),
		"uniform": starlark.NewBuiltin("uniform", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var a, b2 starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &a, &b2); err != nil {
				return nil, err
			}
			lo, ok1 := starlark.AsFloat(a)
			hi, ok2 := starlark.AsFloat(b2)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("uniform: want numbers, got %s and %s", a.Type(), b2.Type())
			}
			return starlark.Float(lo + rand.Float64()*(hi-lo)), nil
		}),
		"choice": starlark.NewBuiltin("choice", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var seq starlark.Indexable
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seq); err != nil {
				return nil, err
			}
			if seq.Len() == 0 {
				return nil, fmt.Errorf("choice: empty sequence")
			}
			return seq.Index(rand.IntN(seq.Len())), nil
		}),
	})
}

func httpModule(client *http.Client) *starlarkstruct.Module {
	return newModule("http", starlark.StringDict{
		"get": starlark.NewBuiltin("get", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var url string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url); err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(threadContext(thread), http.MethodGet, url, nil)
			if err != nil {
				return nil, fmt.Errorf("http.get: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("http.get: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
			if err != nil {
				return nil, fmt.Errorf("http.get: %w", err)
			}
			headers := new(starlark.Dict)
			for k := range resp.Header {
				_ = headers.SetKey(starlark.String(strings.ToLower(k)), starlark.String(resp.Header.Get(k)))
			}
			return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
				"status":  starlark.MakeInt(resp.StatusCode),
				"body":    starlark.String(body),
				"headers": headers,
			}), nil
		}),
	})
}
