// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
)

// Transport is the opaque tool transport handled by Binder.
const Transport = "mcp"

// ServerConfig locates the MCP server behind an opaque tool definition.
// Exactly one of URL or Command is set.
type ServerConfig struct {
	URL     string
	Command string
	Args    []string
	// Tool is the remote tool name.
	Tool string
}

func (c ServerConfig) key() string {
	if c.URL != "" {
		return "url:" + c.URL
	}
	return "cmd:" + strings.Join(append([]string{c.Command}, c.Args...), " ")
}

// Dialer opens a client for a server.
type Dialer func(ctx context.Context, cfg ServerConfig) (*Client, error)

// Binder binds opaque tool definitions with transport "mcp" to remote MCP
// tools. Clients are shared by every tool served from the same server.
type Binder struct {
	dial   Dialer
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithDialer replaces how server connections are opened.
func WithDialer(d Dialer) BinderOption {
	return func(b *Binder) {
		if d != nil {
			b.dial = d
		}
	}
}

// WithBinderLogger sets the binder logger.
func WithBinderLogger(logger *slog.Logger) BinderOption {
	return func(b *Binder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBinder creates a Binder dialing stdio and streamable HTTP servers
// with opts applied to every client.
func NewBinder(opts ...BinderOption) *Binder {
	b := &Binder{
		logger:  slog.Default(),
		clients: make(map[string]*Client),
	}
	b.dial = func(_ context.Context, cfg ServerConfig) (*Client, error) {
		if cfg.URL != "" {
			return NewClientWithStreamableHTTP(cfg.URL)
		}
		return NewClientWithStdio(cfg.Command, cfg.Args)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind implements tools.OpaqueBinder.
func (b *Binder) Bind(ctx context.Context, def core.ToolDefinition) (core.Tool, error) {
	cfg, err := ParseServerConfig(def)
	if err != nil {
		return nil, err
	}
	c, err := b.client(ctx, cfg)
	if err != nil {
		return nil, errors.New(errors.CodeToolBuild, "mcp server unavailable", err).
			WithContext("server", cfg.key())
	}
	remote, err := c.ListTools(ctx)
	if err != nil {
		return nil, errors.New(errors.CodeToolBuild, "mcp tool listing failed", err).
			WithContext("server", cfg.key())
	}
	for _, t := range remote {
		if t.Name != cfg.Tool {
			continue
		}
		adapter, err := NewToolAdapter(t, c)
		if err != nil {
			return nil, errors.New(errors.CodeToolBuild, "invalid mcp tool", err)
		}
		b.logger.Info("mcp.tool.bound",
			slog.String("tool_id", def.ID),
			slog.String("remote", t.Name),
			slog.String("server", cfg.key()),
		)
		return adapter.As(def.ID, def.Description), nil
	}
	return nil, errors.Newf(errors.CodeToolBuild, "mcp server does not serve tool %q", cfg.Tool).
		WithContext("server", cfg.key())
}

func (b *Binder) client(ctx context.Context, cfg ServerConfig) (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := cfg.key()
	if c, ok := b.clients[key]; ok {
		return c, nil
	}
	c, err := b.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b.clients[key] = c
	return c, nil
}

// Close closes every server connection.
func (b *Binder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for key, c := range b.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		delete(b.clients, key)
	}
	return stderrors.Join(errs...)
}

// ParseServerConfig reads the server location from an opaque definition's
// config: "url", or "command" with optional "args", plus an optional
// "tool" naming the remote tool (defaults to the definition name).
func ParseServerConfig(def core.ToolDefinition) (ServerConfig, error) {
	cfg := ServerConfig{
		URL:     stringValue(def.Config["url"]),
		Command: stringValue(def.Config["command"]),
		Tool:    stringValue(def.Config["tool"]),
	}
	if cfg.Tool == "" {
		cfg.Tool = def.DisplayName()
	}
	switch args := def.Config["args"].(type) {
	case []string:
		cfg.Args = append(cfg.Args, args...)
	case []any:
		for _, a := range args {
			cfg.Args = append(cfg.Args, fmt.Sprint(a))
		}
	}
	if (cfg.URL == "") == (cfg.Command == "") {
		return ServerConfig{}, errors.New(errors.CodeInvalidInput, "mcp tool needs exactly one of url or command", nil).
			WithContext("tool_id", def.ID)
	}
	return cfg, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
