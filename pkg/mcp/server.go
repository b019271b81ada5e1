// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/tools"
)

// Server publishes the bound tools of a registry over MCP.
type Server struct {
	mcpServer *server.MCPServer
	registry  *tools.Registry
	logger    *slog.Logger
}

// NewServer creates a server and publishes the current registry content.
func NewServer(reg *tools.Registry, name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(true)),
		registry:  reg,
		logger:    logger,
	}
	s.Sync()
	return s
}

// Sync republishes the registry. Call it after tools are registered or
// removed; clients are notified that the tool list changed.
func (s *Server) Sync() int {
	var published []server.ServerTool
	for _, sum := range s.registry.List() {
		if !sum.Bound {
			continue
		}
		schema, err := json.Marshal(sum.Parameters)
		if err != nil || sum.Parameters == nil {
			schema, _ = json.Marshal(core.DefaultParameters())
		}
		published = append(published, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(sum.ID, sum.Description, schema),
			Handler: s.handler(sum.ID),
		})
	}
	s.mcpServer.SetTools(published...)
	s.logger.Info("mcp.server.sync", slog.Int("tools", len(published)))
	return len(published)
}

// handler resolves the tool at call time so replacements take effect
// without a resync.
func (s *Server) handler(id string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tool := s.registry.Get(id)
		if tool == nil {
			return mcp.NewToolResultError(fmt.Sprintf("tool %s is no longer registered", id)), nil
		}
		out := tools.Invoke(ctx, tool, id, req.GetArguments())
		if strings.HasPrefix(out, "Error executing tool") {
			return mcp.NewToolResultError(out), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// HTTPHandler serves the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}
