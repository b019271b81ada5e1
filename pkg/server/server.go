// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the service over HTTP: a JSON API for tools and
// agents, chat over plain JSON, server-sent events and WebSocket, and an
// embeddable chat page. Every chat path ends in Service.Chat.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
	"github.com/jllopis/kairosforge/pkg/runtime"
	"github.com/jllopis/kairosforge/pkg/service"
	"github.com/jllopis/kairosforge/pkg/tools"
)

const maxBodyBytes = 1 << 20

// Service is the subset of service.Service the server needs.
type Service interface {
	Chat(ctx context.Context, req service.ChatRequest) runtime.Result
	RegisterTool(ctx context.Context, def core.ToolDefinition) error
	DeleteTool(ctx context.Context, id string) error
	GetTool(ctx context.Context, id string) (*core.ToolDefinition, error)
	ListTools(ctx context.Context) []tools.Summary
	RegisterAgent(ctx context.Context, desc agent.Descriptor) ([]string, error)
	DeleteAgent(ctx context.Context, id string) error
	GetAgent(ctx context.Context, id string) (*agent.Descriptor, error)
	ListAgents(ctx context.Context) ([]agent.Descriptor, error)
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc      Service
	mux      *http.ServeMux
	mcp      http.Handler
	origins  []string
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMCPHandler mounts h under /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// WithAllowedOrigins lists the origins allowed to use the embed and
// WebSocket endpoints. "*" allows any origin; none allows same-origin only.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = cleanOrigins(origins) }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Server for svc.
func New(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		mux:    http.NewServeMux(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("POST /v1/chat", s.handleChat)
	s.mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("GET /v1/chat/ws", s.handleChatSocket)

	s.mux.HandleFunc("GET /v1/tools", s.handleListTools)
	s.mux.HandleFunc("POST /v1/tools", s.handleRegisterTool)
	s.mux.HandleFunc("GET /v1/tools/{id}", s.handleGetTool)
	s.mux.HandleFunc("DELETE /v1/tools/{id}", s.handleDeleteTool)

	s.mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	s.mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	s.mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDeleteAgent)

	s.mux.HandleFunc("GET /embed/{agent_id}", s.handleEmbedPage)
	s.mux.HandleFunc("POST /embed/{agent_id}/chat", s.handleEmbedChat)
	s.mux.HandleFunc("OPTIONS /embed/{agent_id}/chat", s.handleEmbedPreflight)

	if s.mcp != nil {
		s.mux.Handle("/mcp", s.mcp)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req service.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res := s.svc.Chat(r.Context(), req)
	writeJSON(w, resultStatus(res), res)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.svc.ListTools(r.Context())})
}

func (s *Server) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var def core.ToolDefinition
	if err := decodeJSON(r, &def); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.RegisterTool(r.Context(), def); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": def.ID})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	def, err := s.svc.GetTool(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTool(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.svc.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var desc agent.Descriptor
	if err := decodeJSON(r, &desc); err != nil {
		writeError(w, err)
		return
	}
	warnings, err := s.svc.RegisterAgent(r.Context(), desc)
	if err != nil {
		writeError(w, err)
		return
	}
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": desc.ID, "warnings": warnings})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	desc, err := s.svc.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkOrigin accepts requests without an Origin header, same-host
// origins and the configured allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin) {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return strings.EqualFold(host, r.Host)
}

// resultStatus maps a chat result to a status code. Failures of the turn
// itself are still 200: the result carries them.
func resultStatus(res runtime.Result) int {
	switch res.Code {
	case errors.CodeInvalidInput, errors.CodeNotFound, errors.CodeAgentBuild:
		return errors.New(res.Code, res.Error, nil).StatusCode
	default:
		return http.StatusOK
	}
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New(errors.CodeInvalidInput, "request body is required", nil)
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.New(errors.CodeInvalidInput, "request body is required", nil)
		}
		return errors.New(errors.CodeInvalidInput, "invalid json body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.StatusCode(err), map[string]any{"error": errors.AsForgeError(err)})
}
