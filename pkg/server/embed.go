// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/jllopis/kairosforge/pkg/service"
)

//go:embed web/chat.html
var webFS embed.FS

var chatPage = template.Must(template.ParseFS(webFS, "web/chat.html"))

type chatPageData struct {
	Title    string
	Endpoint string
}

// embedRequest is the body accepted by the embed endpoint. The agent comes
// from the path so a page can only talk to the agent it was issued for.
type embedRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

func (s *Server) handleEmbedPage(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	data := chatPageData{
		Title:    agentID,
		Endpoint: "/embed/" + url.PathEscape(agentID) + "/chat",
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := chatPage.Execute(w, data); err != nil {
		s.logger.Warn("server.embed.render_failed", slog.String("error", err.Error()))
	}
}

func (s *Server) handleEmbedChat(w http.ResponseWriter, r *http.Request) {
	if !s.allowCORS(w, r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	var body embedRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	res := s.svc.Chat(r.Context(), service.ChatRequest{
		AgentID:   r.PathValue("agent_id"),
		Message:   body.Message,
		SessionID: body.SessionID,
		UserID:    body.UserID,
		Metadata:  map[string]any{"channel": "embed"},
	})
	writeJSON(w, resultStatus(res), res)
}

func (s *Server) handleEmbedPreflight(w http.ResponseWriter, r *http.Request) {
	if !s.allowCORS(w, r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// allowCORS sets the CORS headers for an allowed cross-origin request and
// reports whether the request may proceed.
func (s *Server) allowCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.checkOrigin(r) {
		return origin == ""
	}
	if slices.Contains(s.origins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	return true
}

func cleanOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}
