// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/runtime"
	"github.com/jllopis/kairosforge/pkg/service"
)

// eventView is the wire form of a turn event.
type eventView struct {
	Type      core.EventType `json:"type"`
	Agent     string         `json:"agent,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Final     bool           `json:"final,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func viewOf(ev core.Event) eventView {
	v := eventView{
		Type:      ev.Type,
		Agent:     ev.Agent,
		Content:   ev.Content,
		ToolName:  ev.ToolName,
		Final:     ev.Final,
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
	}
	if ev.Err != nil {
		v.Error = ev.Err.Error()
	}
	return v
}

// frame is one message sent to a streaming client: either an event or the
// closing result.
type frame struct {
	Kind   string          `json:"kind"` // event, result
	Event  *eventView      `json:"event,omitempty"`
	Result *runtime.Result `json:"result,omitempty"`
}

// sink serialises frames to one client. After close it drops frames, so a
// turn still running past its deadline cannot write to a finished response.
type sink struct {
	mu     sync.Mutex
	send   func(frame) error
	closed bool
}

func (s *sink) Emit(_ context.Context, ev core.Event) {
	v := viewOf(ev)
	s.write(frame{Kind: "event", Event: &v})
}

func (s *sink) write(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.send(f)
}

func (s *sink) finish(res runtime.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.send(frame{Kind: "result", Result: &res})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req service.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	out := &sink{send: func(f frame) error {
		payload, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("event: " + f.Kind + "\ndata: ")); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}}
	res := s.svc.Chat(core.WithEmitter(r.Context(), out), req)
	if err := out.finish(res); err != nil {
		s.logger.Debug("server.stream.write_failed", slog.String("error", err.Error()))
	}
}

// handleChatSocket serves a conversation over one WebSocket. Each text
// message is a ChatRequest; events and the result are sent back as frames.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server.ws.upgrade_failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	sessionID := r.URL.Query().Get("session_id")
	for {
		var req service.ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("server.ws.read_failed", slog.String("error", err.Error()))
			}
			return
		}
		// Turns on one socket share a session unless the client picks one.
		if req.SessionID == "" {
			req.SessionID = sessionID
		}
		out := &sink{send: func(f frame) error { return conn.WriteJSON(f) }}
		res := s.svc.Chat(core.WithEmitter(r.Context(), out), req)
		if id, ok := res.Metadata["session_id"].(string); ok && id != "" {
			sessionID = id
		}
		if err := out.finish(res); err != nil {
			s.logger.Debug("server.ws.write_failed", slog.String("error", err.Error()))
			return
		}
	}
}
