// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/llm"
	"github.com/jllopis/kairosforge/pkg/runtime"
	"github.com/jllopis/kairosforge/pkg/sandbox"
	"github.com/jllopis/kairosforge/pkg/service"
	"github.com/jllopis/kairosforge/pkg/session"
	"github.com/jllopis/kairosforge/pkg/store"
	"github.com/jllopis/kairosforge/pkg/tools"
)

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	reg := tools.NewRegistry(
		tools.WithLogger(logger),
		tools.WithBuilder(sandbox.NewBuilder(sandbox.WithLogger(logger))),
	)
	echo := func(_ context.Context, _ agent.Descriptor, _ []agent.BoundTool, _ []*agent.Agent) (agent.Handler, error) {
		return func(_ context.Context, in string) (string, error) { return "echo: " + in, nil }, nil
	}
	res := agent.NewResolver(reg,
		agent.WithSource(st),
		agent.WithProvider(&llm.MockProvider{Response: "hello"}),
		agent.WithCustomFactory("echo", echo),
		agent.WithResolverLogger(logger),
	)
	engine := runtime.NewEngine(
		runtime.NewLLMBackend(runtime.WithBackendLogger(logger)),
		session.NewMemoryStore(),
		runtime.WithEngineLogger(logger),
	)
	svc := service.New(st, reg, res, engine, service.WithLogger(logger))
	if _, err := svc.RegisterAgent(context.Background(), agent.Descriptor{
		ID:     "echo",
		Kind:   agent.KindCustom,
		Config: map[string]any{"type": "echo"},
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	srv := httptest.NewServer(New(svc, append([]Option{WithLogger(logger)}, opts...)...))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

type chatResult struct {
	Success   bool           `json:"success"`
	Response  *string        `json:"response"`
	Error     string         `json:"error"`
	ErrorCode string         `json:"error_code"`
	Metadata  map[string]any `json:"metadata"`
}

func TestChatEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/chat", `{"agent_id":"echo","message":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var res chatResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.Response == nil || *res.Response != "echo: hi" {
		t.Fatalf("unexpected result %s", body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/chat", `{"agent_id":"ghost","message":"hi"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.StatusCode, body)
	}
	res = chatResult{}
	_ = json.Unmarshal(body, &res)
	if res.Success || res.Response != nil || res.ErrorCode != "NOT_FOUND" {
		t.Fatalf("unexpected result %s", body)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/chat", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", resp.StatusCode)
	}
}

func TestToolEndpoints(t *testing.T) {
	srv := newTestServer(t)

	calc := `{"id":"calc","kind":"function","source_code":"def execute(input_data, tool_context=None):\n  return str(eval(input_data))\n"}`
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/tools", calc)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/tools", `{"id":"bad","kind":"function","source_code":"def execute(:"}`)
	if resp.StatusCode != http.StatusBadRequest || !bytes.Contains(body, []byte("TOOL_BUILD_ERROR")) {
		t.Fatalf("expected a build error, got %d %s", resp.StatusCode, body)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/v1/tools", "")
	var listed struct {
		Tools []tools.Summary `json:"tools"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Tools) != 1 || listed.Tools[0].ID != "calc" || !listed.Tools[0].Bound {
		t.Fatalf("unexpected listing %s", body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/tools/calc", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"source_code"`)) {
		t.Fatalf("get: %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/tools/calc", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/tools/calc", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: %d", resp.StatusCode)
	}
}

func TestAgentEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/agents", `{"id":"helper","tool_ids":["missing"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}
	var created struct {
		Warnings []string `json:"warnings"`
	}
	_ = json.Unmarshal(body, &created)
	if len(created.Warnings) != 1 {
		t.Fatalf("expected one warning, got %s", body)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/agents", `{"id":"x","kind":"quantum"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown kind, got %d", resp.StatusCode)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/v1/agents", "")
	if !bytes.Contains(body, []byte(`"helper"`)) || !bytes.Contains(body, []byte(`"echo"`)) {
		t.Fatalf("unexpected listing %s", body)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/agents/helper", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/agents/helper", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: %d", resp.StatusCode)
	}
}

func TestChatStream(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/chat/stream", `{"agent_id":"echo","message":"hi"}`)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	text := string(body)
	ev := strings.Index(text, "event: event\n")
	res := strings.Index(text, "event: result\n")
	if ev < 0 || res < ev {
		t.Fatalf("expected events before the result, got %q", text)
	}
	if !strings.Contains(text, `"agent.message"`) || !strings.Contains(text, `"echo: hi"`) {
		t.Fatalf("missing message event: %q", text)
	}
}

func TestChatSocket(t *testing.T) {
	srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var sessions []string
	for _, msg := range []string{"one", "two"} {
		if err := conn.WriteJSON(service.ChatRequest{AgentID: "echo", Message: msg}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
		var events int
		for {
			var f struct {
				Kind   string          `json:"kind"`
				Result json.RawMessage `json:"result"`
			}
			if err := conn.ReadJSON(&f); err != nil {
				t.Fatalf("ReadJSON: %v", err)
			}
			if f.Kind == "event" {
				events++
				continue
			}
			var res chatResult
			if err := json.Unmarshal(f.Result, &res); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if !res.Success || *res.Response != "echo: "+msg {
				t.Fatalf("unexpected result %s", f.Result)
			}
			sessions = append(sessions, res.Metadata["session_id"].(string))
			break
		}
		if events == 0 {
			t.Fatal("expected events before the result")
		}
	}
	if sessions[0] == "" || sessions[0] != sessions[1] {
		t.Fatalf("expected turns on one socket to share a session, got %v", sessions)
	}
}

func TestSocketRejectsForeignOrigin(t *testing.T) {
	srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func TestEmbed(t *testing.T) {
	srv := newTestServer(t, WithAllowedOrigins("https://site.example/"))

	resp, body := do(t, http.MethodGet, srv.URL+"/embed/echo", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`/embed/echo/chat`)) {
		t.Fatalf("page: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/embed/echo/chat", `{"message":"hi"}`, "Origin", "https://site.example")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "https://site.example" {
		t.Fatalf("allowed origin: %d %v %s", resp.StatusCode, resp.Header, body)
	}
	if !bytes.Contains(body, []byte(`"echo: hi"`)) {
		t.Fatalf("unexpected body %s", body)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/embed/echo/chat", `{"message":"hi"}`, "Origin", "https://other.example")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign origin, got %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodOptions, srv.URL+"/embed/echo/chat", "", "Origin", "https://site.example")
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("preflight: %d", resp.StatusCode)
	}
}

func TestMCPMount(t *testing.T) {
	mounted := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := newTestServer(t, WithMCPHandler(mounted))

	resp, _ := do(t, http.MethodPost, srv.URL+"/mcp", `{}`)
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected the mcp handler, got %d", resp.StatusCode)
	}
}
