// ABOUTME: Tests for the MCP endpoint using a fake backend behind header auth.
// ABOUTME: Covers the session lifecycle, tool listing, calls, and error mapping.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/worker"
)

// fakeBackend answers from a fixed capability list.
type fakeBackend struct {
	caps  []worker.Capability
	calls []conversation.Invocation
	// results by capability name; errs take precedence
	results map[string]*conversation.InvocationResult
	errs    map[string]error
}

func (f *fakeBackend) Capabilities() []worker.Capability { return f.caps }

func (f *fakeBackend) Invoke(ctx context.Context, inv conversation.Invocation) (*conversation.InvocationResult, error) {
	f.calls = append(f.calls, inv)
	if err, ok := f.errs[inv.Name]; ok {
		return nil, err
	}
	if res, ok := f.results[inv.Name]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", packs.ErrToolNotFound, inv.Name)
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		caps: []worker.Capability{
			{Name: "ping", Description: "Ping", InputSchema: map[string]any{"type": "object", "properties": map[string]any{"n": map[string]any{"type": "integer"}}}},
			{Name: "chart"},
		},
		results: map[string]*conversation.InvocationResult{
			"ping":  {Text: "pong", Action: gate.ActionNone},
			"chart": {Action: gate.ActionSubscription, Message: "The user needs to subscribe to the API Charts."},
		},
		errs: map[string]error{
			"broken": &worker.InvokeError{Capability: "broken", Err: fmt.Errorf("%w: boom", worker.ErrWorkerReported)},
			"slow":   &worker.InvokeError{Capability: "slow", Err: context.DeadlineExceeded},
			"lookup": &gate.LookupError{Stage: "credential", ContentVersionID: "v1", Err: errors.New("503")},
		},
	}
}

// newTestHandler wraps the endpoint in header-mode auth.
func newTestHandler(t *testing.T, backend Backend, idle time.Duration) (http.Handler, *Server) {
	t.Helper()
	srv, err := NewServer(Config{
		Backend:     backend,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:     "test",
		SessionIdle: idle,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return auth.Middleware(auth.Config{UserHeader: "email"})(srv), srv
}

type rpcResult struct {
	status    int
	sessionID string
	resp      JSONRPCResponse
	raw       map[string]any
}

func post(t *testing.T, h http.Handler, user, sessionID, body string) rpcResult {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("email", user)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := rpcResult{status: rec.Code, sessionID: rec.Header().Get("Mcp-Session-Id")}
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &out.resp); err != nil {
			t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &out.raw)
	}
	return out
}

func initialize(t *testing.T, h http.Handler, user string) string {
	t.Helper()
	res := post(t, h, user, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if res.status != http.StatusOK || res.resp.Error != nil {
		t.Fatalf("initialize failed: status %d error %+v", res.status, res.resp.Error)
	}
	if res.sessionID == "" {
		t.Fatal("initialize did not return Mcp-Session-Id")
	}
	return res.sessionID
}

func TestInitialize(t *testing.T) {
	h, srv := newTestHandler(t, newBackend(), 0)

	res := post(t, h, "alice@example.com", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.status)
	}
	result, _ := res.raw["result"].(map[string]any)
	info, _ := result["serverInfo"].(map[string]any)
	if info["name"] != "coven-relay" || info["version"] != "test" {
		t.Errorf("serverInfo = %v", info)
	}
	if _, ok := result["capabilities"].(map[string]any)["tools"]; !ok {
		t.Errorf("capabilities missing tools: %v", result["capabilities"])
	}
	if srv.sessions.len() != 1 {
		t.Errorf("sessions = %d, want 1", srv.sessions.len())
	}
}

func TestRequiresAuthentication(t *testing.T) {
	h, _ := newTestHandler(t, newBackend(), 0)

	res := post(t, h, "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if res.status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", res.status)
	}
}

func TestSessionValidation(t *testing.T) {
	h, _ := newTestHandler(t, newBackend(), 0)
	sid := initialize(t, h, "alice@example.com")

	tests := []struct {
		name    string
		user    string
		session string
		want    int
	}{
		{"missing session", "alice@example.com", "", http.StatusBadRequest},
		{"unknown session", "alice@example.com", "nope", http.StatusNotFound},
		{"other user", "bob@example.com", sid, http.StatusForbidden},
		{"owner", "alice@example.com", sid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := post(t, h, tt.user, tt.session, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
			if res.status != tt.want {
				t.Errorf("status = %d, want %d", res.status, tt.want)
			}
		})
	}
}

func TestSessionIdleExpiry(t *testing.T) {
	h, srv := newTestHandler(t, newBackend(), time.Minute)
	sid := initialize(t, h, "alice@example.com")

	srv.sessions.mu.Lock()
	srv.sessions.sessions[sid].lastSeen = time.Now().Add(-2 * time.Minute)
	srv.sessions.mu.Unlock()

	res := post(t, h, "alice@example.com", sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if res.status != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for idle session", res.status)
	}
	if srv.sessions.len() != 0 {
		t.Errorf("idle session was not dropped")
	}
}

func TestToolsList(t *testing.T) {
	h, _ := newTestHandler(t, newBackend(), 0)
	sid := initialize(t, h, "alice@example.com")

	res := post(t, h, "alice@example.com", sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if res.resp.Error != nil {
		t.Fatalf("unexpected error: %+v", res.resp.Error)
	}
	result, _ := res.raw["result"].(map[string]any)
	tools, _ := result["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools))
	}

	ping, _ := tools[0].(map[string]any)
	if ping["name"] != "ping" || ping["description"] != "Ping" {
		t.Errorf("first tool = %v", ping)
	}
	schema, _ := ping["inputSchema"].(map[string]any)
	if _, ok := schema["properties"].(map[string]any)["n"]; !ok {
		t.Errorf("ping schema lost properties: %v", schema)
	}

	chart, _ := tools[1].(map[string]any)
	if s, _ := chart["inputSchema"].(map[string]any); s["type"] != "object" {
		t.Errorf("chart schema = %v, want object default", chart["inputSchema"])
	}
}

func TestToolsCall(t *testing.T) {
	backend := newBackend()
	h, _ := newTestHandler(t, backend, 0)
	sid := initialize(t, h, "alice@example.com")

	call := func(name string) rpcResult {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":%q,"arguments":{"n":1}}}`, name)
		return post(t, h, "alice@example.com", sid, body)
	}
	text := func(res rpcResult) (string, bool) {
		result, _ := res.raw["result"].(map[string]any)
		content, _ := result["content"].([]any)
		if len(content) == 0 {
			return "", false
		}
		first, _ := content[0].(map[string]any)
		isErr, _ := result["isError"].(bool)
		s, _ := first["text"].(string)
		return s, isErr
	}

	t.Run("success", func(t *testing.T) {
		res := call("ping")
		got, isErr := text(res)
		if got != "pong" || isErr {
			t.Errorf("result = %q isError=%v, want pong", got, isErr)
		}
		last := backend.calls[len(backend.calls)-1]
		if last.UserID != "alice@example.com" {
			t.Errorf("UserID = %q", last.UserID)
		}
		if last.Arguments["n"] != float64(1) {
			t.Errorf("Arguments = %v", last.Arguments)
		}
	})

	t.Run("subscription becomes error result", func(t *testing.T) {
		got, isErr := text(call("chart"))
		if !isErr || !strings.Contains(got, "subscribe") {
			t.Errorf("result = %q isError=%v", got, isErr)
		}
	})

	t.Run("worker failure becomes error result", func(t *testing.T) {
		got, isErr := text(call("broken"))
		if !isErr || !strings.Contains(got, "boom") {
			t.Errorf("result = %q isError=%v", got, isErr)
		}
	})

	errorCases := []struct {
		name string
		code int
		msg  string
	}{
		{"missing", -32602, "tool not found"},
		{"slow", -32603, "tool execution timed out"},
		{"lookup", -32603, "authorization lookup failed"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			res := call(tc.name)
			if res.resp.Error == nil {
				t.Fatalf("expected JSON-RPC error, got %v", res.raw)
			}
			if res.resp.Error.Code != tc.code || res.resp.Error.Message != tc.msg {
				t.Errorf("error = %+v, want %d %q", res.resp.Error, tc.code, tc.msg)
			}
		})
	}

	t.Run("missing name", func(t *testing.T) {
		res := post(t, h, "alice@example.com", sid, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{}}`)
		if res.resp.Error == nil || res.resp.Error.Code != -32602 {
			t.Errorf("error = %+v, want invalid params", res.resp.Error)
		}
	})
}

func TestProtocolErrors(t *testing.T) {
	h, _ := newTestHandler(t, newBackend(), 0)
	sid := initialize(t, h, "alice@example.com")

	t.Run("invalid JSON", func(t *testing.T) {
		res := post(t, h, "alice@example.com", sid, `{not json`)
		if res.resp.Error == nil || res.resp.Error.Code != -32700 {
			t.Errorf("error = %+v, want parse error", res.resp.Error)
		}
	})

	t.Run("wrong version", func(t *testing.T) {
		res := post(t, h, "alice@example.com", sid, `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`)
		if res.resp.Error == nil || res.resp.Error.Code != -32600 {
			t.Errorf("error = %+v, want invalid request", res.resp.Error)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		res := post(t, h, "alice@example.com", sid, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
		if res.resp.Error == nil || res.resp.Error.Code != -32601 {
			t.Errorf("error = %+v, want method not found", res.resp.Error)
		}
	})

	t.Run("notification accepted", func(t *testing.T) {
		res := post(t, h, "alice@example.com", sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		if res.status != http.StatusAccepted {
			t.Errorf("status = %d, want 202", res.status)
		}
	})

	t.Run("unsupported protocol header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
		req.Header.Set("email", "alice@example.com")
		req.Header.Set("Mcp-Session-Id", sid)
		req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("oversized body", func(t *testing.T) {
		big := `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"pad":"` + strings.Repeat("x", MaxRequestBodySize) + `"}}`
		res := post(t, h, "alice@example.com", sid, big)
		if res.resp.Error == nil || res.resp.Error.Code != -32600 {
			t.Errorf("error = %+v, want invalid request", res.resp.Error)
		}
	})
}

func TestDeleteSession(t *testing.T) {
	h, srv := newTestHandler(t, newBackend(), 0)
	sid := initialize(t, h, "alice@example.com")

	del := func(user, session string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set("email", user)
		if session != "" {
			req.Header.Set("Mcp-Session-Id", session)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := del("alice@example.com", ""); got != http.StatusBadRequest {
		t.Errorf("missing header: status = %d, want 400", got)
	}
	if got := del("bob@example.com", sid); got != http.StatusForbidden {
		t.Errorf("other user: status = %d, want 403", got)
	}
	if got := del("alice@example.com", sid); got != http.StatusNoContent {
		t.Errorf("owner: status = %d, want 204", got)
	}
	if got := del("alice@example.com", sid); got != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", got)
	}
	if srv.sessions.len() != 0 {
		t.Errorf("sessions = %d, want 0", srv.sessions.len())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, newBackend(), 0)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("email", "alice@example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != "POST, DELETE" {
		t.Errorf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error without backend")
	}
}
