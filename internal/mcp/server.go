// ABOUTME: Streamable HTTP MCP endpoint that re-exposes registered capabilities.
// ABOUTME: External MCP clients list and call capabilities through the authorization gate.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/worker"
)

// supportedProtocolVersions lists the MCP-Protocol-Version header values accepted.
var supportedProtocolVersions = []string{
	mcpproto.LATEST_PROTOCOL_VERSION,
	"2025-03-26",
	"2024-11-05",
}

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// callToolParams are the params of tools/call.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Backend is what the endpoint needs from the conversation service.
type Backend interface {
	Capabilities() []worker.Capability
	Invoke(ctx context.Context, inv conversation.Invocation) (*conversation.InvocationResult, error)
}

// session tracks one initialized MCP client.
type session struct {
	id              string
	protocolVersion string
	owner           string // user ID that initialized the session
	lastSeen        time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	idle     time.Duration
}

func (s *sessionStore) create(protocolVersion, owner string) *session {
	sess := &session{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		owner:           owner,
		lastSeen:        time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

// touch returns the live session and refreshes its idle timer. Sessions idle
// longer than the limit are dropped on access.
func (s *sessionStore) touch(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if s.idle > 0 && time.Since(sess.lastSeen) > s.idle {
		delete(s.sessions, id)
		return nil, false
	}
	sess.lastSeen = time.Now()
	return sess, true
}

func (s *sessionStore) delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Config holds configuration for the MCP endpoint.
type Config struct {
	Backend     Backend
	Logger      *slog.Logger
	Version     string        // advertised in serverInfo
	SessionIdle time.Duration // zero keeps sessions until deleted
}

// Server implements the Streamable HTTP transport for a single endpoint.
// Callers must be authenticated by auth.Middleware before reaching it.
type Server struct {
	backend  Backend
	logger   *slog.Logger
	version  string
	sessions *sessionStore
}

// NewServer creates an MCP endpoint.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		backend: cfg.Backend,
		logger:  logger.With("component", "mcp"),
		version: version,
		sessions: &sessionStore{
			sessions: make(map[string]*session),
			idle:     cfg.SessionIdle,
		},
	}, nil
}

// ServeHTTP supports POST and DELETE. Server-initiated streams (GET) are
// not offered.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. Only the user who created it may.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.touch(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.owner != callerID(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes one JSON-RPC message.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, nil, mcpproto.PARSE_ERROR, "failed to read request body")
		return
	}
	if len(body) > MaxRequestBodySize {
		s.sendError(w, nil, mcpproto.INVALID_REQUEST, "request body too large")
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, mcpproto.PARSE_ERROR, "invalid JSON")
		return
	}
	if req.JSONRPC != mcpproto.JSONRPC_VERSION {
		s.sendError(w, req.ID, mcpproto.INVALID_REQUEST, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !slices.Contains(supportedProtocolVersions, protoVersion) {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess, ok := s.sessions.touch(sessionID)
		if !ok {
			// Expired or unknown; the client must initialize again.
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if sess.owner != callerID(r) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
	)

	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "ping":
		s.sendResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.sendError(w, req.ID, mcpproto.METHOD_NOT_FOUND, "method not found")
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	sess := s.sessions.create(mcpproto.LATEST_PROTOCOL_VERSION, callerID(r))

	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"user_id", sess.owner,
		"protocol_version", sess.protocolVersion,
	)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.sendResult(w, req.ID, map[string]any{
		"protocolVersion": sess.protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": mcpproto.Implementation{Name: "coven-relay", Version: s.version},
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, req JSONRPCRequest) {
	caps := s.backend.Capabilities()
	result := mcpproto.ListToolsResult{Tools: make([]mcpproto.Tool, 0, len(caps))}
	for _, c := range caps {
		result.Tools = append(result.Tools, toTool(c))
	}
	s.logger.Debug("tools/list", "count", len(result.Tools))
	s.sendResult(w, req.ID, result)
}

// toTool converts a capability to its MCP tool definition. A capability
// without a schema accepts any object.
func toTool(c worker.Capability) mcpproto.Tool {
	schema := json.RawMessage(`{"type":"object"}`)
	if len(c.InputSchema) > 0 {
		if encoded, err := json.Marshal(c.InputSchema); err == nil {
			schema = encoded
		}
	}
	return mcpproto.NewToolWithRawSchema(c.Name, c.Description, schema)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, mcpproto.INVALID_PARAMS, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendError(w, req.ID, mcpproto.INVALID_PARAMS, "tool name is required")
		return
	}

	userID := callerID(r)
	s.logger.Debug("tools/call", "tool_name", params.Name, "user_id", userID)

	res, err := s.backend.Invoke(r.Context(), conversation.Invocation{
		UserID:    userID,
		Name:      params.Name,
		Arguments: params.Arguments,
	})
	if err != nil {
		s.handleToolError(w, req.ID, params.Name, err)
		return
	}

	var result mcpproto.CallToolResult
	switch {
	case res.Action != gate.ActionNone:
		result = toolResult(res.Message, true)
	default:
		result = toolResult(res.Text, false)
	}

	s.logger.Debug("tools/call complete",
		"tool_name", params.Name,
		"action", res.Action,
		"is_error", result.IsError,
	)
	s.sendResult(w, req.ID, result)
}

func toolResult(text string, isError bool) mcpproto.CallToolResult {
	return mcpproto.CallToolResult{
		Content: []mcpproto.Content{mcpproto.NewTextContent(text)},
		IsError: isError,
	}
}

// handleToolError maps invocation failures. Failures reported by the worker
// itself become error results the client model can read; everything else is
// a JSON-RPC error.
func (s *Server) handleToolError(w http.ResponseWriter, id json.RawMessage, toolName string, err error) {
	s.logger.Warn("tool execution failed", "tool_name", toolName, "error", err)

	var lookupErr *gate.LookupError
	switch {
	case errors.Is(err, packs.ErrToolNotFound):
		s.sendError(w, id, mcpproto.INVALID_PARAMS, "tool not found")
	case errors.Is(err, worker.ErrWorkerReported), errors.Is(err, worker.ErrEmptyResult):
		s.sendResult(w, id, toolResult(err.Error(), true))
	case errors.As(err, &lookupErr):
		s.sendError(w, id, mcpproto.INTERNAL_ERROR, "authorization lookup failed")
	case errors.Is(err, context.DeadlineExceeded):
		s.sendError(w, id, mcpproto.INTERNAL_ERROR, "tool execution timed out")
	case errors.Is(err, context.Canceled):
		s.sendError(w, id, mcpproto.INTERNAL_ERROR, "request cancelled")
	default:
		s.sendError(w, id, mcpproto.INTERNAL_ERROR, "tool execution failed")
	}
}

// callerID is the authenticated user, or empty when the endpoint is mounted
// without auth.
func callerID(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.UserID
	}
	return ""
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.send(w, JSONRPCResponse{JSONRPC: mcpproto.JSONRPC_VERSION, ID: id, Result: result})
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.send(w, JSONRPCResponse{
		JSONRPC: mcpproto.JSONRPC_VERSION,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	})
}

func (s *Server) send(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
