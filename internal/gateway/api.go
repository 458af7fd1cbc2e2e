// ABOUTME: HTTP API handlers for queries, worker management, and per-session event streams.
// ABOUTME: Routes are registered behind the auth middleware; health checks are public.

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/discovery"
	"github.com/2389/coven-relay/internal/packs"
)

// maxRequestBytes bounds JSON request bodies.
const maxRequestBytes = 1 << 20

// sseKeepAlive is how often an idle event stream gets a comment line.
const sseKeepAlive = 30 * time.Second

// QueryRequest is the JSON request body for POST /api/query.
type QueryRequest struct {
	Message   string `json:"message"`
	Consent   bool   `json:"consent"`
	SessionID string `json:"session_id,omitempty"`
	Render    string `json:"render,omitempty"` // "html" adds answer_html
	// RequestID makes retries safe: a repeated ID from the same user gets
	// the first response back without running the turn again.
	RequestID string `json:"request_id,omitempty"`
}

// QueryResponse is the JSON response for POST /api/query.
type QueryResponse struct {
	SessionID string `json:"session_id"`
	*conversation.Answer
	AnswerHTML string `json:"answer_html,omitempty"`
}

// ProvisionRequest is the JSON request body for POST /api/workers.
type ProvisionRequest struct {
	Artifact string `json:"artifact"`
}

// StatusResponse reports the outcome of a worker management call.
type StatusResponse struct {
	Status  string `json:"status"` // "success" or "error"
	Message string `json:"message"`
}

// CapabilitiesResponse is the JSON response for GET /api/capabilities.
type CapabilitiesResponse struct {
	Capabilities []string `json:"capabilities"`
}

// WorkersResponse is the JSON response for GET /api/workers.
type WorkersResponse struct {
	Workers []packs.WorkerInfo `json:"workers"`
}

// routes builds the HTTP handler.
func (g *Gateway) routes(ac auth.Config) http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	authMiddleware := auth.Middleware(ac)
	adminMiddleware := auth.RequireAdmin()
	authed := func(h http.HandlerFunc) http.Handler { return authMiddleware(h) }
	admin := func(h http.HandlerFunc) http.Handler { return authMiddleware(adminMiddleware(h)) }

	mux.Handle("POST /api/query", authed(g.handleQuery))
	mux.Handle("GET /api/capabilities", authed(g.handleListCapabilities))
	mux.Handle("GET /api/workers", authed(g.handleListWorkers))
	mux.Handle("POST /api/workers", admin(g.handleProvisionWorker))
	mux.Handle("DELETE /api/workers/{name...}", admin(g.handleDeprovisionWorker))
	mux.Handle("GET /api/sessions/{id}/events", authed(g.handleSessionEvents))

	if g.mcpServer != nil {
		mux.Handle("/mcp", authMiddleware(g.mcpServer))
	}

	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one capability is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := len(g.conversation.ListCapabilities())
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no capabilities registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d capabilities)", n)
}

// handleQuery runs one conversation turn for the authenticated user.
// The session defaults to the user ID when the request names none.
func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	id := auth.FromContext(r.Context())
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = id.UserID
	}

	replayKey := ""
	if req.RequestID != "" && g.replays != nil {
		replayKey = id.UserID + "\x00" + req.RequestID
		if cached, ok := g.replays.Get(replayKey); ok {
			g.logger.Debug("replaying query response", "request_id", req.RequestID, "session_id", cached.SessionID)
			g.sendJSON(w, http.StatusOK, cached)
			return
		}
	}

	answer := g.conversation.ProcessQuery(r.Context(), conversation.Query{
		Text:      req.Message,
		SessionID: sessionID,
		UserID:    id.UserID,
		Consent:   req.Consent,
	})

	resp := QueryResponse{SessionID: sessionID, Answer: answer}
	if req.Render == "html" {
		resp.AnswerHTML = g.renderMarkdown(answer.Message)
	}
	if replayKey != "" {
		g.replays.Put(replayKey, resp)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// renderMarkdown converts an answer to HTML, falling back to the raw text.
func (g *Gateway) renderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		g.logger.Error("failed to convert markdown", "error", err)
		return text
	}
	return buf.String()
}

func (g *Gateway) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, CapabilitiesResponse{Capabilities: g.conversation.ListCapabilities()})
}

func (g *Gateway) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, WorkersResponse{Workers: g.conversation.ListWorkers()})
}

// handleProvisionWorker connects an artifact already present in discovery.
func (g *Gateway) handleProvisionWorker(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Artifact) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "artifact is required")
		return
	}

	if err := g.conversation.ProvisionWorker(r.Context(), req.Artifact); err != nil {
		g.logger.Error("failed to provision worker", "artifact", req.Artifact, "error", err)
		g.sendJSON(w, http.StatusInternalServerError, StatusResponse{Status: "error", Message: err.Error()})
		return
	}
	g.logger.Info("worker provisioned", "artifact", req.Artifact, "by", auth.FromContext(r.Context()).UserID)
	g.sendJSON(w, http.StatusCreated, StatusResponse{Status: "success", Message: "Worker provisioned: " + req.Artifact})
}

// handleDeprovisionWorker deletes a worker's artifact and resyncs the pool.
// The name may be a worker identity or an artifact path.
func (g *Gateway) handleDeprovisionWorker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if strings.TrimSpace(name) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "worker name is required")
		return
	}

	err := g.conversation.DeprovisionWorker(r.Context(), name)
	switch {
	case errors.Is(err, discovery.ErrNotFound):
		g.sendJSON(w, http.StatusNotFound, StatusResponse{Status: "error", Message: "worker not found: " + name})
	case err != nil:
		g.logger.Error("failed to deprovision worker", "worker", name, "error", err)
		g.sendJSON(w, http.StatusInternalServerError, StatusResponse{Status: "error", Message: err.Error()})
	default:
		g.logger.Info("worker deprovisioned", "worker", name, "by", auth.FromContext(r.Context()).UserID)
		g.sendJSON(w, http.StatusOK, StatusResponse{Status: "success", Message: "Worker deprovisioned: " + name})
	}
}

// handleSessionEvents streams turn events of one session as SSE until the
// client goes away or the server shuts down.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, _ := g.events.Subscribe(r.Context(), sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", map[string]string{"session_id": sessionID})
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(event.Type), event)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a bounded request body.
func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(io.LimitReader(r, maxRequestBytes)).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}
