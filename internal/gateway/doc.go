// Package gateway wires the coven-relay server components together and
// serves them over HTTP.
//
// # Overview
//
// New builds every component from a config.Config: the session and audit
// stores, the discovery source, the worker pool and router, the
// authorization gate with its content API client, the reasoning engine, and
// the conversation service. Run connects workers, optionally watches the
// discovery directory, and serves HTTP until its context is canceled.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/query - Run one conversation turn
//   - GET /api/capabilities - List capability names
//   - GET /api/workers - List connected workers
//   - POST /api/workers - Provision a worker from a discovered artifact (admin)
//   - DELETE /api/workers/{name} - Deprovision a worker (admin)
//   - GET /api/sessions/{id}/events - Stream turn events (SSE)
//   - POST, DELETE /mcp - MCP endpoint over the registry (when mcp.enabled)
//   - GET /health - Liveness check
//   - GET /health/ready - Ready once a capability is registered
//
// Every /api route requires an identity. With auth.jwt_secret set the
// caller presents a bearer token; otherwise the user header is trusted.
//
// A query request looks like:
//
//	{"message": "chart my sales", "consent": true, "session_id": "s1", "render": "html"}
//
// A request_id makes the call safe to retry: the same user sending the same
// ID within server.replay_ttl gets the first response back.
//
// # Event Streams
//
// Turn progress is published per session and streamed as Server-Sent Events:
//
//	event: tool_call
//	data: {"type": "tool_call", "tool": "chart", "arguments": {...}}
//
// Event types: connected, query, text, tool_call, tool_result, answer.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is canceled and shutdown completes
//
// Shutdown stops the HTTP server, closes event streams and workers, flushes
// pending audit records, and closes stores.
package gateway
