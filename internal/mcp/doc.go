// Package mcp serves the relay's registered capabilities to external MCP
// clients over the Streamable HTTP transport.
//
// # Overview
//
// Workers reach the relay over stdio. This package turns the aggregate of
// their capabilities back into a single MCP server, so another agent can
// call them without going through the conversation loop. Every call still
// passes through the authorization gate, which means subscriptions and
// credential injection apply exactly as they do for engine-requested calls.
//
// # Protocol
//
// One endpoint handles JSON-RPC 2.0 messages:
//
//   - POST /mcp - initialize, ping, tools/list, tools/call, notifications
//   - DELETE /mcp - terminate the session named by Mcp-Session-Id
//
// initialize returns an Mcp-Session-Id header that later requests must send.
// Sessions belong to the user that created them.
//
// # Authentication
//
// The endpoint is mounted behind auth.Middleware, so callers identify
// themselves the same way as for the REST API: a bearer JWT or the trusted
// user header.
//
// # Results
//
// A call that the gate refuses, or that the worker answers with an error,
// is returned as a tool result with isError set. Unknown tools, catalogue
// outages and timeouts are JSON-RPC errors.
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/call",
//	  "params": {"name": "chart", "arguments": {"type": "bar"}},
//	  "id": 2
//	}
package mcp
