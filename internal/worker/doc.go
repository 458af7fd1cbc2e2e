// Package worker owns the channel to a single tool worker process.
//
// # Overview
//
// A tool worker is an MCP server started as a subprocess and spoken to over
// its stdin/stdout. Connecting performs the MCP initialize handshake (which
// yields the worker identity) followed by tools/list (which yields the
// capabilities the worker implements).
//
//	conn, err := worker.NewMCPConnector(10*time.Second, logger).Connect(ctx, worker.LaunchSpec{
//		Command: "python",
//		Args:    []string{"/var/spool/coven/toolA_server.py"},
//	})
//	res, err := conn.Channel.Invoke(ctx, "ping", map[string]any{"host": "example.com"})
//	_ = conn.Channel.Close()
//
// # Errors
//
// Connect failures are reported as *ConnectError and invocation failures as
// *InvokeError. Both wrap the underlying cause so callers can use errors.Is
// and errors.As. A worker that answers tools/call with isError set produces
// an InvokeError wrapping ErrWorkerReported.
//
// # Lifecycle
//
// A failed Connect never leaks a process: the subprocess is torn down on
// every error path after it has been spawned. Close is idempotent.
package worker
