// ABOUTME: MCP-over-stdio implementation of the worker channel using mcp-go.
// ABOUTME: Spawns the worker, runs initialize + tools/list, and dispatches tools/call.

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultHandshakeTimeout bounds initialize plus tools/list.
const DefaultHandshakeTimeout = 30 * time.Second

// ClientName is the name the relay reports during the MCP handshake.
const ClientName = "coven-relay"

// MCPConnector connects to workers that speak MCP over stdio.
type MCPConnector struct {
	handshakeTimeout time.Duration
	clientVersion    string
	logger           *slog.Logger
}

// NewMCPConnector creates a connector. A zero timeout uses DefaultHandshakeTimeout.
func NewMCPConnector(handshakeTimeout time.Duration, logger *slog.Logger) *MCPConnector {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPConnector{
		handshakeTimeout: handshakeTimeout,
		clientVersion:    "dev",
		logger:           logger.With("component", "worker"),
	}
}

// WithClientVersion sets the version reported in the handshake.
func (c *MCPConnector) WithClientVersion(v string) *MCPConnector {
	c.clientVersion = v
	return c
}

// Connect spawns the worker and interrogates it. The subprocess is closed on
// every failure path once it has been started.
func (c *MCPConnector) Connect(ctx context.Context, spec LaunchSpec) (conn *Connection, err error) {
	if spec.Command == "" {
		return nil, &ConnectError{Stage: "spawn", Err: errors.New("empty command")}
	}

	cli, err := client.NewStdioMCPClient(spec.Command, spec.Env, spec.Args...)
	if err != nil {
		return nil, &ConnectError{Command: spec.Command, Stage: "spawn", Err: err}
	}
	defer func() {
		if err != nil {
			if cerr := cli.Close(); cerr != nil {
				c.logger.Debug("closing half-started worker", "command", spec.Command, "error", cerr)
			}
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    ClientName,
		Version: c.clientVersion,
	}
	initRes, err := cli.Initialize(hctx, initReq)
	if err != nil {
		return nil, &ConnectError{Command: spec.Command, Stage: "handshake", Err: err}
	}
	identity := initRes.ServerInfo.Name
	if identity == "" {
		return nil, &ConnectError{Command: spec.Command, Stage: "handshake", Err: errors.New("worker reported no server name")}
	}

	listRes, err := cli.ListTools(hctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &ConnectError{Command: spec.Command, Stage: "list", Err: err}
	}

	caps := make([]Capability, 0, len(listRes.Tools))
	for _, tool := range listRes.Tools {
		capability, err := capabilityFromTool(tool)
		if err != nil {
			return nil, &ConnectError{Command: spec.Command, Stage: "list", Err: err}
		}
		caps = append(caps, capability)
	}

	c.logger.Info("worker connected",
		"worker", identity,
		"version", initRes.ServerInfo.Version,
		"command", spec.Command,
		"capabilities", len(caps),
	)

	return &Connection{
		Identity:     identity,
		Version:      initRes.ServerInfo.Version,
		Capabilities: caps,
		Channel: &mcpChannel{
			identity: identity,
			client:   cli,
			logger:   c.logger,
		},
	}, nil
}

// mcpChannel is a Channel backed by one mcp-go stdio client.
type mcpChannel struct {
	identity string
	client   *client.Client
	logger   *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (m *mcpChannel) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	if m.closed.Load() {
		return nil, &InvokeError{Capability: name, Err: ErrChannelClosed}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := m.client.CallTool(ctx, req)
	if err != nil {
		return nil, &InvokeError{Capability: name, Err: err}
	}

	text, ok := firstText(res.Content)
	if res.IsError {
		return nil, &InvokeError{Capability: name, Err: fmt.Errorf("%w: %s", ErrWorkerReported, text)}
	}
	if !ok {
		return nil, &InvokeError{Capability: name, Err: ErrEmptyResult}
	}
	return &Result{Text: text}, nil
}

func (m *mcpChannel) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.closeErr = m.client.Close()
		m.logger.Debug("worker channel closed", "worker", m.identity)
	})
	return m.closeErr
}

// firstText returns the first text item of a tools/call result.
func firstText(content []mcp.Content) (string, bool) {
	for _, item := range content {
		switch c := item.(type) {
		case mcp.TextContent:
			return c.Text, true
		case *mcp.TextContent:
			return c.Text, true
		}
	}
	return "", false
}

// capabilityFromTool converts an MCP tool definition. The tool is marshaled
// so that a raw input schema, when the worker sent one, is preserved as-is.
func capabilityFromTool(tool mcp.Tool) (Capability, error) {
	data, err := json.Marshal(tool)
	if err != nil {
		return Capability{}, fmt.Errorf("encoding tool %q: %w", tool.Name, err)
	}
	var decoded struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Capability{}, fmt.Errorf("decoding schema of tool %q: %w", tool.Name, err)
	}
	return Capability{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: NormalizeSchema(decoded.InputSchema),
	}, nil
}

// NormalizeSchema strips top-level meta fields that reasoning engines reject.
// The input map is not modified.
func NormalizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "additionalProperties":
			continue
		}
		out[k] = v
	}
	return out
}
