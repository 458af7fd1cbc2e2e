// ABOUTME: Worker channel types shared by the session pool and conversation loop.
// ABOUTME: Defines capabilities, launch specs, invocation results and typed errors.

package worker

import (
	"context"
	"errors"
	"fmt"
)

// ErrWorkerReported indicates the worker answered the call with its own error.
var ErrWorkerReported = errors.New("worker reported an error")

// ErrEmptyResult indicates the worker answered without any text content.
var ErrEmptyResult = errors.New("worker returned no text content")

// ErrChannelClosed indicates the channel was closed before the call.
var ErrChannelClosed = errors.New("worker channel closed")

// Capability describes one named operation a worker can perform.
type Capability struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// LaunchSpec describes how to start a worker process.
// Env entries are appended to the relay's own environment.
type LaunchSpec struct {
	Command string
	Args    []string
	Env     []string
}

// Result is the outcome of a successful invocation.
type Result struct {
	Text string
}

// Channel is a live connection to one worker.
type Channel interface {
	Invoke(ctx context.Context, name string, args map[string]any) (*Result, error)
	Close() error
}

// Connection is what a successful Connect returns.
type Connection struct {
	Identity     string
	Version      string
	Capabilities []Capability
	Channel      Channel
}

// Connector starts workers. The pool depends on this rather than on MCP
// directly so tests can substitute in-process workers.
type Connector interface {
	Connect(ctx context.Context, spec LaunchSpec) (*Connection, error)
}

// ConnectError reports a failure to spawn, handshake with, or list a worker.
type ConnectError struct {
	Command string
	Stage   string // "spawn", "handshake" or "list"
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting worker %q: %s: %v", e.Command, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// InvokeError reports a failed capability invocation.
type InvokeError struct {
	Capability string
	Err        error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("invoking %q: %v", e.Capability, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }
