// ABOUTME: In-process worker doubles for tests of the pool and conversation loop.
// ABOUTME: FakeConnector hands out FakeChannels whose behavior is set per capability.

// Package workertest provides fake worker channels and connectors.
package workertest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/2389/coven-relay/internal/worker"
)

// Handler answers one capability invocation.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Call records one invocation seen by a FakeChannel.
type Call struct {
	Worker     string
	Capability string
	Args       map[string]any
}

// Recorder collects calls across channels.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) add(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// FakeChannel is a worker.Channel that dispatches to handlers.
type FakeChannel struct {
	Identity string
	Handlers map[string]Handler
	Recorder *Recorder

	mu     sync.Mutex
	closed int
}

// Invoke runs the handler registered for name.
func (f *FakeChannel) Invoke(ctx context.Context, name string, args map[string]any) (*worker.Result, error) {
	f.mu.Lock()
	closed := f.closed > 0
	f.mu.Unlock()
	if closed {
		return nil, &worker.InvokeError{Capability: name, Err: worker.ErrChannelClosed}
	}
	if f.Recorder != nil {
		f.Recorder.add(Call{Worker: f.Identity, Capability: name, Args: args})
	}
	h, ok := f.Handlers[name]
	if !ok {
		return nil, &worker.InvokeError{Capability: name, Err: errors.New("unknown tool")}
	}
	text, err := h(ctx, args)
	if err != nil {
		return nil, &worker.InvokeError{Capability: name, Err: err}
	}
	return &worker.Result{Text: text}, nil
}

// Close marks the channel closed.
func (f *FakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// Closed reports whether Close was called.
func (f *FakeChannel) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed > 0
}

// Definition describes a fake worker.
type Definition struct {
	Identity     string
	Capabilities []worker.Capability
	Handlers     map[string]Handler
	Err          error // returned from Connect when set
}

// FakeConnector connects fake workers. Workers are looked up by the base
// name of the last launch argument, falling back to the command.
type FakeConnector struct {
	Recorder *Recorder

	mu       sync.Mutex
	defs     map[string]Definition
	channels []*FakeChannel
	connects map[string]int
}

// NewFakeConnector creates a connector with a shared recorder.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{
		Recorder: &Recorder{},
		defs:     make(map[string]Definition),
		connects: make(map[string]int),
	}
}

// Define registers a worker under key.
func (c *FakeConnector) Define(key string, def Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[key] = def
}

// Connect implements worker.Connector.
func (c *FakeConnector) Connect(ctx context.Context, spec worker.LaunchSpec) (*worker.Connection, error) {
	key := spec.Command
	if n := len(spec.Args); n > 0 {
		key = filepath.Base(spec.Args[n-1])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects[key]++

	def, ok := c.defs[key]
	if !ok {
		return nil, &worker.ConnectError{Command: spec.Command, Stage: "spawn", Err: fmt.Errorf("no fake worker %q", key)}
	}
	if def.Err != nil {
		return nil, &worker.ConnectError{Command: spec.Command, Stage: "handshake", Err: def.Err}
	}

	ch := &FakeChannel{Identity: def.Identity, Handlers: def.Handlers, Recorder: c.Recorder}
	c.channels = append(c.channels, ch)
	return &worker.Connection{
		Identity:     def.Identity,
		Capabilities: append([]worker.Capability(nil), def.Capabilities...),
		Channel:      ch,
	}, nil
}

// Channels returns every channel handed out so far.
func (c *FakeConnector) Channels() []*FakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeChannel(nil), c.channels...)
}

// Connects returns how many times key was connected.
func (c *FakeConnector) Connects(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects[key]
}

// Caps builds capability descriptors with an empty object schema.
func Caps(names ...string) []worker.Capability {
	out := make([]worker.Capability, 0, len(names))
	for _, n := range names {
		out = append(out, worker.Capability{
			Name:        n,
			Description: n + " capability",
			InputSchema: map[string]any{"type": "object"},
		})
	}
	return out
}

// Reply returns a handler that always answers text.
func Reply(text string) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		return text, nil
	}
}
