// ABOUTME: Routes capability invocations to the worker channel that owns them.
// ABOUTME: Applies a per-call timeout and logs dispatch and completion.

package packs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/worker"
)

// DefaultTimeout is the default timeout for a capability invocation.
const DefaultTimeout = 60 * time.Second

// RouterConfig contains configuration options for the Router.
type RouterConfig struct {
	Logger  *slog.Logger
	Timeout time.Duration
}

// Router dispatches invocations to resolved owners.
type Router struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewRouter creates a new Router with the given configuration.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger.With("component", "router"),
		timeout: timeout,
	}
}

// Invoke calls the capability on its owner. Failures are *worker.InvokeError.
func (r *Router) Invoke(ctx context.Context, owner Owner, name string, args map[string]any) (*worker.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Info("→ dispatching to worker",
		"tool_name", name,
		"worker", owner.Identity,
		"default", owner.Default,
	)

	start := time.Now()
	res, err := owner.Channel.Invoke(ctx, name, args)
	if err != nil {
		r.logger.Warn("worker invocation failed",
			"tool_name", name,
			"worker", owner.Identity,
			"duration", time.Since(start),
			"error", err,
		)
		var invokeErr *worker.InvokeError
		if !errors.As(err, &invokeErr) {
			err = &worker.InvokeError{Capability: name, Err: err}
		}
		return nil, err
	}

	r.logger.Info("← worker responded",
		"tool_name", name,
		"worker", owner.Identity,
		"duration", time.Since(start),
		"bytes", len(res.Text),
	)
	return res, nil
}
