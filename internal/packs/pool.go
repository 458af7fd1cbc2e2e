// ABOUTME: Session pool that connects discovered and default workers and publishes registry snapshots.
// ABOUTME: Mutations are serialized; readers pin a snapshot so repopulation never races an invocation.

package packs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/discovery"
	"github.com/2389/coven-relay/internal/worker"
)

// ErrUnsupportedArtifact indicates no runner is configured for the artifact suffix.
var ErrUnsupportedArtifact = errors.New("unsupported artifact type")

// ErrNoCapabilities indicates a provisioned worker listed no capabilities.
var ErrNoCapabilities = errors.New("worker exposes no capabilities")

// DefaultConnectConcurrency bounds parallel connects during populate.
const DefaultConnectConcurrency = 4

// DefaultRunners maps artifact suffixes to the interpreter that runs them.
var DefaultRunners = map[string]string{
	".py": "python",
	".js": "node",
}

// DefaultWorker is an always-available worker that is not sourced from discovery.
type DefaultWorker struct {
	Name string
	Spec worker.LaunchSpec
}

// PoolConfig contains configuration options for the Pool.
type PoolConfig struct {
	Source             discovery.Source
	Connector          worker.Connector
	Prefix             string
	SpoolDir           string            // where non-local artifacts are downloaded to
	Runners            map[string]string // suffix -> command; DefaultRunners when nil
	Env                []string          // extra environment for discovered workers
	Defaults           []DefaultWorker
	ConnectConcurrency int
	Logger             *slog.Logger
}

// Pool owns the set of connected workers.
type Pool struct {
	source      discovery.Source
	connector   worker.Connector
	prefix      string
	spoolDir    string
	runners     map[string]string
	env         []string
	defaults    []DefaultWorker
	concurrency int
	logger      *slog.Logger

	mu      sync.Mutex // serializes Populate, Add, Remove and Close
	current atomic.Pointer[Registry]
}

// NewPool creates a pool with an empty registry.
func NewPool(cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runners := cfg.Runners
	if len(runners) == 0 {
		runners = DefaultRunners
	}
	concurrency := cfg.ConnectConcurrency
	if concurrency <= 0 {
		concurrency = DefaultConnectConcurrency
	}
	spool := cfg.SpoolDir
	if spool == "" {
		spool = filepath.Join(os.TempDir(), "coven-relay")
	}

	p := &Pool{
		source:      cfg.Source,
		connector:   cfg.Connector,
		prefix:      cfg.Prefix,
		spoolDir:    spool,
		runners:     runners,
		env:         cfg.Env,
		defaults:    cfg.Defaults,
		concurrency: concurrency,
		logger:      logger.With("component", "pool"),
	}
	p.current.Store(NewRegistry(p.logger))
	return p
}

// Acquire pins the current snapshot. Callers must Release it.
func (p *Pool) Acquire() *Registry {
	for {
		r := p.current.Load()
		if r.acquire() {
			return r
		}
	}
}

// Snapshot returns the current snapshot without pinning it. The result is
// suitable for listing but not for invoking workers.
func (p *Pool) Snapshot() *Registry {
	return p.current.Load()
}

// Populate rebuilds the pool from the discovery source plus the default
// workers. A discovery failure is returned and leaves the current snapshot in
// place; a single worker that fails to connect is logged and left out.
func (p *Pool) Populate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.populateLocked(ctx)
}

func (p *Pool) populateLocked(ctx context.Context) error {
	listed, err := p.source.List(ctx, p.prefix)
	if err != nil {
		return fmt.Errorf("listing discovery source: %w", err)
	}

	var candidates []string
	for _, name := range listed {
		if _, ok := p.runnerFor(name); ok {
			candidates = append(candidates, name)
		}
	}

	p.logger.Info("populating pool",
		"candidates", len(candidates),
		"listed", len(listed),
		"defaults", len(p.defaults),
	)

	// Connect in parallel, register in listing order so last-writer-wins is
	// deterministic. Defaults always register after discovered workers.
	results := make([]*Worker, len(candidates)+len(p.defaults))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, name := range candidates {
		g.Go(func() error {
			w, err := p.connectArtifact(ctx, name)
			if err != nil {
				p.logger.Warn("skipping worker", "artifact", name, "error", err)
				return nil
			}
			results[i] = w
			return nil
		})
	}
	for j, d := range p.defaults {
		g.Go(func() error {
			w, err := p.connectDefault(ctx, d)
			if err != nil {
				p.logger.Warn("skipping default worker", "worker", d.Name, "error", err)
				return nil
			}
			results[len(candidates)+j] = w
			return nil
		})
	}
	_ = g.Wait()

	next := NewRegistry(p.logger)
	connected := 0
	for _, w := range results {
		if w != nil {
			next.Register(w)
			connected++
		}
	}
	p.publish(next)

	p.logger.Info("=== POOL POPULATED ===",
		"workers", connected,
		"failed", len(results)-connected,
		"capabilities", next.Len(),
	)
	return nil
}

// Add connects one artifact and adds it to the current snapshot without
// disturbing existing workers. The worker must list at least one capability.
func (p *Pool) Add(ctx context.Context, artifact string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, err := p.connectArtifact(ctx, artifact)
	if err != nil {
		return err
	}
	if len(w.Capabilities) == 0 {
		if cerr := w.Channel.Close(); cerr != nil {
			p.logger.Debug("closing rejected worker", "worker", w.Identity, "error", cerr)
		}
		return fmt.Errorf("%s: %w", artifact, ErrNoCapabilities)
	}

	next := p.current.Load().clone()
	next.Register(w)
	p.publish(next)

	p.logger.Info("=== WORKER PROVISIONED ===",
		"worker", w.Identity,
		"artifact", artifact,
		"capabilities", len(w.Capabilities),
		"total_capabilities", next.Len(),
	)
	return nil
}

// Remove deletes a worker's artifact from the discovery source and then
// repopulates the whole pool. name may be an artifact path or the identity of
// a registered worker. Repopulation runs even when the delete fails.
func (p *Pool) Remove(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	artifact := name
	if w := p.current.Load().findByIdentity(name); w != nil && w.Artifact != "" {
		artifact = w.Artifact
	}

	deleteErr := p.source.Delete(ctx, artifact)
	if deleteErr != nil {
		p.logger.Warn("deleting artifact", "artifact", artifact, "error", deleteErr)
	} else {
		p.logger.Info("=== WORKER DEPROVISIONED ===", "artifact", artifact)
	}

	populateErr := p.populateLocked(ctx)
	return errors.Join(deleteErr, populateErr)
}

// Close retires the current snapshot; its workers close once drained.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish(NewRegistry(p.logger))
	p.logger.Info("pool closed")
}

// publish swaps in next and retires the previous snapshot.
func (p *Pool) publish(next *Registry) {
	prev := p.current.Swap(next)
	if prev != nil {
		prev.retire(next.channels())
	}
}

func (p *Pool) runnerFor(name string) (string, bool) {
	cmd, ok := p.runners[strings.ToLower(filepath.Ext(name))]
	return cmd, ok
}

func (p *Pool) connectArtifact(ctx context.Context, artifact string) (*Worker, error) {
	runner, ok := p.runnerFor(artifact)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArtifact, artifact)
	}
	local, err := p.materialize(ctx, artifact)
	if err != nil {
		return nil, err
	}
	conn, err := p.connector.Connect(ctx, worker.LaunchSpec{
		Command: runner,
		Args:    []string{local},
		Env:     p.env,
	})
	if err != nil {
		return nil, err
	}
	return &Worker{
		Identity:     conn.Identity,
		Version:      conn.Version,
		Artifact:     artifact,
		Capabilities: conn.Capabilities,
		Channel:      conn.Channel,
	}, nil
}

func (p *Pool) connectDefault(ctx context.Context, d DefaultWorker) (*Worker, error) {
	conn, err := p.connector.Connect(ctx, d.Spec)
	if err != nil {
		return nil, err
	}
	return &Worker{
		Identity:     conn.Identity,
		Version:      conn.Version,
		Default:      true,
		Capabilities: conn.Capabilities,
		Channel:      conn.Channel,
	}, nil
}

// materialize returns a local path for the artifact, downloading it into the
// spool directory when the source is not local.
func (p *Pool) materialize(ctx context.Context, artifact string) (string, error) {
	if local, ok := p.source.(discovery.Local); ok {
		path, err := local.LocalPath(artifact)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", discovery.ErrNotFound, artifact)
		}
		return path, nil
	}

	cleaned, err := discovery.CleanPath(artifact)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(p.spoolDir, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating spool dir: %w", err)
	}

	rc, err := p.source.Open(ctx, artifact)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("creating spool file: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", fmt.Errorf("downloading %s: %w", artifact, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("writing %s: %w", dest, err)
	}
	return dest, nil
}
