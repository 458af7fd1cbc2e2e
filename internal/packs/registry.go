// ABOUTME: Immutable capability registry snapshot mapping capability names to workers.
// ABOUTME: Snapshots are reference counted so retired workers close only after in-flight calls finish.

package packs

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/coven-relay/internal/worker"
)

// ErrToolNotFound indicates the requested capability is not registered.
var ErrToolNotFound = errors.New("tool not found")

// Worker is a connected worker as carried by a registry snapshot.
type Worker struct {
	Identity     string
	Version      string
	Artifact     string // discovery path; empty for default workers
	Default      bool
	Capabilities []worker.Capability
	Channel      worker.Channel
}

// Owner is the result of resolving a capability.
type Owner struct {
	Identity   string
	Default    bool
	Capability worker.Capability
	Channel    worker.Channel
}

// WorkerInfo contains public information about a registered worker.
type WorkerInfo struct {
	Identity     string   `json:"identity"`
	Version      string   `json:"version,omitempty"`
	Artifact     string   `json:"artifact,omitempty"`
	Default      bool     `json:"default"`
	Capabilities []string `json:"capabilities"`
}

type toolEntry struct {
	capability worker.Capability
	owner      *Worker
}

// Registry is one snapshot of the capability map. It is built by the pool
// with Register and is read-only once published.
type Registry struct {
	workers []*Worker
	tools   map[string]*toolEntry
	order   []string // capability names in first-registration order
	logger  *slog.Logger

	refMu   sync.Mutex
	refs    int
	retired bool
	keep    map[worker.Channel]struct{}
	drained chan struct{}
}

// NewRegistry creates an empty snapshot.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*toolEntry),
		logger:  logger,
		drained: make(chan struct{}),
	}
}

// Register adds a worker and one entry per capability. A capability name
// that is already registered is taken over by this worker.
func (r *Registry) Register(w *Worker) {
	r.workers = append(r.workers, w)
	for _, c := range w.Capabilities {
		if prev, exists := r.tools[c.Name]; exists {
			r.logger.Debug("capability replaced",
				"tool_name", c.Name,
				"previous_worker", prev.owner.Identity,
				"worker", w.Identity,
			)
		} else {
			r.order = append(r.order, c.Name)
		}
		r.tools[c.Name] = &toolEntry{capability: c, owner: w}
	}
}

// Resolve finds the worker that currently owns a capability.
func (r *Registry) Resolve(name string) (Owner, error) {
	entry, ok := r.tools[name]
	if !ok {
		return Owner{}, ErrToolNotFound
	}
	return Owner{
		Identity:   entry.owner.Identity,
		Default:    entry.owner.Default,
		Capability: entry.capability,
		Channel:    entry.owner.Channel,
	}, nil
}

// List returns every capability. Names keep the slot of their first
// registration; descriptors come from the winning registration.
func (r *Registry) List() []worker.Capability {
	out := make([]worker.Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].capability)
	}
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int { return len(r.order) }

// Workers returns information about every registered worker.
func (r *Registry) Workers() []WorkerInfo {
	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		names := make([]string, 0, len(w.Capabilities))
		for _, c := range w.Capabilities {
			names = append(names, c.Name)
		}
		out = append(out, WorkerInfo{
			Identity:     w.Identity,
			Version:      w.Version,
			Artifact:     w.Artifact,
			Default:      w.Default,
			Capabilities: names,
		})
	}
	return out
}

// findByIdentity returns the first worker with the given identity.
func (r *Registry) findByIdentity(identity string) *Worker {
	for _, w := range r.workers {
		if w.Identity == identity {
			return w
		}
	}
	return nil
}

// clone copies the snapshot's registrations into a new, unpublished one.
func (r *Registry) clone() *Registry {
	next := NewRegistry(r.logger)
	for _, w := range r.workers {
		next.Register(w)
	}
	return next
}

// channels returns the set of channels held by the snapshot.
func (r *Registry) channels() map[worker.Channel]struct{} {
	set := make(map[worker.Channel]struct{}, len(r.workers))
	for _, w := range r.workers {
		if w.Channel != nil {
			set[w.Channel] = struct{}{}
		}
	}
	return set
}

// acquire pins the snapshot. It fails once the snapshot is retired.
func (r *Registry) acquire() bool {
	r.refMu.Lock()
	defer r.refMu.Unlock()
	if r.retired {
		return false
	}
	r.refs++
	return true
}

// Release unpins a snapshot obtained from Pool.Acquire.
func (r *Registry) Release() {
	r.refMu.Lock()
	r.refs--
	finish := r.retired && r.refs == 0
	r.refMu.Unlock()
	if finish {
		r.closeRetired()
	}
}

// retire marks the snapshot as replaced. Channels not present in keep are
// closed as soon as no reader holds the snapshot.
func (r *Registry) retire(keep map[worker.Channel]struct{}) {
	r.refMu.Lock()
	r.retired = true
	r.keep = keep
	finish := r.refs == 0
	r.refMu.Unlock()
	if finish {
		r.closeRetired()
	}
}

// Drained is closed once a retired snapshot has released its workers.
func (r *Registry) Drained() <-chan struct{} { return r.drained }

func (r *Registry) closeRetired() {
	closed := 0
	for _, w := range r.workers {
		if w.Channel == nil {
			continue
		}
		if _, carried := r.keep[w.Channel]; carried {
			continue
		}
		if err := w.Channel.Close(); err != nil {
			r.logger.Warn("closing retired worker", "worker", w.Identity, "error", err)
		}
		closed++
	}
	r.logger.Debug("registry snapshot drained", "workers_closed", closed)
	close(r.drained)
}
