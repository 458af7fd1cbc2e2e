// Package packs holds the session pool and the capability registry.
//
// # Overview
//
// Workers are tool processes reached through a worker.Channel. The pool
// connects them, the registry maps each capability name to the worker that
// owns it, and the router dispatches invocations with a timeout.
//
// # Architecture
//
//   - Pool: connects workers from a discovery source plus a fixed set of
//     default workers, and publishes registry snapshots
//   - Registry: immutable snapshot of capability name -> owning worker
//   - Router: invokes a resolved owner with a per-call timeout
//
// # Snapshots
//
// Every mutation (Populate, Add, Remove) builds a new Registry and swaps it
// in atomically. Readers pin a snapshot for the length of an invocation:
//
//	reg := pool.Acquire()
//	defer reg.Release()
//	owner, err := reg.Resolve("ping")
//	res, err := router.Invoke(ctx, owner, "ping", args)
//
// A replaced snapshot closes the workers that did not carry over into its
// successor, but only after the last reader releases it. An invocation that
// started before a repopulate therefore always completes against a live
// channel.
//
// # Name Collisions
//
// Capability names are global. When two workers expose the same name the
// later registration wins without error. Populate registers discovered
// workers in listing order and then the default workers, so the outcome is
// deterministic even though connects run in parallel.
//
// # Removal
//
// Remove deletes the artifact from the discovery source and then rebuilds
// the whole pool. Removing an artifact that no longer exists reports
// discovery.ErrNotFound and still repopulates.
package packs
