// Package store persists conversation turns and the credentialed-invocation
// audit log.
//
// # Architecture
//
// Two interfaces cover what the relay needs:
//
//   - SessionStore: append-only conversation turns, read back as a window
//     of the most recent entries
//   - AuditStore: the audit_log table written by the audit sink
//
// SQLiteStore implements both. MongoSessionStore implements SessionStore on
// a MongoDB collection with one document per session, and MemoryStore is an
// in-memory SessionStore for tests and single-process setups.
//
// # Windows
//
// RecentTurns returns at most limit turns, oldest first. Truncation only
// affects what is read back; every appended turn is kept.
package store
