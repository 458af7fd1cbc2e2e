// ABOUTME: In-memory session and audit store
// ABOUTME: Lets tests and single-process setups run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory SessionStore and AuditStore.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]*Turn // keyed by session ID
	audit []AuditEntry
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns: make(map[string][]*Turn),
	}
}

// AppendTurn stores a turn.
func (m *MemoryStore) AppendTurn(ctx context.Context, sessionID string, role Role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns[sessionID] = append(m.turns[sessionID], &Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// RecentTurns returns copies of the newest turns, oldest first.
func (m *MemoryStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.turns[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*Turn, 0, len(all))
	for _, t := range all {
		// Make a copy to avoid external modification
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

// TurnCount returns how many turns a session holds.
func (m *MemoryStore) TurnCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns[sessionID])
}

// AppendAuditLog stores an audit entry.
func (m *MemoryStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns entries matching the filter, newest first.
func (m *MemoryStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []AuditEntry{}
	for _, e := range m.audit {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.UserID != nil && e.UserID != *f.UserID {
			continue
		}
		if f.ContentVersionID != nil && e.ContentVersionID != *f.ContentVersionID {
			continue
		}
		if f.Capability != nil && e.Capability != *f.Capability {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if limit := normalizeAuditLimit(f.Limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
