// ABOUTME: Store interfaces and data types for relay persistence
// ABOUTME: Defines Turn and the SessionStore/AuditStore interfaces

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Role is the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultHistoryLimit is the number of turns read back as context.
const DefaultHistoryLimit = 6

// Turn is one entry in a session's conversation record.
type Turn struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// SessionStore reads and appends conversation turns.
type SessionStore interface {
	// RecentTurns returns up to limit of the most recent turns, oldest first.
	// A limit of zero or less returns every turn.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error)
	// AppendTurn records a turn.
	AppendTurn(ctx context.Context, sessionID string, role Role, content string) error
}

// AuditStore persists audit entries.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}
