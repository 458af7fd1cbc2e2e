// ABOUTME: Audit log entity and store methods for credentialed capability invocations
// ABOUTME: Records which user invoked which capability of which content, and with what arguments

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID               string         // UUID v4
	ContentVersionID string         // content the capability belongs to
	UserID           string         // who invoked it
	Capability       string         // capability name
	DisplayName      string         // content display name
	Timestamp        time.Time      // when it happened
	Arguments        map[string]any // invocation arguments, credential removed
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since            *time.Time // entries after this time
	Until            *time.Time // entries before this time
	UserID           *string    // filter by user
	ContentVersionID *string    // filter by content
	Capability       *string    // filter by capability
	Limit            int        // max results (default 100, max 1000)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	// Generate ID if not set
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	// Generate timestamp if not set
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var argsJSON *string
	if e.Arguments != nil {
		data, err := json.Marshal(e.Arguments)
		if err != nil {
			return fmt.Errorf("marshaling audit arguments: %w", err)
		}
		str := string(data)
		argsJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, content_version_id, user_id, capability, display_name, ts, arguments_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ContentVersionID,
		e.UserID,
		e.Capability,
		e.DisplayName,
		e.Timestamp.UTC().Format(time.RFC3339),
		argsJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"user", e.UserID,
		"capability", e.Capability,
		"content_version_id", e.ContentVersionID,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// formatTimeArg converts an optional filter time to a query argument.
func formatTimeArg(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var tsStr string
	var argsJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.ContentVersionID,
		&e.UserID,
		&e.Capability,
		&e.DisplayName,
		&tsStr,
		&argsJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	var err error
	e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if argsJSON != nil {
		if err := json.Unmarshal([]byte(*argsJSON), &e.Arguments); err != nil {
			return e, fmt.Errorf("unmarshaling arguments: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, content_version_id, user_id, capability, display_name, ts, arguments_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR user_id = ?)
	  AND (? IS NULL OR content_version_id = ?)
	  AND (? IS NULL OR capability = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)
	since := formatTimeArg(f.Since)
	until := formatTimeArg(f.Until)

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		until, until,
		f.UserID, f.UserID,
		f.ContentVersionID, f.ContentVersionID,
		f.Capability, f.Capability,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
