// ABOUTME: Audit record type and the sinks that persist or log it.
// ABOUTME: StoreSink writes audit_log rows; LogSink emits a structured log line.

package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// Record describes one credentialed invocation. Arguments never include the
// injected credential.
type Record struct {
	ContentVersionID string
	UserID           string
	Capability       string
	Arguments        map[string]any
	DisplayName      string
	Timestamp        time.Time
}

// Sink receives audit records.
type Sink interface {
	Record(ctx context.Context, r Record) error
}

// StoreSink writes records into an AuditStore.
type StoreSink struct {
	store store.AuditStore
}

// NewStoreSink creates a sink backed by the given store.
func NewStoreSink(s store.AuditStore) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Record(ctx context.Context, r Record) error {
	return s.store.AppendAuditLog(ctx, &store.AuditEntry{
		ContentVersionID: r.ContentVersionID,
		UserID:           r.UserID,
		Capability:       r.Capability,
		DisplayName:      r.DisplayName,
		Arguments:        r.Arguments,
		Timestamp:        r.Timestamp,
	})
}

// LogSink writes records to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Record(ctx context.Context, r Record) error {
	s.logger.InfoContext(ctx, "AUDIT LOG",
		"content_version_id", r.ContentVersionID,
		"user_id", r.UserID,
		"tool_name", r.Capability,
		"tool_args", r.Arguments,
		"api_name", r.DisplayName,
		"timestamp", r.Timestamp,
	)
	return nil
}

// Multi fans a record out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
