// ABOUTME: Tests for audit sinks and the async dispatcher
// ABOUTME: Covers delivery, draining on close, full-queue drops and swallowed errors

package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu      sync.Mutex
	records []Record
	err     error
	block   chan struct{}
}

func (s *recordingSink) Record(ctx context.Context, r Record) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

func (s *recordingSink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func TestAsync_DeliversAndDrains(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync(sink, 16, quietLogger())

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Record(context.Background(), Record{Capability: "ping", UserID: "u"}))
	}
	require.NoError(t, a.Close())

	records := sink.all()
	assert.Len(t, records, 10)
	assert.False(t, records[0].Timestamp.IsZero(), "timestamp should be filled in")

	// closing again and recording after close are both harmless
	require.NoError(t, a.Close())
	require.NoError(t, a.Record(context.Background(), Record{Capability: "late"}))
	assert.Len(t, sink.all(), 10)
}

func TestAsync_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	a := NewAsync(sink, 1, quietLogger())

	// The writer takes the first record and blocks on it; one more fills the
	// queue and the rest are dropped.
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Record(context.Background(), Record{Capability: "ping"}))
	}
	close(sink.block)
	require.NoError(t, a.Close())

	assert.Positive(t, a.Dropped())
	assert.Equal(t, int64(5), a.Dropped()+int64(len(sink.all())))
}

func TestAsync_SwallowsSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	a := NewAsync(sink, 4, quietLogger())

	err := a.Record(context.Background(), Record{Capability: "ping"})
	assert.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Len(t, sink.all(), 1)
}

func TestStoreSink(t *testing.T) {
	mem := store.NewMemoryStore()
	sink := NewStoreSink(mem)

	err := sink.Record(context.Background(), Record{
		ContentVersionID: "v1",
		UserID:           "alice",
		Capability:       "weather",
		DisplayName:      "Weather API",
		Arguments:        map[string]any{"city": "Oslo"},
	})
	require.NoError(t, err)

	entries, err := mem.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Weather API", entries[0].DisplayName)
	assert.Equal(t, "Oslo", entries[0].Arguments["city"])
}

func TestMulti(t *testing.T) {
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("nope")}
	err := Multi{good, bad, NewLogSink(quietLogger())}.Record(context.Background(), Record{Capability: "x"})
	assert.Error(t, err)
	assert.Len(t, good.all(), 1)
	assert.Len(t, bad.all(), 1)
}
