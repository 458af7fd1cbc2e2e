// ABOUTME: Non-blocking audit dispatcher with a bounded queue and one writer goroutine.
// ABOUTME: Full queues drop records with a warning; sink errors are logged and swallowed.

package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the queue length used when none is configured.
const DefaultQueueSize = 256

// writeTimeout bounds a single sink write.
const writeTimeout = 10 * time.Second

// Async delivers records to a sink in the background.
type Async struct {
	sink    Sink
	queue   chan Record
	logger  *slog.Logger
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against concurrent Record
	closed    bool
	done      chan struct{}
}

// NewAsync starts the writer goroutine.
func NewAsync(sink Sink, queueSize int, logger *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:   sink,
		queue:  make(chan Record, queueSize),
		logger: logger.With("component", "audit"),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues r and returns immediately. It never returns an error.
func (a *Async) Record(ctx context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("audit sink closed, dropping record", "tool_name", r.Capability)
		return nil
	}

	select {
	case a.queue <- r:
	default:
		a.dropped.Add(1)
		a.logger.Warn("audit queue full, dropping record",
			"tool_name", r.Capability,
			"user_id", r.UserID,
		)
	}
	return nil
}

// Dropped returns how many records were discarded because the queue was full.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting records and waits for queued ones to be written.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for r := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := a.sink.Record(ctx, r); err != nil {
			a.logger.Error("audit write failed",
				"tool_name", r.Capability,
				"user_id", r.UserID,
				"error", err,
			)
		}
		cancel()
	}
}
