// Package audit records credentialed capability invocations.
//
// Recording is fire-and-forget: Async queues records for a background
// goroutine and never blocks or fails the caller. Sink errors are logged.
//
//	sink := audit.NewAsync(audit.NewStoreSink(sqliteStore), 256, logger)
//	defer sink.Close()
//	sink.Record(ctx, audit.Record{...})
package audit
