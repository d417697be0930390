// Package store provides SQLite-backed durable storage for change events.
//
// The store is an append-only sequence-of-events log: every change the
// engine detects can be recorded with its seq, point name, old and new
// value and observation time. A Recorder drains a subscription into the
// log; RecentEvents reads it back for the history command.
//
// Ordering always uses seq (the engine's logical clock), never
// timestamps. seq is UNIQUE, so recording the same event twice is a
// no-op. Reopening a log and passing MaxSeq to engine.NewClockAt keeps
// numbering monotonic across restarts.
//
// Values are stored as JSON text (true, false, 12.5); a NULL old_value
// means the point had no previous value.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
