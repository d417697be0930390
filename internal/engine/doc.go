// Package engine implements the iocontrol polling and dispatch engine.
//
// The engine polls a frozen set of I/O points at two cadences, serializes
// every hardware transaction per physical bus, detects value changes and
// fans them out to subscribers without ever blocking the poll loops.
//
// ARCHITECTURE:
//
// Registry:
// Built once by Configure from validated point definitions, then frozen.
// After freeze it is read without locks. Only per-point state mutates.
//
// Bus Arbiter:
// One gate per distinct bus key. A gate admits one transaction at a time
// and hands its ticket to waiters in FIFO order, so caller writes and
// scheduled reads share a bus in request order.
//
// Poll Scheduler:
// Two goroutines, one per group (critical, normal), each driven by its own
// ticker. A pass polls the group's inputs one by one; a point's failure is
// recorded and the pass continues. The critical pass also re-asserts
// critical outputs whose last write failed transiently.
//
// Change Detector & Notifier:
// Digital points change on any difference, analog points when the value
// leaves the dead-band around the last notified value. Events carry a seq
// from the logical Clock and are offered to each subscription's bounded
// channel; a full channel drops the event and counts the drop.
//
// Health & Metrics:
// Per point: success/failure counts, consecutive errors, stale flag,
// latency EWMA and max. Aggregate: polls, errors, writes, dropped events,
// per-bus utilization.
//
// CRITICAL PATTERNS:
//
// Lock order: entry.opMu -> busGate (ticket) -> pointState.mu -> notifier.mu.
// pointState.mu is never held across a backend call.
//
// Staleness: a point becomes stale when consecutive failures reach the
// error threshold and is cleared by the first success. A fatal backend
// error makes the point permanently stale and removes it from polling
// and fail-safe recovery.
package engine
