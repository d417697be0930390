// Package harness runs deterministic scenarios against the polling engine.
//
// A scenario configures an engine over a simulated backend and steps it
// explicitly: the periodic loops are parked on hour-long intervals, every
// poll pass is an explicit tick, and a manual clock advances by the group's
// interval on each tick. Event timestamps, sequence numbers and
// subscription ids are therefore identical across runs, and the trace can
// be compared byte for byte against a golden file.
//
// # Scenario Format
//
//	name: door_flips
//	description: "Each digital transition is reported once"
//	engine:
//	  error_threshold: 2
//	points:
//	  - name: door
//	    io_type: digital_input
//	    hardware_ref: sim.pin0
//	    critical: true
//	steps:
//	  - set: { ref: sim.pin0, value: true }
//	  - tick: critical
//	  - fault: { ref: sim.pin0, count: 2 }
//	  - tick: critical
//	    repeat: 2
//	  - write: { point: lamp, value: true }
//	    expect_error: TYPE_MISMATCH
//	assertions:
//	  - type: event_count
//	    point: door
//	    count: 1
//	  - type: stale
//	    point: door
//	    value: true
//
// Scenario files are decoded strictly: unknown fields are errors.
//
// # Steps
//
//   - set: change a simulated line value
//   - fault / clear_fault: inject or remove a transient or fatal failure
//   - tick: run one critical or normal poll pass
//   - write: command an output
//   - refresh: force a hardware read of a point
//   - stop: stop the engine, driving fail-safe values
//
// A step fails the scenario when it errors unexpectedly or does not fail
// with its expect_error code.
//
// # Assertion Types
//
//   - event_count: number of change events for a point (or all points)
//   - read: last known value of a point (null means unknown)
//   - stale: stale flag of a point
//   - consecutive_errors: consecutive poll error count of a point
//   - sim_value: value held by a simulated line
//
// A scenario may instead declare config_error, the code Configure must
// reject its points with.
package harness
