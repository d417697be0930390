// Package config loads iocontrol configuration documents.
//
// A document is YAML (or JSON, which YAML accepts) with three sections:
//
//	engine:    timing and policy overrides
//	backends:  backend instances by id (simulated, mcp23017, modbus)
//	io_points: point definitions
//
// Loading happens in three passes. The raw document is first checked
// against an embedded CUE schema, so missing or ill-typed fields fail
// before anything is built. It is then decoded into Document (unknown
// fields are ignored). Finally Check produces a leveled Report of
// semantic issues: errors block startup, warnings and info do not.
//
// Engine timing can be overridden from the environment (IOCONTROL_*),
// optionally seeded from a .env file.
package config
