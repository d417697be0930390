// Package point provides the foundational I/O point types for iocontrol.
//
// This package contains type definitions and pure validation only. All other
// internal packages import point; point imports nothing internal.
//
// Key design constraints:
//   - Value is a sealed interface: Digital (bool) or Analog (float64)
//   - A nil Value means "unknown" (never observed)
//   - IoPoint is immutable configuration; runtime state lives in the engine
//   - Hardware refs are case-folded so identity comparison is exact
package point
