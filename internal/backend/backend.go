// Package backend defines the transport contract the engine polls through,
// the Transient/Fatal error split that drives retry policy, and the
// in-memory Simulated implementation used by tests and the harness.
//
// The engine holds backends as opaque Backend values and never inspects the
// concrete type. New hardware families live in sub-packages.
package backend

import (
	"context"

	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// Line describes one configured signal handed to Initialize.
type Line struct {
	Ref    point.Ref
	Type   point.IoType
	PullUp bool
}

// Backend is the capability set every transport implements.
//
// Implementations must be safe for concurrent use across distinct buses;
// the engine guarantees at most one in-flight transaction per bus key.
type Backend interface {
	// Resolve checks at configuration time that ref names a line this
	// backend can serve with the given type. Failures are Fatal.
	Resolve(ref point.Ref, typ point.IoType) error

	// Initialize prepares the lines for use. It is idempotent: calling it
	// on an initialized backend is a no-op.
	Initialize(ctx context.Context, lines []Line) error

	Read(ctx context.Context, ref point.Ref) (point.Value, error)
	Write(ctx context.Context, ref point.Ref, v point.Value) error

	// Shutdown releases hardware resources. A later Initialize re-opens them.
	Shutdown(ctx context.Context) error
}

// BusMapper is an optional capability. Backends whose bus qualifiers share
// one physical transport (two expander chips on one I2C segment) return the
// same key for both so the engine serializes them together.
type BusMapper interface {
	Bus(ref point.Ref) string
}

// BusKey returns the arbitration key for ref on b.
func BusKey(b Backend, ref point.Ref) string {
	if m, ok := b.(BusMapper); ok {
		if key := m.Bus(ref); key != "" {
			return key
		}
	}
	return ref.BusKey()
}
