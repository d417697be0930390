package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// Window is one observed backend transaction.
type Window struct {
	Bus   string
	Ref   string
	Op    string
	Enter time.Time
	Exit  time.Time
}

// RecordingBackend wraps a backend and records the enter/exit time of every
// read and write, keyed by arbitration bus. Hold stretches each transaction
// so overlaps would be observable.
type RecordingBackend struct {
	backend.Backend

	Hold time.Duration

	mu      sync.Mutex
	windows []Window
	active  map[string]int
	overlap map[string]int
}

// NewRecordingBackend wraps inner.
func NewRecordingBackend(inner backend.Backend, hold time.Duration) *RecordingBackend {
	return &RecordingBackend{
		Backend: inner,
		Hold:    hold,
		active:  make(map[string]int),
		overlap: make(map[string]int),
	}
}

// Bus forwards the inner backend's mapping so arbitration sees the same keys.
func (r *RecordingBackend) Bus(ref point.Ref) string {
	return backend.BusKey(r.Backend, ref)
}

func (r *RecordingBackend) enter(ref point.Ref) (string, time.Time) {
	bus := r.Bus(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[bus]++
	if r.active[bus] > 1 {
		r.overlap[bus]++
	}
	return bus, time.Now()
}

func (r *RecordingBackend) exit(bus string, ref point.Ref, op string, enter time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[bus]--
	r.windows = append(r.windows, Window{Bus: bus, Ref: ref.String(), Op: op, Enter: enter, Exit: time.Now()})
}

func (r *RecordingBackend) hold(ctx context.Context) {
	if r.Hold <= 0 {
		return
	}
	t := time.NewTimer(r.Hold)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Read implements backend.Backend.
func (r *RecordingBackend) Read(ctx context.Context, ref point.Ref) (point.Value, error) {
	bus, enter := r.enter(ref)
	defer func() { r.exit(bus, ref, "read", enter) }()
	r.hold(ctx)
	return r.Backend.Read(ctx, ref)
}

// Write implements backend.Backend.
func (r *RecordingBackend) Write(ctx context.Context, ref point.Ref, v point.Value) error {
	bus, enter := r.enter(ref)
	defer func() { r.exit(bus, ref, "write", enter) }()
	r.hold(ctx)
	return r.Backend.Write(ctx, ref, v)
}

// Windows returns the recorded transactions sorted by enter time.
func (r *RecordingBackend) Windows() []Window {
	r.mu.Lock()
	out := append([]Window(nil), r.windows...)
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Enter.Before(out[j].Enter) })
	return out
}

// Overlaps returns how many times a transaction entered bus while another
// was still inside it.
func (r *RecordingBackend) Overlaps(bus string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlap[bus]
}

// OverlappingWindows reports pairs of recorded windows on the same bus
// whose intervals intersect.
func OverlappingWindows(windows []Window) [][2]Window {
	var out [][2]Window
	byBus := make(map[string][]Window)
	for _, w := range windows {
		byBus[w.Bus] = append(byBus[w.Bus], w)
	}
	for _, ws := range byBus {
		sort.Slice(ws, func(i, j int) bool { return ws[i].Enter.Before(ws[j].Enter) })
		for i := 1; i < len(ws); i++ {
			if ws[i].Enter.Before(ws[i-1].Exit) {
				out = append(out, [2]Window{ws[i-1], ws[i]})
			}
		}
	}
	return out
}
