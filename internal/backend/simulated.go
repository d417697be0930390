package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault")

type fault struct {
	err       error
	remaining int // 0 means persistent
}

// Simulated is an in-memory backend. It never fails unless a fault has been
// injected, which makes poll outcomes deterministic for tests and harness
// scenarios.
//
// Lines are keyed by their normalized ref, so "sim.pin0" and "sim.sim.pin0"
// address the same value.
type Simulated struct {
	mu       sync.Mutex
	values   map[string]point.Value
	types    map[string]point.IoType
	faults   map[string]*fault
	writes   map[string][]point.Value
	attempts map[string]int
	latency  time.Duration
	initErr  error

	initialized bool
	initCount   int
	shutdowns   int
}

// NewSimulated creates an empty simulated backend.
func NewSimulated() *Simulated {
	return &Simulated{
		values:   make(map[string]point.Value),
		types:    make(map[string]point.IoType),
		faults:   make(map[string]*fault),
		writes:   make(map[string][]point.Value),
		attempts: make(map[string]int),
	}
}

func simKey(ref string) string {
	r, err := point.ParseRef(ref)
	if err != nil {
		return ref
	}
	return r.String()
}

// Resolve accepts every well-formed line and records its type.
func (s *Simulated) Resolve(ref point.Ref, typ point.IoType) error {
	if !typ.Valid() {
		return Fatal("resolve", ref, fmt.Errorf("unsupported io_type %q", typ))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[ref.String()] = typ
	return nil
}

// Initialize marks the backend ready. Values already present survive,
// so a stop/start cycle keeps simulated wiring intact.
func (s *Simulated) Initialize(ctx context.Context, lines []Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return Fatal("initialize", point.Ref{}, s.initErr)
	}
	if s.initialized {
		return nil
	}
	for _, l := range lines {
		s.types[l.Ref.String()] = l.Type
	}
	s.initialized = true
	s.initCount++
	return nil
}

// Read returns the current value of a line, or the zero value of its
// domain when it was never set.
func (s *Simulated) Read(ctx context.Context, ref point.Ref) (point.Value, error) {
	if err := s.wait(ctx, "read", ref); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := ref.String()
	if err := s.consumeFault(key, "read", ref); err != nil {
		return nil, err
	}
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return point.Zero(s.types[key].Kind()), nil
}

// Write stores v for the line.
func (s *Simulated) Write(ctx context.Context, ref point.Ref, v point.Value) error {
	if err := s.wait(ctx, "write", ref); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := ref.String()
	s.attempts[key]++
	if err := s.consumeFault(key, "write", ref); err != nil {
		return err
	}
	if typ, ok := s.types[key]; ok && v != nil && typ.Kind() != v.Kind() {
		return Fatal("write", ref, fmt.Errorf("cannot write %s value to %s line", v.Kind(), typ))
	}
	s.values[key] = v
	s.writes[key] = append(s.writes[key], v)
	return nil
}

// Shutdown marks the backend closed. Values are retained.
func (s *Simulated) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.shutdowns++
	return nil
}

func (s *Simulated) wait(ctx context.Context, op string, ref point.Ref) error {
	s.mu.Lock()
	d := s.latency
	s.mu.Unlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return Transient(op, ref, ctx.Err())
	}
}

// consumeFault must be called with s.mu held.
func (s *Simulated) consumeFault(key, op string, ref point.Ref) error {
	f, ok := s.faults[key]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(s.faults, key)
		}
	}
	var be *Error
	if errors.As(f.err, &be) {
		return &Error{Severity: be.Severity, Op: op, Ref: ref.String(), Err: be.Err}
	}
	return Transient(op, ref, f.err)
}

// Set changes the value of a line from outside, as if the field wiring changed.
func (s *Simulated) Set(ref string, v point.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[simKey(ref)] = v
}

// Get returns the stored value of a line, or nil if it was never written.
func (s *Simulated) Get(ref string) point.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[simKey(ref)]
}

// InjectFault makes every read and write of ref fail with err. When count is
// positive only the next count calls fail. A nil err injects ErrInjected as
// a transient failure; pass a *Error to control severity.
func (s *Simulated) InjectFault(ref string, err error, count int) {
	if err == nil {
		err = ErrInjected
	}
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[simKey(ref)] = &fault{err: err, remaining: count}
}

// ClearFault removes any fault on ref.
func (s *Simulated) ClearFault(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, simKey(ref))
}

// SetLatency delays every read and write by d.
func (s *Simulated) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailInitialize makes Initialize return a fatal error wrapping err.
// A nil err restores normal behavior.
func (s *Simulated) FailInitialize(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initErr = err
}

// Writes returns the successful writes to ref in order.
func (s *Simulated) Writes(ref string) []point.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]point.Value(nil), s.writes[simKey(ref)]...)
}

// WriteAttempts returns how many writes to ref were attempted, failed ones included.
func (s *Simulated) WriteAttempts(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[simKey(ref)]
}

// Initialized reports whether the backend is between Initialize and Shutdown.
func (s *Simulated) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// InitCount returns how many times Initialize did real work.
func (s *Simulated) InitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCount
}

// ShutdownCount returns how many times Shutdown was called.
func (s *Simulated) ShutdownCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns
}
