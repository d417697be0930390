package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// entry binds a point's static configuration to its resolved backend and
// its runtime state. Everything except state and opMu is immutable once
// the registry is frozen.
type entry struct {
	point     point.IoPoint
	ref       point.Ref
	backendID string
	backend   backend.Backend
	bus       string
	gate      *busGate
	deadband  float64
	failSafe  point.Value

	// opMu serializes transactions on this point (poll, write, refresh)
	// so detection and publication for one point happen in order.
	opMu  sync.Mutex
	state *pointState
}

func (en *entry) name() string { return en.point.Name }

// registry is the validated name -> entry mapping.
//
// It is built by register calls, then frozen. After freeze it is shared
// read-only (no locking) by the scheduler and caller-facing operations.
type registry struct {
	backends map[string]backend.Backend
	deadband float64

	entries map[string]*entry
	refs    map[string]string // normalized ref -> point name
	order   []*entry          // declaration order

	frozen   bool
	critical []*entry // polled inputs, critical cadence
	normal   []*entry // polled inputs, normal cadence
	outputs  []*entry
}

func newRegistry(backends map[string]backend.Backend, defaultDeadband float64) *registry {
	return &registry{
		backends: backends,
		deadband: defaultDeadband,
		entries:  make(map[string]*entry),
		refs:     make(map[string]string),
	}
}

// register validates p against the points registered so far, resolves
// its backend, and creates its state with an unknown last value.
func (r *registry) register(p point.IoPoint) error {
	if r.frozen {
		return &ConfigError{Code: ErrCodeFrozen, Message: "registry is frozen", Point: p.Name}
	}

	if errs := point.Validate(p); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Field + ": " + e.Message
		}
		return &ConfigError{
			Code:    ErrCodeInvalidPoint,
			Message: strings.Join(msgs, "; "),
			Point:   p.Name,
			Err:     errs[0],
		}
	}

	if _, dup := r.entries[p.Name]; dup {
		return &ConfigError{Code: ErrCodeDuplicateName, Message: "point name already registered", Point: p.Name}
	}

	ref, err := p.Ref()
	if err != nil {
		return &ConfigError{Code: ErrCodeInvalidPoint, Message: "invalid hardware_ref", Point: p.Name, Err: err}
	}
	if other, dup := r.refs[ref.String()]; dup {
		return &ConfigError{
			Code:    ErrCodeDuplicateRef,
			Message: fmt.Sprintf("hardware_ref %s already used by %q", ref, other),
			Point:   p.Name,
		}
	}

	b, ok := r.backends[ref.Backend]
	if !ok {
		return &ConfigError{
			Code:    ErrCodeUnresolvedRef,
			Message: fmt.Sprintf("no backend %q for hardware_ref %s", ref.Backend, p.HardwareRef),
			Point:   p.Name,
		}
	}
	if err := b.Resolve(ref, p.Type); err != nil {
		return &ConfigError{
			Code:    ErrCodeUnresolvedRef,
			Message: fmt.Sprintf("backend %q cannot resolve %s", ref.Backend, p.HardwareRef),
			Point:   p.Name,
			Err:     err,
		}
	}

	deadband := r.deadband
	if p.Deadband != nil {
		deadband = *p.Deadband
	}
	if p.Tags != nil {
		tags := make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			tags[k] = v
		}
		p.Tags = tags
	}

	en := &entry{
		point:     p,
		ref:       ref,
		backendID: ref.Backend,
		backend:   b,
		bus:       backend.BusKey(b, ref),
		deadband:  deadband,
		state:     &pointState{},
	}
	if p.Type.IsOutput() {
		en.failSafe = p.EffectiveFailSafe()
	}

	r.entries[p.Name] = en
	r.refs[ref.String()] = p.Name
	r.order = append(r.order, en)
	return nil
}

// freeze partitions the entries into poll groups. No register after this.
func (r *registry) freeze() {
	r.frozen = true
	for _, en := range r.order {
		switch {
		case en.point.Type.IsOutput():
			r.outputs = append(r.outputs, en)
		case en.point.Critical:
			r.critical = append(r.critical, en)
		default:
			r.normal = append(r.normal, en)
		}
	}
}

func (r *registry) lookup(name string) (*entry, bool) {
	en, ok := r.entries[name]
	return en, ok
}

func (r *registry) group(g Group) []*entry {
	if g == GroupCritical {
		return r.critical
	}
	return r.normal
}

// buses returns the distinct arbitration keys, sorted.
func (r *registry) buses() []string {
	seen := make(map[string]struct{})
	for _, en := range r.order {
		seen[en.bus] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// lines groups backend.Line declarations per backend id for Initialize.
// Only backends referenced by at least one point appear.
func (r *registry) lines() map[string][]backend.Line {
	out := make(map[string][]backend.Line)
	for _, en := range r.order {
		out[en.backendID] = append(out[en.backendID], backend.Line{
			Ref:    en.ref,
			Type:   en.point.Type,
			PullUp: en.point.PullUp && en.point.Type.IsInput(),
		})
	}
	return out
}

// usedBackends returns the ids of referenced backends, sorted.
func (r *registry) usedBackends() []string {
	lines := r.lines()
	out := make([]string, 0, len(lines))
	for id := range lines {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
