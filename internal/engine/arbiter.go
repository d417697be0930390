package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// busGate is the mutual-exclusion gate for one physical bus.
//
// Waiters queue in FIFO order: a ticket is handed directly from the
// releasing holder to the oldest waiter, so reads and writes on a bus are
// serviced strictly in request order and nobody can barge ahead.
//
// The gate also measures how long its ticket was held, which feeds the
// per-bus utilization metric.
type busGate struct {
	id  string
	now func() time.Time

	mu           sync.Mutex
	held         bool
	waiters      []chan struct{}
	heldSince    time.Time
	heldTotal    time.Duration
	windowStart  time.Time
	transactions uint64
}

// Ticket grants exclusive use of a bus until Release.
type Ticket struct {
	gate *busGate
	once sync.Once
}

// Release returns the bus. Safe to call more than once.
func (t *Ticket) Release() {
	t.once.Do(t.gate.release)
}

// Bus returns the arbitration key the ticket holds.
func (t *Ticket) Bus() string {
	return t.gate.id
}

func (g *busGate) acquire(ctx context.Context) (*Ticket, error) {
	g.mu.Lock()
	if !g.held && len(g.waiters) == 0 {
		g.held = true
		g.heldSince = g.now()
		g.mu.Unlock()
		return &Ticket{gate: g}, nil
	}
	ch := make(chan struct{})
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return &Ticket{gate: g}, nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ch {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		g.mu.Unlock()
		// Lost the race: the ticket was handed to us while cancelling.
		g.release()
		return nil, ctx.Err()
	}
}

func (g *busGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.heldTotal += now.Sub(g.heldSince)
	g.transactions++

	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters[0] = nil
		g.waiters = g.waiters[1:]
		g.heldSince = now
		close(next)
		return
	}
	g.held = false
}

func (g *busGate) stats() BusStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	busy := g.heldTotal
	if g.held {
		busy += now.Sub(g.heldSince)
	}
	var util float64
	if window := now.Sub(g.windowStart); window > 0 {
		util = float64(busy) / float64(window)
		if util > 1 {
			util = 1
		}
	}
	return BusStats{
		ID:           g.id,
		Transactions: g.transactions,
		Utilization:  util,
		Waiting:      len(g.waiters),
		Busy:         busy,
	}
}

func (g *busGate) resetWindow() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.windowStart = now
	g.heldTotal = 0
	if g.held {
		g.heldSince = now
	}
}

// BusStats is the utilization report for one bus.
type BusStats struct {
	ID           string        `json:"id"`
	Transactions uint64        `json:"transactions"`
	Utilization  float64       `json:"utilization"` // fraction of the window the ticket was held
	Waiting      int           `json:"waiting"`
	Busy         time.Duration `json:"busy_ns"`
}

// busArbiter owns one gate per distinct bus key discovered at registration.
// The gate set is fixed before the engine starts.
type busArbiter struct {
	gates map[string]*busGate
}

func newBusArbiter(buses []string, now func() time.Time) *busArbiter {
	a := &busArbiter{gates: make(map[string]*busGate, len(buses))}
	start := now()
	for _, id := range buses {
		if _, ok := a.gates[id]; ok {
			continue
		}
		a.gates[id] = &busGate{id: id, now: now, windowStart: start}
	}
	return a
}

// Acquire blocks until the bus is free or ctx is done.
func (a *busArbiter) Acquire(ctx context.Context, bus string) (*Ticket, error) {
	g, ok := a.gates[bus]
	if !ok {
		panic("engine: acquire on unregistered bus " + bus)
	}
	return g.acquire(ctx)
}

func (a *busArbiter) resetWindows() {
	for _, g := range a.gates {
		g.resetWindow()
	}
}

func (a *busArbiter) stats() []BusStats {
	out := make([]BusStats, 0, len(a.gates))
	for _, g := range a.gates {
		out = append(out, g.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
