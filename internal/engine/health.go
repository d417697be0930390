package engine

import (
	"sync/atomic"
	"time"
)

// counters are the aggregate health counters. Per-point counters live in
// pointState; per-bus utilization lives in the arbiter gates.
type counters struct {
	polls       atomic.Uint64
	pollErrors  atomic.Uint64
	writes      atomic.Uint64
	writeErrors atomic.Uint64
	recoveries  atomic.Uint64
}

// Snapshot is the aggregate and per-point health report.
type Snapshot struct {
	State         State         `json:"state"`
	TakenAt       time.Time     `json:"taken_at"`
	Uptime        time.Duration `json:"uptime_ns"`
	TotalPolls    uint64        `json:"total_polls"`
	TotalErrors   uint64        `json:"total_errors"`
	Writes        uint64        `json:"writes"`
	WriteErrors   uint64        `json:"write_errors"`
	Recoveries    uint64        `json:"recoveries"`
	EventsSent    uint64        `json:"events_sent"`
	DroppedEvents uint64        `json:"dropped_events"`
	Subscribers   int           `json:"subscribers"`
	StalePoints   int           `json:"stale_points"`
	Buses         []BusStats    `json:"buses"`
	Points        []PointHealth `json:"points"`
}

// Point returns the health of the named point.
func (s Snapshot) Point(name string) (PointHealth, bool) {
	for _, p := range s.Points {
		if p.Name == name {
			return p, true
		}
	}
	return PointHealth{}, false
}

// MetricsSnapshot returns a consistent-per-point copy of the health state.
// Points are listed in declaration order, buses sorted by id.
func (e *Engine) MetricsSnapshot() Snapshot {
	snap := Snapshot{
		State:         e.State(),
		TakenAt:       e.now(),
		TotalPolls:    e.counters.polls.Load(),
		TotalErrors:   e.counters.pollErrors.Load(),
		Writes:        e.counters.writes.Load(),
		WriteErrors:   e.counters.writeErrors.Load(),
		Recoveries:    e.counters.recoveries.Load(),
		EventsSent:    e.notifier.sent.Load(),
		DroppedEvents: e.notifier.dropped.Load(),
		Subscribers:   e.notifier.count(),
		Buses:         []BusStats{},
		Points:        []PointHealth{},
	}

	e.mu.RLock()
	reg, arb, started := e.reg, e.arbiter, e.startedAt
	e.mu.RUnlock()

	if snap.State == StateRunning && !started.IsZero() {
		snap.Uptime = time.Since(started)
	}
	if reg == nil {
		return snap
	}
	for _, en := range reg.order {
		h := en.health()
		if h.Stale {
			snap.StalePoints++
		}
		snap.Points = append(snap.Points, h)
	}
	snap.Buses = arb.stats()
	return snap
}

// Health returns the snapshot of a single point.
func (e *Engine) Health(name string) (PointHealth, error) {
	en, err := e.lookup(name)
	if err != nil {
		return PointHealth{}, err
	}
	return en.health(), nil
}
