package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// latencyWeight is the EWMA smoothing factor for poll latency.
const latencyWeight = 0.2

// pointState is the runtime state of one point. It is owned by the engine,
// guarded by its own mutex, and never handed to callers by reference.
type pointState struct {
	mu sync.Mutex

	lastValue         point.Value // nil until the first successful observation
	stale             bool
	fatal             bool
	consecutiveErrors int
	lastError         string
	lastPoll          time.Time
	lastChange        time.Time

	successes        uint64
	failures         uint64
	staleTransitions uint64
	latencyAvg       time.Duration
	latencyMax       time.Duration

	// Outputs only.
	commanded       point.Value // last value a caller asked for
	pendingRecovery bool
}

// recordLatency must be called with s.mu held.
func (s *pointState) recordLatency(d time.Duration) {
	if s.successes+s.failures == 1 {
		s.latencyAvg = d
	} else {
		s.latencyAvg += time.Duration(latencyWeight * float64(d-s.latencyAvg))
	}
	if d > s.latencyMax {
		s.latencyMax = d
	}
}

// recordSuccess resets the error run. A stale point is cleared on the
// first success. Returns true if the point was stale. Must be called with
// s.mu held.
func (s *pointState) recordSuccess(now time.Time, latency time.Duration) (recovered bool) {
	s.successes++
	s.recordLatency(latency)
	s.lastPoll = now
	recovered = s.stale
	s.stale = false
	s.consecutiveErrors = 0
	s.lastError = ""
	return recovered
}

// recordFailure extends the error run. Returns true exactly when this
// failure flips stale from false to true. A fatal failure marks the point
// permanently stale. Must be called with s.mu held.
func (s *pointState) recordFailure(now time.Time, latency time.Duration, err error, threshold int, fatal bool) (becameStale bool) {
	s.failures++
	s.recordLatency(latency)
	s.lastPoll = now
	s.consecutiveErrors++
	s.lastError = err.Error()
	if fatal {
		s.fatal = true
	}
	if !s.stale && (fatal || s.consecutiveErrors >= threshold) {
		s.stale = true
		s.staleTransitions++
		return true
	}
	return false
}

// observe applies a successfully read value. The first observation sets the
// baseline without a change. Analog values only move last_value when they
// leave the dead-band, so the band is measured from the last notified
// value and slow drift still produces an event eventually.
// Must be called with s.mu held.
func (s *pointState) observe(v point.Value, deadband float64, now time.Time) (old point.Value, changed bool) {
	old = s.lastValue
	if old == nil {
		s.lastValue = v
		return nil, false
	}
	if !isChange(old, v, deadband) {
		return old, false
	}
	s.lastValue = v
	s.lastChange = now
	return old, true
}

// command applies a successful write. Must be called with s.mu held.
func (s *pointState) command(v point.Value, now time.Time) (old point.Value, changed bool) {
	old = s.lastValue
	s.lastValue = v
	s.commanded = v
	s.pendingRecovery = false
	if point.Equal(old, v) {
		return old, false
	}
	s.lastChange = now
	return old, old != nil
}

func (s *pointState) isFatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// PointHealth is a read-only snapshot of one point.
type PointHealth struct {
	Name              string        `json:"name"`
	Type              point.IoType  `json:"io_type"`
	Critical          bool          `json:"critical"`
	Bus               string        `json:"bus"`
	Value             point.Value   `json:"-"`
	Stale             bool          `json:"stale"`
	Fatal             bool          `json:"fatal"`
	PendingRecovery   bool          `json:"pending_recovery,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastError         string        `json:"last_error,omitempty"`
	Successes         uint64        `json:"successes"`
	Failures          uint64        `json:"failures"`
	StaleTransitions  uint64        `json:"stale_transitions"`
	LatencyAvg        time.Duration `json:"latency_avg_ns"`
	LatencyMax        time.Duration `json:"latency_max_ns"`
	LastPoll          time.Time     `json:"last_poll,omitzero"`
	LastChange        time.Time     `json:"last_change,omitzero"`
}

// MarshalJSON renders Value as a plain bool, number or null.
func (h PointHealth) MarshalJSON() ([]byte, error) {
	type alias PointHealth
	return json.Marshal(struct {
		alias
		Value any `json:"value"`
	}{alias(h), point.Native(h.Value)})
}

func (en *entry) health() PointHealth {
	s := en.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return PointHealth{
		Name:              en.point.Name,
		Type:              en.point.Type,
		Critical:          en.point.Critical,
		Bus:               en.bus,
		Value:             s.lastValue,
		Stale:             s.stale,
		Fatal:             s.fatal,
		PendingRecovery:   s.pendingRecovery,
		ConsecutiveErrors: s.consecutiveErrors,
		LastError:         s.lastError,
		Successes:         s.successes,
		Failures:          s.failures,
		StaleTransitions:  s.staleTransitions,
		LatencyAvg:        s.latencyAvg,
		LatencyMax:        s.latencyMax,
		LastPoll:          s.lastPoll,
		LastChange:        s.lastChange,
	}
}
