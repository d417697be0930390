package engine

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth.
const DefaultSubscriberBuffer = 64

// Event is one detected change of a point's value.
type Event struct {
	Seq       int64       `json:"seq"`
	Name      string      `json:"name"`
	Old       point.Value `json:"-"`
	New       point.Value `json:"-"`
	Timestamp time.Time   `json:"timestamp"`
}

// MarshalJSON renders Old and New as plain bool, number or null.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		alias
		Old any `json:"old"`
		New any `json:"new"`
	}{alias(e), point.Native(e.Old), point.Native(e.New)})
}

// Filter selects the point names a subscription receives.
type Filter func(name string) bool

// AllPoints matches every point.
func AllPoints() Filter {
	return func(string) bool { return true }
}

// Names matches exactly the given point names.
func Names(names ...string) Filter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(name string) bool {
		_, ok := set[name]
		return ok
	}
}

// Prefix matches point names starting with prefix.
func Prefix(prefix string) Filter {
	return func(name string) bool { return strings.HasPrefix(name, prefix) }
}

// Subscription is a bounded stream of change events.
//
// Events arrive in detection order. When the buffer is full new events are
// dropped and counted rather than blocking the poll loop. The channel is
// closed when the engine stops or Close is called; subscribe again to
// follow a restarted engine.
type Subscription struct {
	id      string
	filter  Filter
	ch      chan Event
	dropped atomic.Uint64
	n       *notifier
	closed  bool // guarded by n.mu
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// C returns the event channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.n.unsubscribe(s)
}

// notifier fans change events out to subscriptions without ever blocking.
type notifier struct {
	clock  *Clock
	buffer int

	mu      sync.Mutex
	subs    []*Subscription // subscription order
	dropped atomic.Uint64
	sent    atomic.Uint64
}

func newNotifier(clock *Clock, buffer int) *notifier {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &notifier{clock: clock, buffer: buffer}
}

func (n *notifier) subscribe(id string, filter Filter) *Subscription {
	if filter == nil {
		filter = AllPoints()
	}
	s := &Subscription{id: id, filter: filter, ch: make(chan Event, n.buffer), n: n}
	n.mu.Lock()
	n.subs = append(n.subs, s)
	n.mu.Unlock()
	return s
}

// publish stamps the event with the next seq and offers it to every
// matching subscription. The seq is taken under the lock so every
// subscriber sees events in seq order.
func (n *notifier) publish(name string, old, value point.Value, ts time.Time) Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	ev := Event{Seq: n.clock.Next(), Name: name, Old: old, New: value, Timestamp: ts}
	for _, s := range n.subs {
		if !s.filter(name) {
			continue
		}
		select {
		case s.ch <- ev:
			n.sent.Add(1)
		default:
			s.dropped.Add(1)
			n.dropped.Add(1)
		}
	}
	return ev
}

func (n *notifier) unsubscribe(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	for i, sub := range n.subs {
		if sub == s {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
}

// closeAll ends every current subscription. New subscriptions may still be
// created afterwards.
func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		s.closed = true
		close(s.ch)
	}
	n.subs = nil
}

func (n *notifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
