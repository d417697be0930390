package testutil

import (
	"strconv"
	"sync"
)

// SequentialIDs generates "<prefix>-1", "<prefix>-2", ... forever.
//
// Unlike engine.FixedGenerator, which panics when its list runs out,
// SequentialIDs never exhausts. Useful when a test subscribes an unknown
// number of times but still needs reproducible ids.
//
// Thread-safety: SequentialIDs is safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix becomes "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
//
// Implements engine.IDGenerator.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + "-" + strconv.Itoa(g.n)
}
