package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/engine"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// testEvent builds an event observed seq milliseconds after testEpoch.
func testEvent(seq int64, name string, old, value point.Value) engine.Event {
	return engine.Event{
		Seq:       seq,
		Name:      name,
		Old:       old,
		New:       value,
		Timestamp: testEpoch.Add(time.Duration(seq) * time.Millisecond),
	}
}
