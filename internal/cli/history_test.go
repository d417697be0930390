package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValorenceCLE/iocontrol/internal/engine"
	"github.com/ValorenceCLE/iocontrol/internal/point"
	"github.com/ValorenceCLE/iocontrol/internal/store"
)

var historyEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// seedHistory writes events alternating between door and tank_level.
func seedHistory(t *testing.T, n int) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	for i := 1; i <= n; i++ {
		ev := engine.Event{Seq: int64(i), Timestamp: historyEpoch.Add(time.Duration(i) * time.Second)}
		if i%2 == 1 {
			ev.Name = "door"
			ev.Old = point.Digital(i%4 == 3)
			ev.New = point.Digital(i%4 == 1)
		} else {
			ev.Name = "tank_level"
			ev.Old = point.Analog(float64(i - 2))
			ev.New = point.Analog(float64(i))
		}
		require.NoError(t, st.WriteEvent(context.Background(), fmt.Sprintf("row-%d", i), ev))
	}
	return dbPath
}

func executeHistory(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewHistoryCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestHistoryMissingDatabaseFlag(t *testing.T) {
	_, err := executeHistory(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "db")
}

func TestHistoryDatabaseNotFound(t *testing.T) {
	_, err := executeHistory(t, "text", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestHistoryInvalidLimit(t *testing.T) {
	dbPath := seedHistory(t, 1)
	_, err := executeHistory(t, "text", "--db", dbPath, "--limit", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestHistoryText(t *testing.T) {
	dbPath := seedHistory(t, 4)

	out, err := executeHistory(t, "text", "--db", dbPath)
	require.NoError(t, err)

	want := "" +
		"SEQ  OBSERVED              POINT       OLD    NEW\n" +
		"1    2024-01-01T00:00:01Z  door        false  true\n" +
		"2    2024-01-01T00:00:02Z  tank_level  0      2\n" +
		"3    2024-01-01T00:00:03Z  door        true   false\n" +
		"4    2024-01-01T00:00:04Z  tank_level  2      4\n"
	assert.Equal(t, want, out)
}

func TestHistoryEmpty(t *testing.T) {
	dbPath := seedHistory(t, 0)

	out, err := executeHistory(t, "text", "--db", dbPath)
	require.NoError(t, err)
	assert.Equal(t, "No events recorded.\n", out)
}

func TestHistoryPointAndLimitJSON(t *testing.T) {
	dbPath := seedHistory(t, 9)

	out, err := executeHistory(t, "json", "--db", dbPath, "--point", "door", "--limit", "2")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Point  string           `json:"point"`
			Events []map[string]any `json:"events"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "door", resp.Data.Point)
	require.Len(t, resp.Data.Events, 2)
	assert.Equal(t, float64(7), resp.Data.Events[0]["seq"])
	assert.Equal(t, float64(9), resp.Data.Events[1]["seq"])
	assert.Equal(t, "digital", resp.Data.Events[1]["kind"])
	assert.Equal(t, true, resp.Data.Events[1]["new"])
}
