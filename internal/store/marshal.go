package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// timeLayout stores timestamps as sortable UTC text.
const timeLayout = time.RFC3339Nano

// marshalValue converts a Value to JSON TEXT. Nil becomes SQL NULL.
func marshalValue(v point.Value) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(point.Native(v))
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal value: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalValue parses JSON TEXT back into a Value of the given kind.
func unmarshalValue(data sql.NullString, kind point.Kind) (point.Value, error) {
	if !data.Valid {
		return nil, nil
	}
	var raw any
	if err := json.Unmarshal([]byte(data.String), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal value %q: %w", data.String, err)
	}
	v, err := point.FromNative(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal value %q: %w", data.String, err)
	}
	if v.Kind() != kind {
		return nil, fmt.Errorf("unmarshal value %q: stored as %s, got %s", data.String, kind, v.Kind())
	}
	return v, nil
}

func parseKind(s string) (point.Kind, error) {
	switch s {
	case point.KindDigital.String():
		return point.KindDigital, nil
	case point.KindAnalog.String():
		return point.KindAnalog, nil
	}
	return 0, fmt.Errorf("unknown value kind %q", s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse observed_at %q: %w", s, err)
	}
	return t, nil
}
