package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/engine"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// Record is one stored change event.
type Record struct {
	ID         string      `json:"id"`
	Seq        int64       `json:"seq"`
	Point      string      `json:"point"`
	Old        point.Value `json:"-"`
	New        point.Value `json:"-"`
	Kind       point.Kind  `json:"-"`
	ObservedAt time.Time   `json:"observed_at"`
}

// MarshalJSON renders values as plain JSON and the kind by name.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	return json.Marshal(struct {
		alias
		Old  any    `json:"old"`
		New  any    `json:"new"`
		Kind string `json:"kind"`
	}{alias(r), point.Native(r.Old), point.Native(r.New), r.Kind.String()})
}

// WriteEvent inserts a change event under id.
// Uses ON CONFLICT DO NOTHING for idempotency - an event whose seq is
// already stored is silently ignored.
func (s *Store) WriteEvent(ctx context.Context, id string, ev engine.Event) error {
	if ev.New == nil {
		return fmt.Errorf("write event seq %d: new value is required", ev.Seq)
	}
	oldJSON, err := marshalValue(ev.Old)
	if err != nil {
		return fmt.Errorf("write event seq %d: %w", ev.Seq, err)
	}
	newJSON, err := marshalValue(ev.New)
	if err != nil {
		return fmt.Errorf("write event seq %d: %w", ev.Seq, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO change_events
		(id, seq, point_name, old_value, new_value, value_kind, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		id,
		ev.Seq,
		ev.Name,
		oldJSON,
		newJSON.String,
		ev.New.Kind().String(),
		formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("write event seq %d: %w", ev.Seq, err)
	}
	return nil
}

// RecentEvents returns the last limit events, optionally for one point
// (empty pointName means all points), in ascending seq order.
// A limit <= 0 returns every matching event.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) RecentEvents(ctx context.Context, pointName string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, point_name, old_value, new_value, value_kind, observed_at
		FROM (
			SELECT * FROM change_events
			WHERE ? = '' OR point_name = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`, pointName, pointName, limit)
	if err != nil {
		return nil, fmt.Errorf("query change events: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change events: %w", err)
	}
	return records, nil
}

// MaxSeq returns the highest stored seq, or 0 for an empty log.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM change_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return seq.Int64, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count change events: %w", err)
	}
	return n, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec      Record
		oldJSON  sql.NullString
		newJSON  string
		kindText string
		observed string
	)
	if err := rows.Scan(&rec.ID, &rec.Seq, &rec.Point, &oldJSON, &newJSON, &kindText, &observed); err != nil {
		return Record{}, fmt.Errorf("scan change event: %w", err)
	}

	kind, err := parseKind(kindText)
	if err != nil {
		return Record{}, fmt.Errorf("event seq %d: %w", rec.Seq, err)
	}
	rec.Kind = kind
	if rec.Old, err = unmarshalValue(oldJSON, kind); err != nil {
		return Record{}, fmt.Errorf("event seq %d: %w", rec.Seq, err)
	}
	if rec.New, err = unmarshalValue(sql.NullString{String: newJSON, Valid: true}, kind); err != nil {
		return Record{}, fmt.Errorf("event seq %d: %w", rec.Seq, err)
	}
	if rec.ObservedAt, err = parseTime(observed); err != nil {
		return Record{}, fmt.Errorf("event seq %d: %w", rec.Seq, err)
	}
	return rec, nil
}
