package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const eventColumns = `id, app, event_type, event_time, bucket_start, trial_count, baseline, threshold, dedup_key`

// InsertEvent records a trigger event and sets its ID. A row with the same
// dedup key makes the insert a no-op and returns ErrDuplicateEvent.
func (db *DB) InsertEvent(ctx context.Context, ev *TriggerEvent) error {
	var id int64
	err := db.conn.QueryRowxContext(ctx, db.conn.Rebind(
		`INSERT INTO TrialTriggerEvents
		(app, event_type, event_time, bucket_start, trial_count, baseline, threshold, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING id`),
		ev.App, ev.EventType, ev.EventTime.UTC(), ev.BucketStart.UTC(),
		ev.TrialCount, ev.Baseline, ev.Threshold, ev.DedupKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("inserting trigger event: %w", err)
	}
	ev.ID = id
	return nil
}

// CountEventsSince counts events of one cadence for app with event_time >= since.
func (db *DB) CountEventsSince(ctx context.Context, app string, cadence Cadence, since time.Time) (int, error) {
	var n int
	err := db.conn.GetContext(ctx, &n, db.conn.Rebind(
		`SELECT COUNT(*) FROM TrialTriggerEvents
		WHERE app = ? AND event_type = ? AND event_time >= ?`),
		app, cadence, since.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("counting trigger events: %w", err)
	}
	return n, nil
}

// LatestEventSince returns the most recent event of one cadence for app with
// event_time >= since, or nil if there is none.
func (db *DB) LatestEventSince(ctx context.Context, app string, cadence Cadence, since time.Time) (*TriggerEvent, error) {
	var ev TriggerEvent
	err := db.conn.GetContext(ctx, &ev, db.conn.Rebind(
		`SELECT `+eventColumns+` FROM TrialTriggerEvents
		WHERE app = ? AND event_type = ? AND event_time >= ?
		ORDER BY event_time DESC, id DESC LIMIT 1`),
		app, cadence, since.UTC(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest trigger event: %w", err)
	}
	return &ev, nil
}

// GetEvent returns a single event by ID, or nil if it does not exist.
func (db *DB) GetEvent(ctx context.Context, id int64) (*TriggerEvent, error) {
	var ev TriggerEvent
	err := db.conn.GetContext(ctx, &ev, db.conn.Rebind(
		`SELECT `+eventColumns+` FROM TrialTriggerEvents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading trigger event %d: %w", id, err)
	}
	return &ev, nil
}

// ListEvents returns the most recent events, newest first. An empty app
// lists every app.
func (db *DB) ListEvents(ctx context.Context, app string, limit int) ([]TriggerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM TrialTriggerEvents`
	var args []any
	if app != "" {
		query += " WHERE app = ?"
		args = append(args, app)
	}
	query += " ORDER BY event_time DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var events []TriggerEvent
	if err := db.conn.SelectContext(ctx, &events, db.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing trigger events: %w", err)
	}
	return events, nil
}
