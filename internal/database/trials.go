package database

import (
	"context"
	"fmt"
	"time"
)

// InsertTrial records one trial purchase. The raw log is normally written by
// the billing webhook; this exists for backfills and tests.
func (db *DB) InsertTrial(ctx context.Context, app string, purchasedAt time.Time) error {
	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		`INSERT INTO NewTrials (app_name, original_purchase_date_dt) VALUES (?, ?)`),
		app, purchasedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting trial: %w", err)
	}
	return nil
}

// TrialTimes returns the purchase timestamps for app in [from, to), in UTC.
// Bucketing happens in the caller so the query stays portable.
func (db *DB) TrialTimes(ctx context.Context, app string, from, to time.Time) ([]time.Time, error) {
	var times []time.Time
	err := db.conn.SelectContext(ctx, &times, db.conn.Rebind(
		`SELECT original_purchase_date_dt FROM NewTrials
		WHERE app_name = ? AND original_purchase_date_dt >= ? AND original_purchase_date_dt < ?
		ORDER BY original_purchase_date_dt`),
		app, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("loading trials for %s: %w", app, err)
	}
	for i := range times {
		times[i] = times[i].UTC()
	}
	return times, nil
}
