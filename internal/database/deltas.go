package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const deltaColumns = `id, trial_trigger_event_id, post_url, creator_username, marketing_associate,
	old_view_count, new_view_count, delta_views,
	old_comment_count, new_comment_count, delta_comments,
	old_likes, new_likes, delta_likes,
	old_shares, new_shares, delta_shares,
	app_comments, created_at`

// InsertDelta records a metric delta on its own.
func (db *DB) InsertDelta(ctx context.Context, d *MetricDelta) error {
	return insertDelta(ctx, db.conn, d)
}

func insertDelta(ctx context.Context, q sqlx.ExtContext, d *MetricDelta) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	err := q.QueryRowxContext(ctx, q.Rebind(
		`INSERT INTO VideoMetricDeltas
		(trial_trigger_event_id, post_url, creator_username, marketing_associate,
		 old_view_count, new_view_count, delta_views,
		 old_comment_count, new_comment_count, delta_comments,
		 old_likes, new_likes, delta_likes,
		 old_shares, new_shares, delta_shares,
		 app_comments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		d.TriggerEventID, d.PostURL, d.CreatorUsername, d.MarketingAssociate,
		d.OldViews, d.NewViews, d.DeltaViews,
		d.OldComments, d.NewComments, d.DeltaComments,
		d.OldLikes, d.NewLikes, d.DeltaLikes,
		d.OldShares, d.NewShares, d.DeltaShares,
		d.AppComments, d.CreatedAt.UTC(),
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("inserting delta for %s: %w", d.PostURL, err)
	}
	return nil
}

// DeltasForEvent returns the deltas recorded for a trigger event in insertion order.
func (db *DB) DeltasForEvent(ctx context.Context, eventID int64) ([]MetricDelta, error) {
	var deltas []MetricDelta
	err := db.conn.SelectContext(ctx, &deltas, db.conn.Rebind(
		`SELECT `+deltaColumns+` FROM VideoMetricDeltas WHERE trial_trigger_event_id = ? ORDER BY id`),
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading deltas for event %d: %w", eventID, err)
	}
	return deltas, nil
}

// GetStats returns aggregate row counts.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.conn.GetContext(ctx, &s, `SELECT
		(SELECT COUNT(*) FROM NewTrials) AS trials,
		(SELECT COUNT(*) FROM TrialTriggerEvents) AS trigger_events,
		(SELECT COUNT(*) FROM DailyVideoData) AS snapshots,
		(SELECT COUNT(*) FROM VideoMetricDeltas) AS deltas,
		(SELECT COUNT(DISTINCT post_url) FROM DailyVideoData) AS tracked_posts`)
	if err != nil {
		return nil, fmt.Errorf("getting stats: %w", err)
	}
	return &s, nil
}
