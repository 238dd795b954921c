package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const snapshotColumns = `id, post_url, creator_username, marketing_associate, app,
	view_count, comment_count, num_likes, num_shares, caption, create_time, log_time`

// InsertSnapshot appends a post snapshot and sets its ID.
func (db *DB) InsertSnapshot(ctx context.Context, s *VideoSnapshot) error {
	return insertSnapshot(ctx, db.conn, s)
}

func insertSnapshot(ctx context.Context, q sqlx.ExtContext, s *VideoSnapshot) error {
	var createTime *time.Time
	if s.CreateTime != nil {
		t := s.CreateTime.UTC()
		createTime = &t
	}
	err := q.QueryRowxContext(ctx, q.Rebind(
		`INSERT INTO DailyVideoData
		(post_url, creator_username, marketing_associate, app, view_count, comment_count,
		 num_likes, num_shares, caption, create_time, log_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		s.PostURL, s.CreatorUsername, s.MarketingAssociate, s.App, s.ViewCount, s.CommentCount,
		s.NumLikes, s.NumShares, s.Caption, createTime, s.LogTime.UTC(),
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("inserting snapshot for %s: %w", s.PostURL, err)
	}
	return nil
}

// LatestSnapshots returns, for every post of app created at or after since,
// the snapshot with the newest log_time. Posts without a create_time are
// excluded. Results are ordered by create_time, newest first.
func (db *DB) LatestSnapshots(ctx context.Context, app string, since time.Time) ([]VideoSnapshot, error) {
	var snaps []VideoSnapshot
	err := db.conn.SelectContext(ctx, &snaps, db.conn.Rebind(
		`SELECT `+snapshotColumns+` FROM (
			SELECT `+snapshotColumns+`,
				ROW_NUMBER() OVER (PARTITION BY post_url ORDER BY log_time DESC, id DESC) AS rn
			FROM DailyVideoData
			WHERE app = ? AND create_time IS NOT NULL AND create_time >= ?
		) latest
		WHERE rn = 1
		ORDER BY create_time DESC, post_url`),
		app, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("loading latest snapshots for %s: %w", app, err)
	}
	return snaps, nil
}

// SnapshotHistory returns every snapshot of one post, oldest first.
func (db *DB) SnapshotHistory(ctx context.Context, postURL string) ([]VideoSnapshot, error) {
	var snaps []VideoSnapshot
	err := db.conn.SelectContext(ctx, &snaps, db.conn.Rebind(
		`SELECT `+snapshotColumns+` FROM DailyVideoData WHERE post_url = ? ORDER BY log_time, id`),
		postURL,
	)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot history: %w", err)
	}
	return snaps, nil
}

// RecordRefresh writes the delta for a refreshed post together with the new
// snapshot that becomes its baseline. Both rows are written or neither is.
func (db *DB) RecordRefresh(ctx context.Context, d *MetricDelta, s *VideoSnapshot) (err error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = insertDelta(ctx, tx, d); err != nil {
		return err
	}
	if err = insertSnapshot(ctx, tx, s); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh: %w", err)
	}
	return nil
}
