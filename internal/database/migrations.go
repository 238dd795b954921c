package database

import (
	"database/sql"
	"strings"
)

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx, d Dialect) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx, d Dialect) error {
			_, err := tx.Exec(ddl(d, `
CREATE TABLE IF NOT EXISTS NewTrials (
    id {{serial}},
    app_name TEXT NOT NULL,
    original_purchase_date_dt {{timestamp}} NOT NULL
);

CREATE TABLE IF NOT EXISTS TrialTriggerEvents (
    id {{serial}},
    app TEXT NOT NULL,
    event_type TEXT NOT NULL DEFAULT 'hourly',
    event_time {{timestamp}} NOT NULL,
    bucket_start {{timestamp}} NOT NULL,
    trial_count INTEGER NOT NULL,
    baseline DOUBLE PRECISION NOT NULL DEFAULT 0,
    threshold DOUBLE PRECISION NOT NULL,
    dedup_key TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS DailyVideoData (
    id {{serial}},
    post_url TEXT NOT NULL,
    creator_username TEXT,
    marketing_associate TEXT,
    app TEXT NOT NULL,
    view_count BIGINT,
    comment_count BIGINT,
    num_likes BIGINT,
    num_shares BIGINT,
    caption TEXT,
    create_time {{timestamp}},
    log_time {{timestamp}} NOT NULL
);

CREATE TABLE IF NOT EXISTS VideoMetricDeltas (
    id {{serial}},
    trial_trigger_event_id BIGINT NOT NULL REFERENCES TrialTriggerEvents(id),
    post_url TEXT NOT NULL,
    creator_username TEXT,
    marketing_associate TEXT,
    old_view_count BIGINT,
    new_view_count BIGINT,
    delta_views BIGINT,
    old_comment_count BIGINT,
    new_comment_count BIGINT,
    delta_comments BIGINT,
    old_likes BIGINT,
    new_likes BIGINT,
    delta_likes BIGINT,
    old_shares BIGINT,
    new_shares BIGINT,
    delta_shares BIGINT,
    app_comments TEXT,
    created_at {{timestamp}} NOT NULL,
    UNIQUE (trial_trigger_event_id, post_url)
);

CREATE INDEX IF NOT EXISTS idx_newtrials_app_time ON NewTrials(app_name, original_purchase_date_dt);
CREATE INDEX IF NOT EXISTS idx_trigger_events_app_time ON TrialTriggerEvents(app, event_type, event_time);
CREATE INDEX IF NOT EXISTS idx_video_data_app_url ON DailyVideoData(app, post_url, log_time);
`))
			return err
		},
	},
	{
		Version:     2,
		Description: "delta lookup by event",
		Up: func(tx *sql.Tx, d Dialect) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_metric_deltas_event ON VideoMetricDeltas(trial_trigger_event_id, id)`)
			return err
		},
	},
}

// ddl fills dialect-specific column types into a schema template.
func ddl(d Dialect, schema string) string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	timestamp := "DATETIME"
	if d == Postgres {
		serial = "BIGSERIAL PRIMARY KEY"
		timestamp = "TIMESTAMPTZ"
	}
	return strings.NewReplacer("{{serial}}", serial, "{{timestamp}}", timestamp).Replace(schema)
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
