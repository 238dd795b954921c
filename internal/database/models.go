package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Cadence is the detector that produced a trigger event.
type Cadence string

const (
	Hourly Cadence = "hourly"
	Daily  Cadence = "daily"
)

// TriggerEvent is a persisted signup anomaly. Rows are never updated or deleted.
type TriggerEvent struct {
	ID          int64     `db:"id"`
	App         string    `db:"app"`
	EventType   Cadence   `db:"event_type"`
	EventTime   time.Time `db:"event_time"`
	BucketStart time.Time `db:"bucket_start"`
	TrialCount  int       `db:"trial_count"`
	Baseline    float64   `db:"baseline"`
	Threshold   float64   `db:"threshold"`
	DedupKey    string    `db:"dedup_key"`
}

// VideoSnapshot is one row of the append-only post metrics log.
// Counts are nullable because rows are also written by the upload tooling.
type VideoSnapshot struct {
	ID                 int64      `db:"id"`
	PostURL            string     `db:"post_url"`
	CreatorUsername    *string    `db:"creator_username"`
	MarketingAssociate *string    `db:"marketing_associate"`
	App                string     `db:"app"`
	ViewCount          *int64     `db:"view_count"`
	CommentCount       *int64     `db:"comment_count"`
	NumLikes           *int64     `db:"num_likes"`
	NumShares          *int64     `db:"num_shares"`
	Caption            *string    `db:"caption"`
	CreateTime         *time.Time `db:"create_time"`
	LogTime            time.Time  `db:"log_time"`
}

// MetricDelta records how one post moved between its last snapshot and the
// refresh triggered by an event.
type MetricDelta struct {
	ID                 int64      `db:"id"`
	TriggerEventID     int64      `db:"trial_trigger_event_id"`
	PostURL            string     `db:"post_url"`
	CreatorUsername    *string    `db:"creator_username"`
	MarketingAssociate *string    `db:"marketing_associate"`
	OldViews           *int64     `db:"old_view_count"`
	NewViews           *int64     `db:"new_view_count"`
	DeltaViews         *int64     `db:"delta_views"`
	OldComments        *int64     `db:"old_comment_count"`
	NewComments        *int64     `db:"new_comment_count"`
	DeltaComments      *int64     `db:"delta_comments"`
	OldLikes           *int64     `db:"old_likes"`
	NewLikes           *int64     `db:"new_likes"`
	DeltaLikes         *int64     `db:"delta_likes"`
	OldShares          *int64     `db:"old_shares"`
	NewShares          *int64     `db:"new_shares"`
	DeltaShares        *int64     `db:"delta_shares"`
	AppComments        StringList `db:"app_comments"`
	CreatedAt          time.Time  `db:"created_at"`
}

// StringList is stored as a JSON array in a TEXT column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("scanning StringList: unsupported type %T", src)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// Stats contains aggregate database statistics.
type Stats struct {
	Trials        int `db:"trials"`
	TriggerEvents int `db:"trigger_events"`
	Snapshots     int `db:"snapshots"`
	Deltas        int `db:"deltas"`
	TrackedPosts  int `db:"tracked_posts"`
}
