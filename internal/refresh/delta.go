package refresh

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/trialwatch/internal/database"
	"github.com/TobiSchelling/trialwatch/internal/fetch"
)

// ErrNegativeViews rejects a refresh whose view count went down. Platforms
// never decrease views, so this means the previous row or the fetch is wrong.
var ErrNegativeViews = errors.New("negative view delta")

// AppLabel is the app value used on video rows: the capitalized app name.
func AppLabel(app string) string {
	if app == "" {
		return ""
	}
	return strings.ToUpper(app[:1]) + app[1:]
}

// ComputeDelta compares the previous snapshot against freshly fetched
// metrics. A field whose previous value is NULL has a NULL delta.
func ComputeDelta(eventID int64, prev database.VideoSnapshot, cur fetch.Metrics) database.MetricDelta {
	d := database.MetricDelta{
		TriggerEventID:     eventID,
		PostURL:            prev.PostURL,
		CreatorUsername:    prev.CreatorUsername,
		MarketingAssociate: prev.MarketingAssociate,
	}
	d.OldViews, d.NewViews, d.DeltaViews = diff(prev.ViewCount, cur.Views)
	d.OldComments, d.NewComments, d.DeltaComments = diff(prev.CommentCount, cur.Comments)
	d.OldLikes, d.NewLikes, d.DeltaLikes = diff(prev.NumLikes, cur.Likes)
	d.OldShares, d.NewShares, d.DeltaShares = diff(prev.NumShares, cur.Shares)
	return d
}

func diff(old *int64, cur int64) (o, n, d *int64) {
	n = &cur
	if old == nil {
		return nil, n, nil
	}
	o = old
	delta := cur - *old
	return o, n, &delta
}

// Validate checks a delta before it is persisted.
func Validate(d database.MetricDelta) error {
	if d.DeltaViews != nil && *d.DeltaViews < 0 {
		return fmt.Errorf("%w: %s went from %d to %d views",
			ErrNegativeViews, d.PostURL, *d.OldViews, *d.NewViews)
	}
	return nil
}

// NextSnapshot builds the snapshot that becomes the post's new baseline.
// Identity fields carry over from prev; the creator name is refreshed when
// the provider reports one.
func NextSnapshot(prev database.VideoSnapshot, cur fetch.Metrics, at time.Time) database.VideoSnapshot {
	next := database.VideoSnapshot{
		PostURL:            prev.PostURL,
		CreatorUsername:    prev.CreatorUsername,
		MarketingAssociate: prev.MarketingAssociate,
		App:                prev.App,
		ViewCount:          &cur.Views,
		CommentCount:       &cur.Comments,
		NumLikes:           &cur.Likes,
		NumShares:          &cur.Shares,
		Caption:            prev.Caption,
		CreateTime:         prev.CreateTime,
		LogTime:            at.UTC(),
	}
	if cur.Username != "" {
		name := cur.Username
		next.CreatorUsername = &name
	}
	return next
}
