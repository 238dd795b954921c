// Package fetch retrieves current engagement metrics for a social post.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/trialwatch/internal/apify"
	"github.com/TobiSchelling/trialwatch/internal/metrics"
)

var (
	// ErrUnsupported is returned for URLs on platforms the fetcher cannot
	// handle. No provider call is made.
	ErrUnsupported = errors.New("unsupported platform")
	// ErrProviderFailure wraps every error from the scraping provider.
	ErrProviderFailure = errors.New("metrics provider failure")
	// ErrMissingViews is returned when the provider item has no view count,
	// as for image posts.
	ErrMissingViews = errors.New("provider item has no view count")
)

const (
	tiktokActor    = "clockworks/free-tiktok-scraper"
	instagramActor = "apify/instagram-scraper"
)

// Platform is a supported social network.
type Platform string

const (
	TikTok    Platform = "tiktok"
	Instagram Platform = "instagram"
)

// Detect returns the platform a post URL belongs to, or "" if unsupported.
func Detect(postURL string) Platform {
	u := strings.ToLower(postURL)
	switch {
	case strings.Contains(u, "tiktok"):
		return TikTok
	case strings.Contains(u, "instagram"):
		return Instagram
	default:
		return ""
	}
}

// Metrics is a post's engagement at fetch time.
type Metrics struct {
	Username string
	Views    int64
	Comments int64
	Likes    int64
	Shares   int64
}

// ActorRunner runs a provider actor and returns its dataset items.
type ActorRunner interface {
	RunActor(ctx context.Context, actorID string, input any) ([]json.RawMessage, error)
}

// MetricsFetcher maps post URLs to provider actors.
type MetricsFetcher struct {
	runner ActorRunner
}

// NewMetricsFetcher creates a fetcher over runner.
func NewMetricsFetcher(runner ActorRunner) *MetricsFetcher {
	return &MetricsFetcher{runner: runner}
}

// Fetch returns the current metrics of postURL.
func (f *MetricsFetcher) Fetch(ctx context.Context, postURL string) (*Metrics, error) {
	platform := Detect(postURL)
	if platform == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, postURL)
	}

	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(string(platform)).Observe(time.Since(start).Seconds())
	}()

	var (
		m   *Metrics
		err error
	)
	switch platform {
	case TikTok:
		m, err = f.fetchTikTok(ctx, postURL)
	case Instagram:
		m, err = f.fetchInstagram(ctx, postURL)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderFailure, postURL, err)
	}
	return m, nil
}

type tiktokItem struct {
	PlayCount    *int64 `json:"playCount"`
	CommentCount int64  `json:"commentCount"`
	DiggCount    int64  `json:"diggCount"`
	ShareCount   int64  `json:"shareCount"`
	AuthorMeta   struct {
		Name string `json:"name"`
	} `json:"authorMeta"`
}

func (f *MetricsFetcher) fetchTikTok(ctx context.Context, postURL string) (*Metrics, error) {
	input := map[string]any{
		"excludePinnedPosts":            true,
		"postURLs":                      []string{postURL},
		"resultsPerPage":                1,
		"shouldDownloadCovers":          false,
		"shouldDownloadSlideshowImages": false,
		"shouldDownloadSubtitles":       false,
		"shouldDownloadVideos":          false,
		"searchSection":                 "",
		"maxProfilesPerQuery":           10,
	}
	var item tiktokItem
	if err := f.first(ctx, tiktokActor, input, &item); err != nil {
		return nil, err
	}
	if item.PlayCount == nil {
		return nil, ErrMissingViews
	}
	return &Metrics{
		Username: item.AuthorMeta.Name,
		Views:    *item.PlayCount,
		Comments: item.CommentCount,
		Likes:    item.DiggCount,
		Shares:   item.ShareCount,
	}, nil
}

type instagramItem struct {
	VideoPlayCount *int64 `json:"videoPlayCount"`
	CommentsCount  int64  `json:"commentsCount"`
	LikesCount     int64  `json:"likesCount"`
	OwnerUsername  string `json:"ownerUsername"`
}

func (f *MetricsFetcher) fetchInstagram(ctx context.Context, postURL string) (*Metrics, error) {
	input := map[string]any{
		"addParentData":                     false,
		"directUrls":                        []string{postURL},
		"enhanceUserSearchWithFacebookPage": false,
		"isUserReelFeedURL":                 false,
		"isUserTaggedFeedURL":               false,
		"resultsLimit":                      1,
		"resultsType":                       "details",
		"searchLimit":                       1,
		"searchType":                        "hashtag",
	}
	var item instagramItem
	if err := f.first(ctx, instagramActor, input, &item); err != nil {
		return nil, err
	}
	if item.VideoPlayCount == nil {
		return nil, ErrMissingViews
	}
	// The actor does not report shares.
	return &Metrics{
		Username: item.OwnerUsername,
		Views:    *item.VideoPlayCount,
		Comments: item.CommentsCount,
		Likes:    item.LikesCount,
	}, nil
}

// first runs actor and decodes the first dataset item into out.
func (f *MetricsFetcher) first(ctx context.Context, actor string, input any, out any) error {
	items, err := f.runner.RunActor(ctx, actor, input)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return apify.ErrEmptyDataset
	}
	if err := json.Unmarshal(items[0], out); err != nil {
		return fmt.Errorf("decoding %s item: %w", actor, err)
	}
	return nil
}
