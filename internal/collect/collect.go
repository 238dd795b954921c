// Package collect gathers the public comments of social posts.
package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/TobiSchelling/trialwatch/internal/apify"
	"github.com/TobiSchelling/trialwatch/internal/fetch"
	"github.com/TobiSchelling/trialwatch/internal/logging"
)

const (
	instagramCommentActor = "apify/instagram-comment-scraper"
	tiktokCommentActor    = "clockworks/tiktok-comments-scraper"

	// DefaultPerPost is how many top-level comments are requested per post.
	DefaultPerPost = 15
)

// CommentCollector fetches comment text through provider actors.
type CommentCollector struct {
	runner  fetch.ActorRunner
	perPost int
	logger  logging.Logger
}

// NewCommentCollector creates a collector requesting perPost comments per post.
func NewCommentCollector(runner fetch.ActorRunner, perPost int, logger logging.Logger) *CommentCollector {
	if perPost <= 0 {
		perPost = DefaultPerPost
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &CommentCollector{runner: runner, perPost: perPost, logger: logger}
}

// FetchComments returns the comment texts of postURL. Posts on platforms
// without a comment actor, and posts without comments, yield an empty list.
func (c *CommentCollector) FetchComments(ctx context.Context, postURL string) ([]string, error) {
	var (
		actor string
		input map[string]any
	)
	switch fetch.Detect(postURL) {
	case fetch.Instagram:
		actor = instagramCommentActor
		input = map[string]any{
			"directUrls":   []string{postURL},
			"resultsLimit": c.perPost,
		}
	case fetch.TikTok:
		actor = tiktokCommentActor
		input = map[string]any{
			"postURLs":             []string{postURL},
			"commentsPerPost":      c.perPost,
			"maxRepliesPerComment": 2,
		}
	default:
		return nil, nil
	}

	items, err := c.runner.RunActor(ctx, actor, input)
	if errors.Is(err, apify.ErrEmptyDataset) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("collecting comments for %s: %w", postURL, err)
	}

	comments := make([]string, 0, len(items))
	for _, raw := range items {
		var item struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			c.logger.WithError(err).WithField("post_url", postURL).Debug("Skipping malformed comment item")
			continue
		}
		if text := strings.TrimSpace(item.Text); text != "" {
			comments = append(comments, text)
		}
	}
	c.logger.WithFields(logging.Fields{"post_url": postURL, "comments": len(comments)}).Debug("Collected comments")
	return comments, nil
}
