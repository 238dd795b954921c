// Package refresh re-fetches metrics for an app's recent posts after a
// trigger event and records how each post moved.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/trialwatch/internal/database"
	"github.com/TobiSchelling/trialwatch/internal/fetch"
	"github.com/TobiSchelling/trialwatch/internal/logging"
	"github.com/TobiSchelling/trialwatch/internal/metrics"
)

// Outcome classifies one post's refresh.
type Outcome string

const (
	Persisted   Outcome = "persisted"
	FetchFailed Outcome = "fetch_failed"
	Unsupported Outcome = "unsupported"
	Rejected    Outcome = "rejected"
	StoreFailed Outcome = "store_failed"
)

// Store is the persistence the pipeline needs.
type Store interface {
	LatestSnapshots(ctx context.Context, app string, since time.Time) ([]database.VideoSnapshot, error)
	RecordRefresh(ctx context.Context, d *database.MetricDelta, s *database.VideoSnapshot) error
}

// Fetcher returns current metrics for a post.
type Fetcher interface {
	Fetch(ctx context.Context, postURL string) (*fetch.Metrics, error)
}

// CommentSource returns the comments of a post that talk about the apps.
type CommentSource interface {
	RelevantComments(ctx context.Context, postURL string) ([]string, error)
}

// Options tunes a Pipeline. Zero values take defaults.
type Options struct {
	Concurrency  int
	Lookback     time.Duration
	FetchTimeout time.Duration
	// Comments enables comment classification when set.
	Comments CommentSource
	Now      func() time.Time
}

// UnitResult is the outcome of refreshing one post.
type UnitResult struct {
	PostURL string
	Outcome Outcome
	Delta   *database.MetricDelta
	Err     error
}

// Result collects every unit of one refresh.
type Result struct {
	App     string
	EventID int64
	Units   []UnitResult
}

// Count returns how many units ended with outcome.
func (r *Result) Count(outcome Outcome) int {
	n := 0
	for _, u := range r.Units {
		if u.Outcome == outcome {
			n++
		}
	}
	return n
}

// Summary is a one-line tally for logs and step results.
func (r *Result) Summary() string {
	return fmt.Sprintf("%d posts: %d persisted, %d fetch failed, %d unsupported, %d rejected, %d store failed",
		len(r.Units), r.Count(Persisted), r.Count(FetchFailed), r.Count(Unsupported),
		r.Count(Rejected), r.Count(StoreFailed))
}

// Pipeline refreshes post metrics with bounded parallelism.
type Pipeline struct {
	store    Store
	fetcher  Fetcher
	comments CommentSource
	logger   logging.Logger

	concurrency  int
	lookback     time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
}

// New creates a refresh pipeline.
func New(store Store, fetcher Fetcher, logger logging.Logger, opts Options) *Pipeline {
	p := &Pipeline{
		store:        store,
		fetcher:      fetcher,
		comments:     opts.Comments,
		logger:       logger,
		concurrency:  opts.Concurrency,
		lookback:     opts.Lookback,
		fetchTimeout: opts.FetchTimeout,
		now:          opts.Now,
	}
	if p.concurrency < 1 {
		p.concurrency = 10
	}
	if p.lookback <= 0 {
		p.lookback = 21 * 24 * time.Hour
	}
	if p.fetchTimeout <= 0 {
		p.fetchTimeout = 45 * time.Second
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	return p
}

// Run refreshes every recent post of the event's app and returns once all
// units have finished. Only a failure to load candidates is returned as an
// error; per-post failures are recorded in the result.
func (p *Pipeline) Run(ctx context.Context, event database.TriggerEvent) (*Result, error) {
	log := p.logger.WithFields(logging.Fields{"app": event.App, "event_id": event.ID})
	since := p.now().Add(-p.lookback)

	snaps, err := p.store.LatestSnapshots(ctx, AppLabel(event.App), since)
	if err != nil {
		return nil, fmt.Errorf("loading refresh candidates: %w", err)
	}
	log.WithField("posts", len(snaps)).Info("Refreshing post metrics")

	result := &Result{App: event.App, EventID: event.ID, Units: make([]UnitResult, len(snaps))}

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, snap := range snaps {
		i, snap := i, snap
		g.Go(func() error {
			u := p.refreshOne(ctx, event, snap)
			metrics.RefreshUnits.WithLabelValues(event.App, string(u.Outcome)).Inc()
			result.Units[i] = u
			return nil
		})
	}
	_ = g.Wait()

	log.Info(result.Summary())
	return result, nil
}

func (p *Pipeline) refreshOne(ctx context.Context, event database.TriggerEvent, prev database.VideoSnapshot) UnitResult {
	u := UnitResult{PostURL: prev.PostURL}
	log := p.logger.WithFields(logging.Fields{"event_id": event.ID, "post_url": prev.PostURL})

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	cur, err := p.fetcher.Fetch(fetchCtx, prev.PostURL)
	cancel()
	if err != nil {
		u.Err = err
		if errors.Is(err, fetch.ErrUnsupported) {
			u.Outcome = Unsupported
			log.Debug("Skipping unsupported post")
		} else {
			u.Outcome = FetchFailed
			log.WithError(err).Warn("Fetching metrics failed")
		}
		return u
	}

	d := ComputeDelta(event.ID, prev, *cur)
	if err := Validate(d); err != nil {
		u.Outcome = Rejected
		u.Err = err
		log.WithError(err).Warn("Rejecting inconsistent refresh")
		return u
	}

	if p.comments != nil {
		commentCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
		relevant, err := p.comments.RelevantComments(commentCtx, prev.PostURL)
		cancel()
		if err != nil {
			log.WithError(err).Warn("Comment classification failed")
		} else {
			d.AppComments = relevant
		}
	}

	next := NextSnapshot(prev, *cur, p.now())
	if err := p.store.RecordRefresh(ctx, &d, &next); err != nil {
		u.Outcome = StoreFailed
		u.Err = err
		log.WithError(err).Error("Persisting refresh failed")
		return u
	}

	u.Outcome = Persisted
	u.Delta = &d
	return u
}
