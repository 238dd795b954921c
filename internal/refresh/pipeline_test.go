package refresh

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/trialwatch/internal/database"
	"github.com/TobiSchelling/trialwatch/internal/fetch"
	"github.com/TobiSchelling/trialwatch/internal/logging"
)

var ctx = context.Background()

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeFetcher answers from a table keyed by URL; unknown URLs fail.
type fakeFetcher struct {
	metrics map[string]fetch.Metrics
	delay   time.Duration

	inFlight int32
	maxSeen  int32
	calls    int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, postURL string) (*fetch.Metrics, error) {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if fetch.Detect(postURL) == "" {
		return nil, fmt.Errorf("%w: %s", fetch.ErrUnsupported, postURL)
	}
	m, ok := f.metrics[postURL]
	if !ok {
		return nil, fmt.Errorf("%w: actor timed out", fetch.ErrProviderFailure)
	}
	return &m, nil
}

type memStore struct {
	mu       sync.Mutex
	snaps    []database.VideoSnapshot
	recorded []database.MetricDelta
	failURL  string
}

func (m *memStore) LatestSnapshots(context.Context, string, time.Time) ([]database.VideoSnapshot, error) {
	return m.snaps, nil
}

func (m *memStore) RecordRefresh(_ context.Context, d *database.MetricDelta, _ *database.VideoSnapshot) error {
	if d.PostURL == m.failURL {
		return errors.New("connection reset")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, *d)
	return nil
}

type fakeComments struct{ err error }

func (f fakeComments) RelevantComments(context.Context, string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []string{"what app is this?"}, nil
}

func snap(url string, views int64) database.VideoSnapshot {
	created := now.Add(-48 * time.Hour)
	return database.VideoSnapshot{
		PostURL:      url,
		App:          "Berry",
		ViewCount:    num(views),
		CommentCount: num(0),
		NumLikes:     num(0),
		NumShares:    num(0),
		CreateTime:   &created,
		LogTime:      now.Add(-24 * time.Hour),
	}
}

func newTestPipeline(store Store, f Fetcher, opts Options) *Pipeline {
	opts.Now = func() time.Time { return now }
	return New(store, f, logging.Discard(), opts)
}

func TestRunIsolatesUnitFailures(t *testing.T) {
	store := &memStore{
		snaps: []database.VideoSnapshot{
			snap("https://tiktok.com/@a/video/ok", 100),
			snap("https://youtube.com/shorts/x", 100),
			snap("https://tiktok.com/@a/video/missing", 100),
			snap("https://instagram.com/reel/shrunk", 500),
			snap("https://instagram.com/reel/storefail", 100),
		},
		failURL: "https://instagram.com/reel/storefail",
	}
	f := &fakeFetcher{metrics: map[string]fetch.Metrics{
		"https://tiktok.com/@a/video/ok":       {Views: 250},
		"https://instagram.com/reel/shrunk":    {Views: 400},
		"https://instagram.com/reel/storefail": {Views: 150},
	}}

	res, err := newTestPipeline(store, f, Options{Concurrency: 2}).Run(ctx, database.TriggerEvent{ID: 3, App: "berry"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Outcome{Persisted, Unsupported, FetchFailed, Rejected, StoreFailed}
	if len(res.Units) != len(want) {
		t.Fatalf("expected %d units, got %d", len(want), len(res.Units))
	}
	for i, w := range want {
		if res.Units[i].Outcome != w {
			t.Errorf("%s: expected %s, got %s (%v)", res.Units[i].PostURL, w, res.Units[i].Outcome, res.Units[i].Err)
		}
	}
	if !errors.Is(res.Units[3].Err, ErrNegativeViews) {
		t.Errorf("expected negative views error, got %v", res.Units[3].Err)
	}
	if len(store.recorded) != 1 || *store.recorded[0].DeltaViews != 150 {
		t.Errorf("expected one recorded delta of 150, got %+v", store.recorded)
	}
	if !strings.Contains(res.Summary(), "1 persisted") {
		t.Errorf("unexpected summary %q", res.Summary())
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	store := &memStore{}
	f := &fakeFetcher{metrics: map[string]fetch.Metrics{}, delay: 15 * time.Millisecond}
	for i := 0; i < 20; i++ {
		url := fmt.Sprintf("https://tiktok.com/@a/video/%d", i)
		store.snaps = append(store.snaps, snap(url, 10))
		f.metrics[url] = fetch.Metrics{Views: 20}
	}

	res, err := newTestPipeline(store, f, Options{Concurrency: 3}).Run(ctx, database.TriggerEvent{ID: 1, App: "berry"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&f.maxSeen); got > 3 {
		t.Errorf("expected at most 3 concurrent fetches, saw %d", got)
	}
	if res.Count(Persisted) != 20 || atomic.LoadInt32(&f.calls) != 20 {
		t.Errorf("expected every unit to finish, got %d persisted", res.Count(Persisted))
	}
}

func TestRunAttachesComments(t *testing.T) {
	store := &memStore{snaps: []database.VideoSnapshot{snap("https://tiktok.com/@a/video/1", 1)}}
	f := &fakeFetcher{metrics: map[string]fetch.Metrics{"https://tiktok.com/@a/video/1": {Views: 2}}}

	newTestPipeline(store, f, Options{Comments: fakeComments{}}).Run(ctx, database.TriggerEvent{ID: 1, App: "berry"})
	if len(store.recorded) != 1 || len(store.recorded[0].AppComments) != 1 {
		t.Fatalf("expected comments on delta, got %+v", store.recorded)
	}

	store.recorded = nil
	newTestPipeline(store, f, Options{Comments: fakeComments{err: errors.New("llm down")}}).
		Run(ctx, database.TriggerEvent{ID: 2, App: "berry"})
	if len(store.recorded) != 1 || store.recorded[0].AppComments != nil {
		t.Errorf("comment failure should persist without comments, got %+v", store.recorded)
	}
}

func TestRunAgainstDatabase(t *testing.T) {
	db := openTestDB(t)
	ev := &database.TriggerEvent{
		App: "berry", EventType: database.Hourly, EventTime: now, BucketStart: now.Add(-time.Hour),
		TrialCount: 5, Threshold: 4, DedupKey: "berry/hourly/test",
	}
	if err := db.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	fresh := snap("https://tiktok.com/@a/video/1", 100)
	old := snap("https://tiktok.com/@a/video/old", 100)
	stale := now.Add(-30 * 24 * time.Hour)
	old.CreateTime = &stale
	other := snap("https://tiktok.com/@b/video/2", 100)
	other.App = "Saga"
	for _, s := range []database.VideoSnapshot{fresh, old, other} {
		if err := db.InsertSnapshot(ctx, &s); err != nil {
			t.Fatalf("insert snapshot: %v", err)
		}
	}

	f := &fakeFetcher{metrics: map[string]fetch.Metrics{
		"https://tiktok.com/@a/video/1": {Username: "a", Views: 180, Comments: 3, Likes: 9, Shares: 1},
	}}
	res, err := newTestPipeline(db, f, Options{}).Run(ctx, *ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Units) != 1 || res.Units[0].Outcome != Persisted {
		t.Fatalf("expected one persisted unit, got %+v", res.Units)
	}

	deltas, err := db.DeltasForEvent(ctx, ev.ID)
	if err != nil || len(deltas) != 1 {
		t.Fatalf("expected one delta, got %d (%v)", len(deltas), err)
	}
	if *deltas[0].DeltaViews != 80 || *deltas[0].DeltaShares != 1 {
		t.Errorf("unexpected stored delta %+v", deltas[0])
	}

	history, _ := db.SnapshotHistory(ctx, fresh.PostURL)
	if len(history) != 2 || *history[1].ViewCount != 180 {
		t.Errorf("expected new baseline snapshot, got %+v", history)
	}
}
