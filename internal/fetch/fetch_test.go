package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TobiSchelling/trialwatch/internal/apify"
)

type fakeRunner struct {
	items []string
	err   error
	calls []string
	input any
}

func (f *fakeRunner) RunActor(_ context.Context, actorID string, input any) ([]json.RawMessage, error) {
	f.calls = append(f.calls, actorID)
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	out := make([]json.RawMessage, len(f.items))
	for i, s := range f.items {
		out[i] = json.RawMessage(s)
	}
	return out, nil
}

func TestDetect(t *testing.T) {
	cases := map[string]Platform{
		"https://www.tiktok.com/@creator/video/123": TikTok,
		"https://www.instagram.com/reel/abc/":       Instagram,
		"https://WWW.INSTAGRAM.COM/p/xyz":           Instagram,
		"https://youtube.com/shorts/1":              "",
	}
	for url, want := range cases {
		if got := Detect(url); got != want {
			t.Errorf("Detect(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestFetchTikTok(t *testing.T) {
	r := &fakeRunner{items: []string{
		`{"playCount": 1200, "commentCount": 30, "diggCount": 400, "shareCount": 12, "authorMeta": {"name": "creator"}}`,
	}}
	m, err := NewMetricsFetcher(r).Fetch(context.Background(), "https://www.tiktok.com/@creator/video/1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Metrics{Username: "creator", Views: 1200, Comments: 30, Likes: 400, Shares: 12}
	if *m != want {
		t.Errorf("got %+v, want %+v", *m, want)
	}
	if len(r.calls) != 1 || r.calls[0] != "clockworks/free-tiktok-scraper" {
		t.Errorf("unexpected actor calls %v", r.calls)
	}
	input := r.input.(map[string]any)
	if input["resultsPerPage"] != 1 || input["shouldDownloadVideos"] != false {
		t.Errorf("unexpected input %v", input)
	}
}

func TestFetchInstagramHasNoShares(t *testing.T) {
	r := &fakeRunner{items: []string{
		`{"videoPlayCount": 900, "commentsCount": 8, "likesCount": 77, "ownerUsername": "ig_creator"}`,
	}}
	m, err := NewMetricsFetcher(r).Fetch(context.Background(), "https://www.instagram.com/reel/abc/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Metrics{Username: "ig_creator", Views: 900, Comments: 8, Likes: 77}
	if *m != want {
		t.Errorf("got %+v, want %+v", *m, want)
	}
	if r.calls[0] != "apify/instagram-scraper" {
		t.Errorf("unexpected actor %s", r.calls[0])
	}
	if r.input.(map[string]any)["resultsType"] != "details" {
		t.Errorf("unexpected input %v", r.input)
	}
}

func TestFetchMissingViewsIsProviderFailure(t *testing.T) {
	for _, tc := range []struct {
		url  string
		item string
	}{
		{"https://www.instagram.com/p/image/", `{"commentsCount": 3, "likesCount": 40, "ownerUsername": "ig_creator"}`},
		{"https://www.instagram.com/p/image/", `{"videoPlayCount": null, "likesCount": 40}`},
		{"https://www.tiktok.com/@a/photo/1", `{"commentCount": 3, "diggCount": 40}`},
	} {
		_, err := NewMetricsFetcher(&fakeRunner{items: []string{tc.item}}).Fetch(context.Background(), tc.url)
		if !errors.Is(err, ErrProviderFailure) || !errors.Is(err, ErrMissingViews) {
			t.Errorf("%s: expected provider failure for missing views, got %v", tc.item, err)
		}
	}
}

func TestFetchUnsupportedMakesNoCall(t *testing.T) {
	r := &fakeRunner{}
	_, err := NewMetricsFetcher(r).Fetch(context.Background(), "https://youtube.com/shorts/1")
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if errors.Is(err, ErrProviderFailure) {
		t.Error("unsupported must not be a provider failure")
	}
	if len(r.calls) != 0 {
		t.Errorf("expected no provider calls, got %v", r.calls)
	}
}

func TestFetchProviderErrorIsWrapped(t *testing.T) {
	cause := errors.New("actor crashed")
	_, err := NewMetricsFetcher(&fakeRunner{err: cause}).Fetch(context.Background(), "https://tiktok.com/@a/video/1")
	if !errors.Is(err, ErrProviderFailure) || !errors.Is(err, cause) {
		t.Errorf("expected wrapped provider failure, got %v", err)
	}
}

func TestFetchEmptyDatasetThroughClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := apify.NewClient("t", apify.WithBaseURL(srv.URL),
		apify.WithRetry(apify.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	_, err := NewMetricsFetcher(client).Fetch(context.Background(), "https://www.instagram.com/p/x")
	if !errors.Is(err, ErrProviderFailure) || !errors.Is(err, apify.ErrEmptyDataset) {
		t.Errorf("expected provider failure with empty dataset, got %v", err)
	}
}
