package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/TobiSchelling/trialwatch/internal/apify"
)

type fakeRunner struct {
	items []string
	err   error
	actor string
	input map[string]any
}

func (f *fakeRunner) RunActor(_ context.Context, actorID string, input any) ([]json.RawMessage, error) {
	f.actor = actorID
	f.input, _ = input.(map[string]any)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]json.RawMessage, len(f.items))
	for i, s := range f.items {
		out[i] = json.RawMessage(s)
	}
	return out, nil
}

func TestFetchCommentsTikTok(t *testing.T) {
	r := &fakeRunner{items: []string{`{"text": "just got the trial!"}`, `{"text": "  "}`, `{"text": "love it"}`}}
	got, err := NewCommentCollector(r, 0, nil).FetchComments(context.Background(), "https://www.tiktok.com/@a/video/1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "just got the trial!" {
		t.Errorf("unexpected comments %v", got)
	}
	if r.actor != "clockworks/tiktok-comments-scraper" {
		t.Errorf("unexpected actor %s", r.actor)
	}
	if r.input["commentsPerPost"] != 15 || r.input["maxRepliesPerComment"] != 2 {
		t.Errorf("unexpected input %v", r.input)
	}
}

func TestFetchCommentsInstagram(t *testing.T) {
	r := &fakeRunner{items: []string{`{"text": "which app?"}`}}
	got, err := NewCommentCollector(r, 5, nil).FetchComments(context.Background(), "https://www.instagram.com/reel/x/")
	if err != nil || len(got) != 1 {
		t.Fatalf("unexpected result %v (%v)", got, err)
	}
	if r.actor != "apify/instagram-comment-scraper" || r.input["resultsLimit"] != 5 {
		t.Errorf("unexpected call %s %v", r.actor, r.input)
	}
}

func TestFetchCommentsUnsupportedIsEmpty(t *testing.T) {
	r := &fakeRunner{}
	got, err := NewCommentCollector(r, 0, nil).FetchComments(context.Background(), "https://youtube.com/shorts/1")
	if err != nil || len(got) != 0 {
		t.Errorf("expected empty result, got %v (%v)", got, err)
	}
	if r.actor != "" {
		t.Error("expected no actor call")
	}
}

func TestFetchCommentsEmptyDataset(t *testing.T) {
	r := &fakeRunner{err: fmt.Errorf("running actor: %w", apify.ErrEmptyDataset)}
	got, err := NewCommentCollector(r, 0, nil).FetchComments(context.Background(), "https://tiktok.com/@a/video/1")
	if err != nil || len(got) != 0 {
		t.Errorf("expected empty result, got %v (%v)", got, err)
	}
}

func TestFetchCommentsProviderError(t *testing.T) {
	cause := errors.New("actor failed")
	_, err := NewCommentCollector(&fakeRunner{err: cause}, 0, nil).FetchComments(context.Background(), "https://tiktok.com/@a/video/1")
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}
