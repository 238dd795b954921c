package rank

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/TobiSchelling/trialwatch/internal/database"
)

func num(n int64) *int64 { return &n }

func delta(url string, views, comments, likes, shares *int64) database.MetricDelta {
	return database.MetricDelta{
		PostURL:       url,
		DeltaViews:    views,
		DeltaComments: comments,
		DeltaLikes:    likes,
		DeltaShares:   shares,
	}
}

type fakeSource struct {
	deltas []database.MetricDelta
	err    error
}

func (f *fakeSource) DeltasForEvent(context.Context, int64) ([]database.MetricDelta, error) {
	return f.deltas, f.err
}

func TestRawWeights(t *testing.T) {
	d := delta("a", num(100), num(10), num(4), num(2))
	if got := Raw(d); got != 100+10+20+20 {
		t.Errorf("unexpected raw %d", got)
	}
	if got := Raw(delta("b", nil, nil, nil, nil)); got != 0 {
		t.Errorf("nil deltas should count as zero, got %d", got)
	}
}

func TestScoreNormalizes(t *testing.T) {
	ranked := Score([]database.MetricDelta{
		delta("low", num(50), nil, nil, nil),
		delta("zero", num(0), num(0), num(0), num(0)),
		delta("high", num(100), nil, nil, nil),
	})

	want := []struct {
		url   string
		score float64
	}{
		{"high", 100.0 / 150 * 100},
		{"low", 50.0 / 150 * 100},
		{"zero", 0},
	}
	for i, w := range want {
		if ranked[i].PostURL != w.url {
			t.Errorf("position %d: expected %s, got %s", i, w.url, ranked[i].PostURL)
		}
		if math.Abs(ranked[i].Score-w.score) > 1e-9 {
			t.Errorf("%s: expected %.4f, got %.4f", w.url, w.score, ranked[i].Score)
		}
	}

	var sum float64
	for _, r := range ranked {
		sum += r.Score
	}
	if math.Abs(sum-100) > 1e-9 {
		t.Errorf("scores should sum to 100, got %v", sum)
	}
}

func TestScoreAllZero(t *testing.T) {
	ranked := Score([]database.MetricDelta{
		delta("a", num(0), nil, nil, nil),
		delta("b", nil, nil, nil, nil),
	})
	for _, r := range ranked {
		if r.Score != 0 {
			t.Errorf("%s: expected 0, got %v", r.PostURL, r.Score)
		}
	}
	if ranked[0].PostURL != "a" || ranked[1].PostURL != "b" {
		t.Error("zero scores should keep input order")
	}
}

func TestScoreNegativeTotal(t *testing.T) {
	ranked := Score([]database.MetricDelta{
		delta("shrank", nil, nil, num(-4), nil),
		delta("grew", num(5), nil, nil, nil),
	})
	if ranked[0].PostURL != "grew" || ranked[1].PostURL != "shrank" {
		t.Errorf("expected growth first, got %s then %s", ranked[0].PostURL, ranked[1].PostURL)
	}
	if ranked[0].Raw != 5 || ranked[1].Raw != -20 {
		t.Errorf("unexpected raw values %d, %d", ranked[0].Raw, ranked[1].Raw)
	}
	for _, r := range ranked {
		if r.Score != 0 {
			t.Errorf("%s: expected 0 when the total is negative, got %v", r.PostURL, r.Score)
		}
	}
}

func TestScoreStableTies(t *testing.T) {
	ranked := Score([]database.MetricDelta{
		delta("first", num(10), nil, nil, nil),
		delta("second", nil, num(10), nil, nil),
		delta("third", num(5), nil, num(1), nil),
	})
	for i, url := range []string{"first", "second", "third"} {
		if ranked[i].PostURL != url {
			t.Errorf("position %d: expected %s, got %s", i, url, ranked[i].PostURL)
		}
	}
}

func TestTopN(t *testing.T) {
	src := &fakeSource{deltas: []database.MetricDelta{
		delta("a", num(1), nil, nil, nil),
		delta("b", num(4), nil, nil, nil),
		delta("c", num(3), nil, nil, nil),
		delta("d", num(2), nil, nil, nil),
	}}
	top, err := NewService(src).TopN(context.Background(), 1, DefaultTopN)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(top) != 3 || top[0].PostURL != "b" || top[1].PostURL != "c" || top[2].PostURL != "d" {
		t.Errorf("unexpected top: %+v", top)
	}

	short, _ := NewService(&fakeSource{deltas: src.deltas[:1]}).TopN(context.Background(), 1, 3)
	if len(short) != 1 {
		t.Errorf("expected 1 entry, got %d", len(short))
	}
}

func TestTopNSourceError(t *testing.T) {
	_, err := NewService(&fakeSource{err: errors.New("down")}).TopN(context.Background(), 7, 3)
	if err == nil {
		t.Error("expected error")
	}
}
