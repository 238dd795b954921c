// Package rank orders the posts refreshed for an event by weighted
// engagement growth.
package rank

import (
	"context"
	"fmt"
	"sort"

	"github.com/TobiSchelling/trialwatch/internal/database"
)

// Engagement weights applied to metric deltas.
const (
	ViewWeight    = 1
	CommentWeight = 1
	LikeWeight    = 5
	ShareWeight   = 10
)

// DefaultTopN is how many posts a summary lists.
const DefaultTopN = 3

// Ranked is a delta with its share of the event's total weighted growth.
type Ranked struct {
	database.MetricDelta
	Raw   int64
	Score float64
}

// DeltaSource loads the deltas recorded for an event.
type DeltaSource interface {
	DeltasForEvent(ctx context.Context, eventID int64) ([]database.MetricDelta, error)
}

// Service ranks deltas from a DeltaSource.
type Service struct {
	source DeltaSource
}

// NewService creates a ranking service.
func NewService(source DeltaSource) *Service {
	return &Service{source: source}
}

// TopN returns the n highest scoring posts for eventID.
func (s *Service) TopN(ctx context.Context, eventID int64, n int) ([]Ranked, error) {
	deltas, err := s.source.DeltasForEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("loading deltas for event %d: %w", eventID, err)
	}
	return Top(Score(deltas), n), nil
}

// Raw is the weighted growth of one delta. Missing deltas count as zero.
func Raw(d database.MetricDelta) int64 {
	return ViewWeight*val(d.DeltaViews) +
		CommentWeight*val(d.DeltaComments) +
		LikeWeight*val(d.DeltaLikes) +
		ShareWeight*val(d.DeltaShares)
}

// Score normalizes each delta's raw growth to a percentage of the total,
// sorted by raw growth descending. Ties keep their input order. When the
// total is not positive every score is zero.
func Score(deltas []database.MetricDelta) []Ranked {
	out := make([]Ranked, len(deltas))
	var total int64
	for i, d := range deltas {
		out[i] = Ranked{MetricDelta: d, Raw: Raw(d)}
		total += out[i].Raw
	}
	if total > 0 {
		for i := range out {
			out[i].Score = float64(out[i].Raw) / float64(total) * 100
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Raw > out[j].Raw })
	return out
}

// Top returns at most n leading entries.
func Top(ranked []Ranked, n int) []Ranked {
	if n < 0 {
		n = 0
	}
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func val(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
