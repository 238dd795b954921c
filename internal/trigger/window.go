package trigger

import (
	"fmt"
	"sort"
	"time"

	"github.com/TobiSchelling/trialwatch/internal/config"
	"github.com/TobiSchelling/trialwatch/internal/database"
)

// Rule parameterizes one detector. Hourly and daily detection differ only
// in these values.
type Rule struct {
	Cadence database.Cadence
	Step    time.Duration
	Window  int
	// IncludeInProgress makes the last bucket the one containing now.
	// Otherwise the window ends at the most recently completed bucket.
	IncludeInProgress bool
	Multiplier        float64
	Offset            float64
	// PeakLookback is how many preceding buckets the current one must
	// strictly exceed.
	PeakLookback int
	// Cooldown blocks a new event while one of the same cadence exists
	// within this trailing duration.
	Cooldown time.Duration
	// SameDayJump, when positive, replaces time-based cooldown: after an
	// event today, the count must exceed that event's count + threshold + jump.
	SameDayJump float64
}

// HourlyRule is the active detector: 72 completed hours, median×1.35+4,
// local peak over two buckets, three hour cooldown.
func HourlyRule() Rule {
	return Rule{
		Cadence:      database.Hourly,
		Step:         time.Hour,
		Window:       72,
		Multiplier:   1.35,
		Offset:       4,
		PeakLookback: 2,
		Cooldown:     3 * time.Hour,
	}
}

// DailyRule is the retained daily detector: 30 days including today,
// median×0.75, magnitude-based same-day cooldown of 200.
func DailyRule() Rule {
	return Rule{
		Cadence:           database.Daily,
		Step:              24 * time.Hour,
		Window:            30,
		IncludeInProgress: true,
		Multiplier:        0.75,
		SameDayJump:       200,
	}
}

// RuleFromConfig overlays configured tunables on the cadence defaults.
func RuleFromConfig(cadence database.Cadence, c config.Cadence) Rule {
	r := HourlyRule()
	if cadence == database.Daily {
		r = DailyRule()
	}
	r.Window = c.Window
	r.Multiplier = c.Multiplier
	r.Offset = c.Offset
	r.PeakLookback = c.PeakLookback
	r.Cooldown = c.Cooldown
	r.SameDayJump = c.SameDayJump
	return r
}

// Bounds returns the [start, end) span of the window evaluated at now.
func (r Rule) Bounds(now time.Time) (start, end time.Time) {
	end = now.UTC().Truncate(r.Step)
	if r.IncludeInProgress {
		end = end.Add(r.Step)
	}
	start = end.Add(-time.Duration(r.Window) * r.Step)
	return start, end
}

// DedupKey identifies the event a detection would record. Two evaluations
// producing the same key are the same detection.
func (r Rule) DedupKey(app string, bucket time.Time, count int) string {
	key := fmt.Sprintf("%s/%s/%s", app, r.Cadence, bucket.UTC().Format(time.RFC3339))
	if r.SameDayJump > 0 {
		key += fmt.Sprintf("/%d", count)
	}
	return key
}

// Bucket is one time-aligned signup count.
type Bucket struct {
	Start time.Time
	Count int
}

// Bucketize counts times into n consecutive buckets of width step starting
// at start. Every bucket is present; times outside the span are ignored.
func Bucketize(start time.Time, step time.Duration, n int, times []time.Time) []Bucket {
	buckets := make([]Bucket, n)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * step)
	}
	for _, t := range times {
		if t.Before(start) {
			continue
		}
		i := int(t.Sub(start) / step)
		if i >= n {
			continue
		}
		buckets[i].Count++
	}
	return buckets
}

// Median returns the middle value of counts, or the mean of the two middle
// values for an even length. An empty slice has median 0.
func Median(counts []int) float64 {
	if len(counts) == 0 {
		return 0
	}
	sorted := make([]int, len(counts))
	copy(sorted, counts)
	sort.Ints(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}

// Decision is the statistical half of an evaluation, before cooldown.
type Decision struct {
	Current        int
	Median         float64
	Threshold      float64
	AboveThreshold bool
	LocalPeak      bool
}

// Eligible reports whether the counts alone warrant an event.
func (d Decision) Eligible() bool {
	return d.AboveThreshold && d.LocalPeak
}

// Decide evaluates the newest count against the median of all earlier ones.
func Decide(counts []int, r Rule) Decision {
	if len(counts) == 0 {
		return Decision{}
	}
	last := len(counts) - 1
	d := Decision{
		Current: counts[last],
		Median:  Median(counts[:last]),
	}
	d.Threshold = d.Median*r.Multiplier + r.Offset
	d.AboveThreshold = float64(d.Current) > d.Threshold

	d.LocalPeak = true
	for i := 1; i <= r.PeakLookback && last-i >= 0; i++ {
		if d.Current <= counts[last-i] {
			d.LocalPeak = false
			break
		}
	}
	return d
}

func counts(buckets []Bucket) []int {
	out := make([]int, len(buckets))
	for i, b := range buckets {
		out[i] = b.Count
	}
	return out
}
