// Package notify composes trigger event summaries and delivers them.
package notify

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/trialwatch/internal/database"
	"github.com/TobiSchelling/trialwatch/internal/rank"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Summary is what a notification says about one trigger event.
type Summary struct {
	App        string
	EventID    int64
	Cadence    database.Cadence
	EventTime  time.Time
	Bucket     time.Time
	TrialCount int
	Baseline   float64
	Threshold  float64
	Top        []rank.Ranked
}

// NewSummary builds a summary from an event and its ranked posts.
func NewSummary(ev database.TriggerEvent, top []rank.Ranked) Summary {
	return Summary{
		App:        ev.App,
		EventID:    ev.ID,
		Cadence:    ev.EventType,
		EventTime:  ev.EventTime,
		Bucket:     ev.BucketStart,
		TrialCount: ev.TrialCount,
		Baseline:   ev.Baseline,
		Threshold:  ev.Threshold,
		Top:        top,
	}
}

// Compose renders the subject line and a markdown body.
func Compose(s Summary) (subject, body string) {
	app := titleCase(s.App)
	subject = fmt.Sprintf("%s: %d trials (%s spike)", app, s.TrialCount, s.Cadence)

	var b strings.Builder
	fmt.Fprintf(&b, "# Trial spike for %s\n\n", app)
	fmt.Fprintf(&b, "**%d** trials %s, above the threshold of %.1f (baseline %.1f).\n\n",
		s.TrialCount, period(s), s.Threshold, s.Baseline)
	fmt.Fprintf(&b, "Event #%d, detected %s.\n\n", s.EventID, s.EventTime.UTC().Format("2006-01-02 15:04 MST"))

	if len(s.Top) == 0 {
		b.WriteString("No posts could be refreshed for this event.\n")
		return subject, b.String()
	}

	b.WriteString("## Top posts\n\n")
	b.WriteString("| # | Post | Creator | Associate | Views | Comments | Likes | Shares | Score |\n")
	b.WriteString("|---|------|---------|-----------|------:|---------:|------:|-------:|------:|\n")
	for i, r := range s.Top {
		fmt.Fprintf(&b, "| %d | [link](%s) | %s | %s | %s | %s | %s | %s | %.1f%% |\n",
			i+1, r.PostURL, cell(r.CreatorUsername), cell(r.MarketingAssociate),
			signed(r.DeltaViews), signed(r.DeltaComments), signed(r.DeltaLikes), signed(r.DeltaShares),
			r.Score)
	}

	for i, r := range s.Top {
		if len(r.AppComments) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n### Comments on post %d\n\n", i+1)
		for _, c := range r.AppComments {
			fmt.Fprintf(&b, "> %s\n>\n", strings.ReplaceAll(strings.TrimSpace(c), "\n", " "))
		}
	}
	return subject, b.String()
}

// RenderHTML converts markdown to HTML.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}

func period(s Summary) string {
	if s.Cadence == database.Daily {
		return "on " + s.Bucket.UTC().Format("2006-01-02")
	}
	return "in the hour from " + s.Bucket.UTC().Format("15:04") + " UTC"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func cell(p *string) string {
	if p == nil || *p == "" {
		return "-"
	}
	return strings.ReplaceAll(*p, "|", "/")
}

func signed(p *int64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%+d", *p)
}
