package pipeline

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/trialwatch/internal/database"
	"github.com/TobiSchelling/trialwatch/internal/logging"
	"github.com/TobiSchelling/trialwatch/internal/notify"
	"github.com/TobiSchelling/trialwatch/internal/rank"
	"github.com/TobiSchelling/trialwatch/internal/refresh"
)

// Refresher re-fetches post metrics for an event.
type Refresher interface {
	Run(ctx context.Context, event database.TriggerEvent) (*refresh.Result, error)
}

// Ranker returns the top posts of an event.
type Ranker interface {
	TopN(ctx context.Context, eventID int64, n int) ([]rank.Ranked, error)
}

// Cascade is the follow-up to a recorded trigger event:
// refresh, then rank, then notify.
type Cascade struct {
	refresher Refresher
	ranker    Ranker
	gateway   notify.Gateway
	topN      int
	logger    logging.Logger
}

// NewCascade creates a cascade. topN <= 0 uses rank.DefaultTopN.
func NewCascade(refresher Refresher, ranker Ranker, gateway notify.Gateway, topN int, logger logging.Logger) *Cascade {
	if topN <= 0 {
		topN = rank.DefaultTopN
	}
	return &Cascade{refresher: refresher, ranker: ranker, gateway: gateway, topN: topN, logger: logger}
}

// Fired implements trigger.Cascade.
func (c *Cascade) Fired(ctx context.Context, ev database.TriggerEvent) {
	c.Process(ctx, ev)
}

// Process runs every step for ev and reports each one. A failed refresh
// still ranks whatever deltas exist; a failed notification leaves all
// persisted rows in place.
func (c *Cascade) Process(ctx context.Context, ev database.TriggerEvent) []StepResult {
	log := c.logger.WithFields(logging.Fields{"app": ev.App, "event_id": ev.ID})
	var steps []StepResult

	log.Info("Step 1/3: Refreshing post metrics...")
	refreshed, err := c.refresher.Run(ctx, ev)
	if err != nil {
		log.WithError(err).Error("Refresh failed")
		steps = append(steps, StepResult{Name: "Refresh", Err: err})
	} else {
		steps = append(steps, StepResult{Name: "Refresh", Summary: refreshed.Summary()})
	}

	log.Info("Step 2/3: Ranking posts...")
	top, err := c.ranker.TopN(ctx, ev.ID, c.topN)
	if err != nil {
		log.WithError(err).Error("Ranking failed")
		steps = append(steps, StepResult{Name: "Rank", Err: err})
	} else {
		steps = append(steps, StepResult{Name: "Rank", Summary: fmt.Sprintf("Ranked top %d posts", len(top))})
	}

	log.Info("Step 3/3: Sending notification...")
	if err := notify.Deliver(ctx, c.gateway, notify.NewSummary(ev, top)); err != nil {
		log.WithError(err).Error("Notification failed")
		steps = append(steps, StepResult{Name: "Notify", Err: err})
	} else {
		steps = append(steps, StepResult{Name: "Notify", Summary: "Notification sent"})
	}
	return steps
}
