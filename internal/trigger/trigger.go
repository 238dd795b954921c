// Package trigger detects signup anomalies per app and records them as
// trigger events.
package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/TobiSchelling/trialwatch/internal/database"
	"github.com/TobiSchelling/trialwatch/internal/logging"
	"github.com/TobiSchelling/trialwatch/internal/metrics"
)

// Store is the subset of the database the engine reads and writes.
type Store interface {
	TrialTimes(ctx context.Context, app string, from, to time.Time) ([]time.Time, error)
	CountEventsSince(ctx context.Context, app string, cadence database.Cadence, since time.Time) (int, error)
	LatestEventSince(ctx context.Context, app string, cadence database.Cadence, since time.Time) (*database.TriggerEvent, error)
	InsertEvent(ctx context.Context, ev *database.TriggerEvent) error
}

// Cascade runs the follow-up work for a recorded event.
type Cascade interface {
	Fired(ctx context.Context, ev database.TriggerEvent)
}

// Outcome labels an evaluation for logs and metrics.
type Outcome string

const (
	Fired          Outcome = "fired"
	BelowThreshold Outcome = "below_threshold"
	NotPeak        Outcome = "not_peak"
	Cooldown       Outcome = "cooldown"
	Duplicate      Outcome = "duplicate"
	Failed         Outcome = "error"
)

// Evaluation is the full record of one detector run.
type Evaluation struct {
	App      string
	Rule     Rule
	Buckets  []Bucket
	Decision Decision
	Outcome  Outcome
	Event    *database.TriggerEvent
	Err      error
}

// Engine evaluates detectors against a Store.
type Engine struct {
	store   Store
	cascade Cascade
	hourly  Rule
	daily   Rule
	logger  logging.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces the default hourly and daily rules.
func WithRules(hourly, daily Rule) Option {
	return func(e *Engine) {
		e.hourly = hourly
		e.daily = daily
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCascade sets the hook invoked after an event is recorded.
func WithCascade(c Cascade) Option {
	return func(e *Engine) { e.cascade = c }
}

// NewEngine creates an engine with the default rules and the wall clock.
func NewEngine(store Store, logger logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		hourly: HourlyRule(),
		daily:  DailyRule(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	return e
}

// EvaluateHourly runs the hourly detector for app and reports whether an
// event was recorded.
func (e *Engine) EvaluateHourly(ctx context.Context, app string) bool {
	return e.Evaluate(ctx, app, e.hourly).Outcome == Fired
}

// EvaluateDaily runs the daily detector for app and reports whether an
// event was recorded.
func (e *Engine) EvaluateDaily(ctx context.Context, app string) bool {
	return e.Evaluate(ctx, app, e.daily).Outcome == Fired
}

// Evaluate runs one detector. Store errors are logged and yield Failed;
// they never propagate.
func (e *Engine) Evaluate(ctx context.Context, app string, r Rule) *Evaluation {
	ev := &Evaluation{App: app, Rule: r}
	defer func() {
		metrics.TriggerEvaluations.WithLabelValues(app, string(r.Cadence), string(ev.Outcome)).Inc()
	}()

	now := e.now().UTC()
	start, end := r.Bounds(now)
	log := e.logger.WithFields(logging.Fields{"app": app, "cadence": r.Cadence})
	if r.Window < 1 || r.Step <= 0 {
		return e.fail(ev, log, "validating rule", errors.New("rule needs a positive window and step"))
	}

	times, err := e.store.TrialTimes(ctx, app, start, end)
	if err != nil {
		return e.fail(ev, log, "loading signups", err)
	}

	ev.Buckets = Bucketize(start, r.Step, r.Window, times)
	ev.Decision = Decide(counts(ev.Buckets), r)
	current := ev.Buckets[len(ev.Buckets)-1]
	d := ev.Decision

	log = log.WithFields(logging.Fields{
		"bucket":    current.Start.Format(time.RFC3339),
		"count":     d.Current,
		"median":    d.Median,
		"threshold": d.Threshold,
	})
	log.WithField("counts", counts(ev.Buckets)).Debug("Signup window")

	switch {
	case !d.AboveThreshold:
		ev.Outcome = BelowThreshold
		log.Info("No anomaly")
		return ev
	case !d.LocalPeak:
		ev.Outcome = NotPeak
		log.Info("Above threshold but not a local peak")
		return ev
	}

	blocked, err := e.cooldown(ctx, app, r, now, d)
	if err != nil {
		return e.fail(ev, log, "checking cooldown", err)
	}
	if blocked {
		ev.Outcome = Cooldown
		log.Info("Anomaly suppressed by cooldown")
		return ev
	}

	event := &database.TriggerEvent{
		App:         app,
		EventType:   r.Cadence,
		EventTime:   now,
		BucketStart: current.Start,
		TrialCount:  d.Current,
		Baseline:    d.Median,
		Threshold:   d.Threshold,
		DedupKey:    r.DedupKey(app, current.Start, d.Current),
	}
	if err := e.store.InsertEvent(ctx, event); err != nil {
		if errors.Is(err, database.ErrDuplicateEvent) {
			ev.Outcome = Duplicate
			log.Info("Anomaly already recorded by another evaluation")
			return ev
		}
		return e.fail(ev, log, "recording event", err)
	}

	ev.Outcome = Fired
	ev.Event = event
	log.WithField("event_id", event.ID).Warn("Trial spike detected")

	if e.cascade != nil {
		e.cascade.Fired(ctx, *event)
	}
	return ev
}

// Preview loads the window and computes the decision for app without
// checking cooldown or recording anything.
func (e *Engine) Preview(ctx context.Context, app string, r Rule) (*Evaluation, error) {
	if r.Window < 1 || r.Step <= 0 {
		return nil, errors.New("rule needs a positive window and step")
	}
	start, end := r.Bounds(e.now())
	times, err := e.store.TrialTimes(ctx, app, start, end)
	if err != nil {
		return nil, err
	}
	ev := &Evaluation{App: app, Rule: r, Buckets: Bucketize(start, r.Step, r.Window, times)}
	ev.Decision = Decide(counts(ev.Buckets), r)
	return ev, nil
}

// Rules returns the hourly and daily rules in use.
func (e *Engine) Rules() (hourly, daily Rule) {
	return e.hourly, e.daily
}

// cooldown reports whether an earlier event suppresses this one.
func (e *Engine) cooldown(ctx context.Context, app string, r Rule, now time.Time, d Decision) (bool, error) {
	if r.Cooldown > 0 {
		n, err := e.store.CountEventsSince(ctx, app, r.Cadence, now.Add(-r.Cooldown))
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	if r.SameDayJump > 0 {
		day := now.Truncate(24 * time.Hour)
		prev, err := e.store.LatestEventSince(ctx, app, r.Cadence, day)
		if err != nil {
			return false, err
		}
		if prev != nil {
			required := float64(prev.TrialCount) + d.Threshold + r.SameDayJump
			return float64(d.Current) <= required, nil
		}
	}
	return false, nil
}

func (e *Engine) fail(ev *Evaluation, log logging.Entry, action string, err error) *Evaluation {
	ev.Outcome = Failed
	ev.Err = err
	log.WithError(err).Errorf("Trigger evaluation failed while %s", action)
	return ev
}
