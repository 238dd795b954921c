package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/trialwatch/internal/apify"
	"github.com/TobiSchelling/trialwatch/internal/collect"
	"github.com/TobiSchelling/trialwatch/internal/config"
	"github.com/TobiSchelling/trialwatch/internal/database"
	"github.com/TobiSchelling/trialwatch/internal/fetch"
	"github.com/TobiSchelling/trialwatch/internal/llm"
	"github.com/TobiSchelling/trialwatch/internal/logging"
	"github.com/TobiSchelling/trialwatch/internal/notify"
	"github.com/TobiSchelling/trialwatch/internal/rank"
	"github.com/TobiSchelling/trialwatch/internal/refresh"
	"github.com/TobiSchelling/trialwatch/internal/triage"
	"github.com/TobiSchelling/trialwatch/internal/trigger"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full run.
type Result struct {
	RunID   string
	Started time.Time
	Fired   int
	Steps   []StepResult
}

// Evaluator runs the detectors for one app.
type Evaluator interface {
	EvaluateHourly(ctx context.Context, app string) bool
	EvaluateDaily(ctx context.Context, app string) bool
}

// Runner evaluates every configured app in turn.
type Runner struct {
	apps   []string
	engine Evaluator
	hourly bool
	daily  bool
	logger logging.Logger
}

// NewRunner creates a runner over apps. Cadences are evaluated when enabled.
func NewRunner(apps []string, engine Evaluator, hourly, daily bool, logger logging.Logger) *Runner {
	return &Runner{apps: apps, engine: engine, hourly: hourly, daily: daily, logger: logger}
}

// Run evaluates each app sequentially. One app's failure never stops the
// others; the run stops early only when ctx is done.
func (r *Runner) Run(ctx context.Context) *Result {
	res := &Result{RunID: uuid.NewString(), Started: time.Now().UTC()}
	log := r.logger.WithField("run_id", res.RunID)
	log.WithField("apps", r.apps).Info("Starting trigger run")

	for _, app := range r.apps {
		if err := ctx.Err(); err != nil {
			res.Steps = append(res.Steps, StepResult{Name: app, Err: fmt.Errorf("run interrupted: %w", err)})
			break
		}
		if r.hourly {
			res.Steps = append(res.Steps, r.evaluate(ctx, app, database.Hourly, r.engine.EvaluateHourly))
		}
		if r.daily {
			res.Steps = append(res.Steps, r.evaluate(ctx, app, database.Daily, r.engine.EvaluateDaily))
		}
	}

	for _, s := range res.Steps {
		if s.Summary == "fired" {
			res.Fired++
		}
	}
	log.WithFields(logging.Fields{
		"fired":    res.Fired,
		"duration": time.Since(res.Started).Round(time.Millisecond).String(),
	}).Info("Trigger run complete")
	return res
}

func (r *Runner) evaluate(ctx context.Context, app string, cadence database.Cadence, fn func(context.Context, string) bool) StepResult {
	step := StepResult{Name: fmt.Sprintf("%s/%s", app, cadence), Summary: "quiet"}
	if fn(ctx, app) {
		step.Summary = "fired"
	}
	return step
}

// Components is the wired object graph behind the CLI.
type Components struct {
	Engine  *trigger.Engine
	Refresh *refresh.Pipeline
	Cascade *Cascade
	Runner  *Runner
}

// New wires the engine, refresh pipeline, ranking and notification from config.
func New(cfg *config.Config, db *database.DB, logger logging.Logger) *Components {
	client := apify.NewClient(config.Env(cfg.Apify.APIKeyEnv),
		apify.WithBaseURL(cfg.Apify.BaseURL),
		apify.WithTimeout(cfg.Apify.Timeout),
		apify.WithRetry(apify.RetryConfig{
			MaxRetries: cfg.Apify.MaxRetries,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   10 * time.Second,
		}),
	)
	if !client.IsConfigured() {
		logger.Warnf("%s is not set; metric refreshes will fail", cfg.Apify.APIKeyEnv)
	}

	opts := refresh.Options{
		Concurrency:  cfg.Refresh.Concurrency,
		Lookback:     time.Duration(cfg.Refresh.LookbackDays) * 24 * time.Hour,
		FetchTimeout: cfg.Refresh.FetchTimeout,
	}
	if cfg.Comments.Enabled {
		if provider := llm.CreateProvider(cfg.Comments, logger); provider != nil {
			opts.Comments = triage.NewFilter(
				collect.NewCommentCollector(client, cfg.Comments.PerPost, logger),
				triage.NewClassifier(provider, cfg.Comments.MaxTokens, logger),
			)
		}
	}

	refresher := refresh.New(db, fetch.NewMetricsFetcher(client), logger, opts)
	cascade := NewCascade(
		refresher,
		rank.NewService(db),
		notify.FromConfig(cfg, logger),
		cfg.Refresh.TopN,
		logger,
	)

	engine := trigger.NewEngine(db, logger,
		trigger.WithRules(
			trigger.RuleFromConfig(database.Hourly, cfg.Trigger.Hourly),
			trigger.RuleFromConfig(database.Daily, cfg.Trigger.Daily),
		),
		trigger.WithCascade(cascade),
	)

	return &Components{
		Engine:  engine,
		Refresh: refresher,
		Cascade: cascade,
		Runner:  NewRunner(cfg.Apps, engine, cfg.Trigger.Hourly.Enabled, cfg.Trigger.Daily.Enabled, logger),
	}
}
