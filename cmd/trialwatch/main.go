package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/trialwatch/internal/config"
	"github.com/TobiSchelling/trialwatch/internal/database"
	"github.com/TobiSchelling/trialwatch/internal/logging"
	"github.com/TobiSchelling/trialwatch/internal/metrics"
	"github.com/TobiSchelling/trialwatch/internal/pipeline"
	"github.com/TobiSchelling/trialwatch/internal/rank"
	"github.com/TobiSchelling/trialwatch/internal/server"
	"github.com/TobiSchelling/trialwatch/internal/trigger"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     logging.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "trialwatch",
	Short:   "Trial signup spike detection",
	Long:    "trialwatch watches trial signups per app, records anomalies, refreshes the metrics of recent influencer posts and reports the posts that moved most.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.LoadEnv()

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logger = logging.NewLogger("info", "text")
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			level = v
		}
		if verbose {
			level = "debug"
		}
		logger = logging.NewLogger(level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(rankCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trialwatch", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/trialwatch/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Set DATABASE_URL, APIFY_API_KEY and the SMTP_* variables in .env or the environment.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Database: %s\n", db.Dialect())
		fmt.Printf("Apps: %s\n\n", strings.Join(cfg.Apps, ", "))
		fmt.Println("Signals:")
		fmt.Printf("  Trials: %d\n", stats.Trials)
		fmt.Printf("  Trigger events: %d\n", stats.TriggerEvents)
		fmt.Println("\nPosts:")
		fmt.Printf("  Tracked: %d\n", stats.TrackedPosts)
		fmt.Printf("  Snapshots: %d\n", stats.Snapshots)
		fmt.Printf("  Deltas: %d\n", stats.Deltas)
		fmt.Println("\nDetectors:")
		fmt.Printf("  Hourly: %s\n", enabled(cfg.Trigger.Hourly.Enabled))
		fmt.Printf("  Daily: %s\n", enabled(cfg.Trigger.Daily.Enabled))
		return nil
	},
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// --- run command ---

var (
	runDaily bool
	dryRun   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate every configured app and cascade on anomalies",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := pipeline.New(cfg, db, logger)

		if dryRun {
			hourly, daily := c.Engine.Rules()
			for _, app := range cfg.Apps {
				printPreview(ctx, c.Engine, app, hourly)
				if runDaily || cfg.Trigger.Daily.Enabled {
					printPreview(ctx, c.Engine, app, daily)
				}
			}
			return nil
		}

		runner := c.Runner
		if runDaily {
			runner = pipeline.NewRunner(cfg.Apps, c.Engine, cfg.Trigger.Hourly.Enabled, true, logger)
		}
		result := runner.Run(ctx)

		for _, step := range result.Steps {
			if step.Err != nil {
				fmt.Printf("  %s: error: %v\n", step.Name, step.Err)
			} else {
				fmt.Printf("  %s: %s\n", step.Name, step.Summary)
			}
		}
		fmt.Printf("\nRun %s complete: %d event(s) fired.\n", result.RunID, result.Fired)

		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metrics.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			logger.WithError(err).Warn("Failed to push metrics")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDaily, "daily", false, "Also evaluate the daily detector")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show the decision for each app without recording anything")
}

func printPreview(ctx context.Context, engine *trigger.Engine, app string, r trigger.Rule) {
	ev, err := engine.Preview(ctx, app, r)
	if err != nil {
		fmt.Printf("  %s/%s: error: %v\n", app, r.Cadence, err)
		return
	}
	d := ev.Decision
	fmt.Printf("  %s/%s: current=%d median=%.1f threshold=%.2f above=%t peak=%t\n",
		app, r.Cadence, d.Current, d.Median, d.Threshold, d.AboveThreshold, d.LocalPeak)
}

// --- evaluate command ---

var (
	evalCadence string
	evalDryRun  bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [app]",
	Short: "Run one detector for one app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		c := pipeline.New(cfg, db, logger)
		hourly, daily := c.Engine.Rules()
		var rule trigger.Rule
		switch database.Cadence(evalCadence) {
		case database.Hourly:
			rule = hourly
		case database.Daily:
			rule = daily
		default:
			return fmt.Errorf("unknown cadence %q (want hourly or daily)", evalCadence)
		}

		if evalDryRun {
			printPreview(cmd.Context(), c.Engine, args[0], rule)
			return nil
		}

		ev := c.Engine.Evaluate(cmd.Context(), args[0], rule)
		if ev.Err != nil {
			return ev.Err
		}
		fmt.Printf("%s/%s: %s\n", args[0], rule.Cadence, ev.Outcome)
		if ev.Event != nil {
			fmt.Printf("  Event %d: %d trials (threshold %.2f)\n", ev.Event.ID, ev.Event.TrialCount, ev.Event.Threshold)
		}
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalCadence, "cadence", "hourly", "Detector to run (hourly or daily)")
	evaluateCmd.Flags().BoolVar(&evalDryRun, "dry-run", false, "Show the decision without recording anything")
}

// --- refresh command ---

var refreshCmd = &cobra.Command{
	Use:   "refresh [app] [event-id]",
	Short: "Refresh post metrics for an existing trigger event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ev, err := loadEvent(cmd.Context(), db, args[1])
		if err != nil {
			return err
		}
		if ev.App != args[0] {
			return fmt.Errorf("event %d belongs to %s, not %s", ev.ID, ev.App, args[0])
		}

		result, err := pipeline.New(cfg, db, logger).Refresh.Run(cmd.Context(), *ev)
		if err != nil {
			return err
		}
		fmt.Println(result.Summary())
		return nil
	},
}

// --- rank command ---

var rankTop int

var rankCmd = &cobra.Command{
	Use:   "rank [event-id]",
	Short: "Show the posts that moved most for a trigger event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ev, err := loadEvent(cmd.Context(), db, args[0])
		if err != nil {
			return err
		}

		top, err := rank.NewService(db).TopN(cmd.Context(), ev.ID, rankTop)
		if err != nil {
			return err
		}
		if len(top) == 0 {
			fmt.Printf("No deltas recorded for event %d.\n", ev.ID)
			return nil
		}

		fmt.Printf("Top posts for %s event %d (%d trials):\n\n", ev.App, ev.ID, ev.TrialCount)
		for i, r := range top {
			creator := ""
			if r.CreatorUsername != nil {
				creator = *r.CreatorUsername
			}
			fmt.Printf("  %d. %5.1f%%  %s  %s\n", i+1, r.Score, creator, r.PostURL)
		}
		return nil
	},
}

func init() {
	rankCmd.Flags().IntVar(&rankTop, "top", rank.DefaultTopN, "Number of posts to show")
}

// --- events command ---

var (
	eventsApp   string
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent trigger events",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		events, err := db.ListEvents(cmd.Context(), eventsApp, eventsLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No trigger events recorded.")
			return nil
		}
		for _, ev := range events {
			fmt.Printf("  [%d] %s %-6s %-6s %3d trials (baseline %.1f, threshold %.2f)\n",
				ev.ID, ev.BucketStart.UTC().Format("2006-01-02 15:04"), ev.App, ev.EventType,
				ev.TrialCount, ev.Baseline, ev.Threshold)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsApp, "app", "", "Only list events for this app")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Maximum number of events")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, port, cfg.Refresh.TopN, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

func loadEvent(ctx context.Context, db *database.DB, arg string) (*database.TriggerEvent, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid event ID: %s", arg)
	}
	ev, err := db.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("event %d not found", id)
	}
	return ev, nil
}

func openDB() (*database.DB, error) {
	url := cfg.DatabaseURL()
	if strings.HasPrefix(url, "sqlite://") {
		if err := os.MkdirAll(cfg.GetDataDir(), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	return database.OpenWithPool(url, cfg.Database.MaxOpenConns)
}
