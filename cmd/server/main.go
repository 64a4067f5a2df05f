/*
main.go - Application entry point

PURPOSE:
  The allotment command: runs the HTTP server and the operational jobs
  (daily promotion, zone migration, roster seeding, threshold checks)
  against the same SQLite database.

COMMANDS:
  serve          HTTP API + daily promotion scheduler (default)
  promote        Run the promotion once (--date, or --from/--to window)
  migrate-zones  Seed zone allotments, audit the roster, fix staged zones
  seed           Apply a roster/allotment seed document
  monitor        Collect metrics and check alert thresholds

CONFIGURATION:
  Defaults, then a YAML file (--config, ~/.allotment/allotment.yaml or
  /etc/allotment/allotment.yaml), then ALLOTMENT_* environment variables.
  See internal/config.

EXAMPLES:
  # Serve with an in-memory database
  ALLOTMENT_DATABASE_PATH=":memory:" allotment serve

  # Re-run promotion for a window after an outage
  allotment promote --from 2025-03-01 --to 2025-03-07

SEE ALSO:
  - serve.go: HTTP server and graceful shutdown
  - jobs.go: One-shot commands
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/warp/allotment-engine/internal/config"
	_ "github.com/warp/allotment-engine/leave"
	"github.com/warp/allotment-engine/scheduling"
	"github.com/warp/allotment-engine/store/sqlite"
)

const programName = "allotment"

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...),
		"component", programName,
	)
}

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

func commonRun(cfg *config.Config) *slog.Logger {
	// Configure logger
	logLevel := slog.LevelInfo
	addSource := false
	if globalFlags.debug || cfg.Debug {
		logLevel = slog.LevelDebug
		addSource = true
	}
	logger := slog.New(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource: addSource,
			Level:     logLevel,
		}),
	)
	slog.SetDefault(logger)
	// Configure max processes with our logger wrapper, toss undo func
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	return logger
}

// runtime is what every command needs: the store and the service over it.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *sqlite.Store
	service  *scheduling.Service
	registry *prometheus.Registry
}

func openRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	if cfg.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := scheduling.NewEventBus(logger.With("component", "events"))
	events := logger.With("component", "events")
	bus.Subscribe("", func(evt scheduling.Event) {
		events.Info("request event",
			"type", string(evt.Type),
			"request_id", string(evt.RequestID),
			"staged_id", string(evt.StagedID),
			"pin", int64(evt.PIN),
			"key", evt.Key.String(),
			"status", string(evt.To),
			"waitlist_position", evt.WaitlistPosition,
		)
	})

	svc := scheduling.NewService(store, scheduling.Config{
		LeadTime:     scheduling.LeadTime{Months: cfg.LeadTimeMonths},
		StoreTimeout: cfg.StoreTimeout,
		Retry: scheduling.RetryPolicy{
			MaxRetries:      cfg.MaxEvaluationRetries,
			InitialInterval: cfg.RetryInitialInterval,
		},
		ZoneDefaultSlots: cfg.ZoneDefaultSlots,
		MetricsWindow:    cfg.MetricsWindow,
		Registerer:       reg,
		Logger:           logger,
		Events:           bus,
	})

	return &runtime{cfg: cfg, logger: logger, store: store, service: svc, registry: reg}, nil
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Error("close database", "error", err)
	}
}

func (rt *runtime) thresholds() scheduling.Thresholds {
	return scheduling.Thresholds{
		ErrorThreshold:         rt.cfg.ErrorThreshold,
		LatencyThresholdMs:     rt.cfg.LatencyThresholdMs,
		WaitlistRatioThreshold: rt.cfg.WaitlistRatioThreshold,
		Window:                 rt.cfg.MetricsWindow,
	}
}

// withRuntime wraps a command body with config, logging and the store.
func withRuntime(fn func(cmd *cobra.Command, rt *runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg := config.FromContext(cmd.Context())
		if cfg == nil {
			return fmt.Errorf("no config found in context")
		}
		logger := commonRun(cfg)
		rt, err := openRuntime(cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cmd, rt)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Seniority-ranked leave allotment and waitlist engine",
		SilenceUsage: true,
		RunE:         withRuntime(serveRun),
	}

	// Global flags
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	// Subcommands
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(promoteCommand())
	rootCmd.AddCommand(migrateZonesCommand())
	rootCmd.AddCommand(seedCommand())
	rootCmd.AddCommand(monitorCommand())

	// Execute cobra command
	if err := rootCmd.Execute(); err != nil {
		// NOTE: cobra has already displayed the error
		os.Exit(1)
	}
}
