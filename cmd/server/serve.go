package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/allotment-engine/api"
	"github.com/warp/allotment-engine/factory"
	"github.com/warp/allotment-engine/scheduling"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the daily promotion scheduler",
		RunE:  withRuntime(serveRun),
	}
}

func serveRun(cmd *cobra.Command, rt *runtime) error {
	cfg := rt.cfg
	logger := rt.logger.With("component", programName)

	// Optional roster bootstrap
	if cfg.RosterFile != "" {
		if err := applySeedFile(cmd.Context(), rt, cfg.RosterFile); err != nil {
			return err
		}
	}

	handler := api.NewHandler(rt.service, api.HandlerConfig{
		Thresholds: rt.thresholds(),
		Store:      rt.store,
		Logger:     rt.logger,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Gatherer:       rt.registry,
		Logger:         rt.logger,
	})

	scheduler := api.NewPromotionScheduler(rt.service, rt.logger)
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.HourUTC = cfg.PromotionHourUTC
	scheduler.CheckInterval = cfg.PromotionCheckInterval
	th := rt.thresholds()
	scheduler.Thresholds = &th
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "database", cfg.DatabasePath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func applySeedFile(ctx context.Context, rt *runtime, path string) error {
	seed, err := factory.ParseSeedFile(path)
	if err != nil {
		return err
	}
	report, err := factory.NewRosterFactory(rt.service).Apply(ctx, scheduling.SystemActor, seed)
	if err != nil {
		return fmt.Errorf("apply seed %s: %w", path, err)
	}
	rt.logger.Info("seed applied",
		"component", programName,
		"file", path,
		"divisions", report.Divisions,
		"zones", report.Zones,
		"members", report.Members,
		"allotments", report.Allotments,
		"reevaluated", report.Reevaluated,
	)
	return nil
}
