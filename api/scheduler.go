/*
scheduler.go - Automated daily promotion scheduler

PURPOSE:
  Runs the staged request promotion once per UTC day, at or after a
  configured hour, and optionally the monitoring threshold check on every
  tick.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A tick promotes when the hour has passed and today has not run yet
  - A failed run is retried on the next tick; a successful one marks the day
  - Promotion itself is idempotent, so a restart that re-runs the same day
    promotes nothing twice

CONFIGURATION:
  - CheckInterval: How often to check (default: 5 minutes)
  - HourUTC: Earliest hour of the daily run (default: 6)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewPromotionScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerPromotion endpoint (manual promotion)
  - scheduling/staging.go: Scheduler.RunDailyPromotion
*/
package api

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/allotment-engine/scheduling"
)

// PromotionScheduler handles the automated daily promotion.
type PromotionScheduler struct {
	Service       *scheduling.Service
	CheckInterval time.Duration
	HourUTC       int
	Enabled       bool
	// Thresholds, when set, are checked on every tick.
	Thresholds *scheduling.Thresholds
	Now        func() time.Time

	logger  *slog.Logger
	ticker  *time.Ticker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	runMu   sync.Mutex
	lastRun scheduling.Date
}

// NewPromotionScheduler creates a new scheduler.
func NewPromotionScheduler(svc *scheduling.Service, logger *slog.Logger) *PromotionScheduler {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &PromotionScheduler{
		Service:       svc,
		CheckInterval: 5 * time.Minute,
		HourUTC:       6,
		Enabled:       true,
		Now:           time.Now,
		logger:        logger.With("component", "promotion-scheduler"),
	}
}

// Start begins the scheduler.
func (ps *PromotionScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.logger.Info("scheduler disabled, not starting")
		return
	}
	if ps.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps.cancel = cancel
	ps.ticker = time.NewTicker(ps.CheckInterval)
	ps.wg.Add(1)

	go ps.run(ctx, ps.ticker)

	ps.logger.Info("scheduler started", "check_interval", ps.CheckInterval.String(), "hour_utc", ps.HourUTC)
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (ps *PromotionScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker == nil {
		return
	}
	ps.ticker.Stop()
	ps.cancel()
	ps.wg.Wait()
	ps.ticker = nil
	ps.logger.Info("scheduler stopped")
}

func (ps *PromotionScheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer ps.wg.Done()

	// Run immediately on start
	ps.tick(ctx)

	for {
		select {
		case <-ticker.C:
			ps.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (ps *PromotionScheduler) tick(ctx context.Context) {
	if ps.due() {
		if _, err := ps.RunNow(ctx); err != nil && ctx.Err() == nil {
			ps.logger.Error("daily promotion failed", "error", err)
		}
	}
	if ps.Thresholds != nil {
		if _, err := ps.Service.Monitor.MonitorPerformance(ctx, *ps.Thresholds); err != nil && ctx.Err() == nil {
			ps.logger.Error("threshold check failed", "error", err)
		}
	}
}

// due reports whether today's run is still outstanding.
func (ps *PromotionScheduler) due() bool {
	now := ps.Now().UTC()
	if now.Hour() < ps.HourUTC {
		return false
	}
	ps.runMu.Lock()
	defer ps.runMu.Unlock()
	return !ps.lastRun.Equal(scheduling.DateOf(now))
}

// RunNow triggers an immediate promotion for today (for testing/admin).
func (ps *PromotionScheduler) RunNow(ctx context.Context) (scheduling.PromotionResult, error) {
	ps.runMu.Lock()
	defer ps.runMu.Unlock()

	today := scheduling.DateOf(ps.Now().UTC())
	ps.logger.Info("running daily promotion", "today", today.String())

	result, err := ps.Service.Promote(ctx, scheduling.SystemActor, today, scheduling.Date{}, scheduling.Date{})
	if err != nil {
		return result, err
	}
	ps.lastRun = today
	ps.logger.Info("daily promotion completed",
		"today", today.String(),
		"promoted", result.Promoted,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

// LastRun is the date of the last successful run.
func (ps *PromotionScheduler) LastRun() scheduling.Date {
	ps.runMu.Lock()
	defer ps.runMu.Unlock()
	return ps.lastRun
}

// NextRunTime returns when the next daily run is expected.
func (ps *PromotionScheduler) NextRunTime() time.Time {
	now := ps.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), ps.HourUTC, 0, 0, 0, time.UTC)
	if !ps.due() && !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
