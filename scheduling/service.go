/*
service.go - Engine facade

PURPOSE:
  Wires the components over one store and adds the cross-component
  operations:
  - RequestLeave: the only place that compares a date with the lead-time
    window and routes to Stage or Submit
  - allotment changes followed by re-evaluation of affected keys
  - roster and directory maintenance
  - capability checks for scheduler and migration runs

USAGE:
  svc := scheduling.NewService(store, scheduling.Config{Logger: logger})
  out, err := svc.RequestLeave(ctx, requester, partition, date, leave.PLD, svc.Today())
*/
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	LeadTime         LeadTime
	StoreTimeout     time.Duration
	Retry            RetryPolicy
	ZoneDefaultSlots int
	MetricsWindow    time.Duration
	Registerer       prometheus.Registerer
	Now              func() time.Time
	Logger           *slog.Logger
	Events           Publisher
}

type Service struct {
	store   TxStore
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	Registry  *Registry
	Ledger    *Ledger
	Scheduler *Scheduler
	Migrator  *ZoneMigrator
	Monitor   *Monitor
}

func NewService(store TxStore, cfg Config) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := loggerOrDiscard(cfg.Logger)

	monitor := NewMonitor(store, MonitorConfig{
		Registerer:   cfg.Registerer,
		Window:       cfg.MetricsWindow,
		StoreTimeout: cfg.StoreTimeout,
		Now:          cfg.Now,
		Logger:       logger,
	})
	registry := NewRegistry(store, cfg.StoreTimeout)
	registry.now = cfg.Now
	ledger := NewLedger(store, LedgerConfig{
		StoreTimeout: cfg.StoreTimeout,
		Retry:        cfg.Retry,
		Now:          cfg.Now,
		Logger:       logger,
		Events:       cfg.Events,
		Monitor:      monitor,
	})
	scheduler := NewScheduler(store, ledger, SchedulerConfig{
		LeadTime:     cfg.LeadTime,
		StoreTimeout: cfg.StoreTimeout,
		Now:          cfg.Now,
		Logger:       logger,
		Events:       cfg.Events,
		Monitor:      monitor,
	})
	zones := NewZoneMigrator(store, ZoneConfig{
		DefaultSlots: cfg.ZoneDefaultSlots,
		StoreTimeout: cfg.StoreTimeout,
		Now:          cfg.Now,
		Logger:       logger,
	})

	return &Service{
		store:     store,
		timeout:   cfg.StoreTimeout,
		now:       cfg.Now,
		logger:    logger.With("component", "service"),
		Registry:  registry,
		Ledger:    ledger,
		Scheduler: scheduler,
		Migrator:  zones,
		Monitor:   monitor,
	}
}

// Today is the current UTC calendar date.
func (s *Service) Today() Date { return DateOf(s.now().UTC()) }

// =============================================================================
// REQUESTS
// =============================================================================

// LeaveOutcome holds exactly one of Request (admitted now) or Staged.
type LeaveOutcome struct {
	Request *Request
	Staged  *StagedRequest
}

// RequestLeave submits the request, or stages it when date is beyond the
// lead-time window as of today.
func (s *Service) RequestLeave(ctx context.Context, requester Requester, p Partition, date Date, lt LeaveType, today Date) (LeaveOutcome, error) {
	if today.IsZero() {
		today = s.Today()
	}
	if lt != nil && !date.IsZero() && s.Scheduler.LeadTime().BeyondWindow(today, lt.Granularity().Normalize(date)) {
		st, err := s.Scheduler.Stage(ctx, requester, p, date, lt, today)
		if err != nil {
			return LeaveOutcome{}, err
		}
		return LeaveOutcome{Staged: st}, nil
	}
	r, err := s.Ledger.Submit(ctx, requester, p, date, lt)
	if err != nil {
		return LeaveOutcome{}, err
	}
	return LeaveOutcome{Request: r}, nil
}

// Promote runs the daily promotion, or a bounded window when from or to
// is set.
func (s *Service) Promote(ctx context.Context, actor Actor, today, from, to Date) (PromotionResult, error) {
	if err := actor.require(CapRunScheduler, ""); err != nil {
		return PromotionResult{}, err
	}
	if today.IsZero() {
		today = s.Today()
	}
	if from.IsZero() && to.IsZero() {
		return s.Scheduler.RunDailyPromotion(ctx, today)
	}
	return s.Scheduler.RunPromotionWindow(ctx, today, from, to)
}

// =============================================================================
// ALLOTMENTS
// =============================================================================

// AllotmentChange is an upserted row and the number of keys re-evaluated
// because of it.
type AllotmentChange struct {
	Allotment   *Allotment `json:"allotment"`
	Reevaluated int        `json:"reevaluated"`
}

func (s *Service) SetYearlyDefault(ctx context.Context, actor Actor, p Partition, g Granularity, year, value int) (AllotmentChange, error) {
	a, err := s.Registry.SetYearlyDefault(ctx, actor, p, g, year, value)
	if err != nil {
		return AllotmentChange{}, err
	}
	n, err := s.Ledger.Reevaluate(ctx, p, g, StartOfYear(year), EndOfYear(year))
	if err != nil {
		return AllotmentChange{Allotment: a, Reevaluated: n}, fmt.Errorf("re-evaluate %s %d: %w", p, year, err)
	}
	s.logger.Info("yearly default set", "partition", p.String(), "granularity", string(g), "year", year, "value", value, "reevaluated", n)
	return AllotmentChange{Allotment: a, Reevaluated: n}, nil
}

func (s *Service) SetOverride(ctx context.Context, actor Actor, p Partition, g Granularity, date Date, value int) (AllotmentChange, error) {
	a, err := s.Registry.SetOverride(ctx, actor, p, g, date, value)
	if err != nil {
		return AllotmentChange{}, err
	}
	n, err := s.Ledger.Reevaluate(ctx, p, g, a.EffectiveDate, a.EffectiveDate)
	if err != nil {
		return AllotmentChange{Allotment: a, Reevaluated: n}, fmt.Errorf("re-evaluate %s %s: %w", p, a.EffectiveDate, err)
	}
	s.logger.Info("override set", "partition", p.String(), "granularity", string(g), "date", a.EffectiveDate.String(), "value", value, "reevaluated", n)
	return AllotmentChange{Allotment: a, Reevaluated: n}, nil
}

// =============================================================================
// DIRECTORY & ROSTER
// =============================================================================

// SaveDivision upserts a division and its zones.
func (s *Service) SaveDivision(ctx context.Context, actor Actor, d Division, zones []Zone) error {
	if err := actor.require(CapManageRoster, d.ID); err != nil {
		return err
	}
	if d.ID == "" {
		return &ValidationError{Field: "division", Reason: "id is required"}
	}
	if !d.UsesZones && len(zones) > 0 {
		return &ValidationError{Field: "zones", Reason: fmt.Sprintf("division %s does not use zones", d.ID)}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveDivision(ctx, d); err != nil {
			return err
		}
		for _, z := range zones {
			if z.ID == "" {
				return &ValidationError{Field: "zone", Reason: "id is required"}
			}
			z.Division = d.ID
			if err := tx.SaveZone(ctx, z); err != nil {
				return err
			}
		}
		return nil
	})
	return classify(err)
}

func (s *Service) Divisions(ctx context.Context) ([]Division, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.store.ListDivisions(ctx)
	return rows, classify(err)
}

func (s *Service) Zones(ctx context.Context, division DivisionID) ([]Zone, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.store.ListZones(ctx, division)
	return rows, classify(err)
}

// SaveMember upserts a roster entry. Zone consistency is audited by
// ValidateAssignments, not enforced here.
func (s *Service) SaveMember(ctx context.Context, actor Actor, m Member) error {
	if err := actor.require(CapManageRoster, m.Division); err != nil {
		return err
	}
	if err := m.Requester().Validate(); err != nil {
		return err
	}
	if m.Division == "" {
		return &ValidationError{Field: "division", Reason: "required"}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return classify(s.store.SaveMember(ctx, m))
}

// Member returns the roster entry for pin, or ErrMemberNotFound.
func (s *Service) Member(ctx context.Context, pin PIN) (*Member, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	m, err := s.store.GetMember(ctx, pin)
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

func (s *Service) Members(ctx context.Context) ([]Member, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.store.ListMembers(ctx)
	return rows, classify(err)
}

// =============================================================================
// ZONE MIGRATION
// =============================================================================

func (s *Service) MigrateZones(ctx context.Context, actor Actor, year int) (MigrationReport, error) {
	if err := actor.require(CapRunMigrations, ""); err != nil {
		return MigrationReport{}, err
	}
	if year == 0 {
		year = s.Today().Year()
	}
	return s.Migrator.Run(ctx, year)
}

func (s *Service) ZoneViolations(ctx context.Context, actor Actor) ([]DataIntegrityWarning, error) {
	if err := actor.require(CapRunMigrations, ""); err != nil {
		return nil, err
	}
	return s.Migrator.ValidateAssignments(ctx)
}
