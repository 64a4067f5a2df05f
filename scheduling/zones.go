/*
zones.go - Zone Migration/Partitioning Tool

PURPOSE:
  One-off data correction run when divisions start splitting their quota
  by zone. Safe to run again: zone rows that already exist are kept.

STEPS (Run):
  1. SetupZonePartitions     per-zone yearly defaults from the division's
  2. ValidateAssignments     read-only audit of member zones
  3. ReassignStagedRequests  fill in missing zones on staged requests

  A step that returns an error aborts the remaining steps. Violations
  found in step 2 are warnings and do not stop step 3.
*/
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultZoneSlots seeds a zone when its division had no day default.
const DefaultZoneSlots = 6

const zoneMigrationActor = "zone-migration"

type ZoneConfig struct {
	DefaultSlots int
	StoreTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

type ZoneMigrator struct {
	store        TxStore
	defaultSlots int
	timeout      time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

func NewZoneMigrator(store TxStore, cfg ZoneConfig) *ZoneMigrator {
	if cfg.DefaultSlots <= 0 {
		cfg.DefaultSlots = DefaultZoneSlots
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ZoneMigrator{
		store:        store,
		defaultSlots: cfg.DefaultSlots,
		timeout:      cfg.StoreTimeout,
		now:          cfg.Now,
		logger:       loggerOrDiscard(cfg.Logger).With("component", "zones"),
	}
}

// =============================================================================
// STEP 1 - Zone allotments
// =============================================================================

type DivisionFailure struct {
	Division DivisionID `json:"division"`
	Reason   string     `json:"reason"`
}

type SetupResult struct {
	Year    int               `json:"year"`
	Updated []DivisionID      `json:"updated"`
	Failed  []DivisionFailure `json:"failed"`
	Seeded  []Allotment       `json:"seeded"`
}

// SetupZonePartitions seeds a yearly default for each zone of each zoned
// division. The day default comes from the division's own yearly default
// or DefaultSlots; a week default is copied only if the division has one.
func (z *ZoneMigrator) SetupZonePartitions(ctx context.Context, year int) (SetupResult, error) {
	result := SetupResult{Year: year}
	if year < 1 {
		return result, &ValidationError{Field: "year", Reason: fmt.Sprintf("invalid year %d", year), Err: ErrInvalidDate}
	}

	lctx, cancel := context.WithTimeout(ctx, z.timeout)
	divisions, err := z.store.ListDivisions(lctx)
	cancel()
	if err != nil {
		return result, fmt.Errorf("list divisions: %w", classify(err))
	}

	for _, d := range divisions {
		if !d.UsesZones {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		seeded, err := z.setupDivision(ctx, d, year)
		if err != nil {
			if IsFatal(err) {
				return result, err
			}
			z.logger.Warn("zone setup failed", "division", string(d.ID), "error", err)
			result.Failed = append(result.Failed, DivisionFailure{Division: d.ID, Reason: err.Error()})
			continue
		}
		z.logger.Info("zone setup", "division", string(d.ID), "seeded", len(seeded))
		result.Updated = append(result.Updated, d.ID)
		result.Seeded = append(result.Seeded, seeded...)
	}
	return result, nil
}

func (z *ZoneMigrator) setupDivision(ctx context.Context, d Division, year int) ([]Allotment, error) {
	ctx, cancel := context.WithTimeout(ctx, z.timeout)
	defer cancel()

	var seeded []Allotment
	err := z.store.WithTx(ctx, func(s Store) error {
		seeded = nil
		zones, err := s.ListZones(ctx, d.ID)
		if err != nil {
			return err
		}
		if len(zones) == 0 {
			return fmt.Errorf("division %s uses zones but has none configured", d.ID)
		}

		effective := StartOfYear(year)
		whole := Partition{Division: d.ID}
		for _, g := range []Granularity{GranularityDay, GranularityWeek} {
			base, err := s.GetAllotment(ctx, whole, g, ScopeYearly, effective)
			if err != nil {
				return err
			}
			value := z.defaultSlots
			switch {
			case base != nil:
				value = base.MaxSlots
			case g == GranularityWeek:
				continue
			}

			for _, zone := range zones {
				p := Partition{Division: d.ID, Zone: zone.ID}
				existing, err := s.GetAllotment(ctx, p, g, ScopeYearly, effective)
				if err != nil {
					return err
				}
				if existing != nil {
					continue
				}
				a := Allotment{
					Partition:     p,
					Granularity:   g,
					Scope:         ScopeYearly,
					EffectiveDate: effective,
					MaxSlots:      value,
					UpdatedBy:     zoneMigrationActor,
					UpdatedAt:     z.now().UTC(),
				}
				if err := s.UpsertAllotment(ctx, a); err != nil {
					return err
				}
				seeded = append(seeded, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return seeded, nil
}

// =============================================================================
// STEP 2 - Member zone audit
// =============================================================================

// ValidateAssignments lists members whose zone does not belong to their
// division. It changes nothing.
func (z *ZoneMigrator) ValidateAssignments(ctx context.Context) ([]DataIntegrityWarning, error) {
	ctx, cancel := context.WithTimeout(ctx, z.timeout)
	defer cancel()

	divisions, err := z.store.ListDivisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list divisions: %w", classify(err))
	}
	byID := make(map[DivisionID]Division, len(divisions))
	zoneSets := make(map[DivisionID]map[ZoneID]bool)
	for _, d := range divisions {
		byID[d.ID] = d
		zones, err := z.store.ListZones(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("list zones of %s: %w", d.ID, classify(err))
		}
		set := make(map[ZoneID]bool, len(zones))
		for _, zone := range zones {
			set[zone.ID] = true
		}
		zoneSets[d.ID] = set
	}

	members, err := z.store.ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", classify(err))
	}

	var violations []DataIntegrityWarning
	for _, m := range members {
		reason := ""
		d, ok := byID[m.Division]
		switch {
		case !ok:
			reason = "division does not exist"
		case d.UsesZones && m.Zone == "":
			reason = "no zone assigned in a zoned division"
		case d.UsesZones && !zoneSets[d.ID][m.Zone]:
			reason = "zone is not part of the division"
		case !d.UsesZones && m.Zone != "":
			reason = "division does not use zones"
		}
		if reason == "" {
			continue
		}
		w := DataIntegrityWarning{PIN: m.PIN, Division: m.Division, Zone: m.Zone, Reason: reason}
		z.logger.Warn("zone assignment violation", "pin", int64(m.PIN), "division", string(m.Division), "zone", string(m.Zone), "reason", reason)
		violations = append(violations, w)
	}
	return violations, nil
}

// =============================================================================
// STEP 3 - Staged request zones
// =============================================================================

type ReassignResult struct {
	Reassigned int                    `json:"reassigned"`
	Skipped    int                    `json:"skipped"`
	Warnings   []DataIntegrityWarning `json:"warnings"`
}

// ReassignStagedRequests gives unprocessed staged requests without a zone
// their requester's current zone and division. Requesters without a
// resolvable zone are skipped and reported.
func (z *ZoneMigrator) ReassignStagedRequests(ctx context.Context) (ReassignResult, error) {
	var result ReassignResult

	ctx, cancel := context.WithTimeout(ctx, z.timeout)
	defer cancel()

	staged, err := z.store.ListStaged(ctx, StagedFilter{Unprocessed: true, MissingZone: true})
	if err != nil {
		return result, fmt.Errorf("list staged requests: %w", classify(err))
	}

	for _, st := range staged {
		if div, err := z.store.GetDivision(ctx, st.Partition.Division); err == nil && !div.UsesZones {
			continue
		}

		skip := func(reason string, zone ZoneID) {
			result.Skipped++
			w := DataIntegrityWarning{PIN: st.Requester.PIN, Division: st.Partition.Division, Zone: zone, Reason: reason}
			result.Warnings = append(result.Warnings, w)
			z.logger.Warn("staged request not reassigned", "staged_id", string(st.ID), "pin", int64(st.Requester.PIN), "reason", reason)
		}

		m, err := z.store.GetMember(ctx, st.Requester.PIN)
		if IsNotFound(err) {
			skip("requester is not on the roster", "")
			continue
		}
		if err != nil {
			return result, classify(err)
		}
		if m.Zone == "" {
			skip("requester has no zone", "")
			continue
		}
		if err := ValidatePartition(ctx, z.store, m.Partition()); err != nil {
			if IsClientError(err) {
				skip(err.Error(), m.Zone)
				continue
			}
			return result, classify(err)
		}

		st.Partition = m.Partition()
		st.UpdatedAt = z.now().UTC()
		if err := z.store.UpdateStaged(ctx, st); err != nil {
			return result, classify(err)
		}
		result.Reassigned++
	}
	z.logger.Info("staged requests reassigned", "reassigned", result.Reassigned, "skipped", result.Skipped)
	return result, nil
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type MigrationReport struct {
	Year       int                    `json:"year"`
	Setup      SetupResult            `json:"setup"`
	Violations []DataIntegrityWarning `json:"violations"`
	Reassign   ReassignResult         `json:"reassign"`
	Completed  bool                   `json:"completed"`
}

// Run executes the three steps in order, stopping at the first step that
// returns an error. The partial report is returned with the error.
func (z *ZoneMigrator) Run(ctx context.Context, year int) (MigrationReport, error) {
	report := MigrationReport{Year: year}

	setup, err := z.SetupZonePartitions(ctx, year)
	report.Setup = setup
	if err != nil {
		return report, fmt.Errorf("setup zone partitions: %w", err)
	}

	violations, err := z.ValidateAssignments(ctx)
	if err != nil {
		return report, fmt.Errorf("validate assignments: %w", err)
	}
	report.Violations = violations
	if len(violations) > 0 {
		z.logger.Warn("zone assignments have violations, continuing", "count", len(violations))
	}

	reassign, err := z.ReassignStagedRequests(ctx)
	report.Reassign = reassign
	if err != nil {
		return report, fmt.Errorf("reassign staged requests: %w", err)
	}
	report.Completed = true
	return report, nil
}
