/*
Package factory converts roster seed documents into directory, roster and
allotment records.

PURPOSE:
  Divisions, zones, the seniority roster and yearly allotments are
  maintained outside this service (union office spreadsheets, the identity
  provider). A seed document carries them in one file so a deployment can
  be bootstrapped or refreshed without code changes.

SCHEMA (YAML; the same keys work as JSON):
  divisions:
    - id: "174"
      name: "Division 174"
      uses_zones: true
      zones:
        - {id: "Z1", name: "North"}
      allotments:                     # yearly defaults
        - {year: 2024, granularity: day, max_slots: 6}
        - {year: 2024, granularity: week, zone: Z1, max_slots: 2}
      overrides:                      # dated overrides
        - {date: "2024-12-24", granularity: day, zone: Z1, max_slots: 1}
  members:
    - {pin: 1001, name: "A. Member", division: "174", zone: "Z1", seniority_rank: 5}

APPLY ORDER:
  divisions and zones, then members, then yearly defaults, then overrides.
  Allotments go through the service so that existing requests are
  re-evaluated against the new capacity.

USAGE:
  seed, err := factory.ParseSeedFile("roster.yaml")
  report, err := factory.NewRosterFactory(svc).Apply(ctx, actor, seed)
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/allotment-engine/scheduling"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// SEED SCHEMA TYPES
// =============================================================================

type Seed struct {
	Divisions []DivisionSeed `yaml:"divisions" json:"divisions"`
	Members   []MemberSeed   `yaml:"members"   json:"members"`
}

type DivisionSeed struct {
	ID         string         `yaml:"id"         json:"id"`
	Name       string         `yaml:"name"       json:"name"`
	UsesZones  bool           `yaml:"uses_zones" json:"uses_zones"`
	Zones      []ZoneSeed     `yaml:"zones"      json:"zones,omitempty"`
	Allotments []YearlySeed   `yaml:"allotments" json:"allotments,omitempty"`
	Overrides  []OverrideSeed `yaml:"overrides"  json:"overrides,omitempty"`
}

type ZoneSeed struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name"`
}

type YearlySeed struct {
	Year        int    `yaml:"year"        json:"year"`
	Granularity string `yaml:"granularity" json:"granularity"`
	Zone        string `yaml:"zone"        json:"zone,omitempty"`
	MaxSlots    int    `yaml:"max_slots"   json:"max_slots"`
}

type OverrideSeed struct {
	Date        string `yaml:"date"        json:"date"`
	Granularity string `yaml:"granularity" json:"granularity"`
	Zone        string `yaml:"zone"        json:"zone,omitempty"`
	MaxSlots    int    `yaml:"max_slots"   json:"max_slots"`
}

type MemberSeed struct {
	PIN           int64  `yaml:"pin"            json:"pin"`
	AccountID     string `yaml:"account_id"     json:"account_id,omitempty"`
	Name          string `yaml:"name"           json:"name"`
	Division      string `yaml:"division"       json:"division"`
	Zone          string `yaml:"zone"           json:"zone,omitempty"`
	SeniorityRank int    `yaml:"seniority_rank" json:"seniority_rank"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseSeed decodes a YAML or JSON seed document and validates it.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&seed); err != nil {
			return nil, fmt.Errorf("failed to parse seed JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&seed); err != nil {
			return nil, fmt.Errorf("failed to parse seed YAML: %w", err)
		}
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// ParseSeedFile reads and parses a seed document from disk.
func ParseSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// Validate checks references within the document. Every problem is
// reported, not just the first.
func (s *Seed) Validate() error {
	var errs []error
	zoned := make(map[string]map[string]bool)

	for i, d := range s.Divisions {
		where := fmt.Sprintf("divisions[%d]", i)
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", where))
			continue
		}
		if _, dup := zoned[d.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate division %q", where, d.ID))
		}
		zones := make(map[string]bool)
		for j, z := range d.Zones {
			if z.ID == "" {
				errs = append(errs, fmt.Errorf("%s.zones[%d]: id is required", where, j))
			}
			zones[z.ID] = true
		}
		if !d.UsesZones && len(d.Zones) > 0 {
			errs = append(errs, fmt.Errorf("%s: zones listed but uses_zones is false", where))
		}
		zoned[d.ID] = zones

		for j, a := range d.Allotments {
			errs = append(errs, checkAllotment(fmt.Sprintf("%s.allotments[%d]", where, j), d, zones, a.Granularity, a.Zone, a.MaxSlots)...)
			if a.Year < 1 {
				errs = append(errs, fmt.Errorf("%s.allotments[%d]: invalid year %d", where, j, a.Year))
			}
		}
		for j, o := range d.Overrides {
			errs = append(errs, checkAllotment(fmt.Sprintf("%s.overrides[%d]", where, j), d, zones, o.Granularity, o.Zone, o.MaxSlots)...)
			if _, err := scheduling.ParseDate(o.Date); err != nil {
				errs = append(errs, fmt.Errorf("%s.overrides[%d]: %w", where, j, err))
			}
		}
	}

	pins := make(map[int64]bool)
	for i, m := range s.Members {
		where := fmt.Sprintf("members[%d]", i)
		if m.PIN <= 0 {
			errs = append(errs, fmt.Errorf("%s: pin must be positive", where))
		}
		if pins[m.PIN] {
			errs = append(errs, fmt.Errorf("%s: duplicate pin %d", where, m.PIN))
		}
		pins[m.PIN] = true
		if m.SeniorityRank < 0 {
			errs = append(errs, fmt.Errorf("%s: seniority_rank must not be negative", where))
		}
		if strings.TrimSpace(m.Division) == "" {
			errs = append(errs, fmt.Errorf("%s: division is required", where))
		}
	}
	return errors.Join(errs...)
}

func checkAllotment(where string, d DivisionSeed, zones map[string]bool, granularity, zone string, maxSlots int) []error {
	var errs []error
	if !scheduling.Granularity(granularity).Valid() {
		errs = append(errs, fmt.Errorf("%s: unknown granularity %q", where, granularity))
	}
	if maxSlots < 0 {
		errs = append(errs, fmt.Errorf("%s: %w", where, scheduling.ErrNegativeCapacity))
	}
	switch {
	case zone != "" && !d.UsesZones:
		errs = append(errs, fmt.Errorf("%s: division %s has no zones", where, d.ID))
	case zone != "" && !zones[zone]:
		errs = append(errs, fmt.Errorf("%s: unknown zone %q", where, zone))
	}
	return errs
}

// =============================================================================
// APPLY
// =============================================================================

// RosterFactory applies seed documents through the service.
type RosterFactory struct {
	svc *scheduling.Service
}

func NewRosterFactory(svc *scheduling.Service) *RosterFactory {
	return &RosterFactory{svc: svc}
}

// ApplyReport counts what a seed changed.
type ApplyReport struct {
	Divisions   int `json:"divisions"`
	Zones       int `json:"zones"`
	Members     int `json:"members"`
	Allotments  int `json:"allotments"`
	Reevaluated int `json:"reevaluated"`
}

// Apply writes the seed. It stops at the first failure; records already
// written stay (every write is an upsert, so re-applying is safe).
func (f *RosterFactory) Apply(ctx context.Context, actor scheduling.Actor, seed *Seed) (ApplyReport, error) {
	var report ApplyReport

	for _, d := range seed.Divisions {
		zones := make([]scheduling.Zone, 0, len(d.Zones))
		for _, z := range d.Zones {
			zones = append(zones, scheduling.Zone{ID: scheduling.ZoneID(z.ID), Name: z.Name})
		}
		division := scheduling.Division{ID: scheduling.DivisionID(d.ID), Name: d.Name, UsesZones: d.UsesZones}
		if err := f.svc.SaveDivision(ctx, actor, division, zones); err != nil {
			return report, fmt.Errorf("division %s: %w", d.ID, err)
		}
		report.Divisions++
		report.Zones += len(zones)
	}

	for _, m := range seed.Members {
		member := scheduling.Member{
			PIN:           scheduling.PIN(m.PIN),
			AccountID:     scheduling.AccountID(m.AccountID),
			Name:          m.Name,
			Division:      scheduling.DivisionID(m.Division),
			Zone:          scheduling.ZoneID(m.Zone),
			SeniorityRank: m.SeniorityRank,
		}
		if err := f.svc.SaveMember(ctx, actor, member); err != nil {
			return report, fmt.Errorf("member %d: %w", m.PIN, err)
		}
		report.Members++
	}

	for _, d := range seed.Divisions {
		for _, a := range d.Allotments {
			p := scheduling.NewPartition(scheduling.DivisionID(d.ID), scheduling.ZoneID(a.Zone))
			change, err := f.svc.SetYearlyDefault(ctx, actor, p, scheduling.Granularity(a.Granularity), a.Year, a.MaxSlots)
			if err != nil {
				return report, fmt.Errorf("yearly default %s %d: %w", p, a.Year, err)
			}
			report.Allotments++
			report.Reevaluated += change.Reevaluated
		}
		for _, o := range d.Overrides {
			p := scheduling.NewPartition(scheduling.DivisionID(d.ID), scheduling.ZoneID(o.Zone))
			date, err := scheduling.ParseDate(o.Date)
			if err != nil {
				return report, err
			}
			change, err := f.svc.SetOverride(ctx, actor, p, scheduling.Granularity(o.Granularity), date, o.MaxSlots)
			if err != nil {
				return report, fmt.Errorf("override %s %s: %w", p, o.Date, err)
			}
			report.Allotments++
			report.Reevaluated += change.Reevaluated
		}
	}
	return report, nil
}

// =============================================================================
// EXPORT
// =============================================================================

// Export builds a seed document from the stored directory and roster,
// including every allotment row.
func (f *RosterFactory) Export(ctx context.Context) (*Seed, error) {
	divisions, err := f.svc.Divisions(ctx)
	if err != nil {
		return nil, err
	}
	seed := &Seed{}
	for _, d := range divisions {
		ds := DivisionSeed{ID: string(d.ID), Name: d.Name, UsesZones: d.UsesZones}
		partitions := []scheduling.Partition{{Division: d.ID}}
		if d.UsesZones {
			zones, err := f.svc.Zones(ctx, d.ID)
			if err != nil {
				return nil, err
			}
			for _, z := range zones {
				ds.Zones = append(ds.Zones, ZoneSeed{ID: string(z.ID), Name: z.Name})
				partitions = append(partitions, scheduling.Partition{Division: d.ID, Zone: z.ID})
			}
		}
		for _, p := range partitions {
			rows, err := f.svc.Registry.Allotments(ctx, p)
			if err != nil {
				return nil, err
			}
			for _, a := range rows {
				if a.Scope == scheduling.ScopeYearly {
					ds.Allotments = append(ds.Allotments, YearlySeed{Year: a.EffectiveDate.Year(), Granularity: string(a.Granularity), Zone: string(p.Zone), MaxSlots: a.MaxSlots})
					continue
				}
				ds.Overrides = append(ds.Overrides, OverrideSeed{Date: a.EffectiveDate.String(), Granularity: string(a.Granularity), Zone: string(p.Zone), MaxSlots: a.MaxSlots})
			}
		}
		seed.Divisions = append(seed.Divisions, ds)
	}

	members, err := f.svc.Members(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		seed.Members = append(seed.Members, MemberSeed{
			PIN:           int64(m.PIN),
			AccountID:     string(m.AccountID),
			Name:          m.Name,
			Division:      string(m.Division),
			Zone:          string(m.Zone),
			SeniorityRank: m.SeniorityRank,
		})
	}
	return seed, nil
}

// YAML renders the seed as a YAML document.
func (s *Seed) YAML() ([]byte, error) {
	return yaml.Marshal(s)
}
