/*
allotment.go - Allotment Registry

PURPOSE:
  Answers "how many requests may be approved for this partition on this
  day (or in this week)?" and lets admins configure the answer.

LOOKUP ORDER:
  1. Dated override for the key date (day, or ISO week start for weeks)
  2. Yearly default for the key date's calendar year
  3. Zero. No quota configured means nothing is admitted (fails closed).

UPSERTS:
  A second SetYearlyDefault/SetOverride for the same key replaces the row.
  Negative values are rejected, never clamped.

SEE ALSO:
  - admission.go: consumes Capacity
  - service.go: re-evaluates affected keys after a capacity change
*/
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Registry is the Allotment Registry.
type Registry struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

func NewRegistry(store Store, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Registry{store: store, timeout: timeout, now: time.Now}
}

// Capacity returns the max approved slots for the key.
func (r *Registry) Capacity(ctx context.Context, p Partition, date Date, lt LeaveType) (int, error) {
	if lt == nil {
		return 0, &ValidationError{Field: "leave_type", Reason: "required", Err: ErrUnknownLeaveType}
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	c, err := capacityFrom(ctx, r.store, NewSlotKey(p, date, lt))
	return c, classify(err)
}

func capacityFrom(ctx context.Context, s AllotmentStore, key SlotKey) (int, error) {
	g := key.LeaveType.Granularity()
	override, err := s.GetAllotment(ctx, key.Partition, g, ScopeDated, key.Date)
	if err != nil {
		return 0, err
	}
	if override != nil {
		return override.MaxSlots, nil
	}
	yearly, err := s.GetAllotment(ctx, key.Partition, g, ScopeYearly, StartOfYear(key.Date.Year()))
	if err != nil {
		return 0, err
	}
	if yearly != nil {
		return yearly.MaxSlots, nil
	}
	return 0, nil
}

// SetYearlyDefault upserts the yearly default for a partition.
func (r *Registry) SetYearlyDefault(ctx context.Context, actor Actor, p Partition, g Granularity, year int, value int) (*Allotment, error) {
	if year < 1 {
		return nil, &ValidationError{Field: "year", Reason: fmt.Sprintf("invalid year %d", year), Err: ErrInvalidDate}
	}
	return r.upsert(ctx, actor, Allotment{
		Partition:     p,
		Granularity:   g,
		Scope:         ScopeYearly,
		EffectiveDate: StartOfYear(year),
		MaxSlots:      value,
	})
}

// SetOverride upserts a day override, or a week override keyed by the
// ISO week start of date.
func (r *Registry) SetOverride(ctx context.Context, actor Actor, p Partition, g Granularity, date Date, value int) (*Allotment, error) {
	if date.IsZero() {
		return nil, &ValidationError{Field: "date", Reason: "required", Err: ErrInvalidDate}
	}
	return r.upsert(ctx, actor, Allotment{
		Partition:     p,
		Granularity:   g,
		Scope:         ScopeDated,
		EffectiveDate: g.Normalize(date),
		MaxSlots:      value,
	})
}

func (r *Registry) upsert(ctx context.Context, actor Actor, a Allotment) (*Allotment, error) {
	if err := actor.require(CapManageAllotments, a.Partition.Division); err != nil {
		return nil, err
	}
	if a.MaxSlots < 0 {
		return nil, &ValidationError{Field: "max_slots", Reason: fmt.Sprintf("got %d", a.MaxSlots), Err: ErrNegativeCapacity}
	}
	if !a.Granularity.Valid() {
		return nil, &ValidationError{Field: "granularity", Reason: fmt.Sprintf("unknown granularity %q", a.Granularity)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := ValidatePartition(ctx, r.store, a.Partition); err != nil {
		return nil, classify(err)
	}
	a.UpdatedBy = actor.ID
	a.UpdatedAt = r.now().UTC()
	if err := r.store.UpsertAllotment(ctx, a); err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

// Allotments lists every configured row for a partition.
func (r *Registry) Allotments(ctx context.Context, p Partition) ([]Allotment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.store.ListAllotments(ctx, p)
	return rows, classify(err)
}

// ValidatePartition checks p against the division/zone directory.
func ValidatePartition(ctx context.Context, s DirectoryStore, p Partition) error {
	if p.Division == "" {
		return &ValidationError{Field: "division", Reason: "required", Err: ErrUnknownPartition}
	}
	div, err := s.GetDivision(ctx, p.Division)
	if errors.Is(err, ErrDivisionNotFound) {
		return &ValidationError{Field: "division", Reason: fmt.Sprintf("unknown division %q", p.Division), Err: ErrUnknownPartition}
	}
	if err != nil {
		return err
	}
	if !div.UsesZones {
		if p.HasZone() {
			return &ValidationError{Field: "zone", Reason: fmt.Sprintf("division %q has no zones", p.Division), Err: ErrUnknownPartition}
		}
		return nil
	}
	if !p.HasZone() {
		return &ValidationError{Field: "zone", Reason: fmt.Sprintf("division %q requires a zone", p.Division), Err: ErrUnknownPartition}
	}
	zones, err := s.ListZones(ctx, p.Division)
	if err != nil {
		return err
	}
	for _, z := range zones {
		if z.ID == p.Zone {
			return nil
		}
	}
	return &ValidationError{Field: "zone", Reason: fmt.Sprintf("unknown zone %q in division %q", p.Zone, p.Division), Err: ErrUnknownPartition}
}
