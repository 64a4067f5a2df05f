/*
admission.go - Admission Engine

PURPOSE:
  Decides, for one (partition, date, leave type) key, which requests are
  approved and which wait. Every evaluation recomputes the whole key from
  scratch, so the result only depends on the current requests and capacity.

ALGORITHM:
  1. C = capacity of the key (Registry lookup, 0 if unconfigured)
  2. Drop denied and cancelled requests
  3. Paid-in-lieu requests are approved and take no slot
  4. Sort the rest by seniority rank, then requested_at, then request ID
  5. First C approved, the rest waitlisted with positions 1..N
  6. Write back only rows whose status or position changed

STATE MACHINE:
  pending    -> approved | waitlisted
  approved   -> waitlisted (capacity shrank) | denied | cancelled
  waitlisted -> approved (promotion) | denied | cancelled

TIE-BREAK:
  Equal ranks fall back to requested_at and then to the request ID, which
  is unique, so repeated evaluation of unchanged data is idempotent.

SEE ALSO:
  - ledger.go: runs Evaluate under the per-key lock inside a transaction
  - allotment.go: capacity lookup
*/
package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Decision is the computed status of one request.
type Decision struct {
	ID               RequestID
	Status           RequestStatus
	WaitlistPosition int
}

// Admit is the pure admission step. It returns one decision per active
// request: paid-in-lieu first, then the ranked requests in rank order.
func Admit(capacity int, requests []Request) []Decision {
	if capacity < 0 {
		capacity = 0
	}

	var paid, ranked []Request
	for _, r := range requests {
		if !r.Status.Active() {
			continue
		}
		if r.PaidInLieu {
			paid = append(paid, r)
		} else {
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(paid, func(i, j int) bool { return paid[i].ID < paid[j].ID })
	sort.SliceStable(ranked, func(i, j int) bool { return seniorityLess(ranked[i], ranked[j]) })

	decisions := make([]Decision, 0, len(paid)+len(ranked))
	for _, r := range paid {
		decisions = append(decisions, Decision{ID: r.ID, Status: StatusApproved})
	}
	position := 0
	for i, r := range ranked {
		if i < capacity {
			decisions = append(decisions, Decision{ID: r.ID, Status: StatusApproved})
			continue
		}
		position++
		decisions = append(decisions, Decision{ID: r.ID, Status: StatusWaitlisted, WaitlistPosition: position})
	}
	return decisions
}

func seniorityLess(a, b Request) bool {
	if a.Requester.SeniorityRank != b.Requester.SeniorityRank {
		return a.Requester.SeniorityRank < b.Requester.SeniorityRank
	}
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.ID < b.ID
}

// EvaluationResult summarizes one evaluation of a key.
type EvaluationResult struct {
	Key        SlotKey
	Capacity   int
	Approved   int // excluding paid in lieu
	PaidInLieu int
	Waitlisted int
	Changed    []Request
	Duration   time.Duration

	events []Event
}

// Engine applies Admit to the store. It does no locking of its own.
type Engine struct {
	now func() time.Time
}

func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// Evaluate recomputes statuses for key within s. The caller provides
// serialization and the transaction.
func (e *Engine) Evaluate(ctx context.Context, s Store, key SlotKey) (*EvaluationResult, error) {
	started := e.now()

	capacity, err := capacityFrom(ctx, s, key)
	if err != nil {
		return nil, fmt.Errorf("capacity for %s: %w", key, err)
	}
	requests, err := s.ListRequestsByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("requests for %s: %w", key, err)
	}

	byID := make(map[RequestID]Request, len(requests))
	for _, r := range requests {
		byID[r.ID] = r
	}

	result := &EvaluationResult{Key: key, Capacity: capacity}
	now := e.now().UTC()
	for _, d := range Admit(capacity, requests) {
		r := byID[d.ID]
		switch {
		case d.Status == StatusApproved && r.PaidInLieu:
			result.PaidInLieu++
		case d.Status == StatusApproved:
			result.Approved++
		default:
			result.Waitlisted++
		}
		if r.Status == d.Status && r.WaitlistPosition == d.WaitlistPosition {
			continue
		}

		from := r.Status
		r.Status = d.Status
		r.WaitlistPosition = d.WaitlistPosition
		r.UpdatedAt = now
		if err := s.UpdateRequest(ctx, r); err != nil {
			return nil, fmt.Errorf("update %s: %w", r.ID, err)
		}
		r.Version++
		result.Changed = append(result.Changed, r)

		evt := Event{
			Type:             EventApproved,
			At:               now,
			RequestID:        r.ID,
			PIN:              r.Requester.PIN,
			Key:              key,
			From:             from,
			To:               r.Status,
			WaitlistPosition: r.WaitlistPosition,
		}
		if r.Status == StatusWaitlisted {
			evt.Type = EventWaitlisted
		}
		result.events = append(result.events, evt)
	}
	result.Duration = e.now().Sub(started)
	return result, nil
}
