/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that reset the store and walk the engine
	through a documented sequence, so the admission, staging and zone
	behaviour can be inspected through the API.

AVAILABLE SCENARIOS:

	seniority-waitlist: capacity 2, ranks 5/2/9 submit, rank 2 cancels
	advance-staging:    a request 7+ months out is staged, then promoted
	zone-migration:     a division splits into zones mid-year

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create divisions, members and allotments through the service
 3. Drive requests with explicit "today" values
 4. Return the resulting requests and a step log

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "seniority-waitlist"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - factory/roster.go: seed documents for non-demo data
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/allotment-engine/leave"
	"github.com/warp/allotment-engine/scheduling"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "seniority-waitlist",
		Name:        "Seniority Waitlist",
		Description: "Capacity 2 on 2024-06-01; ranks 5, 2 and 9 submit PLD, then rank 2 cancels and rank 9 is admitted",
	},
	{
		ID:          "advance-staging",
		Name:        "Six-Month Advance Request",
		Description: "A PLD for 2025-04-20 requested on 2024-09-01 is staged, then promoted by the 2024-10-20 daily run",
	},
	{
		ID:          "zone-migration",
		Name:        "Zone Migration",
		Description: "Division 174 adopts zones; zone allotments are seeded and staged requests get their member's zone",
	},
}

var scenarioLoaders = map[string]func(context.Context, *Handler) (ScenarioResult, error){
	"seniority-waitlist": loadSeniorityWaitlistScenario,
	"advance-staging":    loadAdvanceStagingScenario,
	"zone-migration":     loadZoneMigrationScenario,
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

// LoadScenario resets the store and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !actorFrom(r.Context()).Can(scheduling.CapRunMigrations) {
		writeDomainError(w, fmt.Errorf("%w: loading scenarios", scheduling.ErrForbidden))
		return
	}
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "Scenarios are disabled for this store", nil)
		return
	}
	if _, ok := scenarioLoaders[req.ScenarioID]; !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	result, err := h.RunScenario(r.Context(), req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RunScenario resets the store and runs the named scenario.
func (h *Handler) RunScenario(ctx context.Context, id string) (ScenarioResult, error) {
	load, ok := scenarioLoaders[id]
	if !ok {
		return ScenarioResult{}, fmt.Errorf("unknown scenario %q", id)
	}
	if h.store == nil {
		return ScenarioResult{}, fmt.Errorf("store does not support reset")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.Reset(ctx); err != nil {
		return ScenarioResult{}, fmt.Errorf("reset store: %w", err)
	}
	result, err := load(ctx, h)
	if err != nil {
		h.currentScenario = ""
		return result, err
	}
	result.Scenario = id
	h.currentScenario = id
	h.logger.Info("scenario loaded", "scenario", id, "requests", len(result.Requests), "staged", len(result.Staged))
	return result, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type scenarioRun struct {
	h      *Handler
	result ScenarioResult
}

func (s *scenarioRun) step(format string, args ...any) {
	s.result.Steps = append(s.result.Steps, fmt.Sprintf(format, args...))
}

func (s *scenarioRun) division(ctx context.Context, id scheduling.DivisionID, name string, zones ...scheduling.Zone) error {
	d := scheduling.Division{ID: id, Name: name, UsesZones: len(zones) > 0}
	if err := s.h.Service.SaveDivision(ctx, scheduling.SystemActor, d, zones); err != nil {
		return fmt.Errorf("create division %s: %w", id, err)
	}
	s.step("division %s created with %d zones", id, len(zones))
	return nil
}

func (s *scenarioRun) submit(ctx context.Context, pin scheduling.PIN, rank int, p scheduling.Partition, date scheduling.Date) (*scheduling.Request, error) {
	req, err := s.h.Service.Ledger.Submit(ctx, scheduling.Requester{PIN: pin, SeniorityRank: rank}, p, date, leave.PLD)
	if err != nil {
		return nil, fmt.Errorf("submit pin %d: %w", pin, err)
	}
	s.step("pin %d (rank %d) submitted PLD for %s: %s", pin, rank, date, req.Status)
	return req, nil
}

func (s *scenarioRun) collect(ctx context.Context, p scheduling.Partition, date scheduling.Date) error {
	rows, err := s.h.Service.Ledger.ListByPartitionAndDate(ctx, p, date, leave.PLD)
	if err != nil {
		return err
	}
	s.result.Requests = append(s.result.Requests, toRequestDTOs(rows)...)
	return nil
}

// loadSeniorityWaitlistScenario: the more senior requesters take the two
// slots regardless of submission order; a cancellation admits the head of
// the waitlist.
func loadSeniorityWaitlistScenario(ctx context.Context, h *Handler) (ScenarioResult, error) {
	s := &scenarioRun{h: h}
	p := scheduling.NewPartition("A", "")
	date := scheduling.MustParseDate("2024-06-01")

	if err := s.division(ctx, "A", "Division A"); err != nil {
		return s.result, err
	}
	if _, err := h.Service.SetOverride(ctx, scheduling.SystemActor, p, scheduling.GranularityDay, date, 2); err != nil {
		return s.result, err
	}
	s.step("capacity for %s on %s set to 2", p, date)

	var second *scheduling.Request
	for _, rq := range []struct {
		pin  scheduling.PIN
		rank int
	}{{1005, 5}, {1002, 2}, {1009, 9}} {
		req, err := s.submit(ctx, rq.pin, rq.rank, p, date)
		if err != nil {
			return s.result, err
		}
		if rq.rank == 2 {
			second = req
		}
	}

	cancelled, err := h.Service.Ledger.Cancel(ctx, scheduling.SystemActor, second.ID)
	if err != nil {
		return s.result, fmt.Errorf("cancel rank 2: %w", err)
	}
	s.step("pin %d (rank 2) cancelled: %s", cancelled.Requester.PIN, cancelled.Status)

	return s.result, s.collect(ctx, p, date)
}

// loadAdvanceStagingScenario: the request is held outside the ledger until
// the daily run on the first day its date is inside the six-month window.
func loadAdvanceStagingScenario(ctx context.Context, h *Handler) (ScenarioResult, error) {
	s := &scenarioRun{h: h}
	p := scheduling.NewPartition("A", "")
	date := scheduling.MustParseDate("2025-04-20")

	if err := s.division(ctx, "A", "Division A"); err != nil {
		return s.result, err
	}
	if _, err := h.Service.SetYearlyDefault(ctx, scheduling.SystemActor, p, scheduling.GranularityDay, 2025, 2); err != nil {
		return s.result, err
	}
	s.step("2025 day default for %s set to 2", p)

	out, err := h.Service.RequestLeave(ctx, scheduling.Requester{PIN: 2001, SeniorityRank: 3}, p, date, leave.PLD, scheduling.MustParseDate("2024-09-01"))
	if err != nil {
		return s.result, err
	}
	if out.Staged == nil {
		return s.result, fmt.Errorf("request for %s was not staged", date)
	}
	s.step("on 2024-09-01 pin 2001 requested %s: staged %s", date, out.Staged.ID)

	early, err := h.Service.Promote(ctx, scheduling.SystemActor, scheduling.MustParseDate("2024-10-19"), scheduling.Date{}, scheduling.Date{})
	if err != nil {
		return s.result, err
	}
	s.step("daily run on 2024-10-19 promoted %d", early.Promoted)

	due, err := h.Service.Promote(ctx, scheduling.SystemActor, scheduling.MustParseDate("2024-10-20"), scheduling.Date{}, scheduling.Date{})
	if err != nil {
		return s.result, err
	}
	s.step("daily run on 2024-10-20 promoted %d", due.Promoted)

	staged, err := h.Service.Scheduler.Staged(ctx, scheduling.StagedFilter{PIN: 2001})
	if err != nil {
		return s.result, err
	}
	s.result.Staged = toStagedDTOs(staged)
	return s.result, s.collect(ctx, p, date)
}

// loadZoneMigrationScenario: division 174 had a division-wide default and
// splits into two zones; one member's zone is missing.
func loadZoneMigrationScenario(ctx context.Context, h *Handler) (ScenarioResult, error) {
	s := &scenarioRun{h: h}
	division := scheduling.DivisionID("174")
	whole := scheduling.NewPartition(division, "")

	if err := s.division(ctx, division, "Division 174"); err != nil {
		return s.result, err
	}
	if _, err := h.Service.SetYearlyDefault(ctx, scheduling.SystemActor, whole, scheduling.GranularityDay, 2025, 4); err != nil {
		return s.result, err
	}
	st, err := h.Service.Scheduler.Stage(ctx, scheduling.Requester{PIN: 3001, SeniorityRank: 1}, whole,
		scheduling.MustParseDate("2025-08-11"), leave.PLD, scheduling.MustParseDate("2025-01-02"))
	if err != nil {
		return s.result, err
	}
	s.step("pin 3001 staged %s before zones existed", st.Date)

	zones := []scheduling.Zone{{ID: "Z1", Name: "North"}, {ID: "Z2", Name: "South"}}
	if err := s.division(ctx, division, "Division 174", zones...); err != nil {
		return s.result, err
	}
	members := []scheduling.Member{
		{PIN: 3001, Name: "North Member", Division: division, Zone: "Z1", SeniorityRank: 1},
		{PIN: 3002, Name: "Unzoned Member", Division: division, SeniorityRank: 2},
	}
	for _, m := range members {
		if err := h.Service.SaveMember(ctx, scheduling.SystemActor, m); err != nil {
			return s.result, err
		}
	}
	s.step("roster loaded: %d members", len(members))

	report, err := h.Service.MigrateZones(ctx, scheduling.SystemActor, 2025)
	if err != nil {
		return s.result, err
	}
	s.step("zone allotments seeded: %d rows", len(report.Setup.Seeded))
	for _, v := range report.Violations {
		s.step("violation: %s", v.Error())
	}
	s.step("staged requests reassigned: %d", report.Reassign.Reassigned)

	staged, err := h.Service.Scheduler.Staged(ctx, scheduling.StagedFilter{})
	if err != nil {
		return s.result, err
	}
	s.result.Staged = toStagedDTOs(staged)
	s.result.Requests = []RequestDTO{}
	return s.result, nil
}
