/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the documented state:
	- Seniority decides admission regardless of submission order
	- Staged requests stay out of the ledger until their promotion day
	- Zone migration seeds zone allotments and reassigns staged requests

These tests double as integration tests of the service over SQLite.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allotment-engine/scheduling"
)

func statusByPIN(rows []RequestDTO) map[int64]RequestDTO {
	out := make(map[int64]RequestDTO, len(rows))
	for _, r := range rows {
		out[r.PIN] = r
	}
	return out
}

func TestScenario_SeniorityWaitlist(t *testing.T) {
	// GIVEN: capacity 2; ranks 5, 2, 9 submit in that order; rank 2 cancels
	env := newTestEnv(t)

	// WHEN: loading the scenario
	result, err := env.handler.RunScenario(context.Background(), "seniority-waitlist")
	require.NoError(t, err)

	// THEN: rank 5 and rank 9 hold the slots and nobody waits
	byPIN := statusByPIN(result.Requests)
	require.Len(t, byPIN, 3)
	assert.Equal(t, "approved", byPIN[1005].Status)
	assert.Equal(t, "cancelled", byPIN[1002].Status)
	assert.Equal(t, "approved", byPIN[1009].Status)
	assert.Zero(t, byPIN[1009].WaitlistPosition)

	// AND: before the cancellation rank 9 was first on the waitlist
	assert.Contains(t, result.Steps, "pin 1009 (rank 9) submitted PLD for 2024-06-01: waitlisted")
}

func TestScenario_AdvanceStaging(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.handler.RunScenario(context.Background(), "advance-staging")
	require.NoError(t, err)

	assert.Contains(t, result.Steps, "daily run on 2024-10-19 promoted 0")
	assert.Contains(t, result.Steps, "daily run on 2024-10-20 promoted 1")

	require.Len(t, result.Staged, 1)
	assert.True(t, result.Staged[0].Processed)
	require.Len(t, result.Requests, 1)
	assert.Equal(t, result.Staged[0].PromotedRequestID, result.Requests[0].ID)
	assert.Equal(t, "approved", result.Requests[0].Status)
	assert.Equal(t, "promoted", result.Requests[0].Source)
}

func TestScenario_ZoneMigration(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.handler.RunScenario(context.Background(), "zone-migration")
	require.NoError(t, err)

	require.Len(t, result.Staged, 1)
	assert.Equal(t, "Z1", result.Staged[0].Zone)
	assert.Contains(t, result.Steps, "staged requests reassigned: 1")

	// Zone allotments are seeded from the division's default of 4.
	for _, zone := range []scheduling.ZoneID{"Z1", "Z2"} {
		capacity, err := env.service.Registry.Capacity(context.Background(),
			scheduling.NewPartition("174", zone), scheduling.MustParseDate("2025-08-11"), scheduling.LookupLeaveType("PLD"))
		require.NoError(t, err)
		assert.Equal(t, 4, capacity, "zone %s", zone)
	}
}

func TestScenario_ReloadResetsStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.handler.RunScenario(ctx, "zone-migration")
	require.NoError(t, err)
	result, err := env.handler.RunScenario(ctx, "seniority-waitlist")
	require.NoError(t, err)
	assert.Len(t, result.Requests, 3)

	divisions, err := env.service.Divisions(ctx)
	require.NoError(t, err)
	require.Len(t, divisions, 1)
	assert.Equal(t, scheduling.DivisionID("A"), divisions[0].ID)
}

func TestScenarioEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, anyone, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = env.do(t, memberActor(1), http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "advance-staging"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, admin, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, admin, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "advance-staging"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, anyone, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "advance-staging", decode[map[string]string](t, rec)["scenario_id"])
}
