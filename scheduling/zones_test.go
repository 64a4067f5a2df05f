package scheduling_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allotment-engine/leave"
	"github.com/warp/allotment-engine/scheduling"
)

var (
	div174  = scheduling.NewPartition("174", "")
	zone1   = scheduling.NewPartition("174", "Z1")
	zone2   = scheduling.NewPartition("174", "Z2")
	zoneIDs = []scheduling.Zone{{ID: "Z1", Name: "East"}, {ID: "Z2", Name: "West"}}
)

// zoned turns division 174 into a zoned division with Z1 and Z2.
func (e *testEnv) zoned(t *testing.T) {
	t.Helper()
	require.NoError(t, e.svc.SaveDivision(context.Background(), system,
		scheduling.Division{ID: "174", Name: "Division 174", UsesZones: true}, zoneIDs))
}

func (e *testEnv) capacity(t *testing.T, p scheduling.Partition, date string) int {
	t.Helper()
	c, err := e.svc.Registry.Capacity(context.Background(), p, scheduling.MustParseDate(date), leave.PLD)
	require.NoError(t, err)
	return c
}

func TestZoneMigration_CopiesDivisionDefault(t *testing.T) {
	// GIVEN: division 174 had a day default of 4 before splitting into zones
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "174")
	env.yearly(t, div174, 2025, 4)
	env.zoned(t)

	// WHEN
	report, err := env.svc.MigrateZones(ctx, system, 2025)

	// THEN: each zone gets the division's value
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, []scheduling.DivisionID{"174"}, report.Setup.Updated)
	assert.Len(t, report.Setup.Seeded, 2)
	assert.Equal(t, 4, env.capacity(t, zone1, "2025-08-11"))
	assert.Equal(t, 4, env.capacity(t, zone2, "2025-08-11"))
}

func TestZoneMigration_FallsBackToSix(t *testing.T) {
	env := newTestEnv(t)
	env.zoned(t)

	report, err := env.svc.MigrateZones(context.Background(), system, 2025)

	require.NoError(t, err)
	require.Len(t, report.Setup.Seeded, 2, "no week default without a division week default")
	for _, a := range report.Setup.Seeded {
		assert.Equal(t, scheduling.DefaultZoneSlots, a.MaxSlots)
		assert.Equal(t, scheduling.GranularityDay, a.Granularity)
		assert.Equal(t, "zone-migration", a.UpdatedBy)
	}
	assert.Equal(t, 6, env.capacity(t, zone2, "2025-01-01"))
}

func TestZoneMigration_KeepsExistingZoneRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.zoned(t)
	env.yearly(t, zone1, 2025, 9)

	report, err := env.svc.MigrateZones(ctx, system, 2025)
	require.NoError(t, err)
	require.Len(t, report.Setup.Seeded, 1)
	assert.Equal(t, zone2, report.Setup.Seeded[0].Partition)
	assert.Equal(t, 9, env.capacity(t, zone1, "2025-03-03"))

	// Running again seeds nothing
	again, err := env.svc.MigrateZones(ctx, system, 2025)
	require.NoError(t, err)
	assert.Empty(t, again.Setup.Seeded)
}

func TestZoneMigration_DivisionWithoutZonesFailsAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.zoned(t)
	require.NoError(t, env.svc.SaveDivision(ctx, system, scheduling.Division{ID: "200", UsesZones: true}, nil))

	report, err := env.svc.MigrateZones(ctx, system, 2025)

	require.NoError(t, err)
	assert.Equal(t, []scheduling.DivisionID{"174"}, report.Setup.Updated)
	require.Len(t, report.Setup.Failed, 1)
	assert.Equal(t, scheduling.DivisionID("200"), report.Setup.Failed[0].Division)
}

func TestZoneMigration_ValidateAssignments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.zoned(t)
	env.division(t, "A")
	for _, m := range []scheduling.Member{
		{PIN: 1, Division: "174", Zone: "Z1", SeniorityRank: 1}, // fine
		{PIN: 2, Division: "174", SeniorityRank: 2},
		{PIN: 3, Division: "174", Zone: "Z9", SeniorityRank: 3},
		{PIN: 4, Division: "A", Zone: "Z1", SeniorityRank: 4},
		{PIN: 5, Division: "A", SeniorityRank: 5}, // fine
	} {
		require.NoError(t, env.svc.SaveMember(ctx, system, m))
	}

	violations, err := env.svc.ZoneViolations(ctx, system)
	require.NoError(t, err)

	reasons := map[scheduling.PIN]string{}
	for _, v := range violations {
		reasons[v.PIN] = v.Reason
	}
	assert.Equal(t, map[scheduling.PIN]string{
		2: "no zone assigned in a zoned division",
		3: "zone is not part of the division",
		4: "division does not use zones",
	}, reasons)

	_, err = env.svc.ZoneViolations(ctx, member(1))
	assert.ErrorIs(t, err, scheduling.ErrForbidden)
}

func TestZoneMigration_ReassignsStagedRequests(t *testing.T) {
	// GIVEN: requests staged while 174 was a single partition
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "174")
	today := scheduling.MustParseDate("2025-01-02")
	onRoster, err := env.svc.Scheduler.Stage(ctx, requester(3001, 1), div174, scheduling.MustParseDate("2025-08-11"), leave.PLD, today)
	require.NoError(t, err)
	_, err = env.svc.Scheduler.Stage(ctx, requester(3002, 2), div174, scheduling.MustParseDate("2025-08-11"), leave.PLD, today)
	require.NoError(t, err)

	// AND: the division splits and only 3001 is on the roster with a zone
	env.zoned(t)
	require.NoError(t, env.svc.SaveMember(ctx, system, scheduling.Member{PIN: 3001, Division: "174", Zone: "Z1", SeniorityRank: 1}))

	// WHEN
	report, err := env.svc.MigrateZones(ctx, system, 2025)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reassign.Reassigned)
	assert.Equal(t, 1, report.Reassign.Skipped)
	require.Len(t, report.Reassign.Warnings, 1)
	assert.Equal(t, scheduling.PIN(3002), report.Reassign.Warnings[0].PIN)

	st, err := env.store.GetStaged(ctx, onRoster.ID)
	require.NoError(t, err)
	assert.Equal(t, zone1, st.Partition)

	// AND: promotion lands the request in its zone
	res, err := env.svc.Promote(ctx, system, scheduling.MustParseDate("2025-02-11"), scheduling.Date{}, scheduling.Date{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)
	assert.Equal(t, 1, res.Failed, "the unzoned request no longer fits the division")
	r := env.get(t, scheduling.PromotedRequestID(onRoster.ID))
	assert.Equal(t, zone1, r.Partition)
	assert.Equal(t, scheduling.StatusApproved, r.Status)
}

func TestZoneMigration_Forbidden(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.MigrateZones(context.Background(), scheduling.Actor{ID: "d", Role: scheduling.RoleDivisionAdmin, Division: "174"}, 2025)
	assert.ErrorIs(t, err, scheduling.ErrForbidden)
}
