package scheduling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allotment-engine/leave"
	"github.com/warp/allotment-engine/scheduling"
	"github.com/warp/allotment-engine/scheduling/store"
)

// =============================================================================
// SUBMIT
// =============================================================================

func TestLedger_SeniorityWaitlistAndCancellation(t *testing.T) {
	// GIVEN: capacity 2 on June 1
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 2)

	// WHEN: ranks 5, 2, 9 submit in that order
	r5 := env.submit(t, 1005, 5, june1)
	assert.Equal(t, scheduling.StatusApproved, r5.Status)
	r2 := env.submit(t, 1002, 2, june1)
	assert.Equal(t, scheduling.StatusApproved, r2.Status)
	r9 := env.submit(t, 1009, 9, june1)

	// THEN: rank 9 waits first in line
	assert.Equal(t, scheduling.StatusWaitlisted, r9.Status)
	assert.Equal(t, 1, r9.WaitlistPosition)

	// WHEN: rank 2 cancels their own request
	cancelled, err := env.svc.Ledger.Cancel(ctx, member(1002), r2.ID)
	require.NoError(t, err)

	// THEN: rank 9 takes the vacated slot
	assert.Equal(t, scheduling.StatusCancelled, cancelled.Status)
	r9 = env.get(t, r9.ID)
	assert.Equal(t, scheduling.StatusApproved, r9.Status)
	assert.Zero(t, r9.WaitlistPosition)

	// AND: the listing puts approved first, then seniority
	rows, err := env.svc.Ledger.ListByPartitionAndDate(ctx, divA, june1, leave.PLD)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []scheduling.PIN{1005, 1009, 1002}, []scheduling.PIN{rows[0].Requester.PIN, rows[1].Requester.PIN, rows[2].Requester.PIN})
}

func TestLedger_SeniorSubmitterBumpsJuniorToWaitlist(t *testing.T) {
	env := newTestEnv(t)
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)

	junior := env.submit(t, 2, 20, june1)
	require.Equal(t, scheduling.StatusApproved, junior.Status)

	senior := env.submit(t, 1, 10, june1)

	assert.Equal(t, scheduling.StatusApproved, senior.Status)
	junior = env.get(t, junior.ID)
	assert.Equal(t, scheduling.StatusWaitlisted, junior.Status)
	assert.Equal(t, 1, junior.WaitlistPosition)
}

func TestLedger_NoCapacityConfiguredFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.division(t, "A")

	r := env.submit(t, 1, 1, june1)

	assert.Equal(t, scheduling.StatusWaitlisted, r.Status)
	assert.Equal(t, 1, r.WaitlistPosition)
}

func TestLedger_YearlyDefaultAndOverridePrecedence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")

	_, err := env.svc.SetYearlyDefault(ctx, system, divA, scheduling.GranularityDay, 2024, 3)
	require.NoError(t, err)
	env.override(t, divA, scheduling.GranularityDay, june1, 1)

	c, err := env.svc.Registry.Capacity(ctx, divA, june1, leave.PLD)
	require.NoError(t, err)
	assert.Equal(t, 1, c, "override wins")

	c, err = env.svc.Registry.Capacity(ctx, divA, june1.AddDays(1), leave.PLD)
	require.NoError(t, err)
	assert.Equal(t, 3, c, "yearly default elsewhere")

	c, err = env.svc.Registry.Capacity(ctx, divA, scheduling.MustParseDate("2025-06-01"), leave.PLD)
	require.NoError(t, err)
	assert.Zero(t, c, "other years are unconfigured")

	c, err = env.svc.Registry.Capacity(ctx, divA, june1, leave.VAC)
	require.NoError(t, err)
	assert.Zero(t, c, "week quota is separate from day quota")
}

func TestLedger_VacationCountedPerWeek(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	monday := scheduling.MustParseDate("2024-06-03")
	env.override(t, divA, scheduling.GranularityWeek, monday.AddDays(2), 1)

	first, err := env.svc.Ledger.Submit(ctx, requester(1, 1), divA, monday.AddDays(1), leave.VAC)
	require.NoError(t, err)
	second, err := env.svc.Ledger.Submit(ctx, requester(2, 2), divA, monday.AddDays(4), leave.VAC)
	require.NoError(t, err)

	assert.Equal(t, monday, first.Date, "vacation is keyed by the week start")
	assert.Equal(t, scheduling.StatusApproved, first.Status)
	assert.Equal(t, scheduling.StatusWaitlisted, second.Status, "same week, one slot")
}

func TestLedger_LeaveTypesHaveIndependentQuotas(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)

	pld, err := env.svc.Ledger.Submit(ctx, requester(1, 1), divA, june1, leave.PLD)
	require.NoError(t, err)
	sdv, err := env.svc.Ledger.Submit(ctx, requester(2, 2), divA, june1, leave.SDV)
	require.NoError(t, err)

	assert.Equal(t, scheduling.StatusApproved, pld.Status)
	assert.Equal(t, scheduling.StatusApproved, sdv.Status)
}

func TestLedger_SubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)

	_, err := env.svc.Ledger.Submit(ctx, requester(1, 1), scheduling.NewPartition("nope", ""), june1, leave.PLD)
	assert.ErrorIs(t, err, scheduling.ErrUnknownPartition)

	_, err = env.svc.Ledger.Submit(ctx, requester(1, 1), scheduling.NewPartition("A", "Z1"), june1, leave.PLD)
	assert.ErrorIs(t, err, scheduling.ErrUnknownPartition, "division A has no zones")

	_, err = env.svc.Ledger.Submit(ctx, requester(0, 1), divA, june1, leave.PLD)
	assert.ErrorIs(t, err, scheduling.ErrValidation)

	_, err = env.svc.Ledger.Submit(ctx, requester(1, 1), divA, june1, nil)
	assert.ErrorIs(t, err, scheduling.ErrUnknownLeaveType)

	_, err = env.svc.Ledger.Submit(ctx, requester(1, 1), divA, scheduling.Date{}, leave.PLD)
	assert.ErrorIs(t, err, scheduling.ErrInvalidDate)

	_, err = env.svc.Ledger.Submit(ctx, requester(1, 1), divA, june1, leave.PLD)
	require.NoError(t, err)
	_, err = env.svc.Ledger.Submit(ctx, requester(1, 1), divA, june1, leave.PLD)
	assert.ErrorIs(t, err, scheduling.ErrDuplicateRequest)
}

func TestLedger_ResubmitAfterCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)

	first := env.submit(t, 1, 1, june1)
	_, err := env.svc.Ledger.Cancel(ctx, member(1), first.ID)
	require.NoError(t, err)

	again := env.submit(t, 1, 1, june1)
	assert.Equal(t, scheduling.StatusApproved, again.Status)
	assert.NotEqual(t, first.ID, again.ID)
}

// =============================================================================
// CANCEL / DENY
// =============================================================================

func TestLedger_CancelPermissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)
	r := env.submit(t, 1, 1, june1)

	_, err := env.svc.Ledger.Cancel(ctx, member(2), r.ID)
	assert.ErrorIs(t, err, scheduling.ErrForbidden, "members cancel only their own")

	otherAdmin := scheduling.Actor{ID: "b-admin", Role: scheduling.RoleDivisionAdmin, Division: "B"}
	_, err = env.svc.Ledger.Cancel(ctx, otherAdmin, r.ID)
	assert.ErrorIs(t, err, scheduling.ErrForbidden, "division admins are scoped")

	ownAdmin := scheduling.Actor{ID: "a-admin", Role: scheduling.RoleDivisionAdmin, Division: "A"}
	out, err := env.svc.Ledger.Cancel(ctx, ownAdmin, r.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusCancelled, out.Status)

	_, err = env.svc.Ledger.Cancel(ctx, ownAdmin, r.ID)
	assert.ErrorIs(t, err, scheduling.ErrInvalidTransition, "closed requests stay closed")

	_, err = env.svc.Ledger.Cancel(ctx, ownAdmin, "missing")
	assert.ErrorIs(t, err, scheduling.ErrRequestNotFound)
}

func TestLedger_DenyPromotesNextInLine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)
	first := env.submit(t, 1, 1, june1)
	second := env.submit(t, 2, 2, june1)
	third := env.submit(t, 3, 3, june1)

	_, err := env.svc.Ledger.Deny(ctx, member(1), first.ID, "self-deny")
	assert.ErrorIs(t, err, scheduling.ErrForbidden, "members never deny")

	denied, err := env.svc.Ledger.Deny(ctx, admin, first.ID, "staffing")
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusDenied, denied.Status)
	assert.Equal(t, "staffing", denied.DenialReason)

	assert.Equal(t, scheduling.StatusApproved, env.get(t, second.ID).Status)
	third = env.get(t, third.ID)
	assert.Equal(t, scheduling.StatusWaitlisted, third.Status)
	assert.Equal(t, 1, third.WaitlistPosition, "positions close up")
}

// =============================================================================
// ALLOTMENT CHANGES
// =============================================================================

func TestService_CapacityChangeReevaluates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)
	r1 := env.submit(t, 1, 1, june1)
	r2 := env.submit(t, 2, 2, june1)
	require.Equal(t, scheduling.StatusWaitlisted, r2.Status)

	// WHEN: capacity grows
	change, err := env.svc.SetOverride(ctx, system, divA, scheduling.GranularityDay, june1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, change.Reevaluated)
	assert.Equal(t, scheduling.StatusApproved, env.get(t, r2.ID).Status)

	// WHEN: capacity shrinks below the approved count
	_, err = env.svc.SetOverride(ctx, system, divA, scheduling.GranularityDay, june1, 0)
	require.NoError(t, err)

	// THEN: everyone waits, in seniority order
	assert.Equal(t, 1, env.get(t, r1.ID).WaitlistPosition)
	assert.Equal(t, 2, env.get(t, r2.ID).WaitlistPosition)
}

func TestService_AllotmentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")

	_, err := env.svc.SetOverride(ctx, system, divA, scheduling.GranularityDay, june1, -1)
	assert.ErrorIs(t, err, scheduling.ErrNegativeCapacity)

	_, err = env.svc.SetYearlyDefault(ctx, system, divA, "month", 2024, 1)
	assert.ErrorIs(t, err, scheduling.ErrValidation)

	_, err = env.svc.SetYearlyDefault(ctx, system, divA, scheduling.GranularityDay, 0, 1)
	assert.ErrorIs(t, err, scheduling.ErrInvalidDate)

	_, err = env.svc.SetYearlyDefault(ctx, member(1), divA, scheduling.GranularityDay, 2024, 1)
	assert.ErrorIs(t, err, scheduling.ErrForbidden)

	_, err = env.svc.SetYearlyDefault(ctx, system, scheduling.NewPartition("B", ""), scheduling.GranularityDay, 2024, 1)
	assert.ErrorIs(t, err, scheduling.ErrUnknownPartition)

	rows, err := env.svc.Registry.Allotments(ctx, divA)
	require.NoError(t, err)
	assert.Empty(t, rows, "rejected writes leave nothing behind")
}

func TestService_UpsertReplacesRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")

	env.override(t, divA, scheduling.GranularityDay, june1, 4)
	env.override(t, divA, scheduling.GranularityDay, june1, 2)

	rows, err := env.svc.Registry.Allotments(ctx, divA)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].MaxSlots)
	assert.Equal(t, system.ID, rows[0].UpdatedBy)
}

// =============================================================================
// EVALUATION
// =============================================================================

func TestLedger_EvaluateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)
	env.submit(t, 1, 1, june1)
	env.submit(t, 2, 2, june1)

	key := scheduling.NewSlotKey(divA, june1, leave.PLD)
	res, err := env.svc.Ledger.Evaluate(ctx, key)
	require.NoError(t, err)

	assert.Empty(t, res.Changed)
	assert.Equal(t, 1, res.Capacity)
	assert.Equal(t, 1, res.Approved)
	assert.Equal(t, 1, res.Waitlisted)
}

func TestLedger_ConcurrentSubmitsRespectCapacity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 3)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(pin int) {
			defer wg.Done()
			_, err := env.svc.Ledger.Submit(ctx, requester(scheduling.PIN(pin), pin), divA, june1, leave.PLD)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rows, err := env.svc.Ledger.ListByPartitionAndDate(ctx, divA, june1, leave.PLD)
	require.NoError(t, err)
	require.Len(t, rows, n)
	for i, r := range rows {
		if i < 3 {
			assert.Equal(t, scheduling.StatusApproved, r.Status)
			assert.Equal(t, i+1, r.Requester.SeniorityRank, "the three most senior hold the slots")
			continue
		}
		assert.Equal(t, scheduling.StatusWaitlisted, r.Status)
		assert.Equal(t, i-2, r.WaitlistPosition)
	}
}

func TestLedger_RetriesConflicts(t *testing.T) {
	mem := store.NewMemory()
	cs := &conflictingStore{Memory: mem}
	env := newTestEnvOver(t, cs, mem)
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)

	// WHEN: the first two attempts lose a race
	cs.mu.Lock()
	cs.conflicts, cs.attempts = 2, 0
	cs.mu.Unlock()
	r := env.submit(t, 1, 1, june1)

	// THEN: the third attempt lands
	assert.Equal(t, scheduling.StatusApproved, r.Status)
	assert.Equal(t, 3, cs.attempts)
}

func TestLedger_ConflictsExhaustRetries(t *testing.T) {
	mem := store.NewMemory()
	cs := &conflictingStore{Memory: mem}
	env := newTestEnvOver(t, cs, mem)
	env.division(t, "A")

	cs.mu.Lock()
	cs.conflicts = 100
	cs.mu.Unlock()
	_, err := env.svc.Ledger.Submit(context.Background(), requester(1, 1), divA, june1, leave.PLD)

	var conflict *scheduling.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 4, conflict.Attempts, "one try plus three retries")
	assert.True(t, scheduling.IsRetryable(err))
	assert.ErrorIs(t, err, scheduling.ErrTransient)
}

func TestLedger_PublishesEventsAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)

	first := env.submit(t, 1, 1, june1)
	env.submit(t, 2, 2, june1)
	_, err := env.svc.Ledger.Cancel(ctx, member(1), first.ID)
	require.NoError(t, err)

	// Failed operations publish nothing
	_, err = env.svc.Ledger.Submit(ctx, requester(3, 3), scheduling.NewPartition("nope", ""), june1, leave.PLD)
	require.Error(t, err)

	assert.Equal(t, []scheduling.EventType{
		scheduling.EventSubmitted, scheduling.EventApproved,
		scheduling.EventSubmitted, scheduling.EventWaitlisted,
		scheduling.EventCancelled, scheduling.EventApproved,
	}, env.events.types())
}

// =============================================================================
// IMPORT / ACCOUNTS
// =============================================================================

func TestLedger_ImportHistorical(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)

	paid, err := env.svc.Ledger.ImportHistorical(ctx, admin, scheduling.ImportInput{
		Requester:   requester(7, 7),
		Partition:   divA,
		Date:        june1,
		LeaveType:   leave.PLD,
		RequestedAt: base.Add(-24 * time.Hour),
		PaidInLieu:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusApproved, paid.Status)
	assert.Equal(t, scheduling.SourceImported, paid.Source)

	// Paid in lieu does not consume the single slot
	r := env.submit(t, 1, 1, june1)
	assert.Equal(t, scheduling.StatusApproved, r.Status)

	_, err = env.svc.Ledger.ImportHistorical(ctx, member(1), scheduling.ImportInput{
		Requester: requester(8, 8), Partition: divA, Date: june1, LeaveType: leave.PLD, RequestedAt: base,
	})
	assert.ErrorIs(t, err, scheduling.ErrForbidden)

	_, err = env.svc.Ledger.ImportHistorical(ctx, admin, scheduling.ImportInput{
		Requester: requester(8, 8), Partition: divA, Date: june1, LeaveType: leave.PLD,
	})
	assert.ErrorIs(t, err, scheduling.ErrValidation, "requested_at is required")
}

func TestLedger_LinkAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.division(t, "A")
	env.override(t, divA, scheduling.GranularityDay, june1, 1)
	require.NoError(t, env.svc.SaveMember(ctx, system, scheduling.Member{PIN: 1, Name: "Pat", Division: "A", SeniorityRank: 1}))
	r := env.submit(t, 1, 1, june1)

	_, err := env.svc.Ledger.LinkAccount(ctx, member(2), 1, "acct-1")
	assert.ErrorIs(t, err, scheduling.ErrForbidden)

	n, err := env.svc.Ledger.LinkAccount(ctx, member(1), 1, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	linked := env.get(t, r.ID)
	assert.Equal(t, scheduling.AccountID("acct-1"), linked.Requester.AccountID)
	assert.Equal(t, r.Status, linked.Status)
	assert.Equal(t, r.RequestedAt, linked.RequestedAt)

	members, err := env.svc.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, scheduling.AccountID("acct-1"), members[0].AccountID)

	// Linking again changes nothing
	n, err = env.svc.Ledger.LinkAccount(ctx, member(1), 1, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
