package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allotment-engine/leave"
	"github.com/warp/allotment-engine/scheduling"
	"github.com/warp/allotment-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	divA  = scheduling.NewPartition("A", "")
	june1 = scheduling.MustParseDate("2024-06-01")
	now   = time.Date(2024, time.May, 1, 8, 0, 0, 123456789, time.UTC)
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SaveDivision(context.Background(), scheduling.Division{ID: "A", Name: "Division A", CreatedAt: now}))
	return store
}

func request(id string, pin scheduling.PIN, status scheduling.RequestStatus) scheduling.Request {
	return scheduling.Request{
		ID:          scheduling.RequestID(id),
		Requester:   scheduling.Requester{PIN: pin, SeniorityRank: int(pin)},
		Partition:   divA,
		Date:        june1,
		LeaveType:   leave.PLD,
		Status:      status,
		RequestedAt: now,
		Source:      scheduling.SourceSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

func TestStore_RequestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := request("r1", 7, scheduling.StatusWaitlisted)
	in.WaitlistPosition = 2
	in.PaidInLieu = true
	in.DenialReason = ""
	require.NoError(t, store.InsertRequest(ctx, in))

	got, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, in.Requester, got.Requester)
	assert.Equal(t, in.Partition, got.Partition)
	assert.Equal(t, june1, got.Date)
	assert.Equal(t, leave.PLD, got.LeaveType, "registered types come back typed")
	assert.Equal(t, 2, got.WaitlistPosition)
	assert.True(t, got.PaidInLieu)
	assert.True(t, now.Equal(got.RequestedAt), "timestamps keep nanoseconds")
	assert.Equal(t, 1, got.Version)

	_, err = store.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, scheduling.ErrRequestNotFound)
}

func TestStore_OneActiveRequestPerDay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRequest(ctx, request("r1", 1, scheduling.StatusApproved)))

	err := store.InsertRequest(ctx, request("r2", 1, scheduling.StatusPending))
	assert.ErrorIs(t, err, scheduling.ErrDuplicateRequest)

	// Closed requests do not count
	closed := request("r0", 2, scheduling.StatusCancelled)
	require.NoError(t, store.InsertRequest(ctx, closed))
	require.NoError(t, store.InsertRequest(ctx, request("r3", 2, scheduling.StatusPending)))
}

func TestStore_UpdateIsConditionalOnVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertRequest(ctx, request("r1", 1, scheduling.StatusPending)))

	r, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	stale := *r

	r.Status = scheduling.StatusApproved
	require.NoError(t, store.UpdateRequest(ctx, *r))

	stale.Status = scheduling.StatusWaitlisted
	err = store.UpdateRequest(ctx, stale)
	assert.ErrorIs(t, err, scheduling.ErrConcurrentModification)

	got, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusApproved, got.Status)
	assert.Equal(t, 2, got.Version)

	missing := request("nope", 9, scheduling.StatusPending)
	assert.ErrorIs(t, store.UpdateRequest(ctx, missing), scheduling.ErrRequestNotFound)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx scheduling.Store) error {
		if err := tx.InsertRequest(ctx, request("r1", 1, scheduling.StatusPending)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetRequest(ctx, "r1")
	assert.ErrorIs(t, err, scheduling.ErrRequestNotFound)
}

func TestStore_ActiveKeysAndCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	vac := request("v1", 3, scheduling.StatusWaitlisted)
	vac.LeaveType = leave.VAC
	vac.Date = june1.WeekStart()
	for _, r := range []scheduling.Request{
		request("r1", 1, scheduling.StatusApproved),
		request("r2", 2, scheduling.StatusDenied),
		vac,
	} {
		require.NoError(t, store.InsertRequest(ctx, r))
	}

	keys, err := store.ListActiveKeys(ctx, divA, june1.AddDays(-7), june1)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	names := []string{keys[0].String(), keys[1].String()}
	assert.ElementsMatch(t, []string{"A:2024-06-01:PLD", "A:2024-05-27:VAC"}, names)

	counts, err := store.CountRequestsByStatus(ctx, divA, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[scheduling.StatusApproved])
	assert.Equal(t, 1, counts[scheduling.StatusDenied])
	assert.Equal(t, 1, counts[scheduling.StatusWaitlisted])

	counts, err = store.CountRequestsByStatus(ctx, divA, now.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.Empty(t, counts)
}

// =============================================================================
// ALLOTMENTS & DIRECTORY
// =============================================================================

func TestStore_AllotmentUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := scheduling.Allotment{
		Partition:     divA,
		Granularity:   scheduling.GranularityDay,
		Scope:         scheduling.ScopeDated,
		EffectiveDate: june1,
		MaxSlots:      4,
		UpdatedBy:     "admin",
		UpdatedAt:     now,
	}
	require.NoError(t, store.UpsertAllotment(ctx, a))
	a.MaxSlots = 2
	require.NoError(t, store.UpsertAllotment(ctx, a))

	got, err := store.GetAllotment(ctx, divA, scheduling.GranularityDay, scheduling.ScopeDated, june1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.MaxSlots)

	none, err := store.GetAllotment(ctx, divA, scheduling.GranularityWeek, scheduling.ScopeDated, june1)
	require.NoError(t, err)
	assert.Nil(t, none)

	rows, err := store.ListAllotments(ctx, divA)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStore_DirectoryAndRoster(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveDivision(ctx, scheduling.Division{ID: "174", UsesZones: true, CreatedAt: now}))
	require.NoError(t, store.SaveZone(ctx, scheduling.Zone{ID: "Z2", Division: "174", Name: "West"}))
	require.NoError(t, store.SaveZone(ctx, scheduling.Zone{ID: "Z1", Division: "174", Name: "East"}))

	d, err := store.GetDivision(ctx, "174")
	require.NoError(t, err)
	assert.True(t, d.UsesZones)
	_, err = store.GetDivision(ctx, "999")
	assert.ErrorIs(t, err, scheduling.ErrDivisionNotFound)

	zones, err := store.ListZones(ctx, "174")
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, scheduling.ZoneID("Z1"), zones[0].ID)

	m := scheduling.Member{PIN: 42, Name: "Robin", Division: "174", Zone: "Z1", SeniorityRank: 3}
	require.NoError(t, store.SaveMember(ctx, m))
	m.SeniorityRank = 2
	require.NoError(t, store.SaveMember(ctx, m))
	got, err := store.GetMember(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, m, *got)

	_, err = store.GetMember(ctx, 43)
	assert.ErrorIs(t, err, scheduling.ErrMemberNotFound)
}

// =============================================================================
// STAGED REQUESTS
// =============================================================================

func TestStore_StagedLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := scheduling.StagedRequest{
		ID:          "s1",
		Requester:   scheduling.Requester{PIN: 5, SeniorityRank: 5},
		Partition:   divA,
		Date:        scheduling.MustParseDate("2025-04-20"),
		LeaveType:   leave.PLD,
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.InsertStaged(ctx, st))
	assert.ErrorIs(t, store.InsertStaged(ctx, st), scheduling.ErrDuplicateRequest)

	due, err := store.ListStagedDue(ctx, scheduling.Date{}, scheduling.MustParseDate("2025-04-19"))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = store.ListStagedDue(ctx, scheduling.Date{}, scheduling.MustParseDate("2025-04-20"))
	require.NoError(t, err)
	require.Len(t, due, 1)

	missingZone, err := store.ListStaged(ctx, scheduling.StagedFilter{MissingZone: true, Unprocessed: true})
	require.NoError(t, err)
	assert.Len(t, missingZone, 1)

	processedAt := now.Add(time.Hour)
	st.Processed = true
	st.ProcessedAt = &processedAt
	st.PromotedRequestID = "r1"
	st.Partition = scheduling.NewPartition("A", "Z1")
	require.NoError(t, store.UpdateStaged(ctx, st))

	got, err := store.GetStaged(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Processed)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, processedAt.Equal(*got.ProcessedAt))
	assert.Equal(t, scheduling.RequestID("r1"), got.PromotedRequestID)

	unprocessed, err := store.ListStaged(ctx, scheduling.StagedFilter{PIN: 5, Unprocessed: true})
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	_, err = store.GetStaged(ctx, "s2")
	assert.ErrorIs(t, err, scheduling.ErrStagedNotFound)
}

func TestStore_OnePendingStagedPerDay(t *testing.T) {
	// GIVEN: an unprocessed staged request for pin 5
	store := newTestStore(t)
	ctx := context.Background()
	staged := func(id string) scheduling.StagedRequest {
		return scheduling.StagedRequest{
			ID:          scheduling.StagedID(id),
			Requester:   scheduling.Requester{PIN: 5, SeniorityRank: 5},
			Partition:   divA,
			Date:        scheduling.MustParseDate("2025-04-20"),
			LeaveType:   leave.PLD,
			RequestedAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	first := staged("s1")
	require.NoError(t, store.InsertStaged(ctx, first))

	// WHEN: a second row with a new ID holds the same day
	err := store.InsertStaged(ctx, staged("s2"))

	// THEN
	assert.ErrorIs(t, err, scheduling.ErrDuplicateRequest)

	// AND: once the first is processed the day is free again
	first.Processed = true
	require.NoError(t, store.UpdateStaged(ctx, first))
	assert.NoError(t, store.InsertStaged(ctx, staged("s3")))
}

func TestStore_AssignAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertRequest(ctx, request("r1", 1, scheduling.StatusApproved)))
	require.NoError(t, store.InsertStaged(ctx, scheduling.StagedRequest{
		ID: "s1", Requester: scheduling.Requester{PIN: 1}, Partition: divA,
		Date: scheduling.MustParseDate("2025-04-20"), LeaveType: leave.PLD,
		RequestedAt: now, CreatedAt: now, UpdatedAt: now,
	}))

	n, err := store.AssignAccount(ctx, 1, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, scheduling.AccountID("acct-1"), r.Requester.AccountID)

	n, err = store.AssignAccount(ctx, 1, "acct-2")
	require.NoError(t, err)
	assert.Zero(t, n, "existing accounts are never overwritten")
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestStore_ResetAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "allotment.db")

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveDivision(ctx, scheduling.Division{ID: "A", CreatedAt: now}))
	require.NoError(t, store.Close())

	store, err = sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	divisions, err := store.ListDivisions(ctx)
	require.NoError(t, err)
	assert.Len(t, divisions, 1, "data survives reopen")

	require.NoError(t, store.Reset(ctx))
	divisions, err = store.ListDivisions(ctx)
	require.NoError(t, err)
	assert.Empty(t, divisions)
}

func TestStore_ServiceEndToEnd(t *testing.T) {
	// GIVEN: the engine over SQLite with capacity 2
	store := newTestStore(t)
	ctx := context.Background()
	svc := scheduling.NewService(store, scheduling.Config{})
	_, err := svc.SetOverride(ctx, scheduling.SystemActor, divA, scheduling.GranularityDay, june1, 2)
	require.NoError(t, err)

	// WHEN: ranks 5, 2, 9 submit and rank 2 cancels
	ids := map[int]scheduling.RequestID{}
	for _, rank := range []int{5, 2, 9} {
		r, err := svc.Ledger.Submit(ctx, scheduling.Requester{PIN: scheduling.PIN(1000 + rank), SeniorityRank: rank}, divA, june1, leave.PLD)
		require.NoError(t, err)
		ids[rank] = r.ID
	}
	_, err = svc.Ledger.Cancel(ctx, scheduling.Actor{ID: "m", PIN: 1002}, ids[2])
	require.NoError(t, err)

	// THEN
	rows, err := svc.Ledger.ListByPartitionAndDate(ctx, divA, june1, leave.PLD)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ids[5], rows[0].ID)
	assert.Equal(t, ids[9], rows[1].ID)
	assert.Equal(t, scheduling.StatusApproved, rows[1].Status)
	assert.Equal(t, scheduling.StatusCancelled, rows[2].Status)
}
