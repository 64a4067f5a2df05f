package scheduling_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allotment-engine/leave"
	"github.com/warp/allotment-engine/scheduling"
)

// =============================================================================
// PURE ADMISSION
// =============================================================================

var base = time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)

func pending(id string, rank int, offset time.Duration) scheduling.Request {
	return scheduling.Request{
		ID:          scheduling.RequestID(id),
		Requester:   requester(1, rank),
		Partition:   divA,
		Date:        june1,
		LeaveType:   leave.PLD,
		Status:      scheduling.StatusPending,
		RequestedAt: base.Add(offset),
	}
}

func decisions(ds []scheduling.Decision) map[scheduling.RequestID]scheduling.Decision {
	out := make(map[scheduling.RequestID]scheduling.Decision, len(ds))
	for _, d := range ds {
		out[d.ID] = d
	}
	return out
}

func TestAdmit_SeniorityOrder(t *testing.T) {
	// GIVEN: capacity 2 and ranks 5, 2, 9 submitted in that order
	reqs := []scheduling.Request{
		pending("r5", 5, 0),
		pending("r2", 2, time.Second),
		pending("r9", 9, 2*time.Second),
	}

	// WHEN
	got := decisions(scheduling.Admit(2, reqs))

	// THEN: the two most senior are approved, rank 9 waits first in line
	assert.Equal(t, scheduling.StatusApproved, got["r2"].Status)
	assert.Equal(t, scheduling.StatusApproved, got["r5"].Status)
	assert.Equal(t, scheduling.StatusWaitlisted, got["r9"].Status)
	assert.Equal(t, 1, got["r9"].WaitlistPosition)
}

func TestAdmit_CapacityBoundAndDensePositions(t *testing.T) {
	for capacity := 0; capacity <= 6; capacity++ {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			var reqs []scheduling.Request
			for i := 0; i < 5; i++ {
				reqs = append(reqs, pending(fmt.Sprintf("r%d", i), i, 0))
			}

			approved, positions := 0, []int{}
			for _, d := range scheduling.Admit(capacity, reqs) {
				switch d.Status {
				case scheduling.StatusApproved:
					approved++
					assert.Zero(t, d.WaitlistPosition)
				case scheduling.StatusWaitlisted:
					positions = append(positions, d.WaitlistPosition)
				default:
					t.Fatalf("unexpected status %s", d.Status)
				}
			}

			assert.Equal(t, min(capacity, 5), approved)
			for i, p := range positions {
				assert.Equal(t, i+1, p, "positions are 1..N without gaps")
			}
		})
	}
}

func TestAdmit_TieBreaks(t *testing.T) {
	// GIVEN: equal ranks; b asked earlier than a; c and d asked at the same time
	reqs := []scheduling.Request{
		pending("a", 3, 2*time.Second),
		pending("b", 3, time.Second),
		pending("d", 3, 3*time.Second),
		pending("c", 3, 3*time.Second),
	}

	got := scheduling.Admit(1, reqs)

	require.Len(t, got, 4)
	assert.Equal(t, scheduling.RequestID("b"), got[0].ID)
	assert.Equal(t, scheduling.Decision{ID: "a", Status: scheduling.StatusWaitlisted, WaitlistPosition: 1}, got[1])
	assert.Equal(t, scheduling.Decision{ID: "c", Status: scheduling.StatusWaitlisted, WaitlistPosition: 2}, got[2])
	assert.Equal(t, scheduling.Decision{ID: "d", Status: scheduling.StatusWaitlisted, WaitlistPosition: 3}, got[3])
}

func TestAdmit_IndependentOfInputOrder(t *testing.T) {
	var reqs []scheduling.Request
	for i := 0; i < 20; i++ {
		reqs = append(reqs, pending(fmt.Sprintf("r%02d", i), i%7, time.Duration(i%3)*time.Second))
	}
	want := scheduling.Admit(4, reqs)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		shuffled := append([]scheduling.Request(nil), reqs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, scheduling.Admit(4, shuffled))
	}
}

func TestAdmit_PaidInLieuTakesNoSlot(t *testing.T) {
	paid := pending("paid", 99, 0)
	paid.PaidInLieu = true
	paid.Status = scheduling.StatusApproved
	reqs := []scheduling.Request{paid, pending("r1", 1, 0), pending("r2", 2, 0)}

	got := decisions(scheduling.Admit(1, reqs))

	assert.Equal(t, scheduling.StatusApproved, got["paid"].Status)
	assert.Equal(t, scheduling.StatusApproved, got["r1"].Status)
	assert.Equal(t, scheduling.StatusWaitlisted, got["r2"].Status)
	assert.Equal(t, 1, got["r2"].WaitlistPosition)
}

func TestAdmit_IgnoresClosedRequests(t *testing.T) {
	denied := pending("denied", 1, 0)
	denied.Status = scheduling.StatusDenied
	cancelled := pending("cancelled", 2, 0)
	cancelled.Status = scheduling.StatusCancelled

	got := scheduling.Admit(1, []scheduling.Request{denied, cancelled, pending("r3", 3, 0)})

	require.Len(t, got, 1)
	assert.Equal(t, scheduling.Decision{ID: "r3", Status: scheduling.StatusApproved}, got[0])
}

func TestAdmit_NegativeCapacityAdmitsNothing(t *testing.T) {
	got := scheduling.Admit(-3, []scheduling.Request{pending("r1", 1, 0)})
	require.Len(t, got, 1)
	assert.Equal(t, scheduling.StatusWaitlisted, got[0].Status)
}
