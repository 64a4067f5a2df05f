package scheduling_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/warp/allotment-engine/leave"
	"github.com/warp/allotment-engine/scheduling"
)

func TestRoles_ParseAndString(t *testing.T) {
	for _, r := range []scheduling.Role{
		scheduling.RoleMember,
		scheduling.RoleDivisionAdmin,
		scheduling.RoleUnionAdmin,
		scheduling.RoleApplicationAdmin,
		scheduling.RoleSystem,
	} {
		assert.Equal(t, r, scheduling.ParseRole(r.String()))
	}
	assert.Equal(t, scheduling.RoleMember, scheduling.ParseRole("superuser"))
	assert.Equal(t, "division_admin", scheduling.RoleDivisionAdmin.String())
}

func TestRoles_Capabilities(t *testing.T) {
	m := scheduling.Actor{Role: scheduling.RoleMember, PIN: 1}
	assert.False(t, m.Can(scheduling.CapManageAllotments))
	assert.False(t, m.Can(scheduling.CapDenyRequests))

	da := scheduling.Actor{Role: scheduling.RoleDivisionAdmin, Division: "A"}
	assert.True(t, da.CanIn(scheduling.CapManageAllotments, "A"))
	assert.False(t, da.CanIn(scheduling.CapManageAllotments, "B"))
	assert.False(t, da.Can(scheduling.CapImportRecords))
	assert.False(t, da.Can(scheduling.CapRunScheduler))

	ua := scheduling.Actor{Role: scheduling.RoleUnionAdmin}
	assert.True(t, ua.CanIn(scheduling.CapImportRecords, "B"))
	assert.False(t, ua.Can(scheduling.CapRunMigrations))

	for _, c := range []scheduling.Capability{
		scheduling.CapManageAllotments,
		scheduling.CapImportRecords,
		scheduling.CapDenyRequests,
		scheduling.CapRunScheduler,
		scheduling.CapRunMigrations,
		scheduling.CapManageRoster,
	} {
		assert.True(t, scheduling.SystemActor.Can(c))
	}
}

func TestKeyLocker_SerializesSameKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	locks := scheduling.NewKeyLocker()
	key := scheduling.NewSlotKey(divA, june1, leave.PLD)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(key)
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, locks.Len(), "unused entries are dropped")
}

func TestKeyLocker_DifferentKeysDoNotContend(t *testing.T) {
	locks := scheduling.NewKeyLocker()
	unlock := locks.Lock(scheduling.NewSlotKey(divA, june1, leave.PLD))
	defer unlock()

	done := make(chan struct{})
	go func() {
		// SDV on the same day is a different key
		locks.Lock(scheduling.NewSlotKey(divA, june1, leave.SDV))()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}

func TestSlotKey_NormalizesWeeks(t *testing.T) {
	wed := scheduling.MustParseDate("2024-06-05")
	key := scheduling.NewSlotKey(divA, wed, leave.VAC)
	assert.Equal(t, "A:2024-06-03:VAC", key.String())
	assert.Equal(t, "A/Z1:2024-06-05:PLD", scheduling.NewSlotKey(scheduling.NewPartition("A", "Z1"), wed, leave.PLD).String())
}

func TestEventBus_Subscribe(t *testing.T) {
	bus := scheduling.NewEventBus(nil)
	var approved, all []scheduling.EventType
	bus.Subscribe(scheduling.EventApproved, func(e scheduling.Event) { approved = append(approved, e.Type) })
	bus.Subscribe("", func(e scheduling.Event) { all = append(all, e.Type) })

	bus.Publish(context.Background(), scheduling.Event{Type: scheduling.EventSubmitted})
	bus.Publish(context.Background(), scheduling.Event{Type: scheduling.EventApproved})

	assert.Equal(t, []scheduling.EventType{scheduling.EventApproved}, approved)
	assert.Equal(t, []scheduling.EventType{scheduling.EventSubmitted, scheduling.EventApproved}, all)
}

func TestLeaveTypes_Registry(t *testing.T) {
	lt, err := scheduling.ParseLeaveType("VAC")
	assert.NoError(t, err)
	assert.Equal(t, scheduling.GranularityWeek, lt.Granularity())

	_, err = scheduling.ParseLeaveType("FLOAT")
	assert.ErrorIs(t, err, scheduling.ErrUnknownLeaveType)

	assert.Equal(t, "FLOAT", scheduling.LeaveTypeFromStore("FLOAT").LeaveID(), "unknown stored types round-trip")
	assert.Len(t, scheduling.LeaveTypesWith(scheduling.GranularityDay), 2)
}
