package leave_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allotment-engine/leave"
	"github.com/warp/allotment-engine/scheduling"
)

func TestTypes_Granularity(t *testing.T) {
	assert.Equal(t, scheduling.GranularityDay, leave.PLD.Granularity())
	assert.Equal(t, scheduling.GranularityDay, leave.SDV.Granularity())
	assert.Equal(t, scheduling.GranularityWeek, leave.VAC.Granularity())
}

func TestTypes_RegisteredOnImport(t *testing.T) {
	for _, lt := range leave.All {
		got, err := scheduling.ParseLeaveType(lt.LeaveID())
		require.NoError(t, err)
		assert.Equal(t, lt, got)
	}
	assert.Len(t, scheduling.LeaveTypes(), len(leave.All))
}

func TestTypes_Name(t *testing.T) {
	assert.Equal(t, "Personal Leave Day", leave.PLD.Name())
	assert.Equal(t, "Vacation Week", leave.VAC.Name())
	assert.Equal(t, "OTHER", leave.Type("OTHER").Name())
}
