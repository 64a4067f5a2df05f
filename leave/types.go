// Package leave defines the concrete leave types counted by the allotment
// engine. Each type has its own quota; all share the partition's capacity
// configuration for their granularity.
package leave

import "github.com/warp/allotment-engine/scheduling"

// =============================================================================
// LEAVE TYPES
// =============================================================================

// Type is the concrete leave type.
// Implements scheduling.LeaveType interface.
type Type string

func (t Type) LeaveID() string { return string(t) }

func (t Type) Granularity() scheduling.Granularity {
	if t == VAC {
		return scheduling.GranularityWeek
	}
	return scheduling.GranularityDay
}

// Name is the label shown to members.
func (t Type) Name() string {
	switch t {
	case PLD:
		return "Personal Leave Day"
	case SDV:
		return "Single Day Vacation"
	case VAC:
		return "Vacation Week"
	}
	return string(t)
}

// Compile-time check that Type implements scheduling.LeaveType
var _ scheduling.LeaveType = Type("")

const (
	PLD Type = "PLD" // personal leave day, daily quota
	SDV Type = "SDV" // single day vacation, daily quota
	VAC Type = "VAC" // vacation week, weekly quota
)

// All lists the leave types in display order.
var All = []Type{PLD, SDV, VAC}

// Register all leave types with the scheduling registry
func init() {
	for _, t := range All {
		scheduling.RegisterLeaveType(t)
	}
}
