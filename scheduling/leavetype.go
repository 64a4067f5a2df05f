/*
leavetype.go - Leave type registration and lookup

PURPOSE:
  The engine stores leave types as strings. Domain packages register their
  concrete types so storage and the API can turn "PLD" back into the
  registered value with its granularity.

USAGE:
  // In leave/types.go
  func init() {
      scheduling.RegisterLeaveType(PLD)
  }

  lt, err := scheduling.ParseLeaveType("PLD")

SEE ALSO:
  - types.go: LeaveType interface
  - leave/types.go: PLD, SDV, VAC
*/
package scheduling

import (
	"sort"
	"sync"
)

var (
	leaveRegistry = make(map[string]LeaveType)
	leaveMu       sync.RWMutex
)

// RegisterLeaveType adds a leave type to the registry.
func RegisterLeaveType(lt LeaveType) {
	leaveMu.Lock()
	defer leaveMu.Unlock()
	leaveRegistry[lt.LeaveID()] = lt
}

// LookupLeaveType returns nil for unregistered IDs.
func LookupLeaveType(id string) LeaveType {
	leaveMu.RLock()
	defer leaveMu.RUnlock()
	return leaveRegistry[id]
}

// ParseLeaveType is LookupLeaveType with a client error for unknown IDs.
func ParseLeaveType(id string) (LeaveType, error) {
	if lt := LookupLeaveType(id); lt != nil {
		return lt, nil
	}
	return nil, &ValidationError{Field: "leave_type", Reason: "unknown leave type " + id, Err: ErrUnknownLeaveType}
}

// LeaveTypes returns registered types sorted by ID.
func LeaveTypes() []LeaveType {
	leaveMu.RLock()
	defer leaveMu.RUnlock()
	out := make([]LeaveType, 0, len(leaveRegistry))
	for _, lt := range leaveRegistry {
		out = append(out, lt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaveID() < out[j].LeaveID() })
	return out
}

// LeaveTypesWith returns registered types counted in granularity g.
func LeaveTypesWith(g Granularity) []LeaveType {
	var out []LeaveType
	for _, lt := range LeaveTypes() {
		if lt.Granularity() == g {
			out = append(out, lt)
		}
	}
	return out
}

// storedLeaveType stands in for rows whose type is no longer registered.
type storedLeaveType struct {
	id string
}

func (s storedLeaveType) LeaveID() string          { return s.id }
func (s storedLeaveType) Granularity() Granularity { return GranularityDay }

// LeaveTypeFromStore never fails: unknown IDs keep their string so rows
// round-trip.
func LeaveTypeFromStore(id string) LeaveType {
	if lt := LookupLeaveType(id); lt != nil {
		return lt
	}
	return storedLeaveType{id: id}
}
