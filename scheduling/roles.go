package scheduling

import "fmt"

// Role is a closed set; capabilities are checked, never role strings.
type Role int

const (
	RoleMember Role = iota
	RoleDivisionAdmin
	RoleUnionAdmin
	RoleApplicationAdmin
	RoleSystem // scheduled jobs and migrations
)

var roleNames = map[Role]string{
	RoleMember:           "member",
	RoleDivisionAdmin:    "division_admin",
	RoleUnionAdmin:       "union_admin",
	RoleApplicationAdmin: "application_admin",
	RoleSystem:           "system",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole maps a role name to a Role. Unknown names are members.
func ParseRole(s string) Role {
	for r, name := range roleNames {
		if name == s {
			return r
		}
	}
	return RoleMember
}

type Capability int

const (
	CapManageAllotments Capability = iota
	CapImportRecords
	CapDenyRequests
	CapRunScheduler
	CapRunMigrations
	CapManageRoster
)

var capabilities = map[Role][]Capability{
	RoleDivisionAdmin:    {CapManageAllotments, CapDenyRequests, CapManageRoster},
	RoleUnionAdmin:       {CapManageAllotments, CapDenyRequests, CapImportRecords, CapManageRoster},
	RoleApplicationAdmin: {CapManageAllotments, CapDenyRequests, CapImportRecords, CapRunScheduler, CapRunMigrations, CapManageRoster},
	RoleSystem:           {CapManageAllotments, CapDenyRequests, CapImportRecords, CapRunScheduler, CapRunMigrations, CapManageRoster},
}

// Actor is whoever performs an operation. Division admins are scoped to
// their own division.
type Actor struct {
	ID       string
	Role     Role
	Division DivisionID
	PIN      PIN
}

// SystemActor is used by the daily job and the CLI.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) Can(c Capability) bool {
	for _, have := range capabilities[a.Role] {
		if have == c {
			return true
		}
	}
	return false
}

// CanIn is Can restricted to a division.
func (a Actor) CanIn(c Capability, division DivisionID) bool {
	if !a.Can(c) {
		return false
	}
	if a.Role == RoleDivisionAdmin {
		return a.Division == division
	}
	return true
}

func (a Actor) require(c Capability, division DivisionID) error {
	if a.CanIn(c, division) {
		return nil
	}
	return fmt.Errorf("%w: %s (%s) in division %q", ErrForbidden, a.ID, a.Role, division)
}
