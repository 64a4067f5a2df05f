/*
Package scheduling provides the seniority-ranked leave allotment engine.

PURPOSE:
  A division (optionally split into zones) offers a fixed number of leave
  slots per day (PLD/SDV) or per week (vacation). Members compete for those
  slots; the most senior requesters are approved and the rest wait in a
  dense, seniority-ordered waitlist. Requests made far in advance are staged
  and only admitted once the date comes inside the six-month window.

KEY CONCEPTS IN THIS FILE (types.go):
  - Partition: scheduling scope (division, optional zone)
  - Requester: roster PIN, optional account ID, seniority rank
  - LeaveType: PLD/SDV/VAC, each with a calendar granularity
  - Allotment: capacity row (yearly default or dated override)
  - Request: one leave ask and its admission status
  - StagedRequest: advance request waiting for the daily promotion job
  - SlotKey: (partition, date, leave type), the unit of admission

DESIGN PRINCIPLES:
  1. Seniority is the only priority key; submission time only breaks ties
  2. Capacity fails closed: no allotment configured means no admissions
  3. Requests are never deleted; denial and cancellation are statuses
  4. Callers pass the requester and actor explicitly, nothing is ambient

USAGE:
  ledger := scheduling.NewLedger(store, scheduling.LedgerConfig{})
  req, err := ledger.Submit(ctx, requester, partition, date, leave.PLD)

SEE ALSO:
  - allotment.go: Capacity lookup and admin upserts
  - admission.go: The admission algorithm
  - ledger.go: Submit / cancel / deny with per-key serialization
  - staging.go: Six-month advance requests
  - zones.go: Zone partition migration
  - monitor.go: Metrics and alerts
*/
package scheduling

import (
	"fmt"
	"time"
)

// =============================================================================
// PARTITION - Division, optionally split by zone
// =============================================================================

type DivisionID string
type ZoneID string

// Partition is the scope in which a quota and waitlist are tracked.
// An empty Zone means the whole division is the partition.
type Partition struct {
	Division DivisionID `json:"division"`
	Zone     ZoneID     `json:"zone,omitempty"`
}

func NewPartition(division DivisionID, zone ZoneID) Partition {
	return Partition{Division: division, Zone: zone}
}

func (p Partition) HasZone() bool { return p.Zone != "" }

func (p Partition) String() string {
	if p.Zone == "" {
		return string(p.Division)
	}
	return string(p.Division) + "/" + string(p.Zone)
}

// Division is a seniority roster scope. Divisions opt into zones.
type Division struct {
	ID        DivisionID `json:"id"`
	Name      string     `json:"name"`
	UsesZones bool       `json:"uses_zones"`
	CreatedAt time.Time  `json:"created_at"`
}

// Zone is a sub-partition of a division.
type Zone struct {
	ID       ZoneID     `json:"id"`
	Division DivisionID `json:"division"`
	Name     string     `json:"name"`
}

// =============================================================================
// IDENTITY - Roster PIN first, account ID once the member registers
// =============================================================================

// PIN is the immutable roster number assigned independently of accounts.
type PIN int64

// AccountID identifies a registered account. Empty until registration.
type AccountID string

// Requester is the explicit requester context of every core operation.
type Requester struct {
	PIN           PIN
	AccountID     AccountID
	SeniorityRank int // lower is more senior
}

func (r Requester) Validate() error {
	if r.PIN <= 0 {
		return &ValidationError{Field: "pin", Reason: "roster PIN is required"}
	}
	if r.SeniorityRank < 0 {
		return &ValidationError{Field: "seniority_rank", Reason: "must not be negative"}
	}
	return nil
}

// Member is a roster entry. The scheduling path never reads rank from
// here; it is used by the zone migration and account reconciliation.
type Member struct {
	PIN           PIN        `json:"pin"`
	AccountID     AccountID  `json:"account_id,omitempty"`
	Name          string     `json:"name"`
	Division      DivisionID `json:"division"`
	Zone          ZoneID     `json:"zone,omitempty"`
	SeniorityRank int        `json:"seniority_rank"`
}

func (m Member) Requester() Requester {
	return Requester{PIN: m.PIN, AccountID: m.AccountID, SeniorityRank: m.SeniorityRank}
}

func (m Member) Partition() Partition {
	return Partition{Division: m.Division, Zone: m.Zone}
}

// =============================================================================
// LEAVE TYPE - Concrete types live in the leave package
// =============================================================================

// Granularity is the calendar unit a quota is counted in.
type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

func (g Granularity) Valid() bool {
	return g == GranularityDay || g == GranularityWeek
}

// Normalize maps a date to the key date for this granularity.
func (g Granularity) Normalize(d Date) Date {
	if g == GranularityWeek {
		return d.WeekStart()
	}
	return d
}

// LeaveType identifies an independently counted quota.
//
// Domain packages implement this:
//
//	type Type string
//	func (t Type) LeaveID() string                      { return string(t) }
//	func (t Type) Granularity() scheduling.Granularity { ... }
type LeaveType interface {
	LeaveID() string
	Granularity() Granularity
}

// =============================================================================
// ALLOTMENT - Capacity configuration
// =============================================================================

type AllotmentScope string

const (
	ScopeYearly AllotmentScope = "yearly" // EffectiveDate is January 1
	ScopeDated  AllotmentScope = "dated"  // EffectiveDate is a day or week start
)

type Allotment struct {
	Partition     Partition      `json:"partition"`
	Granularity   Granularity    `json:"granularity"`
	Scope         AllotmentScope `json:"scope"`
	EffectiveDate Date           `json:"effective_date"`
	MaxSlots      int            `json:"max_slots"`
	UpdatedBy     string         `json:"updated_by"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// =============================================================================
// REQUEST - One leave ask
// =============================================================================

type RequestID string

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusApproved   RequestStatus = "approved"
	StatusWaitlisted RequestStatus = "waitlisted"
	StatusDenied     RequestStatus = "denied"
	StatusCancelled  RequestStatus = "cancelled"
)

// Active reports whether the request competes for a slot.
func (s RequestStatus) Active() bool {
	return s == StatusPending || s == StatusApproved || s == StatusWaitlisted
}

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusWaitlisted, StatusDenied, StatusCancelled:
		return true
	}
	return false
}

// listingOrder is the status order used by ListByPartitionAndDate.
func (s RequestStatus) listingOrder() int {
	switch s {
	case StatusApproved:
		return 0
	case StatusPending:
		return 1
	case StatusWaitlisted:
		return 2
	case StatusDenied:
		return 3
	default:
		return 4
	}
}

type RequestSource string

const (
	SourceSubmitted RequestSource = "submitted"
	SourceImported  RequestSource = "imported"
	SourcePromoted  RequestSource = "promoted"
)

type Request struct {
	ID               RequestID
	Requester        Requester
	Partition        Partition
	Date             Date
	LeaveType        LeaveType
	Status           RequestStatus
	WaitlistPosition int // 1-based; 0 unless waitlisted
	PaidInLieu       bool
	RequestedAt      time.Time
	Source           RequestSource
	DenialReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Version increments on every write; updates are conditional on it.
	Version int
}

func (r Request) Key() SlotKey {
	return SlotKey{Partition: r.Partition, Date: r.Date, LeaveType: r.LeaveType}
}

// =============================================================================
// STAGED REQUEST - Six-month advance ask
// =============================================================================

type StagedID string

type StagedRequest struct {
	ID                StagedID
	Requester         Requester
	Partition         Partition
	Date              Date
	LeaveType         LeaveType
	RequestedAt       time.Time
	Processed         bool
	ProcessedAt       *time.Time
	PromotedRequestID RequestID
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// =============================================================================
// SLOT KEY - Unit of admission and serialization
// =============================================================================

type SlotKey struct {
	Partition Partition
	Date      Date
	LeaveType LeaveType
}

func NewSlotKey(p Partition, d Date, lt LeaveType) SlotKey {
	if lt != nil {
		d = lt.Granularity().Normalize(d)
	}
	return SlotKey{Partition: p, Date: d, LeaveType: lt}
}

func (k SlotKey) String() string {
	id := "?"
	if k.LeaveType != nil {
		id = k.LeaveType.LeaveID()
	}
	return fmt.Sprintf("%s:%s:%s", k.Partition, k.Date, id)
}
