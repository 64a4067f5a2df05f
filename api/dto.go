/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the scheduling model from the external API contract. Leave types travel
  as their string ID ("PLD", "SDV", "VAC"); dates as YYYY-MM-DD.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Requests:
    SubmitLeaveRequest, LeaveOutcomeDTO, RequestDTO, DenyRequest,
    ImportRequest

  Staged:
    StagedDTO

  Allotments:
    YearlyAllotmentRequest, OverrideRequest, CapacityDTO

  Scheduler / zones:
    PromoteRequest, MigrateZonesRequest

  Directory:
    DivisionRequest, DivisionDTO, LinkAccountRequest

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the scheduling package, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/allotment-engine/scheduling"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RequesterFields identify who is asking. SeniorityRank is honored only
// from roster managers; members get theirs from the roster.
type RequesterFields struct {
	PIN           int64  `json:"pin"`
	AccountID     string `json:"account_id,omitempty"`
	SeniorityRank int    `json:"seniority_rank"`
}

func (f RequesterFields) requester() scheduling.Requester {
	return scheduling.Requester{
		PIN:           scheduling.PIN(f.PIN),
		AccountID:     scheduling.AccountID(f.AccountID),
		SeniorityRank: f.SeniorityRank,
	}
}

// SubmitLeaveRequest is the body of POST /api/requests and POST /api/staged.
type SubmitLeaveRequest struct {
	RequesterFields
	Division  string          `json:"division"`
	Zone      string          `json:"zone,omitempty"`
	Date      scheduling.Date `json:"date"`
	LeaveType string          `json:"leave_type"`
	Today     scheduling.Date `json:"today,omitempty"` // scheduler operators only; otherwise the server's UTC date
}

// LeaveOutcomeDTO carries exactly one of Request or Staged.
type LeaveOutcomeDTO struct {
	Request *RequestDTO `json:"request,omitempty"`
	Staged  *StagedDTO  `json:"staged,omitempty"`
}

// RequestDTO represents a live request in API responses.
type RequestDTO struct {
	ID               string     `json:"id"`
	PIN              int64      `json:"pin"`
	AccountID        string     `json:"account_id,omitempty"`
	SeniorityRank    int        `json:"seniority_rank"`
	Division         string     `json:"division"`
	Zone             string     `json:"zone,omitempty"`
	Date             string     `json:"date"`
	LeaveType        string     `json:"leave_type"`
	Status           string     `json:"status"`
	WaitlistPosition int        `json:"waitlist_position,omitempty"`
	PaidInLieu       bool       `json:"paid_in_lieu"`
	Source           string     `json:"source"`
	DenialReason     string     `json:"denial_reason,omitempty"`
	RequestedAt      time.Time  `json:"requested_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// DenyRequest is the body of POST /api/requests/{id}/deny.
type DenyRequest struct {
	Reason string `json:"reason"`
}

// ImportRequest is the body of POST /api/requests/import.
type ImportRequest struct {
	RequesterFields
	Division    string          `json:"division"`
	Zone        string          `json:"zone,omitempty"`
	Date        scheduling.Date `json:"date"`
	LeaveType   string          `json:"leave_type"`
	RequestedAt time.Time       `json:"requested_at"`
	PaidInLieu  bool            `json:"paid_in_lieu"`
}

// StagedDTO represents a six-month advance request.
type StagedDTO struct {
	ID                string     `json:"id"`
	PIN               int64      `json:"pin"`
	SeniorityRank     int        `json:"seniority_rank"`
	Division          string     `json:"division"`
	Zone              string     `json:"zone,omitempty"`
	Date              string     `json:"date"`
	LeaveType         string     `json:"leave_type"`
	RequestedAt       time.Time  `json:"requested_at"`
	Processed         bool       `json:"processed"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	PromotedRequestID string     `json:"promoted_request_id,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

// =============================================================================
// ALLOTMENT TYPES
// =============================================================================

type YearlyAllotmentRequest struct {
	Division    string `json:"division"`
	Zone        string `json:"zone,omitempty"`
	Granularity string `json:"granularity"`
	Year        int    `json:"year"`
	MaxSlots    int    `json:"max_slots"`
}

type OverrideRequest struct {
	Division    string          `json:"division"`
	Zone        string          `json:"zone,omitempty"`
	Granularity string          `json:"granularity"`
	Date        scheduling.Date `json:"date"`
	MaxSlots    int             `json:"max_slots"`
}

type CapacityDTO struct {
	Division  string `json:"division"`
	Zone      string `json:"zone,omitempty"`
	Date      string `json:"date"`
	LeaveType string `json:"leave_type"`
	Capacity  int    `json:"capacity"`
}

// =============================================================================
// SCHEDULER / ZONE TYPES
// =============================================================================

// PromoteRequest is the body of POST /api/scheduler/promote. All fields
// are optional; from/to select a bounded re-run.
type PromoteRequest struct {
	Today scheduling.Date `json:"today,omitempty"`
	From  scheduling.Date `json:"from,omitempty"`
	To    scheduling.Date `json:"to,omitempty"`
}

type MigrateZonesRequest struct {
	Year int `json:"year"`
}

// ThresholdsRequest overrides the configured alert thresholds for one check.
type ThresholdsRequest struct {
	ErrorThreshold         *int     `json:"error_threshold,omitempty"`
	LatencyThresholdMs     *float64 `json:"latency_threshold_ms,omitempty"`
	WaitlistRatioThreshold *float64 `json:"waitlist_ratio_threshold,omitempty"`
}

// AlertsDTO is the result of a monitoring check.
type AlertsDTO struct {
	Alerts []string `json:"alerts"`
}

// =============================================================================
// DIRECTORY TYPES
// =============================================================================

type ZoneDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type DivisionRequest struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UsesZones bool      `json:"uses_zones"`
	Zones     []ZoneDTO `json:"zones,omitempty"`
}

type DivisionDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UsesZones bool      `json:"uses_zones"`
	Zones     []ZoneDTO `json:"zones"`
}

type LinkAccountRequest struct {
	AccountID string `json:"account_id"`
}

type LinkAccountResponse struct {
	PIN       int64  `json:"pin"`
	AccountID string `json:"account_id"`
	Updated   int    `json:"updated"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request body for loading a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResult reports what a scenario left in the store.
type ScenarioResult struct {
	Scenario string       `json:"scenario"`
	Requests []RequestDTO `json:"requests"`
	Staged   []StagedDTO  `json:"staged,omitempty"`
	Steps    []string     `json:"steps"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func leaveID(lt scheduling.LeaveType) string {
	if lt == nil {
		return ""
	}
	return lt.LeaveID()
}

func toRequestDTO(r scheduling.Request) RequestDTO {
	dto := RequestDTO{
		ID:               string(r.ID),
		PIN:              int64(r.Requester.PIN),
		AccountID:        string(r.Requester.AccountID),
		SeniorityRank:    r.Requester.SeniorityRank,
		Division:         string(r.Partition.Division),
		Zone:             string(r.Partition.Zone),
		Date:             r.Date.String(),
		LeaveType:        leaveID(r.LeaveType),
		Status:           string(r.Status),
		WaitlistPosition: r.WaitlistPosition,
		PaidInLieu:       r.PaidInLieu,
		Source:           string(r.Source),
		DenialReason:     r.DenialReason,
		RequestedAt:      r.RequestedAt,
		CreatedAt:        r.CreatedAt,
	}
	if !r.UpdatedAt.IsZero() {
		updated := r.UpdatedAt
		dto.UpdatedAt = &updated
	}
	return dto
}

func toRequestDTOs(rows []scheduling.Request) []RequestDTO {
	dtos := make([]RequestDTO, len(rows))
	for i, r := range rows {
		dtos[i] = toRequestDTO(r)
	}
	return dtos
}

func toStagedDTO(s scheduling.StagedRequest) StagedDTO {
	return StagedDTO{
		ID:                string(s.ID),
		PIN:               int64(s.Requester.PIN),
		SeniorityRank:     s.Requester.SeniorityRank,
		Division:          string(s.Partition.Division),
		Zone:              string(s.Partition.Zone),
		Date:              s.Date.String(),
		LeaveType:         leaveID(s.LeaveType),
		RequestedAt:       s.RequestedAt,
		Processed:         s.Processed,
		ProcessedAt:       s.ProcessedAt,
		PromotedRequestID: string(s.PromotedRequestID),
		LastError:         s.LastError,
	}
}

func toStagedDTOs(rows []scheduling.StagedRequest) []StagedDTO {
	dtos := make([]StagedDTO, len(rows))
	for i, s := range rows {
		dtos[i] = toStagedDTO(s)
	}
	return dtos
}
