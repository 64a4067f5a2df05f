/*
handlers.go - HTTP API handlers for the allotment engine

PURPOSE:
  Exposes the scheduling service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the scheduling package.

ENDPOINTS:
  Requests:
    POST   /api/requests                 Submit (or stage, when beyond the window)
    GET    /api/requests?pin=            A requester's history, newest date first
    GET    /api/requests/{id}            One request
    DELETE /api/requests/{id}            Cancel
    POST   /api/requests/{id}/deny       Deny (admin)
    POST   /api/requests/import          Import a historical approved record (admin)
    GET    /api/partitions/{division}/requests?zone=&date=&leave_type=

  Staged:
    POST   /api/staged                   Stage a six-month advance request
    GET    /api/staged?pin=&unprocessed=

  Allotments:
    PUT    /api/allotments/yearly        Yearly default
    PUT    /api/allotments/override      Dated override
    GET    /api/allotments/capacity?division=&zone=&date=&leave_type=
    GET    /api/allotments?division=&zone=

  Operations:
    POST   /api/scheduler/promote        Run promotion (daily or window)
    POST   /api/admin/zones/migrate      Zone migration
    GET    /api/admin/zones/violations   Zone assignment audit
    GET    /api/monitoring/metrics?division=&zone=&window=
    POST   /api/monitoring/check         Threshold check

  Directory:
    GET/POST /api/divisions, GET/POST /api/members,
    POST /api/members/{pin}/account, POST /api/roster/seed

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Service: the scheduling facade
  - Roster: seed document applier
  - Thresholds: defaults for monitoring checks

ACTOR:
  Every core call receives the scheduling.Actor built by actorMiddleware
  from the X-Actor-* headers. Members may only act for their own PIN.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Actor lacks the capability
  - 404: Resource not found
  - 409: Duplicate request, invalid status transition
  - 503: Transient failure (store timeout, retries exhausted)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/allotment-engine/factory"
	"github.com/warp/allotment-engine/scheduling"
)

// maxSeedBytes bounds roster seed uploads.
const maxSeedBytes = 4 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is implemented by stores that can be wiped for scenarios.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service    *scheduling.Service
	Roster     *factory.RosterFactory
	Thresholds scheduling.Thresholds

	store  Resetter
	logger *slog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// HandlerConfig configures NewHandler.
type HandlerConfig struct {
	Thresholds scheduling.Thresholds
	// Store is reset before a scenario loads. Nil disables scenarios.
	Store  Resetter
	Logger *slog.Logger
}

// NewHandler creates a new handler over svc.
func NewHandler(svc *scheduling.Service, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Handler{
		Service:    svc,
		Roster:     factory.NewRosterFactory(svc),
		Thresholds: cfg.Thresholds,
		store:      cfg.Store,
		logger:     logger.With("component", "api"),
	}
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// SubmitRequest admits a request, or stages it when the date is beyond the
// lead-time window.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitLeaveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := actorFrom(r.Context())
	if err := requireSelf(actor, req.PIN); err != nil {
		writeDomainError(w, err)
		return
	}
	lt, err := scheduling.ParseLeaveType(req.LeaveType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	requester, p, today, err := h.resolveLeaveRequest(r.Context(), actor, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out, err := h.Service.RequestLeave(r.Context(), requester, p, req.Date, lt, today)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var resp LeaveOutcomeDTO
	if out.Request != nil {
		dto := toRequestDTO(*out.Request)
		resp.Request = &dto
	}
	if out.Staged != nil {
		dto := toStagedDTO(*out.Staged)
		resp.Staged = &dto
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetRequest returns a single request.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.Ledger.Get(r.Context(), scheduling.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := requireSelf(actorFrom(r.Context()), int64(req.Requester.PIN)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// ListRequests returns a requester's history.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	pin, err := strconv.ParseInt(r.URL.Query().Get("pin"), 10, 64)
	if err != nil || pin <= 0 {
		writeError(w, http.StatusBadRequest, "pin query parameter is required", err)
		return
	}
	if err := requireSelf(actorFrom(r.Context()), pin); err != nil {
		writeDomainError(w, err)
		return
	}
	rows, err := h.Service.Ledger.RequestsFor(r.Context(), scheduling.PIN(pin))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(rows))
}

// CancelRequest withdraws an active request.
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.Ledger.Cancel(r.Context(), actorFrom(r.Context()), scheduling.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// DenyRequest closes a request as denied.
func (h *Handler) DenyRequest(w http.ResponseWriter, r *http.Request) {
	var body DenyRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := h.Service.Ledger.Deny(r.Context(), actorFrom(r.Context()), scheduling.RequestID(chi.URLParam(r, "id")), body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// ImportRequest records a historical approved request.
func (h *Handler) ImportRequest(w http.ResponseWriter, r *http.Request) {
	var body ImportRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	lt, err := scheduling.ParseLeaveType(body.LeaveType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	req, err := h.Service.Ledger.ImportHistorical(r.Context(), actorFrom(r.Context()), scheduling.ImportInput{
		Requester:   body.requester(),
		Partition:   scheduling.NewPartition(scheduling.DivisionID(body.Division), scheduling.ZoneID(body.Zone)),
		Date:        body.Date,
		LeaveType:   lt,
		RequestedAt: body.RequestedAt,
		PaidInLieu:  body.PaidInLieu,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*req))
}

// ListPartitionRequests lists every request for a partition, date and
// leave type in listing order.
func (h *Handler) ListPartitionRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := scheduling.ParseDate(q.Get("date"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	lt, err := scheduling.ParseLeaveType(q.Get("leave_type"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	p := scheduling.NewPartition(scheduling.DivisionID(chi.URLParam(r, "division")), scheduling.ZoneID(q.Get("zone")))
	rows, err := h.Service.Ledger.ListByPartitionAndDate(r.Context(), p, date, lt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(rows))
}

// =============================================================================
// STAGED HANDLERS
// =============================================================================

// StageRequest stages a request explicitly. Dates inside the window are
// rejected; use POST /api/requests for automatic routing.
func (h *Handler) StageRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitLeaveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := actorFrom(r.Context())
	if err := requireSelf(actor, req.PIN); err != nil {
		writeDomainError(w, err)
		return
	}
	lt, err := scheduling.ParseLeaveType(req.LeaveType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	requester, p, today, err := h.resolveLeaveRequest(r.Context(), actor, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if today.IsZero() {
		today = h.Service.Today()
	}
	st, err := h.Service.Scheduler.Stage(r.Context(), requester, p, req.Date, lt, today)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStagedDTO(*st))
}

// ListStaged lists staged requests, optionally for one PIN.
func (h *Handler) ListStaged(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f scheduling.StagedFilter
	if s := q.Get("pin"); s != "" {
		pin, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pin", err)
			return
		}
		f.PIN = scheduling.PIN(pin)
	}
	if err := requireSelf(actorFrom(r.Context()), int64(f.PIN)); err != nil {
		writeDomainError(w, err)
		return
	}
	f.Unprocessed = q.Get("unprocessed") == "true"

	rows, err := h.Service.Scheduler.Staged(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStagedDTOs(rows))
}

// =============================================================================
// ALLOTMENT HANDLERS
// =============================================================================

func (h *Handler) SetYearlyAllotment(w http.ResponseWriter, r *http.Request) {
	var body YearlyAllotmentRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	p := scheduling.NewPartition(scheduling.DivisionID(body.Division), scheduling.ZoneID(body.Zone))
	change, err := h.Service.SetYearlyDefault(r.Context(), actorFrom(r.Context()), p, scheduling.Granularity(body.Granularity), body.Year, body.MaxSlots)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	var body OverrideRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	p := scheduling.NewPartition(scheduling.DivisionID(body.Division), scheduling.ZoneID(body.Zone))
	change, err := h.Service.SetOverride(r.Context(), actorFrom(r.Context()), p, scheduling.Granularity(body.Granularity), body.Date, body.MaxSlots)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// GetCapacity resolves the effective capacity for one key.
func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := scheduling.ParseDate(q.Get("date"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	lt, err := scheduling.ParseLeaveType(q.Get("leave_type"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	p := scheduling.NewPartition(scheduling.DivisionID(q.Get("division")), scheduling.ZoneID(q.Get("zone")))
	capacity, err := h.Service.Registry.Capacity(r.Context(), p, date, lt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CapacityDTO{
		Division:  string(p.Division),
		Zone:      string(p.Zone),
		Date:      lt.Granularity().Normalize(date).String(),
		LeaveType: lt.LeaveID(),
		Capacity:  capacity,
	})
}

func (h *Handler) ListAllotments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("division") == "" {
		writeError(w, http.StatusBadRequest, "division query parameter is required", nil)
		return
	}
	p := scheduling.NewPartition(scheduling.DivisionID(q.Get("division")), scheduling.ZoneID(q.Get("zone")))
	rows, err := h.Service.Registry.Allotments(r.Context(), p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rows == nil {
		rows = []scheduling.Allotment{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// =============================================================================
// OPERATIONS HANDLERS
// =============================================================================

// TriggerPromotion runs the staged request promotion on demand.
func (h *Handler) TriggerPromotion(w http.ResponseWriter, r *http.Request) {
	var body PromoteRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	result, err := h.Service.Promote(r.Context(), actorFrom(r.Context()), body.Today, body.From, body.To)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) MigrateZones(w http.ResponseWriter, r *http.Request) {
	var body MigrateZonesRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	report, err := h.Service.MigrateZones(r.Context(), actorFrom(r.Context()), body.Year)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ZoneViolations(w http.ResponseWriter, r *http.Request) {
	warnings, err := h.Service.ZoneViolations(r.Context(), actorFrom(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if warnings == nil {
		warnings = []scheduling.DataIntegrityWarning{}
	}
	writeJSON(w, http.StatusOK, warnings)
}

// GetMetrics aggregates one partition over a window (Go duration syntax).
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("division") == "" {
		writeError(w, http.StatusBadRequest, "division query parameter is required", nil)
		return
	}
	var window time.Duration
	if s := q.Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window", err)
			return
		}
		window = d
	}
	p := scheduling.NewPartition(scheduling.DivisionID(q.Get("division")), scheduling.ZoneID(q.Get("zone")))
	metrics, err := h.Service.Monitor.CollectMetrics(r.Context(), p, window)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// CheckThresholds runs MonitorPerformance with the configured thresholds,
// optionally overridden by the body.
func (h *Handler) CheckThresholds(w http.ResponseWriter, r *http.Request) {
	var body ThresholdsRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	th := h.Thresholds
	if body.ErrorThreshold != nil {
		th.ErrorThreshold = *body.ErrorThreshold
	}
	if body.LatencyThresholdMs != nil {
		th.LatencyThresholdMs = *body.LatencyThresholdMs
	}
	if body.WaitlistRatioThreshold != nil {
		th.WaitlistRatioThreshold = *body.WaitlistRatioThreshold
	}

	alerts, err := h.Service.Monitor.MonitorPerformance(r.Context(), th)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if alerts == nil {
		alerts = []string{}
	}
	writeJSON(w, http.StatusOK, AlertsDTO{Alerts: alerts})
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

func (h *Handler) ListDivisions(w http.ResponseWriter, r *http.Request) {
	divisions, err := h.Service.Divisions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]DivisionDTO, 0, len(divisions))
	for _, d := range divisions {
		zones, err := h.Service.Zones(r.Context(), d.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		dto := DivisionDTO{ID: string(d.ID), Name: d.Name, UsesZones: d.UsesZones, Zones: []ZoneDTO{}}
		for _, z := range zones {
			dto.Zones = append(dto.Zones, ZoneDTO{ID: string(z.ID), Name: z.Name})
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateDivision(w http.ResponseWriter, r *http.Request) {
	var body DivisionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	zones := make([]scheduling.Zone, 0, len(body.Zones))
	for _, z := range body.Zones {
		zones = append(zones, scheduling.Zone{ID: scheduling.ZoneID(z.ID), Name: z.Name})
	}
	d := scheduling.Division{ID: scheduling.DivisionID(body.ID), Name: body.Name, UsesZones: body.UsesZones}
	if err := h.Service.SaveDivision(r.Context(), actorFrom(r.Context()), d, zones); err != nil {
		writeDomainError(w, err)
		return
	}
	if body.Zones == nil {
		body.Zones = []ZoneDTO{}
	}
	writeJSON(w, http.StatusCreated, DivisionDTO(body))
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Service.Members(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if members == nil {
		members = []scheduling.Member{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *Handler) SaveMember(w http.ResponseWriter, r *http.Request) {
	var m scheduling.Member
	if !decodeJSON(w, r, &m) {
		return
	}
	if err := h.Service.SaveMember(r.Context(), actorFrom(r.Context()), m); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// LinkAccount records the account a roster PIN registered with and
// back-fills it on existing requests.
func (h *Handler) LinkAccount(w http.ResponseWriter, r *http.Request) {
	pin, err := strconv.ParseInt(chi.URLParam(r, "pin"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pin", err)
		return
	}
	var body LinkAccountRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	n, err := h.Service.Ledger.LinkAccount(r.Context(), actorFrom(r.Context()), scheduling.PIN(pin), scheduling.AccountID(body.AccountID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LinkAccountResponse{PIN: pin, AccountID: body.AccountID, Updated: n})
}

// SeedRoster applies a YAML or JSON seed document from the request body.
func (h *Handler) SeedRoster(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSeedBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	seed, err := factory.ParseSeed(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid seed document", err)
		return
	}
	report, err := h.Roster.Apply(r.Context(), actorFrom(r.Context()), seed)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

// requireSelf limits members to their own PIN. Admin roles pass.
// resolveLeaveRequest decides whose rank, partition and date a leave
// request uses. Only roster managers may state a rank, and only scheduler
// operators may state today; everyone else gets the roster entry and the
// server's date.
func (h *Handler) resolveLeaveRequest(ctx context.Context, actor scheduling.Actor, req SubmitLeaveRequest) (scheduling.Requester, scheduling.Partition, scheduling.Date, error) {
	requester := req.requester()
	p := scheduling.NewPartition(scheduling.DivisionID(req.Division), scheduling.ZoneID(req.Zone))
	today := req.Today
	if !actor.Can(scheduling.CapRunScheduler) {
		today = h.Service.Today()
	}
	if actor.CanIn(scheduling.CapManageRoster, p.Division) {
		return requester, p, today, nil
	}

	m, err := h.Service.Member(ctx, requester.PIN)
	if errors.Is(err, scheduling.ErrMemberNotFound) {
		return scheduling.Requester{}, scheduling.Partition{}, scheduling.Date{},
			fmt.Errorf("%w: pin %d is not on the roster", scheduling.ErrForbidden, requester.PIN)
	}
	if err != nil {
		return scheduling.Requester{}, scheduling.Partition{}, scheduling.Date{}, err
	}
	home := scheduling.NewPartition(m.Division, m.Zone)
	switch {
	case req.Division == "":
		p = home
	case p.Division != home.Division:
		return scheduling.Requester{}, scheduling.Partition{}, scheduling.Date{},
			fmt.Errorf("%w: pin %d belongs to division %s", scheduling.ErrForbidden, requester.PIN, home.Division)
	case req.Zone == "":
		p = home
	case p != home:
		return scheduling.Requester{}, scheduling.Partition{}, scheduling.Date{},
			fmt.Errorf("%w: pin %d belongs to %s", scheduling.ErrForbidden, requester.PIN, home)
	}
	requester.SeniorityRank = m.SeniorityRank
	if requester.AccountID == "" {
		requester.AccountID = m.AccountID
	}
	return requester, p, today, nil
}

func requireSelf(actor scheduling.Actor, pin int64) error {
	if actor.Role != scheduling.RoleMember || int64(actor.PIN) == pin {
		return nil
	}
	return fmt.Errorf("%w: member %s may only act for pin %d", scheduling.ErrForbidden, actor.ID, actor.PIN)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps scheduling errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduling.ErrForbidden):
		return http.StatusForbidden
	case scheduling.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, scheduling.ErrDuplicateRequest), errors.Is(err, scheduling.ErrInvalidTransition):
		return http.StatusConflict
	case scheduling.IsClientError(err):
		return http.StatusBadRequest
	case scheduling.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeError(w, status, http.StatusText(status), err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
