/*
staging.go - Six-Month Advance Scheduler

PURPOSE:
  Requests dated beyond the lead-time window (six months by default) are
  not admitted right away. They are staged here and a daily job promotes
  them into the ledger once the date comes inside the window.

PROMOTION:
  For each staged request dated on or before today + lead time:
    1. already processed     -> skipped, never reprocessed
    2. ledger submit         -> immediate evaluation of the target key
    3. processed = true      -> only after step 2 committed

  Step 2 uses a request ID derived from the staged ID. A crash between
  steps 2 and 3 leaves the request in place; the re-run finds it by ID and
  only completes step 3, so a staged request never yields two requests.

FAILURES:
  One staged request failing (unknown partition, duplicate) is recorded on
  the item and the batch continues. Store outages abort the run and return
  the partial result; the job is safe to re-trigger.

SEE ALSO:
  - ledger.go: submit
  - service.go: RequestLeave routes between Stage and Submit
*/
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// promotionNamespace seeds the deterministic IDs of promoted requests.
var promotionNamespace = uuid.MustParse("6f1d2a8e-35c4-4f0b-9a57-0c2b8f6e4d13")

// PromotedRequestID is the live request ID a staged request promotes into.
func PromotedRequestID(id StagedID) RequestID {
	return RequestID(uuid.NewSHA1(promotionNamespace, []byte(id)).String())
}

// ItemStatus is the outcome for one staged request in a promotion run.
type ItemStatus string

const (
	ItemPromoted         ItemStatus = "promoted"
	ItemAlreadyProcessed ItemStatus = "already_processed"
	ItemFailed           ItemStatus = "failed"
)

type ItemResult struct {
	ID        StagedID      `json:"id"`
	Status    ItemStatus    `json:"status"`
	RequestID RequestID     `json:"request_id,omitempty"`
	Admission RequestStatus `json:"admission,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// PromotionResult reports a promotion run. Skipped counts every staged
// request in the window that this run did not promote; Failed is the part
// of Skipped that failed.
type PromotionResult struct {
	Today    Date         `json:"today"`
	From     Date         `json:"from"`
	To       Date         `json:"to"`
	Promoted int          `json:"promoted"`
	Skipped  int          `json:"skipped"`
	Failed   int          `json:"failed"`
	Items    []ItemResult `json:"items"`
}

type SchedulerConfig struct {
	LeadTime     LeadTime
	StoreTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
	Events       Publisher
	Monitor      *Monitor
}

// Scheduler is the Six-Month Advance Scheduler.
type Scheduler struct {
	store   Store
	ledger  *Ledger
	lead    LeadTime
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	events  Publisher
	monitor *Monitor
}

func NewScheduler(store Store, ledger *Ledger, cfg SchedulerConfig) *Scheduler {
	if cfg.LeadTime.Months <= 0 {
		cfg.LeadTime.Months = DefaultLeadTimeMonths
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = discardPublisher{}
	}
	return &Scheduler{
		store:   store,
		ledger:  ledger,
		lead:    cfg.LeadTime,
		timeout: cfg.StoreTimeout,
		now:     cfg.Now,
		logger:  loggerOrDiscard(cfg.Logger).With("component", "scheduler"),
		events:  cfg.Events,
		monitor: cfg.Monitor,
	}
}

func (s *Scheduler) LeadTime() LeadTime { return s.lead }

// =============================================================================
// STAGE
// =============================================================================

// Stage holds a request dated beyond the lead-time window. Dates inside
// the window are rejected with ErrNotStageable; submit those instead.
func (s *Scheduler) Stage(ctx context.Context, requester Requester, p Partition, date Date, lt LeaveType, today Date) (*StagedRequest, error) {
	if err := requester.Validate(); err != nil {
		return nil, err
	}
	if lt == nil {
		return nil, &ValidationError{Field: "leave_type", Reason: "required", Err: ErrUnknownLeaveType}
	}
	if date.IsZero() || today.IsZero() {
		return nil, &ValidationError{Field: "date", Reason: "required", Err: ErrInvalidDate}
	}
	date = lt.Granularity().Normalize(date)
	if !s.lead.BeyondWindow(today, date) {
		return nil, &ValidationError{
			Field:  "date",
			Reason: fmt.Sprintf("%s is within %d months of %s", date, s.lead.Months, today),
			Err:    ErrNotStageable,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := ValidatePartition(ctx, s.store, p); err != nil {
		return nil, classify(err)
	}
	pending, err := s.store.ListStaged(ctx, StagedFilter{PIN: requester.PIN, Unprocessed: true})
	if err != nil {
		return nil, classify(err)
	}
	for _, st := range pending {
		if st.Date.Equal(date) && st.LeaveType.LeaveID() == lt.LeaveID() {
			return nil, fmt.Errorf("%w: staged %s already holds %s %s", ErrDuplicateRequest, st.ID, lt.LeaveID(), date)
		}
	}

	now := s.now().UTC()
	st := StagedRequest{
		ID:          StagedID(uuid.NewString()),
		Requester:   requester,
		Partition:   p,
		Date:        date,
		LeaveType:   lt,
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertStaged(ctx, st); err != nil {
		return nil, classify(err)
	}
	s.logger.Info("request staged", "staged_id", string(st.ID), "pin", int64(requester.PIN), "date", date.String(), "leave_type", lt.LeaveID())
	s.events.Publish(ctx, Event{Type: EventStaged, At: now, StagedID: st.ID, PIN: requester.PIN, Key: NewSlotKey(p, date, lt)})
	return &st, nil
}

// Staged lists staged requests matching f.
func (s *Scheduler) Staged(ctx context.Context, f StagedFilter) ([]StagedRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.store.ListStaged(ctx, f)
	return rows, classify(err)
}

// =============================================================================
// PROMOTION
// =============================================================================

// RunDailyPromotion promotes every staged request now inside the window.
// Running it again the same day promotes nothing twice.
func (s *Scheduler) RunDailyPromotion(ctx context.Context, today Date) (PromotionResult, error) {
	return s.run(ctx, today, Date{}, s.lead.Cutoff(today))
}

// RunPromotionWindow reprocesses staged requests dated in [from, to]. The
// window is clamped to the lead-time cutoff.
func (s *Scheduler) RunPromotionWindow(ctx context.Context, today, from, to Date) (PromotionResult, error) {
	if today.IsZero() {
		return PromotionResult{}, &ValidationError{Field: "today", Reason: "required", Err: ErrInvalidDate}
	}
	cutoff := s.lead.Cutoff(today)
	if to.IsZero() || to.After(cutoff) {
		to = cutoff
	}
	if !from.IsZero() && from.After(to) {
		return PromotionResult{}, &ValidationError{Field: "from", Reason: fmt.Sprintf("%s is after %s", from, to), Err: ErrInvalidDate}
	}
	return s.run(ctx, today, from, to)
}

func (s *Scheduler) run(ctx context.Context, today, from, to Date) (PromotionResult, error) {
	result := PromotionResult{Today: today, From: from, To: to}
	started := s.now()

	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	due, err := s.store.ListStagedDue(lctx, from, to)
	cancel()
	if err != nil {
		return result, fmt.Errorf("list staged requests: %w", classify(err))
	}

	s.logger.Info("promotion started", "today", today.String(), "to", to.String(), "candidates", len(due))

	for _, st := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if st.Processed {
			result.Skipped++
			result.Items = append(result.Items, ItemResult{
				ID:        st.ID,
				Status:    ItemAlreadyProcessed,
				RequestID: st.PromotedRequestID,
			})
			continue
		}

		item, err := s.promote(ctx, st)
		if err != nil {
			if IsFatal(err) {
				s.logger.Error("promotion aborted", "staged_id", string(st.ID), "error", err)
				return result, err
			}
			result.Skipped++
			result.Failed++
			result.Items = append(result.Items, ItemResult{ID: st.ID, Status: ItemFailed, Reason: err.Error()})
			s.observe(ItemFailed)
			s.logger.Warn("staged request not promoted", "staged_id", string(st.ID), "pin", int64(st.Requester.PIN), "error", err)
			if err := s.recordFailure(ctx, st, err); err != nil && IsFatal(err) {
				return result, err
			}
			continue
		}
		result.Promoted++
		result.Items = append(result.Items, item)
		s.observe(ItemPromoted)
	}

	s.logger.Info("promotion finished",
		"today", today.String(),
		"promoted", result.Promoted,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"duration", s.now().Sub(started),
	)
	return result, nil
}

func (s *Scheduler) promote(ctx context.Context, st StagedRequest) (ItemResult, error) {
	if s.ledger == nil {
		return ItemResult{}, errors.New("scheduler has no ledger")
	}
	req, err := s.ledger.submit(ctx, submission{
		id:          PromotedRequestID(st.ID),
		requester:   st.Requester,
		partition:   st.Partition,
		date:        st.Date,
		leaveType:   st.LeaveType,
		requestedAt: st.RequestedAt,
		source:      SourcePromoted,
	})
	if err != nil {
		return ItemResult{}, err
	}

	now := s.now().UTC()
	st.Processed = true
	st.ProcessedAt = &now
	st.PromotedRequestID = req.ID
	st.LastError = ""
	st.UpdatedAt = now

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.UpdateStaged(ctx, st); err != nil {
		return ItemResult{}, fmt.Errorf("mark %s processed: %w", st.ID, classify(err))
	}

	s.events.Publish(ctx, Event{
		Type:             EventPromoted,
		At:               now,
		RequestID:        req.ID,
		StagedID:         st.ID,
		PIN:              st.Requester.PIN,
		Key:              req.Key(),
		To:               req.Status,
		WaitlistPosition: req.WaitlistPosition,
	})
	return ItemResult{ID: st.ID, Status: ItemPromoted, RequestID: req.ID, Admission: req.Status}, nil
}

func (s *Scheduler) recordFailure(ctx context.Context, st StagedRequest, cause error) error {
	st.LastError = cause.Error()
	st.UpdatedAt = s.now().UTC()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.UpdateStaged(ctx, st); err != nil {
		s.logger.Warn("could not record promotion failure", "staged_id", string(st.ID), "error", err)
		return classify(err)
	}
	return nil
}

func (s *Scheduler) observe(status ItemStatus) {
	if s.monitor != nil {
		s.monitor.ObservePromotion(status)
	}
}
