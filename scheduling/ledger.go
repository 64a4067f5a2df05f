/*
ledger.go - Request Ledger

PURPOSE:
  Records leave requests and keeps every slot key's statuses consistent
  with its capacity. Submissions, cancellations and denials for one key
  run one at a time; different keys proceed in parallel.

SERIALIZATION:
  Every mutation of a key runs as:
    KeyLocker.Lock(key)           in-process mutual exclusion
    TxStore.WithTx(...)           atomic read-modify-write
      mutate request row
      Engine.Evaluate(key)        conditional updates on row versions
  A conditional update that lost against another process rolls the
  transaction back and the whole step is retried with exponential backoff.
  Exhausted retries surface as a ConflictError (ErrTransient).

TIMEOUTS:
  Each transaction runs under StoreTimeout. A deadline becomes ErrTransient.

EVENTS:
  Published only after the transaction committed.

SEE ALSO:
  - admission.go: Engine.Evaluate
  - staging.go: promotion calls submit with a deterministic ID
*/
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// LedgerConfig carries the ledger's collaborators. Zero values get defaults.
type LedgerConfig struct {
	StoreTimeout time.Duration
	Retry        RetryPolicy
	Now          func() time.Time
	Logger       *slog.Logger
	Events       Publisher
	Monitor      *Monitor
}

type Ledger struct {
	store   TxStore
	engine  *Engine
	locks   *KeyLocker
	timeout time.Duration
	retry   RetryPolicy
	now     func() time.Time
	logger  *slog.Logger
	events  Publisher
	monitor *Monitor
}

func NewLedger(store TxStore, cfg LedgerConfig) *Ledger {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = discardPublisher{}
	}
	return &Ledger{
		store:   store,
		engine:  NewEngine(cfg.Now),
		locks:   NewKeyLocker(),
		timeout: cfg.StoreTimeout,
		retry:   cfg.Retry.withDefaults(),
		now:     cfg.Now,
		logger:  loggerOrDiscard(cfg.Logger).With("component", "ledger"),
		events:  cfg.Events,
		monitor: cfg.Monitor,
	}
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit records a request and evaluates its key immediately, so the
// returned request is already approved or waitlisted.
func (l *Ledger) Submit(ctx context.Context, requester Requester, p Partition, date Date, lt LeaveType) (*Request, error) {
	return l.submit(ctx, submission{
		requester: requester,
		partition: p,
		date:      date,
		leaveType: lt,
		source:    SourceSubmitted,
	})
}

type submission struct {
	id          RequestID // empty: random
	requester   Requester
	partition   Partition
	date        Date
	leaveType   LeaveType
	requestedAt time.Time // zero: now
	source      RequestSource
}

func (l *Ledger) submit(ctx context.Context, sub submission) (*Request, error) {
	if err := sub.requester.Validate(); err != nil {
		return nil, err
	}
	if sub.leaveType == nil {
		return nil, &ValidationError{Field: "leave_type", Reason: "required", Err: ErrUnknownLeaveType}
	}
	if sub.date.IsZero() {
		return nil, &ValidationError{Field: "date", Reason: "required", Err: ErrInvalidDate}
	}
	if sub.id == "" {
		sub.id = RequestID(uuid.NewString())
	}
	now := l.now().UTC()
	if sub.requestedAt.IsZero() {
		sub.requestedAt = now
	}
	key := NewSlotKey(sub.partition, sub.date, sub.leaveType)

	var out *Request
	err := l.withKey(ctx, key, "submit", func(ctx context.Context, s Store) ([]Event, error) {
		existing, err := s.GetRequest(ctx, sub.id)
		if err == nil {
			// Already materialized by an earlier attempt.
			out = existing
			return nil, nil
		}
		if !errors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
		if err := ValidatePartition(ctx, s, sub.partition); err != nil {
			return nil, err
		}

		r := Request{
			ID:          sub.id,
			Requester:   sub.requester,
			Partition:   sub.partition,
			Date:        key.Date,
			LeaveType:   sub.leaveType,
			Status:      StatusPending,
			RequestedAt: sub.requestedAt.UTC(),
			Source:      sub.source,
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
		}
		if err := s.InsertRequest(ctx, r); err != nil {
			return nil, err
		}
		res, err := l.engine.Evaluate(ctx, s, key)
		if err != nil {
			return nil, err
		}
		if out, err = s.GetRequest(ctx, r.ID); err != nil {
			return nil, err
		}
		submitted := Event{Type: EventSubmitted, At: now, RequestID: r.ID, PIN: r.Requester.PIN, Key: key, To: StatusPending}
		return append([]Event{submitted}, res.events...), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// CANCEL / DENY
// =============================================================================

// Cancel vacates a request's slot and promotes the next in line. The
// requester may cancel their own request; otherwise CapDenyRequests is needed.
func (l *Ledger) Cancel(ctx context.Context, actor Actor, id RequestID) (*Request, error) {
	return l.close(ctx, actor, id, StatusCancelled, "")
}

// Deny is an administrative denial. The slot is re-evaluated.
func (l *Ledger) Deny(ctx context.Context, actor Actor, id RequestID, reason string) (*Request, error) {
	return l.close(ctx, actor, id, StatusDenied, reason)
}

func (l *Ledger) close(ctx context.Context, actor Actor, id RequestID, to RequestStatus, reason string) (*Request, error) {
	current, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	key := current.Key()

	var out *Request
	err = l.withKey(ctx, key, string(to), func(ctx context.Context, s Store) ([]Event, error) {
		r, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		own := actor.PIN != 0 && actor.PIN == r.Requester.PIN
		if to == StatusDenied || !own {
			if err := actor.require(CapDenyRequests, r.Partition.Division); err != nil {
				return nil, err
			}
		}
		if !r.Status.Active() {
			return nil, fmt.Errorf("%w: %s request %s cannot become %s", ErrInvalidTransition, r.Status, r.ID, to)
		}

		now := l.now().UTC()
		from := r.Status
		r.Status = to
		r.WaitlistPosition = 0
		r.DenialReason = reason
		r.UpdatedAt = now
		if err := s.UpdateRequest(ctx, *r); err != nil {
			return nil, err
		}
		res, err := l.engine.Evaluate(ctx, s, key)
		if err != nil {
			return nil, err
		}
		if out, err = s.GetRequest(ctx, id); err != nil {
			return nil, err
		}
		evtType := EventCancelled
		if to == StatusDenied {
			evtType = EventDenied
		}
		closed := Event{Type: evtType, At: now, RequestID: r.ID, PIN: r.Requester.PIN, Key: key, From: from, To: to}
		return append([]Event{closed}, res.events...), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// EVALUATE
// =============================================================================

// Evaluate re-runs admission for one key under the key lock.
func (l *Ledger) Evaluate(ctx context.Context, key SlotKey) (*EvaluationResult, error) {
	if key.LeaveType == nil {
		return nil, &ValidationError{Field: "leave_type", Reason: "required", Err: ErrUnknownLeaveType}
	}
	key = NewSlotKey(key.Partition, key.Date, key.LeaveType)

	var result *EvaluationResult
	err := l.withKey(ctx, key, "evaluate", func(ctx context.Context, s Store) ([]Event, error) {
		res, err := l.engine.Evaluate(ctx, s, key)
		if err != nil {
			return nil, err
		}
		result = res
		return res.events, nil
	})
	return result, err
}

// Reevaluate evaluates every key of p with active requests in [from, to].
// Returns the number of keys evaluated.
func (l *Ledger) Reevaluate(ctx context.Context, p Partition, g Granularity, from, to Date) (int, error) {
	tctx, cancel := context.WithTimeout(ctx, l.timeout)
	keys, err := l.store.ListActiveKeys(tctx, p, from, to)
	cancel()
	if err != nil {
		return 0, classify(err)
	}
	n := 0
	for _, key := range keys {
		if key.LeaveType.Granularity() != g {
			continue
		}
		if _, err := l.Evaluate(ctx, key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// withKey serializes fn on key, runs it in a transaction with retries on
// conflicts, records monitoring samples and publishes events on success.
func (l *Ledger) withKey(ctx context.Context, key SlotKey, op string, fn func(context.Context, Store) ([]Event, error)) error {
	unlock := l.locks.Lock(key)
	defer unlock()

	started := l.now()
	var events []Event
	err := retryConflicts(ctx, l.retry, key, func() error {
		events = nil
		tctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		return l.store.WithTx(tctx, func(s Store) error {
			evs, err := fn(tctx, s)
			events = evs
			return err
		})
	})
	err = classify(err)
	elapsed := l.now().Sub(started)

	if l.monitor != nil {
		l.monitor.ObserveEvaluation(key.Partition, elapsed, err)
		if err == nil {
			l.monitor.ObserveEvents(events)
		}
	}
	if err != nil {
		if !IsClientError(err) && !IsNotFound(err) && !errors.Is(err, ErrForbidden) {
			l.logger.Error("slot operation failed", "op", op, "key", key.String(), "error", err)
		}
		return err
	}
	l.logger.Debug("slot operation", "op", op, "key", key.String(), "duration", elapsed)
	for _, evt := range events {
		l.events.Publish(ctx, evt)
	}
	return nil
}

// =============================================================================
// MANUAL ENTRY / RECONCILIATION
// =============================================================================

// ImportInput is a historical or manual approved record.
type ImportInput struct {
	Requester   Requester
	Partition   Partition
	Date        Date
	LeaveType   LeaveType
	RequestedAt time.Time
	PaidInLieu  bool
}

// ImportHistorical inserts an approved request without evaluating its key.
// A later evaluation of the key may still waitlist it if it is not paid in
// lieu and capacity does not cover it.
func (l *Ledger) ImportHistorical(ctx context.Context, actor Actor, in ImportInput) (*Request, error) {
	if err := actor.require(CapImportRecords, in.Partition.Division); err != nil {
		return nil, err
	}
	if err := in.Requester.Validate(); err != nil {
		return nil, err
	}
	if in.LeaveType == nil {
		return nil, &ValidationError{Field: "leave_type", Reason: "required", Err: ErrUnknownLeaveType}
	}
	if in.Date.IsZero() {
		return nil, &ValidationError{Field: "date", Reason: "required", Err: ErrInvalidDate}
	}
	if in.RequestedAt.IsZero() {
		return nil, &ValidationError{Field: "requested_at", Reason: "required for imported records"}
	}
	key := NewSlotKey(in.Partition, in.Date, in.LeaveType)
	now := l.now().UTC()
	r := Request{
		ID:          RequestID(uuid.NewString()),
		Requester:   in.Requester,
		Partition:   in.Partition,
		Date:        key.Date,
		LeaveType:   in.LeaveType,
		Status:      StatusApproved,
		PaidInLieu:  in.PaidInLieu,
		RequestedAt: in.RequestedAt.UTC(),
		Source:      SourceImported,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	err := l.withKey(ctx, key, "import", func(ctx context.Context, s Store) ([]Event, error) {
		if err := ValidatePartition(ctx, s, in.Partition); err != nil {
			return nil, err
		}
		if err := s.InsertRequest(ctx, r); err != nil {
			return nil, err
		}
		return []Event{{Type: EventImported, At: now, RequestID: r.ID, PIN: r.Requester.PIN, Key: key, To: StatusApproved}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LinkAccount attaches an account to a PIN once the member registers.
// Seniority, requested_at and status are untouched.
func (l *Ledger) LinkAccount(ctx context.Context, actor Actor, pin PIN, account AccountID) (int, error) {
	if pin <= 0 || account == "" {
		return 0, &ValidationError{Field: "account_id", Reason: "pin and account are required"}
	}
	if actor.PIN != pin && !actor.Can(CapManageRoster) {
		return 0, fmt.Errorf("%w: %s cannot link pin %d", ErrForbidden, actor.ID, pin)
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var n int
	err := l.store.WithTx(ctx, func(s Store) error {
		m, err := s.GetMember(ctx, pin)
		switch {
		case err == nil:
			if m.AccountID == "" {
				m.AccountID = account
				if err := s.SaveMember(ctx, *m); err != nil {
					return err
				}
			}
		case !errors.Is(err, ErrMemberNotFound):
			return err
		}
		n, err = s.AssignAccount(ctx, pin, account)
		return err
	})
	if err != nil {
		return 0, classify(err)
	}
	l.logger.Info("account linked", "pin", int64(pin), "rows", n)
	return n, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (l *Ledger) Get(ctx context.Context, id RequestID) (*Request, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	r, err := l.store.GetRequest(ctx, id)
	return r, classify(err)
}

// RequestsFor lists a requester's requests, newest date first.
func (l *Ledger) RequestsFor(ctx context.Context, pin PIN) ([]Request, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	rows, err := l.store.ListRequestsByPIN(ctx, pin)
	if err != nil {
		return nil, classify(err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.After(rows[j].Date) })
	return rows, nil
}

// ListByPartitionAndDate returns the key's requests ordered by status
// (approved first) then seniority rank.
func (l *Ledger) ListByPartitionAndDate(ctx context.Context, p Partition, date Date, lt LeaveType) ([]Request, error) {
	if lt == nil {
		return nil, &ValidationError{Field: "leave_type", Reason: "required", Err: ErrUnknownLeaveType}
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	rows, err := l.store.ListRequestsByKey(ctx, NewSlotKey(p, date, lt))
	if err != nil {
		return nil, classify(err)
	}
	SortForListing(rows)
	return rows, nil
}

// SortForListing orders by status, seniority rank, requested_at, ID.
func SortForListing(rows []Request) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if oa, ob := a.Status.listingOrder(), b.Status.listingOrder(); oa != ob {
			return oa < ob
		}
		return seniorityLess(a, b)
	})
}
