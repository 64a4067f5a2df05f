/*
store.go - Persistence interfaces

PURPOSE:
  Defines the interface between the engine and the system of record.
  Implementations:
  - store/sqlite: SQLite (production patterns carry over to PostgreSQL)
  - scheduling/store: in-memory, for tests and demos

ATOMICITY:
  Evaluate reads capacity and requests and writes status changes for one
  slot key. TxStore.WithTx runs that as one transaction; UpdateRequest is
  conditional on the row version so a writer that raced is detected
  (ErrConcurrentModification) instead of silently overwriting.

NO DELETES:
  There is no Delete for requests. Denial and cancellation are statuses.
*/
package scheduling

import (
	"context"
	"time"
)

// DirectoryStore holds divisions, zones and the roster.
type DirectoryStore interface {
	SaveDivision(ctx context.Context, d Division) error
	// GetDivision returns ErrDivisionNotFound when absent.
	GetDivision(ctx context.Context, id DivisionID) (*Division, error)
	ListDivisions(ctx context.Context) ([]Division, error)

	SaveZone(ctx context.Context, z Zone) error
	ListZones(ctx context.Context, division DivisionID) ([]Zone, error)

	// SaveMember upserts by PIN.
	SaveMember(ctx context.Context, m Member) error
	// GetMember returns ErrMemberNotFound when absent.
	GetMember(ctx context.Context, pin PIN) (*Member, error)
	ListMembers(ctx context.Context) ([]Member, error)
}

// AllotmentStore holds capacity rows.
type AllotmentStore interface {
	// UpsertAllotment replaces the row with the same
	// (partition, granularity, scope, effective date).
	UpsertAllotment(ctx context.Context, a Allotment) error

	// GetAllotment returns nil, nil when no row exists.
	GetAllotment(ctx context.Context, p Partition, g Granularity, scope AllotmentScope, effective Date) (*Allotment, error)

	ListAllotments(ctx context.Context, p Partition) ([]Allotment, error)
}

// RequestStore holds live requests.
type RequestStore interface {
	// InsertRequest returns ErrDuplicateRequest when the requester already
	// holds an active request for the same date and leave type.
	InsertRequest(ctx context.Context, r Request) error

	// GetRequest returns ErrRequestNotFound when absent.
	GetRequest(ctx context.Context, id RequestID) (*Request, error)

	// ListRequestsByKey returns every request for the key, any status.
	ListRequestsByKey(ctx context.Context, key SlotKey) ([]Request, error)

	ListRequestsByPIN(ctx context.Context, pin PIN) ([]Request, error)

	// UpdateRequest writes r if the stored version equals r.Version and
	// stores r.Version+1. Otherwise ErrConcurrentModification.
	UpdateRequest(ctx context.Context, r Request) error

	// ListActiveKeys returns distinct keys with active requests in [from, to].
	ListActiveKeys(ctx context.Context, p Partition, from, to Date) ([]SlotKey, error)

	// AssignAccount sets the account on PIN-only requests and staged
	// requests. Returns the number of rows changed.
	AssignAccount(ctx context.Context, pin PIN, account AccountID) (int, error)

	// CountRequestsByStatus counts requests created at or after since.
	CountRequestsByStatus(ctx context.Context, p Partition, since time.Time) (map[RequestStatus]int, error)
}

// StagedFilter narrows ListStaged. Zero values match everything.
type StagedFilter struct {
	PIN         PIN
	Unprocessed bool
	MissingZone bool
}

// StagingStore holds six-month advance requests.
type StagingStore interface {
	InsertStaged(ctx context.Context, s StagedRequest) error
	// GetStaged returns ErrStagedNotFound when absent.
	GetStaged(ctx context.Context, id StagedID) (*StagedRequest, error)

	// ListStagedDue returns staged requests dated in [from, to], processed
	// or not, ordered by date then requested_at. A zero from is unbounded.
	ListStagedDue(ctx context.Context, from, to Date) ([]StagedRequest, error)

	ListStaged(ctx context.Context, f StagedFilter) ([]StagedRequest, error)
	UpdateStaged(ctx context.Context, s StagedRequest) error
}

// Store is the full system of record.
type Store interface {
	DirectoryStore
	AllotmentStore
	RequestStore
	StagingStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
