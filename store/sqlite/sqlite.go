/*
Package sqlite provides a SQLite-backed implementation of scheduling.TxStore.

PURPOSE:
  System of record for divisions, zones, the roster, allotments, live
  requests and staged advance requests. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  divisions, zones, members: partition directory and roster
  allotments:                capacity rows, one per
                             (partition, granularity, scope, effective_date)
  requests:                  live requests, never deleted
  staged_requests:           six-month advance requests

CONSTRAINTS:
  - idx_unique_active_request: at most one active request per
    (pin, date, leave_type)
  - idx_unique_pending_staged: at most one unprocessed staged request
    per (pin, date, leave_type)
  - allotments.max_slots >= 0
  - requests.version: UpdateRequest is conditional on it

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so WithTx
  is serialized with every other write. The version check still catches
  a writer in another process sharing the file.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

TIME ENCODING:
  Dates are TEXT YYYY-MM-DD. Timestamps are fixed-width UTC with
  nanoseconds so that text comparison orders them correctly.

USAGE:
  store, err := sqlite.New("./data/allotment.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := scheduling.NewService(store, scheduling.Config{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - scheduling/store.go: Interface definitions
  - scheduling/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/allotment-engine/scheduling"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements scheduling.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	c  conn
}

var _ scheduling.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, c: conn{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &scheduling.StoreError{Op: "ping", Err: err}
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS divisions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		uses_zones INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS zones (
		division_id TEXT NOT NULL REFERENCES divisions(id),
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (division_id, id)
	);

	-- Roster. division_id/zone_id are not foreign keys: mismatches are
	-- reported by the zone assignment audit.
	CREATE TABLE IF NOT EXISTS members (
		pin INTEGER PRIMARY KEY,
		account_id TEXT,
		name TEXT NOT NULL,
		division_id TEXT NOT NULL,
		zone_id TEXT NOT NULL DEFAULT '',
		seniority_rank INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS allotments (
		division_id TEXT NOT NULL,
		zone_id TEXT NOT NULL DEFAULT '',
		granularity TEXT NOT NULL,
		scope TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		max_slots INTEGER NOT NULL CHECK (max_slots >= 0),
		updated_by TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (division_id, zone_id, granularity, scope, effective_date)
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		pin INTEGER NOT NULL,
		account_id TEXT,
		seniority_rank INTEGER NOT NULL,
		division_id TEXT NOT NULL,
		zone_id TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','approved','waitlisted','denied','cancelled')),
		waitlist_position INTEGER NOT NULL DEFAULT 0,
		paid_in_lieu INTEGER NOT NULL DEFAULT 0,
		requested_at TEXT NOT NULL,
		source TEXT NOT NULL,
		denial_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	-- Evaluation reads one key (hot path)
	CREATE INDEX IF NOT EXISTS idx_requests_key
		ON requests(division_id, zone_id, date, leave_type);

	CREATE INDEX IF NOT EXISTS idx_requests_pin ON requests(pin);

	CREATE INDEX IF NOT EXISTS idx_requests_created
		ON requests(division_id, zone_id, created_at);

	-- One active request per requester, date and leave type
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_request
		ON requests(pin, date, leave_type)
		WHERE status IN ('pending','approved','waitlisted');

	CREATE TABLE IF NOT EXISTS staged_requests (
		id TEXT PRIMARY KEY,
		pin INTEGER NOT NULL,
		account_id TEXT,
		seniority_rank INTEGER NOT NULL,
		division_id TEXT NOT NULL,
		zone_id TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		processed_at TEXT,
		promoted_request_id TEXT,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_staged_due ON staged_requests(date, processed);
	CREATE INDEX IF NOT EXISTS idx_staged_pin ON staged_requests(pin);

	-- One unprocessed staged request per requester, date and leave type
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_pending_staged
		ON staged_requests(pin, date, leave_type)
		WHERE processed = 0;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (scheduling.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store scheduling.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"staged_requests", "requests", "allotments", "members", "zones", "divisions"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return storeErr("reset "+table, err)
		}
	}
	return nil
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (s *Store) SaveDivision(ctx context.Context, d scheduling.Division) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.SaveDivision(ctx, d)
}

func (s *Store) GetDivision(ctx context.Context, id scheduling.DivisionID) (*scheduling.Division, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.GetDivision(ctx, id)
}

func (s *Store) ListDivisions(ctx context.Context) ([]scheduling.Division, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListDivisions(ctx)
}

func (s *Store) SaveZone(ctx context.Context, z scheduling.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.SaveZone(ctx, z)
}

func (s *Store) ListZones(ctx context.Context, division scheduling.DivisionID) ([]scheduling.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListZones(ctx, division)
}

func (s *Store) SaveMember(ctx context.Context, m scheduling.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.SaveMember(ctx, m)
}

func (s *Store) GetMember(ctx context.Context, pin scheduling.PIN) (*scheduling.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.GetMember(ctx, pin)
}

func (s *Store) ListMembers(ctx context.Context) ([]scheduling.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListMembers(ctx)
}

func (s *Store) UpsertAllotment(ctx context.Context, a scheduling.Allotment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.UpsertAllotment(ctx, a)
}

func (s *Store) GetAllotment(ctx context.Context, p scheduling.Partition, g scheduling.Granularity, scope scheduling.AllotmentScope, effective scheduling.Date) (*scheduling.Allotment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.GetAllotment(ctx, p, g, scope, effective)
}

func (s *Store) ListAllotments(ctx context.Context, p scheduling.Partition) ([]scheduling.Allotment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListAllotments(ctx, p)
}

func (s *Store) InsertRequest(ctx context.Context, r scheduling.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.InsertRequest(ctx, r)
}

func (s *Store) GetRequest(ctx context.Context, id scheduling.RequestID) (*scheduling.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.GetRequest(ctx, id)
}

func (s *Store) ListRequestsByKey(ctx context.Context, key scheduling.SlotKey) ([]scheduling.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListRequestsByKey(ctx, key)
}

func (s *Store) ListRequestsByPIN(ctx context.Context, pin scheduling.PIN) ([]scheduling.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListRequestsByPIN(ctx, pin)
}

func (s *Store) UpdateRequest(ctx context.Context, r scheduling.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.UpdateRequest(ctx, r)
}

func (s *Store) ListActiveKeys(ctx context.Context, p scheduling.Partition, from, to scheduling.Date) ([]scheduling.SlotKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListActiveKeys(ctx, p, from, to)
}

func (s *Store) AssignAccount(ctx context.Context, pin scheduling.PIN, account scheduling.AccountID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.AssignAccount(ctx, pin, account)
}

func (s *Store) CountRequestsByStatus(ctx context.Context, p scheduling.Partition, since time.Time) (map[scheduling.RequestStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.CountRequestsByStatus(ctx, p, since)
}

func (s *Store) InsertStaged(ctx context.Context, st scheduling.StagedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.InsertStaged(ctx, st)
}

func (s *Store) GetStaged(ctx context.Context, id scheduling.StagedID) (*scheduling.StagedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.GetStaged(ctx, id)
}

func (s *Store) ListStagedDue(ctx context.Context, from, to scheduling.Date) ([]scheduling.StagedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListStagedDue(ctx, from, to)
}

func (s *Store) ListStaged(ctx context.Context, f scheduling.StagedFilter) ([]scheduling.StagedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListStaged(ctx, f)
}

func (s *Store) UpdateStaged(ctx context.Context, st scheduling.StagedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.UpdateStaged(ctx, st)
}

// =============================================================================
// QUERIES - shared by the database and transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs queries on a *sql.DB or *sql.Tx without locking.
type conn struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

// -----------------------------------------------------------------------------
// Directory
// -----------------------------------------------------------------------------

func (c conn) SaveDivision(ctx context.Context, d scheduling.Division) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO divisions (id, name, uses_zones, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			uses_zones = excluded.uses_zones
	`, d.ID, d.Name, d.UsesZones, formatTime(d.CreatedAt))
	return storeErr("save division", err)
}

func (c conn) GetDivision(ctx context.Context, id scheduling.DivisionID) (*scheduling.Division, error) {
	row := c.q.QueryRowContext(ctx, `SELECT id, name, uses_zones, created_at FROM divisions WHERE id = ?`, id)
	d, err := scanDivision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrDivisionNotFound, id)
	}
	if err != nil {
		return nil, storeErr("get division", err)
	}
	return &d, nil
}

func (c conn) ListDivisions(ctx context.Context) ([]scheduling.Division, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT id, name, uses_zones, created_at FROM divisions ORDER BY id`)
	if err != nil {
		return nil, storeErr("list divisions", err)
	}
	defer rows.Close()

	var out []scheduling.Division
	for rows.Next() {
		d, err := scanDivision(rows)
		if err != nil {
			return nil, storeErr("scan division", err)
		}
		out = append(out, d)
	}
	return out, storeErr("list divisions", rows.Err())
}

func scanDivision(row scanner) (scheduling.Division, error) {
	var (
		d         scheduling.Division
		createdAt string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.UsesZones, &createdAt); err != nil {
		return d, err
	}
	d.CreatedAt = parseTime(createdAt)
	return d, nil
}

func (c conn) SaveZone(ctx context.Context, z scheduling.Zone) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO zones (division_id, id, name)
		VALUES (?, ?, ?)
		ON CONFLICT(division_id, id) DO UPDATE SET name = excluded.name
	`, z.Division, z.ID, z.Name)
	return storeErr("save zone", err)
}

func (c conn) ListZones(ctx context.Context, division scheduling.DivisionID) ([]scheduling.Zone, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT division_id, id, name FROM zones WHERE division_id = ? ORDER BY id`, division)
	if err != nil {
		return nil, storeErr("list zones", err)
	}
	defer rows.Close()

	var out []scheduling.Zone
	for rows.Next() {
		var z scheduling.Zone
		if err := rows.Scan(&z.Division, &z.ID, &z.Name); err != nil {
			return nil, storeErr("scan zone", err)
		}
		out = append(out, z)
	}
	return out, storeErr("list zones", rows.Err())
}

func (c conn) SaveMember(ctx context.Context, m scheduling.Member) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO members (pin, account_id, name, division_id, zone_id, seniority_rank)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pin) DO UPDATE SET
			account_id = excluded.account_id,
			name = excluded.name,
			division_id = excluded.division_id,
			zone_id = excluded.zone_id,
			seniority_rank = excluded.seniority_rank
	`, m.PIN, nullString(string(m.AccountID)), m.Name, m.Division, m.Zone, m.SeniorityRank)
	return storeErr("save member", err)
}

const memberColumns = `pin, account_id, name, division_id, zone_id, seniority_rank`

func (c conn) GetMember(ctx context.Context, pin scheduling.PIN) (*scheduling.Member, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE pin = ?`, pin)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", scheduling.ErrMemberNotFound, pin)
	}
	if err != nil {
		return nil, storeErr("get member", err)
	}
	return &m, nil
}

func (c conn) ListMembers(ctx context.Context) ([]scheduling.Member, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY pin`)
	if err != nil {
		return nil, storeErr("list members", err)
	}
	defer rows.Close()

	var out []scheduling.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, storeErr("scan member", err)
		}
		out = append(out, m)
	}
	return out, storeErr("list members", rows.Err())
}

func scanMember(row scanner) (scheduling.Member, error) {
	var (
		m       scheduling.Member
		account sql.NullString
	)
	if err := row.Scan(&m.PIN, &account, &m.Name, &m.Division, &m.Zone, &m.SeniorityRank); err != nil {
		return m, err
	}
	m.AccountID = scheduling.AccountID(account.String)
	return m, nil
}

// -----------------------------------------------------------------------------
// Allotments
// -----------------------------------------------------------------------------

func (c conn) UpsertAllotment(ctx context.Context, a scheduling.Allotment) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO allotments
		(division_id, zone_id, granularity, scope, effective_date, max_slots, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(division_id, zone_id, granularity, scope, effective_date) DO UPDATE SET
			max_slots = excluded.max_slots,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`,
		a.Partition.Division,
		a.Partition.Zone,
		a.Granularity,
		a.Scope,
		a.EffectiveDate.String(),
		a.MaxSlots,
		a.UpdatedBy,
		formatTime(a.UpdatedAt),
	)
	return storeErr("upsert allotment", err)
}

const allotmentColumns = `division_id, zone_id, granularity, scope, effective_date, max_slots, updated_by, updated_at`

func (c conn) GetAllotment(ctx context.Context, p scheduling.Partition, g scheduling.Granularity, scope scheduling.AllotmentScope, effective scheduling.Date) (*scheduling.Allotment, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+allotmentColumns+`
		FROM allotments
		WHERE division_id = ? AND zone_id = ? AND granularity = ? AND scope = ? AND effective_date = ?
	`, p.Division, p.Zone, g, scope, effective.String())
	a, err := scanAllotment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get allotment", err)
	}
	return &a, nil
}

func (c conn) ListAllotments(ctx context.Context, p scheduling.Partition) ([]scheduling.Allotment, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+allotmentColumns+`
		FROM allotments
		WHERE division_id = ? AND zone_id = ?
		ORDER BY granularity, scope DESC, effective_date
	`, p.Division, p.Zone)
	if err != nil {
		return nil, storeErr("list allotments", err)
	}
	defer rows.Close()

	var out []scheduling.Allotment
	for rows.Next() {
		a, err := scanAllotment(rows)
		if err != nil {
			return nil, storeErr("scan allotment", err)
		}
		out = append(out, a)
	}
	return out, storeErr("list allotments", rows.Err())
}

func scanAllotment(row scanner) (scheduling.Allotment, error) {
	var (
		a         scheduling.Allotment
		effective string
		updatedBy sql.NullString
		updatedAt string
	)
	err := row.Scan(
		&a.Partition.Division, &a.Partition.Zone, &a.Granularity, &a.Scope,
		&effective, &a.MaxSlots, &updatedBy, &updatedAt,
	)
	if err != nil {
		return a, err
	}
	a.EffectiveDate = parseDate(effective)
	a.UpdatedBy = updatedBy.String
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

const requestColumns = `id, pin, account_id, seniority_rank, division_id, zone_id, date, leave_type,
	status, waitlist_position, paid_in_lieu, requested_at, source, denial_reason,
	created_at, updated_at, version`

func (c conn) InsertRequest(ctx context.Context, r scheduling.Request) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Requester.PIN,
		nullString(string(r.Requester.AccountID)),
		r.Requester.SeniorityRank,
		r.Partition.Division,
		r.Partition.Zone,
		r.Date.String(),
		r.LeaveType.LeaveID(), // Store as string
		r.Status,
		r.WaitlistPosition,
		r.PaidInLieu,
		formatTime(r.RequestedAt),
		r.Source,
		nullString(r.DenialReason),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
		r.Version,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: pin %d, %s on %s", scheduling.ErrDuplicateRequest, r.Requester.PIN, r.LeaveType.LeaveID(), r.Date)
	}
	return storeErr("insert request", err)
}

func (c conn) GetRequest(ctx context.Context, id scheduling.RequestID) (*scheduling.Request, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, storeErr("get request", err)
	}
	return &r, nil
}

func (c conn) ListRequestsByKey(ctx context.Context, key scheduling.SlotKey) ([]scheduling.Request, error) {
	return c.queryRequests(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE division_id = ? AND zone_id = ? AND date = ? AND leave_type = ?
		ORDER BY created_at, id
	`, key.Partition.Division, key.Partition.Zone, key.Date.String(), key.LeaveType.LeaveID())
}

func (c conn) ListRequestsByPIN(ctx context.Context, pin scheduling.PIN) ([]scheduling.Request, error) {
	return c.queryRequests(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE pin = ?
		ORDER BY created_at, id
	`, pin)
}

func (c conn) queryRequests(ctx context.Context, query string, args ...any) ([]scheduling.Request, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query requests", err)
	}
	defer rows.Close()

	var out []scheduling.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, storeErr("scan request", err)
		}
		out = append(out, r)
	}
	return out, storeErr("query requests", rows.Err())
}

func scanRequest(row scanner) (scheduling.Request, error) {
	var (
		r           scheduling.Request
		account     sql.NullString
		date        string
		leaveType   string // Scan as string, convert to interface
		requestedAt string
		denial      sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&r.ID, &r.Requester.PIN, &account, &r.Requester.SeniorityRank,
		&r.Partition.Division, &r.Partition.Zone, &date, &leaveType,
		&r.Status, &r.WaitlistPosition, &r.PaidInLieu, &requestedAt, &r.Source, &denial,
		&createdAt, &updatedAt, &r.Version,
	)
	if err != nil {
		return r, err
	}
	r.Requester.AccountID = scheduling.AccountID(account.String)
	r.Date = parseDate(date)
	r.LeaveType = scheduling.LeaveTypeFromStore(leaveType)
	r.RequestedAt = parseTime(requestedAt)
	r.DenialReason = denial.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func (c conn) UpdateRequest(ctx context.Context, r scheduling.Request) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE requests SET
			account_id = ?,
			seniority_rank = ?,
			status = ?,
			waitlist_position = ?,
			paid_in_lieu = ?,
			denial_reason = ?,
			updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`,
		nullString(string(r.Requester.AccountID)),
		r.Requester.SeniorityRank,
		r.Status,
		r.WaitlistPosition,
		r.PaidInLieu,
		nullString(r.DenialReason),
		formatTime(r.UpdatedAt),
		r.ID,
		r.Version,
	)
	if err != nil {
		return storeErr("update request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update request", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE id = ?`, r.ID).Scan(&exists); err != nil {
		return storeErr("update request", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", scheduling.ErrRequestNotFound, r.ID)
	}
	return fmt.Errorf("%w: request %s at version %d", scheduling.ErrConcurrentModification, r.ID, r.Version)
}

func (c conn) ListActiveKeys(ctx context.Context, p scheduling.Partition, from, to scheduling.Date) ([]scheduling.SlotKey, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT DISTINCT date, leave_type
		FROM requests
		WHERE division_id = ? AND zone_id = ?
		  AND date >= ? AND date <= ?
		  AND status IN ('pending','approved','waitlisted')
		ORDER BY date, leave_type
	`, p.Division, p.Zone, from.String(), to.String())
	if err != nil {
		return nil, storeErr("list active keys", err)
	}
	defer rows.Close()

	var out []scheduling.SlotKey
	for rows.Next() {
		var date, leaveType string
		if err := rows.Scan(&date, &leaveType); err != nil {
			return nil, storeErr("scan active key", err)
		}
		out = append(out, scheduling.SlotKey{
			Partition: p,
			Date:      parseDate(date),
			LeaveType: scheduling.LeaveTypeFromStore(leaveType),
		})
	}
	return out, storeErr("list active keys", rows.Err())
}

func (c conn) AssignAccount(ctx context.Context, pin scheduling.PIN, account scheduling.AccountID) (int, error) {
	now := formatTime(time.Now())
	total := 0
	for _, q := range []string{
		`UPDATE requests SET account_id = ?, updated_at = ?, version = version + 1
		 WHERE pin = ? AND (account_id IS NULL OR account_id = '')`,
		`UPDATE staged_requests SET account_id = ?, updated_at = ?
		 WHERE pin = ? AND (account_id IS NULL OR account_id = '')`,
	} {
		res, err := c.q.ExecContext(ctx, q, account, now, pin)
		if err != nil {
			return total, storeErr("assign account", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, storeErr("assign account", err)
		}
		total += int(n)
	}
	return total, nil
}

func (c conn) CountRequestsByStatus(ctx context.Context, p scheduling.Partition, since time.Time) (map[scheduling.RequestStatus]int, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM requests
		WHERE division_id = ? AND zone_id = ? AND created_at >= ?
		GROUP BY status
	`, p.Division, p.Zone, formatTime(since))
	if err != nil {
		return nil, storeErr("count requests", err)
	}
	defer rows.Close()

	out := make(map[scheduling.RequestStatus]int)
	for rows.Next() {
		var (
			status scheduling.RequestStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("scan count", err)
		}
		out[status] = n
	}
	return out, storeErr("count requests", rows.Err())
}

// -----------------------------------------------------------------------------
// Staged requests
// -----------------------------------------------------------------------------

const stagedColumns = `id, pin, account_id, seniority_rank, division_id, zone_id, date, leave_type,
	requested_at, processed, processed_at, promoted_request_id, last_error, created_at, updated_at`

func (c conn) InsertStaged(ctx context.Context, st scheduling.StagedRequest) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO staged_requests (`+stagedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stagedArgs(st)...)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: staged %s for pin %d, %s on %s", scheduling.ErrDuplicateRequest, st.ID, st.Requester.PIN, st.LeaveType.LeaveID(), st.Date)
	}
	return storeErr("insert staged request", err)
}

func stagedArgs(st scheduling.StagedRequest) []any {
	var processedAt sql.NullString
	if st.ProcessedAt != nil {
		processedAt = nullString(formatTime(*st.ProcessedAt))
	}
	return []any{
		st.ID,
		st.Requester.PIN,
		nullString(string(st.Requester.AccountID)),
		st.Requester.SeniorityRank,
		st.Partition.Division,
		st.Partition.Zone,
		st.Date.String(),
		st.LeaveType.LeaveID(),
		formatTime(st.RequestedAt),
		st.Processed,
		processedAt,
		nullString(string(st.PromotedRequestID)),
		nullString(st.LastError),
		formatTime(st.CreatedAt),
		formatTime(st.UpdatedAt),
	}
}

func (c conn) GetStaged(ctx context.Context, id scheduling.StagedID) (*scheduling.StagedRequest, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+stagedColumns+` FROM staged_requests WHERE id = ?`, id)
	st, err := scanStaged(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrStagedNotFound, id)
	}
	if err != nil {
		return nil, storeErr("get staged request", err)
	}
	return &st, nil
}

func (c conn) ListStagedDue(ctx context.Context, from, to scheduling.Date) ([]scheduling.StagedRequest, error) {
	lower := ""
	if !from.IsZero() {
		lower = from.String()
	}
	return c.queryStaged(ctx, `
		SELECT `+stagedColumns+`
		FROM staged_requests
		WHERE date >= ? AND date <= ?
		ORDER BY date, requested_at, id
	`, lower, to.String())
}

func (c conn) ListStaged(ctx context.Context, f scheduling.StagedFilter) ([]scheduling.StagedRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.PIN != 0 {
		where = append(where, "pin = ?")
		args = append(args, f.PIN)
	}
	if f.Unprocessed {
		where = append(where, "processed = 0")
	}
	if f.MissingZone {
		where = append(where, "zone_id = ''")
	}
	query := `SELECT ` + stagedColumns + ` FROM staged_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, requested_at, id"
	return c.queryStaged(ctx, query, args...)
}

func (c conn) queryStaged(ctx context.Context, query string, args ...any) ([]scheduling.StagedRequest, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query staged requests", err)
	}
	defer rows.Close()

	var out []scheduling.StagedRequest
	for rows.Next() {
		st, err := scanStaged(rows)
		if err != nil {
			return nil, storeErr("scan staged request", err)
		}
		out = append(out, st)
	}
	return out, storeErr("query staged requests", rows.Err())
}

func scanStaged(row scanner) (scheduling.StagedRequest, error) {
	var (
		st          scheduling.StagedRequest
		account     sql.NullString
		date        string
		leaveType   string
		requestedAt string
		processedAt sql.NullString
		promoted    sql.NullString
		lastError   sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&st.ID, &st.Requester.PIN, &account, &st.Requester.SeniorityRank,
		&st.Partition.Division, &st.Partition.Zone, &date, &leaveType,
		&requestedAt, &st.Processed, &processedAt, &promoted, &lastError,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return st, err
	}
	st.Requester.AccountID = scheduling.AccountID(account.String)
	st.Date = parseDate(date)
	st.LeaveType = scheduling.LeaveTypeFromStore(leaveType)
	st.RequestedAt = parseTime(requestedAt)
	if processedAt.Valid {
		t := parseTime(processedAt.String)
		st.ProcessedAt = &t
	}
	st.PromotedRequestID = scheduling.RequestID(promoted.String)
	st.LastError = lastError.String
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

func (c conn) UpdateStaged(ctx context.Context, st scheduling.StagedRequest) error {
	args := stagedArgs(st)
	// Everything but the ID, then the ID for the WHERE clause.
	res, err := c.q.ExecContext(ctx, `
		UPDATE staged_requests SET
			pin = ?, account_id = ?, seniority_rank = ?, division_id = ?, zone_id = ?,
			date = ?, leave_type = ?, requested_at = ?, processed = ?, processed_at = ?,
			promoted_request_id = ?, last_error = ?, created_at = ?, updated_at = ?
		WHERE id = ?
	`, append(args[1:], args[0])...)
	if err != nil {
		return storeErr("update staged request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update staged request", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", scheduling.ErrStagedNotFound, st.ID)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseDate(s string) scheduling.Date {
	d, _ := scheduling.ParseDate(s)
	return d
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// storeErr wraps driver failures as scheduling.StoreError. Context
// expiry is passed through so callers classify it as transient.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &scheduling.StoreError{Op: op, Err: err}
}
