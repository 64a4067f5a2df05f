// Package store provides an in-memory scheduling.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/allotment-engine/scheduling"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a scheduling.TxStore backed by maps. Every call takes the
// store lock; WithTx holds it for the whole function.
type Memory struct {
	mu sync.RWMutex
	st *state
}

var _ scheduling.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type allotmentKey struct {
	partition   scheduling.Partition
	granularity scheduling.Granularity
	scope       scheduling.AllotmentScope
	effective   string
}

type state struct {
	divisions  map[scheduling.DivisionID]scheduling.Division
	zones      map[scheduling.DivisionID]map[scheduling.ZoneID]scheduling.Zone
	members    map[scheduling.PIN]scheduling.Member
	allotments map[allotmentKey]scheduling.Allotment
	requests   map[scheduling.RequestID]scheduling.Request
	staged     map[scheduling.StagedID]scheduling.StagedRequest
}

func newState() *state {
	return &state{
		divisions:  make(map[scheduling.DivisionID]scheduling.Division),
		zones:      make(map[scheduling.DivisionID]map[scheduling.ZoneID]scheduling.Zone),
		members:    make(map[scheduling.PIN]scheduling.Member),
		allotments: make(map[allotmentKey]scheduling.Allotment),
		requests:   make(map[scheduling.RequestID]scheduling.Request),
		staged:     make(map[scheduling.StagedID]scheduling.StagedRequest),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(scheduling.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		*m.st = *snapshot
		return err
	}
	return nil
}

// Reset clears all data (for scenarios/testing).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.divisions {
		c.divisions[k] = v
	}
	for k, zs := range s.zones {
		inner := make(map[scheduling.ZoneID]scheduling.Zone, len(zs))
		for id, z := range zs {
			inner[id] = z
		}
		c.zones[k] = inner
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.allotments {
		c.allotments[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.staged {
		c.staged[k] = v
	}
	return c
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (m *Memory) SaveDivision(ctx context.Context, d scheduling.Division) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveDivision(ctx, d)
}

func (m *Memory) GetDivision(ctx context.Context, id scheduling.DivisionID) (*scheduling.Division, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetDivision(ctx, id)
}

func (m *Memory) ListDivisions(ctx context.Context) ([]scheduling.Division, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListDivisions(ctx)
}

func (m *Memory) SaveZone(ctx context.Context, z scheduling.Zone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveZone(ctx, z)
}

func (m *Memory) ListZones(ctx context.Context, division scheduling.DivisionID) ([]scheduling.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListZones(ctx, division)
}

func (m *Memory) SaveMember(ctx context.Context, mem scheduling.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveMember(ctx, mem)
}

func (m *Memory) GetMember(ctx context.Context, pin scheduling.PIN) (*scheduling.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetMember(ctx, pin)
}

func (m *Memory) ListMembers(ctx context.Context) ([]scheduling.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListMembers(ctx)
}

func (s *state) SaveDivision(_ context.Context, d scheduling.Division) error {
	s.divisions[d.ID] = d
	return nil
}

func (s *state) GetDivision(_ context.Context, id scheduling.DivisionID) (*scheduling.Division, error) {
	d, ok := s.divisions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrDivisionNotFound, id)
	}
	return &d, nil
}

func (s *state) ListDivisions(_ context.Context) ([]scheduling.Division, error) {
	out := make([]scheduling.Division, 0, len(s.divisions))
	for _, d := range s.divisions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SaveZone(_ context.Context, z scheduling.Zone) error {
	zs, ok := s.zones[z.Division]
	if !ok {
		zs = make(map[scheduling.ZoneID]scheduling.Zone)
		s.zones[z.Division] = zs
	}
	zs[z.ID] = z
	return nil
}

func (s *state) ListZones(_ context.Context, division scheduling.DivisionID) ([]scheduling.Zone, error) {
	out := make([]scheduling.Zone, 0, len(s.zones[division]))
	for _, z := range s.zones[division] {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SaveMember(_ context.Context, m scheduling.Member) error {
	s.members[m.PIN] = m
	return nil
}

func (s *state) GetMember(_ context.Context, pin scheduling.PIN) (*scheduling.Member, error) {
	m, ok := s.members[pin]
	if !ok {
		return nil, fmt.Errorf("%w: %d", scheduling.ErrMemberNotFound, pin)
	}
	return &m, nil
}

func (s *state) ListMembers(_ context.Context) ([]scheduling.Member, error) {
	out := make([]scheduling.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PIN < out[j].PIN })
	return out, nil
}

// =============================================================================
// ALLOTMENTS
// =============================================================================

func (m *Memory) UpsertAllotment(ctx context.Context, a scheduling.Allotment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpsertAllotment(ctx, a)
}

func (m *Memory) GetAllotment(ctx context.Context, p scheduling.Partition, g scheduling.Granularity, scope scheduling.AllotmentScope, effective scheduling.Date) (*scheduling.Allotment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetAllotment(ctx, p, g, scope, effective)
}

func (m *Memory) ListAllotments(ctx context.Context, p scheduling.Partition) ([]scheduling.Allotment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListAllotments(ctx, p)
}

func (s *state) UpsertAllotment(_ context.Context, a scheduling.Allotment) error {
	s.allotments[allotmentKey{a.Partition, a.Granularity, a.Scope, a.EffectiveDate.String()}] = a
	return nil
}

func (s *state) GetAllotment(_ context.Context, p scheduling.Partition, g scheduling.Granularity, scope scheduling.AllotmentScope, effective scheduling.Date) (*scheduling.Allotment, error) {
	a, ok := s.allotments[allotmentKey{p, g, scope, effective.String()}]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *state) ListAllotments(_ context.Context, p scheduling.Partition) ([]scheduling.Allotment, error) {
	var out []scheduling.Allotment
	for k, a := range s.allotments {
		if k.partition == p {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Granularity != out[j].Granularity {
			return out[i].Granularity < out[j].Granularity
		}
		if out[i].Scope != out[j].Scope {
			return out[i].Scope > out[j].Scope // yearly first
		}
		return out[i].EffectiveDate.Before(out[j].EffectiveDate)
	})
	return out, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Memory) InsertRequest(ctx context.Context, r scheduling.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertRequest(ctx, r)
}

func (m *Memory) GetRequest(ctx context.Context, id scheduling.RequestID) (*scheduling.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetRequest(ctx, id)
}

func (m *Memory) ListRequestsByKey(ctx context.Context, key scheduling.SlotKey) ([]scheduling.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListRequestsByKey(ctx, key)
}

func (m *Memory) ListRequestsByPIN(ctx context.Context, pin scheduling.PIN) ([]scheduling.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListRequestsByPIN(ctx, pin)
}

func (m *Memory) UpdateRequest(ctx context.Context, r scheduling.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateRequest(ctx, r)
}

func (m *Memory) ListActiveKeys(ctx context.Context, p scheduling.Partition, from, to scheduling.Date) ([]scheduling.SlotKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListActiveKeys(ctx, p, from, to)
}

func (m *Memory) AssignAccount(ctx context.Context, pin scheduling.PIN, account scheduling.AccountID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AssignAccount(ctx, pin, account)
}

func (m *Memory) CountRequestsByStatus(ctx context.Context, p scheduling.Partition, since time.Time) (map[scheduling.RequestStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CountRequestsByStatus(ctx, p, since)
}

func sameKey(r scheduling.Request, key scheduling.SlotKey) bool {
	return r.Partition == key.Partition &&
		r.Date.Equal(key.Date) &&
		key.LeaveType != nil && r.LeaveType.LeaveID() == key.LeaveType.LeaveID()
}

func (s *state) InsertRequest(_ context.Context, r scheduling.Request) error {
	if _, ok := s.requests[r.ID]; ok {
		return fmt.Errorf("%w: request %s already exists", scheduling.ErrDuplicateRequest, r.ID)
	}
	if r.Status.Active() {
		for _, other := range s.requests {
			if other.Status.Active() &&
				other.Requester.PIN == r.Requester.PIN &&
				other.Date.Equal(r.Date) &&
				other.LeaveType.LeaveID() == r.LeaveType.LeaveID() {
				return fmt.Errorf("%w: pin %d already holds %s on %s", scheduling.ErrDuplicateRequest, r.Requester.PIN, r.LeaveType.LeaveID(), r.Date)
			}
		}
	}
	s.requests[r.ID] = r
	return nil
}

func (s *state) GetRequest(_ context.Context, id scheduling.RequestID) (*scheduling.Request, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrRequestNotFound, id)
	}
	return &r, nil
}

func (s *state) ListRequestsByKey(_ context.Context, key scheduling.SlotKey) ([]scheduling.Request, error) {
	var out []scheduling.Request
	for _, r := range s.requests {
		if sameKey(r, key) {
			out = append(out, r)
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *state) ListRequestsByPIN(_ context.Context, pin scheduling.PIN) ([]scheduling.Request, error) {
	var out []scheduling.Request
	for _, r := range s.requests {
		if r.Requester.PIN == pin {
			out = append(out, r)
		}
	}
	sortByCreation(out)
	return out, nil
}

func sortByCreation(rows []scheduling.Request) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}

func (s *state) UpdateRequest(_ context.Context, r scheduling.Request) error {
	current, ok := s.requests[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", scheduling.ErrRequestNotFound, r.ID)
	}
	if current.Version != r.Version {
		return fmt.Errorf("%w: request %s at version %d, have %d", scheduling.ErrConcurrentModification, r.ID, current.Version, r.Version)
	}
	r.Version++
	s.requests[r.ID] = r
	return nil
}

func (s *state) ListActiveKeys(_ context.Context, p scheduling.Partition, from, to scheduling.Date) ([]scheduling.SlotKey, error) {
	seen := make(map[string]bool)
	var out []scheduling.SlotKey
	for _, r := range s.requests {
		if r.Partition != p || !r.Status.Active() {
			continue
		}
		if r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		key := r.Key()
		if seen[key.String()] {
			continue
		}
		seen[key.String()] = true
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *state) AssignAccount(_ context.Context, pin scheduling.PIN, account scheduling.AccountID) (int, error) {
	n := 0
	for id, r := range s.requests {
		if r.Requester.PIN != pin || r.Requester.AccountID != "" {
			continue
		}
		r.Requester.AccountID = account
		r.Version++
		s.requests[id] = r
		n++
	}
	for id, st := range s.staged {
		if st.Requester.PIN != pin || st.Requester.AccountID != "" {
			continue
		}
		st.Requester.AccountID = account
		s.staged[id] = st
		n++
	}
	return n, nil
}

func (s *state) CountRequestsByStatus(_ context.Context, p scheduling.Partition, since time.Time) (map[scheduling.RequestStatus]int, error) {
	out := make(map[scheduling.RequestStatus]int)
	for _, r := range s.requests {
		if r.Partition != p || r.CreatedAt.Before(since) {
			continue
		}
		out[r.Status]++
	}
	return out, nil
}

// =============================================================================
// STAGED REQUESTS
// =============================================================================

func (m *Memory) InsertStaged(ctx context.Context, st scheduling.StagedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertStaged(ctx, st)
}

func (m *Memory) GetStaged(ctx context.Context, id scheduling.StagedID) (*scheduling.StagedRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetStaged(ctx, id)
}

func (m *Memory) ListStagedDue(ctx context.Context, from, to scheduling.Date) ([]scheduling.StagedRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListStagedDue(ctx, from, to)
}

func (m *Memory) ListStaged(ctx context.Context, f scheduling.StagedFilter) ([]scheduling.StagedRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListStaged(ctx, f)
}

func (m *Memory) UpdateStaged(ctx context.Context, st scheduling.StagedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateStaged(ctx, st)
}

func (s *state) InsertStaged(_ context.Context, st scheduling.StagedRequest) error {
	if _, ok := s.staged[st.ID]; ok {
		return fmt.Errorf("%w: staged %s already exists", scheduling.ErrDuplicateRequest, st.ID)
	}
	for _, o := range s.staged {
		if !o.Processed && o.Requester.PIN == st.Requester.PIN && o.Date.Equal(st.Date) && o.LeaveType.LeaveID() == st.LeaveType.LeaveID() {
			return fmt.Errorf("%w: staged %s for pin %d, %s on %s", scheduling.ErrDuplicateRequest, o.ID, st.Requester.PIN, st.LeaveType.LeaveID(), st.Date)
		}
	}
	s.staged[st.ID] = st
	return nil
}

func (s *state) GetStaged(_ context.Context, id scheduling.StagedID) (*scheduling.StagedRequest, error) {
	st, ok := s.staged[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrStagedNotFound, id)
	}
	return &st, nil
}

func (s *state) ListStagedDue(_ context.Context, from, to scheduling.Date) ([]scheduling.StagedRequest, error) {
	var out []scheduling.StagedRequest
	for _, st := range s.staged {
		if !from.IsZero() && st.Date.Before(from) {
			continue
		}
		if st.Date.After(to) {
			continue
		}
		out = append(out, st)
	}
	sortStaged(out)
	return out, nil
}

func (s *state) ListStaged(_ context.Context, f scheduling.StagedFilter) ([]scheduling.StagedRequest, error) {
	var out []scheduling.StagedRequest
	for _, st := range s.staged {
		if f.PIN != 0 && st.Requester.PIN != f.PIN {
			continue
		}
		if f.Unprocessed && st.Processed {
			continue
		}
		if f.MissingZone && st.Partition.Zone != "" {
			continue
		}
		out = append(out, st)
	}
	sortStaged(out)
	return out, nil
}

func sortStaged(rows []scheduling.StagedRequest) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return a.ID < b.ID
	})
}

func (s *state) UpdateStaged(_ context.Context, st scheduling.StagedRequest) error {
	if _, ok := s.staged[st.ID]; !ok {
		return fmt.Errorf("%w: %s", scheduling.ErrStagedNotFound, st.ID)
	}
	s.staged[st.ID] = st
	return nil
}
