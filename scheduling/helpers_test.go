package scheduling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/warp/allotment-engine/leave"
	"github.com/warp/allotment-engine/scheduling"
	"github.com/warp/allotment-engine/scheduling/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	divA   = scheduling.NewPartition("A", "")
	june1  = scheduling.MustParseDate("2024-06-01")
	admin  = scheduling.Actor{ID: "admin", Role: scheduling.RoleApplicationAdmin}
	system = scheduling.SystemActor
)

// clock is a settable time source shared by every component of a service.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(ts string) *clock {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		panic(err)
	}
	return &clock{now: t}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Tick advances the clock so consecutive submissions get distinct
// requested_at values.
func (c *clock) Tick(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc      *scheduling.Service
	store    *store.Memory
	clock    *clock
	registry *prometheus.Registry
	events   *recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, store.NewMemory())
}

func newTestEnvWith(t *testing.T, mem *store.Memory) *testEnv {
	t.Helper()
	return newTestEnvOver(t, mem, mem)
}

// newTestEnvOver builds a service over tx, which may wrap mem.
func newTestEnvOver(t *testing.T, tx scheduling.TxStore, mem *store.Memory) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    mem,
		clock:    newClock("2024-05-01T08:00:00Z"),
		registry: prometheus.NewRegistry(),
		events:   &recorder{},
	}
	bus := scheduling.NewEventBus(nil)
	bus.Subscribe("", env.events.record)
	env.svc = scheduling.NewService(tx, scheduling.Config{
		Retry:      scheduling.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond},
		Registerer: env.registry,
		Now:        env.clock.Now,
		Events:     bus,
	})
	return env
}

// division creates a division without zones.
func (e *testEnv) division(t *testing.T, id scheduling.DivisionID) {
	t.Helper()
	require.NoError(t, e.svc.SaveDivision(context.Background(), system, scheduling.Division{ID: id, Name: string(id)}, nil))
}

func (e *testEnv) override(t *testing.T, p scheduling.Partition, g scheduling.Granularity, date scheduling.Date, value int) {
	t.Helper()
	_, err := e.svc.SetOverride(context.Background(), system, p, g, date, value)
	require.NoError(t, err)
}

// submit submits PLD on date for pin with rank, one second after the last.
func (e *testEnv) submit(t *testing.T, pin scheduling.PIN, rank int, date scheduling.Date) *scheduling.Request {
	t.Helper()
	e.clock.Tick(time.Second)
	r, err := e.svc.Ledger.Submit(context.Background(), requester(pin, rank), divA, date, leave.PLD)
	require.NoError(t, err)
	return r
}

func (e *testEnv) get(t *testing.T, id scheduling.RequestID) *scheduling.Request {
	t.Helper()
	r, err := e.svc.Ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func requester(pin scheduling.PIN, rank int) scheduling.Requester {
	return scheduling.Requester{PIN: pin, SeniorityRank: rank}
}

func member(pin scheduling.PIN) scheduling.Actor {
	return scheduling.Actor{ID: "member", Role: scheduling.RoleMember, PIN: pin}
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []scheduling.Event
}

func (r *recorder) record(evt scheduling.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []scheduling.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scheduling.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// conflictingStore fails the first n transactions as if another writer won.
type conflictingStore struct {
	*store.Memory

	mu        sync.Mutex
	conflicts int
	attempts  int
}

func (c *conflictingStore) WithTx(ctx context.Context, fn func(scheduling.Store) error) error {
	c.mu.Lock()
	c.attempts++
	fail := c.conflicts > 0
	if fail {
		c.conflicts--
	}
	c.mu.Unlock()
	if fail {
		return scheduling.ErrConcurrentModification
	}
	return c.Memory.WithTx(ctx, fn)
}
