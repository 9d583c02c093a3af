package runner

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/command"
	"cadence/internal/domain"
	"cadence/internal/queue"
	"cadence/internal/schedule"
	"cadence/internal/store"
	"cadence/internal/tenant"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type push struct {
	Command string
	Args    map[string]string
}

type fakeQueue struct {
	pushes []push
	err    error
}

func (q *fakeQueue) Push(_ context.Context, cmd string, args map[string]string) error {
	if q.err != nil {
		return q.err
	}
	q.pushes = append(q.pushes, push{Command: cmd, Args: domain.CopyArgs(args)})
	return nil
}

func (q *fakeQueue) Close() error { return nil }

// failingStore refuses to create executions.
type failingStore struct {
	store.Store
}

func (f failingStore) SaveExecution(context.Context, *domain.JobScheduleExecution) error {
	return domain.Persistence(errors.New("database is locked"), "insert execution")
}

type fakeLocker struct {
	held map[string]bool
	err  error
}

func (l *fakeLocker) TryLock(_ context.Context, tenant string, minute time.Time) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	k := tenant + minute.Format(time.RFC3339)
	if l.held[k] {
		return false, nil
	}
	l.held[k] = true
	return true, nil
}

type fixture struct {
	clock   *clock
	tenants *tenant.Registry
	def     *fakeQueue
	batch   *fakeQueue
	queues  *queue.Set
	engines map[string]*schedule.Service
	stores  map[string]store.Store
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	f := &fixture{
		clock:   &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)},
		tenants: tenant.NewRegistry(),
		def:     &fakeQueue{},
		batch:   &fakeQueue{},
		engines: map[string]*schedule.Service{},
		stores:  map[string]store.Store{},
	}
	reg := command.Builtins()
	reg.Register(`app\report`, func() (command.Command, error) { return command.HTTP{}, nil })
	for _, n := range names {
		st := f.openStore(t)
		f.addTenant(t, n, schedule.New(st, reg, schedule.WithClock(f.clock.Now), schedule.WithPageSize(2)), st)
	}
	var err error
	f.queues, err = queue.NewSet(map[string]queue.Queue{queue.DefaultName: f.def, "batch": f.batch})
	require.NoError(t, err)
	return f
}

func (f *fixture) openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", store.WithClock(f.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func (f *fixture) addTenant(t *testing.T, name string, engine *schedule.Service, st store.Store) {
	t.Helper()
	require.NoError(t, f.tenants.Add(name, engine, nil))
	f.engines[name] = engine
	f.stores[name] = st
}

func (f *fixture) runner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	r, err := New(f.tenants, f.queues, opts...)
	require.NoError(t, err)
	return r
}

func (f *fixture) schedule(t *testing.T, tenantName, ref string, start domain.TimeOfDay, freq int, q string, args map[string]string) *domain.JobSchedule {
	t.Helper()
	sc, err := f.engines[tenantName].ScheduleTask(context.Background(), ref, args, schedule.ScheduleOptions{
		Start: &start, FrequencyMinutes: freq, Queue: q,
	})
	require.NoError(t, err)
	return sc
}

func TestScenarioHourlySchedule(t *testing.T) {
	f := newFixture(t, "main")
	ctx := context.Background()
	sc := f.schedule(t, "main", "http", domain.TimeOfDay{Hour: 9}, 60, "", nil)
	r := f.runner(t)

	sum, err := r.RunSchedule(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dispatched())

	f.clock.t = f.clock.t.Add(30 * time.Minute)
	sum, err = r.RunSchedule(ctx, "main")
	require.NoError(t, err)
	assert.Zero(t, sum.Dispatched())

	f.clock.t = time.Date(2024, 1, 1, 10, 0, 45, 0, time.UTC)
	sum, err = r.RunSchedule(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dispatched())

	list, err := f.engines["main"].LastExecutions(ctx, sc.ID, nil, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Number)
	assert.True(t, list[0].ScheduledAt.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, list[1].Number)
	assert.True(t, list[1].ScheduledAt.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	for _, e := range list {
		assert.Equal(t, domain.StateQueued, e.State)
		assert.Equal(t, domain.MessageQueued, e.Message)
	}

	require.Len(t, f.def.pushes, 2)
	assert.Equal(t, domain.WrapperCommand, f.def.pushes[0].Command)
	assert.Equal(t, map[string]string{
		domain.ArgTenant:      "main",
		domain.ArgExecutionID: list[1].ID,
	}, f.def.pushes[0].Args)
}

func TestScenarioDisabledSchedule(t *testing.T) {
	f := newFixture(t, "main")
	ctx := context.Background()
	sc := f.schedule(t, "main", "http", domain.TimeOfDay{Hour: 9}, 60, "", nil)
	_, err := f.engines["main"].DisableSchedule(ctx, sc.ID)
	require.NoError(t, err)

	sum, err := f.runner(t, WithForcedCommands("http")).RunSchedule(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, sum.Dispatched())
	assert.Empty(t, f.def.pushes)

	n, err := f.stores["main"].CountExecutions(ctx, sc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScenarioForcedCommand(t *testing.T) {
	f := newFixture(t, "main")
	ctx := context.Background()
	f.schedule(t, "main", `app\report`, domain.TimeOfDay{Hour: 12}, 1440, "", nil)
	f.schedule(t, "main", "http", domain.TimeOfDay{Hour: 12}, 1440, "", nil)

	r := f.runner(t, WithForcedCommands(`\app\report`))
	sum, err := r.RunSchedule(ctx, "main")
	require.NoError(t, err)
	require.Len(t, sum.Tenants, 1)
	assert.Equal(t, 2, sum.Tenants[0].Considered)
	assert.Equal(t, 1, sum.Tenants[0].Dispatched)

	e, err := f.engines["main"].RequireExecution(ctx, sum.Tenants[0].Executions[0])
	require.NoError(t, err)
	assert.Equal(t, `app\report`, e.Schedule.Job.Command)
	assert.True(t, e.ScheduledAt.Equal(f.clock.t))
}

func TestForcedCommandsAreValidated(t *testing.T) {
	f := newFixture(t, "main")
	_, err := New(f.tenants, f.queues, WithForcedCommands("missing"))
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestScenarioQueueFallback(t *testing.T) {
	f := newFixture(t, "main")
	ctx := context.Background()
	f.schedule(t, "main", "http", domain.TimeOfDay{Hour: 9}, 60, "reports", nil)
	f.schedule(t, "main", "http", domain.TimeOfDay{Hour: 9}, 60, "batch", nil)

	_, err := f.runner(t).RunSchedule(ctx, "")
	require.NoError(t, err)
	assert.Len(t, f.def.pushes, 1)
	assert.Len(t, f.batch.pushes, 1)
}

func TestStandaloneDispatchSystemArgsWin(t *testing.T) {
	f := newFixture(t, "main")
	ctx := context.Background()
	f.schedule(t, "main", "shell", domain.TimeOfDay{Hour: 9}, 60, "", map[string]string{
		"command":             "echo",
		domain.ArgTenant:      "spoofed",
		domain.ArgExecutionID: "exe_spoofed",
	})

	sum, err := f.runner(t).RunSchedule(ctx, "")
	require.NoError(t, err)
	require.Len(t, f.def.pushes, 1)
	id := sum.Tenants[0].Executions[0]

	p := f.def.pushes[0]
	assert.Equal(t, "shell", p.Command)
	assert.Equal(t, "echo", p.Args["command"])
	assert.Equal(t, "main", p.Args[domain.ArgTenant])
	assert.Equal(t, id, p.Args[domain.ArgExecutionID])

	e, err := f.engines["main"].RequireExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchDirect, e.Kind)
	assert.Equal(t, p.Args, e.Arguments)
}

func TestNoDispatchWithoutRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.openStore(t)
	reg := command.Builtins()

	good := schedule.New(st, reg, schedule.WithClock(f.clock.Now))
	nine := domain.TimeOfDay{Hour: 9}
	_, err := good.ScheduleTask(ctx, "http", nil, schedule.ScheduleOptions{Start: &nine})
	require.NoError(t, err)

	broken := failingStore{Store: st}
	f.addTenant(t, "broken", schedule.New(broken, reg, schedule.WithClock(f.clock.Now)), broken)

	_, err = f.runner(t).RunSchedule(ctx, "broken")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPersistence))
	assert.Empty(t, f.def.pushes)
}

func TestQueueFailureLeavesRecordQueued(t *testing.T) {
	f := newFixture(t, "main")
	ctx := context.Background()
	f.def.err = errors.New("connection reset")
	a := f.schedule(t, "main", "http", domain.TimeOfDay{Hour: 9}, 60, "", nil)
	b := f.schedule(t, "main", "http", domain.TimeOfDay{Hour: 9}, 60, "batch", nil)

	sum, err := f.runner(t).RunSchedule(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrQueue))

	var pe *PassError
	require.True(t, errors.As(err, &pe))
	require.Len(t, pe.Failures, 1)
	assert.Equal(t, "main", pe.Failures[0].Tenant)

	require.Len(t, sum.Tenants, 1)
	assert.Equal(t, 1, sum.Tenants[0].QueueFails)
	assert.Equal(t, 1, sum.Tenants[0].Dispatched)
	assert.Len(t, f.batch.pushes, 1)

	last, err := f.engines["main"].LastExecution(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, last.State)
	last, err = f.engines["main"].LastExecution(ctx, b.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, last.State)
}

func TestTenantFaultIsolation(t *testing.T) {
	f := newFixture(t, "first")
	ctx := context.Background()
	nine := domain.TimeOfDay{Hour: 9}
	f.schedule(t, "first", "http", nine, 60, "", nil)
	f.schedule(t, "first", "shell", nine, 60, "", nil)

	// the second tenant holds a job whose command is no longer registered
	st := f.openStore(t)
	old := command.NewRegistry()
	old.Register("gone", func() (command.Command, error) { return command.HTTP{}, nil })
	_, err := schedule.New(st, old, schedule.WithClock(f.clock.Now)).
		ScheduleTask(ctx, "gone", nil, schedule.ScheduleOptions{Start: &nine})
	require.NoError(t, err)
	f.addTenant(t, "second", schedule.New(st, command.NewRegistry(), schedule.WithClock(f.clock.Now)), st)

	third := f.openStore(t)
	f.addTenant(t, "third", schedule.New(third, command.Builtins(), schedule.WithClock(f.clock.Now)), third)
	f.schedule(t, "third", "http", nine, 60, "", nil)

	sum, err := f.runner(t).RunSchedule(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
	assert.Contains(t, err.Error(), "tenant second")

	require.Len(t, sum.Tenants, 3)
	assert.Equal(t, 2, sum.Tenants[0].Dispatched)
	assert.NotEmpty(t, sum.Tenants[1].Error)
	assert.Zero(t, sum.Tenants[1].Dispatched)
	assert.Equal(t, 1, sum.Tenants[2].Dispatched)
	assert.Len(t, f.def.pushes, 3)
}

func TestUnknownTenant(t *testing.T) {
	f := newFixture(t, "main")
	f.schedule(t, "main", "http", domain.TimeOfDay{Hour: 9}, 60, "", nil)

	sum, err := f.runner(t).RunSchedule(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
	assert.Empty(t, sum.Tenants)
	assert.Empty(t, f.def.pushes)
}

func TestLockerSkipsSecondPassInSameMinute(t *testing.T) {
	f := newFixture(t, "main")
	ctx := context.Background()
	f.schedule(t, "main", "http", domain.TimeOfDay{Hour: 9}, 60, "", nil)
	l := &fakeLocker{held: map[string]bool{}}
	r := f.runner(t, WithLocker(l))

	sum, err := r.RunSchedule(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dispatched())

	sum, err = r.RunSchedule(ctx, "")
	require.NoError(t, err)
	assert.True(t, sum.Tenants[0].Skipped)
	assert.Len(t, f.def.pushes, 1)

	t.Run("lock errors do not block the pass", func(t *testing.T) {
		l.err = errors.New("redis down")
		f.clock.t = f.clock.t.Add(time.Hour)
		sum, err := r.RunSchedule(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Dispatched())
	})
}

func TestOverlappingPassesCannotDuplicate(t *testing.T) {
	f := newFixture(t, "main")
	ctx := context.Background()
	sc := f.schedule(t, "main", "http", domain.TimeOfDay{Hour: 9}, 60, "", nil)

	// a competing pass already recorded firing #0
	e := domain.NewExecution(sc, 0, sc.RunAt(time.UTC, 0), f.clock.t, domain.Dispatch{Kind: domain.DispatchWrapped, Command: domain.WrapperCommand})
	require.NoError(t, f.stores["main"].SaveExecution(ctx, e))
	dup := domain.NewExecution(sc, 0, sc.RunAt(time.UTC, 0), f.clock.t, domain.Dispatch{Kind: domain.DispatchWrapped, Command: domain.WrapperCommand})
	err := f.stores["main"].SaveExecution(ctx, dup)
	assert.True(t, errors.Is(err, domain.ErrPersistence))
	assert.Empty(t, f.def.pushes)
}
