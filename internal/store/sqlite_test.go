package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/domain"
)

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSchedule(t *testing.T, s *SQLiteStore, ref string, args map[string]string) *domain.JobSchedule {
	t.Helper()
	ctx := context.Background()
	j, err := s.FindJobByCommand(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		j = &domain.Job{Command: ref, Name: ref, Enabled: true}
		require.NoError(t, s.SaveJob(ctx, j))
	} else {
		require.NoError(t, err)
	}
	sc := &domain.JobSchedule{
		Job:              j,
		FrequencyMinutes: 60,
		StartTime:        domain.TimeOfDay{Hour: 9},
		Enabled:          true,
		Arguments:        args,
	}
	require.NoError(t, s.SaveSchedule(ctx, sc))
	return sc
}

func TestJobAndScheduleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.FindJobByCommand(ctx, "shell")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	sc := seedSchedule(t, s, "shell", map[string]string{"command": "echo", "args": "hi"})
	assert.Regexp(t, `^sch_`, sc.ID)
	assert.Regexp(t, `^job_`, sc.Job.ID)

	got, err := s.LoadSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, sc.ID, got.ID)
	assert.Equal(t, 60, got.FrequencyMinutes)
	assert.Equal(t, domain.TimeOfDay{Hour: 9}, got.StartTime)
	assert.Equal(t, map[string]string{"command": "echo", "args": "hi"}, got.Arguments)
	assert.True(t, got.CreatedAt.Equal(fixedNow))
	assert.Equal(t, "shell", got.Job.Command)
	assert.True(t, got.Active())

	got.Job.Disable()
	require.NoError(t, s.SaveJob(ctx, got.Job))
	j, err := s.LoadJob(ctx, got.Job.ID)
	require.NoError(t, err)
	assert.False(t, j.Enabled)

	_, err = s.LoadSchedule(ctx, "sch_missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = s.LoadJob(ctx, "job_missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSaveScheduleRejectsBadInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SaveSchedule(ctx, &domain.JobSchedule{FrequencyMinutes: 5})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	sc := seedSchedule(t, s, "shell", nil)
	sc.FrequencyMinutes = 0
	assert.True(t, errors.Is(s.SaveSchedule(ctx, sc), domain.ErrInvalidArgument))
}

func TestFindSchedulesPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, seedSchedule(t, s, fmt.Sprintf("cmd%d", i), nil).ID)
	}

	var got []string
	f := ScheduleFilter{Limit: 2}
	pages := 0
	for {
		page, err := s.FindSchedules(ctx, f)
		require.NoError(t, err)
		pages++
		for _, sc := range page.Items {
			got = append(got, sc.ID)
		}
		if page.Next == 0 {
			break
		}
		f.After = page.Next
	}
	assert.Equal(t, ids, got)
	assert.Equal(t, 3, pages)
}

func TestFindSchedulesEnabledFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := seedSchedule(t, s, "a", nil)
	offSchedule := seedSchedule(t, s, "b", nil)
	offSchedule.Disable()
	require.NoError(t, s.SaveSchedule(ctx, offSchedule))
	offJob := seedSchedule(t, s, "c", nil)
	offJob.Job.Disable()
	require.NoError(t, s.SaveJob(ctx, offJob.Job))

	on, off := true, false
	page, err := s.FindSchedules(ctx, ScheduleFilter{Enabled: &on})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, active.ID, page.Items[0].ID)

	page, err = s.FindSchedules(ctx, ScheduleFilter{Enabled: &off})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, offSchedule.ID, page.Items[0].ID)
	assert.Equal(t, offJob.ID, page.Items[1].ID)

	page, err = s.FindSchedules(ctx, ScheduleFilter{JobID: active.Job.ID})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Zero(t, page.Next)
}

func newExecution(sc *domain.JobSchedule, n int) *domain.JobScheduleExecution {
	return domain.NewExecution(sc, n, sc.RunAt(time.UTC, n), fixedNow, domain.Dispatch{
		Kind:      domain.DispatchWrapped,
		Command:   domain.WrapperCommand,
		Arguments: map[string]string{},
	})
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sc := seedSchedule(t, s, "shell", nil)

	e := newExecution(sc, 0)
	require.NoError(t, s.SaveExecution(ctx, e))
	assert.Regexp(t, `^exe_`, e.ID)

	t.Run("numbering is unique per schedule", func(t *testing.T) {
		dup := newExecution(sc, 0)
		err := s.SaveExecution(ctx, dup)
		assert.True(t, errors.Is(err, domain.ErrPersistence))
		assert.Empty(t, dup.ID)
	})

	t.Run("dispatch fields are updated", func(t *testing.T) {
		e.Arguments = map[string]string{domain.ArgTenant: "main", domain.ArgExecutionID: e.ID}
		require.NoError(t, s.SaveExecution(ctx, e))
		got, err := s.LoadExecution(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.Arguments, got.Arguments)
		assert.Equal(t, domain.DispatchWrapped, got.Kind)
		assert.Equal(t, sc.ID, got.Schedule.ID)
		assert.Equal(t, domain.MessageNotStarted, got.Message)
		assert.Nil(t, got.FinishedAt)
	})

	t.Run("forward transitions", func(t *testing.T) {
		require.NoError(t, s.TransitionExecution(ctx, e.ID, domain.StateQueued, domain.MessageQueued, nil))
		require.NoError(t, s.TransitionExecution(ctx, e.ID, domain.StateRunning, domain.MessageRunning, nil))
		require.NoError(t, s.TransitionExecution(ctx, e.ID, domain.StateRunning, domain.MessageRunning, nil))

		err := s.TransitionExecution(ctx, e.ID, domain.StateQueued, domain.MessageQueued, nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

		done := fixedNow.Add(time.Minute)
		require.NoError(t, s.TransitionExecution(ctx, e.ID, domain.StateSuccess, domain.MessageSuccess, &done))

		got, err := s.LoadExecution(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateSuccess, got.State)
		require.NotNil(t, got.FinishedAt)
		assert.True(t, got.FinishedAt.Equal(done))
	})

	t.Run("terminal states are sticky", func(t *testing.T) {
		err := s.TransitionExecution(ctx, e.ID, domain.StateFailure, "late", nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
		got, err := s.LoadExecution(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateSuccess, got.State)
		assert.Equal(t, domain.MessageSuccess, got.Message)
	})

	t.Run("missing execution", func(t *testing.T) {
		err := s.TransitionExecution(ctx, "exe_missing", domain.StateQueued, "", nil)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		_, err = s.LoadExecution(ctx, "exe_missing")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestListExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sc := seedSchedule(t, s, "shell", nil)

	for n := 0; n < 4; n++ {
		e := newExecution(sc, n)
		require.NoError(t, s.SaveExecution(ctx, e))
		if n%2 == 0 {
			require.NoError(t, s.TransitionExecution(ctx, e.ID, domain.StateFailure, "boom", nil))
		}
	}

	n, err := s.CountExecutions(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	all, err := s.ListExecutions(ctx, ExecutionFilter{ScheduleID: sc.ID, Limit: 3})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{all[0].Number, all[1].Number, all[2].Number})

	failed := domain.StateFailure
	fails, err := s.ListExecutions(ctx, ExecutionFilter{ScheduleID: sc.ID, State: &failed})
	require.NoError(t, err)
	require.Len(t, fails, 2)
	assert.Equal(t, 2, fails[0].Number)
	assert.Equal(t, "boom", fails[0].Message)

	_, err = s.ListExecutions(ctx, ExecutionFilter{ScheduleID: "sch_missing"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStoreErrorsAreClassified(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db)
	ctx := context.Background()

	t.Run("query failure", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM job_schedule_executions WHERE id=").
			WithArgs("exe_1").
			WillReturnError(errors.New("disk I/O error"))
		_, err := s.LoadExecution(ctx, "exe_1")
		assert.True(t, errors.Is(err, domain.ErrPersistence))
		assert.Contains(t, err.Error(), "disk I/O error")
	})

	t.Run("conditional update refused", func(t *testing.T) {
		mock.ExpectExec("UPDATE job_schedule_executions SET state").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT state FROM job_schedule_executions").
			WithArgs("exe_2").
			WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(int(domain.StateFailure)))
		err := s.TransitionExecution(ctx, "exe_2", domain.StateRunning, domain.MessageRunning, nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
		assert.Contains(t, err.Error(), "failure")
	})

	t.Run("count failure", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("locked"))
		_, err := s.CountExecutions(ctx, "sch_1")
		assert.True(t, errors.Is(err, domain.ErrPersistence))
	})

	require.NoError(t, mock.ExpectationsWereMet())
}
