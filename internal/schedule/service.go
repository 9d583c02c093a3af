// Package schedule is the per-tenant scheduling engine: due-schedule
// enumeration, next-run computation and the execution lifecycle.
package schedule

import (
	"context"
	"iter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cadence/internal/command"
	"cadence/internal/domain"
	"cadence/internal/store"
)

const (
	DefaultPageSize  = 100
	DefaultFrequency = 60
	// DefaultStartDelay is added to now when a schedule is created without a start time.
	DefaultStartDelay = 5 * time.Minute
)

// Service is stateless between calls; every operation reads through the store.
type Service struct {
	store    store.Store
	commands *command.Registry
	now      func() time.Time
	loc      *time.Location
	pageSize int
	log      zerolog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func New(st store.Store, commands *command.Registry, opts ...Option) *Service {
	s := &Service{
		store:    st,
		commands: commands,
		now:      time.Now,
		loc:      time.UTC,
		pageSize: DefaultPageSize,
		log:      log.With().Str("component", "schedule").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Now() time.Time              { return s.now().In(s.loc) }
func (s *Service) Location() *time.Location    { return s.loc }
func (s *Service) Commands() *command.Registry { return s.commands }

// FindDueSchedules yields every schedule whose job and own flag are enabled,
// in registration order. Pages are fetched on demand; stopping the range
// stops fetching. Due-ness is left to the caller.
func (s *Service) FindDueSchedules(ctx context.Context) iter.Seq2[*domain.JobSchedule, error] {
	return func(yield func(*domain.JobSchedule, error) bool) {
		enabled := true
		f := store.ScheduleFilter{Enabled: &enabled, Limit: s.pageSize}
		for {
			page, err := s.store.FindSchedules(ctx, f)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, sc := range page.Items {
				if !yield(sc, nil) {
					return
				}
			}
			if page.Next == 0 {
				return
			}
			f.After = page.Next
		}
	}
}

// ListSchedules returns all schedules, optionally filtered by active state.
func (s *Service) ListSchedules(ctx context.Context, enabled *bool) ([]*domain.JobSchedule, error) {
	var out []*domain.JobSchedule
	f := store.ScheduleFilter{Enabled: enabled, Limit: s.pageSize}
	for {
		page, err := s.store.FindSchedules(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.Next == 0 {
			return out, nil
		}
		f.After = page.Next
	}
}

// ExecutionCount is the number of executions recorded for sc, which is also
// the number the next execution gets.
func (s *Service) ExecutionCount(ctx context.Context, sc *domain.JobSchedule) (int, error) {
	return s.store.CountExecutions(ctx, sc.ID)
}

// NextRunAt is the first run plus frequency times the number of prior executions.
func (s *Service) NextRunAt(ctx context.Context, sc *domain.JobSchedule) (time.Time, error) {
	n, err := s.ExecutionCount(ctx, sc)
	if err != nil {
		return time.Time{}, err
	}
	return sc.RunAt(s.loc, n), nil
}

func (s *Service) ValidateCommand(ref string) error {
	return s.commands.Validate(ref)
}

func (s *Service) IsStandalone(ref string) (bool, error) {
	return s.commands.IsStandalone(ref)
}

// ResolveOrCreateJob finds the job for ref or registers a new enabled one.
func (s *Service) ResolveOrCreateJob(ctx context.Context, ref string) (*domain.Job, error) {
	ref = command.Normalize(ref)
	j, err := s.store.FindJobByCommand(ctx, ref)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	cmd, err := s.commands.New(ref)
	if err != nil {
		return nil, err
	}
	j = &domain.Job{Command: ref, Name: cmd.Name(), Enabled: true}
	if err := s.store.SaveJob(ctx, j); err != nil {
		return nil, err
	}
	s.log.Info().Str("job_id", j.ID).Str("command", ref).Msg("job registered")
	return j, nil
}

// ScheduleOptions are the optional parts of a new schedule.
type ScheduleOptions struct {
	// Start defaults to now plus DefaultStartDelay.
	Start *domain.TimeOfDay
	// FrequencyMinutes defaults to DefaultFrequency.
	FrequencyMinutes int
	Queue            string
}

// ScheduleTask registers a new schedule for ref, creating its job on first use.
func (s *Service) ScheduleTask(ctx context.Context, ref string, args map[string]string, opts ScheduleOptions) (*domain.JobSchedule, error) {
	// an existing job may point at a command that is no longer registered
	if err := s.ValidateCommand(ref); err != nil {
		return nil, err
	}
	freq := opts.FrequencyMinutes
	if freq == 0 {
		freq = DefaultFrequency
	}
	if freq < 0 {
		return nil, domain.InvalidArgumentf("frequency must be positive, got %d", freq)
	}

	now := s.Now()
	start := domain.TimeOfDayOf(now.Add(DefaultStartDelay))
	if opts.Start != nil {
		start = *opts.Start
	}

	j, err := s.ResolveOrCreateJob(ctx, ref)
	if err != nil {
		return nil, err
	}
	sc := &domain.JobSchedule{
		Job:              j,
		FrequencyMinutes: freq,
		StartTime:        start,
		Enabled:          true,
		Queue:            opts.Queue,
		Arguments:        domain.CopyArgs(args),
		CreatedAt:        now,
	}
	if err := s.store.SaveSchedule(ctx, sc); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("schedule_id", sc.ID).
		Str("command", j.Command).
		Int("frequency", freq).
		Str("start", start.String()).
		Msg("schedule created")
	return sc, nil
}

func (s *Service) EnableSchedule(ctx context.Context, id string) (*domain.JobSchedule, error) {
	return s.toggleSchedule(ctx, id, true)
}

func (s *Service) DisableSchedule(ctx context.Context, id string) (*domain.JobSchedule, error) {
	return s.toggleSchedule(ctx, id, false)
}

func (s *Service) toggleSchedule(ctx context.Context, id string, on bool) (*domain.JobSchedule, error) {
	sc, err := s.RequireSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if on {
		sc.Enable()
	} else {
		sc.Disable()
	}
	if err := s.store.SaveSchedule(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *Service) EnableJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.toggleJob(ctx, id, true)
}

func (s *Service) DisableJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.toggleJob(ctx, id, false)
}

func (s *Service) toggleJob(ctx context.Context, id string, on bool) (*domain.Job, error) {
	j, err := s.RequireJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if on {
		j.Enable()
	} else {
		j.Disable()
	}
	if err := s.store.SaveJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Service) RequireExecution(ctx context.Context, id string) (*domain.JobScheduleExecution, error) {
	return s.store.LoadExecution(ctx, id)
}

func (s *Service) RequireSchedule(ctx context.Context, id string) (*domain.JobSchedule, error) {
	return s.store.LoadSchedule(ctx, id)
}

func (s *Service) RequireJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.LoadJob(ctx, id)
}

// SaveExecution persists e, assigning its id on first save.
func (s *Service) SaveExecution(ctx context.Context, e *domain.JobScheduleExecution) error {
	return s.store.SaveExecution(ctx, e)
}

// LastExecutions returns up to n executions of a schedule, newest first.
func (s *Service) LastExecutions(ctx context.Context, scheduleID string, state *domain.ExecutionState, n int) ([]*domain.JobScheduleExecution, error) {
	return s.store.ListExecutions(ctx, store.ExecutionFilter{ScheduleID: scheduleID, State: state, Limit: n})
}

// LastExecution returns the newest execution, failing with ErrNotFound when there is none.
func (s *Service) LastExecution(ctx context.Context, scheduleID string, state *domain.ExecutionState) (*domain.JobScheduleExecution, error) {
	list, err := s.LastExecutions(ctx, scheduleID, state, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, domain.NotFoundf("schedule %s has no executions", scheduleID)
	}
	return list[0], nil
}

// RecordTransition moves e to state and persists the result. finished stamps
// the finish time with now; otherwise the finish time is cleared. e is only
// updated in memory once the store accepted the change.
func (s *Service) RecordTransition(ctx context.Context, e *domain.JobScheduleExecution, state domain.ExecutionState, message string, finished bool) error {
	var finishedAt *time.Time
	if finished {
		t := s.Now()
		finishedAt = &t
	}
	if err := s.store.TransitionExecution(ctx, e.ID, state, message, finishedAt); err != nil {
		return errors.Wrapf(err, "record %s for execution %s", state, e.ID)
	}
	e.State = state
	e.Message = message
	e.FinishedAt = finishedAt
	return nil
}

func (s *Service) ReportQueued(ctx context.Context, e *domain.JobScheduleExecution) error {
	return s.RecordTransition(ctx, e, domain.StateQueued, domain.MessageQueued, false)
}

func (s *Service) ReportStarted(ctx context.Context, e *domain.JobScheduleExecution) error {
	return s.RecordTransition(ctx, e, domain.StateRunning, domain.MessageRunning, false)
}

func (s *Service) ReportSuccess(ctx context.Context, e *domain.JobScheduleExecution) error {
	return s.RecordTransition(ctx, e, domain.StateSuccess, domain.MessageSuccess, true)
}

// ReportFailure records cause as the result message. The finish time stays unset.
func (s *Service) ReportFailure(ctx context.Context, e *domain.JobScheduleExecution, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.RecordTransition(ctx, e, domain.StateFailure, msg, false)
}
