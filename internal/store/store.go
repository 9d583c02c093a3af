// Package store persists jobs, schedules and executions for one tenant.
package store

import (
	"context"
	"time"

	"cadence/internal/domain"
)

// ScheduleFilter selects schedules in registration order.
type ScheduleFilter struct {
	// Enabled, when set, keeps only active schedules (true) or schedules
	// whose job or own flag is disabled (false).
	Enabled *bool
	JobID   string
	// After is the keyset cursor returned in SchedulePage.Next.
	After int64
	Limit int
}

// SchedulePage is one keyset page. Next is zero on the last page.
type SchedulePage struct {
	Items []*domain.JobSchedule
	Next  int64
}

type ExecutionFilter struct {
	ScheduleID string
	State      *domain.ExecutionState
	Limit      int
}

// Store is the persistence contract of a tenant. Lookups of missing rows
// fail with domain.ErrNotFound; every other failure is a domain.ErrPersistence.
type Store interface {
	FindSchedules(ctx context.Context, f ScheduleFilter) (SchedulePage, error)
	FindJobByCommand(ctx context.Context, ref string) (*domain.Job, error)

	// SaveJob and SaveSchedule insert or update and assign an id when empty.
	SaveJob(ctx context.Context, j *domain.Job) error
	SaveSchedule(ctx context.Context, s *domain.JobSchedule) error

	// SaveExecution inserts a new record (assigning its id) or updates the
	// dispatch fields of an existing one. State only moves through
	// TransitionExecution.
	SaveExecution(ctx context.Context, e *domain.JobScheduleExecution) error

	// TransitionExecution moves a record to state. It fails with
	// domain.ErrInvalidTransition when the stored state is terminal or ahead
	// of state. A nil finishedAt clears the finish timestamp.
	TransitionExecution(ctx context.Context, id string, state domain.ExecutionState, message string, finishedAt *time.Time) error

	LoadExecution(ctx context.Context, id string) (*domain.JobScheduleExecution, error)
	LoadSchedule(ctx context.Context, id string) (*domain.JobSchedule, error)
	LoadJob(ctx context.Context, id string) (*domain.Job, error)

	CountExecutions(ctx context.Context, scheduleID string) (int, error)
	// ListExecutions returns the newest executions first.
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*domain.JobScheduleExecution, error)

	Close() error
}
