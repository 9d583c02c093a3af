// Package runner performs scheduling passes: for each tenant it finds the
// schedules due this minute, records an execution for each and queues it.
package runner

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cadence/internal/command"
	"cadence/internal/domain"
	"cadence/internal/queue"
	"cadence/internal/schedule"
	"cadence/internal/tenant"
)

// Locker guards a tenant pass for one minute. TryLock reports false when
// another pass already holds the slot.
type Locker interface {
	TryLock(ctx context.Context, tenant string, minute time.Time) (bool, error)
}

type Runner struct {
	tenants *tenant.Registry
	queues  *queue.Set
	forced  map[string]struct{}
	locker  Locker
	log     zerolog.Logger
}

type Option func(*Runner)

// WithForcedCommands makes refs due on every pass regardless of their next run.
func WithForcedCommands(refs ...string) Option {
	return func(r *Runner) {
		for _, ref := range refs {
			r.forced[command.Normalize(ref)] = struct{}{}
		}
	}
}

func WithLocker(l Locker) Option { return func(r *Runner) { r.locker = l } }

func WithLogger(l zerolog.Logger) Option { return func(r *Runner) { r.log = l } }

// New validates forced commands against every tenant's command registry.
func New(tenants *tenant.Registry, queues *queue.Set, opts ...Option) (*Runner, error) {
	if tenants == nil || queues == nil {
		return nil, domain.InvalidArgumentf("runner needs tenants and queues")
	}
	r := &Runner{
		tenants: tenants,
		queues:  queues,
		forced:  map[string]struct{}{},
		log:     log.With().Str("component", "runner").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	for ref := range r.forced {
		for _, name := range tenants.Names() {
			engine, err := tenants.Get(name)
			if err != nil {
				return nil, err
			}
			if err := engine.ValidateCommand(ref); err != nil {
				return nil, errors.Wrapf(err, "forced command for tenant %s", name)
			}
		}
	}
	return r, nil
}

// TenantSummary describes the pass over one tenant.
type TenantSummary struct {
	Tenant     string   `json:"tenant"`
	Considered int      `json:"considered"`
	Dispatched int      `json:"dispatched"`
	QueueFails int      `json:"queue_failures"`
	Executions []string `json:"executions,omitempty"`
	// Skipped is set when another pass held the tenant's lock for this minute.
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Summary struct {
	Tenants []TenantSummary `json:"tenants"`
}

// Dispatched is the total over all tenants.
func (s Summary) Dispatched() int {
	n := 0
	for _, t := range s.Tenants {
		n += t.Dispatched
	}
	return n
}

// TenantError is the failure of one tenant's pass.
type TenantError struct {
	Tenant string
	Err    error
}

func (e *TenantError) Error() string { return "tenant " + e.Tenant + ": " + e.Err.Error() }
func (e *TenantError) Unwrap() error { return e.Err }

// PassError lists every tenant whose pass failed.
type PassError struct {
	Failures []*TenantError
}

func (e *PassError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return "scheduling pass failed: " + strings.Join(parts, "; ")
}

func (e *PassError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}
	return out
}

// RunSchedule runs one pass over tenantName, or over every tenant in
// registration order when tenantName is empty. Every tenant is attempted;
// failures are collected into a *PassError.
func (r *Runner) RunSchedule(ctx context.Context, tenantName string) (Summary, error) {
	names := r.tenants.Names()
	if tenantName != "" {
		if _, err := r.tenants.Get(tenantName); err != nil {
			return Summary{}, err
		}
		names = []string{tenantName}
	}

	var (
		sum  Summary
		pass PassError
	)
	for _, name := range names {
		engine, err := r.tenants.Get(name)
		if err == nil {
			var ts TenantSummary
			ts, err = r.runTenant(ctx, name, engine)
			if err != nil {
				ts.Error = err.Error()
			}
			sum.Tenants = append(sum.Tenants, ts)
		}
		if err != nil {
			r.log.Error().Err(err).Str("tenant", name).Msg("tenant pass failed")
			pass.Failures = append(pass.Failures, &TenantError{Tenant: name, Err: err})
		}
	}
	if len(pass.Failures) > 0 {
		return sum, &pass
	}
	return sum, nil
}

func (r *Runner) runTenant(ctx context.Context, name string, engine *schedule.Service) (TenantSummary, error) {
	ts := TenantSummary{Tenant: name}
	now := engine.Now()
	minute := now.Truncate(time.Minute)
	lg := r.log.With().Str("tenant", name).Logger()

	if r.locker != nil {
		ok, err := r.locker.TryLock(ctx, name, minute)
		switch {
		case err != nil:
			// the store's uniqueness constraint still rejects duplicate records
			lg.Warn().Err(err).Msg("tenant lock unavailable, running unguarded")
		case !ok:
			lg.Info().Time("minute", minute).Msg("tenant already processed this minute")
			ts.Skipped = true
			return ts, nil
		}
	}

	var queueErrs error
	for sc, err := range engine.FindDueSchedules(ctx) {
		if err != nil {
			return ts, err
		}
		ts.Considered++

		n, err := engine.ExecutionCount(ctx, sc)
		if err != nil {
			return ts, err
		}
		next := sc.RunAt(engine.Location(), n)
		onTime := next.Truncate(time.Minute).Equal(minute)
		if !onTime && !r.isForced(sc.Job.Command) {
			continue
		}
		scheduledAt := next
		if !onTime {
			scheduledAt = minute
		}

		e, err := r.createExecution(ctx, name, engine, sc, n, scheduledAt, now)
		if err != nil {
			return ts, err
		}
		if err := r.dispatch(ctx, engine, e); err != nil {
			if !errors.Is(err, domain.ErrQueue) {
				return ts, err
			}
			ts.QueueFails++
			queueErrs = errors.CombineErrors(queueErrs, err)
			continue
		}
		ts.Dispatched++
		ts.Executions = append(ts.Executions, e.ID)
	}

	lg.Info().
		Int("considered", ts.Considered).
		Int("dispatched", ts.Dispatched).
		Int("queue_failures", ts.QueueFails).
		Msg("tenant pass done")
	return ts, queueErrs
}

func (r *Runner) isForced(ref string) bool {
	_, ok := r.forced[command.Normalize(ref)]
	return ok
}

// createExecution persists the n-th execution of sc and resolves its dispatch.
// The record is saved once to obtain its id, which the system arguments carry.
func (r *Runner) createExecution(ctx context.Context, tenantName string, engine *schedule.Service, sc *domain.JobSchedule, n int, scheduledAt, now time.Time) (*domain.JobScheduleExecution, error) {
	ref := sc.Job.Command
	if err := engine.ValidateCommand(ref); err != nil {
		return nil, errors.Wrapf(err, "schedule %s", sc.ID)
	}
	standalone, err := engine.IsStandalone(ref)
	if err != nil {
		return nil, err
	}

	d := domain.Dispatch{Kind: domain.DispatchWrapped, Command: domain.WrapperCommand, Arguments: map[string]string{}}
	if standalone {
		d = domain.Dispatch{Kind: domain.DispatchDirect, Command: command.Normalize(ref), Arguments: sc.Arguments}
	}

	e := domain.NewExecution(sc, n, scheduledAt, now, d)
	if err := engine.SaveExecution(ctx, e); err != nil {
		return nil, errors.Wrapf(err, "create execution %d of schedule %s", n, sc.ID)
	}
	e.Arguments = domain.MergeArgs(d.Arguments, map[string]string{
		domain.ArgTenant:      tenantName,
		domain.ArgExecutionID: e.ID,
	})
	if err := engine.SaveExecution(ctx, e); err != nil {
		return nil, errors.Wrapf(err, "store arguments of execution %s", e.ID)
	}
	return e, nil
}

// dispatch records QUEUED and then pushes. A push failure leaves the record
// QUEUED and is returned marked domain.ErrQueue.
func (r *Runner) dispatch(ctx context.Context, engine *schedule.Service, e *domain.JobScheduleExecution) error {
	name, q := r.queues.Resolve(e.Schedule.Queue)
	if err := engine.ReportQueued(ctx, e); err != nil {
		return err
	}
	if err := q.Push(ctx, e.Command, e.Arguments); err != nil {
		if !errors.Is(err, domain.ErrQueue) {
			err = domain.QueueFailure(err, name)
		}
		r.log.Error().Err(err).
			Str("execution_id", e.ID).
			Str("schedule_id", e.Schedule.ID).
			Str("queue", name).
			Msg("push failed")
		return err
	}
	r.log.Info().
		Str("execution_id", e.ID).
		Str("schedule_id", e.Schedule.ID).
		Str("command", e.Command).
		Str("queue", name).
		Time("scheduled_at", e.ScheduledAt).
		Msg("execution queued")
	return nil
}
