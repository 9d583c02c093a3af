// Package executor runs one recorded execution and reports its lifecycle.
package executor

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cadence/internal/command"
	"cadence/internal/domain"
	"cadence/internal/schedule"
	"cadence/internal/tenant"
)

// DefaultTimeout bounds a single execution.
const DefaultTimeout = 30 * time.Minute

// reportTimeout bounds recording an outcome once the caller's context is gone.
const reportTimeout = 10 * time.Second

type Executor struct {
	tenants *tenant.Registry
	timeout time.Duration
	log     zerolog.Logger
}

type Option func(*Executor)

func WithTimeout(d time.Duration) Option {
	return func(x *Executor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(x *Executor) { x.log = l } }

func New(tenants *tenant.Registry, opts ...Option) *Executor {
	x := &Executor{
		tenants: tenants,
		timeout: DefaultTimeout,
		log:     log.With().Str("component", "executor").Logger(),
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Execute loads the execution, marks it running, runs its command and
// records the outcome. A failing, panicking or timed out command is recorded
// as FAILURE and returned marked domain.ErrExecutionFailure.
func (x *Executor) Execute(ctx context.Context, tenantName, executionID string) error {
	engine, err := x.tenants.Get(tenantName)
	if err != nil {
		return err
	}
	e, err := engine.RequireExecution(ctx, executionID)
	if err != nil {
		return err
	}
	lg := x.log.With().
		Str("tenant", tenantName).
		Str("execution_id", e.ID).
		Str("schedule_id", e.Schedule.ID).
		Logger()

	if err := engine.ReportStarted(ctx, e); err != nil {
		return err
	}
	lg.Info().Str("command", e.Command).Str("kind", string(e.Kind)).Msg("execution started")

	start := time.Now()
	runErr := x.run(ctx, engine, e)

	// the outcome is recorded even when ctx was cancelled while the command ran
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if runErr != nil {
		lg.Error().Err(runErr).Dur("took", time.Since(start)).Msg("execution failed")
		if err := engine.ReportFailure(rctx, e, runErr); err != nil {
			lg.Error().Err(err).AnErr("cause", runErr).Msg("recording execution failure failed")
			return errors.Mark(errors.Wrapf(err, "execution %s failed (%v)", e.ID, runErr), domain.ErrExecutionFailure)
		}
		return domain.ExecutionFailure(runErr, e.ID)
	}

	if err := engine.ReportSuccess(rctx, e); err != nil {
		lg.Error().Err(err).Msg("recording execution success failed")
		return err
	}
	lg.Info().Dur("took", time.Since(start)).Msg("execution succeeded")
	return nil
}

// resolve interprets the dispatch tag. Direct executions run their recorded
// command with the merged arguments; wrapped ones run the job's command with
// the schedule's arguments as they are now.
func resolve(engine *schedule.Service, e *domain.JobScheduleExecution) (command.Command, map[string]string, error) {
	switch e.Kind {
	case domain.DispatchDirect:
		cmd, err := engine.Commands().New(e.Command)
		return cmd, domain.CopyArgs(e.Arguments), err
	case domain.DispatchWrapped:
		cmd, err := engine.Commands().New(e.Schedule.Job.Command)
		return cmd, domain.CopyArgs(e.Schedule.Arguments), err
	default:
		return nil, nil, domain.InvalidArgumentf("execution %s has unknown dispatch kind %q", e.ID, e.Kind)
	}
}

func (x *Executor) run(ctx context.Context, engine *schedule.Service, e *domain.JobScheduleExecution) error {
	cmd, args, err := resolve(engine, e)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- errors.Newf("command %s panicked: %v", cmd.Name(), p)
			}
		}()
		done <- cmd.Run(cctx, args)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return errors.Newf("execution timed out after %s", x.timeout)
		}
		return errors.Wrap(cctx.Err(), "execution interrupted")
	}
}
