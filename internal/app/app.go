// Package app wires configuration into the running components.
package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"cadence/internal/api"
	"cadence/internal/command"
	"cadence/internal/config"
	"cadence/internal/executor"
	"cadence/internal/queue"
	"cadence/internal/runner"
	"cadence/internal/schedule"
	"cadence/internal/scheduler"
	"cadence/internal/store"
	"cadence/internal/tenant"
	"cadence/internal/worker"
)

type App struct {
	Config    *config.Config
	Tenants   *tenant.Registry
	Queues    *queue.Set
	Runner    *runner.Runner
	Executor  *executor.Executor
	Scheduler *scheduler.Service
	Pools     []*worker.Pool
	Handler   http.Handler

	opener *queue.Opener
	locker *runner.RedisLocker
}

// Option adjusts how Build assembles the application.
type Option func(*options)

type options struct {
	commands func() *command.Registry
}

// WithCommands replaces the command registry given to every tenant.
func WithCommands(f func() *command.Registry) Option {
	return func(o *options) { o.commands = f }
}

// Build opens every tenant store and queue named in cfg. Whatever was
// opened is closed again when a later step fails.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := options{commands: command.Builtins}
	for _, opt := range opts {
		opt(&o)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Tenants: tenant.NewRegistry(), opener: queue.NewOpener()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	for _, t := range cfg.Tenants {
		st, err := store.Open(ctx, t.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "tenant %s", t.Name)
		}
		engine := schedule.New(st, o.commands(),
			schedule.WithLocation(loc),
			schedule.WithPageSize(cfg.Runner.PageSize),
			schedule.WithLogger(log.With().Str("tenant", t.Name).Logger()),
		)
		if err := a.Tenants.Add(t.Name, engine, st.Close); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	if a.Queues, err = a.opener.OpenSet(ctx, cfg.QueueSpecs()); err != nil {
		return nil, err
	}

	ropts := []runner.Option{runner.WithForcedCommands(cfg.Runner.ForcedCommands...)}
	if cfg.Runner.Lock.RedisAddr != "" {
		a.locker = runner.NewRedisLocker(redis.NewClient(&redis.Options{Addr: cfg.Runner.Lock.RedisAddr}), "", cfg.Runner.Lock.TTL)
		ropts = append(ropts, runner.WithLocker(a.locker))
	}
	if a.Runner, err = runner.New(a.Tenants, a.Queues, ropts...); err != nil {
		return nil, err
	}

	a.Executor = executor.New(a.Tenants, executor.WithTimeout(cfg.Worker.Timeout))

	if cfg.Worker.Enabled {
		if a.Pools, err = a.buildPools(); err != nil {
			return nil, err
		}
	}

	if a.Scheduler, err = scheduler.NewService(a.Runner, cfg.Runner.Trigger, "", loc); err != nil {
		return nil, err
	}

	var aopts []api.Option
	if ts := a.LocalTasks(); ts != nil {
		aopts = append(aopts, api.WithTasks(ts))
	}
	if cfg.HTTP.Debug {
		aopts = append(aopts, api.WithDebug())
	}
	a.Handler = api.NewServer(a.Tenants, a.Runner, aopts...)
	return a, nil
}

// buildPools starts one pool per task database, serving the worker queues stored there.
func (a *App) buildPools() ([]*worker.Pool, error) {
	var (
		order  []*queue.TaskStore
		served = map[*queue.TaskStore][]string{}
	)
	for _, name := range a.Config.Worker.Queues {
		q, ok := a.Queues.Get(name)
		if !ok {
			return nil, errors.Newf("worker queue %q is not configured", name)
		}
		sq, ok := q.(*queue.SQLiteQueue)
		if !ok {
			return nil, errors.Newf("worker queue %q is not a sqlite queue", name)
		}
		if _, seen := served[sq.Tasks()]; !seen {
			order = append(order, sq.Tasks())
		}
		served[sq.Tasks()] = append(served[sq.Tasks()], name)
	}

	pools := make([]*worker.Pool, 0, len(order))
	for _, ts := range order {
		pools = append(pools, worker.NewPool(ts, served[ts], worker.Executions(a.Executor), a.Config.Worker.Concurrency, a.Config.Worker.Poll))
	}
	return pools, nil
}

// LocalTasks is the task store behind the default queue, or nil when
// the default queue is remote.
func (a *App) LocalTasks() *queue.TaskStore {
	if a.Queues == nil {
		return nil
	}
	if q, ok := a.Queues.Get(queue.DefaultName); ok {
		if sq, ok := q.(*queue.SQLiteQueue); ok {
			return sq.Tasks()
		}
	}
	return nil
}

// Serve runs the scheduler, the worker pools and the HTTP server until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Scheduler.Start(ctx)
	}()

	var workers sync.WaitGroup
	for _, p := range a.Pools {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.Run(ctx)
		}()
	}

	srv := &http.Server{Addr: a.Config.HTTP.Addr, Handler: a.Handler}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
		err = errors.Wrap(err, "http server")
	}

	log.Info().Msg("shutting down")
	cancel()
	for _, p := range a.Pools {
		p.Stop()
	}
	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(shutdownCtx)
	workers.Wait()
	<-done
	return err
}

func (a *App) Close() error {
	var errs error
	if a.Queues != nil {
		errs = errors.CombineErrors(errs, a.Queues.Close())
	}
	if a.opener != nil {
		errs = errors.CombineErrors(errs, a.opener.Close())
	}
	if a.locker != nil {
		errs = errors.CombineErrors(errs, a.locker.Close())
	}
	if a.Tenants != nil {
		errs = errors.CombineErrors(errs, a.Tenants.Close())
	}
	return errs
}
