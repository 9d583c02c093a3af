// Package worker leases tasks from the local queue and hands them to a handler.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"cadence/internal/domain"
	"cadence/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) error { return f(ctx, msg) }

// Executor is what the execution handler needs from the executor package.
type Executor interface {
	Execute(ctx context.Context, tenant, executionID string) error
}

// Executions routes every message to the executor using its system arguments.
func Executions(x Executor) Handler {
	return HandlerFunc(func(ctx context.Context, msg queue.Message) error {
		tenant, id := msg.Arguments[domain.ArgTenant], msg.Arguments[domain.ArgExecutionID]
		if tenant == "" || id == "" {
			return domain.InvalidArgumentf("message for %s lacks %s or %s", msg.Command, domain.ArgTenant, domain.ArgExecutionID)
		}
		return x.Execute(ctx, tenant, id)
	})
}

type Pool struct {
	tasks     *queue.TaskStore
	queues    []string
	handler   Handler
	sem       chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	pollEvery time.Duration
}

func NewPool(tasks *queue.TaskStore, queues []string, handler Handler, size int, pollEvery time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		tasks:     tasks,
		queues:    queues,
		handler:   handler,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
	}
}

// Run polls until ctx is done or Stop is called, then waits for running tasks.
func (p *Pool) Run(ctx context.Context) {
	if n, err := p.tasks.RecoverStale(ctx, time.Now()); err != nil {
		log.Error().Err(err).Msg("recover stale tasks")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			p.drain(ctx, now)
		}
	}
}

func (p *Pool) Stop() { p.stopOnce.Do(func() { close(p.stop) }) }

// drain leases tasks until none is ready or the pool is stopping.
func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
		task, _, err := p.tasks.LeaseNext(ctx, p.queues, now)
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) {
				log.Error().Err(err).Msg("lease task")
			}
			return
		}
		p.wg.Add(1)
		go func(tk domain.Task) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(ctx, tk)
		}(task)
	}
}

func (p *Pool) process(ctx context.Context, tk domain.Task) {
	lg := log.With().Str("task_id", tk.ID).Str("queue", tk.Queue).Str("command", tk.Command).Logger()

	msg, err := queue.Decode(tk.Payload)
	if err != nil {
		lg.Error().Err(err).Msg("undecodable task")
		_ = p.tasks.Fail(ctx, tk.ID, err.Error())
		return
	}

	if err := p.handler.Handle(ctx, msg); err != nil {
		if permanent(err) {
			lg.Error().Err(err).Msg("task failed")
			if ferr := p.tasks.Fail(ctx, tk.ID, err.Error()); ferr != nil {
				lg.Error().Err(ferr).Msg("record task failure")
			}
			return
		}
		next := backoffExp(tk.Attempts + 1)
		lg.Warn().Err(err).Dur("retry_in", next).Int("attempt", tk.Attempts+1).Msg("task will be retried")
		if rerr := p.tasks.Retry(ctx, tk.ID, err.Error(), next); rerr != nil {
			lg.Error().Err(rerr).Msg("record task retry")
		}
		return
	}
	if err := p.tasks.Succeed(ctx, tk.ID); err != nil {
		lg.Error().Err(err).Msg("record task success")
	}
}

// permanent errors are not retried: the execution already reached a terminal
// state, or can never be found or run.
func permanent(err error) bool {
	return errors.IsAny(err,
		domain.ErrExecutionFailure,
		domain.ErrInvalidTransition,
		domain.ErrNotFound,
		domain.ErrInvalidArgument,
	)
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
