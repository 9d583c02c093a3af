// Package scheduler triggers scheduling passes on a cron expression.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"cadence/internal/domain"
	"cadence/internal/runner"
)

// DefaultTrigger fires a pass at the start of every minute.
const DefaultTrigger = "* * * * *"

// PassRunner runs one scheduling pass.
type PassRunner interface {
	RunSchedule(ctx context.Context, tenant string) (runner.Summary, error)
}

type Service struct {
	runner PassRunner
	cron   *cron.Cron
	expr   string
	tenant string

	mu     sync.Mutex
	passes int
}

// NewService validates expr. tenant limits passes to one tenant; empty means all.
func NewService(r PassRunner, expr, tenant string, loc *time.Location) (*Service, error) {
	if expr == "" {
		expr = DefaultTrigger
	}
	if err := ValidateCronExpression(expr); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		runner: r,
		// a pass still running when the next tick fires is not overlapped
		cron:   cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		expr:   expr,
		tenant: tenant,
	}, nil
}

// Start blocks until ctx is done, running a pass on every tick.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.expr, func() { s.RunOnce(ctx) }); err != nil {
		return errors.Wrapf(err, "register trigger %q", s.expr)
	}
	s.cron.Start()
	if next, err := NextRunTime(s.expr, time.Now()); err == nil {
		log.Info().Str("trigger", s.expr).Time("next_pass", next).Msg("scheduler started")
	}

	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Info().Msg("scheduler stopped")
	return nil
}

// RunOnce runs a single pass and logs its outcome.
func (s *Service) RunOnce(ctx context.Context) {
	s.mu.Lock()
	s.passes++
	s.mu.Unlock()

	sum, err := s.runner.RunSchedule(ctx, s.tenant)
	if err != nil {
		log.Error().Err(err).Msg("scheduling pass failed")
	}
	log.Debug().Int("dispatched", sum.Dispatched()).Int("tenants", len(sum.Tenants)).Msg("scheduling pass done")
}

// Passes is the number of passes started so far.
func (s *Service) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return errors.Mark(errors.Wrapf(err, "invalid cron expression %q", expr), domain.ErrInvalidArgument)
	}
	return nil
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, errors.Mark(errors.Wrapf(err, "invalid cron expression %q", expr), domain.ErrInvalidArgument)
	}
	return cronSchedule.Next(from), nil
}
