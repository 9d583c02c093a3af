package queue

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"cadence/internal/domain"
)

// Drivers.
const (
	DriverSQLite = "sqlite"
	DriverAMQP   = "amqp"
	DriverRedis  = "redis"
)

// Spec describes one named queue.
type Spec struct {
	Driver string

	// sqlite
	Path        string
	MaxAttempts int
	Visibility  time.Duration

	// amqp
	URL      string
	Exchange string

	// redis
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Opener builds queues from specs. SQLite queues on the same path share one
// TaskStore, which the Opener owns.
type Opener struct {
	stores map[string]*TaskStore
}

func NewOpener() *Opener {
	return &Opener{stores: map[string]*TaskStore{}}
}

func (o *Opener) Open(ctx context.Context, name string, spec Spec) (Queue, error) {
	switch spec.Driver {
	case DriverSQLite, "":
		if spec.Path == "" {
			return nil, domain.InvalidArgumentf("queue %q: sqlite driver needs a path", name)
		}
		ts, err := o.TaskStore(ctx, spec.Path)
		if err != nil {
			return nil, err
		}
		var opts []SQLiteOption
		if spec.MaxAttempts > 0 {
			opts = append(opts, WithMaxAttempts(spec.MaxAttempts))
		}
		if spec.Visibility > 0 {
			opts = append(opts, WithVisibility(spec.Visibility))
		}
		return NewSQLiteQueue(ts, name, opts...), nil
	case DriverAMQP:
		if spec.URL == "" {
			return nil, domain.InvalidArgumentf("queue %q: amqp driver needs a url", name)
		}
		return DialAMQP(spec.URL, spec.Exchange, name)
	case DriverRedis:
		if spec.Addr == "" {
			return nil, domain.InvalidArgumentf("queue %q: redis driver needs an addr", name)
		}
		return DialRedis(ctx, spec.Addr, spec.Password, spec.DB, spec.KeyPrefix, name)
	default:
		return nil, domain.InvalidArgumentf("queue %q: unknown driver %q", name, spec.Driver)
	}
}

// OpenSet opens every spec and builds a Set. Already opened queues are
// closed when a later step fails.
func (o *Opener) OpenSet(ctx context.Context, specs map[string]Spec) (*Set, error) {
	if _, ok := specs[DefaultName]; !ok {
		return nil, domain.InvalidArgumentf("queue %q is required", DefaultName)
	}
	names := make([]string, 0, len(specs))
	for n := range specs {
		names = append(names, n)
	}
	sort.Strings(names)

	queues := map[string]Queue{}
	for _, n := range names {
		q, err := o.Open(ctx, n, specs[n])
		if err != nil {
			closeQueues(queues)
			return nil, err
		}
		queues[n] = q
	}
	set, err := NewSet(queues)
	if err != nil {
		closeQueues(queues)
		return nil, err
	}
	return set, nil
}

func closeQueues(queues map[string]Queue) {
	for _, q := range queues {
		if q != nil {
			_ = q.Close()
		}
	}
}

// TaskStore returns the shared store for path, opening it on first use.
func (o *Opener) TaskStore(ctx context.Context, path string) (*TaskStore, error) {
	if ts, ok := o.stores[path]; ok {
		return ts, nil
	}
	ts, err := OpenTaskStore(ctx, path)
	if err != nil {
		return nil, err
	}
	o.stores[path] = ts
	return ts, nil
}

func (o *Opener) Close() error {
	var errs error
	for p, ts := range o.stores {
		errs = errors.CombineErrors(errs, errors.Wrapf(ts.Close(), "close %s", p))
	}
	o.stores = map[string]*TaskStore{}
	return errs
}
