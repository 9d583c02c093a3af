// Package tenant keeps the ordered set of data contexts the scheduler serves.
package tenant

import (
	"sync"

	"github.com/cockroachdb/errors"

	"cadence/internal/domain"
	"cadence/internal/schedule"
)

// Registry maps tenant names to their engines, preserving registration order.
type Registry struct {
	mu      sync.RWMutex
	names   []string
	engines map[string]*schedule.Service
	closers []func() error
}

func NewRegistry() *Registry {
	return &Registry{engines: map[string]*schedule.Service{}}
}

// Add registers an engine. closer, when non-nil, runs on Close.
func (r *Registry) Add(name string, engine *schedule.Service, closer func() error) error {
	if name == "" {
		return domain.InvalidArgumentf("tenant name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[name]; ok {
		return domain.InvalidArgumentf("tenant %q registered twice", name)
	}
	r.names = append(r.names, name)
	r.engines[name] = engine
	if closer != nil {
		r.closers = append(r.closers, closer)
	}
	return nil
}

// Get returns the engine for name, or ErrInvalidArgument for an unknown tenant.
func (r *Registry) Get(name string) (*schedule.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, domain.InvalidArgumentf("unknown tenant %q", name)
	}
	return e, nil
}

// Names lists tenants in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs error
	for _, c := range r.closers {
		errs = errors.CombineErrors(errs, c())
	}
	r.closers = nil
	return errs
}
