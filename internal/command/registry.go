// Package command holds the registry of schedulable units of work.
package command

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"cadence/internal/domain"
)

// Command is a unit of work a job refers to by name.
type Command interface {
	Name() string
	Run(ctx context.Context, args map[string]string) error
}

// Standalone commands consume the scheduler's system arguments themselves.
// They are dispatched directly with the schedule arguments instead of
// going through the wrapper.
type Standalone interface {
	Command
	Standalone()
}

// Factory builds a fresh Command instance.
type Factory func() (Command, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Normalize strips leading namespace separators from a command reference.
func Normalize(ref string) string {
	return strings.TrimLeft(strings.TrimSpace(ref), `\/`)
}

func (r *Registry) Register(ref string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[Normalize(ref)] = f
}

// Names lists registered references in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// New resolves ref and instantiates it. Unknown references, failing
// factories and nil commands are reported as invalid arguments.
func (r *Registry) New(ref string) (Command, error) {
	name := Normalize(ref)
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.InvalidArgumentf("command %q is not defined", ref)
	}
	cmd, err := instantiate(f)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "instantiate command %q", ref), domain.ErrInvalidArgument)
	}
	if cmd == nil {
		return nil, domain.InvalidArgumentf("command %q: factory returned no command", ref)
	}
	return cmd, nil
}

// Validate checks that ref resolves to an instantiable command.
func (r *Registry) Validate(ref string) error {
	_, err := r.New(ref)
	return err
}

// IsStandalone reports whether ref resolves to a Standalone command.
func (r *Registry) IsStandalone(ref string) (bool, error) {
	cmd, err := r.New(ref)
	if err != nil {
		return false, err
	}
	_, ok := cmd.(Standalone)
	return ok, nil
}

func instantiate(f Factory) (cmd Command, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("factory panicked: %v", p)
		}
	}()
	return f()
}

// Builtins returns a registry with the shell and http commands.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("shell", func() (Command, error) { return Shell{}, nil })
	r.Register("http", func() (Command, error) { return HTTP{}, nil })
	return r
}
