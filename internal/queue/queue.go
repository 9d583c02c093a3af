// Package queue hands resolved executions to out-of-process workers.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"cadence/internal/domain"
)

// DefaultName is the queue every set must contain.
const DefaultName = "default"

// Queue accepts a command reference and its arguments for later execution.
// Push failures are marked domain.ErrQueue.
type Queue interface {
	Push(ctx context.Context, command string, args map[string]string) error
	Close() error
}

// Message is the wire form shared by all transports.
type Message struct {
	Command    string            `json:"command"`
	Arguments  map[string]string `json:"arguments"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

func encode(command string, args map[string]string, now time.Time) ([]byte, error) {
	return json.Marshal(Message{Command: command, Arguments: domain.CopyArgs(args), EnqueuedAt: now.UTC()})
}

// Decode parses a message produced by any transport.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, errors.Wrap(err, "decode queue message")
	}
	if m.Command == "" {
		return Message{}, errors.New("decode queue message: empty command")
	}
	if m.Arguments == nil {
		m.Arguments = map[string]string{}
	}
	return m, nil
}

// Set is the collection of named queues. It always holds DefaultName.
type Set struct {
	queues map[string]Queue
}

func NewSet(queues map[string]Queue) (*Set, error) {
	if q, ok := queues[DefaultName]; !ok || q == nil {
		return nil, domain.InvalidArgumentf("queue set has no %q queue", DefaultName)
	}
	m := make(map[string]Queue, len(queues))
	for k, v := range queues {
		if v == nil {
			return nil, domain.InvalidArgumentf("queue %q is nil", k)
		}
		m[k] = v
	}
	return &Set{queues: m}, nil
}

// Resolve returns the preferred queue when registered, otherwise the default one.
func (s *Set) Resolve(preferred string) (string, Queue) {
	if q, ok := s.queues[preferred]; ok && preferred != "" {
		return preferred, q
	}
	return DefaultName, s.queues[DefaultName]
}

// Get returns the queue registered under name.
func (s *Set) Get(name string) (Queue, bool) {
	q, ok := s.queues[name]
	return q, ok
}

func (s *Set) Names() []string {
	out := make([]string, 0, len(s.queues))
	for n := range s.queues {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Close closes every queue. Queues sharing a backend must tolerate repeated Close.
func (s *Set) Close() error {
	var errs error
	for _, n := range s.Names() {
		errs = errors.CombineErrors(errs, s.queues[n].Close())
	}
	return errs
}
