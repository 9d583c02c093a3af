package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/domain"
	"cadence/internal/queue"
)

type execCall struct{ tenant, id string }

type fakeExecutor struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, tenant, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{tenant, id})
	return f.err
}

func TestPoolOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		state    string
		attempts int
	}{
		{"success", nil, queue.TaskSucceeded, 1},
		{"execution failure is final", domain.ExecutionFailure(errors.New("exit 1"), "exe_1"), queue.TaskFailed, 1},
		{"finished execution is final", errors.Mark(errors.New("terminal"), domain.ErrInvalidTransition), queue.TaskFailed, 1},
		{"transient error is retried", domain.Persistence(errors.New("database is locked"), "load"), queue.TaskQueued, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ts, err := queue.OpenTaskStore(ctx, ":memory:")
			require.NoError(t, err)
			defer ts.Close()

			q := queue.NewSQLiteQueue(ts, queue.DefaultName)
			require.NoError(t, q.Push(ctx, domain.WrapperCommand, map[string]string{
				domain.ArgTenant:      "main",
				domain.ArgExecutionID: "exe_1",
			}))
			tasks, err := ts.ListRecentTasks(ctx, 1)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			id := tasks[0].ID

			x := &fakeExecutor{err: tc.err}
			p := NewPool(ts, []string{queue.DefaultName}, Executions(x), 2, 10*time.Millisecond)
			done := make(chan struct{})
			go func() { p.Run(ctx); close(done) }()

			require.Eventually(t, func() bool {
				got, err := ts.Get(ctx, id)
				return err == nil && got.State == tc.state && got.Attempts == tc.attempts
			}, 2*time.Second, 10*time.Millisecond)

			p.Stop()
			<-done

			x.mu.Lock()
			defer x.mu.Unlock()
			require.Len(t, x.calls, 1)
			assert.Equal(t, execCall{"main", "exe_1"}, x.calls[0])
		})
	}
}

func TestPoolIgnoresOtherQueues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts, err := queue.OpenTaskStore(ctx, ":memory:")
	require.NoError(t, err)
	defer ts.Close()

	require.NoError(t, queue.NewSQLiteQueue(ts, "batch").Push(ctx, "shell", nil))

	called := make(chan struct{}, 1)
	p := NewPool(ts, []string{queue.DefaultName}, HandlerFunc(func(context.Context, queue.Message) error {
		called <- struct{}{}
		return nil
	}), 1, 5*time.Millisecond)
	go p.Run(ctx)
	defer p.Stop()

	select {
	case <-called:
		t.Fatal("task from an unserved queue was handled")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExecutionsHandlerNeedsSystemArgs(t *testing.T) {
	h := Executions(&fakeExecutor{})
	err := h.Handle(context.Background(), queue.Message{Command: "shell", Arguments: map[string]string{domain.ArgTenant: "main"}})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
	assert.True(t, permanent(err))
}

func TestBackoffExp(t *testing.T) {
	assert.Equal(t, time.Second, backoffExp(0))
	assert.Equal(t, time.Second, backoffExp(1))
	assert.Equal(t, 4*time.Second, backoffExp(3))
	assert.Equal(t, 60*time.Second, backoffExp(7))
	assert.Equal(t, 60*time.Second, backoffExp(40))
}
