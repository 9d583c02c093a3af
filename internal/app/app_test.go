package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/queue"
	"cadence/internal/schedule"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Timezone: "UTC",
		Tenants: []config.TenantConfig{
			{Name: "main", Path: filepath.Join(dir, "main.db")},
			{Name: "acme", Path: filepath.Join(dir, "acme.db")},
		},
		Queues: map[string]config.QueueConfig{
			queue.DefaultName: {Driver: queue.DriverSQLite, Path: filepath.Join(dir, "queue.db")},
			"batch":           {Driver: queue.DriverSQLite, Path: filepath.Join(dir, "queue.db")},
		},
		Runner: config.RunnerConfig{Trigger: "* * * * *", PageSize: 10, ForcedCommands: []string{"shell"}},
		Worker: config.WorkerConfig{
			Enabled:     true,
			Concurrency: 2,
			Poll:        10 * time.Millisecond,
			Queues:      []string{queue.DefaultName, "batch"},
			MaxAttempts: 3,
			Timeout:     time.Minute,
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuild(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"main", "acme"}, a.Tenants.Names())
	assert.Equal(t, []string{"batch", queue.DefaultName}, a.Queues.Names())
	assert.Len(t, a.Pools, 1, "queues sharing a database share a pool")
	assert.NotNil(t, a.LocalTasks())
	assert.NotNil(t, a.Handler)
	assert.NotNil(t, a.Scheduler)
}

func TestBuildFailsOnBadTenantPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tenants[1].Path = filepath.Join(t.TempDir(), "missing", "dir", "acme.db")
	_, err := Build(context.Background(), cfg)
	assert.Error(t, err)
}

func TestPassRunsThroughWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	engine, err := a.Tenants.Get("main")
	require.NoError(t, err)
	sc, err := engine.ScheduleTask(ctx, "shell", map[string]string{"command": "true"}, schedule.ScheduleOptions{})
	require.NoError(t, err)

	sum, err := a.Runner.RunSchedule(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, 1, sum.Dispatched())

	go a.Pools[0].Run(ctx)
	defer a.Pools[0].Stop()

	require.Eventually(t, func() bool {
		e, err := engine.LastExecution(ctx, sc.ID, nil)
		return err == nil && e.State == domain.StateSuccess
	}, 5*time.Second, 20*time.Millisecond)

	e, err := engine.LastExecution(ctx, sc.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchDirect, e.Kind)
	assert.NotNil(t, e.FinishedAt)
}
