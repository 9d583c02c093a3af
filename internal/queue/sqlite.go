package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"cadence/internal/domain"
)

var ErrEmpty = errors.New("no tasks ready")

// Task states.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// EnsureSchema creates tables if they don't exist. Times are unix milliseconds.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  queue TEXT NOT NULL,
  command TEXT NOT NULL,
  payload BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_run_at INTEGER NOT NULL,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(queue, state, next_run_at);
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  finished_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
`
	_, err := db.ExecContext(ctx, schema)
	return errors.Wrap(err, "ensure task schema")
}

// TaskStore is the local task table shared by every sqlite-backed queue on
// one database file. Workers lease from it.
type TaskStore struct {
	db  *sql.DB
	now func() time.Time
}

type Lease struct{ Until time.Time }

func OpenTaskStore(ctx context.Context, path string) (*TaskStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewTaskStore(db, time.Now), nil
}

func NewTaskStore(db *sql.DB, now func() time.Time) *TaskStore {
	return &TaskStore{db: db, now: now}
}

func (r *TaskStore) Close() error { return r.db.Close() }

func (r *TaskStore) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Queue == "" {
		t.Queue = DefaultName
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = 60
	}
	now := r.now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,queue,command,payload,state,attempts,max_attempts,next_run_at,visibility_timeout,created_at,updated_at)
VALUES (?,?,?,?,'queued',0,?,?,?,?,?)
`, id, t.Queue, t.Command, t.Payload, t.MaxAttempts, now, t.VisibilityTimeout, now, now)
	if err != nil {
		return "", errors.Wrap(err, "enqueue task")
	}
	return id, nil
}

const taskColumns = `id,queue,command,payload,attempts,max_attempts,state,next_run_at,visibility_timeout,created_at,updated_at`

// LeaseNext claims the oldest ready task of any of queues. It returns ErrEmpty
// when nothing is ready.
func (r *TaskStore) LeaseNext(ctx context.Context, queues []string, now time.Time) (domain.Task, Lease, error) {
	if len(queues) == 0 {
		return domain.Task{}, Lease{}, ErrEmpty
	}
	args := []any{now.UnixMilli(), now.UnixMilli()}
	for _, q := range queues {
		args = append(args, q)
	}
	row := r.db.QueryRowContext(ctx, `
UPDATE tasks SET state='running', updated_at=?
WHERE id = (
  SELECT id FROM tasks
  WHERE state='queued' AND next_run_at <= ? AND queue IN (`+placeholders(len(queues))+`)
  ORDER BY next_run_at ASC, created_at ASC
  LIMIT 1
)
RETURNING `+taskColumns, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return domain.Task{}, Lease{}, errors.Wrap(err, "lease task")
	}
	return t, Lease{Until: now.Add(time.Duration(t.VisibilityTimeout) * time.Second)}, nil
}

// Retry records a failed attempt and requeues the task after delay, or fails
// it once max_attempts is reached.
func (r *TaskStore) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	now := r.now()
	return r.finish(ctx, id, false, errStr, `
UPDATE tasks
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?,
    updated_at = ?
WHERE id = ?`, now.Add(delay).UnixMilli(), now.UnixMilli(), id)
}

func (r *TaskStore) Succeed(ctx context.Context, id string) error {
	return r.finish(ctx, id, true, "", `
UPDATE tasks SET attempts = attempts + 1, state='succeeded', updated_at=? WHERE id=?`, r.now().UnixMilli(), id)
}

// Fail moves the task to failed without further attempts.
func (r *TaskStore) Fail(ctx context.Context, id, errStr string) error {
	return r.finish(ctx, id, false, errStr, `
UPDATE tasks SET attempts = attempts + 1, state='failed', updated_at=? WHERE id=?`, r.now().UnixMilli(), id)
}

func (r *TaskStore) finish(ctx context.Context, id string, success bool, errStr, update string, args ...any) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,?,?,?)`,
		id, success, errStr, r.now().UnixMilli()); err != nil {
		return errors.Wrapf(err, "record attempt for %s", id)
	}
	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return errors.Wrapf(err, "update task %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = domain.NotFoundf("task not found: %s", id)
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// RecoverStale requeues running tasks whose visibility timeout has passed.
func (r *TaskStore) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='queued', next_run_at=?, updated_at=?
WHERE state='running' AND updated_at + visibility_timeout * 1000 < ?`,
		now.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "recover stale tasks")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *TaskStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NotFoundf("task not found: %s", id)
	}
	return t, errors.Wrap(err, "get task")
}

func (r *TaskStore) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		tasks = append(tasks, t)
	}
	return tasks, errors.Wrap(rows.Err(), "list tasks")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(r scanner) (domain.Task, error) {
	var (
		t                      domain.Task
		next, created, updated int64
	)
	if err := r.Scan(&t.ID, &t.Queue, &t.Command, &t.Payload, &t.Attempts, &t.MaxAttempts, &t.State,
		&next, &t.VisibilityTimeout, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.NextRunAt = time.UnixMilli(next).UTC()
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// SQLiteQueue is a named queue stored in a TaskStore.
type SQLiteQueue struct {
	tasks       *TaskStore
	name        string
	maxAttempts int
	visibility  time.Duration
}

// SQLiteOption configures a SQLiteQueue.
type SQLiteOption func(*SQLiteQueue)

func WithMaxAttempts(n int) SQLiteOption { return func(q *SQLiteQueue) { q.maxAttempts = n } }

// WithVisibility sets how long a leased task may run before it is recovered.
func WithVisibility(d time.Duration) SQLiteOption { return func(q *SQLiteQueue) { q.visibility = d } }

func NewSQLiteQueue(tasks *TaskStore, name string, opts ...SQLiteOption) *SQLiteQueue {
	q := &SQLiteQueue{tasks: tasks, name: name, maxAttempts: 5, visibility: time.Minute}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *SQLiteQueue) Name() string      { return q.name }
func (q *SQLiteQueue) Tasks() *TaskStore { return q.tasks }

func (q *SQLiteQueue) Push(ctx context.Context, command string, args map[string]string) error {
	body, err := encode(command, args, q.tasks.now())
	if err != nil {
		return domain.QueueFailure(err, q.name)
	}
	_, err = q.tasks.Enqueue(ctx, domain.Task{
		Queue:             q.name,
		Command:           command,
		Payload:           body,
		MaxAttempts:       q.maxAttempts,
		VisibilityTimeout: int(q.visibility / time.Second),
	})
	return domain.QueueFailure(err, q.name)
}

// Close is a no-op; the TaskStore is shared and closed by its owner.
func (q *SQLiteQueue) Close() error { return nil }
