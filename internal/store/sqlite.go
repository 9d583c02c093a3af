package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"cadence/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;
CREATE TABLE IF NOT EXISTS jobs (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  command TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS job_schedules (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  job_id TEXT NOT NULL REFERENCES jobs(id),
  frequency INTEGER NOT NULL CHECK(frequency > 0),
  start_time TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  queue TEXT NOT NULL DEFAULT '',
  arguments TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_schedules_job ON job_schedules(job_id);
CREATE TABLE IF NOT EXISTS job_schedule_executions (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  schedule_id TEXT NOT NULL REFERENCES job_schedules(id),
  execution_number INTEGER NOT NULL,
  scheduled_at TEXT NOT NULL,
  state INTEGER NOT NULL DEFAULT 0 CHECK(state BETWEEN 0 AND 4),
  started_at TEXT NOT NULL,
  finished_at TEXT,
  message TEXT NOT NULL DEFAULT '',
  command TEXT NOT NULL,
  kind TEXT NOT NULL,
  arguments TEXT NOT NULL DEFAULT '{}',
  UNIQUE(schedule_id, execution_number)
);
CREATE INDEX IF NOT EXISTS idx_executions_schedule ON job_schedule_executions(schedule_id, seq);
`
	_, err := db.ExecContext(ctx, schema)
	return errors.Wrap(err, "ensure schema")
}

// SQLiteStore is a Store on one SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the clock used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// SQLite allows one writer; a single connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, opts...), nil
}

// New wraps an already prepared database.
func New(db *sql.DB, opts ...Option) *SQLiteStore {
	s := &SQLiteStore{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const scheduleColumns = `s.seq, s.id, s.frequency, s.start_time, s.enabled, s.queue, s.arguments, s.created_at, s.updated_at,
  j.id, j.command, j.name, j.enabled, j.created_at, j.updated_at`

const scheduleFrom = `FROM job_schedules s JOIN jobs j ON j.id = s.job_id`

func (s *SQLiteStore) FindSchedules(ctx context.Context, f ScheduleFilter) (SchedulePage, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "s.seq > ?")
	args = append(args, f.After)
	if f.Enabled != nil {
		if *f.Enabled {
			where = append(where, "j.enabled = 1 AND s.enabled = 1")
		} else {
			where = append(where, "(j.enabled = 0 OR s.enabled = 0)")
		}
	}
	if f.JobID != "" {
		where = append(where, "s.job_id = ?")
		args = append(args, f.JobID)
	}
	q := "SELECT " + scheduleColumns + " " + scheduleFrom + " WHERE " + strings.Join(where, " AND ") + " ORDER BY s.seq"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return SchedulePage{}, domain.Persistence(err, "find schedules")
	}
	defer rows.Close()

	var (
		page SchedulePage
		last int64
	)
	for rows.Next() {
		sc, seq, err := scanSchedule(rows)
		if err != nil {
			return SchedulePage{}, domain.Persistence(err, "scan schedule")
		}
		page.Items = append(page.Items, sc)
		last = seq
	}
	if err := rows.Err(); err != nil {
		return SchedulePage{}, domain.Persistence(err, "find schedules")
	}
	if f.Limit > 0 && len(page.Items) == f.Limit {
		page.Next = last
	}
	return page, nil
}

func (s *SQLiteStore) FindJobByCommand(ctx context.Context, ref string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, command, name, enabled, created_at, updated_at FROM jobs WHERE command = ?`, ref)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("job with command %q not found", ref)
	}
	return j, domain.Persistence(err, "find job by command")
}

func (s *SQLiteStore) LoadJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, command, name, enabled, created_at, updated_at FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("job not found: %s", id)
	}
	return j, domain.Persistence(err, "load job")
}

func (s *SQLiteStore) SaveJob(ctx context.Context, j *domain.Job) error {
	now := s.now().UTC()
	if j.ID == "" {
		j.ID = "job_" + uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, command, name, enabled, created_at, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		j.ID, j.Command, j.Name, j.Enabled, formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	return domain.Persistence(err, "save job")
}

func (s *SQLiteStore) LoadSchedule(ctx context.Context, id string) (*domain.JobSchedule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+scheduleColumns+" "+scheduleFrom+" WHERE s.id = ?", id)
	sc, _, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("schedule not found: %s", id)
	}
	return sc, domain.Persistence(err, "load schedule")
}

func (s *SQLiteStore) SaveSchedule(ctx context.Context, sc *domain.JobSchedule) error {
	if sc.Job == nil || sc.Job.ID == "" {
		return domain.InvalidArgumentf("schedule has no persisted job")
	}
	if sc.FrequencyMinutes <= 0 {
		return domain.InvalidArgumentf("frequency must be positive, got %d", sc.FrequencyMinutes)
	}
	args, err := encodeArgs(sc.Arguments)
	if err != nil {
		return domain.Persistence(err, "encode schedule arguments")
	}
	now := s.now().UTC()
	if sc.ID == "" {
		sc.ID = "sch_" + uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
INSERT INTO job_schedules (id, job_id, frequency, start_time, enabled, queue, arguments, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  frequency=excluded.frequency, start_time=excluded.start_time, enabled=excluded.enabled,
  queue=excluded.queue, arguments=excluded.arguments, updated_at=excluded.updated_at`,
		sc.ID, sc.Job.ID, sc.FrequencyMinutes, sc.StartTime.String(), sc.Enabled, sc.Queue, args,
		formatTime(sc.CreatedAt), formatTime(sc.UpdatedAt))
	return domain.Persistence(err, "save schedule")
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, e *domain.JobScheduleExecution) error {
	if e.Schedule == nil || e.Schedule.ID == "" {
		return domain.InvalidArgumentf("execution has no persisted schedule")
	}
	args, err := encodeArgs(e.Arguments)
	if err != nil {
		return domain.Persistence(err, "encode execution arguments")
	}

	if e.ID == "" {
		id := "exe_" + uuid.NewString()
		_, err = s.db.ExecContext(ctx, `
INSERT INTO job_schedule_executions
  (id, schedule_id, execution_number, scheduled_at, state, started_at, finished_at, message, command, kind, arguments)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			id, e.Schedule.ID, e.Number, formatTime(e.ScheduledAt), int(e.State), formatTime(e.StartedAt),
			nullTime(e.FinishedAt), e.Message, e.Command, string(e.Kind), args)
		if err != nil {
			return domain.Persistence(err, "insert execution")
		}
		e.ID = id
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE job_schedule_executions SET command=?, kind=?, arguments=?, scheduled_at=? WHERE id=?`,
		e.Command, string(e.Kind), args, formatTime(e.ScheduledAt), e.ID)
	if err != nil {
		return domain.Persistence(err, "update execution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("execution not found: %s", e.ID)
	}
	return nil
}

func (s *SQLiteStore) TransitionExecution(ctx context.Context, id string, state domain.ExecutionState, message string, finishedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE job_schedule_executions SET state=?, message=?, finished_at=?
WHERE id=? AND state < ? AND state <= ?`,
		int(state), message, nullTime(finishedAt), id, int(domain.StateSuccess), int(state))
	if err != nil {
		return domain.Persistence(err, "transition execution")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current int
	err = s.db.QueryRowContext(ctx, `SELECT state FROM job_schedule_executions WHERE id=?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundf("execution not found: %s", id)
	}
	if err != nil {
		return domain.Persistence(err, "transition execution")
	}
	return errors.Mark(
		errors.Newf("execution %s: cannot move from %s to %s", id, domain.ExecutionState(current), state),
		domain.ErrInvalidTransition)
}

const executionColumns = `id, schedule_id, execution_number, scheduled_at, state, started_at, finished_at, message, command, kind, arguments`

func (s *SQLiteStore) LoadExecution(ctx context.Context, id string) (*domain.JobScheduleExecution, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM job_schedule_executions WHERE id=?", id)
	e, scheduleID, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("execution not found: %s", id)
	}
	if err != nil {
		return nil, domain.Persistence(err, "load execution")
	}
	if e.Schedule, err = s.LoadSchedule(ctx, scheduleID); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) CountExecutions(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_schedule_executions WHERE schedule_id=?`, scheduleID).Scan(&n)
	return n, domain.Persistence(err, "count executions")
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*domain.JobScheduleExecution, error) {
	sc, err := s.LoadSchedule(ctx, f.ScheduleID)
	if err != nil {
		return nil, err
	}

	q := "SELECT " + executionColumns + " FROM job_schedule_executions WHERE schedule_id=?"
	args := []any{f.ScheduleID}
	if f.State != nil {
		q += " AND state=?"
		args = append(args, int(*f.State))
	}
	q += " ORDER BY seq DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.Persistence(err, "list executions")
	}
	defer rows.Close()

	var out []*domain.JobScheduleExecution
	for rows.Next() {
		e, _, err := scanExecution(rows)
		if err != nil {
			return nil, domain.Persistence(err, "scan execution")
		}
		e.Schedule = sc
		out = append(out, e)
	}
	return out, domain.Persistence(rows.Err(), "list executions")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(r scanner) (*domain.Job, error) {
	var (
		j                domain.Job
		created, updated string
	)
	if err := r.Scan(&j.ID, &j.Command, &j.Name, &j.Enabled, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanSchedule(r scanner) (*domain.JobSchedule, int64, error) {
	var (
		seq                      int64
		sc                       domain.JobSchedule
		j                        domain.Job
		start, args              string
		created, updated, jc, ju string
	)
	err := r.Scan(&seq, &sc.ID, &sc.FrequencyMinutes, &start, &sc.Enabled, &sc.Queue, &args, &created, &updated,
		&j.ID, &j.Command, &j.Name, &j.Enabled, &jc, &ju)
	if err != nil {
		return nil, 0, err
	}
	if sc.StartTime, err = domain.ParseTimeOfDay(start); err != nil {
		return nil, 0, err
	}
	if sc.Arguments, err = decodeArgs(args); err != nil {
		return nil, 0, err
	}
	for _, p := range []struct {
		dst *time.Time
		src string
	}{{&sc.CreatedAt, created}, {&sc.UpdatedAt, updated}, {&j.CreatedAt, jc}, {&j.UpdatedAt, ju}} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return nil, 0, err
		}
	}
	sc.Job = &j
	return &sc, seq, nil
}

func scanExecution(r scanner) (*domain.JobScheduleExecution, string, error) {
	var (
		e                        domain.JobScheduleExecution
		scheduleID               string
		state                    int
		scheduled, started, args string
		kind                     string
		finished                 sql.NullString
	)
	err := r.Scan(&e.ID, &scheduleID, &e.Number, &scheduled, &state, &started, &finished, &e.Message, &e.Command, &kind, &args)
	if err != nil {
		return nil, "", err
	}
	e.State = domain.ExecutionState(state)
	e.Kind = domain.DispatchKind(kind)
	if e.ScheduledAt, err = parseTime(scheduled); err != nil {
		return nil, "", err
	}
	if e.StartedAt, err = parseTime(started); err != nil {
		return nil, "", err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, "", err
		}
		e.FinishedAt = &t
	}
	if e.Arguments, err = decodeArgs(args); err != nil {
		return nil, "", err
	}
	return &e, scheduleID, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, errors.Wrapf(err, "parse time %q", s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func encodeArgs(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeArgs(s string) (map[string]string, error) {
	m := map[string]string{}
	if s == "" {
		return m, nil
	}
	return m, errors.Wrap(json.Unmarshal([]byte(s), &m), "decode arguments")
}
