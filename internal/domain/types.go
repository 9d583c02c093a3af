package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job is a registered unit of executable logic, addressed by its command reference.
type Job struct {
	ID        string
	Command   string
	Name      string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j *Job) Enable()  { j.Enabled = true }
func (j *Job) Disable() { j.Enabled = false }

// TimeOfDay is a wall-clock time with minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, InvalidArgumentf("time of day %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, InvalidArgumentf("time of day %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, InvalidArgumentf("time of day %q: bad minute", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// TimeOfDayOf returns the wall-clock time of t.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// JobSchedule binds a Job to a frequency and a daily start time.
type JobSchedule struct {
	ID               string
	Job              *Job
	FrequencyMinutes int
	StartTime        TimeOfDay
	Enabled          bool
	Queue            string
	Arguments        map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (s *JobSchedule) Enable()  { s.Enabled = true }
func (s *JobSchedule) Disable() { s.Enabled = false }

// Active reports whether both the schedule and its job are enabled.
func (s *JobSchedule) Active() bool {
	return s.Enabled && s.Job != nil && s.Job.Enabled
}

// FirstRunAt is the creation day combined with the start time, in loc.
func (s *JobSchedule) FirstRunAt(loc *time.Location) time.Time {
	c := s.CreatedAt.In(loc)
	return time.Date(c.Year(), c.Month(), c.Day(), s.StartTime.Hour, s.StartTime.Minute, 0, 0, loc)
}

// RunAt returns the instant of the n-th firing (0-based), anchored to the first run.
func (s *JobSchedule) RunAt(loc *time.Location, n int) time.Time {
	return s.FirstRunAt(loc).Add(time.Duration(n) * time.Duration(s.FrequencyMinutes) * time.Minute)
}

// ExecutionState is ordered: transitions only move forward.
type ExecutionState int

const (
	StateNotStarted ExecutionState = iota
	StateQueued
	StateRunning
	StateSuccess
	StateFailure
)

var stateNames = [...]string{"not_started", "queued", "running", "success", "failure"}

func (s ExecutionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// ParseExecutionState accepts the names produced by String.
func ParseExecutionState(s string) (ExecutionState, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return ExecutionState(i), nil
		}
	}
	return 0, InvalidArgumentf("unknown execution state %q", s)
}

func (s ExecutionState) Terminal() bool { return s == StateSuccess || s == StateFailure }

// CanTransition reports whether an execution in s may move to next.
// Transient states may be re-entered; terminal states are final.
func (s ExecutionState) CanTransition(next ExecutionState) bool {
	return !s.Terminal() && next >= s && next <= StateFailure
}

// Default result messages per state. Failures carry the error text instead.
const (
	MessageNotStarted = "Execution not started"
	MessageQueued     = "Execution is in the queue"
	MessageRunning    = "Running..."
	MessageSuccess    = "Success"
)

// DispatchKind tags how an execution is handed to a worker.
type DispatchKind string

const (
	// DispatchDirect runs the job's own command with the merged arguments.
	DispatchDirect DispatchKind = "direct"
	// DispatchWrapped runs the wrapper, which resolves the job command at execution time.
	DispatchWrapped DispatchKind = "wrapped"
)

// WrapperCommand is the command reference pushed for wrapped dispatches.
const WrapperCommand = "cadence:wrapper"

// System argument keys. They always override schedule arguments.
const (
	ArgTenant      = "tenant"
	ArgExecutionID = "execution-id"
)

// Dispatch is the resolved command and target arguments of an execution.
type Dispatch struct {
	Kind      DispatchKind
	Command   string
	Arguments map[string]string
}

// JobScheduleExecution is one concrete attempt to run a JobSchedule.
type JobScheduleExecution struct {
	ID          string
	Schedule    *JobSchedule
	Number      int
	ScheduledAt time.Time
	State       ExecutionState
	StartedAt   time.Time
	FinishedAt  *time.Time
	Message     string
	Command     string
	Kind        DispatchKind
	Arguments   map[string]string
}

// NewExecution builds the n-th execution record for s, not yet persisted.
func NewExecution(s *JobSchedule, n int, scheduledAt, now time.Time, d Dispatch) *JobScheduleExecution {
	return &JobScheduleExecution{
		Schedule:    s,
		Number:      n,
		ScheduledAt: scheduledAt,
		State:       StateNotStarted,
		StartedAt:   now,
		Message:     MessageNotStarted,
		Command:     d.Command,
		Kind:        d.Kind,
		Arguments:   CopyArgs(d.Arguments),
	}
}

func (e *JobScheduleExecution) Successful() bool { return e.State == StateSuccess }

// MergeArgs overlays system on top of target; system keys always win.
func MergeArgs(target, system map[string]string) map[string]string {
	out := make(map[string]string, len(target)+len(system))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range system {
		out[k] = v
	}
	return out
}

// CopyArgs returns a non-nil copy of m.
func CopyArgs(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Task is a unit of work in the local queue.
type Task struct {
	ID                string
	Queue             string
	Command           string
	Payload           []byte
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
