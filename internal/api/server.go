// Package api is the operator HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"cadence/internal/domain"
	"cadence/internal/queue"
	"cadence/internal/runner"
	"cadence/internal/schedule"
	"cadence/internal/tenant"
)

// PassRunner runs one scheduling pass.
type PassRunner interface {
	RunSchedule(ctx context.Context, tenant string) (runner.Summary, error)
}

type Server struct {
	r       *chi.Mux
	tenants *tenant.Registry
	runner  PassRunner
	tasks   *queue.TaskStore
}

// Option configures optional parts of the server.
type Option func(*Server)

// WithTasks exposes the local task table under /api/tasks.
func WithTasks(ts *queue.TaskStore) Option { return func(s *Server) { s.tasks = ts } }

// WithDebug mounts the pprof handlers under /debug/pprof.
func WithDebug() Option {
	return func(s *Server) {
		s.r.HandleFunc("/debug/pprof/", pprof.Index)
		s.r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		s.r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}
}

func NewServer(tenants *tenant.Registry, pr PassRunner, opts ...Option) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, tenants: tenants, runner: pr}
	for _, o := range opts {
		o(s)
	}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/run", s.run)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)

	r.Get("/api/tenants", s.listTenants)
	r.Route("/api/tenants/{tenant}", func(r chi.Router) {
		r.Get("/schedules", s.listSchedules)
		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Post("/schedules/{id}/enable", s.toggleSchedule(true))
		r.Post("/schedules/{id}/disable", s.toggleSchedule(false))
		r.Get("/schedules/{id}/executions", s.listExecutions)
		r.Post("/jobs/{id}/enable", s.toggleJob(true))
		r.Post("/jobs/{id}/disable", s.toggleJob(false))
		r.Get("/executions/{id}", s.getExecution)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("cadence_up 1\ncadence_tenants " + strconv.Itoa(len(s.tenants.Names())) + "\n"))
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*schedule.Service, bool) {
	e, err := s.tenants.Get(chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return e, true
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tenants": s.tenants.Names()})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "runner not configured", http.StatusServiceUnavailable)
		return
	}
	sum, err := s.runner.RunSchedule(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		var pe *runner.PassError
		if errors.As(err, &pe) {
			// partial pass: per-tenant errors are in the summary
			writeJSON(w, http.StatusMultiStatus, sum)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type jobView struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type scheduleView struct {
	ID               string            `json:"id"`
	Job              jobView           `json:"job"`
	FrequencyMinutes int               `json:"frequency_minutes"`
	StartTime        string            `json:"start_time"`
	Enabled          bool              `json:"enabled"`
	Active           bool              `json:"active"`
	Queue            string            `json:"queue,omitempty"`
	Arguments        map[string]string `json:"arguments"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	NextRunAt        *time.Time        `json:"next_run_at,omitempty"`
}

func viewJob(j *domain.Job) jobView {
	return jobView{ID: j.ID, Command: j.Command, Name: j.Name, Enabled: j.Enabled}
}

func viewSchedule(sc *domain.JobSchedule) scheduleView {
	return scheduleView{
		ID:               sc.ID,
		Job:              viewJob(sc.Job),
		FrequencyMinutes: sc.FrequencyMinutes,
		StartTime:        sc.StartTime.String(),
		Enabled:          sc.Enabled,
		Active:           sc.Active(),
		Queue:            sc.Queue,
		Arguments:        sc.Arguments,
		CreatedAt:        sc.CreatedAt,
		UpdatedAt:        sc.UpdatedAt,
	}
}

type executionView struct {
	ID          string            `json:"id"`
	ScheduleID  string            `json:"schedule_id"`
	Number      int               `json:"number"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	State       string            `json:"state"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at"`
	Message     string            `json:"message"`
	Command     string            `json:"command"`
	Kind        string            `json:"kind"`
	Arguments   map[string]string `json:"arguments"`
}

func viewExecution(e *domain.JobScheduleExecution) executionView {
	return executionView{
		ID:          e.ID,
		ScheduleID:  e.Schedule.ID,
		Number:      e.Number,
		ScheduledAt: e.ScheduledAt,
		State:       e.State.String(),
		StartedAt:   e.StartedAt,
		FinishedAt:  e.FinishedAt,
		Message:     e.Message,
		Command:     e.Command,
		Kind:        string(e.Kind),
		Arguments:   e.Arguments,
	}
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var enabled *bool
	if v := r.URL.Query().Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "enabled must be true or false", http.StatusBadRequest)
			return
		}
		enabled = &b
	}
	list, err := engine.ListSchedules(r.Context(), enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]scheduleView, 0, len(list))
	for _, sc := range list {
		out = append(out, viewSchedule(sc))
	}
	writeJSON(w, http.StatusOK, out)
}

type createScheduleReq struct {
	Command          string            `json:"command"`
	Arguments        map[string]string `json:"arguments"`
	Start            string            `json:"start"`
	FrequencyMinutes int               `json:"frequency_minutes"`
	Queue            string            `json:"queue"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}
	opts := schedule.ScheduleOptions{FrequencyMinutes: req.FrequencyMinutes, Queue: req.Queue}
	if req.Start != "" {
		tod, err := domain.ParseTimeOfDay(req.Start)
		if err != nil {
			writeError(w, err)
			return
		}
		opts.Start = &tod
	}
	sc, err := engine.ScheduleTask(r.Context(), req.Command, req.Arguments, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSchedule(sc))
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	sc, err := engine.RequireSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	next, err := engine.NextRunAt(r.Context(), sc)
	if err != nil {
		writeError(w, err)
		return
	}
	v := viewSchedule(sc)
	v.NextRunAt = &next
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) toggleSchedule(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := s.engine(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		var (
			sc  *domain.JobSchedule
			err error
		)
		if on {
			sc, err = engine.EnableSchedule(r.Context(), id)
		} else {
			sc, err = engine.DisableSchedule(r.Context(), id)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewSchedule(sc))
	}
}

func (s *Server) toggleJob(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := s.engine(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		var (
			j   *domain.Job
			err error
		)
		if on {
			j, err = engine.EnableJob(r.Context(), id)
		} else {
			j, err = engine.DisableJob(r.Context(), id)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewJob(j))
	}
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	var state *domain.ExecutionState
	if v := q.Get("state"); v != "" {
		st, err := domain.ParseExecutionState(v)
		if err != nil {
			writeError(w, err)
			return
		}
		state = &st
	}
	list, err := engine.LastExecutions(r.Context(), chi.URLParam(r, "id"), state, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]executionView, 0, len(list))
	for _, e := range list {
		out = append(out, viewExecution(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	e, err := engine.RequireExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewExecution(e))
}

type taskView struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Command     string    `json:"command"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewTask(t domain.Task) taskView {
	return taskView{
		ID: t.ID, Queue: t.Queue, Command: t.Command, State: t.State,
		Attempts: t.Attempts, MaxAttempts: t.MaxAttempts,
		NextRunAt: t.NextRunAt, CreatedAt: t.CreatedAt,
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "no local queue", http.StatusNotFound)
		return
	}
	tasks, err := s.tasks.ListRecentTasks(r.Context(), 50)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewTask(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "no local queue", http.StatusNotFound)
		return
	}
	t, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(t))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
