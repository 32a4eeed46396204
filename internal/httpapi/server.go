// Package httpapi is the local control surface: goals, jobs, and accounts
// over a plain JSON HTTP API. It triggers work (plan, run-now) but owns no
// business logic of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"xhsagent/internal/config"
	"xhsagent/internal/store"
	logx "xhsagent/pkg/logx"
)

// Scheduler is the timer surface the API needs.
type Scheduler interface {
	Schedule(jobID int64, runAt time.Time)
	Cancel(jobID int64)
}

// Executor runs one job immediately.
type Executor interface {
	Execute(ctx context.Context, jobID int64) error
}

// Planner builds the weekly queue for one goal.
type Planner interface {
	PlanGoal(ctx context.Context, goalID int64) error
}

// AccountPreviewer resolves a raw cookie to the account behind it.
type AccountPreviewer interface {
	SelfInfo(ctx context.Context) (map[string]any, error)
}

// PreviewFactory builds a previewer bound to one cookie.
type PreviewFactory func(cookie string) AccountPreviewer

type Server struct {
	st      store.Store
	sched   Scheduler
	exec    Executor
	planner Planner
	preview PreviewFactory
	loc     *time.Location

	srv *http.Server
	log logx.Logger
}

func New(cfg config.APIConfig, st store.Store, sched Scheduler, exec Executor, planner Planner, preview PreviewFactory, loc *time.Location, log logx.Logger) *Server {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8520"
	}
	s := &Server{
		st:      st,
		sched:   sched,
		exec:    exec,
		planner: planner,
		preview: preview,
		loc:     loc,
		log:     log,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/goals", s.listGoals)
	mux.HandleFunc("POST /api/goals", s.createGoal)
	mux.HandleFunc("DELETE /api/goals/{id}", s.deleteGoal)
	mux.HandleFunc("PATCH /api/goals/{id}/toggle", s.toggleGoal)
	mux.HandleFunc("POST /api/goals/{id}/plan", s.planGoal)
	mux.HandleFunc("GET /api/goals/{id}/jobs", s.listGoalJobs)

	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("POST /api/jobs/{id}/run", s.runJobNow)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.deleteJob)

	mux.HandleFunc("GET /api/accounts", s.listAccounts)
	mux.HandleFunc("POST /api/accounts", s.createAccount)
	mux.HandleFunc("DELETE /api/accounts/{id}", s.deleteAccount)
	mux.HandleFunc("POST /api/accounts/preview", s.previewAccount)

	mux.HandleFunc("GET /api/image-groups", s.listImageGroups)
	mux.HandleFunc("POST /api/image-groups", s.createImageGroup)
	mux.HandleFunc("GET /api/image-groups/{id}", s.getImageGroup)
	mux.HandleFunc("DELETE /api/image-groups/{id}", s.deleteImageGroup)

	mux.HandleFunc("GET /api/settings/{key}", s.getSetting)
	mux.HandleFunc("PUT /api/settings/{key}", s.putSetting)

	return mux
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.srv.Addr, err)
	}
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server exited", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("api shutdown", logx.Err(err))
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ---- helpers ----

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeErr(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, apiError{Error: fmt.Sprintf(format, args...)})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}
