// Package server exposes the scheduler's status and controls over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/jobconfig"
	"github.com/sells-group/hallsync/internal/metrics"
	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/scheduler"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Scheduler is the part of the job scheduler the API drives.
type Scheduler interface {
	State() scheduler.State
	CurrentJobID() string
	Jobs() []model.JobDefinition
	NextRuns(now time.Time) map[string]time.Time
	History(ctx context.Context, limit int) ([]model.HistoryEntry, error)
	LockStatus(ctx context.Context) (*model.LockInfo, error)
	RunAsync(ctx context.Context, jobID string) error
	StopCurrent() bool
	Reload(ctx context.Context) error
}

// Config tunes the HTTP server.
type Config struct {
	Port        int
	CORSOrigins []string
}

// Server serves the status API.
type Server struct {
	sched  Scheduler
	cfg    Config
	router chi.Router
	now    func() time.Time
	log    *zap.Logger
}

// New builds the router.
func New(sched Scheduler, cfg Config) *Server {
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{
		sched: sched,
		cfg:   cfg,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "server")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Get("/jobs", s.listJobs)
	r.Post("/jobs/stop", s.stopJob)
	r.Post("/jobs/reload", s.reload)
	r.Post("/jobs/{id}/run", s.runJob)
	r.Get("/history", s.history)
	r.Handle("/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		s.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server shutdown", zap.Error(err))
		}
	}()

	s.log.Info("starting server", zap.Int("port", s.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	<-done
	return nil
}

type statusResponse struct {
	Lock         *model.LockInfo `json:"lock"`
	CurrentJobID string          `json:"current_job_id,omitempty"`
	Progress     scheduler.State `json:"progress"`
}

type jobResponse struct {
	model.JobDefinition
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	info, err := s.sched.LockStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read lock", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Lock:         info,
		CurrentJobID: s.sched.CurrentJobID(),
		Progress:     s.sched.State(),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	next := s.sched.NextRuns(s.now())
	jobs := s.sched.Jobs()
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		jr := jobResponse{JobDefinition: j}
		if t, ok := next[j.ID]; ok {
			jr.NextRun = &t
		}
		out = append(out, jr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	entries, err := s.sched.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read history", err)
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.sched.RunAsync(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": id})
	case errors.Is(err, jobconfig.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found", nil)
	case errors.Is(err, scheduler.ErrBusy):
		s.writeError(w, http.StatusConflict, "a job is already running", nil)
	default:
		s.writeError(w, http.StatusInternalServerError, "failed to start job", err)
	}
}

func (s *Server) stopJob(w http.ResponseWriter, _ *http.Request) {
	stopped := s.sched.StopCurrent()
	s.log.Info("stop requested", zap.Bool("stopped", stopped))
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Reload(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to reload jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"jobs": len(s.sched.Jobs())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs the internal error and returns a sanitized JSON error.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil {
		s.log.Error(msg, zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
