package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"chronoplan/internal/conflict"
	"chronoplan/internal/domain"
	"chronoplan/internal/scheduler"
	"chronoplan/internal/stats"
)

// PoolStats is the subset of the worker pool reported on /metrics.
type PoolStats interface {
	InFlight() int
	Size() int
}

type Deps struct {
	Tasks    *scheduler.Tasks
	Stats    *stats.Aggregator
	Calendar *conflict.Service
	Pool     PoolStats
}

type Server struct {
	r        *chi.Mux
	tasks    *scheduler.Tasks
	stats    *stats.Aggregator
	calendar *conflict.Service
	pool     PoolStats
	validate *validator.Validate
}

func NewServer(d Deps) http.Handler {
	return NewServerWithDebug(d, false)
}

func NewServerWithDebug(d Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog, middleware.Recoverer)

	s := &Server{r: r, tasks: d.Tasks, stats: d.Stats, calendar: d.Calendar, pool: d.Pool, validate: validator.New()}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.registerTask)
		r.Get("/tasks/due", s.listDue)
		r.Post("/tasks/delete", s.deleteBatch)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}/pause", s.pauseTask)
		r.Post("/tasks/{id}/resume", s.resumeTask)
		r.Post("/tasks/{id}/cancel", s.cancelTask)
		r.Post("/tasks/{id}/complete", s.completeTask)
		r.Post("/tasks/{id}/enable", s.enableTask)
		r.Post("/tasks/{id}/disable", s.disableTask)
		r.Delete("/sources/{module}/{entityID}/tasks", s.deleteBySource)

		r.Get("/owners/{owner}/tasks", s.listOwnerTasks)
		r.Get("/owners/{owner}/executions", s.listExecutions)
		r.Get("/owners/{owner}/events", s.listEvents)
		r.Get("/owners/{owner}/statistics", s.getStatistics)
		r.Get("/owners/{owner}/statistics/{module}", s.getModuleStatistics)
		r.Post("/owners/{owner}/statistics/recalculate", s.recalculateStatistics)

		r.Post("/calendar/conflicts", s.detectConflicts)
		r.Post("/calendar/events", s.createEvent)
		r.Get("/calendar/events/{id}", s.getEvent)
		r.Delete("/calendar/events/{id}", s.cancelEvent)
		r.Post("/calendar/events/{id}/resolve", s.resolveConflict)
		r.Get("/calendar/events/{id}/resolutions", s.listResolutions)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("took", time.Since(start)).Str("request_id", middleware.GetReqID(r.Context())).Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "chronoplan_up 1")
	if s.pool != nil {
		fmt.Fprintf(w, "chronoplan_workers %d\n", s.pool.Size())
		fmt.Fprintf(w, "chronoplan_runs_in_flight %d\n", s.pool.InFlight())
	}
	if s.stats != nil {
		fmt.Fprintf(w, "chronoplan_stats_updates_dropped_total %d\n", s.stats.Dropped())
		fmt.Fprintf(w, "chronoplan_stats_drift_total %d\n", s.stats.Drifted())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error     string                          `json:"error"`
	Conflicts *domain.ConflictDetectionResult `json:"conflicts,omitempty"`
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ce *domain.ConflictError
		ve validator.ValidationErrors
	)
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error(), Conflicts: &ce.Result})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, domain.ErrConfirmationRequired):
		writeJSON(w, http.StatusPreconditionRequired, errorResp{Error: err.Error()})
	case errors.Is(err, domain.ErrInvalidStateTransition), errors.Is(err, domain.ErrScheduleExpired):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.As(err, &ve), errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidSchedule), errors.Is(err, domain.ErrInvalidInterval),
		errors.Is(err, domain.ErrUnknownModule), errors.Is(err, domain.ErrPayloadMismatch),
		errors.Is(err, domain.ErrUnknownStrategy):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
	}
}

var errBadRequest = errors.New("bad request")

// decode reads a JSON body into v and validates its struct tags.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return s.validate.Struct(v)
}
