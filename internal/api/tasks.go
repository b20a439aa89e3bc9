package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"

	"chronoplan/internal/domain"
)

type retryReq struct {
	MaxRetries        *int     `json:"max_retries" validate:"omitempty,gte=0"`
	InitialDelay      string   `json:"initial_delay"`
	MaxDelay          string   `json:"max_delay"`
	BackoffMultiplier float64  `json:"backoff_multiplier" validate:"omitempty,gte=1"`
	RetryOn           []string `json:"retry_on" validate:"omitempty,dive,oneof=FAILURE TIMEOUT"`
}

type registerTaskReq struct {
	OwnerID        string         `json:"owner_id" validate:"required"`
	Name           string         `json:"name" validate:"required,max=200"`
	Description    string         `json:"description"`
	SourceModule   string         `json:"source_module" validate:"required"`
	SourceEntityID string         `json:"source_entity_id" validate:"required"`
	CronExpr       string         `json:"cron_expr"`
	Timezone       string         `json:"timezone"`
	RunAt          *time.Time     `json:"run_at" validate:"required_without=CronExpr"`
	StartDate      *time.Time     `json:"start_date"`
	EndDate        *time.Time     `json:"end_date"`
	MaxExecutions  *int           `json:"max_executions" validate:"omitempty,gt=0"`
	Enabled        *bool          `json:"enabled"`
	Retry          *retryReq      `json:"retry"`
	Payload        domain.Payload `json:"payload"`
	Tags           []string       `json:"tags"`
	Priority       int            `json:"priority"`
	Timeout        string         `json:"timeout"`
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s: invalid duration %q", errBadRequest, field, v)
	}
	return d, nil
}

func (req registerTaskReq) toTask() (domain.ScheduleTask, error) {
	module, err := domain.ParseModule(req.SourceModule)
	if err != nil {
		return domain.ScheduleTask{}, err
	}
	t := domain.ScheduleTask{
		OwnerID:        req.OwnerID,
		Name:           req.Name,
		Description:    req.Description,
		SourceModule:   module,
		SourceEntityID: req.SourceEntityID,
		Status:         domain.StatusActive,
		Enabled:        req.Enabled == nil || *req.Enabled,
		CronExpr:       req.CronExpr,
		Timezone:       req.Timezone,
		EndDate:        req.EndDate,
		MaxExecutions:  req.MaxExecutions,
		Payload:        req.Payload,
		Tags:           req.Tags,
		Priority:       req.Priority,
	}
	if req.StartDate != nil {
		t.StartDate = req.StartDate.UTC()
	}
	if req.CronExpr == "" && req.RunAt != nil {
		at := req.RunAt.UTC()
		t.NextRunAt = &at
	}
	if t.Timeout, err = parseDuration("timeout", req.Timeout); err != nil {
		return domain.ScheduleTask{}, err
	}
	if req.Retry != nil {
		if req.Retry.MaxRetries != nil {
			t.Retry.MaxRetries = *req.Retry.MaxRetries
		} else {
			t.Retry.MaxRetries = domain.DefaultRetryPolicy().MaxRetries
		}
		if t.Retry.InitialDelay, err = parseDuration("retry.initial_delay", req.Retry.InitialDelay); err != nil {
			return domain.ScheduleTask{}, err
		}
		if t.Retry.MaxDelay, err = parseDuration("retry.max_delay", req.Retry.MaxDelay); err != nil {
			return domain.ScheduleTask{}, err
		}
		t.Retry.BackoffMultiplier = req.Retry.BackoffMultiplier
		for _, o := range req.Retry.RetryOn {
			t.Retry.RetryOn = append(t.Retry.RetryOn, domain.Outcome(o))
		}
	} else {
		t.Retry = domain.DefaultRetryPolicy()
	}
	return t, nil
}

func (s *Server) registerTask(w http.ResponseWriter, r *http.Request) {
	var req registerTaskReq
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := req.toTask()
	if err != nil {
		writeError(w, r, err)
		return
	}
	stored, created, err := s.tasks.Register(r.Context(), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, stored)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type reasonReq struct {
	Reason string `json:"reason" validate:"max=500"`
}

// optionalReason accepts an empty body.
func (s *Server) optionalReason(r *http.Request) (string, error) {
	if r.ContentLength == 0 {
		return "", nil
	}
	var req reasonReq
	if err := s.decode(r, &req); err != nil {
		return "", err
	}
	return req.Reason, nil
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Pause(r.Context(), chi.URLParam(r, "id"))
	respondTask(w, r, t, err)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Resume(r.Context(), chi.URLParam(r, "id"))
	respondTask(w, r, t, err)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	reason, err := s.optionalReason(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.tasks.Cancel(r.Context(), chi.URLParam(r, "id"), reason)
	respondTask(w, r, t, err)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	reason, err := s.optionalReason(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.tasks.Complete(r.Context(), chi.URLParam(r, "id"), reason)
	respondTask(w, r, t, err)
}

func (s *Server) enableTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.SetEnabled(r.Context(), chi.URLParam(r, "id"), true)
	respondTask(w, r, t, err)
}

func (s *Server) disableTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.SetEnabled(r.Context(), chi.URLParam(r, "id"), false)
	respondTask(w, r, t, err)
}

func respondTask(w http.ResponseWriter, r *http.Request, t domain.ScheduleTask, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteBatchReq struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

type deleteBatchResp struct {
	Deleted []string `json:"deleted"`
	Errors  []string `json:"errors,omitempty"`
}

func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	var req deleteBatchReq
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	deleted, err := s.tasks.DeleteBatch(r.Context(), req.IDs)
	resp := deleteBatchResp{Deleted: deleted}
	if resp.Deleted == nil {
		resp.Deleted = []string{}
	}
	for _, e := range multierr.Errors(err) {
		resp.Errors = append(resp.Errors, e.Error())
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, resp)
}

type deleteBySourceResp struct {
	Deleted int `json:"deleted"`
}

func (s *Server) deleteBySource(w http.ResponseWriter, r *http.Request) {
	module, err := domain.ParseModule(chi.URLParam(r, "module"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.tasks.DeleteBySource(r.Context(), module, chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteBySourceResp{Deleted: n})
}

func (s *Server) listDue(w http.ResponseWriter, r *http.Request) {
	before := time.Now().UTC()
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: before: %v", errBadRequest, err))
			return
		}
		before = t
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	tasks, err := s.tasks.ListDue(r.Context(), before, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tasks))
}

func (s *Server) listOwnerTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListByOwner(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tasks))
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.tasks.Executions(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(execs))
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
