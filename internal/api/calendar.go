package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chronoplan/internal/domain"
)

type detectReq struct {
	OwnerID   string    `json:"owner_id" validate:"required"`
	Start     time.Time `json:"start" validate:"required"`
	End       time.Time `json:"end" validate:"required"`
	ExcludeID string    `json:"exclude_id"`
}

func (s *Server) detectConflicts(w http.ResponseWriter, r *http.Request) {
	var req detectReq
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.calendar.Detect(r.Context(), req.OwnerID, domain.Interval{Start: req.Start, End: req.End}, req.ExcludeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createEventReq struct {
	OwnerID      string    `json:"owner_id" validate:"required"`
	Title        string    `json:"title" validate:"required,max=200"`
	Start        time.Time `json:"start" validate:"required"`
	End          time.Time `json:"end" validate:"required"`
	SourceTaskID string    `json:"source_task_id"`
	Strategy     string    `json:"strategy"`
	Confirm      bool      `json:"confirm"`
}

type eventResp struct {
	Event      domain.CalendarEvent           `json:"event"`
	Resolution domain.ConflictDetectionResult `json:"resolution"`
}

func parseStrategy(v string) (domain.Strategy, error) {
	st, err := domain.ParseStrategy(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return st, nil
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventReq
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	strategy, err := parseStrategy(req.Strategy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev := domain.CalendarEvent{
		OwnerID:      req.OwnerID,
		Title:        req.Title,
		StartTime:    req.Start,
		EndTime:      req.End,
		SourceTaskID: req.SourceTaskID,
	}
	stored, res, err := s.calendar.CreateWithConflictCheck(r.Context(), ev, strategy, req.Confirm)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventResp{Event: stored, Resolution: res})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.calendar.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) cancelEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.calendar.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resolveReq struct {
	Strategy string `json:"strategy" validate:"required"`
	Confirm  bool   `json:"confirm"`
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveReq
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	strategy, err := parseStrategy(req.Strategy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev, res, err := s.calendar.Resolve(r.Context(), chi.URLParam(r, "id"), strategy, req.Confirm)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResp{Event: ev, Resolution: res})
}

func (s *Server) listResolutions(w http.ResponseWriter, r *http.Request) {
	hist, err := s.calendar.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(hist))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	from, err := optionalTime(r, "from")
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := optionalTime(r, "to")
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.calendar.List(r.Context(), chi.URLParam(r, "owner"), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

func optionalTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, key, err)
	}
	return &t, nil
}
