package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"chronoplan/internal/domain"
)

func (s *Server) getStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Get(chi.URLParam(r, "owner")))
}

func (s *Server) getModuleStatistics(w http.ResponseWriter, r *http.Request) {
	module, err := domain.ParseModule(chi.URLParam(r, "module"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stats.GetModule(chi.URLParam(r, "owner"), module))
}

func (s *Server) recalculateStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Recalculate(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
