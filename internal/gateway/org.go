package gateway

import (
	"net/http"

	"github.com/basket/go-company/internal/persistence"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context(), r.URL.Query().Get("department_id"))
	if err != nil {
		s.internalError(w, r, "list agents", err)
		return
	}
	if agents == nil {
		agents = []persistence.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	depts, err := s.store.ListDepartments(r.Context())
	if err != nil {
		s.internalError(w, r, "list departments", err)
		return
	}
	if depts == nil {
		depts = []persistence.Department{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": depts})
}
