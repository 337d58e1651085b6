package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

func policyPath(name string) string {
	if name == "" {
		return "sys/policy"
	}
	return "sys/policy/" + name
}

// PolicyWriteHandler handles POST /v1/sys/policy/{name}
func (s *Server) PolicyWriteHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.policy.Authorize(r.Context(), tokenFromCtx(r.Context()), models.CapWrite, policyPath(name)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if storage.IsBuiltinPolicy(name) {
		writeError(w, http.StatusBadRequest, "cannot overwrite builtin policy "+name)
		return
	}

	var req struct {
		Rules map[string]models.PathRule `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.WritePolicy(r.Context(), &models.Policy{Name: name, Rules: req.Rules}); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PolicyReadHandler handles GET /v1/sys/policy/{name}
func (s *Server) PolicyReadHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.policy.Authorize(r.Context(), tokenFromCtx(r.Context()), models.CapRead, policyPath(name)); err != nil {
		writeServiceError(w, r, err)
		return
	}

	pol, err := s.store.GetPolicy(r.Context(), name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": pol.Name, "rules": pol.Rules})
}

// PolicyDeleteHandler handles DELETE /v1/sys/policy/{name}
func (s *Server) PolicyDeleteHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.policy.Authorize(r.Context(), tokenFromCtx(r.Context()), models.CapDelete, policyPath(name)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if storage.IsBuiltinPolicy(name) {
		writeError(w, http.StatusBadRequest, "cannot delete builtin policy "+name)
		return
	}
	if err := s.store.DeletePolicy(r.Context(), name); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PolicyListHandler handles GET /v1/sys/policy
func (s *Server) PolicyListHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.policy.Authorize(r.Context(), tokenFromCtx(r.Context()), models.CapList, policyPath("")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	names, err := s.store.ListPolicies(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": names})
}
