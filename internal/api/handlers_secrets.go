package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretsync/internal/crypto"
	"github.com/org/secretsync/internal/policy"
	"github.com/org/secretsync/internal/secret"
	"github.com/org/secretsync/pkg/models"
)

// scopeFor builds the engine scope from the route and the caller's token.
func scopeFor(r *http.Request, token *models.Token) models.Scope {
	return models.Scope{
		UserID:      token.SubjectID,
		WorkspaceID: chi.URLParam(r, "ws"),
		Environment: chi.URLParam(r, "env"),
	}
}

// authorizeScope checks capability on the scope's secrets path and returns the scope.
func (s *Server) authorizeScope(r *http.Request, capability string) (models.Scope, error) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		return models.Scope{}, policy.ErrPermissionDenied
	}
	scope := scopeFor(r, token)
	if err := s.policy.Authorize(r.Context(), token, capability, policy.SecretsPath(scope.WorkspaceID, scope.Environment)); err != nil {
		return models.Scope{}, err
	}
	return scope, nil
}

// PushHandler handles POST /v1/workspaces/{ws}/environments/{env}/secrets
func (s *Server) PushHandler(w http.ResponseWriter, r *http.Request) {
	scope, err := s.authorizeScope(r, models.CapWrite)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	var req struct {
		Secrets []models.SecretInput `json:"secrets"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.secrets.Push(r.Context(), scope, req.Secrets)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	token := tokenFromCtx(r.Context())
	if !s.policy.IsAllowed(r.Context(), token.Policies, models.CapSudo, policy.SnapshotsPath(scope.WorkspaceID)) {
		result.Snapshot = secret.VisibleTo(result.Snapshot, scope.UserID)
	}
	writeJSON(w, http.StatusOK, result)
}

// PullHandler handles GET /v1/workspaces/{ws}/environments/{env}/secrets.
// ?format=reformat flattens each record; the default returns records as stored.
func (s *Server) PullHandler(w http.ResponseWriter, r *http.Request) {
	scope, err := s.authorizeScope(r, models.CapRead)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format != "" && format != "raw" && format != "reformat" {
		writeError(w, http.StatusBadRequest, "format must be raw or reformat")
		return
	}

	secrets, err := s.secrets.Pull(r.Context(), scope)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if format == "reformat" {
		flat, err := secret.Reformat(secrets)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"secrets": flat})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": secrets})
}

// DecryptHandler handles POST /v1/workspaces/{ws}/environments/{env}/secrets/decrypt.
// The key is used for this request only and never stored.
func (s *Server) DecryptHandler(w http.ResponseWriter, r *http.Request) {
	scope, err := s.authorizeScope(r, models.CapRead)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	var req struct {
		Key    string `json:"key"`
		Format string `json:"format"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := crypto.ParseKey(req.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key: "+err.Error())
		return
	}
	if req.Format == "" {
		req.Format = string(secret.FormatText)
	}
	format, err := secret.ParseFormat(req.Format)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	secrets, err := s.secrets.Pull(r.Context(), scope)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	content, err := secret.Decrypt(secrets, key, format)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"format": content.Format(), "content": content})
}

// VersionsHandler handles GET /v1/workspaces/{ws}/secrets/{id}/versions
func (s *Server) VersionsHandler(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	token := tokenFromCtx(r.Context())
	if err := s.policy.Authorize(r.Context(), token, models.CapRead, policy.VersionsPath(ws)); err != nil {
		writeServiceError(w, r, err)
		return
	}

	// Personal history of other subjects needs sudo.
	all := s.policy.IsAllowed(r.Context(), token.Policies, models.CapSudo, policy.VersionsPath(ws))
	versions, err := s.secrets.Versions(r.Context(), ws, chi.URLParam(r, "id"), token.SubjectID, all)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// SnapshotListHandler handles GET /v1/workspaces/{ws}/snapshots
func (s *Server) SnapshotListHandler(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	token := tokenFromCtx(r.Context())
	if err := s.policy.Authorize(r.Context(), token, models.CapRead, policy.SnapshotsPath(ws)); err != nil {
		writeServiceError(w, r, err)
		return
	}

	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snaps, err := s.secrets.Snapshots(r.Context(), ws, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !s.policy.IsAllowed(r.Context(), token.Policies, models.CapSudo, policy.SnapshotsPath(ws)) {
		for i, snap := range snaps {
			snaps[i] = secret.VisibleTo(snap, token.SubjectID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

// SnapshotGetHandler handles GET /v1/workspaces/{ws}/snapshots/{version}
func (s *Server) SnapshotGetHandler(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	token := tokenFromCtx(r.Context())
	if err := s.policy.Authorize(r.Context(), token, models.CapRead, policy.SnapshotsPath(ws)); err != nil {
		writeServiceError(w, r, err)
		return
	}

	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, "invalid snapshot version")
		return
	}

	snap, err := s.secrets.Snapshot(r.Context(), ws, version)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !s.policy.IsAllowed(r.Context(), token.Policies, models.CapSudo, policy.SnapshotsPath(ws)) {
		snap = secret.VisibleTo(snap, token.SubjectID)
	}
	writeJSON(w, http.StatusOK, snap)
}
