package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretsync/internal/auth"
	"github.com/org/secretsync/pkg/models"
)

func authResponse(t *models.Token, plaintext string) map[string]any {
	return map[string]any{
		"auth": map[string]any{
			"client_token":   plaintext,
			"policies":       t.Policies,
			"lease_duration": int(t.TTL.Seconds()),
			"renewable":      t.Renewable,
			"subject_id":     t.SubjectID,
			"subject_type":   t.SubjectType,
		},
	}
}

// parseTTL accepts an empty string as zero.
func parseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// missingPolicy returns the first requested policy not in held.
func missingPolicy(held, requested []string) (string, bool) {
	for _, p := range requested {
		if !slices.Contains(held, p) {
			return p, false
		}
	}
	return "", true
}

// TokenCreateHandler handles POST /v1/auth/token/create. Child tokens act for
// the same subject as their parent unless the parent is root.
func (s *Server) TokenCreateHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		DisplayName string   `json:"display_name"`
		Policies    []string `json:"policies"`
		TTL         string   `json:"ttl"`
		Renewable   bool     `json:"renewable"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ttl, err := parseTTL(req.TTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ttl format")
		return
	}
	if len(req.Policies) == 0 {
		req.Policies = []string{"default"}
	}

	params := auth.TokenParams{
		DisplayName: req.DisplayName,
		Policies:    req.Policies,
		TTL:         ttl,
		Renewable:   req.Renewable,
		ParentID:    &token.ID,
	}
	// Tokens minted by root get a fresh user subject. Everyone else gets a
	// child acting for themselves with a subset of their own policies.
	if !s.policy.IsAllowed(r.Context(), token.Policies, models.CapSudo, "auth/token/create") {
		if p, ok := missingPolicy(token.Policies, req.Policies); !ok {
			writeError(w, http.StatusForbidden, "cannot grant policy "+p)
			return
		}
		params.SubjectID = token.SubjectID
		params.SubjectType = token.SubjectType
	}

	newToken, plaintext, err := s.tokens.CreateToken(r.Context(), params)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse(newToken, plaintext))
}

// TokenRevokeHandler handles POST /v1/auth/token/revoke
func (s *Server) TokenRevokeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tok, err := s.tokens.ValidateToken(r.Context(), req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.tokens.RevokeToken(r.Context(), tok.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TokenLookupSelfHandler handles GET /v1/auth/token/lookup-self
func (s *Server) TokenLookupSelfHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	data := map[string]any{
		"id":            token.ID,
		"display_name":  token.DisplayName,
		"subject_id":    token.SubjectID,
		"subject_type":  token.SubjectType,
		"policies":      token.Policies,
		"ttl":           int(token.TTL.Seconds()),
		"renewable":     token.Renewable,
		"creation_time": token.CreatedAt.Unix(),
	}
	if !token.ExpiresAt.IsZero() {
		data["expire_time"] = token.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// TokenRenewHandler handles POST /v1/auth/token/renew-self
func (s *Server) TokenRenewHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !token.Renewable {
		writeError(w, http.StatusBadRequest, "token is not renewable")
		return
	}

	var req struct {
		Increment string `json:"increment"`
	}
	decodeJSON(r, &req) //nolint:errcheck

	ttl, err := parseTTL(req.Increment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid increment")
		return
	}

	expiresAt, err := s.tokens.RenewToken(r.Context(), token, ttl)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]any{
			"lease_duration": int(time.Until(expiresAt).Seconds()),
			"expire_time":    expiresAt.Unix(),
			"renewable":      true,
		},
	})
}

// MachineCreateHandler handles POST /v1/auth/machine/identity
func (s *Server) MachineCreateHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if err := s.policy.Authorize(r.Context(), token, models.CapWrite, "auth/machine/identity"); err != nil {
		writeServiceError(w, r, err)
		return
	}

	var req struct {
		Name            string   `json:"name"`
		Policies        []string `json:"token_policies"`
		ClientSecretTTL string   `json:"client_secret_ttl"`
		TokenTTL        string   `json:"token_ttl"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	secretTTL, err := parseTTL(req.ClientSecretTTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client_secret_ttl")
		return
	}
	tokenTTL, err := parseTTL(req.TokenTTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token_ttl")
		return
	}
	if tokenTTL == 0 {
		tokenTTL = time.Hour
	}

	mi, err := s.machines.CreateIdentity(r.Context(), req.Name, req.Policies, secretTTL, tokenTTL)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client_id": mi.ID, "name": mi.Name})
}

// MachineReadHandler handles GET /v1/auth/machine/identity/{name}
func (s *Server) MachineReadHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if err := s.policy.Authorize(r.Context(), token, models.CapRead, "auth/machine/identity"); err != nil {
		writeServiceError(w, r, err)
		return
	}

	mi, err := s.machines.GetIdentity(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"client_id":         mi.ID,
		"name":              mi.Name,
		"token_policies":    mi.Policies,
		"client_secret_ttl": mi.ClientSecretTTL.String(),
		"token_ttl":         mi.TokenTTL.String(),
	}})
}

// MachineSecretHandler handles POST /v1/auth/machine/identity/{name}/client-secret
func (s *Server) MachineSecretHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if err := s.policy.Authorize(r.Context(), token, models.CapWrite, "auth/machine/identity"); err != nil {
		writeServiceError(w, r, err)
		return
	}

	var req struct {
		Uses int `json:"uses"`
	}
	decodeJSON(r, &req) //nolint:errcheck

	clientSecret, err := s.machines.GenerateClientSecret(r.Context(), chi.URLParam(r, "name"), req.Uses)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"client_secret": clientSecret}})
}

// MachineLoginHandler handles POST /v1/auth/machine/login
func (s *Server) MachineLoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, plaintext, err := s.machines.Login(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, authResponse(token, plaintext))
}
