package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/secretsync/internal/auth"
	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

const version = "1.0.0"

// InitHandler handles POST /v1/sys/init. It issues the root token exactly once.
func (s *Server) InitHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	initialized, err := s.store.IsInitialized(ctx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if initialized {
		writeError(w, http.StatusConflict, "deployment is already initialized")
		return
	}

	root, plaintext, err := s.tokens.CreateToken(ctx, auth.TokenParams{
		DisplayName: "root",
		Policies:    []string{"root"},
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	err = s.store.InitDeployment(ctx, &models.InitData{
		RootTokenID:   root.ID,
		InitializedAt: time.Now().UTC(),
	})
	if err != nil {
		// Lost a race with another init; the token we made must not survive.
		if rerr := s.tokens.RevokeToken(ctx, root.ID); rerr != nil {
			log.Error().Err(rerr).Str("token_id", root.ID).Msg("revoking orphaned root token")
		}
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "deployment is already initialized")
			return
		}
		writeServiceError(w, r, err)
		return
	}

	log.Info().Str("token_id", root.ID).Msg("deployment initialized")
	writeJSON(w, http.StatusOK, map[string]any{
		"root_token":  plaintext,
		"initialized": true,
	})
}

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	initialized, err := s.store.IsInitialized(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("health check: storage unavailable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"storage": "unavailable",
			"version": version,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"initialized": initialized,
		"storage":     "ok",
		"version":     version,
	})
}
