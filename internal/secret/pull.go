package secret

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/org/secretsync/pkg/models"
)

// Pull returns the secrets visible to the caller in scope: personal secrets
// the caller owns, then shared ones. Nothing is decrypted.
func (s *Service) Pull(ctx context.Context, scope models.Scope) ([]*models.Secret, error) {
	var personal, shared []*models.Secret

	g, gctx := errgroup.WithContext(ctx)
	if scope.UserID != "" {
		g.Go(func() error {
			var err error
			personal, err = s.repo.FindSecrets(gctx, personalFilter(scope))
			if err != nil {
				return fmt.Errorf("personal secrets: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		var err error
		shared, err = s.repo.FindSecrets(gctx, sharedFilter(scope))
		if err != nil {
			return fmt.Errorf("shared secrets: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPullFailed, err)
	}

	secrets := make([]*models.Secret, 0, len(personal)+len(shared))
	secrets = append(secrets, personal...)
	secrets = append(secrets, shared...)

	log.Debug().
		Str("workspace", scope.WorkspaceID).
		Str("environment", scope.Environment).
		Int("count", len(secrets)).
		Msg("secrets pulled")

	s.emit(ctx, Event{Name: EventSecretsPulled, Scope: scope, Count: len(secrets)})
	return secrets, nil
}
