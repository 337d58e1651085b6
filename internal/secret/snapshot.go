package secret

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

// SnapshotManager captures every secret of a workspace as a numbered snapshot.
type SnapshotManager struct {
	repo      storage.SecretRepository
	serialize bool
	now       func() time.Time
}

// NewSnapshotManager creates a SnapshotManager. With serialize set, the
// read-latest-then-write sequence runs under the workspace lock; without it
// two concurrent captures may pick the same version, and the loser fails on
// the (workspace, version) uniqueness constraint.
func NewSnapshotManager(repo storage.SecretRepository, serialize bool) *SnapshotManager {
	return &SnapshotManager{
		repo:      repo,
		serialize: serialize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TakeSnapshot writes a snapshot numbered one past the latest for workspaceID.
func (m *SnapshotManager) TakeSnapshot(ctx context.Context, workspaceID string) (*models.SecretSnapshot, error) {
	var snap *models.SecretSnapshot
	err := m.repo.WithTx(ctx, func(tx storage.SecretRepository) error {
		if m.serialize {
			if err := tx.LockWorkspace(ctx, workspaceID); err != nil {
				return err
			}
		}

		secrets, err := tx.FindSecrets(ctx, storage.SecretFilter{WorkspaceID: workspaceID})
		if err != nil {
			return fmt.Errorf("reading secrets: %w", err)
		}

		next := 1
		latest, err := tx.LatestSnapshot(ctx, workspaceID)
		switch {
		case err == nil:
			next = latest.Version + 1
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("reading latest snapshot: %w", err)
		}

		snap = &models.SecretSnapshot{
			ID:          uuid.NewString(),
			WorkspaceID: workspaceID,
			Version:     next,
			Secrets:     make([]models.Secret, 0, len(secrets)),
			CreatedAt:   m.now(),
		}
		for _, sec := range secrets {
			snap.Secrets = append(snap.Secrets, *sec)
		}
		return tx.InsertSnapshot(ctx, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}

	log.Debug().
		Str("workspace", workspaceID).
		Int("version", snap.Version).
		Int("secrets", len(snap.Secrets)).
		Msg("snapshot taken")
	return snap, nil
}

// VisibleTo returns a copy of snap without the personal secrets of subjects
// other than viewerID.
func VisibleTo(snap *models.SecretSnapshot, viewerID string) *models.SecretSnapshot {
	out := *snap
	out.Secrets = make([]models.Secret, 0, len(snap.Secrets))
	for _, sec := range snap.Secrets {
		if sec.Type == models.SecretTypePersonal && sec.OwnerID != viewerID {
			continue
		}
		out.Secrets = append(out.Secrets, sec)
	}
	return &out
}
