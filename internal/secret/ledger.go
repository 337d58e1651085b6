package secret

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

// VersionLedger is the append-only history of secret versions. It never
// computes version numbers; callers pass them in on the rows they append.
type VersionLedger struct {
	repo storage.SecretRepository
	now  func() time.Time
}

// NewVersionLedger creates a VersionLedger writing to repo.
func NewVersionLedger(repo storage.SecretRepository) *VersionLedger {
	return &VersionLedger{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// VersionOf captures the current state of sec as a ledger row.
func VersionOf(sec *models.Secret) *models.SecretVersion {
	return &models.SecretVersion{
		SecretID:    sec.ID,
		Version:     sec.Version,
		WorkspaceID: sec.WorkspaceID,
		Environment: sec.Environment,
		Type:        sec.Type,
		OwnerID:     sec.OwnerID,
		Key:         sec.Key,
		Value:       sec.Value,
	}
}

// Append writes versions. Missing IDs and timestamps are filled in.
func (l *VersionLedger) Append(ctx context.Context, versions ...*models.SecretVersion) error {
	if len(versions) == 0 {
		return nil
	}
	now := l.now()
	for _, v := range versions {
		if v.Version < 1 {
			return fmt.Errorf("secret %s: version must be at least 1, got %d", v.SecretID, v.Version)
		}
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
	}
	if err := l.repo.InsertSecretVersions(ctx, versions); err != nil {
		return fmt.Errorf("appending versions: %w", err)
	}
	return nil
}

// MarkDeleted flags every version of the given secrets as deleted.
func (l *VersionLedger) MarkDeleted(ctx context.Context, secretIDs []string) error {
	if len(secretIDs) == 0 {
		return nil
	}
	if err := l.repo.MarkSecretVersionsDeleted(ctx, secretIDs); err != nil {
		return fmt.Errorf("marking versions deleted: %w", err)
	}
	return nil
}

// History returns the versions of one secret in ascending order.
func (l *VersionLedger) History(ctx context.Context, secretID string) ([]*models.SecretVersion, error) {
	return l.repo.ListSecretVersions(ctx, secretID)
}
