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

// Event names passed to an EventSink.
const (
	EventSecretsPushed = "secrets_pushed"
	EventSecretsPulled = "secrets_pulled"
	EventSnapshotTaken = "snapshot_taken"
)

// Event reports a completed operation. Count is the number of secrets in the
// pushed batch, the pulled result, or the snapshot.
type Event struct {
	Name  string
	Scope models.Scope
	Count int
}

// EventSink receives events after successful operations.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// Config controls a Service.
type Config struct {
	// SerializePushes takes the workspace lock around each push and snapshot.
	SerializePushes bool
	// Events, when set, receives push, pull and snapshot events.
	Events EventSink
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{SerializePushes: true}
}

// Service is the push/pull engine for encrypted workspace secrets.
type Service struct {
	repo storage.SecretRepository
	cfg  Config
	now  func() time.Time
}

// NewService creates a Service over repo.
func NewService(repo storage.SecretRepository, cfg Config) *Service {
	return &Service{
		repo: repo,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// PushResult summarises one push.
type PushResult struct {
	Added     int                    `json:"added"`
	Updated   int                    `json:"updated"`
	Deleted   int                    `json:"deleted"`
	Unchanged int                    `json:"unchanged"`
	Snapshot  *models.SecretSnapshot `json:"snapshot"`
}

// ValidateBatch rejects entries that cannot be stored.
func ValidateBatch(scope models.Scope, batch []models.SecretInput) error {
	for i, in := range batch {
		if !in.Type.Valid() {
			return fmt.Errorf("%w: entry %d: unknown type %q", ErrInvalidBatch, i, in.Type)
		}
		if in.Type == models.SecretTypePersonal && scope.UserID == "" {
			return fmt.Errorf("%w: entry %d: personal secret without an owner", ErrInvalidBatch, i)
		}
		if in.Key.Ciphertext == "" || in.Value.Ciphertext == "" {
			return fmt.Errorf("%w: entry %d: empty ciphertext", ErrInvalidBatch, i)
		}
		if in.Key.Hash == "" || in.Value.Hash == "" {
			return fmt.Errorf("%w: entry %d: missing content hash", ErrInvalidBatch, i)
		}
	}
	return nil
}

// Push replaces the caller-visible secrets of scope with batch. Nothing is
// written for entries whose value and type are unchanged, but every push
// records a new workspace snapshot. All writes share one transaction.
func (s *Service) Push(ctx context.Context, scope models.Scope, batch []models.SecretInput) (*PushResult, error) {
	if err := ValidateBatch(scope, batch); err != nil {
		return nil, err
	}

	var result *PushResult
	err := s.repo.WithTx(ctx, func(tx storage.SecretRepository) error {
		if s.cfg.SerializePushes {
			if err := tx.LockWorkspace(ctx, scope.WorkspaceID); err != nil {
				return fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
			}
		}

		diff, err := NewReconciler(tx).Reconcile(ctx, scope, batch)
		if err != nil {
			return err
		}
		if err := s.apply(ctx, tx, scope, diff); err != nil {
			return fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
		}

		snap, err := NewSnapshotManager(tx, s.cfg.SerializePushes).TakeSnapshot(ctx, scope.WorkspaceID)
		if err != nil {
			return err
		}

		result = &PushResult{
			Added:     len(diff.ToAdd),
			Updated:   len(diff.ToUpdate),
			Deleted:   len(diff.ToDelete),
			Unchanged: len(diff.Unchanged),
			Snapshot:  snap,
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrReconciliationFailed) && !errors.Is(err, ErrSnapshotFailed) {
			err = fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
		}
		log.Error().Err(err).
			Str("workspace", scope.WorkspaceID).
			Str("environment", scope.Environment).
			Msg("push failed")
		return nil, err
	}

	log.Info().
		Str("workspace", scope.WorkspaceID).
		Str("environment", scope.Environment).
		Int("added", result.Added).
		Int("updated", result.Updated).
		Int("deleted", result.Deleted).
		Int("snapshot", result.Snapshot.Version).
		Msg("secrets pushed")

	s.emit(ctx, Event{Name: EventSecretsPushed, Scope: scope, Count: len(batch)})
	s.emit(ctx, Event{Name: EventSnapshotTaken, Scope: scope, Count: len(result.Snapshot.Secrets)})
	return result, nil
}

// apply writes a diff: deletes, then updates, then inserts, each followed by
// its ledger entries.
func (s *Service) apply(ctx context.Context, tx storage.SecretRepository, scope models.Scope, diff Diff) error {
	ledger := NewVersionLedger(tx)
	now := s.now()

	if len(diff.ToDelete) > 0 {
		ids := make([]string, len(diff.ToDelete))
		for i, sec := range diff.ToDelete {
			ids[i] = sec.ID
		}
		if err := tx.DeleteSecrets(ctx, ids); err != nil {
			return fmt.Errorf("deleting secrets: %w", err)
		}
		if err := ledger.MarkDeleted(ctx, ids); err != nil {
			return err
		}
	}

	if len(diff.ToUpdate) > 0 {
		updated := make([]*models.Secret, len(diff.ToUpdate))
		versions := make([]*models.SecretVersion, len(diff.ToUpdate))
		for i, u := range diff.ToUpdate {
			sec := u.Existing.Clone()
			sec.Type = u.Incoming.Type
			sec.OwnerID = ownerFor(u.Incoming.Type, scope.UserID)
			sec.Value = u.Incoming.Value
			sec.Version++
			sec.UpdatedAt = now
			updated[i] = sec
			versions[i] = VersionOf(sec)
		}
		if err := tx.UpdateSecrets(ctx, updated); err != nil {
			return fmt.Errorf("updating secrets: %w", err)
		}
		if err := ledger.Append(ctx, versions...); err != nil {
			return err
		}
	}

	if len(diff.ToAdd) > 0 {
		added := make([]*models.Secret, len(diff.ToAdd))
		versions := make([]*models.SecretVersion, len(diff.ToAdd))
		for i, in := range diff.ToAdd {
			sec := &models.Secret{
				ID:          uuid.NewString(),
				WorkspaceID: scope.WorkspaceID,
				Environment: scope.Environment,
				Type:        in.Type,
				OwnerID:     ownerFor(in.Type, scope.UserID),
				Key:         in.Key,
				Value:       in.Value,
				Version:     1,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			added[i] = sec
			versions[i] = VersionOf(sec)
		}
		if err := tx.InsertSecrets(ctx, added); err != nil {
			return fmt.Errorf("inserting secrets: %w", err)
		}
		if err := ledger.Append(ctx, versions...); err != nil {
			return err
		}
	}
	return nil
}

// ownerFor stamps personal secrets with the caller. Shared secrets have no owner.
func ownerFor(t models.SecretType, userID string) string {
	if t == models.SecretTypePersonal {
		return userID
	}
	return ""
}

// Versions returns the history of one secret in a workspace as seen by
// viewerID. Personal versions owned by someone else are hidden unless all is
// set.
func (s *Service) Versions(ctx context.Context, workspaceID, secretID, viewerID string, all bool) ([]*models.SecretVersion, error) {
	versions, err := NewVersionLedger(s.repo).History(ctx, secretID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	out := versions[:0]
	for _, v := range versions {
		if v.WorkspaceID != workspaceID {
			continue
		}
		if !all && v.Type == models.SecretTypePersonal && v.OwnerID != viewerID {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

// Snapshots lists snapshots of a workspace, newest first.
func (s *Service) Snapshots(ctx context.Context, workspaceID string, limit, offset int) ([]*models.SecretSnapshot, error) {
	snaps, err := s.repo.ListSnapshots(ctx, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snaps, nil
}

// Snapshot returns one snapshot by version.
func (s *Service) Snapshot(ctx context.Context, workspaceID string, version int) (*models.SecretSnapshot, error) {
	return s.repo.GetSnapshot(ctx, workspaceID, version)
}

func (s *Service) emit(ctx context.Context, e Event) {
	if s.cfg.Events != nil {
		s.cfg.Events.Emit(ctx, e)
	}
}
