package secret

import (
	"context"
	"fmt"

	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

// Update pairs a stored secret with the incoming entry that replaces it.
type Update struct {
	Existing *models.Secret
	Incoming models.SecretInput
}

// Diff is the classification of a pushed batch against stored state.
type Diff struct {
	ToDelete  []*models.Secret
	ToUpdate  []Update
	ToAdd     []models.SecretInput
	Unchanged []*models.Secret
}

// Empty reports whether applying d would write nothing.
func (d Diff) Empty() bool {
	return len(d.ToDelete) == 0 && len(d.ToUpdate) == 0 && len(d.ToAdd) == 0
}

// ComputeDiff classifies batch against current by key hash.
//
// Batch entries sharing a key hash collapse to the last one, kept at the
// position of the first. A caller can see one personal and one shared secret
// under the same key. An incoming entry is matched to the stored secret of its
// own type when there is one, otherwise to the first stored secret with its
// key; any other secret under that key is left untouched. Only stored secrets
// whose key is absent from the batch are deleted.
func ComputeDiff(current []*models.Secret, batch []models.SecretInput) Diff {
	incoming := collapseBatch(batch)
	inBatch := make(map[string]bool, len(incoming))
	for _, in := range incoming {
		inBatch[in.Key.Hash] = true
	}

	var d Diff
	byHash := make(map[string][]*models.Secret, len(current))
	for _, sec := range current {
		if !inBatch[sec.Key.Hash] {
			d.ToDelete = append(d.ToDelete, sec)
			continue
		}
		byHash[sec.Key.Hash] = append(byHash[sec.Key.Hash], sec)
	}

	for _, in := range incoming {
		existing := matchStored(byHash[in.Key.Hash], in.Type)
		switch {
		case existing == nil:
			d.ToAdd = append(d.ToAdd, in)
		case existing.Value.Hash != in.Value.Hash || existing.Type != in.Type:
			d.ToUpdate = append(d.ToUpdate, Update{Existing: existing, Incoming: in})
		default:
			d.Unchanged = append(d.Unchanged, existing)
		}
	}
	return d
}

// matchStored picks the candidate of type t, falling back to the first. A type
// change therefore only happens when no secret of the target type exists under
// the key, so it cannot collide with one.
func matchStored(candidates []*models.Secret, t models.SecretType) *models.Secret {
	for _, sec := range candidates {
		if sec.Type == t {
			return sec
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return nil
}

func collapseBatch(batch []models.SecretInput) []models.SecretInput {
	pos := make(map[string]int, len(batch))
	out := make([]models.SecretInput, 0, len(batch))
	for _, in := range batch {
		if i, ok := pos[in.Key.Hash]; ok {
			out[i] = in
			continue
		}
		pos[in.Key.Hash] = len(out)
		out = append(out, in)
	}
	return out
}

// Reconciler fetches the caller-visible scope and diffs a batch against it.
type Reconciler struct {
	repo storage.SecretRepository
}

// NewReconciler creates a Reconciler reading from repo.
func NewReconciler(repo storage.SecretRepository) *Reconciler {
	return &Reconciler{repo: repo}
}

// Reconcile classifies batch against the shared and caller-owned personal
// secrets of scope. It writes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, scope models.Scope, batch []models.SecretInput) (Diff, error) {
	current, err := visibleSecrets(ctx, r.repo, scope)
	if err != nil {
		return Diff{}, fmt.Errorf("%w: fetching scope: %w", ErrReconciliationFailed, err)
	}
	return ComputeDiff(current, batch), nil
}

// visibleSecrets returns personal secrets owned by the caller followed by
// shared secrets. Queries run one after the other so it is safe on a
// transaction-scoped repository.
func visibleSecrets(ctx context.Context, repo storage.SecretRepository, scope models.Scope) ([]*models.Secret, error) {
	var personal []*models.Secret
	if scope.UserID != "" {
		var err error
		personal, err = repo.FindSecrets(ctx, personalFilter(scope))
		if err != nil {
			return nil, err
		}
	}
	shared, err := repo.FindSecrets(ctx, sharedFilter(scope))
	if err != nil {
		return nil, err
	}
	return append(personal, shared...), nil
}

func personalFilter(scope models.Scope) storage.SecretFilter {
	return storage.SecretFilter{
		WorkspaceID: scope.WorkspaceID,
		Environment: scope.Environment,
		Type:        models.SecretTypePersonal,
		OwnerID:     scope.UserID,
	}
}

func sharedFilter(scope models.Scope) storage.SecretFilter {
	return storage.SecretFilter{
		WorkspaceID: scope.WorkspaceID,
		Environment: scope.Environment,
		Type:        models.SecretTypeShared,
	}
}
