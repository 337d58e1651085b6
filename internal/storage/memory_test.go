package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretsync/pkg/models"
)

func testSecret(id, env, owner, keyHash string) *models.Secret {
	t := models.SecretTypeShared
	if owner != "" {
		t = models.SecretTypePersonal
	}
	return &models.Secret{
		ID:          id,
		WorkspaceID: "ws",
		Environment: env,
		Type:        t,
		OwnerID:     owner,
		Key:         models.EncryptedField{Ciphertext: "c", IV: "i", Tag: "t", Hash: keyHash},
		Value:       models.EncryptedField{Ciphertext: "c", IV: "i", Tag: "t", Hash: "v"},
		Version:     1,
	}
}

// repositoryContract runs the behaviour every SecretRepository must share.
func repositoryContract(t *testing.T, repo SecretRepository) {
	ctx := context.Background()

	require.NoError(t, repo.InsertSecrets(ctx, []*models.Secret{
		testSecret("s1", "dev", "", "k1"),
		testSecret("s2", "dev", "u1", "k1"),
		testSecret("s3", "prod", "", "k1"),
	}))

	err := repo.InsertSecrets(ctx, []*models.Secret{testSecret("s4", "dev", "", "k1")})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	dev, err := repo.FindSecrets(ctx, SecretFilter{WorkspaceID: "ws", Environment: "dev"})
	require.NoError(t, err)
	assert.Len(t, dev, 2)

	personal, err := repo.FindSecrets(ctx, SecretFilter{WorkspaceID: "ws", Type: models.SecretTypePersonal, OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, personal, 1)
	assert.Equal(t, "s2", personal[0].ID)

	upd := personal[0].Clone()
	upd.Version = 2
	upd.Value.Hash = "v2"
	require.NoError(t, repo.UpdateSecrets(ctx, []*models.Secret{upd}))
	assert.ErrorIs(t, repo.UpdateSecrets(ctx, []*models.Secret{testSecret("missing", "dev", "", "zz")}), ErrNotFound)

	// Turning the personal secret shared would collide with s1.
	flip := upd.Clone()
	flip.Type = models.SecretTypeShared
	flip.OwnerID = ""
	flip.Version = 3
	assert.ErrorIs(t, repo.UpdateSecrets(ctx, []*models.Secret{flip}), ErrAlreadyExists)
	personal, err = repo.FindSecrets(ctx, SecretFilter{WorkspaceID: "ws", Type: models.SecretTypePersonal, OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, personal, 1)
	assert.Equal(t, 2, personal[0].Version)

	require.NoError(t, repo.InsertSecretVersions(ctx, []*models.SecretVersion{
		{ID: "v1", SecretID: "s2", Version: 1, WorkspaceID: "ws"},
		{ID: "v2", SecretID: "s2", Version: 2, WorkspaceID: "ws"},
	}))
	err = repo.InsertSecretVersions(ctx, []*models.SecretVersion{{ID: "v3", SecretID: "s2", Version: 2, WorkspaceID: "ws"}})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, repo.DeleteSecrets(ctx, []string{"s2"}))
	require.NoError(t, repo.MarkSecretVersionsDeleted(ctx, []string{"s2"}))
	versions, err := repo.ListSecretVersions(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
		assert.True(t, v.IsDeleted)
	}

	_, err = repo.LatestSnapshot(ctx, "ws")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC().Truncate(time.Microsecond)
	for v := 1; v <= 3; v++ {
		require.NoError(t, repo.InsertSnapshot(ctx, &models.SecretSnapshot{
			ID: "snap-" + string(rune('0'+v)), WorkspaceID: "ws", Version: v,
			Secrets: []models.Secret{*testSecret("s1", "dev", "", "k1")}, CreatedAt: now,
		}))
	}
	err = repo.InsertSnapshot(ctx, &models.SecretSnapshot{ID: "dup", WorkspaceID: "ws", Version: 3, CreatedAt: now})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	latest, err := repo.LatestSnapshot(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)
	assert.Len(t, latest.Secrets, 1)

	page, err := repo.ListSnapshots(ctx, "ws", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 2, page[0].Version)
	assert.Equal(t, 1, page[1].Version)

	// No limit still honours the offset.
	rest, err := repo.ListSnapshots(ctx, "ws", 0, 1)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, 2, rest[0].Version)

	_, err = repo.GetSnapshot(ctx, "ws", 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func txContract(t *testing.T, repo SecretRepository) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(tx SecretRepository) error {
		require.NoError(t, tx.LockWorkspace(ctx, "ws"))
		require.NoError(t, tx.InsertSecrets(ctx, []*models.Secret{testSecret("tx1", "dev", "", "kt")}))
		// Nested calls join the outer transaction.
		return tx.WithTx(ctx, func(inner SecretRepository) error {
			found, err := inner.FindSecrets(ctx, SecretFilter{WorkspaceID: "ws", Environment: "dev"})
			require.NoError(t, err)
			require.Len(t, found, 1)
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	found, err := repo.FindSecrets(ctx, SecretFilter{WorkspaceID: "ws"})
	require.NoError(t, err)
	assert.Empty(t, found, "rolled back writes must not be visible")

	require.NoError(t, repo.WithTx(ctx, func(tx SecretRepository) error {
		return tx.InsertSecrets(ctx, []*models.Secret{testSecret("tx2", "dev", "", "kt")})
	}))
	found, err = repo.FindSecrets(ctx, SecretFilter{WorkspaceID: "ws"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	assert.Error(t, repo.LockWorkspace(ctx, "ws"), "lock outside a transaction")
}

func TestMemorySecretRepository(t *testing.T) {
	repositoryContract(t, NewMemoryBackend())
}

func TestMemoryTransactions(t *testing.T) {
	txContract(t, NewMemoryBackend())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	require.NoError(t, m.InsertSecrets(ctx, []*models.Secret{testSecret("s1", "dev", "", "k1")}))

	found, _ := m.FindSecrets(ctx, SecretFilter{})
	found[0].Version = 99

	again, _ := m.FindSecrets(ctx, SecretFilter{})
	assert.Equal(t, 1, again[0].Version)
}

func TestMemoryPolicies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	names, err := m.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "root"}, names)

	assert.Error(t, m.DeletePolicy(ctx, "root"))
	require.NoError(t, m.WritePolicy(ctx, &models.Policy{Name: "dev"}))
	require.NoError(t, m.DeletePolicy(ctx, "dev"))
	_, err = m.GetPolicy(ctx, "dev")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryInitOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	ok, _ := m.IsInitialized(ctx)
	assert.False(t, ok)

	require.NoError(t, m.InitDeployment(ctx, &models.InitData{RootTokenID: "t", InitializedAt: time.Now()}))
	assert.ErrorIs(t, m.InitDeployment(ctx, &models.InitData{RootTokenID: "t2"}), ErrAlreadyExists)
	ok, _ = m.IsInitialized(ctx)
	assert.True(t, ok)
}
